package logger

import (
	"strings"

	"go.uber.org/fx/fxevent"
)

// FxAdapter routes fx lifecycle events through this package.
type FxAdapter struct{}

// NewFxLoggerAdapter returns an fxevent.Logger backed by this package.
func NewFxLoggerAdapter() fxevent.Logger {
	return &FxAdapter{}
}

// LogEvent implements fxevent.Logger.
func (FxAdapter) LogEvent(event fxevent.Event) {
	switch e := event.(type) {
	case *fxevent.OnStartExecuting:
		Debugf("fx: OnStart %s", shortName(e.FunctionName))
	case *fxevent.OnStartExecuted:
		if e.Err != nil {
			Errorf("fx: OnStart %s failed: %v", shortName(e.FunctionName), e.Err)
		}
	case *fxevent.OnStopExecuting:
		Debugf("fx: OnStop %s", shortName(e.FunctionName))
	case *fxevent.OnStopExecuted:
		if e.Err != nil {
			Errorf("fx: OnStop %s failed: %v", shortName(e.FunctionName), e.Err)
		}
	case *fxevent.Provided:
		if e.Err != nil {
			Errorf("fx: provide %s failed: %v", shortName(e.ConstructorName), e.Err)
		}
	case *fxevent.Invoked:
		if e.Err != nil {
			Errorf("fx: invoke %s failed: %v", shortName(e.FunctionName), e.Err)
		}
	case *fxevent.Stopping:
		Infof("Received %s, shutting down", e.Signal)
	case *fxevent.RollingBack:
		Errorf("fx: start failed, rolling back: %v", e.StartErr)
	case *fxevent.Started:
		if e.Err != nil {
			Errorf("fx: start failed: %v", e.Err)
		} else {
			Infof("Application started")
		}
	}
}

func shortName(funcName string) string {
	if idx := strings.LastIndex(funcName, ".func"); idx != -1 {
		return funcName[:idx]
	}
	return funcName
}
