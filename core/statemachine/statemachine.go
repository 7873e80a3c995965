// Package statemachine holds the lifecycle transition tables for training
// jobs, evaluations and deployments. Every function is pure: it inspects a
// snapshot and returns the partial update to persist, ErrNoop when the
// request is already satisfied, or a state conflict.
package statemachine

import (
	"errors"
	"reflect"
	"time"

	"ml-orchestrator/core/apperr"
)

// ErrNoop is returned when re-applying a transition would not change the record
var ErrNoop = errors.New("statemachine: no change")

func conflict(op, entity, from, to string) error {
	return apperr.Conflict(op, "%s cannot move from %s to %s", entity, from, to)
}

// setRef enforces that an external reference is assigned at most once
func setRef(op, current, next string) (*string, error) {
	if next == "" || next == current {
		return nil, nil
	}
	if current != "" {
		return nil, apperr.Conflict(op, "external reference already set to %s", current)
	}
	return &next, nil
}

func endedAt(current *time.Time, now time.Time) *time.Time {
	if current != nil {
		return nil
	}
	return &now
}

func samePayload(a, b interface{}) bool {
	return reflect.DeepEqual(a, b)
}
