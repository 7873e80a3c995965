package repository

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"reflect"
	"strings"
	"time"
)

type scanner interface {
	Scan(dest ...interface{}) error
}

// setClause accumulates "col = $n" assignments for a partial UPDATE
type setClause struct {
	cols []string
	args []interface{}
}

func (s *setClause) add(col string, v interface{}) {
	s.args = append(s.args, v)
	s.cols = append(s.cols, fmt.Sprintf("%s = $%d", col, len(s.args)))
}

// addExpr appends an assignment whose right-hand side references the new
// placeholder through %s, e.g. "logs = logs || %s".
func (s *setClause) addExpr(expr string, v interface{}) {
	s.args = append(s.args, v)
	s.cols = append(s.cols, fmt.Sprintf(expr, fmt.Sprintf("$%d", len(s.args))))
}

func (s *setClause) addJSON(col string, v interface{}) error {
	raw, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("encode %s: %w", col, err)
	}
	s.add(col, raw)
	return nil
}

func (s *setClause) empty() bool { return len(s.cols) == 0 }

// build renders the UPDATE statement with a version bump and optional guard
func (s *setClause) build(table, id string, expectVersion int64, returning string) (string, []interface{}) {
	cols := append(append([]string{}, s.cols...), "version = version + 1")
	args := append(append([]interface{}{}, s.args...), id)
	query := fmt.Sprintf("UPDATE %s SET %s WHERE id = $%d", table, strings.Join(cols, ", "), len(args))
	if expectVersion > 0 {
		args = append(args, expectVersion)
		query += fmt.Sprintf(" AND version = $%d", len(args))
	}
	return query + " RETURNING " + returning, args
}

// jsonArg encodes v for a JSONB column, mapping nil maps and slices to NULL
func jsonArg(v interface{}) (interface{}, error) {
	if v == nil {
		return nil, nil
	}
	switch rv := reflect.ValueOf(v); rv.Kind() {
	case reflect.Map, reflect.Slice, reflect.Ptr, reflect.Interface:
		if rv.IsNil() {
			return nil, nil
		}
	}
	return json.Marshal(v)
}

func decodeJSON(raw []byte, dst interface{}) error {
	if len(raw) == 0 {
		return nil
	}
	return json.Unmarshal(raw, dst)
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

func nullTime(t *time.Time) sql.NullTime {
	if t == nil {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: *t, Valid: true}
}

func timePtr(t sql.NullTime) *time.Time {
	if !t.Valid {
		return nil
	}
	v := t.Time
	return &v
}

// statusList renders an IN list for typed status slices
func statusList[T ~string](statuses []T) []string {
	out := make([]string, len(statuses))
	for i, s := range statuses {
		out[i] = string(s)
	}
	return out
}
