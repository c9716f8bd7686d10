package store

import (
	"context"
	"errors"
	"fmt"
	"maps"
	"slices"
	"time"
)

var (
	ErrNotFound     = errors.New("record not found")
	ErrInvalidKey   = errors.New("collection path and document id must not be empty")
	ErrDisconnected = errors.New("watch disconnected")
)

// Record is a single document addressed by collection path and document id.
type Record struct {
	Path       string
	ID         string
	Fields     map[string]any
	UpdateTime time.Time
}

type ChangeKind int

const (
	ChangeAdded ChangeKind = iota
	ChangeModified
	ChangeRemoved
)

func (k ChangeKind) String() string {
	switch k {
	case ChangeAdded:
		return "added"
	case ChangeModified:
		return "modified"
	case ChangeRemoved:
		return "removed"
	}
	return "unknown"
}

type Change struct {
	Kind   ChangeKind
	Record Record
}

// Backend is the document database capability the Adapter is built on.
//
// Watch blocks, first reporting every document currently in path as ChangeAdded and then each
// subsequent change, until ctx is done or the underlying stream fails.
type Backend interface {
	Get(ctx context.Context, path string, id string) (Record, error)
	Put(ctx context.Context, path string, id string, fields map[string]any) (time.Time, error)
	Watch(ctx context.Context, path string, fn func(Change)) error
	Close() error
}

// StoreError wraps a connectivity or permission failure reported by a backend.
type StoreError struct {
	Op   string
	Path string
	ID   string
	Err  error
}

func (e *StoreError) Error() string {
	if e.ID == "" {
		return fmt.Sprintf("store: %s %s: %v", e.Op, e.Path, e.Err)
	}
	return fmt.Sprintf("store: %s %s/%s: %v", e.Op, e.Path, e.ID, e.Err)
}

func (e *StoreError) Unwrap() error {
	return e.Err
}

// CloneFields deep copies nested maps and slices so stored records never alias caller memory.
func CloneFields(fields map[string]any) map[string]any {
	if fields == nil {
		return map[string]any{}
	}
	out := make(map[string]any, len(fields))
	for k, v := range fields {
		out[k] = cloneValue(v)
	}
	return out
}

func cloneValue(v any) any {
	switch t := v.(type) {
	case map[string]any:
		return CloneFields(t)
	case []any:
		out := make([]any, len(t))
		for i, e := range t {
			out[i] = cloneValue(e)
		}
		return out
	case []string:
		return slices.Clone(t)
	case map[string]string:
		return maps.Clone(t)
	}
	return v
}

// Int reads an integral field regardless of how the backend decoded numbers.
func Int(fields map[string]any, key string) int {
	switch v := fields[key].(type) {
	case int:
		return v
	case int32:
		return int(v)
	case int64:
		return int(v)
	case float64:
		return int(v)
	case float32:
		return int(v)
	}
	return 0
}

func String(fields map[string]any, key string) string {
	s, _ := fields[key].(string)
	return s
}

func Bool(fields map[string]any, key string) bool {
	b, _ := fields[key].(bool)
	return b
}

// Strings reads a list of strings stored either as []string or as a decoded []any.
func Strings(fields map[string]any, key string) []string {
	switch v := fields[key].(type) {
	case []string:
		return slices.Clone(v)
	case []any:
		out := make([]string, 0, len(v))
		for _, e := range v {
			if s, ok := e.(string); ok {
				out = append(out, s)
			}
		}
		return out
	}
	return nil
}
