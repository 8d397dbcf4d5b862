// Package artifact implements the handle-based blob store used for
// persisted task results. Tasks declared with persistence return a Ref in
// place of their value; downstream tasks fetch through the store.
package artifact

import (
	"encoding/gob"
	"fmt"
)

// Ref is an opaque handle identifying a stored blob.
type Ref struct {
	Key string `json:"key"`
}

// Error wraps a backend fault. Artifact faults are never retried
// automatically.
type Error struct {
	Op  string
	Err error
}

func (e *Error) Error() string { return fmt.Sprintf("artifact %s: %v", e.Op, e.Err) }
func (e *Error) Unwrap() error { return e.Err }

// Store persists values and serves them back by handle.
type Store interface {
	Put(value any) (Ref, error)
	Get(ref Ref) (any, error)
	Delete(ref Ref) error
}

// RegisterType makes a concrete type encodable by the gob serializer.
// Values stored through interface-typed payloads need their concrete
// types registered once, typically from an init function.
func RegisterType(value any) {
	gob.Register(value)
}

func init() {
	gob.Register(map[string]any{})
	gob.Register([]any{})
	gob.Register("")
	gob.Register(0)
	gob.Register(int64(0))
	gob.Register(0.0)
	gob.Register(false)
	gob.Register([]int{})
	gob.Register([]string{})
}
