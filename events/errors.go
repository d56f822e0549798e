package events

import "fmt"

// MalformedEventError means the payload could not be normalized: a required
// correlation key is absent under every known alias, or a field failed
// validation. The delivery must be rejected without side effects; retrying
// the same body can never succeed.
type MalformedEventError struct {
	Source Source
	Kind   Kind
	Field  string
	Tried  []string
	Err    error
}

func (e *MalformedEventError) Error() string {
	switch {
	case len(e.Tried) > 0:
		return fmt.Sprintf("malformed %s %s event: missing %s (tried keys %v)", e.Source, e.Kind, e.Field, e.Tried)
	case e.Err != nil:
		return fmt.Sprintf("malformed %s %s event: %s: %v", e.Source, e.Kind, e.Field, e.Err)
	default:
		return fmt.Sprintf("malformed %s %s event: %s", e.Source, e.Kind, e.Field)
	}
}

func (e *MalformedEventError) Unwrap() error { return e.Err }
