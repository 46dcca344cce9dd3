package domain

import "fmt"

// UnknownStrategyError reports a strategy name outside the registered set.
// This is a wiring mistake, not a runtime condition: callers must not
// retry, and startup code should treat it as fatal.
type UnknownStrategyError struct {
	Name string
}

func (e *UnknownStrategyError) Error() string {
	return fmt.Sprintf("unknown AI strategy: %q", e.Name)
}

// SchemaVersionError reports a cached history blob written by an
// incompatible codec version.
type SchemaVersionError struct {
	Got  int
	Want int
}

func (e *SchemaVersionError) Error() string {
	return fmt.Sprintf("history schema version %d, codec supports %d", e.Got, e.Want)
}

// AttachmentError wraps a failure to fetch a request attachment. It
// propagates: answering without the attachment would be silently wrong.
type AttachmentError struct {
	URL string
	Err error
}

func (e *AttachmentError) Error() string {
	return fmt.Sprintf("fetch attachment %s: %v", e.URL, e.Err)
}

func (e *AttachmentError) Unwrap() error { return e.Err }
