package testproxy

import "fmt"

// ConnectionError is returned when a control call to the proxy could not be
// completed, most commonly because the proxy is not running.
//
// Control calls are not retried.
type ConnectionError struct {
	Op  string // "start" or "stop"
	URL string
	Err error
}

// Error implements the error interface.
func (e *ConnectionError) Error() string {
	return fmt.Sprintf("test proxy %s %s: %v", e.Op, e.URL, e.Err)
}

// Unwrap returns the underlying transport error.
func (e *ConnectionError) Unwrap() error { return e.Err }

// ProtocolError is returned when the proxy answered a control call with
// something other than what the protocol requires, for instance a start
// response without exactly one x-recording-id value.
type ProtocolError struct {
	Op     string
	Status int
	Reason string
}

// Error implements the error interface.
func (e *ProtocolError) Error() string {
	return fmt.Sprintf("test proxy %s: %s (status %d)", e.Op, e.Reason, e.Status)
}
