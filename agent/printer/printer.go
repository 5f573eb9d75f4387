// Package printer drives a USB-attached ZPL label printer. The primary path
// writes through the kernel usblp character device; when the device node is
// absent the driver falls back to claiming the USB printer interface directly
// and writing the bulk-out endpoint.
package printer

import "fmt"

// Code classifies the outcome of a send so the queue worker can apply the
// right retry policy.
type Code int

const (
	// OK means the full payload reached the printer.
	OK Code = iota
	// NotPresent means no printer was found on any path. Transient wiring;
	// does not consume a retry.
	NotPresent
	// Busy means the printer or its interface refused the write. Retried
	// after a short backoff before being promoted to an I/O error.
	Busy
	// IOError means the transport failed mid-write. Consumes a retry.
	IOError
)

func (c Code) String() string {
	switch c {
	case OK:
		return "ok"
	case NotPresent:
		return "not_present"
	case Busy:
		return "busy"
	case IOError:
		return "io_error"
	}
	return fmt.Sprintf("Code(%d)", int(c))
}

// Result is the synchronous outcome of one send.
type Result struct {
	Code   Code
	Detail string
}

// Err returns the result as an error, nil for OK.
func (r Result) Err() error {
	if r.Code == OK {
		return nil
	}
	if r.Detail == "" {
		return fmt.Errorf("printer: %s", r.Code)
	}
	return fmt.Errorf("printer: %s: %s", r.Code, r.Detail)
}

// Driver sends raw ZPL bytes to the printer. Implementations hold no buffer
// beyond the single in-flight write; the queue worker is the only caller.
type Driver interface {
	// Send writes the whole payload synchronously and classifies failure.
	Send(zpl []byte) Result
	// Describe reports the printer identity for capability announcements.
	Describe() string
	Close() error
}
