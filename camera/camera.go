// Package camera describes camera streams that deliver frames for barcode
// scanning, and the optional focus and zoom controls a stream can expose.
package camera

import (
	"errors"
	"image"
)

// Stream is a source of frames, for example a webcam opened with a set of
// Constraints.
type Stream interface {
	// Events returns a channel from which Events can be read, each containing a frame.
	Events() chan Event

	// Close stops the stream and releases the device. No further Events
	// will be sent. Close may be called more than once.
	Close() error
}

// Event is a single frame (or error) coming from a Stream.
type Event struct {
	// If set, an error occurred.
	Err error

	// Frame read from the stream. If Err is set, Frame is not valid. A frame
	// with empty bounds means the device has not produced pixels yet.
	Frame image.Image
}

// Errors returned when opening a stream. Scanners map them to user facing
// error categories.
var (
	ErrPermissionDenied = errors.New("camera permission denied")
	ErrNoDevice         = errors.New("no camera device found")
	ErrOverconstrained  = errors.New("camera constraints cannot be satisfied")
	ErrUnsupported      = errors.New("camera control not supported")
)
