package scanner

import (
	"errors"
	"io/fs"
	"net/url"
	"strings"

	"github.com/stockscan/scanner-go/camera"
)

// ErrorKind classifies scanner errors for the user.
type ErrorKind int

const (
	StartFailed ErrorKind = iota
	EnvironmentUnsupported
	InsecureContext
	PermissionDenied
	NoDeviceFound
	DecodeAttemptFailed
	StillImageDecodeFailed
	CapabilityUnsupported
)

var kindNames = map[ErrorKind]string{
	StartFailed:            "start failed",
	EnvironmentUnsupported: "environment unsupported",
	InsecureContext:        "insecure context",
	PermissionDenied:       "permission denied",
	NoDeviceFound:          "no device found",
	DecodeAttemptFailed:    "decode attempt failed",
	StillImageDecodeFailed: "still image decode failed",
	CapabilityUnsupported:  "capability unsupported",
}

func (k ErrorKind) String() string {
	if s, ok := kindNames[k]; ok {
		return s
	}
	return "unknown"
}

// Error is returned by Scanner operations that the user must be told about.
type Error struct {
	Kind ErrorKind
	Err  error // Underlying cause, may be nil.
}

// Error returns a message suitable for showing to the user.
func (e *Error) Error() string {
	switch e.Kind {
	case EnvironmentUnsupported:
		return "camera access is not available in this environment"
	case InsecureContext:
		return "camera access requires a secure connection, open the page over https"
	case PermissionDenied:
		return "camera permission denied, allow camera access and retry"
	case NoDeviceFound:
		return "no suitable camera found"
	case StillImageDecodeFailed:
		return "no barcode recognized, retry with a clearer photo"
	case CapabilityUnsupported:
		return "camera does not support this control"
	}
	if e.Err != nil {
		return "starting camera: " + e.Err.Error()
	}
	return e.Kind.String()
}

func (e *Error) Unwrap() error {
	return e.Err
}

// IsKind returns whether err is an *Error of kind k.
func IsKind(err error, k ErrorKind) bool {
	var e *Error
	return errors.As(err, &e) && e.Kind == k
}

// classifyStart maps an error from opening a stream to an *Error.
func classifyStart(err error) *Error {
	var e *Error
	if errors.As(err, &e) {
		return e
	}
	switch {
	case errors.Is(err, camera.ErrPermissionDenied), errors.Is(err, fs.ErrPermission):
		return &Error{PermissionDenied, err}
	case errors.Is(err, camera.ErrNoDevice), errors.Is(err, camera.ErrOverconstrained):
		return &Error{NoDeviceFound, err}
	}
	return &Error{StartFailed, err}
}

// IsSecureOrigin returns whether camera access may be requested from
// origin: https, or plain http on the local machine. An empty origin is a
// local process and always allowed.
func IsSecureOrigin(origin string) bool {
	if origin == "" {
		return true
	}
	u, err := url.Parse(origin)
	if err != nil {
		return false
	}
	switch strings.ToLower(u.Scheme) {
	case "https", "file":
		return true
	case "http":
		h := u.Hostname()
		return h == "localhost" || h == "127.0.0.1" || h == "::1" || strings.HasSuffix(h, ".localhost")
	}
	return false
}
