package volume

import (
	"errors"
	"fmt"
)

// ErrIO is matched by every error reporting a failed device, mapping,
// filesystem or layout step.
var ErrIO = errors.New("volume i/o error")

// ErrorCode names the lifecycle step that failed.
type ErrorCode int

const (
	// ErrCodeUnknown indicates an unclassified failure.
	ErrCodeUnknown ErrorCode = iota
	// ErrCodeDeviceNode indicates the raw device node could not be bound or
	// removed.
	ErrCodeDeviceNode
	// ErrCodeMapping indicates a block mapping could not be removed.
	ErrCodeMapping
	// ErrCodeEncryption indicates the encrypted mapping could not be set up.
	ErrCodeEncryption
	// ErrCodeDeviceOpen indicates the mapped device never became writable.
	ErrCodeDeviceOpen
	// ErrCodeMetadata indicates the filesystem metadata could not be read
	// or is unusable.
	ErrCodeMetadata
	// ErrCodeCheck indicates the filesystem check failed.
	ErrCodeCheck
	// ErrCodeMount indicates the filesystem could not be mounted.
	ErrCodeMount
	// ErrCodeLayout indicates the mountpoint or the directory layout could
	// not be prepared.
	ErrCodeLayout
	// ErrCodeFormat indicates the filesystem could not be made.
	ErrCodeFormat
)

// String returns the string representation of an error code.
func (c ErrorCode) String() string {
	switch c {
	case ErrCodeDeviceNode:
		return "DEVICE_NODE"
	case ErrCodeMapping:
		return "MAPPING"
	case ErrCodeEncryption:
		return "ENCRYPTION"
	case ErrCodeDeviceOpen:
		return "DEVICE_OPEN"
	case ErrCodeMetadata:
		return "METADATA"
	case ErrCodeCheck:
		return "CHECK"
	case ErrCodeMount:
		return "MOUNT"
	case ErrCodeLayout:
		return "LAYOUT"
	case ErrCodeFormat:
		return "FORMAT"
	default:
		return "UNKNOWN"
	}
}

// OpError reports a failed lifecycle step of a volume.
type OpError struct {
	VolumeID string    // Volume identity
	Op       string    // Lifecycle operation (create, destroy, mount, format)
	Step     ErrorCode // Step that failed
	Cause    error     // Underlying error
}

func (e *OpError) Error() string {
	return fmt.Sprintf("%s %s failed at %s: %v", e.Op, e.VolumeID, e.Step, e.Cause)
}

// Code returns the error code for programmatic handling.
func (e *OpError) Code() ErrorCode {
	return e.Step
}

func (e *OpError) Unwrap() error {
	return e.Cause
}

// Is reports whether target is ErrIO.
func (e *OpError) Is(target error) bool {
	return target == ErrIO
}

// IsErrorCode checks if err carries an OpError with the given code.
func IsErrorCode(err error, code ErrorCode) bool {
	var oe *OpError
	if errors.As(err, &oe) {
		return oe.Code() == code
	}
	return false
}
