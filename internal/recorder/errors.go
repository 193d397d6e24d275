package recorder

import (
	"errors"
	"fmt"
)

var (
	ErrHardwareUnavailable = errors.New("recording hardware unavailable")
	ErrStorageWrite        = errors.New("recording storage write failed")
	ErrCancelled           = errors.New("recording cancelled")
)

type HardwareReason string

const (
	PermissionDenied HardwareReason = "permission_denied"
	DeviceBusy       HardwareReason = "device_busy"
	Timeout          HardwareReason = "timeout"
	Unavailable      HardwareReason = "unavailable"
)

// HardwareError explains why the microphone could not be acquired.
type HardwareError struct {
	Reason HardwareReason
	Err    error
}

func (e *HardwareError) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("%s: %s", ErrHardwareUnavailable, e.Reason)
	}
	return fmt.Sprintf("%s: %s: %v", ErrHardwareUnavailable, e.Reason, e.Err)
}

func (e *HardwareError) Unwrap() error {
	return e.Err
}

func (e *HardwareError) Is(target error) bool {
	return target == ErrHardwareUnavailable
}

// StorageWriteError reports a failure to write or move recorded audio. The
// session that hit it is discarded.
type StorageWriteError struct {
	Op  string
	Err error
}

func (e *StorageWriteError) Error() string {
	return fmt.Sprintf("%s: %s: %v", ErrStorageWrite, e.Op, e.Err)
}

func (e *StorageWriteError) Unwrap() error {
	return e.Err
}

func (e *StorageWriteError) Is(target error) bool {
	return target == ErrStorageWrite
}

// StreamFailure is a capture that died mid-session. It belongs to the
// session that opened the stream; Machine.Fail ignores it once that session
// has ended.
type StreamFailure struct {
	Err     error
	session uint64
}

func (f *StreamFailure) Error() string {
	return fmt.Sprintf("capture failed: %v", f.Err)
}

func (f *StreamFailure) Unwrap() error {
	return f.Err
}

// asFailureError types a capture failure for reporting. Anything that is not
// a hardware problem is treated as lost audio.
func asFailureError(err error) error {
	var hw *HardwareError
	var sw *StorageWriteError
	if errors.As(err, &hw) || errors.As(err, &sw) {
		return err
	}
	return &StorageWriteError{Op: "capture", Err: err}
}

func asHardwareError(err error) error {
	var hw *HardwareError
	if errors.As(err, &hw) {
		return err
	}
	return &HardwareError{Reason: Unavailable, Err: err}
}
