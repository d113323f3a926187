package pkg

import "errors"

// Errors shared between the driver, the simulated host and the consumers.
var (
	// ErrNotReady indicates the card has not been initialized.
	ErrNotReady = errors.New("media not ready")

	// ErrTimeout indicates a request outlived its deadline.
	ErrTimeout = errors.New("operation timeout")

	// ErrNotSupported indicates an unsupported operation or feature.
	ErrNotSupported = errors.New("not supported")

	// ErrInvalidParameter indicates an invalid parameter was provided.
	ErrInvalidParameter = errors.New("invalid parameter")

	// ErrOutOfRange indicates a block address beyond the end of the media.
	ErrOutOfRange = errors.New("block address out of range")

	// ErrBufferTooSmall indicates the provided buffer is too small.
	ErrBufferTooSmall = errors.New("buffer too small")

	// ErrWriteProtected indicates the media refuses writes.
	ErrWriteProtected = errors.New("write protected")

	// ErrInvalidRequest indicates an invalid or unsupported request.
	ErrInvalidRequest = errors.New("invalid request")

	// ErrPowerOff indicates the host controller is not powered.
	ErrPowerOff = errors.New("host controller powered off")

	// ErrClosed indicates use of a closed resource.
	ErrClosed = errors.New("closed")
)

// DiskResult is the coarse status a block consumer reports for one
// operation. Filesystems and the USB mass-storage class only distinguish
// these outcomes; the precise cause stays in the error chain.
type DiskResult int

// Disk result values.
const (
	ResultOK             DiskResult = iota // Operation completed
	ResultError                            // Unrecoverable media or transport error
	ResultWriteProtected                   // Media is write protected or locked
	ResultNotReady                         // Media not initialized or absent
	ResultParameter                        // Invalid parameter
)

// String returns a string representation of the disk result.
func (r DiskResult) String() string {
	switch r {
	case ResultOK:
		return "ok"
	case ResultError:
		return "error"
	case ResultWriteProtected:
		return "write protected"
	case ResultNotReady:
		return "not ready"
	case ResultParameter:
		return "parameter error"
	default:
		return "unknown"
	}
}

// Error returns the sentinel error corresponding to the disk result.
func (r DiskResult) Error() error {
	switch r {
	case ResultOK:
		return nil
	case ResultWriteProtected:
		return ErrWriteProtected
	case ResultNotReady:
		return ErrNotReady
	case ResultParameter:
		return ErrInvalidParameter
	default:
		return ErrInvalidRequest
	}
}

// Resulter is implemented by errors that know their own [DiskResult].
type Resulter interface {
	Result() DiskResult
}

// ResultOf flattens err to a [DiskResult].
func ResultOf(err error) DiskResult {
	if err == nil {
		return ResultOK
	}

	var r Resulter
	if errors.As(err, &r) {
		return r.Result()
	}

	switch {
	case errors.Is(err, ErrNotReady), errors.Is(err, ErrPowerOff):
		return ResultNotReady
	case errors.Is(err, ErrWriteProtected):
		return ResultWriteProtected
	case errors.Is(err, ErrInvalidParameter),
		errors.Is(err, ErrOutOfRange),
		errors.Is(err, ErrBufferTooSmall):
		return ResultParameter
	default:
		return ResultError
	}
}
