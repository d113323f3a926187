package pkg

import (
	"errors"
	"fmt"
	"testing"
)

func TestDiskResult_String(t *testing.T) {
	tests := []struct {
		result DiskResult
		want   string
	}{
		{ResultOK, "ok"},
		{ResultError, "error"},
		{ResultWriteProtected, "write protected"},
		{ResultNotReady, "not ready"},
		{ResultParameter, "parameter error"},
		{DiskResult(99), "unknown"},
	}

	for _, tt := range tests {
		t.Run(tt.want, func(t *testing.T) {
			if got := tt.result.String(); got != tt.want {
				t.Errorf("DiskResult.String() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestDiskResult_Error(t *testing.T) {
	tests := []struct {
		result  DiskResult
		wantErr error
	}{
		{ResultOK, nil},
		{ResultWriteProtected, ErrWriteProtected},
		{ResultNotReady, ErrNotReady},
		{ResultParameter, ErrInvalidParameter},
		{ResultError, ErrInvalidRequest},
	}

	for _, tt := range tests {
		t.Run(tt.result.String(), func(t *testing.T) {
			err := tt.result.Error()
			if tt.wantErr == nil && err != nil {
				t.Errorf("DiskResult.Error() = %v, want nil", err)
			}
			if tt.wantErr != nil && !errors.Is(err, tt.wantErr) {
				t.Errorf("DiskResult.Error() = %v, want %v", err, tt.wantErr)
			}
		})
	}
}

type resultError DiskResult

func (e resultError) Error() string      { return "custom" }
func (e resultError) Result() DiskResult { return DiskResult(e) }

func TestResultOf(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want DiskResult
	}{
		{"nil", nil, ResultOK},
		{"not ready", ErrNotReady, ResultNotReady},
		{"power off", fmt.Errorf("init: %w", ErrPowerOff), ResultNotReady},
		{"write protected", ErrWriteProtected, ResultWriteProtected},
		{"out of range", ErrOutOfRange, ResultParameter},
		{"short buffer", fmt.Errorf("read: %w", ErrBufferTooSmall), ResultParameter},
		{"other", errors.New("boom"), ResultError},
		{"resulter", resultError(ResultWriteProtected), ResultWriteProtected},
		{"wrapped resulter", fmt.Errorf("write: %w", resultError(ResultParameter)), ResultParameter},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := ResultOf(tt.err); got != tt.want {
				t.Errorf("ResultOf(%v) = %v, want %v", tt.err, got, tt.want)
			}
		})
	}
}

func TestSentinelErrors(t *testing.T) {
	errs := []error{
		ErrNotReady,
		ErrTimeout,
		ErrNotSupported,
		ErrInvalidParameter,
		ErrOutOfRange,
		ErrBufferTooSmall,
		ErrWriteProtected,
		ErrInvalidRequest,
		ErrPowerOff,
		ErrClosed,
	}

	for i, err1 := range errs {
		if err1 == nil {
			t.Errorf("error %d is nil", i)
			continue
		}
		for j, err2 := range errs {
			if i != j && errors.Is(err1, err2) {
				t.Errorf("error %d and %d are equal", i, j)
			}
		}
	}
}
