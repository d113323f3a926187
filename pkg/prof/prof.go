// Package prof captures pprof profiles around a long card session, such
// as a full-image write or a SCSI verify pass.
package prof

import (
	"errors"
	"fmt"
	"io"
	"os"
	"runtime"
	"runtime/pprof"
	"sync"
)

var (
	ErrCPUProfileActive = errors.New("cpu profile already active")
	ErrInvalidProfile   = errors.New("invalid profile")
)

// Profile names a runtime/pprof profile.
type Profile string

const (
	ProfileCPU       Profile = "cpu"
	ProfileHeap      Profile = "heap"
	ProfileAllocs    Profile = "allocs"
	ProfileGoroutine Profile = "goroutine"
	ProfileBlock     Profile = "block"
	ProfileMutex     Profile = "mutex"
)

func (p Profile) String() string { return string(p) }

var (
	cpuMutex sync.Mutex
	cpuOut   io.Closer // nil when the caller owns the writer
	cpuOn    bool
)

// StartCPU starts CPU profiling into a new file at path.
func StartCPU(path string) error {
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	if err := start(f, f); err != nil {
		f.Close()
		return err
	}
	return nil
}

// StartCPUWriter starts CPU profiling into w. StopCPU does not close w.
func StartCPUWriter(w io.Writer) error {
	return start(w, nil)
}

func start(w io.Writer, c io.Closer) error {
	cpuMutex.Lock()
	defer cpuMutex.Unlock()
	if cpuOn {
		return ErrCPUProfileActive
	}
	if err := pprof.StartCPUProfile(w); err != nil {
		return err
	}
	cpuOut, cpuOn = c, true
	return nil
}

// StopCPU ends CPU profiling and closes the file opened by StartCPU. It
// does nothing when no profile is active.
func StopCPU() error {
	cpuMutex.Lock()
	defer cpuMutex.Unlock()
	if !cpuOn {
		return nil
	}
	pprof.StopCPUProfile()
	cpuOn = false

	var err error
	if cpuOut != nil {
		err = cpuOut.Close()
		cpuOut = nil
	}
	return err
}

// IsCPUActive reports whether a CPU profile is being recorded.
func IsCPUActive() bool {
	cpuMutex.Lock()
	defer cpuMutex.Unlock()
	return cpuOn
}

// Write snapshots profile into a new file at path. ProfileCPU is not a
// snapshot and is rejected.
func Write(profile Profile, path string) error {
	if profile == ProfileCPU {
		return fmt.Errorf("%s: use StartCPU: %w", profile, ErrInvalidProfile)
	}
	p := pprof.Lookup(string(profile))
	if p == nil {
		return fmt.Errorf("%q: %w", profile, ErrInvalidProfile)
	}
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	if profile == ProfileHeap {
		runtime.GC()
	}
	if err := p.WriteTo(f, 0); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}
