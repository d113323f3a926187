// Package pkg provides shared utilities for the softmmc eMMC driver and the
// block-storage consumers built on top of it.
//
// This package contains functionality used across the driver, the simulated
// host controller, the storage adapter and the mass-storage class, including:
//
//   - Structured logging via Go's standard [log/slog] package
//   - Sentinel errors for conditions shared between packages
//   - [DiskResult], the binary-ish status that block consumers report
//   - Component identifiers for log filtering
//
// # Logging
//
// The logging subsystem wraps [log/slog] with a component tag:
//
//	pkg.SetLogLevel(slog.LevelDebug)
//	pkg.LogInfo(pkg.ComponentCard, "card initialized", "rca", 2)
//
// # Errors
//
// Errors that cross package boundaries are defined as sentinel values:
//
//	if errors.Is(err, pkg.ErrNotReady) {
//	    // media not initialized yet
//	}
//
// The eMMC error taxonomy itself lives in the emmc package; consumers
// flatten it with [ResultOf].
package pkg
