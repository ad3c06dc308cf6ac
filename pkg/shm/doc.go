// Package shm maps named shared-memory segments, registers them with a
// relative-pointer registry and lays out the structures every participant
// shares: chunk pools, the participant table and one ledger per participant.
//
// Segments are instrumented with OpenTelemetry metrics and tracing; a noop
// provider is used when none is configured.
//
// Example usage:
//
//	seg, err := shm.Open(ctx, shm.OpenOptions{
//	  Name:   "shmipc",
//	  ID:     1,
//	  Size:   64 << 20,
//	  Create: true,
//	})
//	views, err := shm.FormatSegment(seg, layoutCfg)
//	// ...
//
// Platform-specific helpers are in internal/shm.
package shm
