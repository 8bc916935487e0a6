package backend

import "github.com/cockroachdb/errors"

var (
	// ErrTrampolinesExhausted is returned when no run of free trampoline
	// slots is large enough. Callers may free trampolines and retry.
	ErrTrampolinesExhausted = errors.New("guest trampoline space exhausted")

	// ErrTrampolineNotAllocated is returned when freeing an address that is
	// not the start of a live trampoline.
	ErrTrampolineNotAllocated = errors.New("guest trampoline not allocated")

	// ErrNoTranslator is returned when a guest function must be resolved but
	// no translator was configured.
	ErrNoTranslator = errors.New("no guest function translator configured")

	// ErrStackSyncDisabled is returned by stack correlation queries when host
	// and guest stack synchronization is turned off.
	ErrStackSyncDisabled = errors.New("host/guest stack synchronization disabled")
)
