package dataplane

import "sync/atomic"

// Flag is one bit in the operational debug bitset (§9 "Capability
// negotiation → tagged-variant dispatch"; debug toggles are a smaller,
// adjacent use of the same bitset idiom used elsewhere in this core).
type Flag uint32

const (
	FlagVerboseSourceLog Flag = 1 << iota
	FlagVerboseFailoverLog
	FlagVerboseUpcallLog
	FlagDisableAgeSweep
)

// DebugFlags is a process-wide, atomically-updated bitset; it is not part of
// the RCC event path. No code in this module consults it: the flags are only
// set, cleared and queried through Set, Clear and Has.
type DebugFlags struct {
	bits uint32
}

// NewDebugFlags constructs an all-clear bitset.
func NewDebugFlags() *DebugFlags { return &DebugFlags{} }

// Set enables the given flags.
func (d *DebugFlags) Set(f Flag) {
	for {
		old := atomic.LoadUint32(&d.bits)
		next := old | uint32(f)
		if atomic.CompareAndSwapUint32(&d.bits, old, next) {
			return
		}
	}
}

// Clear disables the given flags.
func (d *DebugFlags) Clear(f Flag) {
	for {
		old := atomic.LoadUint32(&d.bits)
		next := old &^ uint32(f)
		if atomic.CompareAndSwapUint32(&d.bits, old, next) {
			return
		}
	}
}

// Has reports whether every bit in f is set.
func (d *DebugFlags) Has(f Flag) bool {
	return atomic.LoadUint32(&d.bits)&uint32(f) == uint32(f)
}
