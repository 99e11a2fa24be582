package wire

const (
	// PSNMask bounds packet sequence numbers to 24 bits.
	PSNMask uint32 = 0x00FFFFFF
	// QPNMask bounds queue pair numbers to 24 bits.
	QPNMask uint32 = 0x00FFFFFF

	// psnHalf splits the 24-bit sequence space for serial comparison.
	psnHalf uint32 = 1 << 23
)

// PSNAdd advances a 24-bit sequence number by n, wrapping at 2^24.
func PSNAdd(psn, n uint32) uint32 {
	return (psn + n) & PSNMask
}

// PSNDistance returns how far a is ahead of b in the 24-bit sequence
// space, in [0, 2^24).
func PSNDistance(a, b uint32) uint32 {
	return (a - b) & PSNMask
}

// PSNBefore reports whether a strictly precedes b under serial-number
// comparison: a != b and the forward distance from a to b is less than
// half the sequence space.
func PSNBefore(a, b uint32) bool {
	return a != b && PSNDistance(b, a) < psnHalf
}

// PSNBeforeEq reports whether a precedes or equals b under serial-number
// comparison.
func PSNBeforeEq(a, b uint32) bool {
	return a == b || PSNBefore(a, b)
}
