package rtp

// Sequence-space arithmetic (§9). Two spaces are in play: the raw 16-bit
// RTP sequence number carried on the wire, and the session's 32-bit
// extended sequence number used internally and handed to PCM. Both spaces
// wrap, so every comparison is done via a signed-difference test rather
// than a direct less-than, which is correct regardless of where the wrap
// boundary falls.

// SeqLT16 reports whether a comes before b in the 16-bit RTP sequence
// space, treating the space as circular (at most half the space apart).
func SeqLT16(a, b uint16) bool {
	return int16(a-b) < 0
}

// SeqGT16 is the circular complement of SeqLT16.
func SeqGT16(a, b uint16) bool {
	return int16(a-b) > 0
}

// NextRTPSeqNum returns the 16-bit sequence number immediately following n,
// wrapping from 0xffff to 0.
func NextRTPSeqNum(n uint16) uint16 {
	return n + 1
}

// SeqLT32 reports whether a comes before b in the 32-bit extended sequence
// space, again circular.
func SeqLT32(a, b uint32) bool {
	return int32(a-b) < 0
}

// SeqGT32 is the circular complement of SeqLT32.
func SeqGT32(a, b uint32) bool {
	return int32(a-b) > 0
}

// ToRTPSeqNum truncates an extended 32-bit sequence number to its 16-bit
// wire representation.
func ToRTPSeqNum(extended uint32) uint16 {
	return uint16(extended)
}

// NearestToRTPSeqNum computes the 32-bit extended sequence number whose low
// 16 bits equal rtp16 and which is nearest to last32 — i.e. the
// wrap-aware projection described in §3's invariant and §9: "picks the
// extended value whose low 16 bits equal rtp16 and whose high 16 bits
// differ from last32>>16 by at most one, choosing the candidate nearest to
// last32."
//
// Implemented as a signed-difference clamp with a two-case switch: start from
// the candidate sharing last32's high 16 bits, then nudge the high word up
// or down by one if the raw (wrapping) difference exceeds half the 16-bit
// space in either direction.
func NearestToRTPSeqNum(last32 uint32, rtp16 uint16) uint32 {
	candidate := (last32 &^ 0xffff) | uint32(rtp16)
	diff := int32(candidate - last32)
	switch {
	case diff > 0x7fff:
		candidate -= 0x10000
	case diff < -0x8000:
		candidate += 0x10000
	}
	return candidate
}
