package track17

// Hash routines matching the scoring functions in 17track's layout chunk.
// Both iterate code points in reverse order on wrapping signed 32-bit
// arithmetic, so the Go versions work on int32 throughout and only convert
// to uint32 at the very end.

// Djb2 computes the DJB2 hash (seed 5381) over s in reverse code-point order.
// Empty input hashes to 0.
//
// Mirrors the site's JS:
//
//	for (var a = 5381, i = e.length; i;)
//	    a = 33 * a ^ e.charCodeAt(--i);
//	return a >>> 0;
func Djb2(s string) uint32 {
	if s == "" {
		return 0
	}
	runes := []rune(s)
	a := int32(5381)
	for i := len(runes) - 1; i >= 0; i-- {
		a = a*33 ^ int32(runes[i])
	}
	return uint32(a)
}

// SiteHash computes the murmur-style hash used for the metadata and body
// digests in the Last-Event-ID value. seed is mixed into the high 16 bits of
// the accumulator. Empty input hashes to 0.
//
// Mirrors the site's JS:
//
//	var l = 0x4e67c6a7 ^ (t << 16);
//	for (r = e.length - 1; r >= 0; r--)
//	    o = e.charCodeAt(r),
//	    l ^= (l << 5) + o + (l >> 2);
//	return Math.abs(0x7fffffff & l);
//
// Note that >> on an i32 in JS is an arithmetic shift.
func SiteHash(s string, seed int32) uint32 {
	if s == "" {
		return 0
	}
	runes := []rune(s)
	l := int32(0x4e67c6a7) ^ (seed << 16)
	for i := len(runes) - 1; i >= 0; i-- {
		l ^= (l << 5) + int32(runes[i]) + (l >> 2)
	}
	// Masking the sign bit makes the value non-negative, so the JS Math.abs
	// is a no-op here.
	return uint32(l & 0x7fffffff)
}
