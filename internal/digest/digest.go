// Package digest implements the "key-to-u32" capability that lets the
// sketch see only uint32 items regardless of the caller's key type,
// rather than branching on string-vs-integer inside the sketch itself.
package digest

// stringPrime is a wide prime used to fold a djb2-style hash down to a
// uint32 item.
const stringPrime uint64 = 4294967311

// String reduces an arbitrary byte key to a uint32 item using a
// djb2-style hash (hash*33 + c), folded into a wide prime instead of
// truncated to 32 bits so the final reduction still spreads across the
// full uint32 range.
func String(key []byte) uint32 {
	var hash uint64 = 5381
	for _, c := range key {
		hash = hash*33 + uint64(c)
	}
	return uint32(hash % stringPrime)
}
