package sbnsocket

import "hash/fnv"

// IDRange is a contiguous range of 64-bit kernel IDs owned by one
// listening server, derived from hashing the server's subnet rank into
// the 64-bit space (spec §4.4 "ID generation"). A monotone counter
// wraps within [pos0, pos1).
type IDRange struct {
	pos0, pos1 uint64
	next       uint64
}

// NewIDRange derives an ID range for the given subnet rank. The space is
// split into 1<<20 equal buckets so that distinct ranks get
// non-overlapping ranges with high probability, matching the original's
// "contiguous ID range determined by hashing its subnet rank" (spec
// §4.4); collisions are tolerated exactly as they are in the original,
// since IDs only need to be unique while subnet membership is stable.
func NewIDRange(rank uint64) *IDRange {
	h := fnv.New64a()
	var buf [8]byte
	for i := 0; i < 8; i++ {
		buf[i] = byte(rank >> (8 * i))
	}
	h.Write(buf[:])
	const buckets = uint64(1) << 20
	bucketSize := (^uint64(0)) / buckets
	bucket := h.Sum64() % buckets
	pos0 := bucket * bucketSize
	pos1 := pos0 + bucketSize
	return &IDRange{pos0: pos0, pos1: pos1, next: pos0}
}

// Next returns the next ID in the range, wrapping at the end.
func (r *IDRange) Next() uint64 {
	id := r.next
	r.next++
	if r.next >= r.pos1 {
		r.next = r.pos0
	}
	return id
}
