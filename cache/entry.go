package cache

// entry is the per-slot bookkeeping of the arena. Slot 0 is the queue head
// sentinel and slot capacity+1 the end sentinel; live slots sit in between.
//
// The queue is threaded through prev/next in ascending timestamp order, head
// (oldest) first. Free slots stay threaded right after the tail, so the next
// allocation is always entries[tail].next.
type entry struct {
	// Queue links. Kept valid even while the slot is free.
	prev int32
	next int32

	// Next slot in the same hash bucket; 0 terminates the chain.
	bucketNext int32

	// Seconds since the cache epoch. Negative for timestamps before it.
	ts int32

	live bool
}
