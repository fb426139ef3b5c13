package ratelimit

import "sync"

// bucketTable maps endpoints to the bucket the server reported for them.
type bucketTable struct {
	mu sync.Mutex
	m  map[endpoint]string
}

func newBucketTable() *bucketTable {
	return &bucketTable{m: make(map[endpoint]string)}
}

// lookup returns "" for endpoints not seen yet.
func (t *bucketTable) lookup(e endpoint) string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.m[e]
}

// learn records bucket for e and returns the previous mapping.
func (t *bucketTable) learn(e endpoint, bucket string) (prev string, changed bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	prev = t.m[e]
	if prev == bucket {
		return prev, false
	}
	t.m[e] = bucket
	return prev, true
}

func (t *bucketTable) len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.m)
}
