// Package hashtable is a lock-striped hash table with lock-free reads on
// each bucket's singly linked chain. Adapted from the teacher's
// hashtable/hashtable.go (which used interface{} keys/values protected by
// a sync.RWMutex per bucket) into a generic Table[K, V]; bcache uses it
// to index cached pages by (device, page number) — a lookup structure
// spec.md's §3/§4.6 leaves unspecified at the device level (it only
// pins down the per-page buffer list, which is a plain linked list
// instead, per spec).
package hashtable

import (
	"hash/maphash"
	"sync"
	"sync/atomic"
	"unsafe"
)

type elem[K comparable, V any] struct {
	key   K
	value V
	hash  uint64
	next  unsafe.Pointer // *elem[K, V]
}

type bucket[K comparable, V any] struct {
	sync.Mutex
	first unsafe.Pointer // *elem[K, V], updated with release/consume semantics
}

func loadFirst[K comparable, V any](b *bucket[K, V]) *elem[K, V] {
	return (*elem[K, V])(atomic.LoadPointer(&b.first))
}

func storeFirst[K comparable, V any](b *bucket[K, V], e *elem[K, V]) {
	atomic.StorePointer(&b.first, unsafe.Pointer(e))
}

func loadNext[K comparable, V any](e *elem[K, V]) *elem[K, V] {
	return (*elem[K, V])(atomic.LoadPointer(&e.next))
}

// Table is a fixed-bucket-count hash table safe for concurrent use: Get
// never takes a lock (it walks an immutable-once-published chain), Set
// and Del take the affected bucket's lock only.
type Table[K comparable, V any] struct {
	buckets []bucket[K, V]
	seed    maphash.Seed
	keyfn   func(K) string
}

// New creates a table with nbuckets buckets. keyfn converts a key to the
// bytes hashed to pick a bucket; a small composite key can simply be
// formatted (bcache renders its (dev, pgn) key with fmt.Sprintf).
func New[K comparable, V any](nbuckets int, keyfn func(K) string) *Table[K, V] {
	if nbuckets <= 0 {
		panic("hashtable: nbuckets must be positive")
	}
	return &Table[K, V]{
		buckets: make([]bucket[K, V], nbuckets),
		seed:    maphash.MakeSeed(),
		keyfn:   keyfn,
	}
}

func (t *Table[K, V]) hash(k K) uint64 {
	return maphash.String(t.seed, t.keyfn(k))
}

func (t *Table[K, V]) bucketFor(h uint64) *bucket[K, V] {
	return &t.buckets[h%uint64(len(t.buckets))]
}

// Get looks up key without taking any lock.
func (t *Table[K, V]) Get(key K) (V, bool) {
	h := t.hash(key)
	b := t.bucketFor(h)
	for e := loadFirst(b); e != nil; e = loadNext(e) {
		if e.hash == h && e.key == key {
			return e.value, true
		}
	}
	var zero V
	return zero, false
}

// Set inserts or replaces the value for key, returning the previous value
// if any.
func (t *Table[K, V]) Set(key K, val V) (V, bool) {
	h := t.hash(key)
	b := t.bucketFor(h)
	b.Lock()
	defer b.Unlock()
	for e := loadFirst(b); e != nil; e = loadNext(e) {
		if e.hash == h && e.key == key {
			old := e.value
			e.value = val
			return old, true
		}
	}
	ne := &elem[K, V]{key: key, value: val, hash: h, next: unsafe.Pointer(loadFirst(b))}
	storeFirst(b, ne)
	var zero V
	return zero, false
}

// GetOrSet returns the existing value for key if present; otherwise it
// installs val and returns it. The installed/returned value and whether
// it was already present are both reported, so a caller that
// speculatively built val off-lock (as bcache does, committing a fresh
// cache page before learning whether a racing caller got there first)
// can discard its own copy when loaded is true.
func (t *Table[K, V]) GetOrSet(key K, val V) (V, bool) {
	h := t.hash(key)
	b := t.bucketFor(h)
	b.Lock()
	defer b.Unlock()
	for e := loadFirst(b); e != nil; e = loadNext(e) {
		if e.hash == h && e.key == key {
			return e.value, true
		}
	}
	ne := &elem[K, V]{key: key, value: val, hash: h, next: unsafe.Pointer(loadFirst(b))}
	storeFirst(b, ne)
	return val, false
}

// Del removes key from the table, if present.
func (t *Table[K, V]) Del(key K) {
	h := t.hash(key)
	b := t.bucketFor(h)
	b.Lock()
	defer b.Unlock()
	var prev *elem[K, V]
	for e := loadFirst(b); e != nil; e = loadNext(e) {
		if e.hash == h && e.key == key {
			nxt := loadNext(e)
			if prev == nil {
				storeFirst(b, nxt)
			} else {
				atomic.StorePointer(&prev.next, unsafe.Pointer(nxt))
			}
			return
		}
		prev = e
	}
}

// Len returns the number of entries across all buckets. It is O(n) and
// intended for diagnostics only.
func (t *Table[K, V]) Len() int {
	n := 0
	for i := range t.buckets {
		b := &t.buckets[i]
		b.Lock()
		for e := loadFirst(b); e != nil; e = loadNext(e) {
			n++
		}
		b.Unlock()
	}
	return n
}
