// Package hashtable implements a hash table with a lock-free Get(), adapted
// from the teacher's general-purpose hashtable to key on uintptr (the
// kernel-address keys the frame table and supplemental page table use) and
// on process-local ids (int).
package hashtable

import (
	"fmt"
	"sync"
	"sync/atomic"
	"unsafe"
)

type elem_t struct {
	key     interface{}
	value   interface{}
	keyHash uint32
	next    *elem_t
}

type bucket_t struct {
	sync.Mutex
	first *elem_t
}

func (b *bucket_t) elems() []Pair_t {
	b.Lock()
	defer b.Unlock()

	p := make([]Pair_t, 0)
	for e := b.first; e != nil; e = e.next {
		p = append(p, Pair_t{Key: e.key, Value: e.value})
	}
	return p
}

// Hashtable_t maps keys to values. Buckets are individually locked for
// Set/Del; Get is lock-free. Iter and Elems give a stable traversal order
// as long as the table is not mutated concurrently with the traversal —
// callers that need that (e.g. CLOCK eviction) hold their own coarser lock
// across the whole traversal.
type Hashtable_t struct {
	table    []*bucket_t
	maxchain int
}

// MkHash allocates a new Hashtable_t with size buckets.
func MkHash(size int) *Hashtable_t {
	if size <= 0 {
		size = 16
	}
	ht := &Hashtable_t{table: make([]*bucket_t, size)}
	for i := range ht.table {
		ht.table[i] = &bucket_t{}
	}
	return ht
}

// Pair_t represents a key/value tuple returned by Elems.
type Pair_t struct {
	Key   interface{}
	Value interface{}
}

// Size returns the total number of elements stored in the table.
func (ht *Hashtable_t) Size() int {
	n := 0
	for _, b := range ht.table {
		n += len(b.elems())
	}
	return n
}

// Elems returns all key/value pairs currently stored, in table order.
func (ht *Hashtable_t) Elems() []Pair_t {
	p := make([]Pair_t, 0)
	for _, b := range ht.table {
		p = append(p, b.elems()...)
	}
	return p
}

// Get looks up key and returns its value.
func (ht *Hashtable_t) Get(key interface{}) (interface{}, bool) {
	kh := khash(key)
	b := ht.table[ht.hash(kh)]
	for e := loadptr(&b.first); e != nil; e = loadptr(&e.next) {
		if e.keyHash == kh && equal(e.key, key) {
			return e.value, true
		}
	}
	return nil, false
}

// Set inserts a key/value pair. It returns false if the key already existed
// (the old value is returned unchanged, matching the registration contract
// used by §4.3's "uaddr must not already be registered").
func (ht *Hashtable_t) Set(key interface{}, value interface{}) (interface{}, bool) {
	kh := khash(key)
	b := ht.table[ht.hash(kh)]
	b.Lock()
	defer b.Unlock()

	for e := b.first; e != nil; e = e.next {
		if e.keyHash == kh && equal(e.key, key) {
			return e.value, false
		}
	}
	n := &elem_t{key: key, value: value, keyHash: kh, next: b.first}
	storeptr(&b.first, n)
	return value, true
}

// Del removes a key from the table. It panics if the key is not present,
// matching the teacher's assumption that callers never delete what they
// have not already confirmed exists (the frame/page table layers always
// hold the owning lock across lookup+delete).
func (ht *Hashtable_t) Del(key interface{}) {
	kh := khash(key)
	b := ht.table[ht.hash(kh)]
	b.Lock()
	defer b.Unlock()

	var last *elem_t
	for e := b.first; e != nil; e = e.next {
		if e.keyHash == kh && equal(e.key, key) {
			if last == nil {
				storeptr(&b.first, e.next)
			} else {
				storeptr(&last.next, e.next)
			}
			return
		}
		last = e
	}
	panic("del of non-existing key")
}

// Iter applies f to each key/value pair until f returns true.
func (ht *Hashtable_t) Iter(f func(interface{}, interface{}) bool) bool {
	for _, b := range ht.table {
		for e := b.first; e != nil; e = e.next {
			if f(e.key, e.value) {
				return true
			}
		}
	}
	return false
}

func (ht *Hashtable_t) hash(keyHash uint32) int {
	return int(keyHash % uint32(len(ht.table)))
}

func loadptr(e **elem_t) *elem_t {
	ptr := (*unsafe.Pointer)(unsafe.Pointer(e))
	p := atomic.LoadPointer(ptr)
	return (*elem_t)(unsafe.Pointer(p))
}

func storeptr(p **elem_t, n *elem_t) {
	ptr := (*unsafe.Pointer)(unsafe.Pointer(p))
	atomic.StorePointer(ptr, (unsafe.Pointer)(n))
}

func khash(key interface{}) uint32 {
	return uint32(2654435761) * hash(key)
}

func hash(key interface{}) uint32 {
	switch x := key.(type) {
	case uintptr:
		return uint32(x) ^ uint32(x>>32)
	case int:
		return uint32(x)
	case string:
		var h uint32 = 2166136261
		for i := 0; i < len(x); i++ {
			h ^= uint32(x[i])
			h *= 16777619
		}
		return h
	}
	panic(fmt.Errorf("unsupported key type %T", key))
}

func equal(key1, key2 interface{}) bool {
	switch x := key1.(type) {
	case uintptr:
		return x == key2.(uintptr)
	case int:
		return x == key2.(int)
	case string:
		return x == key2.(string)
	}
	panic(fmt.Errorf("unsupported key type %T", key1))
}
