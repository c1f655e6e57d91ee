package vm

import (
	"cmp"
	"fmt"
	"maps"
	"slices"
)

// ---------------------------------------------------------------------------
// FreeList: first-fit allocator with eager coalescing
// ---------------------------------------------------------------------------

// Extent is a run of Len free words starting at Base.
type Extent struct {
	Base int32
	Len  int32
}

// End returns the first address past the extent.
func (e Extent) End() int32 {
	return e.Base + e.Len
}

func (e Extent) String() string {
	return fmt.Sprintf("[%d, %d)", e.Base, e.End())
}

// FreeList manages heap addresses [1, heapSize). Address 0 is the null
// pointer and is never handed out.
//
// Invariant: extents are sorted by Base, pairwise disjoint and never
// adjacent (an extent's End never equals the next extent's Base).
type FreeList struct {
	heapSize  int32
	extents   []Extent
	allocated map[int32]int32 // live allocation base -> size in words
	live      int32           // sum of allocated sizes
}

// NewFreeList returns an allocator whose single free extent covers
// [1, heapSize). A heap of one word or less has nothing to allocate.
func NewFreeList(heapSize int32) *FreeList {
	fl := &FreeList{
		heapSize:  heapSize,
		allocated: make(map[int32]int32),
	}
	if heapSize > 1 {
		fl.extents = []Extent{{Base: 1, Len: heapSize - 1}}
	}
	return fl
}

// Malloc reserves n words and returns the base address. A zero-size
// request returns the null address without touching the free list and is
// not tracked.
func (fl *FreeList) Malloc(n int32) (int32, error) {
	if n == 0 {
		return 0, nil
	}
	if n < 0 {
		return 0, fmt.Errorf("%w: %d", ErrBadSize, n)
	}

	for i, e := range fl.extents {
		if e.Len < n {
			continue
		}
		if e.Len == n {
			fl.extents = slices.Delete(fl.extents, i, i+1)
		} else {
			fl.extents[i] = Extent{Base: e.Base + n, Len: e.Len - n}
		}
		fl.allocated[e.Base] = n
		fl.live += n
		return e.Base, nil
	}

	return 0, fmt.Errorf("%w: no free extent of %d words (largest is %d)", ErrOutOfMemory, n, fl.LargestExtent())
}

// Free releases the allocation based at ptr and returns its size. Only
// addresses returned by Malloc and not yet freed are accepted.
func (fl *FreeList) Free(ptr int32) (int32, error) {
	size, ok := fl.allocated[ptr]
	if !ok {
		return 0, fmt.Errorf("%w: address %d is not allocated", ErrInvalidFree, ptr)
	}
	delete(fl.allocated, ptr)
	fl.live -= size
	fl.insert(Extent{Base: ptr, Len: size})
	return size, nil
}

// insert returns x to the free list, merging it with its neighbours.
func (fl *FreeList) insert(x Extent) {
	i, _ := slices.BinarySearchFunc(fl.extents, x.Base, func(e Extent, base int32) int {
		return cmp.Compare(e.Base, base)
	})

	mergePrev := i > 0 && fl.extents[i-1].End() == x.Base
	mergeNext := i < len(fl.extents) && x.End() == fl.extents[i].Base

	switch {
	case mergePrev && mergeNext:
		fl.extents[i-1].Len += x.Len + fl.extents[i].Len
		fl.extents = slices.Delete(fl.extents, i, i+1)
	case mergePrev:
		fl.extents[i-1].Len += x.Len
	case mergeNext:
		fl.extents[i] = Extent{Base: x.Base, Len: x.Len + fl.extents[i].Len}
	default:
		fl.extents = slices.Insert(fl.extents, i, x)
	}
}

// Size returns the allocation size recorded for ptr.
func (fl *FreeList) Size(ptr int32) (int32, bool) {
	n, ok := fl.allocated[ptr]
	return n, ok
}

// Extents returns a copy of the free extents in address order.
func (fl *FreeList) Extents() []Extent {
	return slices.Clone(fl.extents)
}

// Allocated returns a copy of the live allocation table.
func (fl *FreeList) Allocated() map[int32]int32 {
	return maps.Clone(fl.allocated)
}

// LiveWords returns the number of words held by live allocations.
func (fl *FreeList) LiveWords() int32 {
	return fl.live
}

// FreeWords returns the total number of free words.
func (fl *FreeList) FreeWords() int32 {
	var n int32
	for _, e := range fl.extents {
		n += e.Len
	}
	return n
}

// LargestExtent returns the length of the largest free extent.
func (fl *FreeList) LargestExtent() int32 {
	var n int32
	for _, e := range fl.extents {
		n = max(n, e.Len)
	}
	return n
}

// Check verifies the free-list invariant and that free and allocated
// ranges tile a subset of [1, heapSize) without overlap.
func (fl *FreeList) Check() error {
	var prev *Extent
	for i := range fl.extents {
		e := fl.extents[i]
		if e.Len <= 0 {
			return fmt.Errorf("extent %d %v is empty", i, e)
		}
		if e.Base < 1 || e.End() > fl.heapSize {
			return fmt.Errorf("extent %d %v outside [1, %d)", i, e, fl.heapSize)
		}
		if prev != nil {
			if e.Base < prev.End() {
				return fmt.Errorf("extent %d %v overlaps or precedes %v", i, e, *prev)
			}
			if e.Base == prev.End() {
				return fmt.Errorf("extent %d %v is adjacent to %v", i, e, *prev)
			}
		}
		prev = &fl.extents[i]
	}

	used := make([]Extent, 0, len(fl.extents)+len(fl.allocated))
	used = append(used, fl.extents...)
	var live int32
	for base, size := range fl.allocated {
		if size <= 0 {
			return fmt.Errorf("allocation at %d has size %d", base, size)
		}
		if base < 1 || base+size > fl.heapSize {
			return fmt.Errorf("allocation [%d, %d) outside [1, %d)", base, base+size, fl.heapSize)
		}
		used = append(used, Extent{Base: base, Len: size})
		live += size
	}
	if live != fl.live {
		return fmt.Errorf("live word count %d, want %d", fl.live, live)
	}

	slices.SortFunc(used, func(a, b Extent) int { return cmp.Compare(a.Base, b.Base) })
	for i := 1; i < len(used); i++ {
		if used[i].Base < used[i-1].End() {
			return fmt.Errorf("range %v overlaps %v", used[i], used[i-1])
		}
	}
	return nil
}
