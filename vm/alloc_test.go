package vm

import (
	"errors"
	"math/rand"
	"slices"
	"testing"
)

func mustCheck(t *testing.T, fl *FreeList) {
	t.Helper()
	if err := fl.Check(); err != nil {
		t.Fatalf("invariant violated: %v (extents %v)", err, fl.Extents())
	}
}

func TestFreeListInitial(t *testing.T) {
	fl := NewFreeList(1000)
	want := []Extent{{Base: 1, Len: 999}}
	if got := fl.Extents(); !slices.Equal(got, want) {
		t.Errorf("Extents() = %v, want %v", got, want)
	}
	mustCheck(t, fl)
}

func TestFreeListTinyHeap(t *testing.T) {
	for _, size := range []int32{0, 1} {
		fl := NewFreeList(size)
		if len(fl.Extents()) != 0 {
			t.Errorf("heap %d: Extents() = %v, want none", size, fl.Extents())
		}
		if _, err := fl.Malloc(1); !errors.Is(err, ErrOutOfMemory) {
			t.Errorf("heap %d: Malloc(1) err = %v, want ErrOutOfMemory", size, err)
		}
		if ptr, err := fl.Malloc(0); err != nil || ptr != 0 {
			t.Errorf("heap %d: Malloc(0) = %d, %v; want 0, nil", size, ptr, err)
		}
	}
}

func TestFreeListMallocZero(t *testing.T) {
	fl := NewFreeList(10)
	ptr, err := fl.Malloc(0)
	if err != nil {
		t.Fatalf("Malloc(0) failed: %v", err)
	}
	if ptr != 0 {
		t.Errorf("Malloc(0) = %d, want 0", ptr)
	}
	if got := fl.Extents(); !slices.Equal(got, []Extent{{1, 9}}) {
		t.Errorf("Malloc(0) changed the free list: %v", got)
	}
	if len(fl.Allocated()) != 0 {
		t.Errorf("Malloc(0) was tracked: %v", fl.Allocated())
	}
	if _, err := fl.Free(0); !errors.Is(err, ErrInvalidFree) {
		t.Errorf("Free(0) err = %v, want ErrInvalidFree", err)
	}
}

func TestFreeListFirstFitSplit(t *testing.T) {
	fl := NewFreeList(1000)

	a, err := fl.Malloc(10)
	if err != nil {
		t.Fatalf("Malloc(10) failed: %v", err)
	}
	if a != 1 {
		t.Errorf("first Malloc(10) = %d, want 1", a)
	}
	b, _ := fl.Malloc(5)
	if b != 11 {
		t.Errorf("second Malloc(5) = %d, want 11", b)
	}

	// Remaining length shrinks by the requested size, not by the base.
	want := []Extent{{Base: 16, Len: 984}}
	if got := fl.Extents(); !slices.Equal(got, want) {
		t.Errorf("Extents() = %v, want %v", got, want)
	}
	if n, ok := fl.Size(a); !ok || n != 10 {
		t.Errorf("Size(%d) = %d, %v; want 10, true", a, n, ok)
	}
	mustCheck(t, fl)
}

func TestFreeListExactFitRemovesExtent(t *testing.T) {
	fl := NewFreeList(11)
	ptr, err := fl.Malloc(10)
	if err != nil {
		t.Fatalf("Malloc(10) failed: %v", err)
	}
	if ptr != 1 {
		t.Errorf("Malloc(10) = %d, want 1", ptr)
	}
	if len(fl.Extents()) != 0 {
		t.Errorf("exact fit left extents %v", fl.Extents())
	}
	mustCheck(t, fl)
}

func TestFreeListFirstFitNotBestFit(t *testing.T) {
	fl := NewFreeList(100)
	a, _ := fl.Malloc(10) // [1,11)
	_, _ = fl.Malloc(1)   // [11,12) keeps holes apart
	c, _ := fl.Malloc(3)  // [12,15)
	_, _ = fl.Malloc(1)   // [15,16)

	fl.Free(a) // hole of 10 at 1
	fl.Free(c) // hole of 3 at 12

	ptr, err := fl.Malloc(3)
	if err != nil {
		t.Fatalf("Malloc(3) failed: %v", err)
	}
	if ptr != 1 {
		t.Errorf("Malloc(3) = %d, want 1 (first fit, not the exact 3-word hole at 12)", ptr)
	}
	mustCheck(t, fl)
}

func TestFreeListOutOfMemoryWhenFragmented(t *testing.T) {
	fl := NewFreeList(11) // 10 allocatable words
	var ptrs []int32
	for i := 0; i < 5; i++ {
		p, err := fl.Malloc(2)
		if err != nil {
			t.Fatalf("Malloc(2) #%d failed: %v", i, err)
		}
		ptrs = append(ptrs, p)
	}
	// Free every other block: 6 free words, largest extent 2.
	fl.Free(ptrs[0])
	fl.Free(ptrs[2])
	fl.Free(ptrs[4])

	if fl.FreeWords() != 6 {
		t.Fatalf("FreeWords() = %d, want 6", fl.FreeWords())
	}
	if _, err := fl.Malloc(3); !errors.Is(err, ErrOutOfMemory) {
		t.Errorf("Malloc(3) err = %v, want ErrOutOfMemory", err)
	}
	mustCheck(t, fl)
}

func TestFreeListCoalescing(t *testing.T) {
	tests := []struct {
		name  string
		order []int // indexes into the three allocations
	}{
		{"forward", []int{0, 1, 2}},
		{"backward", []int{2, 1, 0}},
		{"middle last", []int{0, 2, 1}},
		{"middle first", []int{1, 0, 2}},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			fl := NewFreeList(31)
			var ptrs [3]int32
			for i := range ptrs {
				p, err := fl.Malloc(10)
				if err != nil {
					t.Fatalf("Malloc(10) failed: %v", err)
				}
				ptrs[i] = p
			}
			for _, i := range tc.order {
				if _, err := fl.Free(ptrs[i]); err != nil {
					t.Fatalf("Free(%d) failed: %v", ptrs[i], err)
				}
				mustCheck(t, fl)
			}
			want := []Extent{{Base: 1, Len: 30}}
			if got := fl.Extents(); !slices.Equal(got, want) {
				t.Errorf("Extents() = %v, want %v", got, want)
			}
		})
	}
}

func TestFreeListInvalidFree(t *testing.T) {
	fl := NewFreeList(100)
	p, _ := fl.Malloc(4)

	if _, err := fl.Free(p + 1); !errors.Is(err, ErrInvalidFree) {
		t.Errorf("Free(interior) err = %v, want ErrInvalidFree", err)
	}
	if _, err := fl.Free(50); !errors.Is(err, ErrInvalidFree) {
		t.Errorf("Free(never allocated) err = %v, want ErrInvalidFree", err)
	}
	if _, err := fl.Free(p); err != nil {
		t.Fatalf("Free(%d) failed: %v", p, err)
	}
	if _, err := fl.Free(p); !errors.Is(err, ErrInvalidFree) {
		t.Errorf("double Free err = %v, want ErrInvalidFree", err)
	}
	mustCheck(t, fl)
}

func TestFreeListNegativeSize(t *testing.T) {
	fl := NewFreeList(100)
	if _, err := fl.Malloc(-1); !errors.Is(err, ErrBadSize) {
		t.Errorf("Malloc(-1) err = %v, want ErrBadSize", err)
	}
}

func TestFreeListRandomized(t *testing.T) {
	const heap = 512
	rng := rand.New(rand.NewSource(1))
	fl := NewFreeList(heap)
	live := map[int32]int32{}

	for step := 0; step < 5000; step++ {
		if len(live) > 0 && rng.Intn(3) == 0 {
			// Free a random live allocation.
			var ptr int32
			k := rng.Intn(len(live))
			for p := range live {
				if k == 0 {
					ptr = p
					break
				}
				k--
			}
			if _, err := fl.Free(ptr); err != nil {
				t.Fatalf("step %d: Free(%d) failed: %v", step, ptr, err)
			}
			delete(live, ptr)
		} else {
			n := int32(rng.Intn(24))
			ptr, err := fl.Malloc(n)
			if err != nil {
				if !errors.Is(err, ErrOutOfMemory) || n <= fl.LargestExtent() {
					t.Fatalf("step %d: Malloc(%d) failed: %v (largest %d)", step, n, err, fl.LargestExtent())
				}
				continue
			}
			if n == 0 {
				if ptr != 0 {
					t.Fatalf("step %d: Malloc(0) = %d", step, ptr)
				}
				continue
			}
			if ptr < 1 || ptr+n > heap {
				t.Fatalf("step %d: Malloc(%d) = %d outside heap", step, n, ptr)
			}
			live[ptr] = n
		}
		mustCheck(t, fl)
	}

	for ptr := range live {
		if _, err := fl.Free(ptr); err != nil {
			t.Fatalf("final Free(%d) failed: %v", ptr, err)
		}
	}
	want := []Extent{{Base: 1, Len: heap - 1}}
	if got := fl.Extents(); !slices.Equal(got, want) {
		t.Errorf("after freeing everything Extents() = %v, want %v", got, want)
	}
}
