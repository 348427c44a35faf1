package mallocmonitor

import "golang.org/x/exp/slices"

// LiveBlock is one currently-live allocation: its address and its size in
// bytes.
type LiveBlock struct {
	Ptr  uint64
	Size uint64
}

const (
	// fragmapBuckets is the size of the working hash table. Power of two;
	// the hash folds a pointer down to this range.
	fragmapBuckets = 1 << 16

	// snapshotThreshold is how many operations go by between snapshots
	// taken during the forward pass.
	snapshotThreshold = 1000

	// quicksortThreshold is the partition size below which snapshot
	// sorting falls back to a bubble sort.
	quicksortThreshold = 4
)

// fragmapNode is one slot in the slab backing the working hash table. next
// links either a bucket chain or the free list; 0 is the nil link (slot 0 of
// the slab is never used).
type fragmapNode struct {
	ptr  uint64
	size uint64
	next int32
}

type snapshot struct {
	opIndex int
	blocks  []LiveBlock
}

// FragmentIndex tracks the set of currently-live allocations while a dump is
// ingested, materializing a snapshot every snapshotThreshold operations.
// After ingestion it answers "what was live after operation k" for arbitrary
// k, with work bounded by the distance to the nearest snapshot.
//
// SnapshotAt mutates the working table and may replace a stored snapshot, so
// a FragmentIndex is not safe for concurrent use.
type FragmentIndex struct {
	buckets []int32
	slab    []fragmapNode
	free    int32
	live    int

	log           []Operation
	currentOp     int
	sinceSnapshot int
	snapshots     []snapshot
}

// NewFragmentIndex returns an empty index ready for a forward pass.
func NewFragmentIndex() *FragmentIndex {
	return &FragmentIndex{
		buckets: make([]int32, fragmapBuckets),
		slab:    make([]fragmapNode, 1),
	}
}

// fragmapHash folds the upper 16 bits of a pointer onto the lower 16. The
// producer's allocator clusters pointers with little low-bit entropy; this
// fold spreads them close to uniformly over the buckets.
func fragmapHash(ptr uint64) uint32 {
	return uint32((ptr>>16)^ptr) & (fragmapBuckets - 1)
}

// Apply advances the index by one operation of the forward pass. NOOP and
// GOODBYE records never reach the index; every other kind counts toward the
// snapshot cadence even when it leaves the live set unchanged.
func (f *FragmentIndex) Apply(op *Operation) {
	f.applyEvent(op)
	f.currentOp++
	f.sinceSnapshot++
	if f.sinceSnapshot >= snapshotThreshold {
		f.snapshots = append(f.snapshots, f.materialize(f.currentOp-1))
		f.sinceSnapshot = 0
	}
}

// Finish ends the forward pass. It takes the final snapshot, retains the
// operation log for later replays, and drains the working table into the
// free list.
func (f *FragmentIndex) Finish(log []Operation) {
	f.log = log
	if f.currentOp > 0 && f.sinceSnapshot > 0 {
		f.snapshots = append(f.snapshots, f.materialize(f.currentOp-1))
		f.sinceSnapshot = 0
	}
	f.clearTable()
}

// OperationCount returns the number of operations applied so far.
func (f *FragmentIndex) OperationCount() int { return f.currentOp }

// SnapshotCount returns the number of stored snapshots.
func (f *FragmentIndex) SnapshotCount() int { return len(f.snapshots) }

// SnapshotAt returns the allocations live immediately after operation k was
// applied, sorted ascending by pointer. k past the end of the log is clamped
// to the last operation; the returned slice is owned by the index and valid
// until the next SnapshotAt call that replaces its snapshot.
func (f *FragmentIndex) SnapshotAt(k int) []LiveBlock {
	if f.currentOp == 0 {
		return nil
	}
	if k < 0 {
		k = 0
	}
	if k >= f.currentOp {
		k = f.currentOp - 1
	}

	idx, exact := slices.BinarySearchFunc(f.snapshots, k, func(s snapshot, k int) int {
		switch {
		case s.opIndex < k:
			return -1
		case s.opIndex > k:
			return 1
		}
		return 0
	})
	if exact {
		return f.snapshots[idx].blocks
	}

	// Hydrate the nearest earlier snapshot and replay forward to k. When
	// no snapshot precedes k the replay starts from the top of the log.
	f.clearTable()
	start := 0
	if idx > 0 {
		prev := &f.snapshots[idx-1]
		for i := range prev.blocks {
			f.insert(prev.blocks[i].Ptr, prev.blocks[i].Size)
		}
		start = prev.opIndex + 1
	}
	for i := start; i <= k; i++ {
		f.applyEvent(&f.log[i])
	}

	// The fresh snapshot replaces the next-higher one, so snapshots drift
	// toward the region being inspected and forward seeks stay cheap.
	ss := f.materialize(k)
	if idx < len(f.snapshots) {
		f.snapshots[idx] = ss
	} else {
		f.snapshots = append(f.snapshots, ss)
	}
	f.clearTable()
	return ss.blocks
}

func (f *FragmentIndex) applyEvent(op *Operation) {
	switch op.Kind {
	case OpMalloc, OpMemalign:
		if op.Result != 0 {
			f.insert(op.Result, op.Size)
		}
	case OpRealloc:
		if op.Size == 0 {
			// Shrink to nothing releases the old block no matter
			// what the allocator returned.
			if op.Ptr != 0 {
				f.remove(op.Ptr)
			}
			return
		}
		if op.Result == 0 {
			return // failed allocation, the old block survives
		}
		if op.Ptr == op.Result && f.update(op.Ptr, op.Size) {
			return
		}
		if op.Ptr != 0 {
			f.remove(op.Ptr)
		}
		f.insert(op.Result, op.Size)
	case OpFree:
		f.remove(op.Ptr)
	}
}

func (f *FragmentIndex) insert(ptr, size uint64) {
	h := fragmapHash(ptr)
	n := f.free
	if n == 0 {
		f.slab = append(f.slab, fragmapNode{})
		n = int32(len(f.slab) - 1)
	} else {
		f.free = f.slab[n].next
	}
	f.slab[n] = fragmapNode{ptr: ptr, size: size, next: f.buckets[h]}
	f.buckets[h] = n
	f.live++
}

// remove drops ptr from the working set. Unknown pointers are tolerated
// silently; double frees and foreign frees happen in real captures.
func (f *FragmentIndex) remove(ptr uint64) {
	h := fragmapHash(ptr)
	var prev int32
	n := f.buckets[h]
	for n != 0 && f.slab[n].ptr != ptr {
		prev = n
		n = f.slab[n].next
	}
	if n == 0 {
		return
	}
	if prev != 0 {
		f.slab[prev].next = f.slab[n].next
	} else {
		f.buckets[h] = f.slab[n].next
	}
	f.slab[n].next = f.free
	f.free = n
	f.live--
}

// update rewrites the size of a live block in place, reporting whether the
// block was found.
func (f *FragmentIndex) update(ptr, size uint64) bool {
	for n := f.buckets[fragmapHash(ptr)]; n != 0; n = f.slab[n].next {
		if f.slab[n].ptr == ptr {
			f.slab[n].size = size
			return true
		}
	}
	return false
}

// clearTable returns every bucket chain to the free list.
func (f *FragmentIndex) clearTable() {
	for h := range f.buckets {
		head := f.buckets[h]
		if head == 0 {
			continue
		}
		tail := head
		for f.slab[tail].next != 0 {
			tail = f.slab[tail].next
		}
		f.slab[tail].next = f.free
		f.free = head
		f.buckets[h] = 0
	}
	f.live = 0
}

// materialize copies the working set into an immutable snapshot tagged with
// the given operation index, sorted ascending by pointer.
func (f *FragmentIndex) materialize(opIndex int) snapshot {
	blocks := make([]LiveBlock, 0, f.live)
	for h := range f.buckets {
		for n := f.buckets[h]; n != 0; n = f.slab[n].next {
			blocks = append(blocks, LiveBlock{Ptr: f.slab[n].ptr, Size: f.slab[n].size})
		}
	}
	sortLiveBlocks(blocks)
	return snapshot{opIndex: opIndex, blocks: blocks}
}

func sortLiveBlocks(a []LiveBlock) {
	if len(a) > 1 {
		quickSortBlocks(a, 0, len(a)-1)
	}
}

// quickSortBlocks sorts a[lo..hi] inclusive: quicksort with a
// median-of-three pivot, handing small partitions to a bubble sort.
func quickSortBlocks(a []LiveBlock, lo, hi int) {
	if hi-lo+1 < quicksortThreshold {
		bubbleSortBlocks(a, lo, hi)
		return
	}

	mid := (lo + hi) / 2
	if a[lo].Ptr > a[mid].Ptr {
		a[lo], a[mid] = a[mid], a[lo]
	}
	if a[lo].Ptr > a[hi].Ptr {
		a[lo], a[hi] = a[hi], a[lo]
	}
	if a[mid].Ptr > a[hi].Ptr {
		a[mid], a[hi] = a[hi], a[mid]
	}

	j := hi - 1
	a[j], a[mid] = a[mid], a[j]
	pivot := a[j].Ptr
	i := lo
	for {
		for i++; a[i].Ptr < pivot; i++ {
		}
		for j--; a[j].Ptr > pivot; j-- {
		}
		if j < i {
			break
		}
		a[i], a[j] = a[j], a[i]
	}
	a[i], a[hi-1] = a[hi-1], a[i]
	quickSortBlocks(a, lo, j)
	quickSortBlocks(a, i+1, hi)
}

func bubbleSortBlocks(a []LiveBlock, lo, hi int) {
	for {
		sorted := true
		for i := lo; i < hi; i++ {
			if a[i].Ptr > a[i+1].Ptr {
				a[i], a[i+1] = a[i+1], a[i]
				sorted = false
			}
		}
		if sorted {
			return
		}
	}
}
