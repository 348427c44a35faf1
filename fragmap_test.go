package mallocmonitor

import (
	"math/rand"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func mallocOp(size, result uint64) Operation {
	return Operation{Kind: OpMalloc, Size: size, Result: result}
}

func memalignOp(boundary, size, result uint64) Operation {
	return Operation{Kind: OpMemalign, Boundary: boundary, Size: size, Result: result}
}

func reallocOp(old, size, result uint64) Operation {
	return Operation{Kind: OpRealloc, Ptr: old, Size: size, Result: result}
}

func freeOp(ptr uint64) Operation {
	return Operation{Kind: OpFree, Ptr: ptr}
}

func buildIndex(ops []Operation) *FragmentIndex {
	f := NewFragmentIndex()
	for i := range ops {
		f.Apply(&ops[i])
	}
	f.Finish(ops)
	return f
}

// referenceLiveSet replays ops[0..k] into a plain map, sorted by the same
// rules the index promises. It is the oracle for seek tests.
func referenceLiveSet(ops []Operation, k int) []LiveBlock {
	live := make(map[uint64]uint64)
	for i := 0; i <= k; i++ {
		op := &ops[i]
		switch op.Kind {
		case OpMalloc, OpMemalign:
			if op.Result != 0 {
				live[op.Result] = op.Size
			}
		case OpRealloc:
			if op.Size == 0 {
				delete(live, op.Ptr)
				continue
			}
			if op.Result == 0 {
				continue
			}
			if op.Ptr != 0 {
				delete(live, op.Ptr)
			}
			live[op.Result] = op.Size
		case OpFree:
			delete(live, op.Ptr)
		}
	}
	blocks := make([]LiveBlock, 0, len(live))
	for ptr, size := range live {
		blocks = append(blocks, LiveBlock{Ptr: ptr, Size: size})
	}
	sortLiveBlocks(blocks)
	return blocks
}

func TestLiveSetAfterBasicSequence(t *testing.T) {
	ops := []Operation{
		mallocOp(16, 0x1000),
		mallocOp(32, 0x2000),
		freeOp(0x1000),
	}
	f := buildIndex(ops)
	assert.Equal(t, []LiveBlock{{Ptr: 0x2000, Size: 32}}, f.SnapshotAt(2))
}

func TestReallocShrinkThenFree(t *testing.T) {
	ops := []Operation{
		mallocOp(8, 0x4000),
		reallocOp(0x4000, 4, 0x5000),
		freeOp(0x5000),
	}
	f := buildIndex(ops)
	assert.Empty(t, f.SnapshotAt(2))
	assert.Equal(t, []LiveBlock{{Ptr: 0x5000, Size: 4}}, f.SnapshotAt(1))
}

func TestReallocSizeZeroFrees(t *testing.T) {
	ops := []Operation{
		mallocOp(8, 0x4000),
		reallocOp(0x4000, 0, 0),
	}
	f := buildIndex(ops)
	assert.Empty(t, f.SnapshotAt(1))
}

func TestReallocFailureKeepsOldBlock(t *testing.T) {
	ops := []Operation{
		mallocOp(8, 0x4000),
		reallocOp(0x4000, 1 << 40, 0),
	}
	f := buildIndex(ops)
	assert.Equal(t, []LiveBlock{{Ptr: 0x4000, Size: 8}}, f.SnapshotAt(1))
}

func TestReallocInPlace(t *testing.T) {
	ops := []Operation{
		mallocOp(8, 0x4000),
		reallocOp(0x4000, 64, 0x4000),
	}
	f := buildIndex(ops)
	assert.Equal(t, []LiveBlock{{Ptr: 0x4000, Size: 64}}, f.SnapshotAt(1))
}

func TestMemalignInserts(t *testing.T) {
	ops := []Operation{
		memalignOp(64, 128, 0x8000),
		mallocOp(16, 0x9000),
	}
	f := buildIndex(ops)
	assert.Equal(t, []LiveBlock{{Ptr: 0x8000, Size: 128}, {Ptr: 0x9000, Size: 16}}, f.SnapshotAt(1))
}

func TestFreeUnknownPointer(t *testing.T) {
	ops := []Operation{
		mallocOp(16, 0x1000),
		freeOp(0xDEAD),
		freeOp(0x1000),
		freeOp(0x1000), // double free
	}
	f := buildIndex(ops)
	assert.Equal(t, []LiveBlock{{Ptr: 0x1000, Size: 16}}, f.SnapshotAt(1))
	assert.Empty(t, f.SnapshotAt(3))
}

func TestFailedAllocationIgnored(t *testing.T) {
	ops := []Operation{
		mallocOp(1 << 40, 0),
		memalignOp(64, 1<<40, 0),
		mallocOp(16, 0x1000),
	}
	f := buildIndex(ops)
	assert.Equal(t, []LiveBlock{{Ptr: 0x1000, Size: 16}}, f.SnapshotAt(2))
}

func TestMallocSizeZeroTracked(t *testing.T) {
	// A zero-size allocation with a non-null result stays live until
	// freed.
	ops := []Operation{
		mallocOp(0, 0x1000),
		freeOp(0x1000),
	}
	f := buildIndex(ops)
	assert.Equal(t, []LiveBlock{{Ptr: 0x1000, Size: 0}}, f.SnapshotAt(0))
	assert.Empty(t, f.SnapshotAt(1))
}

func TestEmptyIndex(t *testing.T) {
	f := NewFragmentIndex()
	f.Finish(nil)
	assert.Empty(t, f.SnapshotAt(0))
	assert.Empty(t, f.SnapshotAt(100))
}

func TestSnapshotClamping(t *testing.T) {
	ops := []Operation{
		mallocOp(16, 0x1000),
		mallocOp(32, 0x2000),
	}
	f := buildIndex(ops)
	last := f.SnapshotAt(1)
	assert.Equal(t, last, f.SnapshotAt(1000000))
	assert.Equal(t, f.SnapshotAt(0), f.SnapshotAt(-5))
}

func TestSnapshotSortedNoDuplicates(t *testing.T) {
	rng := rand.New(rand.NewSource(1))
	var ops []Operation
	for i := 0; i < 3000; i++ {
		// Clustered pointers with low-bit entropy, like a real
		// allocator hands out.
		ptr := 0x600000 + uint64(i)*16
		ops = append(ops, mallocOp(uint64(rng.Intn(512)+1), ptr))
		ops = append(ops, freeOp(ptr))
		ops = append(ops, mallocOp(uint64(rng.Intn(512)+1), ptr))
	}
	f := buildIndex(ops)

	blocks := f.SnapshotAt(len(ops) - 1)
	for i := 1; i < len(blocks); i++ {
		require.Greater(t, blocks[i].Ptr, blocks[i-1].Ptr,
			"snapshot not strictly ascending at %d", i)
	}
}

func randomOps(rng *rand.Rand, n int) []Operation {
	var ops []Operation
	live := make([]uint64, 0, n)
	next := uint64(0x10000)
	for len(ops) < n {
		switch r := rng.Intn(10); {
		case r < 5 || len(live) == 0:
			size := uint64(rng.Intn(256) + 1)
			ops = append(ops, mallocOp(size, next))
			live = append(live, next)
			next += (size + 15) &^ 15
		case r < 6:
			size := uint64(rng.Intn(256))
			i := rng.Intn(len(live))
			old := live[i]
			if size == 0 {
				ops = append(ops, reallocOp(old, 0, 0))
				live = append(live[:i], live[i+1:]...)
			} else {
				ops = append(ops, reallocOp(old, size, next))
				live[i] = next
				next += (size + 15) &^ 15
			}
		case r < 7:
			size := uint64(rng.Intn(256) + 1)
			ops = append(ops, memalignOp(64, size, next))
			live = append(live, next)
			next += (size + 63) &^ 63
		default:
			i := rng.Intn(len(live))
			ops = append(ops, freeOp(live[i]))
			live = append(live[:i], live[i+1:]...)
		}
	}
	return ops
}

func TestRandomAccessSeekStability(t *testing.T) {
	// Sized to cross several snapshot thresholds so seeks hydrate and
	// replay from mid-stream snapshots.
	rng := rand.New(rand.NewSource(42))
	ops := randomOps(rng, 4*snapshotThreshold+137)
	f := buildIndex(ops)

	for q := 0; q < 50; q++ {
		k := rng.Intn(len(ops))
		got := f.SnapshotAt(k)
		want := referenceLiveSet(ops, k)
		require.Equal(t, want, got, "snapshot at %d diverged from forward replay", k)
	}
}

func TestSeekReplacementKeepsForwardSeeksConsistent(t *testing.T) {
	rng := rand.New(rand.NewSource(7))
	ops := randomOps(rng, 3*snapshotThreshold)
	f := buildIndex(ops)

	before := f.SnapshotCount()
	// A mid-interval query replaces the next-higher snapshot instead of
	// growing the sequence.
	f.SnapshotAt(snapshotThreshold / 2)
	assert.Equal(t, before, f.SnapshotCount())

	// Every later index still reconstructs exactly.
	for _, k := range []int{snapshotThreshold / 2, snapshotThreshold - 1, snapshotThreshold, 2*snapshotThreshold + 17, len(ops) - 1} {
		require.Equal(t, referenceLiveSet(ops, k), f.SnapshotAt(k), "snapshot at %d", k)
	}
}

func TestSnapshotDeltaMatchesNetEffect(t *testing.T) {
	// Two queries differ by exactly the net effect of the operations
	// between them.
	ops := []Operation{
		mallocOp(16, 0x1000),
		mallocOp(32, 0x2000),
		freeOp(0x1000),
		mallocOp(8, 0x3000),
	}
	f := buildIndex(ops)

	assert.Equal(t, []LiveBlock{{Ptr: 0x1000, Size: 16}, {Ptr: 0x2000, Size: 32}}, f.SnapshotAt(1))
	assert.Equal(t, []LiveBlock{{Ptr: 0x2000, Size: 32}, {Ptr: 0x3000, Size: 8}}, f.SnapshotAt(3))
}

func TestSortLiveBlocks(t *testing.T) {
	rng := rand.New(rand.NewSource(3))
	for _, n := range []int{0, 1, 2, 3, 4, 5, 7, 16, 100, 1000} {
		blocks := make([]LiveBlock, n)
		for i := range blocks {
			blocks[i] = LiveBlock{Ptr: uint64(rng.Intn(1 << 20)), Size: uint64(i)}
		}
		sortLiveBlocks(blocks)
		for i := 1; i < len(blocks); i++ {
			require.LessOrEqual(t, blocks[i-1].Ptr, blocks[i].Ptr, "n=%d", n)
		}
	}
}

func BenchmarkRandomSeek(b *testing.B) {
	rng := rand.New(rand.NewSource(11))
	ops := randomOps(rng, 20*snapshotThreshold)
	f := buildIndex(ops)

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		f.SnapshotAt(rng.Intn(len(ops)))
	}
}
