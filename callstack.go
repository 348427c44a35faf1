package mallocmonitor

// StackID identifies one interned callstack. It indexes the trie's node
// arena; the zero value is the root sentinel, returned for empty stacks.
// Two interned stacks compare equal iff their frame sequences are equal.
type StackID uint32

const rootStackID StackID = 0

// callstackNode is one frame in the shared callstack tree. Links are arena
// indices; 0 means none. Every root-to-node path spells exactly one observed
// stack when read from the node upward, and no two siblings share a frame.
type callstackNode struct {
	frame       uint64
	depth       uint32 // 1-based; the root sentinel is 0
	parent      StackID
	firstChild  StackID
	nextSibling StackID
}

// CallstackTrie folds every recorded callstack into a single tree keyed from
// the outermost frame inward, so that stacks sharing ancestry (everything
// comes from the process entry point) share nodes. All nodes live in one
// arena that is released as a block when the owning Trace is dropped.
type CallstackTrie struct {
	nodes        []callstackNode
	totalFrames  uint64
	uniqueFrames uint64
}

// NewCallstackTrie returns an empty trie holding only the root sentinel.
func NewCallstackTrie() *CallstackTrie {
	return &CallstackTrie{nodes: make([]callstackNode, 1)}
}

// Intern folds a callstack into the trie and returns its id. Frames are
// ordered innermost-first: frames[0] is the call site of the allocator entry
// point. Equal frame sequences return equal ids; an empty slice returns the
// root sentinel.
func (t *CallstackTrie) Intern(frames []uint64) StackID {
	t.totalFrames += uint64(len(frames))

	// Walk from the outermost frame so common ancestry lands near the
	// root. Matched siblings move to the head of their list; frequently
	// shared prefixes bubble up and later walks get shorter.
	parent := rootStackID
	i := len(frames)
	for i > 0 {
		frame := frames[i-1]
		var prev StackID
		child := t.nodes[parent].firstChild
		for child != 0 && t.nodes[child].frame != frame {
			prev = child
			child = t.nodes[child].nextSibling
		}
		if child == 0 {
			break
		}
		if prev != 0 {
			t.nodes[prev].nextSibling = t.nodes[child].nextSibling
			t.nodes[child].nextSibling = t.nodes[parent].firstChild
			t.nodes[parent].firstChild = child
		}
		parent = child
		i--
	}

	// Whatever didn't match hangs as a fresh chain below the divergence
	// point.
	for i > 0 {
		frame := frames[i-1]
		id := StackID(len(t.nodes))
		t.nodes = append(t.nodes, callstackNode{
			frame:       frame,
			depth:       t.nodes[parent].depth + 1,
			parent:      parent,
			nextSibling: t.nodes[parent].firstChild,
		})
		t.nodes[parent].firstChild = id
		t.uniqueFrames++
		parent = id
		i--
	}

	return parent
}

// Depth returns the number of frames in the stack identified by id; 0 for
// the empty stack.
func (t *CallstackTrie) Depth(id StackID) int {
	return int(t.nodes[id].depth)
}

// Reify writes the stack's frames into out in the same innermost-first order
// used at intern time. out must have at least Depth(id) capacity. Passing an
// id not returned by this trie's Intern is a programming error.
func (t *CallstackTrie) Reify(id StackID, out []uint64) {
	n := t.nodes[id]
	for i := 0; n.depth > 0; i++ {
		out[i] = n.frame
		n = t.nodes[n.parent]
	}
}

// Frames returns a freshly allocated copy of the stack's frames,
// innermost-first.
func (t *CallstackTrie) Frames(id StackID) []uint64 {
	out := make([]uint64, t.Depth(id))
	t.Reify(id, out)
	return out
}

// TotalFrames counts every frame of every interned stack.
func (t *CallstackTrie) TotalFrames() uint64 { return t.totalFrames }

// UniqueFrames counts only frames that allocated a fresh node. The
// unique/total ratio exposes how much sharing the trie achieves.
func (t *CallstackTrie) UniqueFrames() uint64 { return t.uniqueFrames }
