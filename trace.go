package mallocmonitor

// Trace is a fully parsed capture: the header, the chronological operation
// list, the deduplicated callstacks, and the fragmentation index. All state
// is built by Open; afterwards every method is read-only from the caller's
// point of view, but SnapshotAt mutates internal index state, so a Trace is
// not safe for concurrent use without external locking.
type Trace struct {
	header Header
	ops    []Operation
	stacks *CallstackTrie
	frags  *FragmentIndex
}

// Open parses the capture file at path. Construction blocks for the length
// of the forward pass, reporting through options' progress sink; the file
// handle is closed before Open returns, success or not.
//
// A capture truncated mid-record — the usual shape of a dump from a crashed
// producer — parses cleanly up to the last intact record. Header problems,
// unknown operation tags and oversized length fields fail with the errors
// declared in this package, discarding everything parsed so far.
func Open(path string, options ...OpenOption) (*Trace, error) {
	var cfg openConfig
	cfg.progress = nopProgress{}
	for _, opt := range options {
		opt(&cfg)
	}

	hdr, ops, stacks, frags, err := parseDump(path, cfg.progress)
	if err != nil {
		return nil, err
	}

	return &Trace{
		header: hdr,
		ops:    ops,
		stacks: stacks,
		frags:  frags,
	}, nil
}

type openConfig struct {
	progress ProgressNotify
}

// OpenOption configures Open.
type OpenOption func(*openConfig)

// WithProgress installs a progress sink invoked during parsing. Passing nil
// restores the default no-op sink.
func WithProgress(pn ProgressNotify) OpenOption {
	return func(cfg *openConfig) {
		if pn == nil {
			pn = nopProgress{}
		}
		cfg.progress = pn
	}
}

// Header returns the capture's handshake metadata.
func (t *Trace) Header() Header { return t.header }

// ID returns the arbitrary identifier the producer associated with the dump.
func (t *Trace) ID() string { return t.header.ID }

// BinaryPath returns the path of the traced binary as the producer saw it.
func (t *Trace) BinaryPath() string { return t.header.BinaryPath }

// ProcessID returns the producer's process id.
func (t *Trace) ProcessID() uint32 { return t.header.PID }

// OperationCount returns the number of complete records in the capture.
func (t *Trace) OperationCount() int { return len(t.ops) }

// Operation returns the i-th record in stream order.
func (t *Trace) Operation(i int) *Operation { return &t.ops[i] }

// Callstacks returns the trie holding every interned callstack. Operation
// Stack ids resolve against it.
func (t *Trace) Callstacks() *CallstackTrie { return t.stacks }

// CallstackFor returns the interned stack id of an operation.
func (t *Trace) CallstackFor(op *Operation) StackID { return op.Stack }

// SnapshotAt returns the allocations live immediately after operation k,
// sorted ascending by pointer. Indices past the end are clamped to the last
// operation.
func (t *Trace) SnapshotAt(k int) []LiveBlock {
	return t.frags.SnapshotAt(k)
}
