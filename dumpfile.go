package mallocmonitor

import (
	"bufio"
	"encoding/binary"
	"io"
	"os"

	"github.com/pkg/errors"
)

// OpKind is the operation tag of a dump record.
type OpKind uint8

const (
	OpNoop     OpKind = iota // skipped by the decoder, never stored
	OpGoodbye                // clean end of stream, never stored
	OpMalloc                 // size, result
	OpRealloc                // old ptr, size, result
	OpMemalign               // boundary, size, result
	OpFree                   // ptr
)

// Operation is one allocator event from the dump, with pointers widened to
// 64 bits regardless of the producer's width. Which fields are meaningful
// depends on Kind: MALLOC uses Size/Result, REALLOC uses Ptr/Size/Result,
// MEMALIGN uses Boundary/Size/Result, FREE uses Ptr.
type Operation struct {
	Kind      OpKind
	Timestamp uint32
	Ptr       uint64
	Size      uint64
	Boundary  uint64
	Result    uint64
	Stack     StackID
}

// Header holds the dump's handshake metadata. Byte order and pointer size
// describe the producer's platform, not this one.
type Header struct {
	Version    uint8
	BigEndian  bool
	PtrSize    uint8
	ID         string
	BinaryPath string
	PID        uint32
}

var dumpSignature = [16]byte{'M', 'a', 'l', 'l', 'o', 'c', ' ', 'M', 'o', 'n', 'i', 't', 'o', 'r', '!', 0}

const (
	// maxASCIZ bounds the header strings, terminator included.
	maxASCIZ = 1024

	// maxFrameCount bounds a record's callstack depth. A count at or past
	// it is rejected before anything is allocated for it.
	maxFrameCount = 1024

	parsingStatus = "Parsing raw data"
)

type decoder struct {
	r       *bufio.Reader
	offset  int64
	size    int64
	order   binary.ByteOrder
	ptrSize uint8

	progress    ProgressNotify
	lastPercent int

	scratch [8]byte
	frames  []uint64
}

func (d *decoder) fail(err error) error {
	return &ParseError{Offset: d.offset, Err: err}
}

func (d *decoder) readBlock(buf []byte) error {
	n, err := io.ReadFull(d.r, buf)
	d.offset += int64(n)
	return err
}

func (d *decoder) readU8() (uint8, error) {
	b := d.scratch[:1]
	if err := d.readBlock(b); err != nil {
		return 0, err
	}
	return b[0], nil
}

func (d *decoder) readU32() (uint32, error) {
	b := d.scratch[:4]
	if err := d.readBlock(b); err != nil {
		return 0, err
	}
	return d.order.Uint32(b), nil
}

func (d *decoder) readU64() (uint64, error) {
	b := d.scratch[:8]
	if err := d.readBlock(b); err != nil {
		return 0, err
	}
	return d.order.Uint64(b), nil
}

// readPtr reads one producer-width pointer, zero-extending narrow producers.
func (d *decoder) readPtr() (uint64, error) {
	if d.ptrSize == 4 {
		v, err := d.readU32()
		return uint64(v), err
	}
	return d.readU64()
}

// readASCIZ reads a NUL-terminated header string. The terminator must show
// up within maxASCIZ bytes.
func (d *decoder) readASCIZ() (string, error) {
	buf := make([]byte, 0, 64)
	for i := 0; i < maxASCIZ; i++ {
		c, err := d.readU8()
		if err != nil {
			return "", err
		}
		if c == 0 {
			return string(buf), nil
		}
		buf = append(buf, c)
	}
	return "", ErrOverflow
}

func (d *decoder) notify() error {
	percent := int(d.offset * 100 / d.size)
	if percent == d.lastPercent {
		return nil
	}
	d.lastPercent = percent
	return d.progress.Update(parsingStatus, percent)
}

// readHeader validates the handshake. Any failure here aborts construction
// with nothing retained.
func (d *decoder) readHeader() (Header, error) {
	var hdr Header

	var sig [16]byte
	if err := d.readBlock(sig[:]); err != nil {
		return hdr, d.fail(errors.Wrap(err, "reading signature"))
	}
	if sig != dumpSignature {
		return hdr, d.fail(ErrBadSignature)
	}

	version, err := d.readU8()
	if err != nil {
		return hdr, d.fail(errors.Wrap(err, "reading header"))
	}
	if version != 1 {
		return hdr, d.fail(ErrUnsupportedVersion)
	}
	hdr.Version = version

	byteOrder, err := d.readU8()
	if err != nil {
		return hdr, d.fail(errors.Wrap(err, "reading header"))
	}
	hdr.BigEndian = byteOrder == 1
	if hdr.BigEndian {
		d.order = binary.BigEndian
	} else {
		d.order = binary.LittleEndian
	}

	ptrSize, err := d.readU8()
	if err != nil {
		return hdr, d.fail(errors.Wrap(err, "reading header"))
	}
	if ptrSize != 4 && ptrSize != 8 {
		return hdr, d.fail(ErrIncompatiblePointerWidth)
	}
	hdr.PtrSize = ptrSize
	d.ptrSize = ptrSize

	if hdr.ID, err = d.readASCIZ(); err != nil {
		if err == ErrOverflow {
			return hdr, d.fail(err)
		}
		return hdr, d.fail(errors.Wrap(err, "reading dump id"))
	}
	if hdr.BinaryPath, err = d.readASCIZ(); err != nil {
		if err == ErrOverflow {
			return hdr, d.fail(err)
		}
		return hdr, d.fail(errors.Wrap(err, "reading binary path"))
	}
	if hdr.PID, err = d.readU32(); err != nil {
		return hdr, d.fail(errors.Wrap(err, "reading pid"))
	}

	return hdr, nil
}

// torn reports whether err marks a short or truncated read. Captures from
// crashed producers end mid-record; the partial record is thrown away and
// everything before it stays valid.
func torn(err error) bool {
	return err == io.EOF || err == io.ErrUnexpectedEOF
}

// shortRecord maps a read failure mid-record to the torn-tail policy: a
// truncated record is discarded and the stream ends cleanly, anything else
// surfaces as an I/O failure.
func (d *decoder) shortRecord(err error) (skip, done bool, _ error) {
	if torn(err) {
		return false, true, nil
	}
	return false, false, d.fail(errors.Wrap(err, "reading operation"))
}

// readRecord parses one record into op. It returns done=true on GOODBYE,
// end of file, or a torn record; skip=true for NOOP.
func (d *decoder) readRecord(op *Operation) (skip, done bool, err error) {
	tag, err := d.readU8()
	if err != nil {
		if torn(err) {
			return false, true, nil
		}
		return false, false, d.fail(errors.Wrap(err, "reading operation tag"))
	}

	switch OpKind(tag) {
	case OpNoop:
		return true, false, nil
	case OpGoodbye:
		return false, true, nil
	case OpMalloc, OpRealloc, OpMemalign, OpFree:
		op.Kind = OpKind(tag)
	default:
		return false, false, d.fail(ErrCorrupt)
	}

	if op.Timestamp, err = d.readU32(); err != nil {
		return d.shortRecord(err)
	}

	switch op.Kind {
	case OpMalloc:
		if op.Size, err = d.readPtr(); err != nil {
			return d.shortRecord(err)
		}
		if op.Result, err = d.readPtr(); err != nil {
			return d.shortRecord(err)
		}
	case OpRealloc:
		// Three consecutive pointer-width fields, swapped per field.
		if op.Ptr, err = d.readPtr(); err != nil {
			return d.shortRecord(err)
		}
		if op.Size, err = d.readPtr(); err != nil {
			return d.shortRecord(err)
		}
		if op.Result, err = d.readPtr(); err != nil {
			return d.shortRecord(err)
		}
	case OpMemalign:
		if op.Boundary, err = d.readPtr(); err != nil {
			return d.shortRecord(err)
		}
		if op.Size, err = d.readPtr(); err != nil {
			return d.shortRecord(err)
		}
		if op.Result, err = d.readPtr(); err != nil {
			return d.shortRecord(err)
		}
	case OpFree:
		if op.Ptr, err = d.readPtr(); err != nil {
			return d.shortRecord(err)
		}
	}

	frameCount, err := d.readU32()
	if err != nil {
		return d.shortRecord(err)
	}
	if frameCount >= maxFrameCount {
		return false, false, d.fail(ErrOverflow)
	}
	d.frames = d.frames[:0]
	for i := uint32(0); i < frameCount; i++ {
		frame, err := d.readPtr()
		if err != nil {
			return d.shortRecord(err)
		}
		d.frames = append(d.frames, frame)
	}

	return false, false, nil
}

// parseDump runs the single forward pass: header, then records until
// GOODBYE, EOF, or a torn record, feeding the trie and the fragment index
// as it goes.
func parseDump(path string, pn ProgressNotify) (Header, []Operation, *CallstackTrie, *FragmentIndex, error) {
	var hdr Header

	file, err := os.Open(path)
	if err != nil {
		return hdr, nil, nil, nil, errors.Wrap(err, "opening dumpfile")
	}
	defer file.Close()

	info, err := file.Stat()
	if err != nil {
		return hdr, nil, nil, nil, errors.Wrap(err, "opening dumpfile")
	}
	if info.Size() == 0 {
		return hdr, nil, nil, nil, errors.Errorf("dumpfile %s is empty", path)
	}

	d := &decoder{
		r:        bufio.NewReaderSize(file, 1<<16),
		size:     info.Size(),
		order:    binary.LittleEndian,
		ptrSize:  8,
		progress: pn,
		frames:   make([]uint64, 0, 64),
	}

	hdr, err = d.readHeader()
	if err != nil {
		return hdr, nil, nil, nil, err
	}

	stacks := NewCallstackTrie()
	frags := NewFragmentIndex()
	var ops []Operation

	for {
		var op Operation
		skip, done, err := d.readRecord(&op)
		if err != nil {
			return hdr, nil, nil, nil, err
		}
		if done {
			break
		}
		if skip {
			continue
		}

		op.Stack = stacks.Intern(d.frames)
		frags.Apply(&op)
		ops = append(ops, op)

		if err := d.notify(); err != nil {
			return hdr, nil, nil, nil, err
		}
	}

	frags.Finish(ops)

	if d.lastPercent != 100 {
		if err := d.progress.Update(parsingStatus, 100); err != nil {
			return hdr, nil, nil, nil, err
		}
	}
	return hdr, ops, stacks, frags, nil
}
