package mallocmonitor

import (
	"encoding/binary"
	"os"
	"path/filepath"
	"testing"
)

// dumpWriter builds capture files in memory for decoder tests. It speaks
// the producer side of the wire format: header handshake, then framed
// records in the producer's byte order and pointer width.
type dumpWriter struct {
	buf     []byte
	order   binary.AppendByteOrder
	ptrSize uint8
}

func newDumpWriter() *dumpWriter {
	return &dumpWriter{order: binary.LittleEndian, ptrSize: 8}
}

func (w *dumpWriter) u8(v uint8) { w.buf = append(w.buf, v) }

func (w *dumpWriter) u32(v uint32) {
	w.buf = w.order.AppendUint32(w.buf, v)
}

func (w *dumpWriter) ptr(v uint64) {
	if w.ptrSize == 4 {
		w.u32(uint32(v))
		return
	}
	w.buf = w.order.AppendUint64(w.buf, v)
}

func (w *dumpWriter) asciz(s string) {
	w.buf = append(w.buf, s...)
	w.buf = append(w.buf, 0)
}

func (w *dumpWriter) header(id, binaryPath string, pid uint32) {
	w.buf = append(w.buf, dumpSignature[:]...)
	w.u8(1)
	if w.order == binary.AppendByteOrder(binary.BigEndian) {
		w.u8(1)
	} else {
		w.u8(0)
	}
	w.u8(w.ptrSize)
	w.asciz(id)
	w.asciz(binaryPath)
	w.u32(pid)
}

func (w *dumpWriter) frames(frames []uint64) {
	w.u32(uint32(len(frames)))
	for _, f := range frames {
		w.ptr(f)
	}
}

func (w *dumpWriter) malloc(ts uint32, size, result uint64, frames ...uint64) {
	w.u8(uint8(OpMalloc))
	w.u32(ts)
	w.ptr(size)
	w.ptr(result)
	w.frames(frames)
}

func (w *dumpWriter) realloc(ts uint32, old, size, result uint64, frames ...uint64) {
	w.u8(uint8(OpRealloc))
	w.u32(ts)
	w.ptr(old)
	w.ptr(size)
	w.ptr(result)
	w.frames(frames)
}

func (w *dumpWriter) memalign(ts uint32, boundary, size, result uint64, frames ...uint64) {
	w.u8(uint8(OpMemalign))
	w.u32(ts)
	w.ptr(boundary)
	w.ptr(size)
	w.ptr(result)
	w.frames(frames)
}

func (w *dumpWriter) free(ts uint32, ptr uint64, frames ...uint64) {
	w.u8(uint8(OpFree))
	w.u32(ts)
	w.ptr(ptr)
	w.frames(frames)
}

func (w *dumpWriter) noop()    { w.u8(uint8(OpNoop)) }
func (w *dumpWriter) goodbye() { w.u8(uint8(OpGoodbye)) }

func (w *dumpWriter) writeFile(t *testing.T) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "test.dump")
	if err := os.WriteFile(path, w.buf, 0o644); err != nil {
		t.Fatal(err)
	}
	return path
}
