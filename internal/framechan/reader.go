package framechan

import (
	"encoding/binary"
	"fmt"
	"os"
	"path/filepath"

	"golang.org/x/sys/unix"
)

// Reader is a read-only attachment to an existing stream segment. Readers
// never write the region. A reader decides that a frame exists only from the
// metadata announcement, never from the raw memory; ReadFrame merely resolves
// an announced frame_id to bytes and reports when the slot has since been
// overwritten.
type Reader struct {
	path      string
	file      *os.File
	mem       []byte
	slotSize  int
	slotCount int
}

// Attach opens the named stream segment read-only.
func Attach(dir, streamName string) (*Reader, error) {
	if dir == "" {
		dir = "/dev/shm"
	}
	path := filepath.Join(dir, streamName)
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("framechan: open segment %s: %w", path, err)
	}
	info, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("framechan: stat segment: %w", err)
	}
	mem, err := unix.Mmap(int(f.Fd()), 0, int(info.Size()), unix.PROT_READ, unix.MAP_SHARED)
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("framechan: mmap segment read-only: %w", err)
	}

	if binary.LittleEndian.Uint32(mem[0:4]) != regionMagic {
		unix.Munmap(mem)
		f.Close()
		return nil, fmt.Errorf("framechan: %s is not a frame stream segment", path)
	}
	if v := binary.LittleEndian.Uint32(mem[4:8]); v != regionVersion {
		unix.Munmap(mem)
		f.Close()
		return nil, fmt.Errorf("framechan: unsupported segment version %d", v)
	}

	return &Reader{
		path:      path,
		file:      f,
		mem:       mem,
		slotSize:  int(binary.LittleEndian.Uint64(mem[8:16])),
		slotCount: int(binary.LittleEndian.Uint32(mem[16:20])),
	}, nil
}

// LastFrameID returns the most recently committed frame_id in the segment.
func (r *Reader) LastFrameID() uint64 {
	return binary.LittleEndian.Uint64(r.mem[24:32])
}

// ReadFrame copies out the bytes of the given frame_id. Returns false when
// the slot has been overwritten by a newer frame, which a lagging reader must
// treat as a dropped frame, not an error.
func (r *Reader) ReadFrame(frameID uint64) ([]byte, bool) {
	if frameID == 0 {
		return nil, false
	}
	slot := regionHeaderSize + int(frameID%uint64(r.slotCount))*r.slotSize
	if binary.LittleEndian.Uint64(r.mem[slot:slot+8]) != frameID {
		return nil, false
	}
	size := binary.LittleEndian.Uint64(r.mem[slot+8 : slot+16])
	if int(size) > r.slotSize-slotHeaderSize {
		return nil, false
	}
	out := make([]byte, size)
	copy(out, r.mem[slot+slotHeaderSize:slot+slotHeaderSize+int(size)])
	// A concurrent overwrite during the copy shows up as a changed slot id.
	if binary.LittleEndian.Uint64(r.mem[slot:slot+8]) != frameID {
		return nil, false
	}
	return out, true
}

// Close unmaps the segment. The segment file belongs to the writer and is
// left in place.
func (r *Reader) Close() error {
	var firstErr error
	if r.mem != nil {
		if err := unix.Munmap(r.mem); err != nil {
			firstErr = err
		}
		r.mem = nil
	}
	if r.file != nil {
		if err := r.file.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
		r.file = nil
	}
	return firstErr
}
