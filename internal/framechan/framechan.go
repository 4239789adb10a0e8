// Package framechan implements the single-writer shared-memory frame
// transport. Frame bytes live in an mmap'd region under /dev/shm; each
// published frame is announced out-of-band as a small metadata datagram on a
// per-substream UDP port. A reader that falls behind observes a gap in
// frame_ids, never corrupted bytes: slots are overwritten in ring order and
// the metadata announcement for frame N is sent only after frame N's bytes
// are fully committed.
package framechan

import (
	"encoding/binary"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"sync"

	"golang.org/x/sys/unix"

	"github.com/meridian-neuro/retinomap/internal/frame"
	"github.com/meridian-neuro/retinomap/internal/monitoring"
)

// Substream selects which metadata port an announcement goes out on. The
// ports are distinct so a slow analysis consumer can never delay camera-frame
// publication.
type Substream int

const (
	SubstreamCamera Substream = iota
	SubstreamStimulus
	SubstreamAnalysis
	substreamCount
)

func (s Substream) String() string {
	switch s {
	case SubstreamCamera:
		return "camera"
	case SubstreamStimulus:
		return "stimulus"
	case SubstreamAnalysis:
		return "analysis"
	default:
		return fmt.Sprintf("substream(%d)", int(s))
	}
}

// Region layout: a 64-byte header followed by slotCount fixed-size slots.
// Each slot is a 32-byte slot header {frame_id, data_size} plus payload.
const (
	regionMagic   = 0x52464D43 // "CMFR"
	regionVersion = 1

	regionHeaderSize = 64
	slotHeaderSize   = 32

	// DefaultSlotCount triple-buffers the largest expected frame.
	DefaultSlotCount = 3
)

// Config configures a Channel.
type Config struct {
	// StreamName names the shared segment under Dir.
	StreamName string
	// BufferSizeMB is the total size of the shared region.
	BufferSizeMB int
	// MaxFrameBytes is the largest frame the channel must hold. Initialize
	// fails fast when BufferSizeMB cannot hold one such frame.
	MaxFrameBytes int
	// SlotCount is the number of frame slots (default 3).
	SlotCount int
	// Dir is the segment directory (default /dev/shm).
	Dir string
	// MetadataAddrs maps each substream to its announcement address
	// ("host:port"). Unset substreams publish bytes but announce nothing.
	MetadataAddrs map[Substream]string
	// MetadataHistory bounds the in-memory frame_id index (default 1024).
	MetadataHistory int
}

// Stats is a snapshot of channel counters.
type Stats struct {
	FramesWritten     uint64 `json:"frames_written"`
	BytesWritten      uint64 `json:"bytes_written"`
	OversizedRejected uint64 `json:"oversized_rejected"`
	AnnounceFailures  uint64 `json:"announce_failures"`
	LastFrameID       uint64 `json:"last_frame_id"`
}

// Channel is the writer side of a shared-memory frame stream. Exactly one
// Channel may write a given stream; readers attach read-only.
type Channel struct {
	cfg       Config
	path      string
	file      *os.File
	mem       []byte
	slotSize  int
	slotCount int

	conns [substreamCount]*net.UDPConn

	mu          sync.Mutex
	nextFrameID uint64
	index       map[uint64]frame.Metadata
	indexOrder  []uint64
	stats       Stats
	closed      bool
}

// Initialize creates the shared segment and binds the metadata sockets. It
// fails fast when the configured region cannot hold a single maximum-size
// frame.
func Initialize(cfg Config) (*Channel, error) {
	if cfg.StreamName == "" {
		return nil, fmt.Errorf("framechan: stream name is required")
	}
	if cfg.BufferSizeMB <= 0 {
		return nil, fmt.Errorf("framechan: buffer size must be positive, got %d MB", cfg.BufferSizeMB)
	}
	if cfg.MaxFrameBytes <= 0 {
		return nil, fmt.Errorf("framechan: max frame bytes must be positive, got %d", cfg.MaxFrameBytes)
	}
	if cfg.SlotCount <= 0 {
		cfg.SlotCount = DefaultSlotCount
	}
	if cfg.Dir == "" {
		cfg.Dir = "/dev/shm"
	}
	if cfg.MetadataHistory <= 0 {
		cfg.MetadataHistory = 1024
	}

	total := cfg.BufferSizeMB * 1024 * 1024
	slotSize := slotHeaderSize + cfg.MaxFrameBytes
	need := regionHeaderSize + slotSize
	if total < need {
		return nil, fmt.Errorf("framechan: %d MB region cannot hold one %d-byte frame (need %d bytes)",
			cfg.BufferSizeMB, cfg.MaxFrameBytes, need)
	}

	// Shrink the slot count to whatever fits rather than failing, but
	// never below one slot.
	slotCount := cfg.SlotCount
	for slotCount > 1 && regionHeaderSize+slotCount*slotSize > total {
		slotCount--
	}
	size := regionHeaderSize + slotCount*slotSize

	path := filepath.Join(cfg.Dir, cfg.StreamName)
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE|os.O_TRUNC, 0644)
	if err != nil {
		return nil, fmt.Errorf("framechan: create segment %s: %w", path, err)
	}
	if err := f.Truncate(int64(size)); err != nil {
		f.Close()
		os.Remove(path)
		return nil, fmt.Errorf("framechan: size segment to %d bytes: %w", size, err)
	}
	mem, err := unix.Mmap(int(f.Fd()), 0, size, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
	if err != nil {
		f.Close()
		os.Remove(path)
		return nil, fmt.Errorf("framechan: mmap segment: %w", err)
	}

	c := &Channel{
		cfg:       cfg,
		path:      path,
		file:      f,
		mem:       mem,
		slotSize:  slotSize,
		slotCount: slotCount,
		index:     make(map[uint64]frame.Metadata),
	}
	c.writeRegionHeader()

	for sub, addr := range cfg.MetadataAddrs {
		if addr == "" {
			continue
		}
		udpAddr, err := net.ResolveUDPAddr("udp", addr)
		if err != nil {
			c.Cleanup()
			return nil, fmt.Errorf("framechan: resolve %s metadata address: %w", sub, err)
		}
		conn, err := net.DialUDP("udp", nil, udpAddr)
		if err != nil {
			c.Cleanup()
			return nil, fmt.Errorf("framechan: dial %s metadata address: %w", sub, err)
		}
		c.conns[sub] = conn
	}

	monitoring.Logf("framechan: stream %q ready: %d slots of %d bytes at %s",
		cfg.StreamName, slotCount, slotSize, path)
	return c, nil
}

func (c *Channel) writeRegionHeader() {
	binary.LittleEndian.PutUint32(c.mem[0:4], regionMagic)
	binary.LittleEndian.PutUint32(c.mem[4:8], regionVersion)
	binary.LittleEndian.PutUint64(c.mem[8:16], uint64(c.slotSize))
	binary.LittleEndian.PutUint32(c.mem[16:20], uint32(c.slotCount))
	binary.LittleEndian.PutUint64(c.mem[24:32], 0) // last committed frame_id
}

// WriteFrame copies the frame bytes into the next slot, then announces the
// metadata on the substream's port. It never blocks: a full ring simply
// overwrites the slot of the oldest frame. Returns the assigned frame_id.
func (c *Channel) WriteFrame(f *frame.Frame, md frame.Metadata, sub Substream) (uint64, error) {
	if sub < 0 || sub >= substreamCount {
		return 0, fmt.Errorf("framechan: unknown substream %d", int(sub))
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return 0, fmt.Errorf("framechan: channel closed")
	}
	if len(f.Bytes) > c.cfg.MaxFrameBytes {
		c.stats.OversizedRejected++
		return 0, fmt.Errorf("framechan: frame of %d bytes exceeds slot payload %d",
			len(f.Bytes), c.cfg.MaxFrameBytes)
	}

	c.nextFrameID++
	id := c.nextFrameID
	f.FrameID = id
	md.FrameID = id

	// Commit bytes: slot header first, then payload, then the region's
	// last-committed id. The metadata datagram goes out only after all of
	// this, so an announcement never references uncommitted bytes.
	slot := regionHeaderSize + int(id%uint64(c.slotCount))*c.slotSize
	binary.LittleEndian.PutUint64(c.mem[slot:slot+8], id)
	binary.LittleEndian.PutUint64(c.mem[slot+8:slot+16], uint64(len(f.Bytes)))
	copy(c.mem[slot+slotHeaderSize:slot+slotHeaderSize+len(f.Bytes)], f.Bytes)
	binary.LittleEndian.PutUint64(c.mem[24:32], id)

	c.stats.FramesWritten++
	c.stats.BytesWritten += uint64(len(f.Bytes))
	c.stats.LastFrameID = id

	c.rememberMetadata(id, md)
	c.announce(md, sub)
	return id, nil
}

// PublishBlackFrame writes a constant single-channel frame, the safe display
// baseline between sweeps.
func (c *Channel) PublishBlackFrame(widthPx, heightPx uint32, luminance uint8) (uint64, error) {
	size := int(widthPx) * int(heightPx)
	bytes := make([]byte, size)
	if luminance != 0 {
		for i := range bytes {
			bytes[i] = luminance
		}
	}
	f := &frame.Frame{
		WidthPx:  widthPx,
		HeightPx: heightPx,
		Channels: frame.ChannelsGrayscale,
		Bytes:    bytes,
	}
	md := frame.Metadata{
		WidthPx:       widthPx,
		HeightPx:      heightPx,
		Channels:      frame.ChannelsGrayscale,
		DataSizeBytes: uint64(size),
	}
	return c.WriteFrame(f, md, SubstreamStimulus)
}

// rememberMetadata stores md in the bounded frame_id index.
// Caller must hold c.mu.
func (c *Channel) rememberMetadata(id uint64, md frame.Metadata) {
	c.index[id] = md
	c.indexOrder = append(c.indexOrder, id)
	for len(c.indexOrder) > c.cfg.MetadataHistory {
		delete(c.index, c.indexOrder[0])
		c.indexOrder = c.indexOrder[1:]
	}
}

// announce sends the metadata datagram, fire and forget.
// Caller must hold c.mu.
func (c *Channel) announce(md frame.Metadata, sub Substream) {
	conn := c.conns[sub]
	if conn == nil {
		return
	}
	buf, err := md.MarshalBinary()
	if err != nil {
		c.stats.AnnounceFailures++
		return
	}
	if _, err := conn.Write(buf); err != nil {
		// Delivery is at-most-once; failures are counted, never raised.
		c.stats.AnnounceFailures++
	}
}

// FrameInfo returns the metadata record for a recently written frame_id.
func (c *Channel) FrameInfo(frameID uint64) (frame.Metadata, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	md, ok := c.index[frameID]
	return md, ok
}

// LastFrameID returns the most recently committed frame_id, zero when no
// frame has been written.
func (c *Channel) LastFrameID() uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.stats.LastFrameID
}

// Stats returns a snapshot of channel counters.
func (c *Channel) Stats() Stats {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.stats
}

// Cleanup unmaps the region, removes the segment, and closes the metadata
// sockets. Idempotent.
func (c *Channel) Cleanup() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil
	}
	c.closed = true

	var firstErr error
	if c.mem != nil {
		if err := unix.Munmap(c.mem); err != nil && firstErr == nil {
			firstErr = fmt.Errorf("framechan: munmap: %w", err)
		}
		c.mem = nil
	}
	if c.file != nil {
		if err := c.file.Close(); err != nil && firstErr == nil {
			firstErr = fmt.Errorf("framechan: close segment: %w", err)
		}
		c.file = nil
		os.Remove(c.path)
	}
	for i, conn := range c.conns {
		if conn != nil {
			conn.Close()
			c.conns[i] = nil
		}
	}
	return firstErr
}
