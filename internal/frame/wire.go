package frame

import (
	"encoding/binary"
	"fmt"
	"math"
)

// Wire format for metadata announcements: fixed-layout little-endian
// datagram, one record per packet.
//
//	offset  size  field
//	0       2     magic 0x4D52 ("RM")
//	2       1     version (1)
//	3       8     frame_id
//	11      4     width_px
//	15      4     height_px
//	19      1     channels
//	20      8     data_size_bytes
//	28      2     direction (ASCII, e.g. "LR"; zero bytes when unset)
//	30      4     frame_index
//	34      4     total_frames
//	38      8     angle_degrees (IEEE 754)
const (
	wireMagic   = 0x4D52
	wireVersion = 1

	// WireSize is the exact length of an encoded metadata record.
	WireSize = 46
)

// MarshalBinary encodes the metadata record into its wire form.
func (m *Metadata) MarshalBinary() ([]byte, error) {
	if err := m.Validate(); err != nil {
		return nil, fmt.Errorf("invalid metadata record: %w", err)
	}
	buf := make([]byte, WireSize)
	binary.LittleEndian.PutUint16(buf[0:2], wireMagic)
	buf[2] = wireVersion
	binary.LittleEndian.PutUint64(buf[3:11], m.FrameID)
	binary.LittleEndian.PutUint32(buf[11:15], m.WidthPx)
	binary.LittleEndian.PutUint32(buf[15:19], m.HeightPx)
	buf[19] = m.Channels
	binary.LittleEndian.PutUint64(buf[20:28], m.DataSizeBytes)
	copy(buf[28:30], m.Direction)
	binary.LittleEndian.PutUint32(buf[30:34], m.FrameIndex)
	binary.LittleEndian.PutUint32(buf[34:38], m.TotalFrames)
	binary.LittleEndian.PutUint64(buf[38:46], math.Float64bits(m.AngleDegrees))
	return buf, nil
}

// UnmarshalBinary decodes a wire-form metadata record.
func (m *Metadata) UnmarshalBinary(buf []byte) error {
	if len(buf) < WireSize {
		return fmt.Errorf("metadata record too short: %d bytes, need %d", len(buf), WireSize)
	}
	if binary.LittleEndian.Uint16(buf[0:2]) != wireMagic {
		return fmt.Errorf("bad metadata magic %#x", binary.LittleEndian.Uint16(buf[0:2]))
	}
	if buf[2] != wireVersion {
		return fmt.Errorf("unsupported metadata version %d", buf[2])
	}
	m.FrameID = binary.LittleEndian.Uint64(buf[3:11])
	m.WidthPx = binary.LittleEndian.Uint32(buf[11:15])
	m.HeightPx = binary.LittleEndian.Uint32(buf[15:19])
	m.Channels = buf[19]
	m.DataSizeBytes = binary.LittleEndian.Uint64(buf[20:28])
	if buf[28] != 0 {
		m.Direction = Direction(buf[28:30])
	} else {
		m.Direction = ""
	}
	m.FrameIndex = binary.LittleEndian.Uint32(buf[30:34])
	m.TotalFrames = binary.LittleEndian.Uint32(buf[34:38])
	m.AngleDegrees = math.Float64frombits(binary.LittleEndian.Uint64(buf[38:46]))
	return m.Validate()
}
