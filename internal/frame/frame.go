// Package frame defines the frame and metadata types shared by the camera,
// stimulus, transport, and recording layers.
package frame

import "fmt"

// Channel counts supported by the frame contract.
const (
	ChannelsGrayscale = 1
	ChannelsRGBA      = 4
)

// Direction is one of the four canonical drifting-bar sweep directions.
type Direction string

const (
	LeftToRight Direction = "LR"
	RightToLeft Direction = "RL"
	TopToBottom Direction = "TB"
	BottomToTop Direction = "BT"
)

// Directions lists every valid sweep direction.
var Directions = []Direction{LeftToRight, RightToLeft, TopToBottom, BottomToTop}

// Valid reports whether d is a known sweep direction.
func (d Direction) Valid() bool {
	switch d {
	case LeftToRight, RightToLeft, TopToBottom, BottomToTop:
		return true
	}
	return false
}

// ParseDirection converts a wire string into a Direction.
func ParseDirection(s string) (Direction, error) {
	d := Direction(s)
	if !d.Valid() {
		return "", fmt.Errorf("unknown sweep direction %q", s)
	}
	return d, nil
}

// Frame is a single image owned by its producer until published. After
// publication readers hold only a borrowed view of the bytes and must not
// mutate them.
type Frame struct {
	FrameID         uint64
	TimestampMicros uint64
	WidthPx         uint32
	HeightPx        uint32
	Channels        uint8 // 1 = grayscale, 4 = RGBA
	Bytes           []byte
}

// DataSize returns the byte size implied by the frame geometry.
func (f *Frame) DataSize() uint64 {
	return uint64(f.WidthPx) * uint64(f.HeightPx) * uint64(f.Channels)
}

// Metadata is the out-of-band record announced for each published frame.
// It is emitted strictly after the frame bytes are committed.
type Metadata struct {
	FrameID       uint64    `json:"frame_id"`
	WidthPx       uint32    `json:"width_px"`
	HeightPx      uint32    `json:"height_px"`
	Channels      uint8     `json:"channels"`
	DataSizeBytes uint64    `json:"data_size_bytes"`
	Direction     Direction `json:"direction"`
	FrameIndex    uint32    `json:"frame_index"`
	TotalFrames   uint32    `json:"total_frames"`
	AngleDegrees  float64   `json:"angle_degrees"`
}

// Validate checks the internal consistency of the metadata record.
func (m *Metadata) Validate() error {
	if m.Channels != ChannelsGrayscale && m.Channels != ChannelsRGBA {
		return fmt.Errorf("invalid channel count %d", m.Channels)
	}
	want := uint64(m.WidthPx) * uint64(m.HeightPx) * uint64(m.Channels)
	if m.DataSizeBytes != want {
		return fmt.Errorf("data size %d does not match %dx%dx%d=%d",
			m.DataSizeBytes, m.WidthPx, m.HeightPx, m.Channels, want)
	}
	if m.Direction != "" && !m.Direction.Valid() {
		return fmt.Errorf("unknown sweep direction %q", m.Direction)
	}
	return nil
}
