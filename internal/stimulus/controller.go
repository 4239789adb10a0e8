package stimulus

import (
	"fmt"
	"sync"
	"time"

	"github.com/meridian-neuro/retinomap/internal/frame"
)

// SyncMethodCameraTriggered identifies the cadence source on generated
// frames: advancement happens only on camera-frame arrival.
const SyncMethodCameraTriggered = "camera_triggered"

// Result is one generated stimulus frame plus its announcement metadata.
type Result struct {
	Frame           *frame.Frame
	Metadata        frame.Metadata
	SyncMethod      string
	TimestampMicros uint64
}

// Status reports the controller's current position in a sweep.
type Status struct {
	Active     bool            `json:"active"`
	Direction  frame.Direction `json:"direction"`
	FrameIndex int             `json:"frame_index"`
}

// StartResult reports the outcome of StartDirection.
type StartResult struct {
	Success     bool `json:"success"`
	TotalFrames int  `json:"total_frames"`
}

// StopResult reports the outcome of StopDirection.
type StopResult struct {
	Success         bool `json:"success"`
	FramesGenerated int  `json:"frames_generated"`
}

// Controller advances stimulus frames strictly on camera-frame arrival. The
// caller invokes GenerateNextFrame once per camera frame; the controller
// never consults a wall-clock timer to pace the sweep.
type Controller struct {
	generator PatternGenerator
	nowMicros func() uint64

	mu          sync.Mutex
	active      bool
	direction   frame.Direction
	frameIndex  int
	totalFrames int
	generated   int
}

// NewController creates a Controller driven by the injected generator.
func NewController(generator PatternGenerator) (*Controller, error) {
	if generator == nil {
		return nil, fmt.Errorf("pattern generator is required")
	}
	return &Controller{
		generator: generator,
		nowMicros: func() uint64 { return uint64(time.Now().UnixMicro()) },
	}, nil
}

// SetTimestampSource overrides the presentation timestamp source, normally
// the display hardware timer. Must be called before StartDirection.
func (c *Controller) SetTimestampSource(nowMicros func() uint64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if nowMicros != nil {
		c.nowMicros = nowMicros
	}
}

// StartDirection begins a sweep, querying the generator for the total frame
// count at the given camera rate and resetting the frame index to zero. An
// unknown direction, non-positive fps, or an already-active sweep is rejected
// without mutating state.
func (c *Controller) StartDirection(dir frame.Direction, cameraFPS float64) (StartResult, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.active {
		return StartResult{}, fmt.Errorf("sweep already active for direction %q", c.direction)
	}
	total, err := c.generator.TotalFrames(dir, cameraFPS)
	if err != nil {
		return StartResult{}, err
	}

	c.active = true
	c.direction = dir
	c.frameIndex = 0
	c.totalFrames = total
	c.generated = 0
	return StartResult{Success: true, TotalFrames: total}, nil
}

// GenerateNextFrame renders the frame at the current index and advances the
// index by exactly one. Calling with no active sweep or past the sweep's
// total frame count is an error; the caller avoids the latter by stopping the
// direction at or before exhaustion.
func (c *Controller) GenerateNextFrame() (Result, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if !c.active {
		return Result{}, fmt.Errorf("no active sweep")
	}
	if c.frameIndex >= c.totalFrames {
		return Result{}, fmt.Errorf("sweep exhausted: %d of %d frames generated", c.generated, c.totalFrames)
	}

	f, angle, err := c.generator.Generate(c.direction, c.frameIndex, c.totalFrames)
	if err != nil {
		return Result{}, fmt.Errorf("generate frame %d: %w", c.frameIndex, err)
	}
	f.TimestampMicros = c.nowMicros()

	md := frame.Metadata{
		WidthPx:       f.WidthPx,
		HeightPx:      f.HeightPx,
		Channels:      f.Channels,
		DataSizeBytes: f.DataSize(),
		Direction:     c.direction,
		FrameIndex:    uint32(c.frameIndex),
		TotalFrames:   uint32(c.totalFrames),
		AngleDegrees:  angle,
	}

	c.frameIndex++
	c.generated++

	return Result{
		Frame:           f,
		Metadata:        md,
		SyncMethod:      SyncMethodCameraTriggered,
		TimestampMicros: f.TimestampMicros,
	}, nil
}

// Remaining reports how many frames the active sweep has left.
func (c *Controller) Remaining() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.active {
		return 0
	}
	return c.totalFrames - c.frameIndex
}

// StopDirection ends the active sweep. FramesGenerated equals the number of
// successful GenerateNextFrame calls since StartDirection.
func (c *Controller) StopDirection() (StopResult, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if !c.active {
		return StopResult{}, fmt.Errorf("no active sweep")
	}
	generated := c.generated
	c.active = false
	c.direction = ""
	c.frameIndex = 0
	c.totalFrames = 0
	c.generated = 0
	return StopResult{Success: true, FramesGenerated: generated}, nil
}

// Status returns the controller's current sweep position.
func (c *Controller) Status() Status {
	c.mu.Lock()
	defer c.mu.Unlock()
	return Status{
		Active:     c.active,
		Direction:  c.direction,
		FrameIndex: c.frameIndex,
	}
}
