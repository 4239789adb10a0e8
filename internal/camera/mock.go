package camera

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/meridian-neuro/retinomap/internal/frame"
)

// MockCameraConfig configures the synthetic camera used in dev mode and
// tests.
type MockCameraConfig struct {
	WidthPx  uint32
	HeightPx uint32
	FPS      float64
	// FailAfterFrames, when positive, simulates a mid-session camera
	// disconnect after that many frames.
	FailAfterFrames int
}

// MockCamera produces synthetic grayscale frames on a goroutine at a fixed
// rate. It stands in for a vendor camera binding in dev mode and tests.
type MockCamera struct {
	cfg MockCameraConfig

	mu      sync.Mutex
	opened  bool
	running bool
	cancel  context.CancelFunc
	done    chan struct{}
	frameID uint64
}

// NewMockCamera creates a MockCamera. Zero-value dimensions default to a
// 512x512 sensor at 30 fps.
func NewMockCamera(cfg MockCameraConfig) *MockCamera {
	if cfg.WidthPx == 0 {
		cfg.WidthPx = 512
	}
	if cfg.HeightPx == 0 {
		cfg.HeightPx = 512
	}
	if cfg.FPS <= 0 {
		cfg.FPS = 30
	}
	return &MockCamera{cfg: cfg}
}

// Open marks the device ready.
func (m *MockCamera) Open() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.opened = true
	return nil
}

// IsAvailable reports true once Open has succeeded.
func (m *MockCamera) IsAvailable() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.opened
}

// Start launches the synthetic acquisition goroutine.
func (m *MockCamera) Start(ctx context.Context, onFrame FrameCallback, onFault FaultCallback) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.opened {
		return fmt.Errorf("mock camera not opened")
	}
	if m.running {
		return fmt.Errorf("mock camera already started")
	}

	runCtx, cancel := context.WithCancel(ctx)
	m.cancel = cancel
	m.done = make(chan struct{})
	m.running = true

	interval := time.Duration(float64(time.Second) / m.cfg.FPS)
	go m.run(runCtx, interval, onFrame, onFault)
	return nil
}

func (m *MockCamera) run(ctx context.Context, interval time.Duration, onFrame FrameCallback, onFault FaultCallback) {
	defer close(m.done)

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	size := int(m.cfg.WidthPx) * int(m.cfg.HeightPx)
	delivered := 0
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if m.cfg.FailAfterFrames > 0 && delivered >= m.cfg.FailAfterFrames {
				if onFault != nil {
					onFault(fmt.Errorf("mock camera stopped delivering after %d frames", delivered))
				}
				return
			}

			m.mu.Lock()
			m.frameID++
			id := m.frameID
			m.mu.Unlock()

			// Synthetic sensor noise: a flat field offset by frame id
			// so consecutive frames differ.
			bytes := make([]byte, size)
			fill := byte(id % 251)
			for i := range bytes {
				bytes[i] = fill
			}

			onFrame(&frame.Frame{
				FrameID:         id,
				TimestampMicros: uint64(time.Now().UnixMicro()),
				WidthPx:         m.cfg.WidthPx,
				HeightPx:        m.cfg.HeightPx,
				Channels:        frame.ChannelsGrayscale,
				Bytes:           bytes,
			})
			delivered++
		}
	}
}

// Stop ends frame delivery and waits for the acquisition goroutine to exit.
func (m *MockCamera) Stop() error {
	m.mu.Lock()
	if !m.running {
		m.mu.Unlock()
		return nil
	}
	m.running = false
	cancel := m.cancel
	done := m.done
	m.mu.Unlock()

	cancel()
	<-done
	return nil
}

// MockDisplay records presented frames and serves a monotonic presentation
// clock, standing in for a GPU/display binding.
type MockDisplay struct {
	mu        sync.Mutex
	presented uint64
	lastFrame uint64
}

// NewMockDisplay creates a MockDisplay.
func NewMockDisplay() *MockDisplay {
	return &MockDisplay{}
}

// PresentFrame accepts a stimulus frame.
func (d *MockDisplay) PresentFrame(f *frame.Frame) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.presented++
	d.lastFrame = f.FrameID
	return nil
}

// HardwareTimerMicros returns the host monotonic-ish clock in microseconds.
func (d *MockDisplay) HardwareTimerMicros() (uint64, error) {
	return uint64(time.Now().UnixMicro()), nil
}

// PresentedCount returns the number of frames presented so far.
func (d *MockDisplay) PresentedCount() uint64 {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.presented
}

// LastFrameID returns the id of the most recently presented frame.
func (d *MockDisplay) LastFrameID() uint64 {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.lastFrame
}
