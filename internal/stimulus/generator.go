// Package stimulus generates drifting-bar stimulus frames and paces them on
// camera-frame arrival rather than a wall-clock timer, so the stimulus
// cadence can never drift from the camera's actual delivered rate.
package stimulus

import (
	"fmt"

	"github.com/meridian-neuro/retinomap/internal/frame"
)

// PatternGenerator produces stimulus frames for a sweep direction. The
// controller owns cadence; generators own pixels and geometry.
type PatternGenerator interface {
	// TotalFrames returns the number of frames one sweep of dir takes at
	// the given camera rate.
	TotalFrames(dir frame.Direction, cameraFPS float64) (int, error)

	// Generate renders frame frameIndex of a totalFrames-long sweep and
	// returns the frame plus the bar's visual-field angle in degrees.
	Generate(dir frame.Direction, frameIndex, totalFrames int) (*frame.Frame, float64, error)
}

// DriftingBarConfig describes the screen geometry and sweep timing for the
// drifting-bar generator.
type DriftingBarConfig struct {
	ScreenWidthPx  uint32
	ScreenHeightPx uint32
	BarWidthPx     uint32
	// SweepDurationSeconds is how long one pass across the screen takes.
	SweepDurationSeconds float64
	// HorizontalSpanDegrees and VerticalSpanDegrees map bar position to a
	// visual-field angle for LR/RL and TB/BT sweeps respectively.
	HorizontalSpanDegrees float64
	VerticalSpanDegrees   float64
	// BarLuminance and BackgroundLuminance are 8-bit grayscale levels.
	BarLuminance        uint8
	BackgroundLuminance uint8
}

// DriftingBar renders a bright bar drifting across a dark screen, the
// standard stimulus for intrinsic-signal retinotopic mapping.
type DriftingBar struct {
	cfg DriftingBarConfig
}

// NewDriftingBar creates a DriftingBar generator, applying defaults for
// unset geometry.
func NewDriftingBar(cfg DriftingBarConfig) (*DriftingBar, error) {
	if cfg.ScreenWidthPx == 0 {
		cfg.ScreenWidthPx = 1920
	}
	if cfg.ScreenHeightPx == 0 {
		cfg.ScreenHeightPx = 1080
	}
	if cfg.BarWidthPx == 0 {
		cfg.BarWidthPx = 60
	}
	if cfg.SweepDurationSeconds == 0 {
		cfg.SweepDurationSeconds = 3
	}
	if cfg.SweepDurationSeconds < 0 {
		return nil, fmt.Errorf("sweep duration must be positive, got %v", cfg.SweepDurationSeconds)
	}
	if cfg.HorizontalSpanDegrees == 0 {
		cfg.HorizontalSpanDegrees = 120
	}
	if cfg.VerticalSpanDegrees == 0 {
		cfg.VerticalSpanDegrees = 60
	}
	if cfg.BarLuminance == 0 {
		cfg.BarLuminance = 255
	}
	if cfg.BarWidthPx >= cfg.ScreenWidthPx || cfg.BarWidthPx >= cfg.ScreenHeightPx {
		return nil, fmt.Errorf("bar width %d exceeds screen %dx%d",
			cfg.BarWidthPx, cfg.ScreenWidthPx, cfg.ScreenHeightPx)
	}
	return &DriftingBar{cfg: cfg}, nil
}

// TotalFrames returns ceil-free frame count for one sweep at cameraFPS.
func (g *DriftingBar) TotalFrames(dir frame.Direction, cameraFPS float64) (int, error) {
	if !dir.Valid() {
		return 0, fmt.Errorf("unknown sweep direction %q", dir)
	}
	if cameraFPS <= 0 {
		return 0, fmt.Errorf("camera fps must be positive, got %v", cameraFPS)
	}
	n := int(g.cfg.SweepDurationSeconds * cameraFPS)
	if n < 1 {
		n = 1
	}
	return n, nil
}

// Generate renders the bar at the position implied by frameIndex.
func (g *DriftingBar) Generate(dir frame.Direction, frameIndex, totalFrames int) (*frame.Frame, float64, error) {
	if !dir.Valid() {
		return nil, 0, fmt.Errorf("unknown sweep direction %q", dir)
	}
	if totalFrames < 1 || frameIndex < 0 || frameIndex >= totalFrames {
		return nil, 0, fmt.Errorf("frame index %d out of range [0,%d)", frameIndex, totalFrames)
	}

	// Sweep progress in [0,1]. A single-frame sweep sits at the start.
	progress := 0.0
	if totalFrames > 1 {
		progress = float64(frameIndex) / float64(totalFrames-1)
	}

	w, h := int(g.cfg.ScreenWidthPx), int(g.cfg.ScreenHeightPx)
	bytes := make([]byte, w*h)
	if g.cfg.BackgroundLuminance != 0 {
		for i := range bytes {
			bytes[i] = g.cfg.BackgroundLuminance
		}
	}

	barW := int(g.cfg.BarWidthPx)
	angle := 0.0
	switch dir {
	case frame.LeftToRight, frame.RightToLeft:
		span := g.cfg.HorizontalSpanDegrees
		p := progress
		if dir == frame.RightToLeft {
			p = 1 - progress
		}
		angle = -span/2 + span*p
		x0 := int(p * float64(w-barW))
		for y := 0; y < h; y++ {
			row := y * w
			for x := x0; x < x0+barW; x++ {
				bytes[row+x] = g.cfg.BarLuminance
			}
		}
	case frame.TopToBottom, frame.BottomToTop:
		span := g.cfg.VerticalSpanDegrees
		p := progress
		if dir == frame.BottomToTop {
			p = 1 - progress
		}
		// Screen top maps to the top of the visual field.
		angle = span/2 - span*p
		y0 := int(p * float64(h-barW))
		for y := y0; y < y0+barW; y++ {
			row := y * w
			for x := 0; x < w; x++ {
				bytes[row+x] = g.cfg.BarLuminance
			}
		}
	}

	return &frame.Frame{
		WidthPx:  g.cfg.ScreenWidthPx,
		HeightPx: g.cfg.ScreenHeightPx,
		Channels: frame.ChannelsGrayscale,
		Bytes:    bytes,
	}, angle, nil
}
