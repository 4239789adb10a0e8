// Package recorder keeps the durable per-direction ledgers of an acquisition
// session. During acquisition everything is appended in memory; sealing a
// direction freezes its ledgers, and saving the session flushes every sealed
// direction to the on-disk session layout consumed by the offline analysis
// stage.
package recorder

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/meridian-neuro/retinomap/internal/frame"
	"github.com/meridian-neuro/retinomap/internal/monitoring"
	"github.com/meridian-neuro/retinomap/internal/security"
)

// StimulusEvent is recorded 1:1 per stimulus presentation.
type StimulusEvent struct {
	TimestampMicros uint64          `json:"timestamp_us"`
	FrameID         uint64          `json:"frame_id"`
	FrameIndex      uint32          `json:"frame_index"`
	Direction       frame.Direction `json:"direction"`
	AngleDegrees    float64         `json:"angle_degrees"`
}

// DirectionInfo reports per-direction ledger counts without disk IO.
type DirectionInfo struct {
	StimulusEvents int  `json:"stimulus_events"`
	StimulusFrames int  `json:"stimulus_frames"`
	CameraFrames   int  `json:"camera_frames"`
	Sealed         bool `json:"sealed"`
}

// SessionInfo summarises the in-memory session state.
type SessionInfo struct {
	SessionID   string                            `json:"session_id"`
	SessionName string                            `json:"session_name"`
	Directions  map[frame.Direction]DirectionInfo `json:"directions"`
	Saved       bool                              `json:"saved"`
}

type archiveRecord struct {
	frameID         uint64
	timestampMicros uint64
	frameIndex      uint32
	angleDegrees    float64
	bytes           []byte
}

// geometry is captured from the first frame appended to a ledger; every
// frame of a direction shares it.
type geometry struct {
	widthPx  uint32
	heightPx uint32
	channels uint8
}

func (g *geometry) observe(f *frame.Frame) {
	if g.widthPx == 0 {
		g.widthPx = f.WidthPx
		g.heightPx = f.HeightPx
		g.channels = f.Channels
	}
}

type directionLedger struct {
	events         []StimulusEvent
	stimulusFrames []archiveRecord
	cameraFrames   []archiveRecord
	stimGeom       geometry
	camGeom        geometry
	sealed         bool
}

// Recorder owns one session's ledgers. Appends go only to the direction
// opened by StartRecording; calls outside an open window are rejected.
type Recorder struct {
	mu          sync.Mutex
	baseDir     string
	sessionID   string
	sessionName string
	createdAt   time.Time
	directions  map[frame.Direction]*directionLedger
	order       []frame.Direction
	open        frame.Direction
	hasOpen     bool
	saved       bool
}

// NewRecorder creates a Recorder for one named session. The session
// directory is created under baseDir on SaveSession, not before.
func NewRecorder(baseDir, sessionName string) (*Recorder, error) {
	if err := security.ValidateSessionName(sessionName); err != nil {
		return nil, fmt.Errorf("recorder: %w", err)
	}
	if baseDir == "" {
		baseDir = filepath.Join(os.TempDir(), "retinomap-sessions")
	}
	return &Recorder{
		baseDir:     baseDir,
		sessionID:   uuid.NewString(),
		sessionName: sessionName,
		createdAt:   time.Now(),
		directions:  map[frame.Direction]*directionLedger{},
	}, nil
}

// SessionName returns the session this recorder belongs to.
func (r *Recorder) SessionName() string { return r.sessionName }

// SessionDir returns the directory SaveSession writes into.
func (r *Recorder) SessionDir() string {
	return filepath.Join(r.baseDir, r.sessionName)
}

// StartRecording opens the ledgers for one sweep direction. A direction
// recorded across multiple cycles is reopened and appended to; a sealed
// direction stays appendable only through reopening here.
func (r *Recorder) StartRecording(dir frame.Direction) error {
	if !dir.Valid() {
		return fmt.Errorf("recorder: unknown sweep direction %q", dir)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.hasOpen {
		return fmt.Errorf("recorder: direction %q already open", r.open)
	}
	led, ok := r.directions[dir]
	if !ok {
		led = &directionLedger{}
		r.directions[dir] = led
		r.order = append(r.order, dir)
	}
	led.sealed = false
	r.open = dir
	r.hasOpen = true
	r.saved = false
	return nil
}

// RecordStimulusEvent appends a stimulus presentation event and its rendered
// frame to the open direction.
func (r *Recorder) RecordStimulusEvent(ev StimulusEvent, f *frame.Frame) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if !r.hasOpen {
		return fmt.Errorf("recorder: no direction open")
	}
	if ev.Direction != r.open {
		return fmt.Errorf("recorder: event direction %q does not match open direction %q", ev.Direction, r.open)
	}
	led := r.directions[r.open]
	led.events = append(led.events, ev)
	if f != nil {
		led.stimGeom.observe(f)
		led.stimulusFrames = append(led.stimulusFrames, archiveRecord{
			frameID:         ev.FrameID,
			timestampMicros: ev.TimestampMicros,
			frameIndex:      ev.FrameIndex,
			angleDegrees:    ev.AngleDegrees,
			bytes:           append([]byte(nil), f.Bytes...),
		})
	}
	return nil
}

// RecordCameraFrame appends a camera frame to the open direction.
// frameIndex is the sweep index of the stimulus frame presented alongside it,
// so the camera archive lines up record-for-record with the stimulus archive.
// The bytes are copied; the caller keeps ownership of f.
func (r *Recorder) RecordCameraFrame(f *frame.Frame, frameIndex uint32) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if !r.hasOpen {
		return fmt.Errorf("recorder: no direction open")
	}
	led := r.directions[r.open]
	led.camGeom.observe(f)
	led.cameraFrames = append(led.cameraFrames, archiveRecord{
		frameID:         f.FrameID,
		timestampMicros: f.TimestampMicros,
		frameIndex:      frameIndex,
		bytes:           append([]byte(nil), f.Bytes...),
	})
	return nil
}

// StopRecording seals the open direction's ledgers. No disk IO happens here.
func (r *Recorder) StopRecording() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if !r.hasOpen {
		return fmt.Errorf("recorder: no direction open")
	}
	r.directions[r.open].sealed = true
	r.hasOpen = false
	r.open = ""
	return nil
}

// SessionInfo reports per-direction counts. Never touches disk.
func (r *Recorder) SessionInfo() SessionInfo {
	r.mu.Lock()
	defer r.mu.Unlock()
	info := SessionInfo{
		SessionID:   r.sessionID,
		SessionName: r.sessionName,
		Directions:  map[frame.Direction]DirectionInfo{},
		Saved:       r.saved,
	}
	for dir, led := range r.directions {
		info.Directions[dir] = DirectionInfo{
			StimulusEvents: len(led.events),
			StimulusFrames: len(led.stimulusFrames),
			CameraFrames:   len(led.cameraFrames),
			Sealed:         led.sealed,
		}
	}
	return info
}

// sessionMetadata is the session-level metadata.json document.
type sessionMetadata struct {
	SessionID   string                            `json:"session_id"`
	SessionName string                            `json:"session_name"`
	CreatedAt   time.Time                         `json:"created_at"`
	SavedAt     time.Time                         `json:"saved_at"`
	Directions  map[frame.Direction]DirectionInfo `json:"directions"`
}

// SaveSession flushes every sealed direction to disk:
//
//	<base>/<session>/metadata.json
//	<base>/<session>/<direction>_events.json
//	<base>/<session>/<direction>_stimulus.h5
//	<base>/<session>/<direction>_camera.h5
//
// Safe to call twice; a second call with no new sealed data is a no-op.
func (r *Recorder) SaveSession() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.hasOpen {
		return fmt.Errorf("recorder: direction %q still open, stop recording first", r.open)
	}
	if r.saved {
		return nil
	}

	sessionDir := filepath.Join(r.baseDir, r.sessionName)
	if err := security.ValidatePathWithinDirectory(sessionDir, r.baseDir); err != nil {
		return fmt.Errorf("recorder: %w", err)
	}
	if err := os.MkdirAll(sessionDir, 0755); err != nil {
		return fmt.Errorf("recorder: create session directory: %w", err)
	}

	meta := sessionMetadata{
		SessionID:   r.sessionID,
		SessionName: r.sessionName,
		CreatedAt:   r.createdAt,
		SavedAt:     time.Now(),
		Directions:  map[frame.Direction]DirectionInfo{},
	}

	for _, dir := range r.order {
		led := r.directions[dir]
		if !led.sealed {
			continue
		}
		if err := r.flushDirection(sessionDir, dir, led); err != nil {
			return err
		}
		meta.Directions[dir] = DirectionInfo{
			StimulusEvents: len(led.events),
			StimulusFrames: len(led.stimulusFrames),
			CameraFrames:   len(led.cameraFrames),
			Sealed:         true,
		}
	}

	if err := writeJSON(filepath.Join(sessionDir, "metadata.json"), meta); err != nil {
		return fmt.Errorf("recorder: write session metadata: %w", err)
	}

	r.saved = true
	monitoring.Logf("recorder: session %q saved to %s (%d directions)",
		r.sessionName, sessionDir, len(meta.Directions))
	return nil
}

func (r *Recorder) flushDirection(sessionDir string, dir frame.Direction, led *directionLedger) error {
	events := led.events
	if events == nil {
		events = []StimulusEvent{}
	}
	eventsPath := filepath.Join(sessionDir, fmt.Sprintf("%s_events.json", dir))
	if err := writeJSON(eventsPath, events); err != nil {
		return fmt.Errorf("recorder: write %s events: %w", dir, err)
	}

	stimPath := filepath.Join(sessionDir, fmt.Sprintf("%s_stimulus.h5", dir))
	if err := writeArchive(stimPath, r.sessionName, dir, "stimulus", led.stimGeom, led.stimulusFrames); err != nil {
		return fmt.Errorf("recorder: write %s stimulus archive: %w", dir, err)
	}

	camPath := filepath.Join(sessionDir, fmt.Sprintf("%s_camera.h5", dir))
	if err := writeArchive(camPath, r.sessionName, dir, "camera", led.camGeom, led.cameraFrames); err != nil {
		return fmt.Errorf("recorder: write %s camera archive: %w", dir, err)
	}
	return nil
}

func writeJSON(path string, v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0644)
}
