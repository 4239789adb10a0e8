package acq

import (
	"context"
	"encoding/json"
	"fmt"
	"path/filepath"
	"sync"
	"time"

	"github.com/meridian-neuro/retinomap/internal/camera"
	"github.com/meridian-neuro/retinomap/internal/controlbus"
	"github.com/meridian-neuro/retinomap/internal/frame"
	"github.com/meridian-neuro/retinomap/internal/framechan"
	"github.com/meridian-neuro/retinomap/internal/monitoring"
	"github.com/meridian-neuro/retinomap/internal/recorder"
	"github.com/meridian-neuro/retinomap/internal/security"
	"github.com/meridian-neuro/retinomap/internal/stimulus"
	"github.com/meridian-neuro/retinomap/internal/timesync"
)

// SessionCatalog is the optional durable index of sessions. The manager
// tolerates a nil catalog; recording still works, it just isn't indexed.
type SessionCatalog interface {
	SessionStarted(sessionID, sessionName string, directions []frame.Direction, cycles int) error
	SessionCompleted(sessionName string, info recorder.SessionInfo) error
}

// RecorderFactory creates the per-session recorder. Injected so tests can
// point sessions at a scratch directory.
type RecorderFactory func(sessionName string) (*recorder.Recorder, error)

// ManagerConfig wires the manager's injected collaborators. The manager
// never constructs a collaborator itself.
type ManagerConfig struct {
	Coordinator *Coordinator
	Controller  *stimulus.Controller
	Channel     *framechan.Channel
	Tracker     *timesync.Tracker
	Bus         *controlbus.Bus // optional
	Camera      camera.Driver
	Display     camera.Display
	NewRecorder RecorderFactory
	Catalog     SessionCatalog // optional

	// CameraFPS is the nominal camera rate handed to the stimulus
	// controller when a sweep starts. Actual cadence still follows
	// delivered frames.
	CameraFPS float64
	// SessionBaseDir is where recorded sessions live; playback reads from
	// here.
	SessionBaseDir string
	// BaselineWidthPx/HeightPx size the black baseline frame published
	// between sweeps and on return to Idle.
	BaselineWidthPx  uint32
	BaselineHeightPx uint32
}

// Status is the aggregate acquisition status. It is always well-formed; the
// accessor never fails, even mid-fault.
type Status struct {
	Phase      Mode                  `json:"phase"`
	Session    string                `json:"session,omitempty"`
	Controller stimulus.Status       `json:"controller"`
	Recorder   *recorder.SessionInfo `json:"recorder,omitempty"`
	Channel    framechan.Stats       `json:"channel"`
	SyncCount  int                   `json:"sync_sample_count"`
	LastError  string                `json:"last_error,omitempty"`
}

// Manager is the composition root of the acquisition core. External commands
// land here; the coordinator arbitrates legality, and the manager sequences
// stimulus generation, publication, synchronization tracking, and recording
// off the camera-frame callback.
type Manager struct {
	cfg ManagerConfig

	mu         sync.Mutex
	rec        *recorder.Recorder
	plan       []frame.Direction
	planIdx    int
	previewDir frame.Direction
	runCancel  context.CancelFunc
	lastErr    error
}

// NewManager validates the injected collaborators and returns a Manager in
// Idle.
func NewManager(cfg ManagerConfig) (*Manager, error) {
	if cfg.Coordinator == nil || cfg.Controller == nil || cfg.Channel == nil ||
		cfg.Tracker == nil || cfg.Camera == nil || cfg.Display == nil || cfg.NewRecorder == nil {
		return nil, fmt.Errorf("%w: manager requires coordinator, controller, channel, tracker, camera, display, and recorder factory", ErrConfiguration)
	}
	if cfg.CameraFPS <= 0 {
		return nil, fmt.Errorf("%w: camera fps must be positive, got %v", ErrConfiguration, cfg.CameraFPS)
	}
	if cfg.BaselineWidthPx == 0 {
		cfg.BaselineWidthPx = 512
	}
	if cfg.BaselineHeightPx == 0 {
		cfg.BaselineHeightPx = 512
	}
	return &Manager{cfg: cfg}, nil
}

// Phase mirrors the coordinator's current mode.
func (m *Manager) Phase() Mode {
	return m.cfg.Coordinator.Mode()
}

// RecordSynchronization delegates a timestamp pairing to the tracker.
func (m *Manager) RecordSynchronization(cameraTSMicros, stimulusTSMicros, frameID uint64) {
	m.cfg.Tracker.Record(cameraTSMicros, stimulusTSMicros, frameID)
}

// SynchronizationData returns the tracker's samples and drift statistics.
func (m *Manager) SynchronizationData() timesync.Data {
	return m.cfg.Tracker.Data()
}

// Status aggregates coordinator state, controller status, channel counters,
// and recorder session info. It never fails.
func (m *Manager) Status() Status {
	mode, session := m.cfg.Coordinator.Snapshot()
	st := Status{
		Phase:      mode,
		Session:    session,
		Controller: m.cfg.Controller.Status(),
		Channel:    m.cfg.Channel.Stats(),
		SyncCount:  m.cfg.Tracker.Count(),
	}
	m.mu.Lock()
	if m.rec != nil {
		info := m.rec.SessionInfo()
		st.Recorder = &info
	}
	if m.lastErr != nil {
		st.LastError = m.lastErr.Error()
	}
	m.mu.Unlock()
	return st
}

// StartPreview begins live acquisition with stimulus presentation but no
// recording.
func (m *Manager) StartPreview(dir frame.Direction) error {
	if !dir.Valid() {
		return fmt.Errorf("%w: unknown sweep direction %q", ErrValidation, dir)
	}
	if !m.cfg.Camera.IsAvailable() {
		return fmt.Errorf("%w: no camera available", ErrValidation)
	}
	if !m.cfg.Coordinator.TransitionToPreview() {
		return fmt.Errorf("%w: cannot start preview while %s", ErrValidation, m.cfg.Coordinator.Mode())
	}

	if _, err := m.cfg.Controller.StartDirection(dir, m.cfg.CameraFPS); err != nil {
		m.cfg.Coordinator.TransitionToIdle()
		return fmt.Errorf("%w: %v", ErrValidation, err)
	}

	m.mu.Lock()
	m.previewDir = dir
	m.lastErr = nil
	m.mu.Unlock()
	m.cfg.Tracker.Enable()

	if err := m.startCamera(); err != nil {
		m.cfg.Controller.StopDirection()
		m.cfg.Tracker.Disable()
		m.cfg.Coordinator.TransitionToIdle()
		return err
	}
	m.announceMode("preview", string(dir))
	return nil
}

// StopPreview returns to Idle and publishes the baseline frame.
func (m *Manager) StopPreview() error {
	if m.cfg.Coordinator.Mode() != ModePreview {
		return fmt.Errorf("%w: not previewing", ErrValidation)
	}
	m.stopRun()
	m.cfg.Tracker.Disable()
	m.cfg.Coordinator.TransitionToIdle()
	m.publishBaseline()
	m.announceMode("idle", "")
	return nil
}

// StartRecording begins a recorded session sweeping each direction cycles
// times.
func (m *Manager) StartRecording(sessionName string, directions []frame.Direction, cycles int) error {
	if err := security.ValidateSessionName(sessionName); err != nil {
		return fmt.Errorf("%w: %v", ErrValidation, err)
	}
	if len(directions) == 0 {
		return fmt.Errorf("%w: at least one sweep direction is required", ErrValidation)
	}
	for _, d := range directions {
		if !d.Valid() {
			return fmt.Errorf("%w: unknown sweep direction %q", ErrValidation, d)
		}
	}
	if cycles <= 0 {
		cycles = 1
	}
	if !m.cfg.Camera.IsAvailable() {
		return fmt.Errorf("%w: no camera available", ErrValidation)
	}
	if !m.cfg.Coordinator.TransitionToRecording(sessionName) {
		return fmt.Errorf("%w: cannot start recording while %s", ErrValidation, m.cfg.Coordinator.Mode())
	}

	rec, err := m.cfg.NewRecorder(sessionName)
	if err != nil {
		m.cfg.Coordinator.TransitionToIdle()
		return fmt.Errorf("create session recorder: %w", err)
	}

	// Each direction runs cycles times, grouped per direction so a
	// direction's ledger accumulates all of its cycles contiguously.
	plan := make([]frame.Direction, 0, len(directions)*cycles)
	for _, d := range directions {
		for c := 0; c < cycles; c++ {
			plan = append(plan, d)
		}
	}

	m.mu.Lock()
	m.rec = rec
	m.plan = plan
	m.planIdx = 0
	m.lastErr = nil
	m.mu.Unlock()

	m.cfg.Tracker.Clear()
	m.cfg.Tracker.Enable()

	if err := m.openSweep(plan[0]); err != nil {
		m.abandonRecording()
		return err
	}
	if err := m.startCamera(); err != nil {
		m.abandonRecording()
		return err
	}

	if m.cfg.Catalog != nil {
		info := rec.SessionInfo()
		if err := m.cfg.Catalog.SessionStarted(info.SessionID, sessionName, directions, cycles); err != nil {
			monitoring.Logf("acq: session catalog insert failed: %v", err)
		}
	}
	m.announceMode("recording", sessionName)
	return nil
}

// StopRecording seals the in-flight direction, persists the session, and
// returns to Idle.
func (m *Manager) StopRecording() error {
	if m.cfg.Coordinator.Mode() != ModeRecording {
		return fmt.Errorf("%w: not recording", ErrValidation)
	}
	m.stopRun()
	err := m.finalizeSession()
	m.cfg.Coordinator.TransitionToIdle()
	m.publishBaseline()
	m.announceMode("idle", "")
	return err
}

// startCamera launches frame delivery with the manager as callback sink.
func (m *Manager) startCamera() error {
	ctx, cancel := context.WithCancel(context.Background())
	m.mu.Lock()
	m.runCancel = cancel
	m.mu.Unlock()

	if err := m.cfg.Camera.Start(ctx, m.onCameraFrame, m.onCameraFault); err != nil {
		cancel()
		return fmt.Errorf("start camera acquisition: %w", err)
	}
	return nil
}

// stopRun stops the camera and the stimulus sweep, leaving recorder state to
// the caller.
func (m *Manager) stopRun() {
	m.mu.Lock()
	cancel := m.runCancel
	m.runCancel = nil
	m.mu.Unlock()
	if cancel != nil {
		cancel()
	}
	if err := m.cfg.Camera.Stop(); err != nil {
		monitoring.Logf("acq: stop camera: %v", err)
	}
	if m.cfg.Controller.Status().Active {
		if _, err := m.cfg.Controller.StopDirection(); err != nil {
			monitoring.Logf("acq: stop sweep: %v", err)
		}
	}
}

// onCameraFrame is the hot path: it runs on the camera acquisition goroutine
// once per delivered frame and must stay lock-minimal so later frames are
// never missed.
func (m *Manager) onCameraFrame(camFrame *frame.Frame) {
	mode, _ := m.cfg.Coordinator.Snapshot()
	if mode != ModePreview && mode != ModeRecording {
		return
	}

	res, err := m.cfg.Controller.GenerateNextFrame()
	if err != nil {
		// The sweep raced a stop; drop the frame.
		return
	}

	if err := m.cfg.Display.PresentFrame(res.Frame); err != nil {
		monitoring.Logf("acq: present frame: %v", err)
	}

	stimID, err := m.cfg.Channel.WriteFrame(res.Frame, res.Metadata, framechan.SubstreamStimulus)
	if err != nil {
		monitoring.Logf("acq: publish stimulus frame: %v", err)
	}

	camMD := frame.Metadata{
		WidthPx:       camFrame.WidthPx,
		HeightPx:      camFrame.HeightPx,
		Channels:      camFrame.Channels,
		DataSizeBytes: camFrame.DataSize(),
		Direction:     res.Metadata.Direction,
		FrameIndex:    res.Metadata.FrameIndex,
		TotalFrames:   res.Metadata.TotalFrames,
		AngleDegrees:  res.Metadata.AngleDegrees,
	}
	camID, err := m.cfg.Channel.WriteFrame(camFrame, camMD, framechan.SubstreamCamera)
	if err != nil {
		monitoring.Logf("acq: publish camera frame: %v", err)
	} else {
		m.cfg.Tracker.Record(camFrame.TimestampMicros, res.TimestampMicros, camID)
	}

	if mode == ModeRecording {
		m.mu.Lock()
		rec := m.rec
		m.mu.Unlock()
		if rec != nil {
			ev := recorder.StimulusEvent{
				TimestampMicros: res.TimestampMicros,
				FrameID:         stimID,
				FrameIndex:      res.Metadata.FrameIndex,
				Direction:       res.Metadata.Direction,
				AngleDegrees:    res.Metadata.AngleDegrees,
			}
			if err := rec.RecordStimulusEvent(ev, res.Frame); err != nil {
				monitoring.Logf("acq: record stimulus event: %v", err)
			}
			if err := rec.RecordCameraFrame(camFrame, res.Metadata.FrameIndex); err != nil {
				monitoring.Logf("acq: record camera frame: %v", err)
			}
		}
	}

	if m.cfg.Controller.Remaining() == 0 {
		m.advanceSweep(mode)
	}
}

// advanceSweep closes the finished direction and opens the next plan entry,
// or finalizes the session after the last one.
func (m *Manager) advanceSweep(mode Mode) {
	stop, err := m.cfg.Controller.StopDirection()
	if err == nil {
		monitoring.Logf("acq: sweep complete, %d frames generated", stop.FramesGenerated)
	}

	if mode == ModeRecording {
		m.mu.Lock()
		rec := m.rec
		m.mu.Unlock()
		if rec != nil {
			if err := rec.StopRecording(); err != nil {
				monitoring.Logf("acq: seal direction: %v", err)
			}
		}
	}

	m.publishBaseline()

	if mode == ModePreview {
		// Preview loops the same direction until told to stop.
		m.mu.Lock()
		dir := m.previewDir
		m.mu.Unlock()
		if _, err := m.cfg.Controller.StartDirection(dir, m.cfg.CameraFPS); err != nil {
			monitoring.Logf("acq: restart preview sweep: %v", err)
		}
		return
	}

	m.mu.Lock()
	m.planIdx++
	var next frame.Direction
	done := m.planIdx >= len(m.plan)
	if !done {
		next = m.plan[m.planIdx]
	}
	m.mu.Unlock()

	if done {
		// Camera.Stop waits for the acquisition goroutine running this
		// callback, so the teardown must not happen inline.
		go m.completeRun()
		return
	}

	if err := m.openSweep(next); err != nil {
		monitoring.Logf("acq: open next sweep %q: %v", next, err)
		m.setLastError(err)
		go m.completeRun()
	}
}

// completeRun tears a finished or failed recording run down to Idle. It runs
// on its own goroutine: stopRun blocks until the camera's acquisition
// goroutine exits, and that goroutine is the one delivering frame and fault
// callbacks.
func (m *Manager) completeRun() {
	m.stopRun()
	if err := m.finalizeSession(); err != nil {
		monitoring.Logf("acq: finalize session: %v", err)
	}
	m.cfg.Coordinator.TransitionToIdle()
	m.announceMode("idle", "")
}

// openSweep opens recorder and controller for one plan entry.
func (m *Manager) openSweep(dir frame.Direction) error {
	m.mu.Lock()
	rec := m.rec
	m.mu.Unlock()
	if rec != nil {
		if err := rec.StartRecording(dir); err != nil {
			return fmt.Errorf("open direction ledger: %w", err)
		}
	}
	if _, err := m.cfg.Controller.StartDirection(dir, m.cfg.CameraFPS); err != nil {
		return fmt.Errorf("%w: %v", ErrValidation, err)
	}
	return nil
}

// finalizeSession seals and saves whatever the recorder holds and updates
// the catalog. Partial sessions are saved, never discarded.
func (m *Manager) finalizeSession() error {
	m.mu.Lock()
	rec := m.rec
	m.rec = nil
	m.plan = nil
	m.planIdx = 0
	m.mu.Unlock()

	m.cfg.Tracker.Disable()
	if rec == nil {
		return nil
	}

	// Seal a still-open direction before saving; SaveSession refuses an
	// open window.
	dirsOpen := false
	for _, d := range rec.SessionInfo().Directions {
		if !d.Sealed {
			dirsOpen = true
			break
		}
	}
	if dirsOpen {
		if err := rec.StopRecording(); err != nil {
			monitoring.Logf("acq: seal partial direction: %v", err)
		}
	}

	if err := rec.SaveSession(); err != nil {
		return fmt.Errorf("save session %q: %w", rec.SessionName(), err)
	}
	if m.cfg.Catalog != nil {
		if err := m.cfg.Catalog.SessionCompleted(rec.SessionName(), rec.SessionInfo()); err != nil {
			monitoring.Logf("acq: session catalog update failed: %v", err)
		}
	}
	return nil
}

// abandonRecording unwinds a failed StartRecording.
func (m *Manager) abandonRecording() {
	m.stopRun()
	m.mu.Lock()
	m.rec = nil
	m.plan = nil
	m.planIdx = 0
	m.mu.Unlock()
	m.cfg.Tracker.Disable()
	m.cfg.Coordinator.TransitionToIdle()
}

// onCameraFault handles the camera dying mid-session: force Idle, seal and
// save the partial recording, and record a fatal-hardware error distinct
// from "no camera at startup".
func (m *Manager) onCameraFault(cause error) {
	mode, session := m.cfg.Coordinator.Snapshot()
	monitoring.Logf("acq: camera fault in %s: %v", mode, cause)

	err := fmt.Errorf("%w: camera stopped delivering frames mid-session: %v", ErrFatalHardware, cause)
	m.setLastError(err)

	// Same constraint as completeRun: this callback arrives on the camera
	// goroutine that stopRun waits out.
	go func() {
		m.stopRun()
		if mode == ModeRecording {
			if ferr := m.finalizeSession(); ferr != nil {
				monitoring.Logf("acq: best-effort save of partial session %q: %v", session, ferr)
			}
		}
		m.cfg.Coordinator.TransitionToIdle()
		m.announceMode("fault", session)
	}()
}

func (m *Manager) setLastError(err error) {
	m.mu.Lock()
	m.lastErr = err
	m.mu.Unlock()
}

// LastError returns the most recent fatal error, nil when healthy.
func (m *Manager) LastError() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.lastErr
}

// publishBaseline writes the black safety frame between sweeps.
func (m *Manager) publishBaseline() {
	if _, err := m.cfg.Channel.PublishBlackFrame(m.cfg.BaselineWidthPx, m.cfg.BaselineHeightPx, 0); err != nil {
		monitoring.Logf("acq: publish baseline frame: %v", err)
	}
}

// announceMode emits a sync-channel notification of a mode change.
func (m *Manager) announceMode(state, detail string) {
	if m.cfg.Bus == nil {
		return
	}
	payload, _ := json.Marshal(map[string]string{"state": state, "detail": detail})
	m.cfg.Bus.SendSync(controlbus.SyncMessage{Type: "mode_change", Payload: payload})
}

// StartPlayback replays a recorded session's stimulus archives through the
// frame channel at the recorded cadence.
func (m *Manager) StartPlayback(sessionName string) error {
	if err := security.ValidateSessionName(sessionName); err != nil {
		return fmt.Errorf("%w: %v", ErrValidation, err)
	}
	sessionDir := filepath.Join(m.cfg.SessionBaseDir, sessionName)
	if err := security.ValidatePathWithinDirectory(sessionDir, m.cfg.SessionBaseDir); err != nil {
		return fmt.Errorf("%w: %v", ErrValidation, err)
	}
	archives, err := filepath.Glob(filepath.Join(sessionDir, "*_stimulus.h5"))
	if err != nil || len(archives) == 0 {
		return fmt.Errorf("%w: no recorded session %q under %s", ErrValidation, sessionName, m.cfg.SessionBaseDir)
	}
	if !m.cfg.Coordinator.TransitionToPlayback() {
		return fmt.Errorf("%w: cannot start playback while %s", ErrValidation, m.cfg.Coordinator.Mode())
	}

	ctx, cancel := context.WithCancel(context.Background())
	m.mu.Lock()
	m.runCancel = cancel
	m.lastErr = nil
	m.mu.Unlock()

	go m.playbackLoop(ctx, archives)
	m.announceMode("playback", sessionName)
	return nil
}

// StopPlayback cancels an in-flight replay and returns to Idle.
func (m *Manager) StopPlayback() error {
	if m.cfg.Coordinator.Mode() != ModePlayback {
		return fmt.Errorf("%w: not in playback", ErrValidation)
	}
	m.mu.Lock()
	cancel := m.runCancel
	m.runCancel = nil
	m.mu.Unlock()
	if cancel != nil {
		cancel()
	}
	m.cfg.Coordinator.TransitionToIdle()
	m.publishBaseline()
	m.announceMode("idle", "")
	return nil
}

// playbackLoop streams each direction archive in order, pacing frames by
// their recorded timestamp deltas.
func (m *Manager) playbackLoop(ctx context.Context, archives []string) {
	defer func() {
		if m.cfg.Coordinator.Mode() == ModePlayback {
			m.cfg.Coordinator.TransitionToIdle()
			m.publishBaseline()
			m.announceMode("idle", "")
		}
	}()

	for _, path := range archives {
		header, records, err := recorder.ReadArchive(path)
		if err != nil {
			monitoring.Logf("acq: playback read %s: %v", path, err)
			m.setLastError(err)
			return
		}
		monitoring.Logf("acq: playback %s: %d frames", filepath.Base(path), len(records))

		var prevTS uint64
		for i, rec := range records {
			if i > 0 && rec.TimestampMicros > prevTS {
				delay := time.Duration(rec.TimestampMicros-prevTS) * time.Microsecond
				select {
				case <-ctx.Done():
					return
				case <-time.After(delay):
				}
			} else {
				select {
				case <-ctx.Done():
					return
				default:
				}
			}
			prevTS = rec.TimestampMicros

			f, md := playbackFrame(header, rec, len(records))
			if _, err := m.cfg.Channel.WriteFrame(f, md, framechan.SubstreamStimulus); err != nil {
				monitoring.Logf("acq: playback publish: %v", err)
			}
		}
	}
}

// playbackFrame rebuilds a publishable frame from an archive record using
// the archive header's per-direction geometry.
func playbackFrame(header recorder.ArchiveHeader, rec recorder.ArchiveRecord, total int) (*frame.Frame, frame.Metadata) {
	f := &frame.Frame{
		FrameID:         rec.FrameID,
		TimestampMicros: rec.TimestampMicros,
		WidthPx:         header.WidthPx,
		HeightPx:        header.HeightPx,
		Channels:        header.Channels,
		Bytes:           rec.Bytes,
	}
	md := frame.Metadata{
		WidthPx:       f.WidthPx,
		HeightPx:      f.HeightPx,
		Channels:      f.Channels,
		DataSizeBytes: f.DataSize(),
		Direction:     header.Direction,
		FrameIndex:    rec.FrameIndex,
		TotalFrames:   uint32(total),
		AngleDegrees:  rec.AngleDegrees,
	}
	return f, md
}
