package acq

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/meridian-neuro/retinomap/internal/camera"
	"github.com/meridian-neuro/retinomap/internal/frame"
	"github.com/meridian-neuro/retinomap/internal/framechan"
	"github.com/meridian-neuro/retinomap/internal/recorder"
	"github.com/meridian-neuro/retinomap/internal/stimulus"
	"github.com/meridian-neuro/retinomap/internal/timesync"
)

// scriptedCamera delivers frames only when the test says so, making sweep
// advancement fully deterministic.
type scriptedCamera struct {
	mu        sync.Mutex
	available bool
	started   bool
	onFrame   camera.FrameCallback
	onFault   camera.FaultCallback
	nextID    uint64
	widthPx   uint32
	heightPx  uint32
}

func newScriptedCamera(widthPx, heightPx uint32) *scriptedCamera {
	return &scriptedCamera{widthPx: widthPx, heightPx: heightPx}
}

func (s *scriptedCamera) Open() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.available = true
	return nil
}

func (s *scriptedCamera) IsAvailable() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.available
}

func (s *scriptedCamera) Start(_ context.Context, onFrame camera.FrameCallback, onFault camera.FaultCallback) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.available {
		return fmt.Errorf("scripted camera not opened")
	}
	s.started = true
	s.onFrame = onFrame
	s.onFault = onFault
	return nil
}

func (s *scriptedCamera) Stop() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.started = false
	return nil
}

// Deliver synthesizes one grayscale frame and invokes the callback
// synchronously on the test goroutine.
func (s *scriptedCamera) Deliver() {
	s.mu.Lock()
	cb := s.onFrame
	if cb == nil || !s.started {
		s.mu.Unlock()
		return
	}
	s.nextID++
	f := &frame.Frame{
		FrameID:         s.nextID,
		TimestampMicros: uint64(time.Now().UnixMicro()),
		WidthPx:         s.widthPx,
		HeightPx:        s.heightPx,
		Channels:        frame.ChannelsGrayscale,
		Bytes:           make([]byte, int(s.widthPx)*int(s.heightPx)),
	}
	s.mu.Unlock()
	cb(f)
}

// Fault invokes the fault callback synchronously.
func (s *scriptedCamera) Fault(err error) {
	s.mu.Lock()
	cb := s.onFault
	s.mu.Unlock()
	if cb != nil {
		cb(err)
	}
}

type fakeCatalog struct {
	mu        sync.Mutex
	started   []string
	completed []string
}

func (c *fakeCatalog) SessionStarted(_, sessionName string, _ []frame.Direction, _ int) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.started = append(c.started, sessionName)
	return nil
}

func (c *fakeCatalog) SessionCompleted(sessionName string, _ recorder.SessionInfo) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.completed = append(c.completed, sessionName)
	return nil
}

type managerHarness struct {
	manager    *Manager
	camera     *scriptedCamera
	display    *camera.MockDisplay
	channel    *framechan.Channel
	catalog    *fakeCatalog
	sessionDir string
	// framesPerSweep is the generator's total frame count at the
	// harness camera rate.
	framesPerSweep int
}

// newManagerHarness wires a manager over scripted hardware. Sweeps are two
// frames long so tests can walk a full session with a handful of Deliver
// calls.
func newManagerHarness(t *testing.T) *managerHarness {
	t.Helper()

	gen, err := stimulus.NewDriftingBar(stimulus.DriftingBarConfig{
		ScreenWidthPx:        64,
		ScreenHeightPx:       32,
		BarWidthPx:           8,
		SweepDurationSeconds: 0.2,
	})
	require.NoError(t, err)
	controller, err := stimulus.NewController(gen)
	require.NoError(t, err)

	channel, err := framechan.Initialize(framechan.Config{
		StreamName:    fmt.Sprintf("acq-test-%d", time.Now().UnixNano()),
		BufferSizeMB:  1,
		MaxFrameBytes: 64 * 32,
		Dir:           t.TempDir(),
	})
	require.NoError(t, err)
	t.Cleanup(func() { channel.Cleanup() })

	cam := newScriptedCamera(64, 32)
	require.NoError(t, cam.Open())
	display := camera.NewMockDisplay()
	catalog := &fakeCatalog{}
	sessionDir := t.TempDir()

	m, err := NewManager(ManagerConfig{
		Coordinator: NewCoordinator(),
		Controller:  controller,
		Channel:     channel,
		Tracker:     timesync.NewTracker(256),
		Camera:      cam,
		Display:     display,
		NewRecorder: func(name string) (*recorder.Recorder, error) {
			return recorder.NewRecorder(sessionDir, name)
		},
		Catalog:          catalog,
		CameraFPS:        10, // 0.2 s sweep at 10 fps = 2 frames
		SessionBaseDir:   sessionDir,
		BaselineWidthPx:  64,
		BaselineHeightPx: 32,
	})
	require.NoError(t, err)

	return &managerHarness{
		manager:        m,
		camera:         cam,
		display:        display,
		channel:        channel,
		catalog:        catalog,
		sessionDir:     sessionDir,
		framesPerSweep: 2,
	}
}

// waitIdle waits out the teardown goroutine that returns the manager to
// Idle after the last sweep or a camera fault.
func (h *managerHarness) waitIdle(t *testing.T) {
	t.Helper()
	require.Eventually(t, func() bool {
		return h.manager.Phase() == ModeIdle
	}, 5*time.Second, 5*time.Millisecond)
}

func TestManagerRequiresCollaborators(t *testing.T) {
	t.Parallel()

	_, err := NewManager(ManagerConfig{CameraFPS: 30})
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrConfiguration)
}

func TestPreviewLifecycle(t *testing.T) {
	t.Parallel()
	h := newManagerHarness(t)

	require.NoError(t, h.manager.StartPreview(frame.LeftToRight))
	assert.Equal(t, ModePreview, h.manager.Phase())

	// A second start is rejected regardless of mode.
	err := h.manager.StartPreview(frame.RightToLeft)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrValidation)

	for i := 0; i < 3; i++ {
		h.camera.Deliver()
	}
	assert.Equal(t, uint64(3), h.display.PresentedCount())
	// Two publications per camera frame plus the baseline frame at the
	// sweep boundary.
	assert.GreaterOrEqual(t, h.channel.Stats().FramesWritten, uint64(7))

	// The sweep wrapped after two frames and keeps previewing.
	assert.Equal(t, ModePreview, h.manager.Phase())

	require.NoError(t, h.manager.StopPreview())
	assert.Equal(t, ModeIdle, h.manager.Phase())

	err = h.manager.StopPreview()
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrValidation)
}

func TestPreviewRejectsUnknownDirection(t *testing.T) {
	t.Parallel()
	h := newManagerHarness(t)

	err := h.manager.StartPreview(frame.Direction("XX"))
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrValidation)
	assert.Equal(t, ModeIdle, h.manager.Phase())
}

func TestRecordingSessionRunsToCompletion(t *testing.T) {
	t.Parallel()
	h := newManagerHarness(t)

	dirs := []frame.Direction{frame.LeftToRight, frame.RightToLeft}
	require.NoError(t, h.manager.StartRecording("mouse01-run1", dirs, 1))
	assert.Equal(t, ModeRecording, h.manager.Phase())

	// Two directions at two frames each.
	for i := 0; i < 2*h.framesPerSweep; i++ {
		h.camera.Deliver()
	}

	h.waitIdle(t)
	assert.NoError(t, h.manager.LastError())

	saved := filepath.Join(h.sessionDir, "mouse01-run1")
	for _, name := range []string{
		"metadata.json",
		"LR_events.json", "LR_stimulus.h5", "LR_camera.h5",
		"RL_events.json", "RL_stimulus.h5", "RL_camera.h5",
	} {
		_, err := os.Stat(filepath.Join(saved, name))
		assert.NoError(t, err, name)
	}

	assert.Equal(t, []string{"mouse01-run1"}, h.catalog.started)
	assert.Equal(t, []string{"mouse01-run1"}, h.catalog.completed)

	// Sync samples were collected for every delivered frame.
	data := h.manager.SynchronizationData()
	assert.Len(t, data.Samples, 2*h.framesPerSweep)
}

func TestRecordingMultipleCycles(t *testing.T) {
	t.Parallel()
	h := newManagerHarness(t)

	require.NoError(t, h.manager.StartRecording("cycles", []frame.Direction{frame.TopToBottom}, 3))
	for i := 0; i < 3*h.framesPerSweep; i++ {
		h.camera.Deliver()
	}
	h.waitIdle(t)

	header, records, err := recorder.ReadArchive(filepath.Join(h.sessionDir, "cycles", "TB_stimulus.h5"))
	require.NoError(t, err)
	assert.Equal(t, frame.TopToBottom, header.Direction)
	assert.Len(t, records, 3*h.framesPerSweep)
}

func TestStartRecordingValidation(t *testing.T) {
	t.Parallel()
	h := newManagerHarness(t)

	cases := []struct {
		name    string
		session string
		dirs    []frame.Direction
	}{
		{"empty session name", "", []frame.Direction{frame.LeftToRight}},
		{"traversal in session name", "../escape", []frame.Direction{frame.LeftToRight}},
		{"no directions", "s", nil},
		{"unknown direction", "s", []frame.Direction{"XX"}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			err := h.manager.StartRecording(tc.session, tc.dirs, 1)
			require.Error(t, err)
			assert.ErrorIs(t, err, ErrValidation)
			assert.Equal(t, ModeIdle, h.manager.Phase())
		})
	}

	t.Run("rejected while previewing", func(t *testing.T) {
		require.NoError(t, h.manager.StartPreview(frame.LeftToRight))
		err := h.manager.StartRecording("s", []frame.Direction{frame.LeftToRight}, 1)
		require.Error(t, err)
		assert.ErrorIs(t, err, ErrValidation)
		require.NoError(t, h.manager.StopPreview())
	})
}

func TestCameraFaultMidRecordingSavesPartialSession(t *testing.T) {
	t.Parallel()
	h := newManagerHarness(t)

	require.NoError(t, h.manager.StartRecording("partial", []frame.Direction{frame.LeftToRight}, 1))
	h.camera.Deliver()
	h.camera.Fault(errors.New("usb device went away"))

	h.waitIdle(t)
	require.Error(t, h.manager.LastError())
	assert.ErrorIs(t, h.manager.LastError(), ErrFatalHardware)

	// The single delivered frame was sealed and flushed.
	_, records, err := recorder.ReadArchive(filepath.Join(h.sessionDir, "partial", "LR_camera.h5"))
	require.NoError(t, err)
	assert.Len(t, records, 1)

	st := h.manager.Status()
	assert.Equal(t, ModeIdle, st.Phase)
	assert.NotEmpty(t, st.LastError)

	// The fault is sticky only until the next successful start.
	require.NoError(t, h.manager.StartPreview(frame.LeftToRight))
	assert.NoError(t, h.manager.LastError())
	require.NoError(t, h.manager.StopPreview())
}

func TestPlaybackReplaysRecordedSession(t *testing.T) {
	t.Parallel()
	h := newManagerHarness(t)

	require.NoError(t, h.manager.StartRecording("replayme", []frame.Direction{frame.LeftToRight}, 1))
	for i := 0; i < h.framesPerSweep; i++ {
		h.camera.Deliver()
	}
	h.waitIdle(t)

	before := h.channel.Stats().FramesWritten
	require.NoError(t, h.manager.StartPlayback("replayme"))
	assert.Equal(t, ModePlayback, h.manager.Phase())

	require.Eventually(t, func() bool {
		return h.manager.Phase() == ModeIdle
	}, 5*time.Second, 10*time.Millisecond)

	// Replayed stimulus frames plus the trailing baseline frame.
	assert.GreaterOrEqual(t, h.channel.Stats().FramesWritten, before+uint64(h.framesPerSweep))
	assert.NoError(t, h.manager.LastError())
}

func TestPlaybackValidation(t *testing.T) {
	t.Parallel()
	h := newManagerHarness(t)

	err := h.manager.StartPlayback("no-such-session")
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrValidation)

	err = h.manager.StopPlayback()
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrValidation)
}

func TestStatusNeverFails(t *testing.T) {
	t.Parallel()
	h := newManagerHarness(t)

	st := h.manager.Status()
	assert.Equal(t, ModeIdle, st.Phase)
	assert.Empty(t, st.Session)
	assert.Nil(t, st.Recorder)

	require.NoError(t, h.manager.StartRecording("statuscheck", []frame.Direction{frame.BottomToTop}, 1))
	h.camera.Deliver()

	st = h.manager.Status()
	assert.Equal(t, ModeRecording, st.Phase)
	assert.Equal(t, "statuscheck", st.Session)
	require.NotNil(t, st.Recorder)
	assert.Equal(t, 1, st.Recorder.Directions[frame.BottomToTop].CameraFrames)
	assert.Equal(t, 1, st.SyncCount)

	require.NoError(t, h.manager.StopRecording())
	assert.Equal(t, ModeIdle, h.manager.Phase())
}

// newLiveCameraHarness wires a manager over the rate-driven MockCamera, whose
// Stop blocks until its acquisition goroutine exits. The scripted harness
// cannot catch callback-path stops that would wedge against that wait.
func newLiveCameraHarness(t *testing.T, cam *camera.MockCamera) (*Manager, *fakeCatalog, string) {
	t.Helper()

	gen, err := stimulus.NewDriftingBar(stimulus.DriftingBarConfig{
		ScreenWidthPx:        64,
		ScreenHeightPx:       32,
		BarWidthPx:           8,
		SweepDurationSeconds: 0.2,
	})
	require.NoError(t, err)
	controller, err := stimulus.NewController(gen)
	require.NoError(t, err)

	channel, err := framechan.Initialize(framechan.Config{
		StreamName:    fmt.Sprintf("acq-live-%d", time.Now().UnixNano()),
		BufferSizeMB:  1,
		MaxFrameBytes: 64 * 32,
		Dir:           t.TempDir(),
	})
	require.NoError(t, err)
	t.Cleanup(func() { channel.Cleanup() })

	require.NoError(t, cam.Open())
	catalog := &fakeCatalog{}
	sessionDir := t.TempDir()

	m, err := NewManager(ManagerConfig{
		Coordinator: NewCoordinator(),
		Controller:  controller,
		Channel:     channel,
		Tracker:     timesync.NewTracker(256),
		Camera:      cam,
		Display:     camera.NewMockDisplay(),
		NewRecorder: func(name string) (*recorder.Recorder, error) {
			return recorder.NewRecorder(sessionDir, name)
		},
		Catalog:          catalog,
		CameraFPS:        10, // 0.2 s sweep at 10 fps = 2 frames
		SessionBaseDir:   sessionDir,
		BaselineWidthPx:  64,
		BaselineHeightPx: 32,
	})
	require.NoError(t, err)
	return m, catalog, sessionDir
}

func TestRecordingCompletesWithLiveCamera(t *testing.T) {
	t.Parallel()

	cam := camera.NewMockCamera(camera.MockCameraConfig{WidthPx: 64, HeightPx: 32, FPS: 200})
	m, catalog, sessionDir := newLiveCameraHarness(t, cam)

	require.NoError(t, m.StartRecording("live-run", []frame.Direction{frame.LeftToRight}, 1))

	require.Eventually(t, func() bool {
		return m.Phase() == ModeIdle
	}, 5*time.Second, 10*time.Millisecond)

	require.NoError(t, m.LastError())
	_, err := os.Stat(filepath.Join(sessionDir, "live-run", "metadata.json"))
	assert.NoError(t, err)
	assert.Equal(t, []string{"live-run"}, catalog.completed)
}

func TestCameraFaultWithLiveCameraSavesPartialSession(t *testing.T) {
	t.Parallel()

	cam := camera.NewMockCamera(camera.MockCameraConfig{
		WidthPx: 64, HeightPx: 32, FPS: 200,
		FailAfterFrames: 3, // dies one frame into the second sweep
	})
	m, _, sessionDir := newLiveCameraHarness(t, cam)

	dirs := []frame.Direction{frame.LeftToRight, frame.RightToLeft}
	require.NoError(t, m.StartRecording("live-fault", dirs, 1))

	require.Eventually(t, func() bool {
		return m.Phase() == ModeIdle
	}, 5*time.Second, 10*time.Millisecond)

	require.Error(t, m.LastError())
	assert.ErrorIs(t, m.LastError(), ErrFatalHardware)

	_, err := os.Stat(filepath.Join(sessionDir, "live-fault", "metadata.json"))
	assert.NoError(t, err)
}

func TestFailedCameraPublicationSkipsSyncSample(t *testing.T) {
	t.Parallel()

	gen, err := stimulus.NewDriftingBar(stimulus.DriftingBarConfig{
		ScreenWidthPx:        64,
		ScreenHeightPx:       32,
		BarWidthPx:           8,
		SweepDurationSeconds: 0.2,
	})
	require.NoError(t, err)
	controller, err := stimulus.NewController(gen)
	require.NoError(t, err)

	// Every frame is larger than the channel allows, so each publication
	// fails and no sync sample may be recorded for it.
	channel, err := framechan.Initialize(framechan.Config{
		StreamName:    fmt.Sprintf("acq-oversize-%d", time.Now().UnixNano()),
		BufferSizeMB:  1,
		MaxFrameBytes: 512,
		Dir:           t.TempDir(),
	})
	require.NoError(t, err)
	t.Cleanup(func() { channel.Cleanup() })

	cam := newScriptedCamera(64, 32)
	require.NoError(t, cam.Open())

	m, err := NewManager(ManagerConfig{
		Coordinator: NewCoordinator(),
		Controller:  controller,
		Channel:     channel,
		Tracker:     timesync.NewTracker(256),
		Camera:      cam,
		Display:     camera.NewMockDisplay(),
		NewRecorder: func(name string) (*recorder.Recorder, error) {
			return recorder.NewRecorder(t.TempDir(), name)
		},
		CameraFPS:        10,
		SessionBaseDir:   t.TempDir(),
		BaselineWidthPx:  64,
		BaselineHeightPx: 32,
	})
	require.NoError(t, err)

	require.NoError(t, m.StartPreview(frame.LeftToRight))
	cam.Deliver()
	cam.Deliver()

	st := m.Status()
	assert.Equal(t, 0, st.SyncCount)
	assert.NotZero(t, st.Channel.OversizedRejected)
	require.NoError(t, m.StopPreview())
}
