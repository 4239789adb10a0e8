package camera

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/meridian-neuro/retinomap/internal/frame"
)

func TestMockCameraRequiresOpen(t *testing.T) {
	t.Parallel()

	cam := NewMockCamera(MockCameraConfig{})
	assert.False(t, cam.IsAvailable())
	assert.Error(t, cam.Start(context.Background(), func(*frame.Frame) {}, nil))

	require.NoError(t, cam.Open())
	assert.True(t, cam.IsAvailable())
}

func TestMockCameraDeliversFrames(t *testing.T) {
	t.Parallel()

	cam := NewMockCamera(MockCameraConfig{WidthPx: 16, HeightPx: 8, FPS: 200})
	require.NoError(t, cam.Open())

	var mu sync.Mutex
	var frames []*frame.Frame
	require.NoError(t, cam.Start(context.Background(), func(f *frame.Frame) {
		mu.Lock()
		frames = append(frames, f)
		mu.Unlock()
	}, nil))

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(frames) >= 3
	}, 2*time.Second, 5*time.Millisecond)
	require.NoError(t, cam.Stop())

	mu.Lock()
	defer mu.Unlock()
	for i, f := range frames {
		assert.Equal(t, uint64(i+1), f.FrameID)
		assert.Equal(t, uint32(16), f.WidthPx)
		assert.Equal(t, uint32(8), f.HeightPx)
		assert.Equal(t, uint8(frame.ChannelsGrayscale), f.Channels)
		assert.Len(t, f.Bytes, 16*8)
	}
}

func TestMockCameraStopEndsDelivery(t *testing.T) {
	t.Parallel()

	cam := NewMockCamera(MockCameraConfig{WidthPx: 4, HeightPx: 4, FPS: 500})
	require.NoError(t, cam.Open())

	var count atomic.Int64
	require.NoError(t, cam.Start(context.Background(), func(*frame.Frame) {
		count.Add(1)
	}, nil))

	require.Eventually(t, func() bool { return count.Load() > 0 }, 2*time.Second, time.Millisecond)
	require.NoError(t, cam.Stop())

	// Stop waits for the acquisition goroutine, so the count is final.
	settled := count.Load()
	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, settled, count.Load())

	// Stop again is a no-op.
	require.NoError(t, cam.Stop())
}

func TestMockCameraDoubleStartRejected(t *testing.T) {
	t.Parallel()

	cam := NewMockCamera(MockCameraConfig{FPS: 100})
	require.NoError(t, cam.Open())
	require.NoError(t, cam.Start(context.Background(), func(*frame.Frame) {}, nil))
	defer cam.Stop()

	assert.Error(t, cam.Start(context.Background(), func(*frame.Frame) {}, nil))
}

func TestMockCameraFaultAfterConfiguredFrames(t *testing.T) {
	t.Parallel()

	cam := NewMockCamera(MockCameraConfig{
		WidthPx: 4, HeightPx: 4, FPS: 500,
		FailAfterFrames: 2,
	})
	require.NoError(t, cam.Open())

	var delivered atomic.Int64
	faults := make(chan error, 1)
	require.NoError(t, cam.Start(context.Background(), func(*frame.Frame) {
		delivered.Add(1)
	}, func(err error) {
		faults <- err
	}))
	defer cam.Stop()

	select {
	case err := <-faults:
		assert.Error(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("camera never faulted")
	}
	assert.Equal(t, int64(2), delivered.Load())
}

func TestMockDisplay(t *testing.T) {
	t.Parallel()

	d := NewMockDisplay()
	require.NoError(t, d.PresentFrame(&frame.Frame{FrameID: 9}))
	require.NoError(t, d.PresentFrame(&frame.Frame{FrameID: 11}))

	assert.Equal(t, uint64(2), d.PresentedCount())
	assert.Equal(t, uint64(11), d.LastFrameID())

	ts, err := d.HardwareTimerMicros()
	require.NoError(t, err)
	assert.NotZero(t, ts)
}
