package acq

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestCoordinatorStartsIdle(t *testing.T) {
	t.Parallel()

	c := NewCoordinator()
	assert.Equal(t, ModeIdle, c.Mode())
	assert.Empty(t, c.CurrentSession())
}

func TestLegalTransitionCycle(t *testing.T) {
	t.Parallel()

	c := NewCoordinator()

	assert.True(t, c.TransitionToPreview())
	assert.Equal(t, ModePreview, c.Mode())

	// Recording is illegal from Preview.
	assert.False(t, c.TransitionToRecording("sess"))
	assert.Equal(t, ModePreview, c.Mode())
	assert.Empty(t, c.CurrentSession())

	assert.True(t, c.TransitionToIdle())
	assert.Equal(t, ModeIdle, c.Mode())

	assert.True(t, c.TransitionToRecording("sess"))
	assert.Equal(t, ModeRecording, c.Mode())
	assert.Equal(t, "sess", c.CurrentSession())
}

func TestRecordingWhileRecordingRejected(t *testing.T) {
	t.Parallel()

	c := NewCoordinator()
	assert.True(t, c.TransitionToRecording("first"))

	assert.False(t, c.TransitionToRecording("second"))
	assert.Equal(t, "first", c.CurrentSession())
	assert.Equal(t, ModeRecording, c.Mode())
}

func TestIdleClearsSession(t *testing.T) {
	t.Parallel()

	c := NewCoordinator()
	c.TransitionToRecording("sess")
	assert.True(t, c.TransitionToIdle())
	assert.Empty(t, c.CurrentSession())

	// Idle to Idle is a permitted no-op.
	assert.True(t, c.TransitionToIdle())
}

func TestPlaybackOnlyFromIdle(t *testing.T) {
	t.Parallel()

	c := NewCoordinator()
	assert.True(t, c.TransitionToPlayback())
	assert.False(t, c.TransitionToPreview())
	assert.False(t, c.TransitionToPlayback())
	assert.True(t, c.TransitionToIdle())
	assert.True(t, c.TransitionToPreview())
}

func TestSnapshotIsConsistent(t *testing.T) {
	t.Parallel()

	c := NewCoordinator()
	var wg sync.WaitGroup
	stop := make(chan struct{})

	wg.Add(1)
	go func() {
		defer wg.Done()
		for {
			select {
			case <-stop:
				return
			default:
				c.TransitionToRecording("sess")
				c.TransitionToIdle()
			}
		}
	}()

	for i := 0; i < 1000; i++ {
		mode, session := c.Snapshot()
		if mode == ModeRecording {
			assert.Equal(t, "sess", session)
		} else {
			assert.Empty(t, session)
		}
	}
	close(stop)
	wg.Wait()
}
