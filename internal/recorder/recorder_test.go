package recorder

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/meridian-neuro/retinomap/internal/frame"
)

func stimFrame(id uint64, fill byte) *frame.Frame {
	bytes := make([]byte, 16*16)
	for i := range bytes {
		bytes[i] = fill
	}
	return &frame.Frame{
		FrameID:         id,
		TimestampMicros: id * 1000,
		WidthPx:         16,
		HeightPx:        16,
		Channels:        frame.ChannelsGrayscale,
		Bytes:           bytes,
	}
}

func TestAppendsRequireOpenDirection(t *testing.T) {
	t.Parallel()

	r, err := NewRecorder(t.TempDir(), "sess")
	require.NoError(t, err)

	err = r.RecordCameraFrame(stimFrame(1, 1), 0)
	assert.Error(t, err)

	err = r.RecordStimulusEvent(StimulusEvent{Direction: frame.LeftToRight}, nil)
	assert.Error(t, err)

	require.NoError(t, r.StartRecording(frame.LeftToRight))

	// Events must match the open direction.
	err = r.RecordStimulusEvent(StimulusEvent{Direction: frame.RightToLeft}, nil)
	assert.Error(t, err)

	require.NoError(t, r.RecordStimulusEvent(StimulusEvent{Direction: frame.LeftToRight, FrameID: 1}, stimFrame(1, 9)))
	require.NoError(t, r.RecordCameraFrame(stimFrame(1, 2), 0))

	require.NoError(t, r.StopRecording())

	// A sealed window rejects further appends.
	err = r.RecordCameraFrame(stimFrame(2, 3), 1)
	assert.Error(t, err)
}

func TestStartRecordingValidation(t *testing.T) {
	t.Parallel()

	r, err := NewRecorder(t.TempDir(), "sess")
	require.NoError(t, err)

	assert.Error(t, r.StartRecording("XX"))

	require.NoError(t, r.StartRecording(frame.TopToBottom))
	assert.Error(t, r.StartRecording(frame.BottomToTop), "second open without seal must fail")

	_, err = NewRecorder(t.TempDir(), "")
	assert.Error(t, err)
}

func TestSessionInfoCountsWithoutDisk(t *testing.T) {
	t.Parallel()

	r, err := NewRecorder(t.TempDir(), "sess")
	require.NoError(t, err)

	require.NoError(t, r.StartRecording(frame.LeftToRight))
	for i := uint64(1); i <= 3; i++ {
		require.NoError(t, r.RecordStimulusEvent(StimulusEvent{
			Direction: frame.LeftToRight, FrameID: i, FrameIndex: uint32(i - 1),
		}, stimFrame(i, byte(i))))
		require.NoError(t, r.RecordCameraFrame(stimFrame(i, byte(i)), uint32(i-1)))
	}
	require.NoError(t, r.StopRecording())

	info := r.SessionInfo()
	assert.Equal(t, "sess", info.SessionName)
	assert.NotEmpty(t, info.SessionID)
	require.Contains(t, info.Directions, frame.LeftToRight)
	d := info.Directions[frame.LeftToRight]
	assert.Equal(t, 3, d.StimulusEvents)
	assert.Equal(t, 3, d.StimulusFrames)
	assert.Equal(t, 3, d.CameraFrames)
	assert.True(t, d.Sealed)
}

func TestSaveSessionLayout(t *testing.T) {
	t.Parallel()

	base := t.TempDir()
	r, err := NewRecorder(base, "mapping-01")
	require.NoError(t, err)

	for _, dir := range []frame.Direction{frame.LeftToRight, frame.RightToLeft} {
		require.NoError(t, r.StartRecording(dir))
		require.NoError(t, r.RecordStimulusEvent(StimulusEvent{
			Direction: dir, FrameID: 1, AngleDegrees: -60, TimestampMicros: 1000,
		}, stimFrame(1, 0xEE)))
		require.NoError(t, r.RecordCameraFrame(stimFrame(1, 0x11), 0))
		require.NoError(t, r.StopRecording())
	}

	require.NoError(t, r.SaveSession())

	sessionDir := filepath.Join(base, "mapping-01")
	for _, name := range []string{
		"metadata.json",
		"LR_events.json", "LR_stimulus.h5", "LR_camera.h5",
		"RL_events.json", "RL_stimulus.h5", "RL_camera.h5",
	} {
		_, err := os.Stat(filepath.Join(sessionDir, name))
		assert.NoError(t, err, "missing %s", name)
	}

	// metadata.json carries per-direction counts.
	data, err := os.ReadFile(filepath.Join(sessionDir, "metadata.json"))
	require.NoError(t, err)
	var meta sessionMetadata
	require.NoError(t, json.Unmarshal(data, &meta))
	assert.Equal(t, "mapping-01", meta.SessionName)
	assert.Len(t, meta.Directions, 2)
	assert.Equal(t, 1, meta.Directions[frame.LeftToRight].StimulusEvents)
}

func TestSaveSessionIdempotent(t *testing.T) {
	t.Parallel()

	r, err := NewRecorder(t.TempDir(), "twice")
	require.NoError(t, err)
	require.NoError(t, r.StartRecording(frame.LeftToRight))
	require.NoError(t, r.RecordCameraFrame(stimFrame(1, 1), 0))
	require.NoError(t, r.StopRecording())

	require.NoError(t, r.SaveSession())
	require.NoError(t, r.SaveSession())
	assert.True(t, r.SessionInfo().Saved)
}

func TestSaveSessionRejectsEscapingName(t *testing.T) {
	t.Parallel()

	r, err := NewRecorder(t.TempDir(), "sess")
	require.NoError(t, err)
	require.NoError(t, r.StartRecording(frame.LeftToRight))
	require.NoError(t, r.StopRecording())

	// Forge a name NewRecorder would have rejected; the containment
	// backstop must still refuse to write outside the base directory.
	r.sessionName = filepath.Join("..", "escape")
	assert.Error(t, r.SaveSession())
}

func TestSaveRejectedWhileDirectionOpen(t *testing.T) {
	t.Parallel()

	r, err := NewRecorder(t.TempDir(), "open")
	require.NoError(t, err)
	require.NoError(t, r.StartRecording(frame.LeftToRight))
	assert.Error(t, r.SaveSession())
}

func TestArchiveRoundTrip(t *testing.T) {
	t.Parallel()

	base := t.TempDir()
	r, err := NewRecorder(base, "archive")
	require.NoError(t, err)

	require.NoError(t, r.StartRecording(frame.TopToBottom))
	for i := uint64(1); i <= 4; i++ {
		require.NoError(t, r.RecordStimulusEvent(StimulusEvent{
			Direction:       frame.TopToBottom,
			FrameID:         i,
			FrameIndex:      uint32(i - 1),
			TimestampMicros: i * 100,
			AngleDegrees:    float64(i) * 1.5,
		}, stimFrame(i, byte(i))))
	}
	require.NoError(t, r.StopRecording())
	require.NoError(t, r.SaveSession())

	header, records, err := ReadArchive(filepath.Join(base, "archive", "TB_stimulus.h5"))
	require.NoError(t, err)
	assert.Equal(t, "archive", header.SessionName)
	assert.Equal(t, frame.TopToBottom, header.Direction)
	assert.Equal(t, "stimulus", header.Kind)
	assert.Equal(t, uint32(16), header.WidthPx)
	assert.Equal(t, uint32(16), header.HeightPx)
	assert.Equal(t, uint8(frame.ChannelsGrayscale), header.Channels)
	require.Len(t, records, 4)

	assert.Equal(t, uint64(2), records[1].FrameID)
	assert.Equal(t, uint64(200), records[1].TimestampMicros)
	assert.Equal(t, uint32(1), records[1].FrameIndex)
	assert.InDelta(t, 3.0, records[1].AngleDegrees, 1e-9)
	assert.Len(t, records[1].Bytes, 16*16)
	assert.Equal(t, byte(2), records[1].Bytes[0])
}

func TestCameraArchiveCarriesStimulusIndex(t *testing.T) {
	t.Parallel()

	base := t.TempDir()
	r, err := NewRecorder(base, "paired")
	require.NoError(t, err)

	require.NoError(t, r.StartRecording(frame.LeftToRight))
	for i := uint64(1); i <= 3; i++ {
		idx := uint32(i - 1)
		require.NoError(t, r.RecordStimulusEvent(StimulusEvent{
			Direction: frame.LeftToRight, FrameID: i, FrameIndex: idx, TimestampMicros: i * 100,
		}, stimFrame(i, byte(i))))
		// Camera frame ids come from a different counter than stimulus
		// ids; pairing rides on the sweep index.
		require.NoError(t, r.RecordCameraFrame(stimFrame(i+40, byte(i)), idx))
	}
	require.NoError(t, r.StopRecording())
	require.NoError(t, r.SaveSession())

	_, stimRecs, err := ReadArchive(filepath.Join(base, "paired", "LR_stimulus.h5"))
	require.NoError(t, err)
	_, camRecs, err := ReadArchive(filepath.Join(base, "paired", "LR_camera.h5"))
	require.NoError(t, err)
	require.Len(t, camRecs, 3)
	for i := range camRecs {
		assert.Equal(t, stimRecs[i].FrameIndex, camRecs[i].FrameIndex, "record %d", i)
	}
	assert.Equal(t, uint32(1), camRecs[1].FrameIndex)
}

func TestCyclesReopenDirection(t *testing.T) {
	t.Parallel()

	r, err := NewRecorder(t.TempDir(), "cycles")
	require.NoError(t, err)

	for cycle := 0; cycle < 3; cycle++ {
		require.NoError(t, r.StartRecording(frame.BottomToTop))
		require.NoError(t, r.RecordCameraFrame(stimFrame(uint64(cycle+1), 1), 0))
		require.NoError(t, r.StopRecording())
	}

	info := r.SessionInfo()
	assert.Equal(t, 3, info.Directions[frame.BottomToTop].CameraFrames)
}
