package frame

import (
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMetadataWireRoundTrip(t *testing.T) {
	t.Parallel()

	in := Metadata{
		FrameID:       987654,
		WidthPx:       1920,
		HeightPx:      1080,
		Channels:      ChannelsGrayscale,
		DataSizeBytes: 2073600,
		Direction:     BottomToTop,
		FrameIndex:    41,
		TotalFrames:   90,
		AngleDegrees:  -31.5,
	}

	buf, err := in.MarshalBinary()
	require.NoError(t, err)
	require.Len(t, buf, WireSize)

	var out Metadata
	require.NoError(t, out.UnmarshalBinary(buf))
	if diff := cmp.Diff(in, out); diff != "" {
		t.Errorf("record changed across the wire (-sent +received):\n%s", diff)
	}
}

func TestMetadataWireEmptyDirection(t *testing.T) {
	t.Parallel()

	in := Metadata{
		FrameID:       1,
		WidthPx:       64,
		HeightPx:      32,
		Channels:      ChannelsGrayscale,
		DataSizeBytes: 2048,
	}

	buf, err := in.MarshalBinary()
	require.NoError(t, err)

	var out Metadata
	require.NoError(t, out.UnmarshalBinary(buf))
	assert.Equal(t, Direction(""), out.Direction)
}

func TestMarshalRejectsInvalidRecord(t *testing.T) {
	t.Parallel()

	m := Metadata{WidthPx: 10, HeightPx: 10, Channels: ChannelsGrayscale, DataSizeBytes: 99}
	_, err := m.MarshalBinary()
	assert.Error(t, err)
}

func TestUnmarshalRejectsCorruptInput(t *testing.T) {
	t.Parallel()

	good := Metadata{
		FrameID: 7, WidthPx: 8, HeightPx: 8,
		Channels: ChannelsGrayscale, DataSizeBytes: 64,
	}
	buf, err := good.MarshalBinary()
	require.NoError(t, err)

	t.Run("short buffer", func(t *testing.T) {
		var m Metadata
		assert.Error(t, m.UnmarshalBinary(buf[:WireSize-1]))
	})

	t.Run("bad magic", func(t *testing.T) {
		corrupt := append([]byte(nil), buf...)
		corrupt[0] ^= 0xff
		var m Metadata
		assert.Error(t, m.UnmarshalBinary(corrupt))
	})

	t.Run("bad version", func(t *testing.T) {
		corrupt := append([]byte(nil), buf...)
		corrupt[2] = 99
		var m Metadata
		assert.Error(t, m.UnmarshalBinary(corrupt))
	})
}
