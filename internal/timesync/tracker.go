// Package timesync tracks the pairing of camera exposure timestamps with
// stimulus presentation timestamps. The camera and the display run on
// independent hardware clocks; the offset series recorded here is the only
// evidence of drift between them.
package timesync

import (
	"sync"

	"gonum.org/v1/gonum/stat"
)

// Sample is one camera/stimulus timestamp pairing.
type Sample struct {
	CameraTimestampMicros   uint64 `json:"camera_timestamp_us"`
	StimulusTimestampMicros uint64 `json:"stimulus_timestamp_us"`
	FrameID                 uint64 `json:"frame_id"`
}

// Statistics summarises the (stimulus_ts - camera_ts) offset series.
type Statistics struct {
	Count              int     `json:"count"`
	MeanOffsetMicros   float64 `json:"mean_offset_us"`
	StdDevOffsetMicros float64 `json:"stddev_offset_us"`
	MinOffsetMicros    float64 `json:"min_offset_us"`
	MaxOffsetMicros    float64 `json:"max_offset_us"`
}

// Data is the result of a tracker query.
type Data struct {
	Samples    []Sample   `json:"samples"`
	Statistics Statistics `json:"statistics"`
}

// DefaultMaxHistory bounds the sample history when the caller does not.
const DefaultMaxHistory = 10000

// Tracker keeps a bounded append-only history of synchronization samples.
// Recording is gated by Enable/Disable so a disabled tracker costs one mutex
// acquisition and nothing else.
type Tracker struct {
	mu         sync.Mutex
	enabled    bool
	maxHistory int
	samples    []Sample
	head       int
	count      int
}

// NewTracker creates a disabled Tracker holding at most maxHistory samples.
// A non-positive maxHistory selects DefaultMaxHistory.
func NewTracker(maxHistory int) *Tracker {
	if maxHistory <= 0 {
		maxHistory = DefaultMaxHistory
	}
	return &Tracker{
		maxHistory: maxHistory,
		samples:    make([]Sample, maxHistory),
	}
}

// Enable turns on sample recording.
func (t *Tracker) Enable() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.enabled = true
}

// Disable turns off sample recording. Existing samples are retained.
func (t *Tracker) Disable() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.enabled = false
}

// IsEnabled reports whether Record has any effect.
func (t *Tracker) IsEnabled() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.enabled
}

// Record appends a sample. Once the history is full the oldest sample is
// dropped silently. A disabled tracker discards the sample.
func (t *Tracker) Record(cameraTSMicros, stimulusTSMicros, frameID uint64) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if !t.enabled {
		return
	}
	idx := (t.head + t.count) % t.maxHistory
	t.samples[idx] = Sample{
		CameraTimestampMicros:   cameraTSMicros,
		StimulusTimestampMicros: stimulusTSMicros,
		FrameID:                 frameID,
	}
	if t.count == t.maxHistory {
		t.head = (t.head + 1) % t.maxHistory
	} else {
		t.count++
	}
}

// Data returns a copy of the sample history in arrival order plus offset
// statistics over the retained window.
func (t *Tracker) Data() Data {
	t.mu.Lock()
	defer t.mu.Unlock()

	samples := make([]Sample, t.count)
	offsets := make([]float64, t.count)
	for i := 0; i < t.count; i++ {
		s := t.samples[(t.head+i)%t.maxHistory]
		samples[i] = s
		offsets[i] = float64(s.StimulusTimestampMicros) - float64(s.CameraTimestampMicros)
	}

	stats := Statistics{Count: t.count}
	if t.count > 0 {
		stats.MeanOffsetMicros = stat.Mean(offsets, nil)
		stats.MinOffsetMicros = offsets[0]
		stats.MaxOffsetMicros = offsets[0]
		for _, v := range offsets {
			if v < stats.MinOffsetMicros {
				stats.MinOffsetMicros = v
			}
			if v > stats.MaxOffsetMicros {
				stats.MaxOffsetMicros = v
			}
		}
	}
	if t.count > 1 {
		stats.StdDevOffsetMicros = stat.StdDev(offsets, nil)
	}

	return Data{Samples: samples, Statistics: stats}
}

// Count returns the number of retained samples.
func (t *Tracker) Count() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.count
}

// Clear resets the history between sessions. The enabled flag is unchanged.
func (t *Tracker) Clear() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.head = 0
	t.count = 0
}
