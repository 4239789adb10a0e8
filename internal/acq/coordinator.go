package acq

import "sync"

// Mode is the acquisition mode. Exactly one mode is active at a time.
type Mode string

const (
	ModeIdle      Mode = "idle"
	ModePreview   Mode = "preview"
	ModeRecording Mode = "recording"
	ModePlayback  Mode = "playback"
)

// Coordinator is the finite state machine gating which acquisition operation
// is legal at any instant. Legal transitions: Idle to any active mode, and
// any active mode back to Idle. Everything else is rejected without mutating
// state. It is the sole arbiter of mode legality; no other component
// duplicates its state.
type Coordinator struct {
	mu             sync.Mutex
	mode           Mode
	currentSession string
}

// NewCoordinator returns a Coordinator in Idle.
func NewCoordinator() *Coordinator {
	return &Coordinator{mode: ModeIdle}
}

// Mode returns the current acquisition mode.
func (c *Coordinator) Mode() Mode {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.mode
}

// CurrentSession returns the session name, set only while Recording.
func (c *Coordinator) CurrentSession() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.currentSession
}

// Snapshot returns the mode and session under a single lock acquisition so
// callers never observe a torn pair.
func (c *Coordinator) Snapshot() (Mode, string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.mode, c.currentSession
}

// TransitionToPreview moves Idle to Preview. Returns false otherwise.
func (c *Coordinator) TransitionToPreview() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.mode != ModeIdle {
		return false
	}
	c.mode = ModePreview
	return true
}

// TransitionToRecording moves Idle to Recording and sets the session name.
// Returns false, leaving mode and session unchanged, from any other mode.
func (c *Coordinator) TransitionToRecording(sessionName string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.mode != ModeIdle {
		return false
	}
	c.mode = ModeRecording
	c.currentSession = sessionName
	return true
}

// TransitionToPlayback moves Idle to Playback. Returns false otherwise.
func (c *Coordinator) TransitionToPlayback() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.mode != ModeIdle {
		return false
	}
	c.mode = ModePlayback
	return true
}

// TransitionToIdle returns to Idle from any mode and always clears the
// session. Idle to Idle is allowed and is a no-op.
func (c *Coordinator) TransitionToIdle() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.mode = ModeIdle
	c.currentSession = ""
	return true
}
