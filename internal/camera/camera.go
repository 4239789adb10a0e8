// Package camera defines the narrow capability interfaces for the imaging
// hardware. Vendor SDK bindings live behind these interfaces; the rest of the
// system only ever sees open/start/stop, a frame-arrival callback, and a
// presentation surface.
package camera

import (
	"context"

	"github.com/meridian-neuro/retinomap/internal/frame"
)

// FrameCallback is invoked on the acquisition goroutine for every frame the
// camera delivers. The callback borrows the frame; it must not retain the
// byte slice past the call unless it copies.
type FrameCallback func(f *frame.Frame)

// FaultCallback is invoked at most once when the camera stops delivering
// frames mid-acquisition. It distinguishes a mid-session loss from a camera
// that was simply absent at startup.
type FaultCallback func(err error)

// Driver is the camera capability interface.
type Driver interface {
	// Open prepares the device. It fails when the camera is absent.
	Open() error

	// Start begins frame delivery. Frames arrive on a dedicated
	// acquisition goroutine via onFrame until Stop is called, the context
	// ends, or the device faults (reported via onFault).
	Start(ctx context.Context, onFrame FrameCallback, onFault FaultCallback) error

	// Stop ends frame delivery. Safe to call when not started.
	Stop() error

	// IsAvailable reports whether the device is present and openable.
	IsAvailable() bool
}

// Display is the stimulus presentation capability interface.
type Display interface {
	// PresentFrame shows a stimulus frame on the display.
	PresentFrame(f *frame.Frame) error

	// HardwareTimerMicros returns the display's presentation clock in
	// microseconds. This clock is independent of the camera's.
	HardwareTimerMicros() (uint64, error)
}
