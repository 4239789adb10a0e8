// Package trigger talks to the external timing box that fans the camera's
// exposure strobe out as TTL pulses. The box reports each pulse on its
// serial line as a text record; those reports give an independent hardware
// view of the camera cadence for post-hoc drift checks.
package trigger

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"strconv"
	"strings"

	"go.bug.st/serial"

	"github.com/meridian-neuro/retinomap/internal/monitoring"
)

// Pulse is one TTL edge reported by the timing box.
type Pulse struct {
	// Seq is the box's own pulse counter, monotonic since arming.
	Seq uint64 `json:"seq"`
	// TimestampMicros is the box-local clock at the edge.
	TimestampMicros uint64 `json:"timestamp_us"`
}

// Porter is the minimal serial surface the box needs. go.bug.st/serial's
// Port satisfies it; tests substitute an in-memory pipe.
type Porter interface {
	io.ReadWriteCloser
}

// Box is one attached timing box. Commands are queued onto the monitor
// goroutine so port writes never interleave with reads.
type Box struct {
	port     Porter
	pulses   chan Pulse
	commands chan string
}

// Open opens the timing box on its serial device at the fixed 115200 8N1
// framing the box speaks.
func Open(portName string) (*Box, error) {
	mode := &serial.Mode{
		BaudRate: 115200,
		DataBits: 8,
		Parity:   serial.NoParity,
		StopBits: serial.OneStopBit,
	}
	port, err := serial.Open(portName, mode)
	if err != nil {
		return nil, fmt.Errorf("open timing box %s: %w", portName, err)
	}
	return NewBox(port), nil
}

// NewBox wraps an already-open port. Used directly by tests.
func NewBox(port Porter) *Box {
	return &Box{
		port:     port,
		pulses:   make(chan Pulse, 64),
		commands: make(chan string),
	}
}

// Pulses returns the channel of decoded TTL pulse reports.
func (b *Box) Pulses() <-chan Pulse {
	return b.pulses
}

// Arm tells the box to start reporting pulses.
func (b *Box) Arm() { b.commands <- "ARM\n" }

// Disarm tells the box to stop reporting pulses.
func (b *Box) Disarm() { b.commands <- "DISARM\n" }

// Close closes the underlying port, which also unblocks Monitor.
func (b *Box) Close() error {
	return b.port.Close()
}

// Monitor reads pulse reports from the port and forwards queued commands.
// It returns when the context is cancelled or the port closes.
func (b *Box) Monitor(ctx context.Context) error {
	defer close(b.pulses)
	scan := bufio.NewScanner(b.port)

	for {
		select {
		case <-ctx.Done():
			return nil
		case command := <-b.commands:
			if _, err := b.port.Write([]byte(command)); err != nil {
				monitoring.Logf("trigger: write command: %v", err)
			}
		default:
			if !scan.Scan() {
				return scan.Err()
			}
			pulse, ok := parsePulse(scan.Text())
			if !ok {
				continue
			}
			select {
			case b.pulses <- pulse:
			case <-ctx.Done():
				return nil
			}
		}
	}
}

// parsePulse decodes one report line. The box emits "P <seq> <micros>";
// anything else (boot banner, command echo) is skipped.
func parsePulse(line string) (Pulse, bool) {
	fields := strings.Fields(strings.TrimSpace(line))
	if len(fields) != 3 || fields[0] != "P" {
		return Pulse{}, false
	}
	seq, err := strconv.ParseUint(fields[1], 10, 64)
	if err != nil {
		return Pulse{}, false
	}
	ts, err := strconv.ParseUint(fields[2], 10, 64)
	if err != nil {
		return Pulse{}, false
	}
	return Pulse{Seq: seq, TimestampMicros: ts}, true
}
