// Package controlbus carries the rig's out-of-band control traffic over two
// independent UDP channels: a low-frequency health channel for heartbeats and
// a sync channel for command/response correlation. The channels bind distinct
// addresses so heavy command traffic can never delay health polling.
package controlbus

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/meridian-neuro/retinomap/internal/monitoring"
	"github.com/meridian-neuro/retinomap/internal/timeutil"
)

// SyncMessage is one command/response correlation message. ID is assigned by
// the bus when empty so replies can reference the originating message.
type SyncMessage struct {
	ID      string          `json:"id"`
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// Heartbeat is the periodic health report.
type Heartbeat struct {
	State         string  `json:"state"`
	Session       string  `json:"session,omitempty"`
	FramesWritten uint64  `json:"frames_written"`
	DroppedFrames uint64  `json:"dropped_frames"`
	UptimeSeconds float64 `json:"uptime_seconds"`
}

// StatusSource supplies the current heartbeat body. It must be cheap and
// must never block; it runs on the health goroutine.
type StatusSource func() Heartbeat

// Config configures a Bus.
type Config struct {
	// HealthAddr and SyncAddr are the two destination addresses. They must
	// differ; health traffic never shares a socket with command traffic.
	HealthAddr string
	SyncAddr   string
	// HeartbeatInterval defaults to one second.
	HeartbeatInterval time.Duration
	// Clock defaults to the real clock; tests inject a mock.
	Clock timeutil.Clock
	// QueueSize bounds the outbound sync queue (default 256).
	QueueSize int
}

// Stats is a snapshot of bus counters.
type Stats struct {
	SyncSent       uint64 `json:"sync_sent"`
	SyncDropped    uint64 `json:"sync_dropped"`
	HeartbeatsSent uint64 `json:"heartbeats_sent"`
	SendFailures   uint64 `json:"send_failures"`
}

// Bus is the multi-channel control bus. Sends are fire-and-forget with
// at-most-once delivery; the caller never blocks on the network.
type Bus struct {
	cfg        Config
	healthConn *net.UDPConn
	syncConn   *net.UDPConn
	outbound   chan []byte
	started    time.Time

	mu      sync.Mutex
	stats   Stats
	closed  bool
	running bool
}

// New creates a Bus with both endpoints dialed.
func New(cfg Config) (*Bus, error) {
	if cfg.HealthAddr == "" || cfg.SyncAddr == "" {
		return nil, fmt.Errorf("controlbus: both health and sync addresses are required")
	}
	if cfg.HealthAddr == cfg.SyncAddr {
		return nil, fmt.Errorf("controlbus: health and sync channels must bind distinct addresses")
	}
	if cfg.HeartbeatInterval <= 0 {
		cfg.HeartbeatInterval = time.Second
	}
	if cfg.Clock == nil {
		cfg.Clock = timeutil.RealClock{}
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = 256
	}

	healthConn, err := dialUDP(cfg.HealthAddr)
	if err != nil {
		return nil, fmt.Errorf("controlbus: health channel: %w", err)
	}
	syncConn, err := dialUDP(cfg.SyncAddr)
	if err != nil {
		healthConn.Close()
		return nil, fmt.Errorf("controlbus: sync channel: %w", err)
	}

	return &Bus{
		cfg:        cfg,
		healthConn: healthConn,
		syncConn:   syncConn,
		outbound:   make(chan []byte, cfg.QueueSize),
		started:    cfg.Clock.Now(),
	}, nil
}

func dialUDP(addr string) (*net.UDPConn, error) {
	udpAddr, err := net.ResolveUDPAddr("udp", addr)
	if err != nil {
		return nil, fmt.Errorf("resolve %q: %w", addr, err)
	}
	conn, err := net.DialUDP("udp", nil, udpAddr)
	if err != nil {
		return nil, fmt.Errorf("dial %q: %w", addr, err)
	}
	return conn, nil
}

// Start launches the sync sender and the heartbeat loop. Both exit when ctx
// ends.
func (b *Bus) Start(ctx context.Context, status StatusSource) error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return fmt.Errorf("controlbus: bus closed")
	}
	if b.running {
		b.mu.Unlock()
		return fmt.Errorf("controlbus: already started")
	}
	b.running = true
	b.mu.Unlock()

	go b.senderLoop(ctx)
	go b.heartbeatLoop(ctx, status)
	return nil
}

func (b *Bus) senderLoop(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case packet := <-b.outbound:
			_, err := b.syncConn.Write(packet)
			b.mu.Lock()
			if err != nil {
				b.stats.SendFailures++
			} else {
				b.stats.SyncSent++
			}
			b.mu.Unlock()
		}
	}
}

func (b *Bus) heartbeatLoop(ctx context.Context, status StatusSource) {
	ticker := b.cfg.Clock.NewTicker(b.cfg.HeartbeatInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C():
			hb := Heartbeat{}
			if status != nil {
				hb = status()
			}
			hb.UptimeSeconds = b.cfg.Clock.Since(b.started).Seconds()
			buf, err := json.Marshal(hb)
			if err != nil {
				continue
			}
			_, err = b.healthConn.Write(buf)
			b.mu.Lock()
			if err != nil {
				b.stats.SendFailures++
			} else {
				b.stats.HeartbeatsSent++
			}
			b.mu.Unlock()
		}
	}
}

// SendSync queues a sync-channel message. It never blocks: when the sender
// has fallen behind, the message is dropped and counted. Returns the message
// ID assigned for correlation.
func (b *Bus) SendSync(msg SyncMessage) string {
	if msg.ID == "" {
		msg.ID = uuid.NewString()
	}
	buf, err := json.Marshal(msg)
	if err != nil {
		b.mu.Lock()
		b.stats.SyncDropped++
		b.mu.Unlock()
		return msg.ID
	}
	select {
	case b.outbound <- buf:
	default:
		b.mu.Lock()
		b.stats.SyncDropped++
		b.mu.Unlock()
		monitoring.Logf("controlbus: sync queue full, dropped %s message", msg.Type)
	}
	return msg.ID
}

// Stats returns a snapshot of bus counters.
func (b *Bus) Stats() Stats {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.stats
}

// Cleanup closes both bound endpoints. Idempotent.
func (b *Bus) Cleanup() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil
	}
	b.closed = true
	var firstErr error
	if err := b.healthConn.Close(); err != nil {
		firstErr = err
	}
	if err := b.syncConn.Close(); err != nil && firstErr == nil {
		firstErr = err
	}
	return firstErr
}
