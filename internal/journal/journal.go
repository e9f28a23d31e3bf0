// Package journal mirrors relay events to external sinks without ever holding up
// the relay. Events are queued, and a single worker hands them to each sink.
package journal

import (
	"context"
	"encoding/json"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/cory-johannsen/voxel-relay/internal/config"
	"github.com/cory-johannsen/voxel-relay/internal/relay/protocol"
)

// Kind names the relay transition an Event records.
type Kind string

const (
	KindJoined      Kind = "joined"
	KindMoved       Kind = "moved"
	KindLeft        Kind = "left"
	KindBlockUpdate Kind = "blockUpdate"
)

// Event is one relay transition.
type Event struct {
	Kind       Kind            `json:"kind"`
	Instance   string          `json:"instance"`
	SessionID  string          `json:"sessionId"`
	RemoteAddr string          `json:"remoteAddr,omitempty"`
	Position   *protocol.Vec3  `json:"position,omitempty"`
	Rotation   *protocol.Vec3  `json:"rotation,omitempty"`
	Payload    json.RawMessage `json:"payload,omitempty"`
	At         time.Time       `json:"at"`
}

// Sink receives journal events.
type Sink interface {
	// Name identifies the sink in logs.
	Name() string
	// Write stores or forwards one event.
	Write(ctx context.Context, evt Event) error
}

// Journal queues events and delivers them to its sinks in order.
type Journal struct {
	instance string
	sinks    []Sink
	timeout  time.Duration
	logger   *zap.Logger

	queue    chan Event
	quit     chan struct{}
	stopOnce sync.Once
	dropped  atomic.Uint64
}

// New creates a Journal.
//
// Precondition: cfg must be valid; logger must be non-nil.
// Postcondition: Returns a Journal whose Record is a no-op when sinks is empty.
func New(cfg config.JournalConfig, instance string, logger *zap.Logger, sinks ...Sink) *Journal {
	return &Journal{
		instance: instance,
		sinks:    sinks,
		timeout:  cfg.WriteTimeout,
		logger:   logger,
		queue:    make(chan Event, cfg.QueueSize),
		quit:     make(chan struct{}),
	}
}

// Record enqueues an event, stamping it with the journal's instance ID. It never
// blocks: when the queue is full the event is dropped and counted.
func (j *Journal) Record(evt Event) {
	if len(j.sinks) == 0 {
		return
	}
	evt.Instance = j.instance
	select {
	case j.queue <- evt:
	default:
		n := j.dropped.Add(1)
		j.logger.Warn("journal queue full, dropping event",
			zap.String("kind", string(evt.Kind)),
			zap.String("session_id", evt.SessionID),
			zap.Uint64("dropped_total", n),
		)
	}
}

// Dropped returns the number of events discarded because the queue was full.
func (j *Journal) Dropped() uint64 {
	return j.dropped.Load()
}

// Run delivers queued events until ctx is cancelled or Stop is called. Events
// still queued at Stop are flushed before Run returns.
func (j *Journal) Run(ctx context.Context) error {
	j.logger.Info("journal running",
		zap.Int("sinks", len(j.sinks)),
		zap.Int("queue_size", cap(j.queue)),
	)
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-j.quit:
			j.flush(ctx)
			return nil
		case evt := <-j.queue:
			j.deliver(ctx, evt)
		}
	}
}

// Stop asks Run to flush and return. Safe to call more than once.
func (j *Journal) Stop() {
	j.stopOnce.Do(func() { close(j.quit) })
}

func (j *Journal) flush(ctx context.Context) {
	for {
		select {
		case evt := <-j.queue:
			j.deliver(ctx, evt)
		default:
			return
		}
	}
}

func (j *Journal) deliver(ctx context.Context, evt Event) {
	for _, sink := range j.sinks {
		writeCtx, cancel := context.WithTimeout(ctx, j.timeout)
		err := sink.Write(writeCtx, evt)
		cancel()
		if err != nil {
			j.logger.Warn("journal sink write failed",
				zap.String("sink", sink.Name()),
				zap.String("kind", string(evt.Kind)),
				zap.String("session_id", evt.SessionID),
				zap.Error(err),
			)
		}
	}
}
