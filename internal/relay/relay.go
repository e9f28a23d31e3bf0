// Package relay implements the multiplayer session relay: it assigns each client an
// identity, keeps each client's last reported position and rotation, and fans
// state changes out to every other connected client.
package relay

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/segmentio/ksuid"
	"go.uber.org/zap"

	"github.com/cory-johannsen/voxel-relay/internal/journal"
	"github.com/cory-johannsen/voxel-relay/internal/relay/protocol"
	"github.com/cory-johannsen/voxel-relay/internal/relay/session"
)

var (
	// ErrProtocol is matched by every *ProtocolError.
	ErrProtocol = errors.New("protocol error")
	// ErrSessionClosed is returned for messages from a session that is no longer registered.
	ErrSessionClosed = errors.New("session closed")
)

// ProtocolError reports a payload that could not be decoded. The connection that
// sent it should be closed.
type ProtocolError struct {
	SessionID string
	Err       error
}

func (e *ProtocolError) Error() string {
	return fmt.Sprintf("session %s: protocol error: %v", e.SessionID, e.Err)
}

// Unwrap exposes both ErrProtocol and the underlying decode error.
func (e *ProtocolError) Unwrap() []error {
	return []error{ErrProtocol, e.Err}
}

// Recorder receives an event for every registry transition.
type Recorder interface {
	Record(evt journal.Event)
}

type nopRecorder struct{}

func (nopRecorder) Record(journal.Event) {}

// Option configures a Relay.
type Option func(*Relay)

// WithRecorder sets the event recorder. Record is called with the relay lock held
// and must not block.
func WithRecorder(rec Recorder) Option {
	return func(r *Relay) { r.recorder = rec }
}

// WithIDGenerator replaces the KSUID session ID source.
func WithIDGenerator(fn func() string) Option {
	return func(r *Relay) { r.newID = fn }
}

// WithClock replaces time.Now.
func WithClock(fn func() time.Time) Option {
	return func(r *Relay) { r.now = fn }
}

// Relay owns the session registry and mediates all cross-client traffic.
//
// Every registry read-then-write runs under mu together with the enqueue of the
// resulting broadcast, so each recipient sees a peer's init, joined, moved and left
// messages in the order the registry changed.
type Relay struct {
	mu         sync.Mutex
	sessions   *session.Registry
	outboxSize int

	newID    func() string
	now      func() time.Time
	recorder Recorder
	logger   *zap.Logger
}

// New creates a Relay with an empty registry.
//
// Precondition: logger must be non-nil.
// Postcondition: Returns a Relay ready to accept connections.
func New(outboxSize int, logger *zap.Logger, opts ...Option) *Relay {
	r := &Relay{
		sessions:   session.NewRegistry(),
		outboxSize: outboxSize,
		newID:      func() string { return ksuid.New().String() },
		now:        time.Now,
		recorder:   nopRecorder{},
		logger:     logger,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Connect registers a new client.
//
// Postcondition: The returned session is registered, its outbox holds the init
// message, and every previously registered session has been sent playerJoined.
func (r *Relay) Connect(remoteAddr string) *session.Session {
	r.mu.Lock()
	defer r.mu.Unlock()

	id := r.newID()
	for r.sessions.Contains(id) {
		r.logger.Warn("session id collision, drawing another", zap.String("session_id", id))
		id = r.newID()
	}

	sess := session.New(id, remoteAddr, r.now(), r.outboxSize)
	peers := r.sessions.Snapshot("")

	if data := r.encode(protocol.NewInit(id, peers)); data != nil {
		// The outbox is new and empty, so this cannot fail.
		_ = sess.Outbox.Push(data)
	}
	if err := r.sessions.Add(sess); err != nil {
		// Unreachable: the id was checked above under the same lock.
		r.logger.Error("registering session", zap.String("session_id", id), zap.Error(err))
	}
	r.broadcastLocked(protocol.NewPlayerJoined(id), id)

	r.recorder.Record(journal.Event{
		Kind:       journal.KindJoined,
		SessionID:  id,
		RemoteAddr: remoteAddr,
		At:         sess.ConnectedAt,
	})
	r.logger.Info("session connected",
		zap.String("session_id", id),
		zap.String("remote_addr", remoteAddr),
		zap.Int("peers", len(peers)),
	)
	return sess
}

// Receive decodes and applies one message from the session with the given ID.
//
// Postcondition: Returns a *ProtocolError for undecodable payloads, ErrSessionClosed
// when id is not registered, and nil otherwise. Unknown message types are logged and
// ignored.
func (r *Relay) Receive(id string, payload []byte) error {
	msg, err := protocol.Decode(payload)
	if err != nil {
		if errors.Is(err, protocol.ErrUnknownType) {
			r.logger.Warn("ignoring message of unknown type",
				zap.String("session_id", id),
				zap.Error(err),
			)
			return nil
		}
		return &ProtocolError{SessionID: id, Err: err}
	}

	switch m := msg.(type) {
	case *protocol.Position:
		return r.move(id, m)
	case *protocol.BlockUpdate:
		return r.relayBlock(id, m, payload)
	default:
		r.logger.Warn("ignoring message with no handler",
			zap.String("session_id", id),
			zap.String("type", string(msg.MessageType())),
		)
		return nil
	}
}

func (r *Relay) move(id string, m *protocol.Position) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	sess, ok := r.sessions.Get(id)
	if !ok {
		return fmt.Errorf("position from %s: %w", id, ErrSessionClosed)
	}
	sess.Position = m.Position
	sess.Rotation = m.Rotation

	r.broadcastLocked(protocol.NewPlayerMoved(id, m.Position, m.Rotation), id)

	position, rotation := m.Position, m.Rotation
	r.recorder.Record(journal.Event{
		Kind:      journal.KindMoved,
		SessionID: id,
		Position:  &position,
		Rotation:  &rotation,
		At:        r.now(),
	})
	return nil
}

func (r *Relay) relayBlock(id string, m *protocol.BlockUpdate, raw []byte) error {
	if !m.KnownAction() {
		r.logger.Debug("relaying block update with unrecognised action",
			zap.String("session_id", id),
			zap.String("action", m.Action),
		)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if !r.sessions.Contains(id) {
		return fmt.Errorf("block update from %s: %w", id, ErrSessionClosed)
	}
	// The decoder has rejected every key it does not know, so the received bytes
	// are forwarded as they are.
	frame := bytes.Clone(raw)
	r.deliverLocked(m.MessageType(), frame, id)

	r.recorder.Record(journal.Event{
		Kind:      journal.KindBlockUpdate,
		SessionID: id,
		Payload:   json.RawMessage(frame),
		At:        r.now(),
	})
	return nil
}

// Disconnect removes a session and tells the remaining sessions it left.
//
// Postcondition: id is no longer registered and its outbox is closed. Returns false,
// and broadcasts nothing, when id was already absent.
func (r *Relay) Disconnect(id string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	sess, ok := r.sessions.Remove(id)
	if !ok {
		return false
	}
	sess.Outbox.Close()

	r.broadcastLocked(protocol.NewPlayerLeft(id), id)

	now := r.now()
	r.recorder.Record(journal.Event{
		Kind:       journal.KindLeft,
		SessionID:  id,
		RemoteAddr: sess.RemoteAddr,
		At:         now,
	})
	r.logger.Info("session disconnected",
		zap.String("session_id", id),
		zap.Duration("duration", now.Sub(sess.ConnectedAt)),
		zap.Int("remaining", r.sessions.Len()),
	)
	return true
}

// Count returns the number of registered sessions.
func (r *Relay) Count() int {
	return r.sessions.Len()
}

// Snapshot returns a consistent copy of every session's state, in join order.
func (r *Relay) Snapshot() []protocol.ClientState {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.sessions.Snapshot("")
}

// broadcastLocked encodes msg once and delivers it to every session except exclude.
//
// Precondition: r.mu must be held.
func (r *Relay) broadcastLocked(msg protocol.Message, exclude string) (delivered int) {
	data := r.encode(msg)
	if data == nil {
		return 0
	}
	return r.deliverLocked(msg.MessageType(), data, exclude)
}

// deliverLocked pushes an encoded frame to every session except exclude. Recipients
// whose outbox is full or closed are skipped.
//
// Precondition: r.mu must be held; frame must not be modified afterwards.
func (r *Relay) deliverLocked(t protocol.Type, frame []byte, exclude string) (delivered int) {
	for _, sess := range r.sessions.Recipients(exclude) {
		if err := sess.Outbox.Push(frame); err != nil {
			r.logger.Warn("skipping broadcast recipient",
				zap.String("type", string(t)),
				zap.String("from", exclude),
				zap.String("to", sess.ID),
				zap.Error(err),
			)
			continue
		}
		delivered++
	}
	return delivered
}

func (r *Relay) encode(msg protocol.Message) []byte {
	data, err := protocol.Encode(msg)
	if err != nil {
		r.logger.Error("encoding outbound message", zap.Error(err))
		return nil
	}
	return data
}
