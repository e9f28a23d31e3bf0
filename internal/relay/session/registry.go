package session

import (
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/cory-johannsen/voxel-relay/internal/relay/protocol"
)

// Session is the relay's record of one connected client.
type Session struct {
	// ID is assigned at connect time and never reused.
	ID string
	// RemoteAddr is the client's network address, for logs only.
	RemoteAddr string
	// ConnectedAt is when the session was registered.
	ConnectedAt time.Time
	// Position is the last position the client reported. Origin until the first report.
	Position protocol.Vec3
	// Rotation is the last rotation the client reported.
	Rotation protocol.Vec3
	// Outbox carries frames to the client's transport.
	Outbox *Outbox

	seq uint64
}

// New creates a session at the origin with an empty outbox.
//
// Precondition: id must be non-empty.
func New(id, remoteAddr string, connectedAt time.Time, outboxSize int) *Session {
	return &Session{
		ID:          id,
		RemoteAddr:  remoteAddr,
		ConnectedAt: connectedAt,
		Outbox:      NewOutbox(id, outboxSize),
	}
}

// State returns the session's id, position and rotation as sent to peers.
func (s *Session) State() protocol.ClientState {
	return protocol.ClientState{ID: s.ID, Position: s.Position, Rotation: s.Rotation}
}

// Registry maps session IDs to sessions.
// All methods are safe for concurrent use. Callers that need a read followed by a
// write to be atomic must serialize those calls themselves.
type Registry struct {
	mu       sync.RWMutex
	sessions map[string]*Session
	nextSeq  uint64
}

// NewRegistry creates an empty Registry.
func NewRegistry() *Registry {
	return &Registry{
		sessions: make(map[string]*Session),
	}
}

// Add registers a session.
//
// Postcondition: Returns an error if a session with the same ID is already registered.
func (r *Registry) Add(sess *Session) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.sessions[sess.ID]; exists {
		return fmt.Errorf("session %q already registered", sess.ID)
	}
	r.nextSeq++
	sess.seq = r.nextSeq
	r.sessions[sess.ID] = sess
	return nil
}

// Remove unregisters a session.
//
// Postcondition: Returns the removed session and true, or nil and false if the ID
// was not registered.
func (r *Registry) Remove(id string) (*Session, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	sess, ok := r.sessions[id]
	if !ok {
		return nil, false
	}
	delete(r.sessions, id)
	return sess, true
}

// Get returns the session for the given ID.
func (r *Registry) Get(id string) (*Session, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	sess, ok := r.sessions[id]
	return sess, ok
}

// Contains reports whether id is registered.
func (r *Registry) Contains(id string) bool {
	_, ok := r.Get(id)
	return ok
}

// Len returns the number of registered sessions.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.sessions)
}

// Recipients returns every registered session except exclude, in join order.
// The returned slice is a copy; the registry may change after it is taken.
func (r *Registry) Recipients(exclude string) []*Session {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]*Session, 0, len(r.sessions))
	for id, sess := range r.sessions {
		if id == exclude {
			continue
		}
		out = append(out, sess)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].seq < out[j].seq })
	return out
}

// Snapshot returns the state of every registered session except exclude, in join order.
// Session positions are only written under the relay's lock, so callers that need a
// consistent view must hold it.
func (r *Registry) Snapshot(exclude string) []protocol.ClientState {
	recipients := r.Recipients(exclude)
	states := make([]protocol.ClientState, 0, len(recipients))
	for _, sess := range recipients {
		states = append(states, sess.State())
	}
	return states
}
