// Package room provides the room registry: which sessions share position
// broadcasts, with rooms created on first join and removed on last leave.
package room

import (
	"errors"
	"fmt"
	"sort"
	"sync"
	"unicode/utf8"

	"go.uber.org/zap"

	"github.com/cory-johannsen/posrelay/internal/observability"
	"github.com/cory-johannsen/posrelay/internal/relay/protocol"
	"github.com/cory-johannsen/posrelay/internal/relay/session"
)

// ErrInvalidRoom is returned by Join for an empty or oversized room identifier.
var ErrInvalidRoom = errors.New("invalid room")

// Frame is a consistent view of one non-empty room: its snapshot and the
// sessions that should receive it.
type Frame struct {
	RoomID     string
	Players    []session.State
	Recipients []*session.Session
}

// Registry maps room identifiers to their member sessions.
//
// Invariant: a room is present iff it has at least one member, and a session
// is a member of at most one room. All methods are safe for concurrent use;
// no lock is held while frames are pushed to session outboxes.
type Registry struct {
	maxRoomLen int
	logger     *zap.Logger
	metrics    *observability.Metrics

	mu    sync.RWMutex
	rooms map[string]map[string]*session.Session // roomID → session ID → session
}

// NewRegistry creates an empty Registry.
//
// Precondition: maxRoomLen >= 1; logger and metrics must be non-nil.
func NewRegistry(maxRoomLen int, logger *zap.Logger, metrics *observability.Metrics) *Registry {
	return &Registry{
		maxRoomLen: maxRoomLen,
		logger:     logger,
		metrics:    metrics,
		rooms:      make(map[string]map[string]*session.Session),
	}
}

// Join places sess in roomID, leaving any other room first, then pushes a
// state frame to every member of roomID including sess.
//
// Precondition: roomID has already been sanitized.
// Postcondition: Returns an error wrapping ErrInvalidRoom, with no mutation, when
// roomID is empty or longer than the configured bound.
func (r *Registry) Join(sess *session.Session, roomID string) error {
	if roomID == "" || utf8.RuneCountInString(roomID) > r.maxRoomLen {
		return fmt.Errorf("%w: %q", ErrInvalidRoom, roomID)
	}

	r.mu.Lock()
	oldRoomID := sess.RoomID()
	moved := oldRoomID != "" && oldRoomID != roomID
	var departed []*session.Session
	if moved {
		departed = r.removeLocked(sess, oldRoomID)
	}

	members, ok := r.rooms[roomID]
	if !ok {
		members = make(map[string]*session.Session)
		r.rooms[roomID] = members
	}
	members[sess.ID()] = sess
	sess.SetRoomID(roomID)
	joined := r.frameLocked(roomID)
	r.metrics.Rooms.Set(float64(len(r.rooms)))
	r.mu.Unlock()

	if moved {
		r.logger.Debug("session left room",
			zap.String("session", sess.ID()),
			zap.String("room", oldRoomID),
			zap.Int("remaining", len(departed)),
		)
		r.pushLeft(sess.ID(), departed)
	}
	r.logger.Debug("session joined room",
		zap.String("session", sess.ID()),
		zap.String("room", roomID),
		zap.Int("members", len(joined.Recipients)),
	)

	frame, err := protocol.Encode(protocol.NewState(roomID, joined.Players))
	if err != nil {
		r.logger.Error("encoding join state", zap.String("room", roomID), zap.Error(err))
		return nil
	}
	Deliver(joined.Recipients, protocol.TypeState, frame, r.metrics)
	return nil
}

// Leave removes sess from its room and pushes a left frame to the remaining
// members. It is a no-op when sess is in no room.
//
// Postcondition: sess.RoomID() is empty; an emptied room no longer exists.
func (r *Registry) Leave(sess *session.Session) {
	r.mu.Lock()
	roomID := sess.RoomID()
	if roomID == "" {
		r.mu.Unlock()
		return
	}
	remaining := r.removeLocked(sess, roomID)
	r.metrics.Rooms.Set(float64(len(r.rooms)))
	r.mu.Unlock()

	r.logger.Debug("session left room",
		zap.String("session", sess.ID()),
		zap.String("room", roomID),
		zap.Int("remaining", len(remaining)),
	)
	r.pushLeft(sess.ID(), remaining)
}

// Snapshot returns the public state of every member of roomID, ordered by
// session ID. An unknown room yields an empty slice.
func (r *Registry) Snapshot(roomID string) []session.State {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if _, ok := r.rooms[roomID]; !ok {
		return []session.State{}
	}
	return r.frameLocked(roomID).Players
}

// Frames returns one Frame per non-empty room, all taken under a single read lock.
func (r *Registry) Frames() []Frame {
	r.mu.RLock()
	defer r.mu.RUnlock()

	frames := make([]Frame, 0, len(r.rooms))
	for roomID, members := range r.rooms {
		if len(members) == 0 {
			continue
		}
		frames = append(frames, r.frameLocked(roomID))
	}
	return frames
}

// Rooms returns the identifiers of all current rooms, sorted.
func (r *Registry) Rooms() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	ids := make([]string, 0, len(r.rooms))
	for id := range r.rooms {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Has reports whether roomID currently exists.
func (r *Registry) Has(roomID string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.rooms[roomID]
	return ok
}

// Stats returns the number of rooms and the number of sessions in them.
func (r *Registry) Stats() (rooms, members int) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	for _, m := range r.rooms {
		members += len(m)
	}
	return len(r.rooms), members
}

// removeLocked deletes sess from roomID, dropping the room when it empties,
// and returns the remaining members. Caller holds r.mu for writing.
func (r *Registry) removeLocked(sess *session.Session, roomID string) []*session.Session {
	sess.SetRoomID("")
	members, ok := r.rooms[roomID]
	if !ok {
		return nil
	}
	delete(members, sess.ID())
	if len(members) == 0 {
		delete(r.rooms, roomID)
		return nil
	}

	remaining := make([]*session.Session, 0, len(members))
	for _, m := range members {
		remaining = append(remaining, m)
	}
	return remaining
}

// frameLocked copies roomID's members. Caller holds r.mu.
func (r *Registry) frameLocked(roomID string) Frame {
	members := r.rooms[roomID]
	f := Frame{
		RoomID:     roomID,
		Players:    make([]session.State, 0, len(members)),
		Recipients: make([]*session.Session, 0, len(members)),
	}
	for _, m := range members {
		f.Players = append(f.Players, m.State())
		f.Recipients = append(f.Recipients, m)
	}
	sort.Slice(f.Players, func(i, j int) bool { return f.Players[i].ID < f.Players[j].ID })
	return f
}

func (r *Registry) pushLeft(id string, to []*session.Session) {
	if len(to) == 0 {
		return
	}
	frame, err := protocol.Encode(protocol.NewLeft(id))
	if err != nil {
		r.logger.Error("encoding left", zap.String("session", id), zap.Error(err))
		return
	}
	Deliver(to, protocol.TypeLeft, frame, r.metrics)
}

// Deliver pushes frame to each recipient's outbox without blocking and returns
// how many accepted it. A full or closed outbox skips that recipient; the
// loss is accepted because the next tick carries the complete room state.
func Deliver(to []*session.Session, typ string, frame []byte, metrics *observability.Metrics) int {
	sent := 0
	for _, s := range to {
		ok := s.Outbox().TrySend(frame)
		metrics.Delivered(typ, ok)
		if ok {
			sent++
		}
	}
	return sent
}
