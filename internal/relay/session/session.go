// Package session holds per-client relay state: identity, display name, room
// membership, the last reported pose and the outbound frame queue.
package session

import (
	"sync"
	"time"

	"github.com/google/uuid"
)

// Pose is a self-reported position and heading.
type Pose struct {
	X   float64
	Y   float64
	Z   float64
	Yaw float64
}

// State is the public, point-in-time view of a session included in room snapshots.
type State struct {
	ID   string  `json:"id"`
	Name string  `json:"name"`
	X    float64 `json:"x"`
	Y    float64 `json:"y"`
	Z    float64 `json:"z"`
	Yaw  float64 `json:"yaw"`
	// TS is the unix millisecond time of the last accepted update.
	TS int64 `json:"ts"`
}

// Session tracks one connected client.
// All methods are safe for concurrent use.
type Session struct {
	id     string
	outbox *Outbox

	mu        sync.RWMutex
	name      string
	roomID    string
	pose      Pose
	updatedAt time.Time
}

// NewID returns a fresh opaque session identifier.
func NewID() string {
	return uuid.NewString()
}

// New creates a session outside any room.
//
// Precondition: id must be non-empty and unique; outbox must be non-nil.
// Postcondition: RoomID is empty and the update timestamp is now.
func New(id, name string, pose Pose, outbox *Outbox) *Session {
	return &Session{
		id:        id,
		outbox:    outbox,
		name:      name,
		pose:      pose,
		updatedAt: time.Now(),
	}
}

// ID returns the session identifier.
func (s *Session) ID() string { return s.id }

// Outbox returns the session's outbound frame queue.
func (s *Session) Outbox() *Outbox { return s.outbox }

// Name returns the current display name.
func (s *Session) Name() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.name
}

// SetName replaces the display name.
func (s *Session) SetName(name string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.name = name
}

// RoomID returns the room the session is in, or "" when it is in none.
func (s *Session) RoomID() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.roomID
}

// SetRoomID records room membership. Only the room registry calls this, while
// holding its own lock, so membership and the registry never disagree.
func (s *Session) SetRoomID(roomID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.roomID = roomID
}

// Pose returns the last reported pose.
func (s *Session) Pose() Pose {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.pose
}

// UpdatePose replaces the pose and stamps the update time.
func (s *Session) UpdatePose(p Pose) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.pose = p
	s.updatedAt = time.Now()
}

// State returns a consistent copy of the public fields.
func (s *Session) State() State {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return State{
		ID:   s.id,
		Name: s.name,
		X:    s.pose.X,
		Y:    s.pose.Y,
		Z:    s.pose.Z,
		Yaw:  s.pose.Yaw,
		TS:   s.updatedAt.UnixMilli(),
	}
}
