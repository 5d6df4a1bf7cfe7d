package room

import (
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest"
	"pgregory.net/rapid"

	"github.com/cory-johannsen/posrelay/internal/observability"
	"github.com/cory-johannsen/posrelay/internal/relay/protocol"
	"github.com/cory-johannsen/posrelay/internal/relay/session"
)

var spawn = session.Pose{X: 18, Y: 0, Z: 18, Yaw: 0}

func newTestRegistry(t *testing.T) *Registry {
	t.Helper()
	return NewRegistry(12, zaptest.NewLogger(t), observability.NewMetrics())
}

func newSession(id, name string) *session.Session {
	return session.New(id, name, spawn, session.NewOutbox(16))
}

// drain returns every frame queued on s, decoded as generic maps.
func drain(t *testing.T, s *session.Session) []map[string]any {
	t.Helper()
	var out []map[string]any
	for {
		select {
		case b := <-s.Outbox().Frames():
			var m map[string]any
			require.NoError(t, json.Unmarshal(b, &m))
			out = append(out, m)
		default:
			return out
		}
	}
}

func TestRegistry_JoinSnapshotDefaults(t *testing.T) {
	r := newTestRegistry(t)
	s := newSession("s1", "Al")

	require.NoError(t, r.Join(s, "abc"))

	snap := r.Snapshot("abc")
	require.Len(t, snap, 1)
	assert.Equal(t, "s1", snap[0].ID)
	assert.Equal(t, "Al", snap[0].Name)
	assert.Equal(t, 18.0, snap[0].X)
	assert.Equal(t, 0.0, snap[0].Y)
	assert.Equal(t, 18.0, snap[0].Z)
	assert.Equal(t, 0.0, snap[0].Yaw)
	assert.Equal(t, "abc", s.RoomID())
}

func TestRegistry_JoinPushesStateToAllMembers(t *testing.T) {
	r := newTestRegistry(t)
	a := newSession("a", "A")
	b := newSession("b", "B")

	require.NoError(t, r.Join(a, "abc"))
	drain(t, a)
	require.NoError(t, r.Join(b, "abc"))

	for _, s := range []*session.Session{a, b} {
		frames := drain(t, s)
		require.Len(t, frames, 1, "session %s", s.ID())
		assert.Equal(t, protocol.TypeState, frames[0]["t"])
		assert.Equal(t, "abc", frames[0]["room"])
		assert.Len(t, frames[0]["players"], 2)
	}
}

func TestRegistry_JoinInvalidRoom(t *testing.T) {
	r := newTestRegistry(t)
	s := newSession("s1", "Al")

	err := r.Join(s, "")
	assert.True(t, errors.Is(err, ErrInvalidRoom))
	err = r.Join(s, "abcdefghijklm")
	assert.True(t, errors.Is(err, ErrInvalidRoom))

	assert.Empty(t, s.RoomID())
	assert.Empty(t, r.Rooms())
	assert.Empty(t, drain(t, s))
}

func TestRegistry_JoinInvalidRoomKeepsExistingMembership(t *testing.T) {
	r := newTestRegistry(t)
	s := newSession("s1", "Al")
	require.NoError(t, r.Join(s, "abc"))

	require.Error(t, r.Join(s, ""))
	assert.Equal(t, "abc", s.RoomID())
	assert.True(t, r.Has("abc"))
}

func TestRegistry_RejoinOtherRoomLeavesFirst(t *testing.T) {
	r := newTestRegistry(t)
	a := newSession("a", "A")
	b := newSession("b", "B")
	require.NoError(t, r.Join(a, "one"))
	require.NoError(t, r.Join(b, "one"))
	drain(t, a)
	drain(t, b)

	require.NoError(t, r.Join(a, "two"))

	assert.Equal(t, "two", a.RoomID())
	assert.Len(t, r.Snapshot("one"), 1)
	assert.Len(t, r.Snapshot("two"), 1)

	frames := drain(t, b)
	require.Len(t, frames, 1)
	assert.Equal(t, protocol.TypeLeft, frames[0]["t"])
	assert.Equal(t, "a", frames[0]["id"])
}

func TestRegistry_RejoinSameRoomKeepsMembership(t *testing.T) {
	r := newTestRegistry(t)
	a := newSession("a", "A")
	b := newSession("b", "B")
	require.NoError(t, r.Join(a, "one"))
	require.NoError(t, r.Join(b, "one"))
	drain(t, b)

	require.NoError(t, r.Join(a, "one"))

	assert.Len(t, r.Snapshot("one"), 2)
	frames := drain(t, b)
	require.Len(t, frames, 1)
	assert.Equal(t, protocol.TypeState, frames[0]["t"])
}

func TestRegistry_LeaveDeletesEmptyRoom(t *testing.T) {
	r := newTestRegistry(t)
	s := newSession("s1", "Al")
	require.NoError(t, r.Join(s, "abc"))

	r.Leave(s)

	assert.False(t, r.Has("abc"))
	assert.Empty(t, s.RoomID())
	assert.Empty(t, r.Snapshot("abc"))
	assert.Empty(t, r.Frames())
}

func TestRegistry_LeaveNotifiesRemaining(t *testing.T) {
	r := newTestRegistry(t)
	a := newSession("a", "A")
	b := newSession("b", "B")
	require.NoError(t, r.Join(a, "abc"))
	require.NoError(t, r.Join(b, "abc"))
	drain(t, a)
	drain(t, b)

	r.Leave(a)

	frames := drain(t, b)
	require.Len(t, frames, 1)
	assert.Equal(t, map[string]any{"t": "left", "id": "a"}, frames[0])
	assert.Empty(t, drain(t, a))

	snap := r.Snapshot("abc")
	require.Len(t, snap, 1)
	assert.Equal(t, "b", snap[0].ID)
}

func TestRegistry_LeaveWithoutRoomIsNoop(t *testing.T) {
	r := newTestRegistry(t)
	s := newSession("s1", "Al")
	r.Leave(s)
	assert.Empty(t, r.Rooms())
}

func TestRegistry_SnapshotUnknownRoom(t *testing.T) {
	r := newTestRegistry(t)
	snap := r.Snapshot("nope")
	assert.NotNil(t, snap)
	assert.Empty(t, snap)
}

func TestRegistry_SnapshotIdempotent(t *testing.T) {
	r := newTestRegistry(t)
	for i := 0; i < 5; i++ {
		require.NoError(t, r.Join(newSession(fmt.Sprintf("s%d", i), "P"), "abc"))
	}
	assert.Equal(t, r.Snapshot("abc"), r.Snapshot("abc"))
}

func TestRegistry_SnapshotReflectsPoseUpdate(t *testing.T) {
	r := newTestRegistry(t)
	s := newSession("s1", "Al")
	require.NoError(t, r.Join(s, "abc"))

	s.UpdatePose(session.Pose{X: 1, Y: 2, Z: 3, Yaw: 4})
	snap := r.Snapshot("abc")
	require.Len(t, snap, 1)
	assert.Equal(t, 1.0, snap[0].X)
	assert.Equal(t, 4.0, snap[0].Yaw)
}

func TestRegistry_FullOutboxDoesNotBlockJoin(t *testing.T) {
	r := newTestRegistry(t)
	slow := session.New("slow", "S", spawn, session.NewOutbox(1))
	require.NoError(t, r.Join(slow, "abc"))

	for i := 0; i < 10; i++ {
		require.NoError(t, r.Join(newSession(fmt.Sprintf("s%d", i), "P"), "abc"))
	}
	assert.Len(t, r.Snapshot("abc"), 11)
	assert.Len(t, slow.Outbox().Frames(), 1)
}

func TestRegistry_FramesAndStats(t *testing.T) {
	r := newTestRegistry(t)
	require.NoError(t, r.Join(newSession("a", "A"), "one"))
	require.NoError(t, r.Join(newSession("b", "B"), "one"))
	require.NoError(t, r.Join(newSession("c", "C"), "two"))

	frames := r.Frames()
	require.Len(t, frames, 2)
	byRoom := map[string]Frame{}
	for _, f := range frames {
		byRoom[f.RoomID] = f
		assert.Len(t, f.Players, len(f.Recipients))
	}
	assert.Len(t, byRoom["one"].Players, 2)
	assert.Len(t, byRoom["two"].Players, 1)

	rooms, members := r.Stats()
	assert.Equal(t, 2, rooms)
	assert.Equal(t, 3, members)
	assert.Equal(t, []string{"one", "two"}, r.Rooms())
}

func TestDeliver_SkipsClosedAndFull(t *testing.T) {
	m := observability.NewMetrics()
	open := newSession("open", "O")
	closed := newSession("closed", "C")
	closed.Outbox().Close()
	full := session.New("full", "F", spawn, session.NewOutbox(1))
	require.True(t, full.Outbox().TrySend([]byte("x")))

	sent := Deliver([]*session.Session{open, closed, full}, protocol.TypeState, []byte("frame"), m)
	assert.Equal(t, 1, sent)
	assert.Equal(t, []byte("frame"), <-open.Outbox().Frames())
}

func TestRegistry_ConcurrentJoinLeave(t *testing.T) {
	r := NewRegistry(12, zap.NewNop(), observability.NewMetrics())
	rooms := []string{"a", "b", "c"}

	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			s := newSession(fmt.Sprintf("s%d", i), "P")
			for j := 0; j < 200; j++ {
				_ = r.Join(s, rooms[(i+j)%len(rooms)])
				for len(s.Outbox().Frames()) > 0 {
					<-s.Outbox().Frames()
				}
				if j%3 == 0 {
					r.Leave(s)
				}
			}
			r.Leave(s)
		}(i)
	}
	wg.Add(1)
	go func() {
		defer wg.Done()
		for j := 0; j < 200; j++ {
			seen := map[string]bool{}
			for _, f := range r.Frames() {
				for _, p := range f.Players {
					assert.False(t, seen[p.ID], "session %s in two rooms", p.ID)
					seen[p.ID] = true
				}
			}
		}
	}()
	wg.Wait()

	assert.Empty(t, r.Rooms())
}

// Property-based tests

func TestProperty_RoomExistsIffNonEmpty(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		r := NewRegistry(12, zap.NewNop(), observability.NewMetrics())
		n := rapid.IntRange(1, 6).Draw(t, "sessions")
		sessions := make([]*session.Session, n)
		for i := range sessions {
			sessions[i] = newSession(fmt.Sprintf("s%d", i), "P")
		}
		roomGen := rapid.SampledFrom([]string{"red", "green", "blue", ""})

		t.Repeat(map[string]func(*rapid.T){
			"join": func(t *rapid.T) {
				s := rapid.SampledFrom(sessions).Draw(t, "session")
				roomID := roomGen.Draw(t, "room")
				before := s.RoomID()
				err := r.Join(s, roomID)
				if roomID == "" {
					if !errors.Is(err, ErrInvalidRoom) {
						t.Fatalf("empty room accepted")
					}
					if s.RoomID() != before {
						t.Fatalf("rejected join changed membership %q → %q", before, s.RoomID())
					}
					return
				}
				if err != nil {
					t.Fatalf("join %q: %v", roomID, err)
				}
			},
			"leave": func(t *rapid.T) {
				r.Leave(rapid.SampledFrom(sessions).Draw(t, "session"))
			},
			"": func(t *rapid.T) {
				expected := map[string]int{}
				for _, s := range sessions {
					if id := s.RoomID(); id != "" {
						expected[id]++
					}
				}
				rooms := r.Rooms()
				if len(rooms) != len(expected) {
					t.Fatalf("rooms %v, expected members %v", rooms, expected)
				}
				seen := map[string]string{}
				for _, id := range rooms {
					snap := r.Snapshot(id)
					if len(snap) == 0 || len(snap) != expected[id] {
						t.Fatalf("room %q has %d members, expected %d", id, len(snap), expected[id])
					}
					for _, p := range snap {
						if other, dup := seen[p.ID]; dup {
							t.Fatalf("session %s in rooms %q and %q", p.ID, other, id)
						}
						seen[p.ID] = id
					}
				}
			},
		})
	})
}
