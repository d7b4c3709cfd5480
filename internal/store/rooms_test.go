package store

import (
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/npezzotti/chat-relay/internal/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestRoomStore(t *testing.T) *RoomStore {
	t.Helper()
	s := NewRoomStore()
	s.EnsureDefaultRooms()
	return s
}

func newTestMessage(id, roomId, senderId, senderName, text string) types.Message {
	return types.Message{
		Id:        id,
		Text:      text,
		Sender:    types.Sender{Id: senderId, Username: senderName},
		Timestamp: time.Now(),
		RoomId:    roomId,
		Reactions: map[string][]types.Reactor{},
		ReadBy:    []string{senderId},
	}
}

// membershipCount counts how many rooms list connId as a member.
func membershipCount(s *RoomStore, connId string) int {
	n := 0
	for _, r := range s.List() {
		for _, u := range r.Users {
			if u == connId {
				n++
			}
		}
	}
	return n
}

func TestEnsureDefaultRooms(t *testing.T) {
	s := NewRoomStore()
	s.EnsureDefaultRooms()
	s.EnsureDefaultRooms()

	rooms := s.List()
	require.Len(t, rooms, 2, "expected exactly two seed rooms")
	assert.Equal(t, "general", rooms[0].Id)
	assert.Equal(t, "General", rooms[0].Name)
	assert.Equal(t, "random", rooms[1].Id)
	assert.Equal(t, "Random conversations", rooms[1].Description)
}

func TestCreateRoom(t *testing.T) {
	t.Run("creator is the only member", func(t *testing.T) {
		s := newTestRoomStore(t)

		r, err := s.Create("dev", "engineering", "a")
		require.NoError(t, err)
		assert.NotEmpty(t, r.Id)
		assert.Equal(t, "dev", r.Name)
		assert.Equal(t, "engineering", r.Description)
		assert.Equal(t, []string{"a"}, r.Users)
		assert.Equal(t, "a", r.CreatedBy)

		msgs, err := s.Recent(r.Id, 0)
		require.NoError(t, err)
		assert.Empty(t, msgs)
	})

	t.Run("creator leaves its previous room", func(t *testing.T) {
		s := newTestRoomStore(t)
		require.NoError(t, s.Join("random", "a"))

		r, err := s.Create("dev", "", "a")
		require.NoError(t, err)
		assert.False(t, s.IsMember("random", "a"))
		assert.True(t, s.IsMember(r.Id, "a"))
		assert.Equal(t, 1, membershipCount(s, "a"))
	})

	t.Run("creator is never listed in zero rooms", func(t *testing.T) {
		s := newTestRoomStore(t)
		require.NoError(t, s.Join("general", "a"))

		done := make(chan struct{})
		missing := 0
		go func() {
			defer close(done)
			for i := 0; i < 500; i++ {
				s.Create(fmt.Sprintf("dev-%d", i), "", "a")
			}
		}()

	poll:
		for {
			select {
			case <-done:
				break poll
			default:
			}
			if membershipCount(s, "a") != 1 {
				missing++
			}
		}
		assert.Zero(t, missing, "expected the creator in exactly one room on every listing")
	})

	t.Run("skips colliding ids", func(t *testing.T) {
		s := newTestRoomStore(t)
		ids := []string{"general", "abc123"}
		s.generateId = func() (string, error) {
			id := ids[0]
			ids = ids[1:]
			return id, nil
		}

		r, err := s.Create("dev", "", "a")
		require.NoError(t, err)
		assert.Equal(t, "abc123", r.Id)
	})

	t.Run("id generation failure", func(t *testing.T) {
		s := newTestRoomStore(t)
		s.generateId = func() (string, error) { return "", errors.New("entropy exhausted") }

		_, err := s.Create("dev", "", "a")
		assert.Error(t, err)
		assert.Len(t, s.List(), 2)
	})
}

func TestJoinLeave(t *testing.T) {
	s := newTestRoomStore(t)

	require.NoError(t, s.Join("general", "a"))
	require.NoError(t, s.Join("general", "a"))
	assert.Equal(t, []string{"a"}, s.Members("general"), "expected membership to be a set")
	assert.True(t, s.IsMember("general", "a"))

	assert.ErrorIs(t, s.Join("missing", "a"), ErrRoomNotFound)

	s.Leave("general", "a")
	s.Leave("general", "a")
	s.Leave("missing", "a")
	assert.Empty(t, s.Members("general"))
}

func TestSwitch(t *testing.T) {
	t.Run("moves between rooms", func(t *testing.T) {
		s := newTestRoomStore(t)
		require.NoError(t, s.Join("general", "a"))

		left, err := s.Switch("a", "random")
		require.NoError(t, err)
		assert.Equal(t, []string{"general"}, left)
		assert.False(t, s.IsMember("general", "a"))
		assert.True(t, s.IsMember("random", "a"))
		assert.Equal(t, 1, membershipCount(s, "a"))
	})

	t.Run("unknown destination leaves the user in place", func(t *testing.T) {
		s := newTestRoomStore(t)
		require.NoError(t, s.Join("general", "a"))

		_, err := s.Switch("a", "missing")
		assert.ErrorIs(t, err, ErrRoomNotFound)
		assert.True(t, s.IsMember("general", "a"))
		assert.Equal(t, 1, membershipCount(s, "a"))
	})

	t.Run("switching into the current room is a no-op", func(t *testing.T) {
		s := newTestRoomStore(t)
		require.NoError(t, s.Join("general", "a"))

		left, err := s.Switch("a", "general")
		require.NoError(t, err)
		assert.Empty(t, left)
		assert.Equal(t, 1, membershipCount(s, "a"))
	})

	t.Run("deleted destination", func(t *testing.T) {
		s := newTestRoomStore(t)
		r, err := s.Create("dev", "", "b")
		require.NoError(t, err)
		require.NoError(t, s.Join("general", "a"))
		_, err = s.Delete(r.Id)
		require.NoError(t, err)

		_, err = s.Switch("a", r.Id)
		assert.ErrorIs(t, err, ErrRoomNotFound)
		assert.True(t, s.IsMember("general", "a"))
	})

	t.Run("source deleted before the switch", func(t *testing.T) {
		s := newTestRoomStore(t)
		dev, err := s.Create("dev", "", "a")
		require.NoError(t, err)
		require.NoError(t, s.Join(dev.Id, "b"))

		// b still believes it is in dev when it asks to move
		_, err = s.Delete(dev.Id)
		require.NoError(t, err)
		require.True(t, s.IsMember("general", "b"))

		left, err := s.Switch("b", "random")
		require.NoError(t, err)
		assert.Equal(t, []string{"general"}, left)
		assert.Equal(t, 1, membershipCount(s, "b"))
		assert.True(t, s.IsMember("random", "b"))
	})

	t.Run("concurrent switches keep exactly one membership", func(t *testing.T) {
		s := newTestRoomStore(t)
		dev, err := s.Create("dev", "", "")
		require.NoError(t, err)

		rooms := []string{"general", "random", dev.Id, "missing"}
		var wg sync.WaitGroup
		for u := 0; u < 10; u++ {
			connId := fmt.Sprintf("user-%d", u)
			require.NoError(t, s.Join("general", connId))

			wg.Add(1)
			go func() {
				defer wg.Done()
				for i := 0; i < 200; i++ {
					s.Switch(connId, rooms[(i+len(connId))%len(rooms)])
				}
			}()
		}
		wg.Wait()

		for u := 0; u < 10; u++ {
			assert.Equal(t, 1, membershipCount(s, fmt.Sprintf("user-%d", u)))
		}
	})
}

func TestMembership_deleteAndSwitchInterleaved(t *testing.T) {
	s := newTestRoomStore(t)
	require.NoError(t, s.Join("general", "b"))

	stop := make(chan struct{})
	violations := make(chan string, 1)
	go func() {
		for {
			select {
			case <-stop:
				close(violations)
				return
			default:
			}
			n := membershipCount(s, "b")
			if n != 1 {
				select {
				case violations <- fmt.Sprintf("b listed in %d rooms", n):
				default:
				}
			}
		}
	}()

	var wg sync.WaitGroup
	for i := 0; i < 200; i++ {
		dev, err := s.Create(fmt.Sprintf("dev-%d", i), "", "a")
		require.NoError(t, err)
		_, err = s.Switch("b", dev.Id)
		require.NoError(t, err)

		wg.Add(2)
		go func() {
			defer wg.Done()
			s.Delete(dev.Id)
		}()
		go func() {
			defer wg.Done()
			s.Switch("b", "random")
		}()
		wg.Wait()

		require.Equal(t, 1, membershipCount(s, "b"), "iteration %d", i)
	}
	close(stop)

	for v := range violations {
		t.Error(v)
	}
}

func TestLeaveAll(t *testing.T) {
	s := newTestRoomStore(t)
	require.NoError(t, s.Join("general", "a"))
	require.NoError(t, s.Join("random", "b"))

	left := s.LeaveAll("a")
	assert.Equal(t, []string{"general"}, left)
	assert.Zero(t, membershipCount(s, "a"))
	assert.Equal(t, 1, membershipCount(s, "b"))
}

func TestDeleteRoom(t *testing.T) {
	s := newTestRoomStore(t)
	r, err := s.Create("dev", "", "a")
	require.NoError(t, err)
	require.NoError(t, s.Append(r.Id, newTestMessage("m1", r.Id, "a", "alice", "hi")))

	members, err := s.Delete(r.Id)
	require.NoError(t, err)
	assert.Equal(t, []string{"a"}, members)
	assert.True(t, s.IsMember(DefaultRoomId, "a"), "expected members to be moved to the default room")
	assert.Equal(t, 1, membershipCount(s, "a"))

	_, ok := s.Get(r.Id)
	assert.False(t, ok)
	assert.Len(t, s.List(), 2)
	assert.ErrorIs(t, s.Append(r.Id, newTestMessage("m2", r.Id, "a", "alice", "hi")), ErrRoomNotFound)

	_, err = s.Delete(r.Id)
	assert.ErrorIs(t, err, ErrRoomNotFound)

	_, err = s.Delete("general")
	assert.ErrorIs(t, err, ErrForbidden)
}

func TestAppendRecent(t *testing.T) {
	s := newTestRoomStore(t)

	for i := 0; i < 60; i++ {
		msg := newTestMessage(fmt.Sprintf("m%d", i), "general", "a", "alice", fmt.Sprintf("msg %d", i))
		require.NoError(t, s.Append("general", msg))
	}

	recent, err := s.Recent("general", DefaultRecentLimit)
	require.NoError(t, err)
	require.Len(t, recent, 50)
	assert.Equal(t, "m10", recent[0].Id, "expected the oldest of the last 50")
	assert.Equal(t, "m59", recent[49].Id)

	all, err := s.Recent("general", 0)
	require.NoError(t, err)
	assert.Len(t, all, 60)

	_, err = s.Recent("missing", 10)
	assert.ErrorIs(t, err, ErrRoomNotFound)
	assert.ErrorIs(t, s.Append("missing", types.Message{}), ErrRoomNotFound)
}

func TestRecentReturnsCopies(t *testing.T) {
	s := newTestRoomStore(t)
	require.NoError(t, s.Append("general", newTestMessage("m1", "general", "a", "alice", "hi")))

	recent, err := s.Recent("general", 0)
	require.NoError(t, err)
	recent[0].ReadBy = append(recent[0].ReadBy, "intruder")
	recent[0].Reactions["x"] = []types.Reactor{{UserId: "intruder"}}

	again, err := s.Recent("general", 0)
	require.NoError(t, err)
	assert.Equal(t, []string{"a"}, again[0].ReadBy)
	assert.Empty(t, again[0].Reactions)
}

func TestToggleReaction(t *testing.T) {
	s := newTestRoomStore(t)
	require.NoError(t, s.Append("general", newTestMessage("m1", "general", "a", "alice", "hi")))

	reactions, err := s.ToggleReaction("general", "m1", "👍", "a", "alice")
	require.NoError(t, err)
	assert.Equal(t, []types.Reactor{{UserId: "a", Username: "alice"}}, reactions["👍"])

	reactions, err = s.ToggleReaction("general", "m1", "👍", "b", "bob")
	require.NoError(t, err)
	assert.Len(t, reactions["👍"], 2)

	reactions, err = s.ToggleReaction("general", "m1", "👍", "a", "alice")
	require.NoError(t, err)
	assert.Equal(t, []types.Reactor{{UserId: "b", Username: "bob"}}, reactions["👍"])

	reactions, err = s.ToggleReaction("general", "m1", "👍", "b", "bob")
	require.NoError(t, err)
	assert.NotContains(t, reactions, "👍", "expected empty bucket to be removed")

	_, err = s.ToggleReaction("general", "missing", "👍", "a", "alice")
	assert.ErrorIs(t, err, ErrMessageNotFound)
	_, err = s.ToggleReaction("missing", "m1", "👍", "a", "alice")
	assert.ErrorIs(t, err, ErrRoomNotFound)
}

func TestToggleReaction_concurrent(t *testing.T) {
	s := newTestRoomStore(t)
	require.NoError(t, s.Append("general", newTestMessage("m1", "general", "a", "alice", "hi")))

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, err := s.ToggleReaction("general", "m1", "🔥", fmt.Sprintf("u%d", i), "user")
			assert.NoError(t, err)
		}(i)
	}
	wg.Wait()

	msgs, err := s.Recent("general", 0)
	require.NoError(t, err)
	assert.Len(t, msgs[0].Reactions["🔥"], 50, "expected no toggle to be lost")
}

func TestMarkRead(t *testing.T) {
	s := newTestRoomStore(t)
	require.NoError(t, s.Append("general", newTestMessage("m1", "general", "a", "alice", "hi")))

	readBy, changed, err := s.MarkRead("general", "m1", "b")
	require.NoError(t, err)
	assert.True(t, changed)
	assert.Equal(t, []string{"a", "b"}, readBy)

	for i := 0; i < 3; i++ {
		readBy, changed, err = s.MarkRead("general", "m1", "b")
		require.NoError(t, err)
		assert.False(t, changed)
		assert.Equal(t, []string{"a", "b"}, readBy)
	}

	_, _, err = s.MarkRead("general", "missing", "b")
	assert.ErrorIs(t, err, ErrMessageNotFound)
	_, _, err = s.MarkRead("missing", "m1", "b")
	assert.ErrorIs(t, err, ErrRoomNotFound)
}

func TestSearch(t *testing.T) {
	s := newTestRoomStore(t)
	require.NoError(t, s.Append("general", newTestMessage("m1", "general", "a", "alice", "Hello world")))
	require.NoError(t, s.Append("general", newTestMessage("m2", "general", "b", "bob", "good morning")))
	require.NoError(t, s.Append("general", newTestMessage("m3", "general", "c", "Helga", "ping")))

	tcases := []struct {
		name     string
		query    string
		expected []string
	}{
		{name: "empty query", query: "", expected: []string{}},
		{name: "blank query", query: "   ", expected: []string{}},
		{name: "text match is case insensitive", query: "HELLO", expected: []string{"m1"}},
		{name: "matches sender username", query: "bob", expected: []string{"m2"}},
		{name: "text or username in log order", query: "hel", expected: []string{"m1", "m3"}},
		{name: "no match", query: "zzz", expected: []string{}},
	}

	for _, tc := range tcases {
		t.Run(tc.name, func(t *testing.T) {
			results, err := s.Search("general", tc.query)
			require.NoError(t, err)

			ids := []string{}
			for _, m := range results {
				ids = append(ids, m.Id)
			}
			assert.Equal(t, tc.expected, ids)
		})
	}

	_, err := s.Search("missing", "hello")
	assert.ErrorIs(t, err, ErrRoomNotFound)
}

func TestSearch_keepsSurroundingSpaces(t *testing.T) {
	s := newTestRoomStore(t)
	require.NoError(t, s.Append("general", newTestMessage("m1", "general", "a", "alice", "Hello world")))
	require.NoError(t, s.Append("general", newTestMessage("m2", "general", "a", "alice", "helloworld")))

	results, err := s.Search("general", " world")
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.Equal(t, "m1", results[0].Id)
}

func TestDeleteMessage(t *testing.T) {
	s := newTestRoomStore(t)
	require.NoError(t, s.Append("general", newTestMessage("m1", "general", "a", "alice", "hi")))
	require.NoError(t, s.Append("general", newTestMessage("m2", "general", "a", "alice", "there")))

	assert.ErrorIs(t, s.DeleteMessage("general", "m1", "b"), ErrForbidden)
	assert.ErrorIs(t, s.DeleteMessage("general", "missing", "a"), ErrMessageNotFound)
	assert.ErrorIs(t, s.DeleteMessage("missing", "m1", "a"), ErrRoomNotFound)

	require.NoError(t, s.DeleteMessage("general", "m1", "a"))
	msgs, err := s.Recent("general", 0)
	require.NoError(t, err)
	require.Len(t, msgs, 1)
	assert.Equal(t, "m2", msgs[0].Id)
}
