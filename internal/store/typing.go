package store

import (
	"sort"
	"sync"
	"time"

	"github.com/npezzotti/chat-relay/internal/types"
)

const DefaultTypingTimeout = 3 * time.Second

type typingKey struct {
	roomId, userId string
}

type typingEntry struct {
	username string
	gen      uint64
	timer    *time.Timer
}

// TypingTracker keeps the set of users composing a message in each room.
// An entry that is not refreshed within the timeout is dropped and reported
// through onExpire.
type TypingTracker struct {
	mu       sync.Mutex
	timeout  time.Duration
	entries  map[typingKey]*typingEntry
	nextGen  uint64
	onExpire func(roomId, userId, username string)
}

func NewTypingTracker(timeout time.Duration, onExpire func(roomId, userId, username string)) *TypingTracker {
	if timeout <= 0 {
		timeout = DefaultTypingTimeout
	}

	return &TypingTracker{
		timeout:  timeout,
		entries:  make(map[typingKey]*typingEntry),
		onExpire: onExpire,
	}
}

// Start adds the user to the room's typing set and (re)arms its expiry.
// It reports whether the user was not already typing.
func (t *TypingTracker) Start(roomId, userId, username string) bool {
	key := typingKey{roomId: roomId, userId: userId}

	t.mu.Lock()
	defer t.mu.Unlock()

	e, ok := t.entries[key]
	if ok {
		e.timer.Stop()
		e.username = username
	} else {
		e = &typingEntry{username: username}
		t.entries[key] = e
	}

	t.nextGen++
	gen := t.nextGen
	e.gen = gen
	e.timer = time.AfterFunc(t.timeout, func() {
		t.expire(key, gen)
	})

	return !ok
}

// expire reports the expiry with the lock held, so a Start racing the timer
// returns only after the stop notice has been issued. onExpire must not call
// back into the tracker.
func (t *TypingTracker) expire(key typingKey, gen uint64) {
	t.mu.Lock()
	defer t.mu.Unlock()

	e, ok := t.entries[key]
	if !ok || e.gen != gen {
		return
	}
	delete(t.entries, key)

	if t.onExpire != nil {
		t.onExpire(key.roomId, key.userId, e.username)
	}
}

// Stop removes the user from the room's typing set. It reports whether the
// user was typing.
func (t *TypingTracker) Stop(roomId, userId string) bool {
	key := typingKey{roomId: roomId, userId: userId}

	t.mu.Lock()
	defer t.mu.Unlock()

	e, ok := t.entries[key]
	if !ok {
		return false
	}
	e.timer.Stop()
	delete(t.entries, key)
	return true
}

// StopAll clears the user from every room and returns those rooms.
func (t *TypingTracker) StopAll(userId string) []string {
	t.mu.Lock()
	defer t.mu.Unlock()

	var rooms []string
	for key, e := range t.entries {
		if key.userId != userId {
			continue
		}
		e.timer.Stop()
		delete(t.entries, key)
		rooms = append(rooms, key.roomId)
	}
	sort.Strings(rooms)
	return rooms
}

func (t *TypingTracker) Typing(roomId string) []types.Typist {
	t.mu.Lock()
	defer t.mu.Unlock()

	typists := []types.Typist{}
	for key, e := range t.entries {
		if key.roomId == roomId {
			typists = append(typists, types.Typist{UserId: key.userId, Username: e.username})
		}
	}
	sort.Slice(typists, func(i, j int) bool { return typists[i].UserId < typists[j].UserId })
	return typists
}

// Close cancels every pending expiry without notifying.
func (t *TypingTracker) Close() {
	t.mu.Lock()
	defer t.mu.Unlock()

	for key, e := range t.entries {
		e.timer.Stop()
		delete(t.entries, key)
	}
}
