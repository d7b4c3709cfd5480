package store

import (
	"fmt"
	"log"
	"net/url"
	"sync"
	"time"

	"github.com/npezzotti/chat-relay/internal/types"
)

const (
	DefaultRoomId        = "general"
	DefaultEvictionDelay = 5 * time.Second
)

type registryEntry struct {
	user types.User
	// gen changes every time the entry is (re)created or marked offline so a
	// stale eviction timer can tell it no longer owns the entry.
	gen   uint64
	evict *time.Timer
}

// Registry maps live connections to their presence record.
type Registry struct {
	mu            sync.Mutex
	log           *log.Logger
	users         map[string]*registryEntry
	evictionDelay time.Duration
	onEvict       func(types.User)
	nextGen       uint64
	closed        bool
}

func NewRegistry(logger *log.Logger, evictionDelay time.Duration, onEvict func(types.User)) *Registry {
	if evictionDelay <= 0 {
		evictionDelay = DefaultEvictionDelay
	}

	return &Registry{
		log:           logger,
		users:         make(map[string]*registryEntry),
		evictionDelay: evictionDelay,
		onEvict:       onEvict,
	}
}

func DefaultAvatar(username string) string {
	return fmt.Sprintf("https://ui-avatars.com/api/?name=%s&background=random", url.QueryEscape(username))
}

// Join registers connId as online in the default room. A connection that is
// already online only has its display fields refreshed; created reports
// whether a new presence record was made.
func (r *Registry) Join(connId, username, avatar string) (user types.User, created bool) {
	if avatar == "" {
		avatar = DefaultAvatar(username)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if e, ok := r.users[connId]; ok && e.user.Status != types.StatusOffline {
		e.user.Username = username
		e.user.Avatar = avatar
		e.user.LastSeen = time.Now()
		return e.user, false
	}

	if e, ok := r.users[connId]; ok && e.evict != nil {
		e.evict.Stop()
	}

	r.nextGen++
	e := &registryEntry{
		user: types.User{
			Id:          connId,
			Username:    username,
			Avatar:      avatar,
			Status:      types.StatusOnline,
			LastSeen:    time.Now(),
			CurrentRoom: DefaultRoomId,
		},
		gen: r.nextGen,
	}
	r.users[connId] = e

	return e.user, true
}

// MarkDisconnected flips the user offline and schedules its eviction.
func (r *Registry) MarkDisconnected(connId string) (types.User, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	e, ok := r.users[connId]
	if !ok || e.user.Status == types.StatusOffline {
		return types.User{}, false
	}

	e.user.Status = types.StatusOffline
	e.user.LastSeen = time.Now()
	e.user.CurrentRoom = ""

	r.nextGen++
	gen := r.nextGen
	e.gen = gen
	if r.closed {
		return e.user, true
	}
	e.evict = time.AfterFunc(r.evictionDelay, func() {
		r.evict(connId, gen)
	})

	return e.user, true
}

func (r *Registry) evict(connId string, gen uint64) {
	r.mu.Lock()
	e, ok := r.users[connId]
	if !ok || e.gen != gen {
		r.mu.Unlock()
		return
	}
	delete(r.users, connId)
	user := e.user
	r.mu.Unlock()

	if r.log != nil {
		r.log.Printf("evicted user %q (%s)", user.Username, connId)
	}
	if r.onEvict != nil {
		r.onEvict(user)
	}
}

func (r *Registry) SetCurrentRoom(connId, roomId string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	e, ok := r.users[connId]
	if !ok || e.user.Status == types.StatusOffline {
		return ErrUserNotRegistered
	}

	e.user.CurrentRoom = roomId
	return nil
}

// Get returns the user only while it is still known to the registry,
// including the grace period after disconnect.
func (r *Registry) Get(connId string) (types.User, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	e, ok := r.users[connId]
	if !ok {
		return types.User{}, false
	}
	return e.user, true
}

// Online reports whether connId has joined and has not disconnected.
func (r *Registry) Online(connId string) (types.User, bool) {
	u, ok := r.Get(connId)
	if !ok || u.Status == types.StatusOffline {
		return types.User{}, false
	}
	return u, true
}

func (r *Registry) List() []types.User {
	r.mu.Lock()
	defer r.mu.Unlock()

	users := make([]types.User, 0, len(r.users))
	for _, e := range r.users {
		users = append(users, e.user)
	}
	return users
}

// Close cancels every pending eviction. Users disconnected afterwards are
// marked offline but never evicted.
func (r *Registry) Close() {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.closed = true

	for _, e := range r.users {
		if e.evict != nil {
			e.evict.Stop()
		}
		// invalidate timers that already fired and are waiting on the lock
		e.gen = 0
	}
}
