package server

import (
	"context"
	"log"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/npezzotti/chat-relay/internal/stats"
	"github.com/npezzotti/chat-relay/internal/store"
	"github.com/npezzotti/chat-relay/internal/types"
	"golang.org/x/time/rate"
)

const outboxSize = 1024

type Config struct {
	RecentLimit    int
	TypingTimeout  time.Duration
	EvictionDelay  time.Duration
	MaxMessageSize int64
	RateLimit      rate.Limit
	RateBurst      int
}

func DefaultConfig() Config {
	return Config{
		RecentLimit:    store.DefaultRecentLimit,
		TypingTimeout:  store.DefaultTypingTimeout,
		EvictionDelay:  store.DefaultEvictionDelay,
		MaxMessageSize: 16 << 10,
		RateLimit:      20,
		RateBurst:      40,
	}
}

type audience int

const (
	toClient audience = iota
	toRoom
	toAll
)

// outbound is a message together with the connections it is addressed to.
// Room recipients are resolved from the membership snapshot at delivery.
type outbound struct {
	audience audience
	target   string
	skip     string
	msg      *ServerMessage
}

type stopReq struct {
	done chan struct{}
}

type ChatServer struct {
	log         *log.Logger
	stats       stats.StatsProvider
	cfg         Config
	registry    *store.Registry
	rooms       *store.RoomStore
	private     *store.PrivateStore
	typing      *store.TypingTracker
	clients     map[string]*Client
	clientsLock sync.RWMutex
	// moves serializes room changes so that room membership and each
	// user's current room are updated together.
	moves       sync.Mutex
	outbox      chan outbound
	newId       func() string
	stop        chan stopReq
	done        chan struct{}
}

func NewChatServer(logger *log.Logger, su stats.StatsProvider, cfg Config) (*ChatServer, error) {
	cs := &ChatServer{
		log:     logger,
		stats:   su,
		cfg:     cfg,
		rooms:   store.NewRoomStore(),
		private: store.NewPrivateStore(),
		clients: make(map[string]*Client),
		outbox:  make(chan outbound, outboxSize),
		newId:   uuid.NewString,
		stop:    make(chan stopReq),
		done:    make(chan struct{}),
	}
	cs.registry = store.NewRegistry(logger, cfg.EvictionDelay, cs.onEvict)
	cs.typing = store.NewTypingTracker(cfg.TypingTimeout, cs.onTypingExpired)
	cs.rooms.EnsureDefaultRooms()

	su.RegisterMetric(stats.ConnectedClients)
	su.RegisterMetric(stats.Rooms)
	su.RegisterMetric(stats.Messages)
	su.RegisterMetric(stats.PrivateMessages)
	su.RegisterMetric(stats.DroppedMessages)

	return cs, nil
}

// Run delivers queued messages until Shutdown is called.
func (cs *ChatServer) Run() {
	for {
		select {
		case out := <-cs.outbox:
			cs.deliver(out)
		case req := <-cs.stop:
			cs.log.Println("shutting down chat server")
			close(cs.done)
			cs.typing.Close()
			cs.registry.Close()

			cs.clientsLock.RLock()
			for _, c := range cs.clients {
				c.stopClient()
			}
			cs.clientsLock.RUnlock()

			close(req.done)
			return
		}
	}
}

func (cs *ChatServer) Shutdown(ctx context.Context) error {
	done := make(chan struct{})
	select {
	case cs.stop <- stopReq{done: done}:
	case <-ctx.Done():
		return ctx.Err()
	}

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (cs *ChatServer) RegisterClient(c *Client) {
	cs.clientsLock.Lock()
	cs.clients[c.id] = c
	cs.clientsLock.Unlock()

	cs.stats.Incr(stats.ConnectedClients)
	cs.log.Printf("registered connection %s", c.id)
}

// UnregisterClient forgets the connection and, if it had joined, tears
// down its presence: typing entries, room membership and the online flag.
func (cs *ChatServer) UnregisterClient(c *Client) {
	cs.clientsLock.Lock()
	_, ok := cs.clients[c.id]
	delete(cs.clients, c.id)
	cs.clientsLock.Unlock()
	if !ok {
		return
	}

	cs.stats.Decr(stats.ConnectedClients)
	cs.log.Printf("unregistered connection %s", c.id)

	user, ok := cs.registry.Online(c.id)
	if !ok {
		return
	}

	for _, roomId := range cs.typing.StopAll(c.id) {
		cs.sendToRoom(roomId, newEvent(EventUserStopTyping, TypingNotice{
			UserId:   c.id,
			Username: user.Username,
			RoomId:   roomId,
		}), c.id)
	}

	cs.moves.Lock()
	cs.rooms.LeaveAll(c.id)
	user, ok = cs.registry.MarkDisconnected(c.id)
	cs.moves.Unlock()
	if !ok {
		return
	}

	cs.sendToAll(newEvent(EventUserLeft, user))
	cs.broadcastUsers()
	cs.broadcastRooms()
}

// Rooms returns the current room list snapshot.
func (cs *ChatServer) Rooms() []types.Room {
	return cs.rooms.List()
}

// Users returns the current registry snapshot, including users still
// inside their disconnect grace period.
func (cs *ChatServer) Users() []types.User {
	return cs.registry.List()
}

// CreateRoom adds an empty room that no connection owns.
func (cs *ChatServer) CreateRoom(name, description string) (types.Room, error) {
	room, err := cs.rooms.Create(name, description, "")
	if err != nil {
		return types.Room{}, err
	}

	cs.log.Printf("created room %q (%s)", room.Name, room.Id)
	cs.stats.Incr(stats.Rooms)
	cs.broadcastRooms()
	return room, nil
}

// DeleteRoom removes a room and moves its members to the default room.
func (cs *ChatServer) DeleteRoom(roomId string) error {
	cs.moves.Lock()
	members, err := cs.rooms.Delete(roomId)
	if err != nil {
		cs.moves.Unlock()
		return err
	}

	moved := make([]string, 0, len(members))
	for _, connId := range members {
		cs.typing.Stop(roomId, connId)
		if err := cs.registry.SetCurrentRoom(connId, store.DefaultRoomId); err != nil {
			cs.log.Printf("move %s to %q: %v", connId, store.DefaultRoomId, err)
			cs.rooms.Leave(store.DefaultRoomId, connId)
			continue
		}
		moved = append(moved, connId)
	}
	cs.moves.Unlock()

	cs.log.Printf("deleted room %q, moved %d member(s) to %q", roomId, len(moved), store.DefaultRoomId)
	cs.stats.Decr(stats.Rooms)

	for _, connId := range moved {
		cs.sendRoomMessages(connId, store.DefaultRoomId)
	}

	cs.sendToAll(newEvent(EventRoomDeleted, RoomDeleted{RoomId: roomId}))
	cs.broadcastRooms()
	cs.broadcastUsers()
	return nil
}

// joinUser registers the connection's user. A new user is placed in the
// default room.
func (cs *ChatServer) joinUser(connId, username, avatar string) (types.User, bool, error) {
	cs.moves.Lock()
	defer cs.moves.Unlock()

	if _, online := cs.registry.Online(connId); !online {
		if err := cs.rooms.Join(store.DefaultRoomId, connId); err != nil {
			return types.User{}, false, err
		}
	}

	user, created := cs.registry.Join(connId, username, avatar)
	return user, created, nil
}

// switchRoom moves the user into roomId and returns the user as it was
// before the move together with the rooms it left. moved is false when the
// user already was in roomId.
func (cs *ChatServer) switchRoom(connId, roomId string) (user types.User, left []string, moved bool, err error) {
	cs.moves.Lock()
	defer cs.moves.Unlock()

	user, ok := cs.registry.Online(connId)
	if !ok {
		return types.User{}, nil, false, store.ErrUserNotRegistered
	}
	if user.CurrentRoom == roomId {
		return user, nil, false, nil
	}

	left, err = cs.rooms.Switch(connId, roomId)
	if err != nil {
		return user, nil, false, err
	}
	if err := cs.registry.SetCurrentRoom(connId, roomId); err != nil {
		return user, nil, false, err
	}
	return user, left, true, nil
}

// createRoomFor creates a room owned by the connection and moves its user
// into it. The returned user reflects the state before the move.
func (cs *ChatServer) createRoomFor(connId, name, description string) (types.User, types.Room, error) {
	cs.moves.Lock()
	defer cs.moves.Unlock()

	user, ok := cs.registry.Online(connId)
	if !ok {
		return types.User{}, types.Room{}, store.ErrUserNotRegistered
	}

	room, err := cs.rooms.Create(name, description, connId)
	if err != nil {
		return user, types.Room{}, err
	}
	if err := cs.registry.SetCurrentRoom(connId, room.Id); err != nil {
		return user, types.Room{}, err
	}
	return user, room, nil
}

func (cs *ChatServer) onEvict(user types.User) {
	cs.broadcastUsers()
}

func (cs *ChatServer) onTypingExpired(roomId, userId, username string) {
	cs.sendToRoom(roomId, newEvent(EventUserStopTyping, TypingNotice{
		UserId:   userId,
		Username: username,
		RoomId:   roomId,
	}), userId)
}

func (cs *ChatServer) broadcastUsers() {
	cs.sendToAll(newEvent(EventUsersUpdate, cs.registry.List()))
}

func (cs *ChatServer) broadcastRooms() {
	cs.sendToAll(newEvent(EventRoomsUpdate, cs.rooms.List()))
}

func (cs *ChatServer) sendRoomMessages(connId, roomId string) error {
	messages, err := cs.rooms.Recent(roomId, cs.cfg.RecentLimit)
	if err != nil {
		return err
	}

	cs.sendTo(connId, newEvent(EventRoomMessages, RoomMessages{
		RoomId:   roomId,
		Messages: messages,
	}))
	return nil
}

func (cs *ChatServer) sendTo(connId string, msg *ServerMessage) {
	cs.enqueue(outbound{audience: toClient, target: connId, msg: msg})
}

// sendToRoom addresses every current member of the room except skip.
func (cs *ChatServer) sendToRoom(roomId string, msg *ServerMessage, skip string) {
	cs.enqueue(outbound{audience: toRoom, target: roomId, skip: skip, msg: msg})
}

func (cs *ChatServer) sendToAll(msg *ServerMessage) {
	cs.enqueue(outbound{audience: toAll, msg: msg})
}

func (cs *ChatServer) enqueue(out outbound) {
	select {
	case cs.outbox <- out:
	case <-cs.done:
	}
}

func (cs *ChatServer) deliver(out outbound) {
	var recipients []*Client

	switch out.audience {
	case toClient:
		if c := cs.getClient(out.target); c != nil {
			recipients = append(recipients, c)
		}
	case toRoom:
		for _, connId := range cs.rooms.Members(out.target) {
			if connId == out.skip {
				continue
			}
			if c := cs.getClient(connId); c != nil {
				recipients = append(recipients, c)
			}
		}
	case toAll:
		cs.clientsLock.RLock()
		for _, c := range cs.clients {
			recipients = append(recipients, c)
		}
		cs.clientsLock.RUnlock()
	}

	for _, c := range recipients {
		if !c.queueMessage(out.msg) {
			cs.stats.Incr(stats.DroppedMessages)
		}
	}
}

func (cs *ChatServer) getClient(connId string) *Client {
	cs.clientsLock.RLock()
	defer cs.clientsLock.RUnlock()
	return cs.clients[connId]
}
