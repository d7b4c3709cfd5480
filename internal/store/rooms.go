package store

import (
	"fmt"
	"slices"
	"sort"
	"strings"
	"sync"

	"github.com/npezzotti/chat-relay/internal/types"
	"github.com/teris-io/shortid"
)

const DefaultRecentLimit = 50

var defaultRooms = []types.Room{
	{Id: "general", Name: "General", Description: "General discussion"},
	{Id: "random", Name: "Random", Description: "Random conversations"},
}

// room holds the membership set and message log of a single room. Every
// field below mu is guarded by it.
type room struct {
	id          string
	name        string
	description string
	createdBy   string

	mu       sync.Mutex
	members  map[string]struct{}
	messages []*types.Message
	deleted  bool
}

func newRoom(id, name, description, createdBy string) *room {
	return &room{
		id:          id,
		name:        name,
		description: description,
		createdBy:   createdBy,
		members:     make(map[string]struct{}),
	}
}

// snapshot must be called with r.mu held.
func (r *room) snapshot() types.Room {
	users := make([]string, 0, len(r.members))
	for id := range r.members {
		users = append(users, id)
	}
	sort.Strings(users)

	return types.Room{
		Id:          r.id,
		Name:        r.name,
		Description: r.description,
		Users:       users,
		CreatedBy:   r.createdBy,
	}
}

// findMessage must be called with r.mu held.
func (r *room) findMessage(messageId string) (int, *types.Message) {
	for i := len(r.messages) - 1; i >= 0; i-- {
		if r.messages[i].Id == messageId {
			return i, r.messages[i]
		}
	}
	return -1, nil
}

// RoomStore owns every room and its message log. The map is guarded by mu,
// the contents of each room by that room's own lock.
type RoomStore struct {
	mu    sync.RWMutex
	rooms map[string]*room
	order []string

	generateId func() (string, error)
}

func NewRoomStore() *RoomStore {
	return &RoomStore{
		rooms:      make(map[string]*room),
		generateId: shortid.Generate,
	}
}

func IsDefaultRoom(roomId string) bool {
	for _, r := range defaultRooms {
		if r.Id == roomId {
			return true
		}
	}
	return false
}

func (s *RoomStore) EnsureDefaultRooms() {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, r := range defaultRooms {
		if _, ok := s.rooms[r.Id]; ok {
			continue
		}
		s.rooms[r.Id] = newRoom(r.Id, r.Name, r.Description, "")
		s.order = append(s.order, r.Id)
	}
}

func (s *RoomStore) get(roomId string) *room {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.rooms[roomId]
}

// Create allocates a new room whose only member is the creator. A creator
// is moved out of whatever room held it in the same step.
func (s *RoomStore) Create(name, description, creatorId string) (types.Room, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var id string
	for {
		sid, err := s.generateId()
		if err != nil {
			return types.Room{}, fmt.Errorf("generate room id: %w", err)
		}
		if _, exists := s.rooms[sid]; !exists {
			id = sid
			break
		}
	}

	r := newRoom(id, name, description, creatorId)
	if creatorId != "" {
		s.removeMember(creatorId)
		r.members[creatorId] = struct{}{}
	}
	s.rooms[id] = r
	s.order = append(s.order, id)

	return r.snapshot(), nil
}

func (s *RoomStore) Get(roomId string) (types.Room, bool) {
	r := s.get(roomId)
	if r == nil {
		return types.Room{}, false
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if r.deleted {
		return types.Room{}, false
	}
	return r.snapshot(), true
}

// List snapshots every room while holding the store lock, so a user moving
// between rooms is seen in exactly one of them.
func (s *RoomStore) List() []types.Room {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]types.Room, 0, len(s.order))
	for _, id := range s.order {
		r := s.rooms[id]
		r.mu.Lock()
		out = append(out, r.snapshot())
		r.mu.Unlock()
	}
	return out
}

func (s *RoomStore) Members(roomId string) []string {
	r := s.get(roomId)
	if r == nil {
		return nil
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	return r.snapshot().Users
}

func (s *RoomStore) IsMember(roomId, connId string) bool {
	r := s.get(roomId)
	if r == nil {
		return false
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.members[connId]
	return ok
}

func (s *RoomStore) Join(roomId, connId string) error {
	r := s.get(roomId)
	if r == nil {
		return ErrRoomNotFound
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if r.deleted {
		return ErrRoomNotFound
	}
	r.members[connId] = struct{}{}
	return nil
}

func (s *RoomStore) Leave(roomId, connId string) {
	r := s.get(roomId)
	if r == nil {
		return
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.members, connId)
}

// removeMember drops connId from every room and returns the ids of the rooms
// it was in. s.mu must be held for writing.
func (s *RoomStore) removeMember(connId string) []string {
	var left []string
	for _, id := range s.order {
		r := s.rooms[id]
		r.mu.Lock()
		if _, ok := r.members[connId]; ok {
			delete(r.members, connId)
			left = append(left, id)
		}
		r.mu.Unlock()
	}
	return left
}

// Switch moves connId into toRoomId as a single step, taking it out of
// every room that currently holds it. It returns the rooms left. When the
// destination does not exist the user is left where it was.
func (s *RoomStore) Switch(connId, toRoomId string) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	dst := s.rooms[toRoomId]
	if dst == nil {
		return nil, ErrRoomNotFound
	}

	left := slices.DeleteFunc(s.removeMember(connId), func(id string) bool { return id == toRoomId })

	dst.mu.Lock()
	dst.members[connId] = struct{}{}
	dst.mu.Unlock()
	return left, nil
}

// LeaveAll removes connId from every room and returns the rooms it was in.
func (s *RoomStore) LeaveAll(connId string) []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.removeMember(connId)
}

// Delete drops a room along with its log and moves its members into the
// default room in the same step. The default rooms cannot be deleted.
func (s *RoomStore) Delete(roomId string) ([]string, error) {
	if IsDefaultRoom(roomId) {
		return nil, ErrForbidden
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	r, ok := s.rooms[roomId]
	if !ok {
		return nil, ErrRoomNotFound
	}
	delete(s.rooms, roomId)
	s.order = slices.DeleteFunc(s.order, func(id string) bool { return id == roomId })

	r.mu.Lock()
	members := r.snapshot().Users
	r.deleted = true
	r.members = make(map[string]struct{})
	r.messages = nil
	r.mu.Unlock()

	if fallback := s.rooms[DefaultRoomId]; fallback != nil {
		fallback.mu.Lock()
		for _, connId := range members {
			fallback.members[connId] = struct{}{}
		}
		fallback.mu.Unlock()
	}

	return members, nil
}

func (s *RoomStore) Append(roomId string, msg types.Message) error {
	r := s.get(roomId)
	if r == nil {
		return ErrRoomNotFound
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if r.deleted {
		return ErrRoomNotFound
	}

	m := msg.Clone()
	r.messages = append(r.messages, &m)
	return nil
}

// Recent returns the last limit messages in arrival order. A limit <= 0
// returns the whole log.
func (s *RoomStore) Recent(roomId string, limit int) ([]types.Message, error) {
	r := s.get(roomId)
	if r == nil {
		return nil, ErrRoomNotFound
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	start := 0
	if limit > 0 && len(r.messages) > limit {
		start = len(r.messages) - limit
	}

	out := make([]types.Message, 0, len(r.messages)-start)
	for _, m := range r.messages[start:] {
		out = append(out, m.Clone())
	}
	return out, nil
}

// ToggleReaction adds the user to the symbol's reactors, or removes it if
// already present, and returns the message's full reaction map.
func (s *RoomStore) ToggleReaction(roomId, messageId, symbol, userId, username string) (map[string][]types.Reactor, error) {
	r := s.get(roomId)
	if r == nil {
		return nil, ErrRoomNotFound
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	_, msg := r.findMessage(messageId)
	if msg == nil {
		return nil, ErrMessageNotFound
	}

	if msg.Reactions == nil {
		msg.Reactions = make(map[string][]types.Reactor)
	}

	reactors := msg.Reactions[symbol]
	idx := slices.IndexFunc(reactors, func(re types.Reactor) bool { return re.UserId == userId })
	if idx >= 0 {
		reactors = slices.Delete(reactors, idx, idx+1)
	} else {
		reactors = append(reactors, types.Reactor{UserId: userId, Username: username})
	}

	if len(reactors) == 0 {
		delete(msg.Reactions, symbol)
	} else {
		msg.Reactions[symbol] = reactors
	}

	return types.CloneReactions(msg.Reactions), nil
}

// MarkRead records userId as a reader. changed is false when it already was.
func (s *RoomStore) MarkRead(roomId, messageId, userId string) (readBy []string, changed bool, err error) {
	r := s.get(roomId)
	if r == nil {
		return nil, false, ErrRoomNotFound
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	_, msg := r.findMessage(messageId)
	if msg == nil {
		return nil, false, ErrMessageNotFound
	}

	if !slices.Contains(msg.ReadBy, userId) {
		msg.ReadBy = append(msg.ReadBy, userId)
		changed = true
	}

	return append([]string(nil), msg.ReadBy...), changed, nil
}

// Search matches query case-insensitively against message text and sender
// username. A blank query matches nothing; otherwise the query is matched
// as given, surrounding spaces included.
func (s *RoomStore) Search(roomId, query string) ([]types.Message, error) {
	r := s.get(roomId)
	if r == nil {
		return nil, ErrRoomNotFound
	}

	results := []types.Message{}
	if strings.TrimSpace(query) == "" {
		return results, nil
	}
	q := strings.ToLower(query)

	r.mu.Lock()
	defer r.mu.Unlock()

	for _, m := range r.messages {
		if strings.Contains(strings.ToLower(m.Text), q) ||
			strings.Contains(strings.ToLower(m.Sender.Username), q) {
			results = append(results, m.Clone())
		}
	}
	return results, nil
}

func (s *RoomStore) DeleteMessage(roomId, messageId, requesterId string) error {
	r := s.get(roomId)
	if r == nil {
		return ErrRoomNotFound
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	idx, msg := r.findMessage(messageId)
	if msg == nil {
		return ErrMessageNotFound
	}
	if msg.Sender.Id != requesterId {
		return ErrForbidden
	}

	r.messages = slices.Delete(r.messages, idx, idx+1)
	return nil
}
