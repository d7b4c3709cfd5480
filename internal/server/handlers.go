package server

import (
	"fmt"
	"runtime/debug"
	"strings"

	"github.com/npezzotti/chat-relay/internal/stats"
	"github.com/npezzotti/chat-relay/internal/store"
	"github.com/npezzotti/chat-relay/internal/types"
)

// handleMessage dispatches one inbound event. Failures are reported only to
// the originating connection; successful events carrying an id are acked.
func (cs *ChatServer) handleMessage(msg *ClientMessage) {
	c := msg.client

	defer func() {
		if r := recover(); r != nil {
			cs.log.Printf("panic handling %q from %s: %v\n%s", msg.Type, c.id, r, debug.Stack())
			cs.sendTo(c.id, ErrInternalError(msg.Id))
		}
	}()

	var err error
	switch msg.Type {
	case EventJoin:
		err = cs.handleJoin(c, msg)
	case EventSendMessage:
		err = cs.handleSendMessage(c, msg)
	case EventSendPrivateMessage:
		err = cs.handleSendPrivateMessage(c, msg)
	case EventGetPrivateMessages:
		err = cs.handleGetPrivateMessages(c, msg)
	case EventTyping:
		err = cs.handleTyping(c, msg, true)
	case EventStopTyping:
		err = cs.handleTyping(c, msg, false)
	case EventJoinRoom:
		err = cs.handleJoinRoom(c, msg)
	case EventCreateRoom:
		err = cs.handleCreateRoom(c, msg)
	case EventDeleteRoom:
		err = cs.handleDeleteRoom(c, msg)
	case EventAddReaction:
		err = cs.handleAddReaction(c, msg)
	case EventMarkRead:
		err = cs.handleMarkRead(c, msg)
	case EventSearchMessages:
		err = cs.handleSearchMessages(c, msg)
	case EventDeleteMessage:
		err = cs.handleDeleteMessage(c, msg)
	default:
		err = fmt.Errorf("%w: unknown event type %q", store.ErrPayloadInvalid, msg.Type)
	}

	if err != nil {
		cs.log.Printf("%s from %s: %v", msg.Type, c.id, err)
		cs.sendTo(c.id, errorResponse(msg.Id, err))
		return
	}

	if msg.Id != 0 {
		cs.sendTo(c.id, NoErrOK(msg.Id))
	}
}

func (cs *ChatServer) registeredUser(c *Client) (types.User, error) {
	user, ok := cs.registry.Online(c.id)
	if !ok {
		return types.User{}, store.ErrUserNotRegistered
	}
	return user, nil
}

// requireMember checks that connId belongs to roomId, distinguishing an
// unknown room from one the user is not in.
func (cs *ChatServer) requireMember(roomId, connId string) error {
	if cs.rooms.IsMember(roomId, connId) {
		return nil
	}
	if _, ok := cs.rooms.Get(roomId); !ok {
		return store.ErrRoomNotFound
	}
	return store.ErrForbidden
}

func (cs *ChatServer) handleJoin(c *Client, msg *ClientMessage) error {
	var p JoinPayload
	if err := decodeOptionalPayload(msg.Payload, &p); err != nil {
		return err
	}

	if c.identity != nil {
		p.Username = c.identity.Username
		p.Avatar = c.identity.Avatar
	}

	username := strings.TrimSpace(p.Username)
	if username == "" {
		return fmt.Errorf("%w: username is required", store.ErrPayloadInvalid)
	}

	user, created, err := cs.joinUser(c.id, username, strings.TrimSpace(p.Avatar))
	if err != nil {
		return err
	}
	if created {
		cs.log.Printf("user %q joined on %s", user.Username, c.id)
	}

	if err := cs.sendRoomMessages(c.id, user.CurrentRoom); err != nil {
		return err
	}

	if created {
		cs.sendToAll(newEvent(EventUserJoined, user))
	}
	cs.broadcastRooms()
	cs.broadcastUsers()
	return nil
}

func (cs *ChatServer) newMessage(sender types.User, text string, file *types.Attachment, msg *ClientMessage) types.Message {
	ts := msg.Timestamp
	if ts.IsZero() {
		ts = Now()
	}

	return types.Message{
		Id:        cs.newId(),
		Text:      text,
		Sender:    sender.Snapshot(),
		Timestamp: ts,
		File:      file,
		Reactions: make(map[string][]types.Reactor),
		ReadBy:    []string{sender.Id},
	}
}

func validateContent(text string, file *types.Attachment) error {
	if strings.TrimSpace(text) == "" && file == nil {
		return fmt.Errorf("%w: message has neither text nor file", store.ErrPayloadInvalid)
	}
	return nil
}

func (cs *ChatServer) handleSendMessage(c *Client, msg *ClientMessage) error {
	user, err := cs.registeredUser(c)
	if err != nil {
		return err
	}

	var p SendMessagePayload
	if err := decodePayload(msg.Payload, &p); err != nil {
		return err
	}
	if err := validateContent(p.Text, p.File); err != nil {
		return err
	}

	if p.Recipient != "" {
		return cs.sendPrivate(user, p.Recipient, p.Text, p.File, msg)
	}

	roomId := p.RoomId
	if roomId == "" {
		roomId = user.CurrentRoom
	}
	if err := cs.requireMember(roomId, c.id); err != nil {
		return err
	}

	m := cs.newMessage(user, p.Text, p.File, msg)
	m.RoomId = roomId
	if err := cs.rooms.Append(roomId, m); err != nil {
		return err
	}
	cs.stats.Incr(stats.Messages)

	if cs.typing.Stop(roomId, c.id) {
		cs.sendToRoom(roomId, newEvent(EventUserStopTyping, TypingNotice{
			UserId:   c.id,
			Username: user.Username,
			RoomId:   roomId,
		}), c.id)
	}
	cs.sendToRoom(roomId, newEvent(EventNewMessage, m), "")
	return nil
}

func (cs *ChatServer) handleSendPrivateMessage(c *Client, msg *ClientMessage) error {
	user, err := cs.registeredUser(c)
	if err != nil {
		return err
	}

	var p SendMessagePayload
	if err := decodePayload(msg.Payload, &p); err != nil {
		return err
	}
	if p.Recipient == "" {
		return fmt.Errorf("%w: recipient is required", store.ErrPayloadInvalid)
	}
	if err := validateContent(p.Text, p.File); err != nil {
		return err
	}

	return cs.sendPrivate(user, p.Recipient, p.Text, p.File, msg)
}

func (cs *ChatServer) sendPrivate(sender types.User, recipientId, text string, file *types.Attachment, msg *ClientMessage) error {
	if _, ok := cs.registry.Get(recipientId); !ok {
		return fmt.Errorf("recipient %s: %w", recipientId, store.ErrUserNotRegistered)
	}

	m := cs.newMessage(sender, text, file, msg)
	m.Recipient = recipientId
	cs.private.Append(sender.Id, recipientId, m)
	cs.stats.Incr(stats.PrivateMessages)

	event := newEvent(EventNewPrivateMessage, m)
	cs.sendTo(sender.Id, event)
	if recipientId != sender.Id {
		cs.sendTo(recipientId, event)
	}
	return nil
}

func (cs *ChatServer) handleGetPrivateMessages(c *Client, msg *ClientMessage) error {
	if _, err := cs.registeredUser(c); err != nil {
		return err
	}

	var p GetPrivateMessagesPayload
	if err := decodePayload(msg.Payload, &p); err != nil {
		return err
	}
	if p.UserId == "" {
		return fmt.Errorf("%w: userId is required", store.ErrPayloadInvalid)
	}

	cs.sendTo(c.id, newEvent(EventPrivateMessages, PrivateMessages{
		UserId:   p.UserId,
		Messages: cs.private.Recent(c.id, p.UserId, cs.cfg.RecentLimit),
	}))
	return nil
}

func (cs *ChatServer) handleTyping(c *Client, msg *ClientMessage, typing bool) error {
	user, err := cs.registeredUser(c)
	if err != nil {
		return err
	}

	var p RoomPayload
	if err := decodeOptionalPayload(msg.Payload, &p); err != nil {
		return err
	}
	roomId := p.RoomId
	if roomId == "" {
		roomId = user.CurrentRoom
	}
	if err := cs.requireMember(roomId, c.id); err != nil {
		return err
	}

	notice := TypingNotice{
		UserId:   c.id,
		Username: user.Username,
		RoomId:   roomId,
	}

	if typing {
		cs.typing.Start(roomId, c.id, user.Username)
		cs.sendToRoom(roomId, newEvent(EventUserTyping, notice), c.id)
		return nil
	}

	// nothing to announce if the entry already expired
	if cs.typing.Stop(roomId, c.id) {
		cs.sendToRoom(roomId, newEvent(EventUserStopTyping, notice), c.id)
	}
	return nil
}

func (cs *ChatServer) handleJoinRoom(c *Client, msg *ClientMessage) error {
	if _, err := cs.registeredUser(c); err != nil {
		return err
	}

	var p RoomPayload
	if err := decodePayload(msg.Payload, &p); err != nil {
		return err
	}
	if p.RoomId == "" {
		return fmt.Errorf("%w: roomId is required", store.ErrPayloadInvalid)
	}

	user, left, moved, err := cs.switchRoom(c.id, p.RoomId)
	if err != nil {
		return err
	}
	if !moved {
		return cs.sendRoomMessages(c.id, p.RoomId)
	}
	for _, roomId := range left {
		cs.clearTyping(user, roomId)
	}

	if err := cs.sendRoomMessages(c.id, p.RoomId); err != nil {
		return err
	}
	cs.broadcastUsers()
	cs.broadcastRooms()
	return nil
}

func (cs *ChatServer) clearTyping(user types.User, roomId string) {
	if roomId == "" || !cs.typing.Stop(roomId, user.Id) {
		return
	}
	cs.sendToRoom(roomId, newEvent(EventUserStopTyping, TypingNotice{
		UserId:   user.Id,
		Username: user.Username,
		RoomId:   roomId,
	}), user.Id)
}

func (cs *ChatServer) handleCreateRoom(c *Client, msg *ClientMessage) error {
	if _, err := cs.registeredUser(c); err != nil {
		return err
	}

	var p CreateRoomPayload
	if err := decodePayload(msg.Payload, &p); err != nil {
		return err
	}
	name := strings.TrimSpace(p.Name)
	if name == "" {
		return fmt.Errorf("%w: room name is required", store.ErrPayloadInvalid)
	}

	user, room, err := cs.createRoomFor(c.id, name, strings.TrimSpace(p.Description))
	if err != nil {
		return err
	}
	cs.clearTyping(user, user.CurrentRoom)

	cs.stats.Incr(stats.Rooms)
	cs.log.Printf("user %q created room %q (%s)", user.Username, room.Name, room.Id)

	cs.broadcastRooms()
	cs.broadcastUsers()
	return cs.sendRoomMessages(c.id, room.Id)
}

func (cs *ChatServer) handleDeleteRoom(c *Client, msg *ClientMessage) error {
	if _, err := cs.registeredUser(c); err != nil {
		return err
	}

	var p RoomPayload
	if err := decodePayload(msg.Payload, &p); err != nil {
		return err
	}

	room, ok := cs.rooms.Get(p.RoomId)
	if !ok {
		return store.ErrRoomNotFound
	}
	if room.CreatedBy != c.id {
		return store.ErrForbidden
	}

	return cs.DeleteRoom(room.Id)
}

func (cs *ChatServer) handleAddReaction(c *Client, msg *ClientMessage) error {
	user, err := cs.registeredUser(c)
	if err != nil {
		return err
	}

	var p ReactionPayload
	if err := decodePayload(msg.Payload, &p); err != nil {
		return err
	}
	if p.Reaction == "" {
		return fmt.Errorf("%w: reaction is required", store.ErrPayloadInvalid)
	}

	reactions, err := cs.rooms.ToggleReaction(p.RoomId, p.MessageId, p.Reaction, c.id, user.Username)
	if err != nil {
		return err
	}

	cs.sendToRoom(p.RoomId, newEvent(EventMessageReaction, ReactionUpdate{
		MessageId: p.MessageId,
		RoomId:    p.RoomId,
		Reactions: reactions,
	}), "")
	return nil
}

func (cs *ChatServer) handleMarkRead(c *Client, msg *ClientMessage) error {
	if _, err := cs.registeredUser(c); err != nil {
		return err
	}

	var p MessageRefPayload
	if err := decodePayload(msg.Payload, &p); err != nil {
		return err
	}

	readBy, changed, err := cs.rooms.MarkRead(p.RoomId, p.MessageId, c.id)
	if err != nil {
		return err
	}
	if changed {
		cs.sendToRoom(p.RoomId, newEvent(EventMessageRead, ReadUpdate{
			MessageId: p.MessageId,
			RoomId:    p.RoomId,
			ReadBy:    readBy,
		}), "")
	}
	return nil
}

func (cs *ChatServer) handleSearchMessages(c *Client, msg *ClientMessage) error {
	if _, err := cs.registeredUser(c); err != nil {
		return err
	}

	var p SearchPayload
	if err := decodePayload(msg.Payload, &p); err != nil {
		return err
	}

	results, err := cs.rooms.Search(p.RoomId, p.Query)
	if err != nil {
		return err
	}

	cs.sendTo(c.id, newEvent(EventSearchResults, SearchResults{
		RoomId:  p.RoomId,
		Query:   p.Query,
		Results: results,
	}))
	return nil
}

func (cs *ChatServer) handleDeleteMessage(c *Client, msg *ClientMessage) error {
	if _, err := cs.registeredUser(c); err != nil {
		return err
	}

	var p MessageRefPayload
	if err := decodePayload(msg.Payload, &p); err != nil {
		return err
	}

	if err := cs.rooms.DeleteMessage(p.RoomId, p.MessageId, c.id); err != nil {
		return err
	}

	cs.sendToRoom(p.RoomId, newEvent(EventMessageDeleted, MessageDeleted{
		MessageId: p.MessageId,
		RoomId:    p.RoomId,
	}), "")
	return nil
}
