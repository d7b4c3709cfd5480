package server

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/npezzotti/chat-relay/internal/store"
	"github.com/npezzotti/chat-relay/internal/types"
)

// inbound event kinds
const (
	EventJoin               = "join"
	EventSendMessage        = "send_message"
	EventSendPrivateMessage = "send_private_message"
	EventGetPrivateMessages = "get_private_messages"
	EventTyping             = "typing"
	EventStopTyping         = "stop_typing"
	EventJoinRoom           = "join_room"
	EventCreateRoom         = "create_room"
	EventDeleteRoom         = "delete_room"
	EventAddReaction        = "add_reaction"
	EventMarkRead           = "mark_read"
	EventSearchMessages     = "search_messages"
	EventDeleteMessage      = "delete_message"
)

// outbound event kinds
const (
	EventResponse          = "response"
	EventRoomMessages      = "room_messages"
	EventRoomsUpdate       = "rooms_update"
	EventUsersUpdate       = "users_update"
	EventUserJoined        = "user_joined"
	EventUserLeft          = "user_left"
	EventNewMessage        = "new_message"
	EventNewPrivateMessage = "new_private_message"
	EventPrivateMessages   = "private_messages"
	EventUserTyping        = "user_typing"
	EventUserStopTyping    = "user_stop_typing"
	EventMessageReaction   = "message_reaction"
	EventMessageRead       = "message_read"
	EventSearchResults     = "search_results"
	EventMessageDeleted    = "message_deleted"
	EventRoomDeleted       = "room_deleted"
)

type BaseMessage struct {
	Id        int       `json:"id,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

type ClientMessage struct {
	BaseMessage
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload,omitempty"`
	client  *Client         `json:"-"`
}

type ServerMessage struct {
	BaseMessage
	Type     string    `json:"type"`
	Data     any       `json:"data,omitempty"`
	Response *Response `json:"response,omitempty"`
}

type Response struct {
	ResponseCode int    `json:"response_code"`
	Error        string `json:"error,omitempty"`
}

type JoinPayload struct {
	Username string `json:"username"`
	Avatar   string `json:"avatar"`
}

type SendMessagePayload struct {
	RoomId    string            `json:"roomId"`
	Text      string            `json:"text"`
	File      *types.Attachment `json:"file,omitempty"`
	Recipient string            `json:"recipient,omitempty"`
}

type GetPrivateMessagesPayload struct {
	UserId string `json:"userId"`
}

type RoomPayload struct {
	RoomId string `json:"roomId"`
}

type CreateRoomPayload struct {
	Name        string `json:"name"`
	Description string `json:"description"`
}

type ReactionPayload struct {
	RoomId    string `json:"roomId"`
	MessageId string `json:"messageId"`
	Reaction  string `json:"reaction"`
}

type MessageRefPayload struct {
	RoomId    string `json:"roomId"`
	MessageId string `json:"messageId"`
}

type SearchPayload struct {
	RoomId string `json:"roomId"`
	Query  string `json:"query"`
}

type RoomMessages struct {
	RoomId   string          `json:"roomId"`
	Messages []types.Message `json:"messages"`
}

type PrivateMessages struct {
	UserId   string          `json:"userId"`
	Messages []types.Message `json:"messages"`
}

type TypingNotice struct {
	UserId   string `json:"userId"`
	Username string `json:"username"`
	RoomId   string `json:"roomId"`
}

type ReactionUpdate struct {
	MessageId string                     `json:"messageId"`
	RoomId    string                     `json:"roomId"`
	Reactions map[string][]types.Reactor `json:"reactions"`
}

type ReadUpdate struct {
	MessageId string   `json:"messageId"`
	RoomId    string   `json:"roomId"`
	ReadBy    []string `json:"readBy"`
}

type SearchResults struct {
	RoomId  string          `json:"roomId"`
	Query   string          `json:"query"`
	Results []types.Message `json:"results"`
}

type MessageDeleted struct {
	MessageId string `json:"messageId"`
	RoomId    string `json:"roomId"`
}

type RoomDeleted struct {
	RoomId string `json:"roomId"`
}

func newEvent(kind string, data any) *ServerMessage {
	return &ServerMessage{
		BaseMessage: BaseMessage{Timestamp: Now()},
		Type:        kind,
		Data:        data,
	}
}

// decodePayload unmarshals the event payload, reporting any problem as
// store.ErrPayloadInvalid.
func decodePayload(raw json.RawMessage, v any) error {
	if len(raw) == 0 {
		return fmt.Errorf("%w: missing payload", store.ErrPayloadInvalid)
	}
	if err := json.Unmarshal(raw, v); err != nil {
		return fmt.Errorf("%w: %v", store.ErrPayloadInvalid, err)
	}
	return nil
}

// decodeOptionalPayload is decodePayload for events whose payload may be
// omitted entirely.
func decodeOptionalPayload(raw json.RawMessage, v any) error {
	if len(raw) == 0 || string(raw) == "null" {
		return nil
	}
	return decodePayload(raw, v)
}

func newResponse(id, code int, errMsg string) *ServerMessage {
	return &ServerMessage{
		BaseMessage: BaseMessage{
			Id:        id,
			Timestamp: Now(),
		},
		Type: EventResponse,
		Response: &Response{
			ResponseCode: code,
			Error:        errMsg,
		},
	}
}

func NoErrOK(id int) *ServerMessage {
	return newResponse(id, http.StatusOK, "")
}

func ErrRoomNotFound(id int) *ServerMessage {
	return newResponse(id, http.StatusNotFound, "room not found")
}

func ErrMessageNotFound(id int) *ServerMessage {
	return newResponse(id, http.StatusNotFound, "message not found")
}

func ErrUserNotRegistered(id int) *ServerMessage {
	return newResponse(id, http.StatusUnauthorized, "user not registered")
}

func ErrForbidden(id int) *ServerMessage {
	return newResponse(id, http.StatusForbidden, "forbidden")
}

func ErrInvalidMessage(id int) *ServerMessage {
	return newResponse(id, http.StatusBadRequest, "invalid message format")
}

func ErrRateLimited(id int) *ServerMessage {
	return newResponse(id, http.StatusTooManyRequests, "rate limit exceeded")
}

func ErrInternalError(id int) *ServerMessage {
	return newResponse(id, http.StatusInternalServerError, "internal server error")
}

// errorResponse maps a handler error to the response sent back to the
// originating connection.
func errorResponse(id int, err error) *ServerMessage {
	switch {
	case errors.Is(err, store.ErrRoomNotFound):
		return ErrRoomNotFound(id)
	case errors.Is(err, store.ErrMessageNotFound):
		return ErrMessageNotFound(id)
	case errors.Is(err, store.ErrUserNotRegistered):
		return ErrUserNotRegistered(id)
	case errors.Is(err, store.ErrForbidden):
		return ErrForbidden(id)
	case errors.Is(err, store.ErrPayloadInvalid):
		return ErrInvalidMessage(id)
	default:
		return ErrInternalError(id)
	}
}

func Now() time.Time {
	return time.Now().UTC().Round(time.Millisecond)
}
