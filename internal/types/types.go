package types

import (
	"time"
)

type Status string

const (
	StatusOnline  Status = "online"
	StatusAway    Status = "away"
	StatusOffline Status = "offline"
)

type User struct {
	Id          string    `json:"id"`
	Username    string    `json:"username"`
	Avatar      string    `json:"avatar"`
	Status      Status    `json:"status"`
	LastSeen    time.Time `json:"lastSeen"`
	CurrentRoom string    `json:"currentRoom,omitempty"`
}

// Sender is the copy of a User embedded in a message at send time.
type Sender struct {
	Id       string `json:"id"`
	Username string `json:"username"`
	Avatar   string `json:"avatar"`
}

func (u User) Snapshot() Sender {
	return Sender{
		Id:       u.Id,
		Username: u.Username,
		Avatar:   u.Avatar,
	}
}

type Room struct {
	Id          string   `json:"id"`
	Name        string   `json:"name"`
	Description string   `json:"description"`
	Users       []string `json:"users"`
	CreatedBy   string   `json:"createdBy,omitempty"`
}

// Attachment describes a file stored by the upload endpoint.
type Attachment struct {
	StoredName   string `json:"storedName"`
	OriginalName string `json:"originalName"`
	Size         int64  `json:"size"`
	Url          string `json:"url"`
}

type Reactor struct {
	UserId   string `json:"userId"`
	Username string `json:"username"`
}

type Message struct {
	Id        string               `json:"id"`
	Text      string               `json:"text"`
	Sender    Sender               `json:"sender"`
	Timestamp time.Time            `json:"timestamp"`
	RoomId    string               `json:"roomId,omitempty"`
	Recipient string               `json:"recipient,omitempty"`
	File      *Attachment          `json:"file,omitempty"`
	Reactions map[string][]Reactor `json:"reactions"`
	ReadBy    []string             `json:"readBy"`
}

// Clone returns a deep copy safe to hand out after the owning lock is released.
func (m Message) Clone() Message {
	c := m
	if m.File != nil {
		f := *m.File
		c.File = &f
	}
	c.Reactions = CloneReactions(m.Reactions)
	c.ReadBy = append([]string(nil), m.ReadBy...)
	return c
}

func CloneReactions(r map[string][]Reactor) map[string][]Reactor {
	out := make(map[string][]Reactor, len(r))
	for symbol, reactors := range r {
		out[symbol] = append([]Reactor(nil), reactors...)
	}
	return out
}

type Typist struct {
	UserId   string `json:"userId"`
	Username string `json:"username"`
}
