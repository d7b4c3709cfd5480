package store

import (
	"sync"

	"github.com/npezzotti/chat-relay/internal/types"
)

// conversationKey identifies the conversation between two users regardless
// of which of them is asking.
type conversationKey struct {
	lo, hi string
}

func newConversationKey(a, b string) conversationKey {
	if b < a {
		a, b = b, a
	}
	return conversationKey{lo: a, hi: b}
}

type PrivateStore struct {
	mu            sync.Mutex
	conversations map[conversationKey][]types.Message
}

func NewPrivateStore() *PrivateStore {
	return &PrivateStore{
		conversations: make(map[conversationKey][]types.Message),
	}
}

func (p *PrivateStore) Append(a, b string, msg types.Message) {
	key := newConversationKey(a, b)

	p.mu.Lock()
	defer p.mu.Unlock()
	p.conversations[key] = append(p.conversations[key], msg.Clone())
}

// Recent returns the last limit messages exchanged between a and b. A limit
// <= 0 returns the whole conversation.
func (p *PrivateStore) Recent(a, b string, limit int) []types.Message {
	key := newConversationKey(a, b)

	p.mu.Lock()
	defer p.mu.Unlock()

	log := p.conversations[key]
	start := 0
	if limit > 0 && len(log) > limit {
		start = len(log) - limit
	}

	out := make([]types.Message, 0, len(log)-start)
	for _, m := range log[start:] {
		out = append(out, m.Clone())
	}
	return out
}
