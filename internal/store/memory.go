package store

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Memory implements ConversationStore and MessageStore in process memory.
// It backs the gateway when no database is configured, and the tests.
type Memory struct {
	mu            sync.RWMutex
	conversations map[string]*Conversation
	messages      map[string]*Message
	reads         map[readKey]ReadStatus
	now           func() time.Time
}

type readKey struct {
	messageID string
	userID    string
}

// NewMemory creates an empty Memory store.
func NewMemory() *Memory {
	return &Memory{
		conversations: make(map[string]*Conversation),
		messages:      make(map[string]*Message),
		reads:         make(map[readKey]ReadStatus),
		now:           time.Now,
	}
}

// Conversations returns a ConversationStore view of m.
func (m *Memory) Conversations() ConversationStore { return memConversations{m} }

// Messages returns a MessageStore view of m.
func (m *Memory) Messages() MessageStore { return memMessages{m} }

type memConversations struct{ m *Memory }

func (s memConversations) FindByID(_ context.Context, id string) (*Conversation, error) {
	s.m.mu.RLock()
	defer s.m.mu.RUnlock()

	c, ok := s.m.conversations[id]
	if !ok {
		return nil, ErrNotFound
	}
	return cloneConversation(c), nil
}

func (s memConversations) Create(_ context.Context, c Conversation) (*Conversation, error) {
	s.m.mu.Lock()
	defer s.m.mu.Unlock()

	if c.ID == "" {
		c.ID = uuid.NewString()
	}
	now := s.m.now()
	c.CreatedAt, c.UpdatedAt = now, now
	c.ParticipantsIDs = append([]string(nil), c.ParticipantsIDs...)
	s.m.conversations[c.ID] = &c
	return cloneConversation(&c), nil
}

func (s memConversations) SetParticipants(_ context.Context, id string, participantsIDs []string) (*Conversation, error) {
	s.m.mu.Lock()
	defer s.m.mu.Unlock()

	c, ok := s.m.conversations[id]
	if !ok {
		return nil, ErrNotFound
	}
	c.ParticipantsIDs = append([]string(nil), participantsIDs...)
	c.UpdatedAt = s.m.now()
	return cloneConversation(c), nil
}

func (s memConversations) SetLastMessage(_ context.Context, id, messageID string) error {
	s.m.mu.Lock()
	defer s.m.mu.Unlock()

	c, ok := s.m.conversations[id]
	if !ok {
		return ErrNotFound
	}
	if _, ok := s.m.messages[messageID]; !ok {
		return ErrForeignKey
	}
	c.LastMessageID = messageID
	c.UpdatedAt = s.m.now()
	return nil
}

func (s memConversations) Delete(_ context.Context, id string) error {
	s.m.mu.Lock()
	defer s.m.mu.Unlock()

	if _, ok := s.m.conversations[id]; !ok {
		return ErrNotFound
	}
	delete(s.m.conversations, id)
	for msgID, msg := range s.m.messages {
		if msg.ConversationID != id {
			continue
		}
		delete(s.m.messages, msgID)
		for k := range s.m.reads {
			if k.messageID == msgID {
				delete(s.m.reads, k)
			}
		}
	}
	return nil
}

func (s memConversations) FindByQuery(_ context.Context, q ConversationQuery) ([]Conversation, int, error) {
	s.m.mu.RLock()
	defer s.m.mu.RUnlock()

	var matched []*Conversation
	for _, c := range s.m.conversations {
		if q.ParticipantID != "" && !contains(c.ParticipantsIDs, q.ParticipantID) {
			continue
		}
		matched = append(matched, c)
	}
	sort.Slice(matched, func(i, j int) bool {
		if matched[i].UpdatedAt.Equal(matched[j].UpdatedAt) {
			return matched[i].ID < matched[j].ID
		}
		return matched[i].UpdatedAt.After(matched[j].UpdatedAt)
	})

	total := len(matched)
	start := q.Offset
	if start > total {
		start = total
	}
	end := total
	if q.Limit > 0 && start+q.Limit < end {
		end = start + q.Limit
	}

	page := make([]Conversation, 0, end-start)
	for _, c := range matched[start:end] {
		page = append(page, *cloneConversation(c))
	}
	return page, total, nil
}

type memMessages struct{ m *Memory }

func (s memMessages) FindByID(_ context.Context, id string) (*Message, error) {
	s.m.mu.RLock()
	defer s.m.mu.RUnlock()

	msg, ok := s.m.messages[id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *msg
	return &cp, nil
}

func (s memMessages) Create(_ context.Context, msg Message) (*Message, error) {
	s.m.mu.Lock()
	defer s.m.mu.Unlock()

	if _, ok := s.m.conversations[msg.ConversationID]; !ok {
		return nil, ErrForeignKey
	}
	if msg.ID == "" {
		msg.ID = uuid.NewString()
	}
	now := s.m.now()
	msg.CreatedAt, msg.UpdatedAt = now, now
	s.m.messages[msg.ID] = &msg
	cp := msg
	return &cp, nil
}

func (s memMessages) Update(_ context.Context, id, content string) (*Message, error) {
	s.m.mu.Lock()
	defer s.m.mu.Unlock()

	msg, ok := s.m.messages[id]
	if !ok {
		return nil, ErrNotFound
	}
	msg.Content = content
	msg.UpdatedAt = s.m.now()
	cp := *msg
	return &cp, nil
}

func (s memMessages) Delete(_ context.Context, id string) error {
	s.m.mu.Lock()
	defer s.m.mu.Unlock()

	if _, ok := s.m.messages[id]; !ok {
		return ErrNotFound
	}
	delete(s.m.messages, id)
	for k := range s.m.reads {
		if k.messageID == id {
			delete(s.m.reads, k)
		}
	}
	for _, c := range s.m.conversations {
		if c.LastMessageID == id {
			c.LastMessageID = ""
		}
	}
	return nil
}

func (s memMessages) FindByConversation(_ context.Context, conversationID string, q HistoryQuery) ([]Message, error) {
	s.m.mu.RLock()
	defer s.m.mu.RUnlock()

	var out []Message
	for _, msg := range s.m.messages {
		if msg.ConversationID != conversationID {
			continue
		}
		if q.Before != nil && !msg.CreatedAt.Before(*q.Before) {
			continue
		}
		out = append(out, *msg)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID > out[j].ID
		}
		return out[i].CreatedAt.After(out[j].CreatedAt)
	})
	if q.Limit > 0 && len(out) > q.Limit {
		out = out[:q.Limit]
	}
	return out, nil
}

func (s memMessages) MarkRead(_ context.Context, messageID, userID string, readAt time.Time) (*ReadStatus, error) {
	s.m.mu.Lock()
	defer s.m.mu.Unlock()

	if _, ok := s.m.messages[messageID]; !ok {
		return nil, ErrForeignKey
	}
	rs := ReadStatus{MessageID: messageID, UserID: userID, ReadAt: readAt}
	s.m.reads[readKey{messageID: messageID, userID: userID}] = rs
	return &rs, nil
}

func (s memMessages) ReadStatuses(_ context.Context, messageID string) ([]ReadStatus, error) {
	s.m.mu.RLock()
	defer s.m.mu.RUnlock()

	var out []ReadStatus
	for k, rs := range s.m.reads {
		if k.messageID == messageID {
			out = append(out, rs)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].UserID < out[j].UserID })
	return out, nil
}

func cloneConversation(c *Conversation) *Conversation {
	cp := *c
	cp.ParticipantsIDs = append([]string(nil), c.ParticipantsIDs...)
	return &cp
}

func contains(ids []string, id string) bool {
	for _, v := range ids {
		if v == id {
			return true
		}
	}
	return false
}
