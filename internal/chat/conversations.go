package chat

import (
	"context"
	"time"

	"github.com/junqo/messaging-gateway/internal/ability"
	"github.com/junqo/messaging-gateway/internal/fault"
	"github.com/junqo/messaging-gateway/internal/messaging"
	"github.com/junqo/messaging-gateway/internal/store"
)

// NewConversation is the input of ConversationService.Create.
type NewConversation struct {
	ParticipantsIDs []string
	Title           string
	OfferID         string
	ApplicationID   string
}

// ConversationService manages conversations and their participants.
type ConversationService struct {
	conversations store.ConversationStore
	events        EventPublisher
}

// NewConversationService creates a ConversationService.
func NewConversationService(conversations store.ConversationStore) *ConversationService {
	return &ConversationService{conversations: conversations}
}

// SetPublisher enables domain event publishing.
func (s *ConversationService) SetPublisher(p EventPublisher) {
	s.events = p
}

func resourceOf(c *store.Conversation) ability.ConversationResource {
	return ability.ConversationResource{ParticipantsIDs: c.ParticipantsIDs}
}

// Create persists a conversation. Participants are de-duplicated and the
// creator is always included exactly once.
func (s *ConversationService) Create(ctx context.Context, user ability.User, in NewConversation) (*store.Conversation, error) {
	participants := dedupe(append(append([]string(nil), in.ParticipantsIDs...), user.ID))

	res := ability.ConversationResource{ParticipantsIDs: participants}
	if ability.ForUser(user).Cannot(ability.Create, res) {
		return nil, fault.Denied("you cannot create this conversation")
	}

	conv, err := s.conversations.Create(ctx, store.Conversation{
		ParticipantsIDs: participants,
		Title:           in.Title,
		OfferID:         in.OfferID,
		ApplicationID:   in.ApplicationID,
	})
	if err != nil {
		return nil, storeFault(err, "conversation")
	}

	publish(s.events, messaging.SubjectConversationCreated, Event{
		Type:           "conversation.created",
		ConversationID: conv.ID,
		UserID:         user.ID,
		Ts:             conv.CreatedAt,
	})
	return conv, nil
}

// FindByID returns a conversation the caller may read.
func (s *ConversationService) FindByID(ctx context.Context, user ability.User, id string) (*store.Conversation, error) {
	conv, err := s.conversations.FindByID(ctx, id)
	if err != nil {
		return nil, storeFault(err, "conversation")
	}
	if ability.ForUser(user).Cannot(ability.Read, resourceOf(conv)) {
		return nil, fault.Denied("you cannot read this conversation")
	}
	return conv, nil
}

// FindByQuery lists conversations. Rows the caller may not read are dropped
// and the total is reduced by the number dropped. Non-admin callers list
// their own conversations when no participant is given.
func (s *ConversationService) FindByQuery(ctx context.Context, user ability.User, q store.ConversationQuery) ([]store.Conversation, int, error) {
	if q.ParticipantID == "" && user.Type != ability.TypeAdmin {
		q.ParticipantID = user.ID
	}

	rows, total, err := s.conversations.FindByQuery(ctx, q)
	if err != nil {
		return nil, 0, storeFault(err, "conversation")
	}

	ab := ability.ForUser(user)
	visible := make([]store.Conversation, 0, len(rows))
	for _, c := range rows {
		if ab.Can(ability.Read, resourceOf(&c)) {
			visible = append(visible, c)
			continue
		}
		total--
	}
	return visible, total, nil
}

// AddParticipants adds users to a conversation the caller may update.
func (s *ConversationService) AddParticipants(ctx context.Context, user ability.User, id string, userIDs []string) (*store.Conversation, error) {
	conv, err := s.loadForUpdate(ctx, user, id)
	if err != nil {
		return nil, err
	}
	participants := dedupe(append(append([]string(nil), conv.ParticipantsIDs...), userIDs...))
	return s.setParticipants(ctx, user, id, participants, userIDs)
}

// RemoveParticipants removes users from a conversation the caller may
// update. A conversation cannot be left without participants.
func (s *ConversationService) RemoveParticipants(ctx context.Context, user ability.User, id string, userIDs []string) (*store.Conversation, error) {
	conv, err := s.loadForUpdate(ctx, user, id)
	if err != nil {
		return nil, err
	}

	drop := make(map[string]struct{}, len(userIDs))
	for _, u := range userIDs {
		drop[u] = struct{}{}
	}
	var remaining []string
	for _, p := range conv.ParticipantsIDs {
		if _, ok := drop[p]; !ok {
			remaining = append(remaining, p)
		}
	}
	if len(remaining) == 0 {
		return nil, fault.Denied("a conversation must keep at least one participant")
	}
	return s.setParticipants(ctx, user, id, remaining, userIDs)
}

// Delete removes a conversation the caller may delete, together with its
// messages.
func (s *ConversationService) Delete(ctx context.Context, user ability.User, id string) error {
	conv, err := s.conversations.FindByID(ctx, id)
	if err != nil {
		return storeFault(err, "conversation")
	}
	if ability.ForUser(user).Cannot(ability.Delete, resourceOf(conv)) {
		return fault.Denied("you cannot delete this conversation")
	}
	if err := s.conversations.Delete(ctx, id); err != nil {
		return storeFault(err, "conversation")
	}

	publish(s.events, messaging.SubjectConversationDeleted, Event{
		Type:           "conversation.deleted",
		ConversationID: id,
		UserID:         user.ID,
		Ts:             time.Now(),
	})
	return nil
}

func (s *ConversationService) loadForUpdate(ctx context.Context, user ability.User, id string) (*store.Conversation, error) {
	conv, err := s.conversations.FindByID(ctx, id)
	if err != nil {
		return nil, storeFault(err, "conversation")
	}
	if ability.ForUser(user).Cannot(ability.Update, resourceOf(conv)) {
		return nil, fault.Denied("you cannot update this conversation")
	}
	return conv, nil
}

func (s *ConversationService) setParticipants(ctx context.Context, user ability.User, id string, participants, changed []string) (*store.Conversation, error) {
	conv, err := s.conversations.SetParticipants(ctx, id, participants)
	if err != nil {
		return nil, storeFault(err, "conversation")
	}

	publish(s.events, messaging.SubjectConversationUpdated, Event{
		Type:           "conversation.updated",
		ConversationID: conv.ID,
		UserID:         user.ID,
		UserIDs:        changed,
		Ts:             conv.UpdatedAt,
	})
	return conv, nil
}

// dedupe removes empty and repeated ids, keeping first occurrences in order.
func dedupe(ids []string) []string {
	seen := make(map[string]struct{}, len(ids))
	out := make([]string, 0, len(ids))
	for _, id := range ids {
		if id == "" {
			continue
		}
		if _, ok := seen[id]; ok {
			continue
		}
		seen[id] = struct{}{}
		out = append(out, id)
	}
	return out
}
