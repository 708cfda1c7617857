package ability

// UserType is the account type carried by an authenticated user.
type UserType string

const (
	TypeAdmin   UserType = "ADMIN"
	TypeStudent UserType = "STUDENT"
	TypeCompany UserType = "COMPANY"
	TypeSchool  UserType = "SCHOOL"
)

// Valid reports whether t is one of the known user types.
func (t UserType) Valid() bool {
	switch t {
	case TypeAdmin, TypeStudent, TypeCompany, TypeSchool:
		return true
	}
	return false
}

// User is the authenticated principal handed over by the identity layer.
type User struct {
	ID    string   `json:"id"`
	Email string   `json:"email"`
	Type  UserType `json:"type"`
}

// Subject names the type of a resource a rule applies to.
type Subject string

const (
	SubjectAll            Subject = "all"
	SubjectUser           Subject = "User"
	SubjectStudentProfile Subject = "StudentProfile"
	SubjectOffer          Subject = "Offer"
	SubjectConversation   Subject = "Conversation"
	SubjectMessage        Subject = "Message"
)

// Resource is anything an ability can be checked against.
type Resource interface {
	Subject() Subject
}

// UserResource is a user account as seen by the rules.
type UserResource struct {
	ID   string
	Type UserType
}

func (UserResource) Subject() Subject { return SubjectUser }

// StudentProfileResource is a student profile owned by UserID.
type StudentProfileResource struct {
	UserID string
}

func (StudentProfileResource) Subject() Subject { return SubjectStudentProfile }

// OfferResource is a job offer owned by the company user UserID.
type OfferResource struct {
	UserID string
}

func (OfferResource) Subject() Subject { return SubjectOffer }

// ConversationResource is the participant list of a conversation.
type ConversationResource struct {
	ParticipantsIDs []string
}

func (ConversationResource) Subject() Subject { return SubjectConversation }

// HasParticipant reports whether userID takes part in the conversation.
func (c ConversationResource) HasParticipant(userID string) bool {
	for _, id := range c.ParticipantsIDs {
		if id == userID {
			return true
		}
	}
	return false
}

// MessageResource is a message together with the conversation it belongs to.
// Participant rights on the message are inherited from Conversation.
type MessageResource struct {
	SenderID     string
	Conversation ConversationResource
}

func (MessageResource) Subject() Subject { return SubjectMessage }
