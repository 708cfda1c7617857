package ability

// ForUser builds the ability of user from the static policy.
func ForUser(user User) *Ability {
	return New(user, policy(user))
}

func policy(user User) []Rule {
	if user.Type == TypeAdmin {
		return []Rule{allow(SubjectAll, nil, Manage)}
	}

	rules := []Rule{
		deny(SubjectAll, nil, Manage),

		// Accounts: anyone may register a non-admin account, and only manage
		// (which includes read) their own record.
		allow(SubjectUser, func(r Resource) bool {
			u, ok := r.(UserResource)
			return ok && u.Type != TypeAdmin
		}, Create),
		allow(SubjectUser, func(r Resource) bool {
			u, ok := r.(UserResource)
			return ok && u.ID == user.ID
		}, Manage),
	}

	ownedBy := func(r Resource) bool {
		switch v := r.(type) {
		case StudentProfileResource:
			return v.UserID == user.ID
		case OfferResource:
			return v.UserID == user.ID
		}
		return false
	}

	switch user.Type {
	case TypeStudent:
		rules = append(rules,
			allow(SubjectStudentProfile, ownedBy, Create, Manage),
			allow(SubjectStudentProfile, nil, Read),
			deny(SubjectOffer, nil, Create, Manage),
			allow(SubjectOffer, nil, Read),
		)
	case TypeCompany:
		rules = append(rules,
			allow(SubjectOffer, ownedBy, Create, Manage),
			allow(SubjectStudentProfile, nil, Read),
			allow(SubjectOffer, nil, Read),
		)
	case TypeSchool:
		rules = append(rules,
			allow(SubjectStudentProfile, nil, Read),
			allow(SubjectOffer, nil, Read),
		)
	}

	participant := func(r Resource) bool {
		switch v := r.(type) {
		case ConversationResource:
			return v.HasParticipant(user.ID)
		case MessageResource:
			return v.Conversation.HasParticipant(user.ID)
		}
		return false
	}
	sender := func(r Resource) bool {
		m, ok := r.(MessageResource)
		return ok && m.SenderID == user.ID
	}
	notSender := func(r Resource) bool {
		m, ok := r.(MessageResource)
		return ok && m.SenderID != user.ID
	}

	rules = append(rules,
		allow(SubjectConversation, participant, Create),
		allow(SubjectConversation, participant, Read, Update, Delete),
		allow(SubjectMessage, func(r Resource) bool {
			return participant(r) && sender(r)
		}, Create),
		allow(SubjectMessage, participant, Read, Update, Delete),
		deny(SubjectMessage, notSender, Update, Delete),
	)
	return rules
}

func allow(subject Subject, cond Condition, actions ...Action) Rule {
	return Rule{Actions: actions, Subject: subject, Condition: cond, Effect: Allow}
}

func deny(subject Subject, cond Condition, actions ...Action) Rule {
	return Rule{Actions: actions, Subject: subject, Condition: cond, Effect: Deny}
}
