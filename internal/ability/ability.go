// Package ability evaluates capability rules for an authenticated user.
//
// An Ability is an ordered list of rules built once per user from a static
// policy keyed on the user type. Checks scan every rule in order and keep a
// running verdict: each matching rule overwrites the verdict with its effect,
// so later, narrower rules override earlier, broader ones. No matching rule
// means the action is not allowed.
package ability

// Action is an operation a user may attempt on a resource.
type Action string

const (
	// Manage matches every action.
	Manage Action = "manage"
	Create Action = "create"
	Read   Action = "read"
	Update Action = "update"
	Delete Action = "delete"
)

// Effect is the verdict a matching rule contributes.
type Effect int

const (
	Allow Effect = iota
	Deny
)

// Condition is a predicate over the concrete resource. A nil Condition
// matches every resource of the rule's subject.
type Condition func(r Resource) bool

// Rule grants or revokes Actions on Subject for resources satisfying
// Condition.
type Rule struct {
	Actions   []Action
	Subject   Subject
	Condition Condition
	Effect    Effect
}

func (r Rule) matches(action Action, res Resource) bool {
	if !r.coversAction(action) {
		return false
	}
	if r.Subject != SubjectAll && (res == nil || r.Subject != res.Subject()) {
		return false
	}
	if r.Condition == nil {
		return true
	}
	return res != nil && r.Condition(res)
}

func (r Rule) coversAction(action Action) bool {
	for _, a := range r.Actions {
		if a == Manage || a == action {
			return true
		}
	}
	return false
}

// Ability is the computed rule set of one user.
type Ability struct {
	user  User
	rules []Rule
}

// New returns an Ability over an explicit rule list.
func New(user User, rules []Rule) *Ability {
	return &Ability{user: user, rules: rules}
}

// User returns the principal the ability was built for.
func (a *Ability) User() User {
	return a.user
}

// Rules returns a copy of the ordered rule list.
func (a *Ability) Rules() []Rule {
	out := make([]Rule, len(a.rules))
	copy(out, a.rules)
	return out
}

// Can reports whether action is allowed on res.
func (a *Ability) Can(action Action, res Resource) bool {
	allowed := false
	for _, rule := range a.rules {
		if rule.matches(action, res) {
			allowed = rule.Effect == Allow
		}
	}
	return allowed
}

// Cannot is the negation of Can.
func (a *Ability) Cannot(action Action, res Resource) bool {
	return !a.Can(action, res)
}
