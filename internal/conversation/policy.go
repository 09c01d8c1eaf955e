package conversation

// Action is what the system does after persisting an inbound message.
type Action int

const (
	// ActionNone leaves the conversation for a human.
	ActionNone Action = iota
	// ActionSuggestOnly allows agents to request drafts; nothing is sent automatically.
	ActionSuggestOnly
	// ActionAutoReply generates and sends a reply without human review.
	ActionAutoReply
)

func (a Action) String() string {
	switch a {
	case ActionAutoReply:
		return "auto_reply"
	case ActionSuggestOnly:
		return "suggest_only"
	default:
		return "none"
	}
}

// Decide maps a conversation mode and message author to an action.
// Only client messages can trigger automation; unknown modes behave as manual.
func Decide(mode AIMode, sender Sender) Action {
	if sender != SenderClient {
		return ActionNone
	}
	switch mode {
	case AIModeAuto:
		return ActionAutoReply
	case AIModeDraft:
		return ActionSuggestOnly
	default:
		return ActionNone
	}
}

// AllowsGeneration reports whether an AI reply may be produced in this mode.
func AllowsGeneration(mode AIMode) bool {
	return mode == AIModeAuto || mode == AIModeDraft
}
