package connector

// Allowed reports whether the message passes the account's access policy.
// Group conversations check the group mode against the conversation id;
// private conversations check the private mode against the sender id. An
// unset mode defaults to open.
//
// The pipeline calls this after deduplication so repeated denied deliveries
// of one message cannot inflate processing counters.
func Allowed(msg InboundMessage, policy AccessPolicy) bool {
	if msg.ConversationType.IsGroup() {
		switch policy.Group {
		case AccessAllowlist:
			return policy.contains(msg.ConversationID)
		default:
			return true
		}
	}
	switch policy.Private {
	case AccessAllowlist:
		return policy.contains(msg.SenderID)
	default:
		return true
	}
}
