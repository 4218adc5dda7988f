package context

// ReplyAssembler pairs the previous assistant reply with the new user text.
type ReplyAssembler struct{}

// Assemble builds the two-entry exchange: assistant(lastReply) then user(userMsg).
// The assistant entry is always present, even when lastReply is empty.
func (a *ReplyAssembler) Assemble(lastReply string, userMsg string) []Message {
	return []Message{
		{Role: RoleAssistant, Content: lastReply},
		{Role: RoleUser, Content: userMsg},
	}
}
