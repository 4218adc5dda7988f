package context

// Assembler builds the ordered exchange sent to the completion service.
type Assembler interface {
	Assemble(lastReply string, userMsg string) []Message
}
