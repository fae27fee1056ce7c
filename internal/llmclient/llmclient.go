// Package llmclient is the opaque language-model collaborator used by the
// Processor and Compressor: given a system prompt and a chat history, it
// returns a JSON object that the caller unmarshals into its own declared
// schema (ProcessResult, the distillation candidate list, the merge
// decision). The core engine never depends on a specific provider; only this
// package does.
package llmclient

import "context"

// Role is a chat message role understood by the underlying API.
type Role string

const (
	RoleSystem    Role = "system"
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// Message is one turn of chat history.
type Message struct {
	Role    Role
	Content string
}

// Request asks the model to answer strictly in JSON.
type Request struct {
	// System is the instruction prompt, sent as the system message.
	System string
	// History is prior turns, oldest first.
	History []Message
	// Temperature and MaxTokens override the client's configured defaults
	// when non-zero.
	Temperature float32
	MaxTokens   int
}

// Client is the contract the Processor and Compressor use to obtain a
// structured JSON completion from an external language model. Implementors
// need not be able to stream; exactly one completion is produced per call.
type Client interface {
	// CompleteJSON sends req and returns the raw JSON content of the model's
	// reply. The caller is responsible for unmarshalling it into the schema
	// it expects and treating unparseable content as a retryable failure
	// (per the error handling taxonomy).
	CompleteJSON(ctx context.Context, req Request) (json []byte, err error)
}
