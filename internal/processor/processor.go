// Package processor turns raw conversation turns into a batch of candidate
// memories via the LLMClient.
package processor

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"github.com/memtierd/memtierd/internal/llmclient"
	"github.com/memtierd/memtierd/internal/tokenbudget"
)

// Role is a conversation turn's speaker role.
type Role string

const (
	RoleSystem    Role = "system"
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// Turn is one raw conversation turn as submitted to the `process` message.
type Turn struct {
	Role    Role   `json:"role"`
	Name    string `json:"name,omitempty"`
	Content string `json:"content"`
}

// RememberEntry is one candidate STM memory surfaced by the model.
type RememberEntry struct {
	Text string `json:"text"`
	User string `json:"user,omitempty"`
}

// Emotions are seven labeled intensities in [0,1].
type Emotions struct {
	Neutral  float64 `json:"neutral"`
	Sadness  float64 `json:"sadness"`
	Joy      float64 `json:"joy"`
	Love     float64 `json:"love"`
	Anger    float64 `json:"anger"`
	Fear     float64 `json:"fear"`
	Surprise float64 `json:"surprise"`
}

// Result is the schema the model's JSON reply must match.
type Result struct {
	Summary            string          `json:"summary"`
	Remember           []RememberEntry `json:"remember"`
	Emotions           Emotions        `json:"emotions"`
	EmotionalIntensity float64         `json:"emotional_intensity"`
	Importance         float64         `json:"importance"`
}

// Score is the downstream (emotional_intensity+importance)/2 value the
// Dispatcher stores as each memory's score and uses to compute its lifetime.
func (r Result) Score() float64 {
	return (r.EmotionalIntensity + r.Importance) / 2
}

// Processor renders the process prompt template against a batch of new
// conversation turns and asks the LLM to extract memories from it.
type Processor struct {
	llm         llmclient.Client
	template    *Template
	trimmer     *tokenbudget.Trimmer
	tokenBudget int
	logger      *zap.Logger
}

// New builds a Processor. model selects the tiktoken encoding used to trim
// the rendered transcript to tokenBudget tokens before sending it.
func New(llm llmclient.Client, template *Template, model string, tokenBudget int, logger *zap.Logger) *Processor {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Processor{
		llm:         llm,
		template:    template,
		trimmer:     tokenbudget.NewTrimmer(model),
		tokenBudget: tokenBudget,
		logger:      logger.With(zap.String("component", "processor")),
	}
}

// Process renders the prompt for agentName against newTurns, sends it with
// priorContext as chat history, and returns the parsed Result.
func (p *Processor) Process(ctx context.Context, agentName string, priorContext []Turn, newTurns []Turn) (*Result, error) {
	lines := renderTranscript(agentName, newTurns)

	trimmed, err := p.trimmer.TrimTranscript(lines, p.tokenBudget)
	if err != nil {
		return nil, fmt.Errorf("processor: trim transcript: %w", err)
	}
	if len(trimmed) < len(lines) {
		p.logger.Debug("transcript trimmed to token budget",
			zap.Int("dropped", len(lines)-len(trimmed)), zap.String("agent", agentName))
	}

	prompt := p.template.Render(agentName) + "\n" + strings.Join(trimmed, "")

	history := make([]llmclient.Message, 0, len(priorContext))
	for _, turn := range priorContext {
		role, ok := toLLMRole(turn.Role)
		if !ok {
			continue
		}
		history = append(history, llmclient.Message{Role: role, Content: turn.Content})
	}

	raw, err := p.llm.CompleteJSON(ctx, llmclient.Request{System: prompt, History: history})
	if err != nil {
		return nil, fmt.Errorf("processor: completion failed: %w", err)
	}

	var result Result
	if err := json.Unmarshal(raw, &result); err != nil {
		return nil, fmt.Errorf("processor: unparseable result: %w", err)
	}
	return &result, nil
}

// renderTranscript renders each turn as "<name>: <content>\n". The speaker
// name is agentName for assistant turns, the turn's own Name (defaulting to
// "User") for user turns, and "SYSTEM" for system turns. Turns with any
// other role are skipped.
func renderTranscript(agentName string, turns []Turn) []string {
	lines := make([]string, 0, len(turns))
	for _, turn := range turns {
		var name string
		switch turn.Role {
		case RoleAssistant:
			name = agentName
		case RoleUser:
			name = turn.Name
			if name == "" {
				name = "User"
			}
		case RoleSystem:
			name = "SYSTEM"
		default:
			continue
		}
		lines = append(lines, fmt.Sprintf("%s: %s\n", name, turn.Content))
	}
	return lines
}

func toLLMRole(r Role) (llmclient.Role, bool) {
	switch r {
	case RoleSystem:
		return llmclient.RoleSystem, true
	case RoleUser:
		return llmclient.RoleUser, true
	case RoleAssistant:
		return llmclient.RoleAssistant, true
	default:
		return "", false
	}
}
