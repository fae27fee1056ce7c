package dispatcher

import (
	"context"
	"encoding/json"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/memtierd/memtierd/internal/bundle"
	"github.com/memtierd/memtierd/internal/llmclient"
	"github.com/memtierd/memtierd/internal/memory"
	"github.com/memtierd/memtierd/internal/processor"
	"github.com/memtierd/memtierd/internal/userlog"
)

type fakeLLM struct {
	resp []byte
	err  error
}

func (f *fakeLLM) CompleteJSON(ctx context.Context, req llmclient.Request) ([]byte, error) {
	return f.resp, f.err
}

// newTestDispatcher builds a Dispatcher over a Bundle whose stores are
// in-process (no Redis, no Mongo, no real LLM) so routing logic can be
// exercised without any external dependency.
func newTestDispatcher(t *testing.T, llm llmclient.Client) *Dispatcher {
	t.Helper()
	dir := t.TempDir()

	backend := memory.NewInMemoryIndex()
	stmInner := memory.NewSemanticStore(backend, memory.TierSTM, 100, zap.NewNop())
	ltmInner := memory.NewSemanticStore(backend, memory.TierLTM, 100, zap.NewNop())
	stm := memory.NewEvictingStore(stmInner, memory.EvictingStoreConfig{MaxSizeBeforeEvict: 50}, nil, zap.NewNop())
	ltm := memory.NewDecayingStore(ltmInner, filepath.Join(dir, "decay.json"), zap.NewNop())
	users := userlog.NewStore(filepath.Join(dir, "users"), 100, nil, zap.NewNop())

	tpl := &processor.Template{Body: "Summarize for {{char}}:\n"}
	proc := processor.New(llm, tpl, "gpt-4o-mini", 1024, zap.NewNop())

	b := &bundle.Bundle{
		STM:               stm,
		LTM:               ltm,
		Users:             users,
		Processor:         proc,
		MaxMemoryLifetime: 90,
	}

	return New(b, nil, nil, zap.NewNop())
}

func dispatchRaw(t *testing.T, d *Dispatcher, msg map[string]any) (any, bool) {
	t.Helper()
	raw, err := json.Marshal(msg)
	require.NoError(t, err)
	return d.dispatchOne(context.Background(), raw)
}

func TestDispatcher_StoreThenQuery(t *testing.T) {
	t.Parallel()
	d := newTestDispatcher(t, &fakeLLM{})

	resp, closeRequested := dispatchRaw(t, d, map[string]any{
		"uid":     "1",
		"type":    "store",
		"ai_name": "assistant",
		"to":      []string{"stm"},
		"memories": []map[string]any{
			{"content": "the sky is blue"},
		},
	})
	require.False(t, closeRequested)
	require.Nil(t, resp, "store has no response on success")

	resp, closeRequested = dispatchRaw(t, d, map[string]any{
		"uid":     "2",
		"type":    "query",
		"ai_name": "assistant",
		"query":   "sky",
		"from":    []string{"stm"},
		"n":       []int{5},
	})
	require.False(t, closeRequested)
	qr, ok := resp.(*QueryResponse)
	require.True(t, ok)
	require.Equal(t, "2", qr.UID)
	require.Len(t, qr.STM, 1)
	require.Equal(t, "the sky is blue", qr.STM[0].Memory.Content)
}

func TestDispatcher_StoreUsersRequiresUser(t *testing.T) {
	t.Parallel()
	d := newTestDispatcher(t, &fakeLLM{})

	resp, _ := dispatchRaw(t, d, map[string]any{
		"uid":     "1",
		"type":    "store",
		"ai_name": "assistant",
		"to":      []string{"users"},
		"memories": []map[string]any{
			{"content": "no user set here"},
		},
	})
	errResp, ok := resp.(ErrorResponse)
	require.True(t, ok)
	require.Equal(t, "error", errResp.Type)
	require.Equal(t, "1", errResp.UID)
}

func TestDispatcher_CountAfterStore(t *testing.T) {
	t.Parallel()
	d := newTestDispatcher(t, &fakeLLM{})

	dispatchRaw(t, d, map[string]any{
		"uid": "1", "type": "store", "ai_name": "assistant", "to": []string{"stm", "ltm"},
		"memories": []map[string]any{{"content": "fact A"}},
	})

	resp, _ := dispatchRaw(t, d, map[string]any{
		"uid": "2", "type": "count", "ai_name": "assistant", "from": []string{"stm", "ltm"},
	})
	cr, ok := resp.(*CountResponse)
	require.True(t, ok)
	require.NotNil(t, cr.STM)
	require.NotNil(t, cr.LTM)
	require.Equal(t, 1, *cr.STM)
	require.Equal(t, 1, *cr.LTM)
}

func TestDispatcher_ClearReturnsAck(t *testing.T) {
	t.Parallel()
	d := newTestDispatcher(t, &fakeLLM{})

	resp, _ := dispatchRaw(t, d, map[string]any{
		"uid": "1", "type": "clear", "ai_name": "assistant", "target": "stm",
	})
	ack, ok := resp.(*AckResponse)
	require.True(t, ok)
	require.Equal(t, "ack", ack.Type)
	require.Equal(t, "clear", ack.Op)
	require.Equal(t, Tier("stm"), ack.Target)
}

func TestDispatcher_ClearUsersWithoutUserClearsEveryLog(t *testing.T) {
	t.Parallel()
	d := newTestDispatcher(t, &fakeLLM{})

	for _, user := range []string{"u1", "u2"} {
		for i := 0; i < 2; i++ {
			resp, _ := dispatchRaw(t, d, map[string]any{
				"uid": "1", "type": "store", "ai_name": "C", "to": []string{"stm", "users"},
				"memories": []map[string]any{{"content": "fact", "user": user}},
			})
			require.Nil(t, resp)
		}
	}

	resp, _ := dispatchRaw(t, d, map[string]any{
		"uid": "2", "type": "clear", "ai_name": "C", "target": "users",
	})
	ack, ok := resp.(*AckResponse)
	require.True(t, ok)
	require.Equal(t, Tier("users"), ack.Target)
	require.Empty(t, ack.User)

	for _, user := range []string{"u1", "u2"} {
		qr, _ := dispatchRaw(t, d, map[string]any{
			"uid": "3", "type": "query", "ai_name": "C", "user": user,
			"from": []string{"users"}, "n": []int{10},
		})
		require.Empty(t, qr.(*QueryResponse).Users)
	}

	// STM is untouched by a users-target clear.
	countResp, _ := dispatchRaw(t, d, map[string]any{
		"uid": "4", "type": "count", "ai_name": "C", "from": []string{"stm"},
	})
	require.Equal(t, 4, *countResp.(*CountResponse).STM)
}

func TestDispatcher_EvictHasNoResponse(t *testing.T) {
	t.Parallel()
	d := newTestDispatcher(t, &fakeLLM{})

	resp, closeRequested := dispatchRaw(t, d, map[string]any{
		"uid": "1", "type": "evict", "ai_name": "assistant",
	})
	require.Nil(t, resp)
	require.False(t, closeRequested)
}

func TestDispatcher_Process(t *testing.T) {
	t.Parallel()
	result := processor.Result{
		Summary:    "they talked about the weather",
		Remember:   []processor.RememberEntry{{Text: "likes rain", User: "bob"}},
		Importance: 0.5,
	}
	raw, err := json.Marshal(result)
	require.NoError(t, err)

	d := newTestDispatcher(t, &fakeLLM{resp: raw})

	resp, closeRequested := dispatchRaw(t, d, map[string]any{
		"uid":     "1",
		"type":    "process",
		"ai_name": "assistant",
		"messages": []map[string]any{
			{"role": "user", "content": "it's raining"},
		},
	})
	require.False(t, closeRequested)
	sr, ok := resp.(*SummaryResponse)
	require.True(t, ok)
	require.Equal(t, "summary", sr.Type)
	require.Equal(t, result.Summary, sr.Summary)

	countResp, _ := dispatchRaw(t, d, map[string]any{
		"uid": "2", "type": "count", "ai_name": "assistant", "from": []string{"stm"},
	})
	cr := countResp.(*CountResponse)
	require.Equal(t, 2, *cr.STM, "summary + one remembered entry")
}

func TestDispatcher_UnknownTypeIsError(t *testing.T) {
	t.Parallel()
	d := newTestDispatcher(t, &fakeLLM{})

	resp, closeRequested := dispatchRaw(t, d, map[string]any{"uid": "1", "type": "bogus"})
	require.False(t, closeRequested)
	errResp, ok := resp.(ErrorResponse)
	require.True(t, ok)
	require.Contains(t, errResp.Error, "unknown message type")
}

func TestDispatcher_MissingUIDIsAssignedAFallback(t *testing.T) {
	t.Parallel()
	d := newTestDispatcher(t, &fakeLLM{})

	resp, _ := dispatchRaw(t, d, map[string]any{
		"type": "count", "ai_name": "assistant", "from": []string{"stm"},
	})
	cr, ok := resp.(*CountResponse)
	require.True(t, ok)
	require.NotEmpty(t, cr.UID)
}

func TestDispatcher_CloseRequestsShutdown(t *testing.T) {
	t.Parallel()
	d := newTestDispatcher(t, &fakeLLM{})

	resp, closeRequested := dispatchRaw(t, d, map[string]any{"uid": "1", "type": "close"})
	require.Nil(t, resp)
	require.True(t, closeRequested)
}
