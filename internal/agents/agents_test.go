package agents

import (
	"context"
	"errors"
	"strings"
	"sync/atomic"
	"testing"
	"time"
	"unicode/utf8"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"insight/internal/bus"
	"insight/internal/messaging"
	"insight/internal/shared/logging"
)

func newBus(t *testing.T) *bus.Bus {
	t.Helper()
	b, err := bus.New(bus.LinkConfig{AllowInsecure: true}, bus.WithLogger(logging.Nop()))
	require.NoError(t, err)
	t.Cleanup(func() { _ = b.Close() })
	return b
}

func TestPipelineForwardsRunToMarketReport(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	b := newBus(t)
	orchestrator, err := b.Subscribe(ctx, OrchestratorID)
	require.NoError(t, err)

	rt := NewRuntime(b, logging.Nop(), Pipeline(OfflineChat{}, b)...)
	require.NoError(t, rt.Start(ctx))

	run, err := messaging.NewEnvelope(OrchestratorID, PlanningID, map[string]any{
		"kind": "run", "run_id": "run-1", "horizon": 5, "num_sectors": 6, "curve": "logistic",
	})
	require.NoError(t, err)
	require.NoError(t, b.Publish(ctx, run))

	report, err := orchestrator.Next(ctx)
	require.NoError(t, err)
	assert.Equal(t, MarketID, report.Sender())
	kind, _ := report.Get("kind")
	assert.Equal(t, "market", kind)
	runID, _ := report.Get("run_id")
	assert.Equal(t, "run-1", runID)
	content, _ := report.Get("content")
	assert.Equal(t, true, content.(map[string]any)["offline"])

	cancel()
	require.NoError(t, rt.Wait())
}

type failingChat struct{ calls atomic.Int32 }

func (f *failingChat) Complete(context.Context, string, string) (string, error) {
	f.calls.Add(1)
	return "", errors.New("rate limited by provider")
}

func TestHandlerErrorsDoNotStopTheLoop(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	b := newBus(t)
	research, err := b.Subscribe(ctx, ResearchID)
	require.NoError(t, err)

	chat := &failingChat{}
	rt := NewRuntime(b, logging.Nop(), NewPlanningAgent(chat, b))
	require.NoError(t, rt.Start(ctx))

	for i := 0; i < 3; i++ {
		env, err := messaging.NewEnvelope(OrchestratorID, PlanningID, map[string]any{"kind": "run"})
		require.NoError(t, err)
		require.NoError(t, b.Publish(ctx, env))
	}

	require.Eventually(t, func() bool { return chat.calls.Load() == 3 }, 2*time.Second, 5*time.Millisecond)
	assert.Equal(t, 0, research.Pending())

	rt.Stop()
	require.NoError(t, rt.Wait())
}

func TestStageIgnoresOtherKinds(t *testing.T) {
	chat := &failingChat{}
	agent := NewStrategyAgent(chat, nil)
	env, err := messaging.NewEnvelope(OrchestratorID, messaging.Broadcast, map[string]any{"kind": "progress"})
	require.NoError(t, err)
	require.NoError(t, agent.Handle(context.Background(), env))
	assert.Equal(t, int32(0), chat.calls.Load())
}

func TestRuntimeStartTwice(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	rt := NewRuntime(newBus(t), logging.Nop())
	require.NoError(t, rt.Start(ctx))
	assert.Error(t, rt.Start(ctx))
}

func TestOfflineChatIsDeterministic(t *testing.T) {
	a, err := OfflineChat{}.Complete(context.Background(), "sys", "prompt")
	require.NoError(t, err)
	b, _ := OfflineChat{}.Complete(context.Background(), "sys", "prompt")
	c, _ := OfflineChat{}.Complete(context.Background(), "sys", "other")
	assert.Equal(t, a, b)
	assert.NotEqual(t, a, c)
	assert.Contains(t, ParseReply(a), "confidence")
}

func TestOfflineChatSummaryKeepsRunesWhole(t *testing.T) {
	prompt := strings.Repeat("é", 79) + "日本語"
	reply, err := OfflineChat{}.Complete(context.Background(), "sys", prompt)
	require.NoError(t, err)

	summary, _ := ParseReply(reply)["summary"].(string)
	assert.True(t, utf8.ValidString(summary))
	assert.NotContains(t, summary, "\uFFFD")
	assert.Equal(t, strings.Repeat("é", 79)+"日", summary)

	assert.Equal(t, "short", truncateRunes("short", offlineSummaryRunes))
}

func TestParseReply(t *testing.T) {
	assert.Equal(t, map[string]any{"a": float64(1)}, ParseReply(`{"a": 1}`))
	assert.Equal(t, map[string]any{"a": float64(1)}, ParseReply("```json\n{\"a\": 1}\n```"))
	assert.Equal(t, map[string]any{"a": float64(1), "b": "x"}, ParseReply(`{"a": 1, "b": 'x',}`))
	assert.Equal(t, map[string]any{"text": "no json here"}, ParseReply("no json here"))
}

func TestNewChatModelFallsBackOffline(t *testing.T) {
	assert.IsType(t, OfflineChat{}, NewChatModel(ModelConfig{Offline: true, OpenAIKey: "k"}))
	assert.IsType(t, OfflineChat{}, NewChatModel(ModelConfig{Provider: "openai"}))
	assert.IsType(t, OfflineChat{}, NewChatModel(ModelConfig{Provider: "anthropic"}))
	assert.IsType(t, &OpenAIChat{}, NewChatModel(ModelConfig{Provider: "openai", OpenAIKey: "k"}))
	assert.IsType(t, &AnthropicChat{}, NewChatModel(ModelConfig{Provider: "anthropic", AnthropicKey: "k"}))
}

func TestOrchestratorSinkReportsMarketEnvelopes(t *testing.T) {
	var got []any
	sink := NewOrchestratorSink(func(runID, _ any) { got = append(got, runID) })
	assert.Equal(t, OrchestratorID, sink.ID())

	market, err := messaging.NewEnvelope(MarketID, OrchestratorID, map[string]any{"kind": "market", "run_id": "run-9"})
	require.NoError(t, err)
	other, err := messaging.NewEnvelope(PlanningID, OrchestratorID, map[string]any{"kind": "plan"})
	require.NoError(t, err)

	require.NoError(t, sink.Handle(context.Background(), other))
	require.NoError(t, sink.Handle(context.Background(), market))
	assert.Equal(t, []any{"run-9"}, got)
}
