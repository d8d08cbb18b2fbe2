// Package agents runs the planning, research, strategy, and market agents.
// Each agent pulls envelopes from its bus subscription, asks its ChatModel
// for a reply, and forwards a structured envelope to the next stage.
package agents

import (
	"context"
	"fmt"

	"insight/internal/messaging"
)

// Agent ids on the bus.
const (
	PlanningID     = "planning"
	ResearchID     = "research"
	StrategyID     = "strategy"
	MarketID       = "market"
	OrchestratorID = "orchestrator"
)

// Agent handles envelopes delivered to its id.
type Agent interface {
	ID() string
	Handle(ctx context.Context, env messaging.Envelope) error
}

// Publisher sends envelopes on the bus.
type Publisher interface {
	Publish(ctx context.Context, env messaging.Envelope) error
}

// stage is one step of the pipeline: it reacts to envelopes of kind
// accepts and forwards a reply of kind emits to next.
type stage struct {
	id      string
	accepts string
	emits   string
	next    string
	system  string
	prompt  func(env messaging.Envelope) string

	chat ChatModel
	pub  Publisher
}

func (s *stage) ID() string { return s.id }

func (s *stage) Handle(ctx context.Context, env messaging.Envelope) error {
	if kind, _ := env.Get("kind"); kind != s.accepts {
		return nil
	}
	reply, err := s.chat.Complete(ctx, s.system, s.prompt(env))
	if err != nil {
		return fmt.Errorf("%s: chat: %w", s.id, err)
	}
	runID, _ := env.Get("run_id")
	out, err := messaging.NewEnvelope(s.id, s.next, map[string]any{
		"kind":    s.emits,
		"run_id":  runID,
		"content": ParseReply(reply),
	})
	if err != nil {
		return err
	}
	if err := s.pub.Publish(ctx, out); err != nil {
		return fmt.Errorf("%s: publish: %w", s.id, err)
	}
	return nil
}

func field(env messaging.Envelope, key string) any {
	v, _ := env.Get(key)
	return v
}

// NewPlanningAgent turns run requests from the orchestrator into a plan for
// the research agent.
func NewPlanningAgent(chat ChatModel, pub Publisher) Agent {
	return &stage{
		id: PlanningID, accepts: "run", emits: "plan", next: ResearchID,
		system: "You plan a forecasting study. Reply with a JSON object.",
		prompt: func(env messaging.Envelope) string {
			return fmt.Sprintf("Plan run %v: horizon=%v years, sectors=%v, curve=%v.",
				field(env, "run_id"), field(env, "horizon"), field(env, "num_sectors"), field(env, "curve"))
		},
		chat: chat, pub: pub,
	}
}

// NewResearchAgent expands a plan into findings for the strategy agent.
func NewResearchAgent(chat ChatModel, pub Publisher) Agent {
	return &stage{
		id: ResearchID, accepts: "plan", emits: "research", next: StrategyID,
		system: "You research capability trends. Reply with a JSON object.",
		prompt: func(env messaging.Envelope) string {
			return fmt.Sprintf("Research the plan for run %v: %v", field(env, "run_id"), field(env, "content"))
		},
		chat: chat, pub: pub,
	}
}

// NewStrategyAgent turns findings into a strategy for the market agent.
func NewStrategyAgent(chat ChatModel, pub Publisher) Agent {
	return &stage{
		id: StrategyID, accepts: "research", emits: "strategy", next: MarketID,
		system: "You derive strategy from research findings. Reply with a JSON object.",
		prompt: func(env messaging.Envelope) string {
			return fmt.Sprintf("Derive a strategy for run %v from: %v", field(env, "run_id"), field(env, "content"))
		},
		chat: chat, pub: pub,
	}
}

// NewMarketAgent assesses market impact and reports back to the orchestrator.
func NewMarketAgent(chat ChatModel, pub Publisher) Agent {
	return &stage{
		id: MarketID, accepts: "strategy", emits: "market", next: OrchestratorID,
		system: "You assess market impact of a strategy. Reply with a JSON object.",
		prompt: func(env messaging.Envelope) string {
			return fmt.Sprintf("Assess market impact for run %v of: %v", field(env, "run_id"), field(env, "content"))
		},
		chat: chat, pub: pub,
	}
}

// Pipeline returns the four agents wired in order.
func Pipeline(chat ChatModel, pub Publisher) []Agent {
	return []Agent{
		NewPlanningAgent(chat, pub),
		NewResearchAgent(chat, pub),
		NewStrategyAgent(chat, pub),
		NewMarketAgent(chat, pub),
	}
}

// ReportFunc receives a market report addressed to the orchestrator.
type ReportFunc func(runID any, content any)

type orchestratorSink struct {
	report ReportFunc
}

// NewOrchestratorSink consumes the market agent's reports, closing the
// pipeline loop. Other envelopes for the orchestrator are ignored.
func NewOrchestratorSink(report ReportFunc) Agent {
	return &orchestratorSink{report: report}
}

func (o *orchestratorSink) ID() string { return OrchestratorID }

func (o *orchestratorSink) Handle(_ context.Context, env messaging.Envelope) error {
	if kind, _ := env.Get("kind"); kind != "market" {
		return nil
	}
	if o.report != nil {
		o.report(field(env, "run_id"), field(env, "content"))
	}
	return nil
}
