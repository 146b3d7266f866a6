package agent

import (
	"context"

	"github.com/haasonsaas/conductor/pkg/models"
)

// AgenticStrategy makes one tool-enabled call per step and trusts the
// model's native tool use. A response without tool calls ends the run.
type AgenticStrategy struct {
	loop *Loop
}

// Kind implements Strategy.
func (s *AgenticStrategy) Kind() StrategyKind { return StrategyAgentic }

// Run implements Strategy.
func (s *AgenticStrategy) Run(ctx context.Context, rc *RunContext, conv *models.Conversation, tools []ToolDefinition, maxSteps int) (*FinalAnswer, error) {
	l := s.loop
	maxSteps = l.steps(maxSteps)
	var lastText string

	for step := 1; step <= maxSteps; step++ {
		if rc.Stop.Stopped() {
			return stopped(step-1, lastText), nil
		}
		rc.Emitter.AgentPhase(ctx, step, PhaseAct, "")

		gen, err := l.generate(ctx, conv, rc, callOptions{
			phase:  PhaseAct,
			step:   step,
			system: l.system(),
			tools:  tools,
			choice: ToolChoiceAuto,
			stream: true,
		})
		if err != nil {
			return nil, err
		}
		if !gen.HasToolCalls() {
			return l.finish(ctx, conv, rc, step, PhaseAct, gen.Text, true)
		}
		lastText = gen.Text

		if err := l.runTools(ctx, conv, rc, step, gen.Text, gen.ToolCalls); err != nil {
			return nil, err
		}
	}

	if rc.Stop.Stopped() {
		return stopped(maxSteps, lastText), nil
	}
	return l.synthesize(ctx, conv, rc, maxSteps, nil)
}
