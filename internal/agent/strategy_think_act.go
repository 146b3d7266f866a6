package agent

import (
	"context"
	"strings"

	"github.com/haasonsaas/conductor/pkg/models"
)

const thinkInstruction = `Think step by step about the user's request and the results gathered so far.
Decide what should happen next: which tool to use and with what arguments, or whether you can answer now.
Do not call any tools in this reply. Write only your reasoning.`

const thinkActInstruction = `Act on the reasoning below. Call tools if more information or actions are needed; otherwise reply with the final answer for the user.`

// ThinkActStrategy makes two calls per step: an unconstrained think call
// that produces reasoning, then an action call that may use tools.
type ThinkActStrategy struct {
	loop *Loop
}

// Kind implements Strategy.
func (s *ThinkActStrategy) Kind() StrategyKind { return StrategyThinkAct }

// Run implements Strategy.
func (s *ThinkActStrategy) Run(ctx context.Context, rc *RunContext, conv *models.Conversation, tools []ToolDefinition, maxSteps int) (*FinalAnswer, error) {
	l := s.loop
	maxSteps = l.steps(maxSteps)
	var lastText string

	for step := 1; step <= maxSteps; step++ {
		if rc.Stop.Stopped() {
			return stopped(step-1, lastText), nil
		}

		thought, err := l.generate(ctx, conv, rc, callOptions{
			phase:  PhaseThink,
			step:   step,
			system: l.system(thinkInstruction),
			nudge:  "Think about what to do next.",
		})
		if err != nil {
			return nil, err
		}
		reasoning := strings.TrimSpace(thought.Text)
		rc.Emitter.AgentPhase(ctx, step, PhaseThink, reasoning)

		if rc.Stop.Stopped() {
			return stopped(step, lastText), nil
		}
		rc.Emitter.AgentPhase(ctx, step, PhaseAct, "")

		gen, err := l.generate(ctx, conv, rc, callOptions{
			phase:  PhaseAct,
			step:   step,
			system: l.system(thinkActInstruction, reasoningSection(reasoning)),
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

func reasoningSection(reasoning string) string {
	if reasoning == "" {
		return ""
	}
	return "Your reasoning for this step:\n" + reasoning
}
