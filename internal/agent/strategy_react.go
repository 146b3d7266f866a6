package agent

import (
	"context"
	"fmt"
	"strings"

	"github.com/haasonsaas/conductor/pkg/models"
)

const reasonInstruction = `Reason about the user's request and everything learned so far.
End your reply with a JSON object on its own line:
{"finish": <true if you can answer now>, "final_answer": "<the answer, when finish is true>", "tools_to_consider": ["<tool names that could help next>"]}`

const reactActInstruction = `Carry out the next action from your reasoning. Call the tools you need.
If no tool is needed, reply briefly with what you concluded.`

const observeInstruction = `Review the results of the last action against the user's request.
Summarize what you learned, then end your reply with a JSON object on its own line:
{"should_continue": <true if more steps are needed>, "final_answer": "<the answer, when should_continue is false>", "request_input": "<a question for the user, only if you cannot proceed without their input>"}`

// ReActStrategy makes three calls per step: Reason, Act and Observe.
// Reason and Observe end with JSON control blocks. A malformed or missing
// block is treated as free text and never ends the loop by itself; only an
// explicit finish signal or max steps does.
type ReActStrategy struct {
	loop *Loop
}

// Kind implements Strategy.
func (s *ReActStrategy) Kind() StrategyKind { return StrategyReAct }

// Run implements Strategy.
func (s *ReActStrategy) Run(ctx context.Context, rc *RunContext, conv *models.Conversation, tools []ToolDefinition, maxSteps int) (*FinalAnswer, error) {
	l := s.loop
	maxSteps = l.steps(maxSteps)
	var notes []string
	var lastText string

	for step := 1; step <= maxSteps; step++ {
		if rc.Stop.Stopped() {
			return stopped(step-1, lastText), nil
		}

		// Reason
		reason, err := s.reason(ctx, conv, rc, step, notes)
		if err != nil {
			return nil, err
		}
		if reason.Content != "" {
			notes = append(notes, fmt.Sprintf("step %d reasoning: %s", step, reason.Content))
		}
		if reason.Finish {
			answer := reason.FinalAnswer
			if strings.TrimSpace(answer) == "" {
				answer = reason.Content
			}
			if strings.TrimSpace(answer) == "" {
				return l.synthesize(ctx, conv, rc, step, notes)
			}
			return l.finish(ctx, conv, rc, step, PhaseReason, answer, false)
		}

		if rc.Stop.Stopped() {
			return stopped(step, lastText), nil
		}

		// Act
		rc.Emitter.AgentPhase(ctx, step, PhaseAct, "")
		gen, err := l.generate(ctx, conv, rc, callOptions{
			phase:  PhaseAct,
			step:   step,
			system: l.system(reactActInstruction, notesSection(notes)),
			tools:  focusTools(tools, reason.toolsToConsider),
			choice: ToolChoiceAuto,
		})
		if err != nil {
			return nil, err
		}
		if gen.HasToolCalls() {
			if err := l.runTools(ctx, conv, rc, step, gen.Text, gen.ToolCalls); err != nil {
				return nil, err
			}
		} else if text := strings.TrimSpace(gen.Text); text != "" {
			notes = append(notes, fmt.Sprintf("step %d action: %s", step, text))
			lastText = text
		}

		if rc.Stop.Stopped() {
			return stopped(step, lastText), nil
		}

		// Observe
		observe, err := s.observe(ctx, conv, rc, step, notes)
		if err != nil {
			return nil, err
		}
		if observe.Content != "" {
			notes = append(notes, fmt.Sprintf("step %d observation: %s", step, observe.Content))
			lastText = observe.Content
		}
		if observe.RequestInput != "" {
			answer, err := l.finish(ctx, conv, rc, step, PhaseObserve, observe.RequestInput, false)
			if err != nil {
				return nil, err
			}
			answer.NeedsInput = true
			return answer, nil
		}
		if observe.done {
			answer := observe.FinalAnswer
			if strings.TrimSpace(answer) == "" {
				answer = observe.Content
			}
			if strings.TrimSpace(answer) == "" {
				return l.synthesize(ctx, conv, rc, step, notes)
			}
			return l.finish(ctx, conv, rc, step, PhaseObserve, answer, false)
		}
	}

	if rc.Stop.Stopped() {
		return stopped(maxSteps, lastText), nil
	}
	return l.synthesize(ctx, conv, rc, maxSteps, notes)
}

type reasonTurn struct {
	AgentTurn
	toolsToConsider []string
}

func (s *ReActStrategy) reason(ctx context.Context, conv *models.Conversation, rc *RunContext, step int, notes []string) (*reasonTurn, error) {
	l := s.loop
	gen, err := l.generate(ctx, conv, rc, callOptions{
		phase:  PhaseReason,
		step:   step,
		system: l.system(reasonInstruction, notesSection(notes)),
		nudge:  "Reason about what to do next.",
	})
	if err != nil {
		return nil, err
	}
	ctrl, free, ok := ParseReasonControl(gen.Text)
	turn := &reasonTurn{AgentTurn: AgentTurn{Step: step, Phase: PhaseReason, Content: free}}
	if ok {
		turn.Finish = ctrl.Finish
		turn.FinalAnswer = ctrl.FinalAnswer
		turn.toolsToConsider = ctrl.ToolsToConsider
	} else {
		l.logger.Debug("reason output has no control block", "step", step)
	}
	rc.Emitter.AgentPhase(ctx, step, PhaseReason, free)
	return turn, nil
}

type observeTurn struct {
	AgentTurn
	done bool
}

func (s *ReActStrategy) observe(ctx context.Context, conv *models.Conversation, rc *RunContext, step int, notes []string) (*observeTurn, error) {
	l := s.loop
	gen, err := l.generate(ctx, conv, rc, callOptions{
		phase:  PhaseObserve,
		step:   step,
		system: l.system(observeInstruction, notesSection(notes)),
		nudge:  "Review the results so far.",
	})
	if err != nil {
		return nil, err
	}
	ctrl, free, ok := ParseObserveControl(gen.Text)
	turn := &observeTurn{AgentTurn: AgentTurn{Step: step, Phase: PhaseObserve, Content: free, ShouldContinue: true}}
	if ok {
		turn.RequestInput = strings.TrimSpace(ctrl.RequestInput)
		turn.FinalAnswer = ctrl.FinalAnswer
		if ctrl.ShouldContinue != nil {
			turn.ShouldContinue = *ctrl.ShouldContinue
			turn.done = !*ctrl.ShouldContinue
		}
	} else {
		l.logger.Debug("observe output has no control block", "step", step)
	}
	rc.Emitter.AgentPhase(ctx, step, PhaseObserve, free)
	return turn, nil
}

// focusTools narrows tools to the names the Reason phase suggested. Names
// may be qualified, wire-encoded or bare function names. When nothing
// matches, every tool stays available.
func focusTools(tools []ToolDefinition, names []string) []ToolDefinition {
	if len(names) == 0 {
		return tools
	}
	wanted := make(map[string]bool, len(names))
	for _, n := range names {
		n = strings.TrimSpace(n)
		if n == "" {
			continue
		}
		wanted[n] = true
		wanted[models.DecodeToolName(n)] = true
	}
	var out []ToolDefinition
	for _, t := range tools {
		_, fn := models.SplitToolName(t.Name)
		if wanted[t.Name] || wanted[fn] {
			out = append(out, t)
		}
	}
	if len(out) == 0 {
		return tools
	}
	return out
}
