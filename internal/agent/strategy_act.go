package agent

import (
	"context"
	"encoding/json"
	"strings"
	"sync"

	"github.com/invopop/jsonschema"

	"github.com/haasonsaas/conductor/pkg/models"
)

// FinishedToolName is the reserved control function of the Act strategy.
// It has no server part, so it can never collide with a qualified name.
const FinishedToolName = "finished"

// FinishedArgs are the arguments of the finished control function.
type FinishedArgs struct {
	Answer string `json:"answer" jsonschema:"description=The complete final answer to show the user"`
}

var (
	finishedSchemaOnce sync.Once
	finishedSchema     json.RawMessage
)

// FinishedTool returns the definition of the finished control function.
func FinishedTool() ToolDefinition {
	finishedSchemaOnce.Do(func() {
		r := &jsonschema.Reflector{
			ExpandedStruct: true,
			DoNotReference: true,
		}
		schema := r.Reflect(&FinishedArgs{})
		schema.Version = ""
		raw, err := json.Marshal(schema)
		if err != nil {
			raw = json.RawMessage(`{"type":"object","properties":{"answer":{"type":"string"}},"required":["answer"]}`)
		}
		finishedSchema = raw
	})
	return ToolDefinition{
		Name:        FinishedToolName,
		Description: "Call this when the task is complete, with the final answer for the user. Do not call it together with other tools.",
		Schema:      finishedSchema,
	}
}

const actInstruction = `Every reply must call at least one function.
Call the "finished" function with your final answer once the task is complete.`

// ActStrategy forces a tool call on every step. The model ends the run by
// calling the reserved finished function instead of a real tool.
type ActStrategy struct {
	loop *Loop
}

// Kind implements Strategy.
func (s *ActStrategy) Kind() StrategyKind { return StrategyAct }

// Run implements Strategy.
func (s *ActStrategy) Run(ctx context.Context, rc *RunContext, conv *models.Conversation, tools []ToolDefinition, maxSteps int) (*FinalAnswer, error) {
	l := s.loop
	maxSteps = l.steps(maxSteps)
	withFinish := append(append([]ToolDefinition(nil), tools...), FinishedTool())
	var lastText string

	for step := 1; step <= maxSteps; step++ {
		if rc.Stop.Stopped() {
			return stopped(step-1, lastText), nil
		}
		rc.Emitter.AgentPhase(ctx, step, PhaseAct, "")

		// The step's text is framed once its outcome is known, so a
		// finished answer is never preceded by a second response.
		gen, err := l.generate(ctx, conv, rc, callOptions{
			phase:  PhaseAct,
			step:   step,
			system: l.system(actInstruction),
			tools:  withFinish,
			choice: ToolChoiceRequired,
		})
		if err != nil {
			StreamText(ctx, rc.Emitter, "")
			return nil, err
		}

		real, finish := splitFinished(gen.ToolCalls)
		switch {
		case len(real) > 0:
			// A finish call next to real calls is premature; the model
			// has not seen their results yet.
			lastText = gen.Text
			StreamText(ctx, rc.Emitter, gen.Text)
			if err := l.runTools(ctx, conv, rc, step, gen.Text, real); err != nil {
				return nil, err
			}
		case finish != nil:
			answer := finishedAnswer(finish, gen.Text)
			if strings.TrimSpace(answer) == "" {
				return l.synthesize(ctx, conv, rc, step, nil)
			}
			return l.finish(ctx, conv, rc, step, PhaseAct, answer, false)
		default:
			// The provider ignored the required tool choice.
			return l.finish(ctx, conv, rc, step, PhaseAct, gen.Text, false)
		}
	}

	if rc.Stop.Stopped() {
		return stopped(maxSteps, lastText), nil
	}
	return l.synthesize(ctx, conv, rc, maxSteps, nil)
}

func splitFinished(calls []models.ToolCall) (real []models.ToolCall, finish *models.ToolCall) {
	for i := range calls {
		if calls[i].Name == FinishedToolName {
			if finish == nil {
				finish = &calls[i]
			}
			continue
		}
		real = append(real, calls[i])
	}
	return real, finish
}

func finishedAnswer(call *models.ToolCall, fallback string) string {
	var args FinishedArgs
	if err := json.Unmarshal(call.Input, &args); err == nil && strings.TrimSpace(args.Answer) != "" {
		return args.Answer
	}
	return fallback
}
