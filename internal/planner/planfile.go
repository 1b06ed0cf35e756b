package planner

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"tether/internal/agent/ports"
	"tether/internal/parser"
)

// PlanFile is a YAML-scripted task: a goal, the tool calls to make, and the
// final answer to finish with.
type PlanFile struct {
	Goal  string     `yaml:"goal"`
	Model string     `yaml:"model,omitempty"`
	Steps []PlanStep `yaml:"steps"`
	// FinalAnswer ends the plan; a plan without one cannot complete.
	FinalAnswer string `yaml:"final_answer"`
}

// PlanStep is one scripted tool call. Arguments come either as a YAML map
// or as a raw JSON string, which tolerates sloppy quoting via the repair
// parser.
type PlanStep struct {
	Tool          string         `yaml:"tool"`
	Args          map[string]any `yaml:"args,omitempty"`
	ArgsJSON      string         `yaml:"args_json,omitempty"`
	Justification string         `yaml:"justification,omitempty"`
	InputTokens   int            `yaml:"input_tokens,omitempty"`
	OutputTokens  int            `yaml:"output_tokens,omitempty"`
}

// LoadPlan reads a plan file and compiles it into a scripted planner.
func LoadPlan(path string) (*Scripted, *PlanFile, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, nil, fmt.Errorf("read plan file: %w", err)
	}

	var plan PlanFile
	if err := yaml.Unmarshal(data, &plan); err != nil {
		return nil, nil, fmt.Errorf("parse plan file: %w", err)
	}

	scripted, err := Compile(&plan)
	if err != nil {
		return nil, nil, err
	}
	return scripted, &plan, nil
}

// Compile turns a plan into a scripted planner.
func Compile(plan *PlanFile) (*Scripted, error) {
	if plan.FinalAnswer == "" {
		return nil, fmt.Errorf("plan has no final_answer, it could never complete")
	}

	out := make([]ports.PlannerReply, 0, len(plan.Steps)+1)
	for i, step := range plan.Steps {
		if step.Tool == "" {
			return nil, fmt.Errorf("plan step %d: missing tool", i+1)
		}
		if step.Args != nil && step.ArgsJSON != "" {
			return nil, fmt.Errorf("plan step %d: give args or args_json, not both", i+1)
		}

		args := step.Args
		if step.ArgsJSON != "" {
			parsed, err := parser.Arguments(step.ArgsJSON)
			if err != nil {
				return nil, fmt.Errorf("plan step %d: %w", i+1, err)
			}
			args = parsed
		}
		if args == nil {
			args = map[string]any{}
		}

		reply := Call(step.Tool, args)
		reply.ToolCall.Justification = step.Justification
		if step.InputTokens > 0 || step.OutputTokens > 0 {
			reply = WithUsage(reply, plan.Model, step.InputTokens, step.OutputTokens)
		}
		out = append(out, reply)
	}
	out = append(out, Final(plan.FinalAnswer))

	return NewScripted(out...), nil
}
