// Package agents provides the built-in AgentRunner. The real generation
// providers are external collaborators; this runner stands in for them with
// a deterministic scripted execution so the orchestration path is fully
// exercisable without provider credentials.
package agents

import (
	"context"
	"fmt"
	"time"

	"siteforge/internal/domain"
	"siteforge/internal/supervisor"
)

// stages is the progress script per agent type: the messages an agent
// reports as it advances.
var stages = map[string][]string{
	"planner":    {"analyzing requirements", "selecting architecture", "plan ready"},
	"frontend":   {"generating layout", "generating components", "styling", "frontend ready"},
	"backend":    {"generating API endpoints", "wiring persistence", "backend ready"},
	"image":      {"composing prompts", "generating imagery", "images ready"},
	"testing":    {"generating tests", "running checks", "all checks passed"},
	"deployment": {"packaging artifact", "deployed"},
}

// ScriptedRunner advances each step through its scripted stages with a fixed
// delay, reporting progress as it goes. The step's base cost is reported as
// its actual cost.
type ScriptedRunner struct {
	// StepDelay is the pause between progress reports. Zero runs the
	// script instantly.
	StepDelay time.Duration
}

var _ supervisor.AgentRunner = (*ScriptedRunner)(nil)

func (r *ScriptedRunner) RunStep(ctx context.Context, job domain.BuildJob, step domain.AgentStep, progress func(pct int, msg string)) (supervisor.StepResult, error) {
	script, ok := stages[step.AgentType]
	if !ok {
		return supervisor.StepResult{}, fmt.Errorf("no script for agent %s", step.AgentType)
	}
	for i, msg := range script {
		if err := ctx.Err(); err != nil {
			return supervisor.StepResult{}, err
		}
		progress((i+1)*100/len(script), msg)
		if r.StepDelay > 0 {
			select {
			case <-time.After(r.StepDelay):
			case <-ctx.Done():
				return supervisor.StepResult{}, ctx.Err()
			}
		}
	}
	return supervisor.StepResult{
		ActualCost: step.BaseCost,
		Output:     fmt.Sprintf("%s output for %s", step.AgentType, job.ProjectID),
	}, nil
}
