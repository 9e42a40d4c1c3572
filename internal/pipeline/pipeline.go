package pipeline

import (
	"fmt"

	"siteforge/internal/config"
	"siteforge/internal/domain"
)

// AgentType is the closed set of pipeline stages. Using a typed constant
// with construction-time validation makes an unknown agent a wiring error,
// not a runtime surprise.
type AgentType string

const (
	AgentPlanner    AgentType = "planner"
	AgentFrontend   AgentType = "frontend"
	AgentBackend    AgentType = "backend"
	AgentImage      AgentType = "image"
	AgentTesting    AgentType = "testing"
	AgentDeployment AgentType = "deployment"
)

var knownAgents = map[AgentType]bool{
	AgentPlanner:    true,
	AgentFrontend:   true,
	AgentBackend:    true,
	AgentImage:      true,
	AgentTesting:    true,
	AgentDeployment: true,
}

// Valid reports whether t names a known agent.
func (t AgentType) Valid() bool { return knownAgents[t] }

// Plan describes which optional stages a build wants. It is fixed at job
// creation so the step list and the estimate are decided before any credits
// move.
type Plan struct {
	Prompt      string
	WithBackend bool
	WithImages  bool
}

// candidate is one template entry: an agent and its inclusion predicate.
type candidate struct {
	agent   AgentType
	include func(Plan) bool
}

func always(Plan) bool { return true }

// template is the ordered stage list. Planner output feeds frontend, which
// the optional backend and image stages build on, testing last.
var template = []candidate{
	{AgentPlanner, always},
	{AgentFrontend, always},
	{AgentBackend, func(p Plan) bool { return p.WithBackend }},
	{AgentImage, func(p Plan) bool { return p.WithImages }},
	{AgentTesting, always},
}

// Pipeline binds the static template to a cost table.
type Pipeline struct {
	pricing config.Pricing
}

// New validates the cost table against the template and returns a pipeline.
func New(pricing config.Pricing) (*Pipeline, error) {
	for _, c := range template {
		if _, ok := pricing.AgentCosts[string(c.agent)]; !ok {
			return nil, fmt.Errorf("pricing table missing cost for agent %s", c.agent)
		}
	}
	for name := range pricing.AgentCosts {
		if !AgentType(name).Valid() {
			return nil, fmt.Errorf("pricing table names unknown agent %s", name)
		}
	}
	return &Pipeline{pricing: pricing}, nil
}

// BaseCost returns the configured cost for an agent.
func (p *Pipeline) BaseCost(agent AgentType) int {
	return p.pricing.AgentCosts[string(agent)]
}

// Instantiate expands the template for a plan. Pure: no side effects, no
// clock, so cost estimation is deterministic.
func (p *Pipeline) Instantiate(plan Plan) []domain.AgentStep {
	var steps []domain.AgentStep
	for _, c := range template {
		if !c.include(plan) {
			continue
		}
		steps = append(steps, domain.AgentStep{
			Ordinal:   len(steps),
			AgentType: string(c.agent),
			Status:    domain.StepPending,
			BaseCost:  p.pricing.AgentCosts[string(c.agent)],
		})
	}
	return steps
}

// Estimate sums base costs and applies the bulk discount: selecting at least
// DiscountThreshold stages multiplies the total by DiscountFactor, floored.
func (p *Pipeline) Estimate(steps []domain.AgentStep) int {
	total := 0
	for _, s := range steps {
		total += s.BaseCost
	}
	if len(steps) >= p.pricing.DiscountThreshold {
		total = int(float64(total) * p.pricing.DiscountFactor)
	}
	return total
}
