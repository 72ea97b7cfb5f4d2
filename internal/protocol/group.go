package protocol

import "github.com/google/uuid"

// Group is an internal node of the protocol tree: a named container of
// steps and nested groups. Its aggregate fields (Repetitions, Duration, Run
// Time) are derived from descendant steps, never stored (spec.md section
// 4.6).
type Group struct {
	UID        string
	Parameters map[string]string
	Elements   []Element
}

// NewGroup builds an empty group with a freshly minted UID.
func NewGroup() *Group {
	return &Group{
		UID:        uuid.NewString(),
		Parameters: map[string]string{ParamDescription: "Group"},
		Elements:   []Element{},
	}
}

func (g *Group) isElement() {}

func (g *Group) Description() string {
	if v, ok := g.Parameters[ParamDescription]; ok && v != "" {
		return v
	}
	return "Group"
}

func (g *Group) SetDescription(v string) { g.Parameters[ParamDescription] = v }

// descendantSteps returns every Step under g, recursing through subgroups.
func (g *Group) descendantSteps() []*Step {
	var steps []*Step
	for _, el := range g.Elements {
		switch v := el.(type) {
		case *Step:
			steps = append(steps, v)
		case *Group:
			steps = append(steps, v.descendantSteps()...)
		}
	}
	return steps
}

// Repetitions is the sum of every descendant step's Repetitions.
func (g *Group) Repetitions() int {
	total := 0
	for _, s := range g.descendantSteps() {
		total += s.Repetitions()
	}
	return total
}

// Duration is the sum of every descendant step's per-phase Duration.
func (g *Group) Duration() float64 {
	total := 0.0
	for _, s := range g.descendantSteps() {
		total += s.Duration()
	}
	return total
}

// RunTime is the sum of every descendant step's CalculatedDuration.
func (g *Group) RunTime() float64 {
	total := 0.0
	for _, s := range g.descendantSteps() {
		total += s.CalculatedDuration()
	}
	return total
}

// SetVoltage propagates v to every descendant step, not just direct
// children (spec.md section 4.6).
func (g *Group) SetVoltage(v float64) {
	for _, s := range g.descendantSteps() {
		s.SetVoltage(v)
	}
}

// SetFrequency propagates v to every descendant step.
func (g *Group) SetFrequency(v float64) {
	for _, s := range g.descendantSteps() {
		s.SetFrequency(v)
	}
}

// SetTrailLength propagates v to every descendant step.
func (g *Group) SetTrailLength(v int) {
	for _, s := range g.descendantSteps() {
		s.SetTrailLength(v)
	}
}
