package protocol

import (
	"context"

	"github.com/maraxen/pylabpraxis-sub009/internal/asset"
)

// Protocol is an executable automation script: an ordered list of steps plus
// the resolved asset requirements the steps run against. Protocols are
// registered as code; the engine never parses script sources.
type Protocol struct {
	// Name uniquely identifies the protocol (e.g. "self_test").
	Name string

	// Description is shown in listings and run records.
	Description string

	// Requirements declares the assets every run of this protocol needs.
	// The scheduler copies them onto each run at submission.
	Requirements []asset.Requirement

	// Steps execute in order. A step error fails the run; remaining steps
	// do not execute.
	Steps []Step
}

// Step is one named unit of protocol work. Steps observe cancellation only
// at their boundaries; a started step runs to completion.
type Step struct {
	// Name identifies the step in run state, logs, and errors.
	Name string

	// Run performs the step's work against the bound environment.
	Run StepFunc
}

// StepFunc is the signature protocol steps implement.
type StepFunc func(ctx context.Context, env *Env) error

// clone returns a copy of the protocol with its own requirement and step
// slices, so registry callers cannot mutate the registered definition.
func (p *Protocol) clone() *Protocol {
	if p == nil {
		return nil
	}
	cpy := *p

	if p.Requirements != nil {
		cpy.Requirements = make([]asset.Requirement, len(p.Requirements))
		copy(cpy.Requirements, p.Requirements)
		for i, req := range p.Requirements {
			if req.Tags != nil {
				tags := make([]string, len(req.Tags))
				copy(tags, req.Tags)
				cpy.Requirements[i].Tags = tags
			}
		}
	}

	if p.Steps != nil {
		cpy.Steps = make([]Step, len(p.Steps))
		copy(cpy.Steps, p.Steps)
	}
	return &cpy
}
