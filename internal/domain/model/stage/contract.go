package stage

import (
	"context"
	"encoding/json"
)

// Input carries everything a stage may consume: the case inputs and the
// committed payloads of every earlier stage. Stages never read the session
// store themselves; the pipeline assembles Input from committed records.
type Input struct {
	CaseID    string
	DenialRef string
	PolicyRef string

	// Prior maps each completed stage to its committed output payload.
	Prior map[Name]json.RawMessage
}

// PriorPayload returns the committed payload of an earlier stage.
func (in Input) PriorPayload(n Name) (json.RawMessage, bool) {
	raw, ok := in.Prior[n]
	return raw, ok
}

// Output is a stage's result before it is committed as a StageRecord.
// Degraded marks output produced by the stub provider tier; the marker must
// survive all the way to the final package.
type Output struct {
	Payload  json.RawMessage
	RawText  string
	Degraded bool
}

// Contract is the uniform interface every stage implementation satisfies.
// Execute must be a pure function of its input plus its own external
// collaborators; the only permitted side effect is calling the provider
// router. Input validation failures must surface before any provider call.
type Contract interface {
	Name() Name
	ValidateInput(in Input) error
	Execute(ctx context.Context, in Input) (*Output, error)
	ValidateOutput(out *Output) error
}
