package rotation

import "fmt"

// Step is one state of the four-step rotation protocol. The set is closed;
// dispatch happens over these variants, never over raw trigger strings.
type Step string

const (
	StepCreateSecret Step = "createSecret"
	StepSetSecret    Step = "setSecret"
	StepTestSecret   Step = "testSecret"
	StepFinishSecret Step = "finishSecret"
)

// ParseStep maps a trigger step name onto the closed variant set.
func ParseStep(name string) (Step, error) {
	switch Step(name) {
	case StepCreateSecret, StepSetSecret, StepTestSecret, StepFinishSecret:
		return Step(name), nil
	default:
		return "", fmt.Errorf("invalid step parameter %q", name)
	}
}

// Request is the trigger document for one rotation invocation.
type Request struct {
	SecretID           string `json:"SecretId"`
	ClientRequestToken string `json:"ClientRequestToken"`
	Step               string `json:"Step"`
}
