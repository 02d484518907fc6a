package automation

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/go-playground/validator/v10"
)

// ErrInvalidDefinition marks configuration errors detected at definition-load
// time. A rule carrying a malformed definition fails its evaluation; it never
// gets as far as creating a session.
var ErrInvalidDefinition = errors.New("invalid workflow definition")

type StepKind string

const (
	StepPrompt        StepKind = "prompt"
	StepChoiceButtons StepKind = "choice-buttons"
	StepChoiceList    StepKind = "choice-list"
	StepCondition     StepKind = "condition"
)

// StepOption is one button or list row of a choice step
type StepOption struct {
	ID          string `json:"id,omitempty"`
	Label       string `json:"label" validate:"required"`
	Description string `json:"description,omitempty"`
	URL         string `json:"url,omitempty"`        // sent as a follow-up when selected
	NextStepID  string `json:"nextStepId,omitempty"` // branch target; empty = sequential
}

// WireID is the option id used on the wire. Definitions may set their own;
// otherwise the position-derived id matches what the send channel generates.
func (o *StepOption) WireID(position int) string {
	if o.ID != "" {
		return o.ID
	}
	return fmt.Sprintf("opt_%d", position)
}

// ConditionBranch routes a condition step by comparing a captured variable
type ConditionBranch struct {
	Equals     string `json:"equals"`
	NextStepID string `json:"nextStepId" validate:"required"`
}

type Step struct {
	ID                string            `json:"id" validate:"required"`
	Kind              StepKind          `json:"kind" validate:"required,oneof=prompt choice-buttons choice-list condition"`
	Text              string            `json:"text,omitempty"`
	Buttons           []StepOption      `json:"buttons,omitempty" validate:"max=3,dive"`
	Rows              []StepOption      `json:"rows,omitempty" validate:"max=10,dive"`
	ButtonText        string            `json:"buttonText,omitempty"` // list opener button label
	CaptureAs         string            `json:"captureAs,omitempty"`
	DelaySeconds      int               `json:"delaySeconds,omitempty" validate:"min=0"`
	WaitForReply      bool              `json:"waitForReply,omitempty"`
	Variable          string            `json:"variable,omitempty"` // condition input variable
	Branches          []ConditionBranch `json:"branches,omitempty" validate:"dive"`
	DefaultNextStepID string            `json:"defaultNextStepId,omitempty"`
}

// Suspends reports whether the dispatcher must stop and wait for a reply
// after sending this step. Only a plain prompt with no capture target and no
// waitForReply flag auto-advances.
func (s *Step) Suspends() bool {
	if s.WaitForReply || s.CaptureAs != "" {
		return true
	}
	return s.Kind != StepPrompt
}

// Definition is an ordered workflow script. Completion text, when set, is sent
// with variable substitution after the last step.
type Definition struct {
	Steps          []Step `json:"steps" validate:"required,min=1,dive"`
	CompletionText string `json:"completionText,omitempty"`
}

// IndexOf resolves a step id to its index, -1 when absent
func (d *Definition) IndexOf(stepID string) int {
	for i := range d.Steps {
		if d.Steps[i].ID == stepID {
			return i
		}
	}
	return -1
}

var validate = validator.New()

// ParseDefinition unmarshals and validates a stored workflow definition
func ParseDefinition(raw string) (*Definition, error) {
	var def Definition
	if err := json.Unmarshal([]byte(raw), &def); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidDefinition, err)
	}
	if err := def.Validate(); err != nil {
		return nil, err
	}
	return &def, nil
}

// Validate checks struct tags plus the per-kind requirements the tags cannot
// express: choice steps need options, conditions need a variable, and every
// branch target must name an existing step.
func (d *Definition) Validate() error {
	if err := validate.Struct(d); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidDefinition, err)
	}

	seen := make(map[string]bool, len(d.Steps))
	for i := range d.Steps {
		step := &d.Steps[i]
		if seen[step.ID] {
			return fmt.Errorf("%w: duplicate step id %q", ErrInvalidDefinition, step.ID)
		}
		seen[step.ID] = true

		switch step.Kind {
		case StepChoiceButtons:
			if len(step.Buttons) == 0 {
				return fmt.Errorf("%w: step %q has no buttons", ErrInvalidDefinition, step.ID)
			}
		case StepChoiceList:
			if len(step.Rows) == 0 {
				return fmt.Errorf("%w: step %q has no list rows", ErrInvalidDefinition, step.ID)
			}
		case StepCondition:
			if strings.TrimSpace(step.Variable) == "" {
				return fmt.Errorf("%w: condition step %q has no variable", ErrInvalidDefinition, step.ID)
			}
		}
	}

	for i := range d.Steps {
		step := &d.Steps[i]
		for _, opt := range step.Buttons {
			if opt.NextStepID != "" && d.IndexOf(opt.NextStepID) < 0 {
				return fmt.Errorf("%w: step %q option targets unknown step %q", ErrInvalidDefinition, step.ID, opt.NextStepID)
			}
		}
		for _, opt := range step.Rows {
			if opt.NextStepID != "" && d.IndexOf(opt.NextStepID) < 0 {
				return fmt.Errorf("%w: step %q option targets unknown step %q", ErrInvalidDefinition, step.ID, opt.NextStepID)
			}
		}
		for _, br := range step.Branches {
			if d.IndexOf(br.NextStepID) < 0 {
				return fmt.Errorf("%w: step %q branch targets unknown step %q", ErrInvalidDefinition, step.ID, br.NextStepID)
			}
		}
		if step.DefaultNextStepID != "" && d.IndexOf(step.DefaultNextStepID) < 0 {
			return fmt.Errorf("%w: step %q default targets unknown step %q", ErrInvalidDefinition, step.ID, step.DefaultNextStepID)
		}
	}

	return nil
}
