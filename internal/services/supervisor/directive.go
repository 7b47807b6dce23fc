// -----------------------------------------------------------------------
// Directive - Structured decision parsed from a supervisor step response
// -----------------------------------------------------------------------

package supervisor

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/ternarybob/converge/internal/models"
)

// Directive actions
const (
	ActionFinish = "finish"
	ActionSpawn  = "spawn"
	ActionDefer  = "defer"
)

// Directive is what a supervisor step tells the run to do next. The model
// replies with a JSON object; a reply with no parseable directive is
// treated as a finish with the raw text as output.
type Directive struct {
	Action string `json:"action"`

	// Output is the run's final answer (finish only)
	Output string `json:"output,omitempty"`

	// Jobs to fan out (spawn and defer)
	Jobs []DirectiveJob `json:"jobs,omitempty"`

	// DeadlineSeconds bounds the round; 0 uses the configured default
	DeadlineSeconds int `json:"deadline_seconds,omitempty"`

	// Reason is free text the model may attach to defer decisions
	Reason string `json:"reason,omitempty"`
}

// DirectiveJob describes one worker job the step wants spawned
type DirectiveJob struct {
	Type     string                 `json:"type"`
	Name     string                 `json:"name,omitempty"`
	External bool                   `json:"external,omitempty"`
	Payload  map[string]interface{} `json:"payload,omitempty"`
}

// ParseDirective extracts the directive from a step response. Markdown
// fences and surrounding prose are tolerated. A response that contains no
// directive at all finishes the run with the response as output, so a
// model that answers directly still produces a valid step.
func ParseDirective(response string) (*Directive, error) {
	jsonStr := extractJSON(response)
	if jsonStr == "" {
		return &Directive{Action: ActionFinish, Output: strings.TrimSpace(response)}, nil
	}

	var directive Directive
	if err := json.Unmarshal([]byte(jsonStr), &directive); err != nil {
		return &Directive{Action: ActionFinish, Output: strings.TrimSpace(response)}, nil
	}

	switch directive.Action {
	case ActionFinish:
		if directive.Output == "" {
			directive.Output = strings.TrimSpace(response)
		}
	case ActionSpawn, ActionDefer:
		if len(directive.Jobs) == 0 {
			return nil, &models.ValidationError{
				Message: fmt.Sprintf("%s directive names no jobs", directive.Action),
			}
		}
		for i, job := range directive.Jobs {
			if job.Type == "" {
				return nil, &models.ValidationError{
					Message: fmt.Sprintf("jobs[%d] has no type", i),
				}
			}
		}
	case "":
		// JSON without an action is model prose that happened to contain
		// an object; treat the whole reply as the answer
		return &Directive{Action: ActionFinish, Output: strings.TrimSpace(response)}, nil
	default:
		return nil, &models.ValidationError{
			Message: fmt.Sprintf("unknown directive action %q", directive.Action),
		}
	}

	return &directive, nil
}

// JobSpecs converts the directive's jobs to specs, assigning each a tool
// call id that ties its result back to this step
func (d *Directive) JobSpecs() []models.JobSpec {
	specs := make([]models.JobSpec, 0, len(d.Jobs))
	for _, job := range d.Jobs {
		specs = append(specs, models.JobSpec{
			Type:       job.Type,
			Name:       job.Name,
			ToolCallID: models.NewToolCallID(),
			Payload:    job.Payload,
			External:   job.External,
		})
	}
	return specs
}

// extractJSON pulls a JSON object out of a model response, handling
// markdown code blocks and surrounding prose
func extractJSON(response string) string {
	response = strings.TrimSpace(response)

	if strings.Contains(response, "```") {
		lines := strings.Split(response, "\n")
		var jsonLines []string
		inCodeBlock := false

		for _, line := range lines {
			if strings.HasPrefix(strings.TrimSpace(line), "```") {
				if inCodeBlock {
					break
				}
				inCodeBlock = true
				continue
			}
			if inCodeBlock {
				jsonLines = append(jsonLines, line)
			}
		}

		if len(jsonLines) > 0 {
			candidate := strings.TrimSpace(strings.Join(jsonLines, "\n"))
			if strings.HasPrefix(candidate, "{") {
				return candidate
			}
		}
	}

	// No usable code block: scan for the outermost object
	start := strings.Index(response, "{")
	if start < 0 {
		return ""
	}
	depth := 0
	inString := false
	escaped := false
	for i := start; i < len(response); i++ {
		c := response[i]
		if escaped {
			escaped = false
			continue
		}
		switch c {
		case '\\':
			if inString {
				escaped = true
			}
		case '"':
			inString = !inString
		case '{':
			if !inString {
				depth++
			}
		case '}':
			if !inString {
				depth--
				if depth == 0 {
					return response[start : i+1]
				}
			}
		}
	}
	return ""
}
