package quality

import (
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"strings"

	"github.com/mira/mira-back/internal/domain"
)

var ErrInvalidResponse = errors.New("reasoning response failed validation")

const (
	DefaultConfidence = 0.5
	SalvageConfidence = 0.3

	minPlausibleSize = 10
)

// Response is the sanitized shape persisted into a note's rich context.
type Response struct {
	Answer string                 `json:"answer"`
	Task   *domain.ReasoningTask  `json:"task,omitempty"`
	Tasks  []domain.ReasoningTask `json:"tasks,omitempty"`
	Meta   domain.ReasoningMeta   `json:"meta"`
}

// Validation is the outcome of Validate. Both branches are ordinary results:
// Valid with Sanitized set, or invalid with Errors explaining why.
type Validation struct {
	Valid     bool
	Sanitized *Response
	Errors    []string
	Salvaged  bool
}

// Err returns nil for valid results and an ErrInvalidResponse otherwise.
func (v Validation) Err() error {
	if v.Valid {
		return nil
	}
	return fmt.Errorf("%w: %s", ErrInvalidResponse, strings.Join(v.Errors, "; "))
}

func (v Validation) JSON() (json.RawMessage, error) {
	if !v.Valid || v.Sanitized == nil {
		return nil, v.Err()
	}
	encoded, err := json.Marshal(v.Sanitized)
	if err != nil {
		return nil, fmt.Errorf("encode sanitized response: %w", err)
	}
	return encoded, nil
}

type OutputValidator struct{}

func NewOutputValidator() *OutputValidator {
	return &OutputValidator{}
}

// Validate parses and checks a raw model response before it may be stored.
func (v *OutputValidator) Validate(raw string) Validation {
	if strings.TrimSpace(raw) == "" {
		return invalid("response is empty")
	}

	object, err := ExtractObject(raw)
	if err != nil {
		return invalid(err.Error())
	}

	response, schemaErrs := checkSchema(object)
	if len(schemaErrs) == 0 && hasContent(response) {
		fillAnswer(response)
		return Validation{Valid: true, Sanitized: response}
	}
	if len(schemaErrs) == 0 {
		schemaErrs = []string{"response has neither an answer nor a task"}
	}

	salvaged, ok := salvage(object)
	if !ok {
		return Validation{Errors: schemaErrs}
	}
	fillAnswer(salvaged)
	return Validation{
		Valid:     true,
		Sanitized: salvaged,
		Salvaged:  true,
		Errors:    append(schemaErrs, "partial recovery: salvaged answer/task from non-standard fields"),
	}
}

var promptEchoMarkers = []string{
	"you are a helpful",
	"### instruction",
	"<|im_start|>",
	"<|system|>",
	"respond only with json",
	"user note:",
}

// IsObviouslyBroken is a cheap pre-check for responses not worth parsing.
// A false result says nothing about validity.
func IsObviouslyBroken(raw string) bool {
	trimmed := strings.TrimSpace(raw)
	if len(trimmed) < minPlausibleSize {
		return true
	}
	if !strings.Contains(trimmed, "{") || !strings.Contains(trimmed, "}") {
		return true
	}
	lowered := strings.ToLower(trimmed)
	for _, marker := range promptEchoMarkers {
		if strings.Contains(lowered, marker) {
			return true
		}
	}
	return false
}

// ExtractObject decodes a JSON object from model output: direct parse, then
// parse-of-parse for double-encoded payloads, then the first embedded object.
func ExtractObject(raw string) (map[string]any, error) {
	trimmed := stripCodeFence(strings.TrimSpace(raw))

	var decoded any
	if err := json.Unmarshal([]byte(trimmed), &decoded); err == nil {
		switch typed := decoded.(type) {
		case map[string]any:
			return typed, nil
		case string:
			var inner any
			if err := json.Unmarshal([]byte(typed), &inner); err == nil {
				if object, ok := inner.(map[string]any); ok {
					return object, nil
				}
			}
		}
	}

	if object, ok := firstEmbeddedObject(trimmed); ok {
		return object, nil
	}
	return nil, errors.New("could not parse a JSON object from response")
}

// firstEmbeddedObject decodes the first object that starts at some '{' in
// text. The decoder stops at the end of that value, so trailing prose and
// later objects are ignored.
func firstEmbeddedObject(text string) (map[string]any, bool) {
	for offset := 0; offset < len(text); {
		start := strings.IndexByte(text[offset:], '{')
		if start < 0 {
			return nil, false
		}
		start += offset

		var object map[string]any
		if err := json.NewDecoder(strings.NewReader(text[start:])).Decode(&object); err == nil && object != nil {
			return object, true
		}
		offset = start + 1
	}
	return nil, false
}

func checkSchema(object map[string]any) (*Response, []string) {
	var errs []string
	response := &Response{Meta: domain.ReasoningMeta{Confidence: DefaultConfidence}}

	switch answer := object["answer"].(type) {
	case nil:
	case string:
		response.Answer = strings.TrimSpace(answer)
	default:
		errs = append(errs, "answer must be a string")
	}

	if rawTask, present := object["task"]; present && rawTask != nil {
		task, taskErrs := checkTask("task", rawTask)
		errs = append(errs, taskErrs...)
		response.Task = task
	}

	if rawTasks, ok := object["tasks"].([]any); ok {
		for _, rawTask := range rawTasks {
			task, taskErrs := checkTask("tasks[]", rawTask)
			if len(taskErrs) == 0 && task != nil && strings.TrimSpace(task.Task) != "" {
				response.Tasks = append(response.Tasks, *task)
			}
		}
	}

	if rawMeta, present := object["meta"]; present && rawMeta != nil {
		errs = append(errs, checkMeta(rawMeta, &response.Meta)...)
	}

	return response, errs
}

func checkTask(field string, value any) (*domain.ReasoningTask, []string) {
	object, ok := value.(map[string]any)
	if !ok {
		return nil, []string{field + " must be an object"}
	}

	var errs []string
	task := &domain.ReasoningTask{}
	name, ok := object["task"].(string)
	if !ok {
		errs = append(errs, field+".task is required and must be a string")
	}
	task.Task = name

	for key, target := range map[string]*string{
		"timing_hint": &task.TimingHint,
		"due_date":    &task.DueDate,
		"details":     &task.Details,
	} {
		switch typed := object[key].(type) {
		case nil:
		case string:
			*target = typed
		default:
			errs = append(errs, fmt.Sprintf("%s.%s must be a string", field, key))
		}
	}

	if rawConfidence, present := object["confidence"]; present && rawConfidence != nil {
		confidence, err := checkConfidence(field+".confidence", rawConfidence)
		if err != "" {
			errs = append(errs, err)
		} else {
			task.Confidence = &confidence
		}
	}
	return task, errs
}

func checkMeta(value any, meta *domain.ReasoningMeta) []string {
	object, ok := value.(map[string]any)
	if !ok {
		return []string{"meta must be an object"}
	}

	var errs []string
	if rawConfidence, present := object["confidence"]; present && rawConfidence != nil {
		confidence, err := checkConfidence("meta.confidence", rawConfidence)
		if err != "" {
			errs = append(errs, err)
		} else {
			meta.Confidence = confidence
		}
	}

	switch typed := object["latency_ms"].(type) {
	case nil:
	case float64:
		if typed < 0 {
			errs = append(errs, "meta.latency_ms must not be negative")
			break
		}
		meta.LatencyMS = &typed
	default:
		errs = append(errs, "meta.latency_ms must be a number")
	}

	switch typed := object["model"].(type) {
	case nil:
	case string:
		meta.Model = typed
	default:
		errs = append(errs, "meta.model must be a string")
	}

	switch typed := object["cached"].(type) {
	case nil:
	case bool:
		meta.Cached = &typed
	default:
		errs = append(errs, "meta.cached must be a boolean")
	}

	switch typed := object["token_usage"].(type) {
	case nil:
	case map[string]any:
		usage := &domain.TokenUsage{}
		for key, target := range map[string]*int{
			"input_tokens":  &usage.InputTokens,
			"output_tokens": &usage.OutputTokens,
			"total_tokens":  &usage.TotalTokens,
		} {
			switch count := typed[key].(type) {
			case nil:
			case float64:
				if count < 0 || count != math.Trunc(count) {
					errs = append(errs, "meta.token_usage."+key+" must be a whole number")
					continue
				}
				*target = int(count)
			default:
				errs = append(errs, "meta.token_usage."+key+" must be a number")
			}
		}
		meta.TokenUsage = usage
	default:
		errs = append(errs, "meta.token_usage must be an object")
	}
	return errs
}

func checkConfidence(field string, value any) (float64, string) {
	confidence, ok := value.(float64)
	if !ok {
		return 0, field + " must be a number"
	}
	if math.IsNaN(confidence) || confidence < 0 || confidence > 1 {
		return 0, field + " must be between 0 and 1"
	}
	return confidence, ""
}

func hasContent(response *Response) bool {
	if response.Answer != "" {
		return true
	}
	return response.Task != nil && strings.TrimSpace(response.Task.Task) != ""
}

// salvage looks for a usable answer or task under alternate field names.
func salvage(object map[string]any) (*Response, bool) {
	response := &Response{Meta: domain.ReasoningMeta{Confidence: SalvageConfidence}}

	for _, key := range []string{"answer", "response", "text"} {
		if value, ok := object[key].(string); ok && strings.TrimSpace(value) != "" {
			response.Answer = strings.TrimSpace(value)
			break
		}
	}

	if task, ok := object["task"].(map[string]any); ok {
		for _, key := range []string{"task", "title", "description"} {
			value, ok := task[key].(string)
			if !ok || normalizeText(value) == "" {
				continue
			}
			salvaged := &domain.ReasoningTask{Task: normalizeText(value)}
			if hint, ok := task["timing_hint"].(string); ok {
				salvaged.TimingHint = strings.TrimSpace(hint)
			}
			response.Task = salvaged
			break
		}
	}

	if !hasContent(response) {
		return nil, false
	}
	return response, true
}

// fillAnswer gives task-only responses a readable answer.
func fillAnswer(response *Response) {
	if response.Answer != "" || response.Task == nil {
		return
	}
	name := normalizeText(response.Task.Task)
	if name == "" {
		return
	}
	answer := fmt.Sprintf("Got it. I've added %q to your tasks", name)
	if hint := strings.TrimSpace(response.Task.TimingHint); hint != "" {
		answer += " (" + hint + ")"
	}
	response.Answer = answer + "."
}

func invalid(reason string) Validation {
	return Validation{Errors: []string{reason}}
}

func stripCodeFence(text string) string {
	if !strings.HasPrefix(text, "```") {
		return text
	}
	text = strings.TrimPrefix(text, "```json")
	text = strings.TrimPrefix(text, "```")
	return strings.TrimSpace(strings.TrimSuffix(strings.TrimSpace(text), "```"))
}

func normalizeText(value string) string {
	trimmed := strings.TrimSpace(value)
	if trimmed == "" {
		return ""
	}
	parts := strings.Fields(trimmed)
	return strings.Join(parts, " ")
}
