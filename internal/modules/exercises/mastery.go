package exercises

import (
	"encoding/json"
	"fmt"

	"gorm.io/datatypes"
)

// Mastery models. The fixed models carry their threshold in the name; only
// m_of_n is tunable.
const (
	MasteryDoAll              = "do_all"
	MasteryNumCorrectInARow2  = "num_correct_in_a_row_2"
	MasteryNumCorrectInARow3  = "num_correct_in_a_row_3"
	MasteryNumCorrectInARow5  = "num_correct_in_a_row_5"
	MasteryNumCorrectInARow10 = "num_correct_in_a_row_10"
	MasteryMOfN               = "m_of_n"
)

// CompletionModelMastery is the completion_criteria model carrying a mastery
// threshold. Time-based completion uses CompletionModelTime with a threshold
// in seconds.
const (
	CompletionModelMastery = "mastery"
	CompletionModelTime    = "time"
)

const defaultMasteryBound = 5

// Mastery is a resolved mastery requirement: answer M of the last N
// attempts correctly.
type Mastery struct {
	Model string `json:"mastery_model"`
	M     int    `json:"m"`
	N     int    `json:"n"`
}

// ErrNoMasteryModel reports extra_fields that carry no recognizable mastery
// configuration in either historical shape.
type ErrNoMasteryModel struct {
	Reason string
}

func (e *ErrNoMasteryModel) Error() string {
	return fmt.Sprintf("no resolvable mastery model: %s", e.Reason)
}

// MigrateExtraFields normalizes an extra_fields blob to the current nested
// shape: {randomize, options: {completion_criteria: {model, threshold}}}.
// Two historical shapes are recognized: the current one (returned as-is) and
// the legacy flat {mastery_model, m, n, randomize} one. Anything else passes
// through untouched so unknown keys are never destroyed; callers treat
// unrecognized shapes as having no completion criteria rather than guessing.
// Nil and empty inputs normalize to an empty map. Idempotent.
func MigrateExtraFields(raw map[string]interface{}) map[string]interface{} {
	out := map[string]interface{}{}
	if len(raw) == 0 {
		return out
	}
	for k, v := range raw {
		out[k] = v
	}

	if _, ok := nestedCriteria(out); ok {
		return out
	}

	model, ok := out["mastery_model"].(string)
	if !ok {
		return out
	}

	threshold := map[string]interface{}{"mastery_model": model}
	if m, ok := numericField(out, "m"); ok {
		threshold["m"] = m
	}
	if n, ok := numericField(out, "n"); ok {
		threshold["n"] = n
	}
	delete(out, "mastery_model")
	delete(out, "m")
	delete(out, "n")

	options, _ := out["options"].(map[string]interface{})
	if options == nil {
		options = map[string]interface{}{}
	}
	options["completion_criteria"] = map[string]interface{}{
		"model":     CompletionModelMastery,
		"threshold": threshold,
	}
	out["options"] = options
	return out
}

// MigrateExtraFieldsJSON is MigrateExtraFields over the stored jsonb column.
// Malformed JSON reads as empty.
func MigrateExtraFieldsJSON(raw datatypes.JSON) map[string]interface{} {
	var decoded map[string]interface{}
	if len(raw) > 0 {
		_ = json.Unmarshal(raw, &decoded)
	}
	return MigrateExtraFields(decoded)
}

// ResolveMasteryModel extracts the mastery requirement from normalized
// extra_fields, filling defaults bounded by how many assessment items the
// exercise actually has: m and n each default to min(5, itemCount) and are
// floored at 1 so an exercise never resolves to a zero-question requirement.
func ResolveMasteryModel(extraFields map[string]interface{}, itemCount int) (Mastery, error) {
	criteria, ok := nestedCriteria(extraFields)
	if !ok {
		return Mastery{}, &ErrNoMasteryModel{Reason: "no completion_criteria present"}
	}
	threshold, _ := criteria["threshold"].(map[string]interface{})
	if threshold == nil {
		return Mastery{}, &ErrNoMasteryModel{Reason: "completion_criteria has no threshold"}
	}
	model, _ := threshold["mastery_model"].(string)

	switch model {
	case MasteryDoAll:
		bound := maxInt(itemCount, 1)
		return Mastery{Model: model, M: bound, N: bound}, nil
	case MasteryNumCorrectInARow2:
		return Mastery{Model: model, M: 2, N: 2}, nil
	case MasteryNumCorrectInARow3:
		return Mastery{Model: model, M: 3, N: 3}, nil
	case MasteryNumCorrectInARow5:
		return Mastery{Model: model, M: 5, N: 5}, nil
	case MasteryNumCorrectInARow10:
		return Mastery{Model: model, M: 10, N: 10}, nil
	case MasteryMOfN:
		fallback := maxInt(minInt(defaultMasteryBound, itemCount), 1)
		m := fallback
		if v, ok := numericField(threshold, "m"); ok && v > 0 {
			m = int(v)
		}
		n := fallback
		if v, ok := numericField(threshold, "n"); ok && v > 0 {
			n = int(v)
		}
		if m > n {
			n = m
		}
		return Mastery{Model: model, M: m, N: n}, nil
	case "":
		return Mastery{}, &ErrNoMasteryModel{Reason: "threshold has no mastery_model"}
	default:
		return Mastery{}, &ErrNoMasteryModel{Reason: fmt.Sprintf("unknown mastery model %q", model)}
	}
}

// CompletionDuration returns the explicit time threshold in seconds when the
// completion criteria are time-based, or false.
func CompletionDuration(extraFields map[string]interface{}) (int, bool) {
	criteria, ok := nestedCriteria(extraFields)
	if !ok {
		return 0, false
	}
	if model, _ := criteria["model"].(string); model != CompletionModelTime {
		return 0, false
	}
	seconds, ok := numericField(criteria, "threshold")
	if !ok || seconds <= 0 {
		return 0, false
	}
	return int(seconds), true
}

func nestedCriteria(extraFields map[string]interface{}) (map[string]interface{}, bool) {
	options, _ := extraFields["options"].(map[string]interface{})
	if options == nil {
		return nil, false
	}
	criteria, _ := options["completion_criteria"].(map[string]interface{})
	if criteria == nil {
		return nil, false
	}
	return criteria, true
}

// numericField reads a numeric key tolerating both float64 (decoded JSON)
// and plain int (programmatic construction).
func numericField(m map[string]interface{}, key string) (float64, bool) {
	switch v := m[key].(type) {
	case float64:
		return v, true
	case int:
		return float64(v), true
	case int64:
		return float64(v), true
	case json.Number:
		f, err := v.Float64()
		return f, err == nil
	default:
		return 0, false
	}
}

func minInt(a, b int) int {
	if a < b {
		return a
	}
	return b
}

func maxInt(a, b int) int {
	if a > b {
		return a
	}
	return b
}
