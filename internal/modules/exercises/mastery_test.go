package exercises_test

import (
	"errors"
	"reflect"
	"testing"

	"github.com/learningequality/studio-backend/internal/modules/exercises"
)

func TestMigrateLegacyShape(t *testing.T) {
	legacy := map[string]interface{}{
		"mastery_model": exercises.MasteryMOfN,
		"m":             float64(3),
		"n":             float64(5),
		"randomize":     true,
	}

	got := exercises.MigrateExtraFields(legacy)

	options, ok := got["options"].(map[string]interface{})
	if !ok {
		t.Fatalf("migrated shape has no options: %#v", got)
	}
	criteria, ok := options["completion_criteria"].(map[string]interface{})
	if !ok {
		t.Fatalf("migrated shape has no completion_criteria: %#v", got)
	}
	if criteria["model"] != exercises.CompletionModelMastery {
		t.Fatalf("model = %v, want mastery", criteria["model"])
	}
	wantThreshold := map[string]interface{}{
		"mastery_model": exercises.MasteryMOfN,
		"m":             float64(3),
		"n":             float64(5),
	}
	if !reflect.DeepEqual(criteria["threshold"], wantThreshold) {
		t.Fatalf("threshold = %#v, want %#v", criteria["threshold"], wantThreshold)
	}
	if got["randomize"] != true {
		t.Fatalf("randomize not carried over")
	}
	for _, gone := range []string{"mastery_model", "m", "n"} {
		if _, present := got[gone]; present {
			t.Fatalf("legacy key %q survived migration", gone)
		}
	}
}

func TestMigrateIdempotent(t *testing.T) {
	legacy := map[string]interface{}{
		"mastery_model": exercises.MasteryDoAll,
	}
	once := exercises.MigrateExtraFields(legacy)
	twice := exercises.MigrateExtraFields(once)
	if !reflect.DeepEqual(once, twice) {
		t.Fatalf("migration not idempotent:\nonce:  %#v\ntwice: %#v", once, twice)
	}
}

func TestMigrateNilAndUnknown(t *testing.T) {
	if got := exercises.MigrateExtraFields(nil); len(got) != 0 {
		t.Fatalf("nil input should normalize to empty, got %#v", got)
	}

	unknown := map[string]interface{}{"flavor": "grape"}
	got := exercises.MigrateExtraFields(unknown)
	if got["flavor"] != "grape" {
		t.Fatalf("unknown keys must survive untouched: %#v", got)
	}
	if _, ok := got["options"]; ok {
		t.Fatalf("unknown shape must not grow completion criteria")
	}
}

func TestResolveMasteryDefaults(t *testing.T) {
	fields := exercises.MigrateExtraFields(map[string]interface{}{
		"mastery_model": exercises.MasteryMOfN,
	})

	// Defaults bound by item count, never below 1.
	cases := []struct {
		itemCount int
		want      int
	}{
		{itemCount: 10, want: 5},
		{itemCount: 3, want: 3},
		{itemCount: 0, want: 1},
	}
	for _, tc := range cases {
		got, err := exercises.ResolveMasteryModel(fields, tc.itemCount)
		if err != nil {
			t.Fatalf("resolve with %d items: %v", tc.itemCount, err)
		}
		if got.M != tc.want || got.N != tc.want {
			t.Fatalf("with %d items got m=%d n=%d, want %d", tc.itemCount, got.M, got.N, tc.want)
		}
	}
}

func TestResolveMasteryFixedModels(t *testing.T) {
	cases := map[string]int{
		exercises.MasteryNumCorrectInARow2:  2,
		exercises.MasteryNumCorrectInARow3:  3,
		exercises.MasteryNumCorrectInARow5:  5,
		exercises.MasteryNumCorrectInARow10: 10,
	}
	for model, want := range cases {
		fields := exercises.MigrateExtraFields(map[string]interface{}{"mastery_model": model})
		got, err := exercises.ResolveMasteryModel(fields, 1)
		if err != nil {
			t.Fatalf("resolve %s: %v", model, err)
		}
		if got.M != want || got.N != want {
			t.Fatalf("%s resolved to m=%d n=%d, want %d", model, got.M, got.N, want)
		}
	}

	doAll := exercises.MigrateExtraFields(map[string]interface{}{"mastery_model": exercises.MasteryDoAll})
	got, err := exercises.ResolveMasteryModel(doAll, 7)
	if err != nil {
		t.Fatalf("resolve do_all: %v", err)
	}
	if got.M != 7 || got.N != 7 {
		t.Fatalf("do_all resolved to m=%d n=%d, want 7", got.M, got.N)
	}
}

func TestResolveMasteryUnparseable(t *testing.T) {
	var target *exercises.ErrNoMasteryModel
	for name, fields := range map[string]map[string]interface{}{
		"empty":   {},
		"unknown": exercises.MigrateExtraFields(map[string]interface{}{"mastery_model": "best_effort"}),
	} {
		if _, err := exercises.ResolveMasteryModel(fields, 3); !errors.As(err, &target) {
			t.Fatalf("%s: expected ErrNoMasteryModel, got %v", name, err)
		}
	}
}

func TestCompletionDuration(t *testing.T) {
	fields := map[string]interface{}{
		"options": map[string]interface{}{
			"completion_criteria": map[string]interface{}{
				"model":     exercises.CompletionModelTime,
				"threshold": float64(300),
			},
		},
	}
	seconds, ok := exercises.CompletionDuration(fields)
	if !ok || seconds != 300 {
		t.Fatalf("got %d/%v, want 300/true", seconds, ok)
	}

	mastery := exercises.MigrateExtraFields(map[string]interface{}{"mastery_model": exercises.MasteryDoAll})
	if _, ok := exercises.CompletionDuration(mastery); ok {
		t.Fatalf("mastery criteria must not report a duration")
	}
}
