package classifier

import (
	"testing"

	"memoryd/internal/types"
)

func TestParseClassification(t *testing.T) {
	v, err := parseClassification(`{"category":"decision","should_save":true,"confidence":0.9,"reasoning":"a choice was made"}`)
	if err != nil {
		t.Fatalf("parse failed: %v", err)
	}
	if v.Category != CategoryDecision || !v.ShouldSave || v.Confidence != 0.9 {
		t.Errorf("unexpected verdict: %+v", v)
	}
}

func TestParseClassificationCodeFence(t *testing.T) {
	raw := "```json\n{\"category\":\"fact\",\"should_save\":true,\"confidence\":0.7,\"reasoning\":\"x\"}\n```"
	v, err := parseClassification(raw)
	if err != nil {
		t.Fatalf("parse failed: %v", err)
	}
	if v.Category != CategoryFact {
		t.Errorf("expected fact, got %s", v.Category)
	}
}

func TestParseClassificationForcesShouldSave(t *testing.T) {
	// A non-brainstorming category must save even if the model says otherwise.
	v, err := parseClassification(`{"category":"outcome","should_save":false,"confidence":0.6,"reasoning":"x"}`)
	if err != nil {
		t.Fatalf("parse failed: %v", err)
	}
	if !v.ShouldSave {
		t.Error("should_save must be forced true for non-brainstorming categories")
	}

	v, err = parseClassification(`{"category":"brainstorming","should_save":false,"confidence":0.6,"reasoning":"x"}`)
	if err != nil {
		t.Fatalf("parse failed: %v", err)
	}
	if v.ShouldSave {
		t.Error("brainstorming may decline to save")
	}
}

func TestParseClassificationClampsConfidence(t *testing.T) {
	v, err := parseClassification(`{"category":"fact","should_save":true,"confidence":1.7,"reasoning":"x"}`)
	if err != nil {
		t.Fatalf("parse failed: %v", err)
	}
	if v.Confidence != 1.0 {
		t.Errorf("expected clamp at 1.0, got %f", v.Confidence)
	}
}

func TestParseClassificationRejectsGarbage(t *testing.T) {
	if _, err := parseClassification("not json"); err == nil {
		t.Error("expected an error on malformed JSON")
	}
	_, err := parseClassification(`{"category":"poetry","should_save":true,"confidence":0.5,"reasoning":"x"}`)
	if err == nil {
		t.Error("expected an error on an unknown category")
	}
	if types.IsNotFound(err) {
		t.Error("category errors are internal, not NotFound")
	}
}

func TestIdentityValidatorFindsViolations(t *testing.T) {
	v := NewIdentityValidator(map[string][]string{
		"base_model_reference": {"Gemini", "large language model"},
	})

	result := v.Validate("Max", "As Gemini, I am a large language model built to help.")
	if len(result.Violations) != 2 {
		t.Fatalf("expected 2 violations, got %d: %+v", len(result.Violations), result.Violations)
	}
	if result.Violations[0].Match != "Gemini" {
		t.Errorf("expected Gemini first, got %q", result.Violations[0].Match)
	}
	want := "As Max, I am a Max built to help."
	if result.CorrectedText != want {
		t.Errorf("corrected text mismatch:\n got %q\nwant %q", result.CorrectedText, want)
	}
}

func TestIdentityValidatorCaseInsensitive(t *testing.T) {
	v := NewIdentityValidator(map[string][]string{"base_model_reference": {"gemini"}})
	result := v.Validate("Max", "GEMINI says hi")
	if len(result.Violations) != 1 {
		t.Fatalf("expected 1 violation, got %d", len(result.Violations))
	}
	if result.Violations[0].Match != "GEMINI" {
		t.Errorf("match should preserve original casing, got %q", result.Violations[0].Match)
	}
}

func TestIdentityValidatorCleanResponse(t *testing.T) {
	v := NewIdentityValidator(map[string][]string{"base_model_reference": {"Gemini"}})
	result := v.Validate("Max", "I am Max and happy to help.")
	if len(result.Violations) != 0 {
		t.Errorf("expected no violations, got %+v", result.Violations)
	}
	if result.CorrectedText != "" {
		t.Error("clean responses need no corrected text")
	}
}

func TestIdentityValidatorOwnNameAllowed(t *testing.T) {
	// The agent's own identity appearing in the table must not self-flag.
	v := NewIdentityValidator(map[string][]string{"base_model_reference": {"Max"}})
	result := v.Validate("Max", "Max here.")
	if len(result.Violations) != 0 {
		t.Errorf("own identity must never be a violation, got %+v", result.Violations)
	}
}
