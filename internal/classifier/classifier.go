// Package classifier decides whether a piece of conversation text is worth
// saving as a memory, and which category it belongs to. The decision is
// delegated to a Gemini model returning structured JSON; callers treat the
// classifier as optional and save unconditionally when it is absent.
package classifier

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"google.golang.org/genai"

	"memoryd/internal/config"
	"memoryd/internal/logging"
	"memoryd/internal/types"
)

// Category is the memory category assigned by classification.
type Category string

const (
	CategoryDecision      Category = "decision"
	CategoryFact          Category = "fact"
	CategoryPreference    Category = "preference"
	CategoryOutcome       Category = "outcome"
	CategoryBrainstorming Category = "brainstorming"
)

// ValidCategory reports whether c is a known category.
func ValidCategory(c Category) bool {
	switch c {
	case CategoryDecision, CategoryFact, CategoryPreference, CategoryOutcome, CategoryBrainstorming:
		return true
	}
	return false
}

// Classification is the structured classifier verdict.
type Classification struct {
	Category   Category `json:"category"`
	ShouldSave bool     `json:"should_save"`
	Confidence float64  `json:"confidence"`
	Reasoning  string   `json:"reasoning"`
}

// Classifier decides whether text should be saved as a memory.
type Classifier interface {
	Classify(ctx context.Context, text, contextText string) (*Classification, error)
}

const classifyPrompt = `You classify statements from an AI agent's conversation for long-term memory storage.

Categories:
- decision: a choice was made ("we will use X", "decided against Y")
- fact: a concrete piece of information worth remembering
- preference: a stated user or team preference
- outcome: the result of an action or experiment
- brainstorming: exploratory thinking with no durable conclusion

Respond with JSON only:
{"category": "...", "should_save": true|false, "confidence": 0.0-1.0, "reasoning": "one sentence"}

Only brainstorming should have should_save=false.`

// GenAIClassifier classifies text through the Gemini API.
type GenAIClassifier struct {
	client  *genai.Client
	model   string
	timeout time.Duration
}

// NewGenAIClassifier creates a Gemini-backed classifier.
func NewGenAIClassifier(cfg config.ClassifierConfig) (*GenAIClassifier, error) {
	if cfg.APIKey == "" {
		return nil, fmt.Errorf("classifier API key is required")
	}
	model := cfg.Model
	if model == "" {
		model = "gemini-2.0-flash"
	}
	timeout := time.Duration(cfg.TimeoutSeconds) * time.Second
	if timeout <= 0 {
		timeout = 30 * time.Second
	}

	client, err := genai.NewClient(context.Background(), &genai.ClientConfig{
		APIKey: cfg.APIKey,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create GenAI client: %w", err)
	}
	return &GenAIClassifier{client: client, model: model, timeout: timeout}, nil
}

// Classify sends the text to the model and parses the structured verdict.
func (c *GenAIClassifier) Classify(ctx context.Context, text, contextText string) (*Classification, error) {
	timer := logging.StartTimer(logging.CategoryClassifier, "Classify")
	defer timer.StopWithThreshold(5 * time.Second)

	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	var sb strings.Builder
	sb.WriteString("Statement:\n")
	sb.WriteString(text)
	if contextText != "" {
		sb.WriteString("\n\nConversation context:\n")
		sb.WriteString(contextText)
	}

	contents := []*genai.Content{
		genai.NewContentFromText(sb.String(), genai.RoleUser),
	}
	result, err := c.client.Models.GenerateContent(ctx, c.model, contents, &genai.GenerateContentConfig{
		SystemInstruction: genai.NewContentFromText(classifyPrompt, genai.RoleUser),
		ResponseMIMEType:  "application/json",
	})
	if err != nil {
		return nil, fmt.Errorf("classification request failed: %w", err)
	}

	verdict, err := parseClassification(result.Text())
	if err != nil {
		return nil, err
	}
	logging.ClassifierDebug("Classified as %s (save=%v, confidence=%.2f)",
		verdict.Category, verdict.ShouldSave, verdict.Confidence)
	return verdict, nil
}

// parseClassification decodes and normalizes the model's JSON verdict.
// should_save is forced true for every category except brainstorming.
func parseClassification(raw string) (*Classification, error) {
	raw = strings.TrimSpace(raw)
	// Models occasionally wrap JSON in a code fence despite the MIME type.
	raw = strings.TrimPrefix(raw, "```json")
	raw = strings.TrimPrefix(raw, "```")
	raw = strings.TrimSuffix(raw, "```")
	raw = strings.TrimSpace(raw)

	var v Classification
	if err := json.Unmarshal([]byte(raw), &v); err != nil {
		return nil, types.Internalf("malformed classifier response: %v", err)
	}
	v.Category = Category(strings.ToLower(string(v.Category)))
	if !ValidCategory(v.Category) {
		return nil, types.Internalf("unknown classifier category %q", v.Category)
	}
	if v.Category != CategoryBrainstorming {
		v.ShouldSave = true
	}
	if v.Confidence < 0 {
		v.Confidence = 0
	}
	if v.Confidence > 1 {
		v.Confidence = 1
	}
	return &v, nil
}
