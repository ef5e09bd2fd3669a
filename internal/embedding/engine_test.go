package embedding

import (
	"context"
	"math"
	"testing"
)

func TestCosineSimilarity(t *testing.T) {
	a := []float32{1, 0, 0}
	b := []float32{1, 0, 0}
	c := []float32{0, 1, 0}
	d := []float32{-1, 0, 0}

	sim, err := CosineSimilarity(a, b)
	if err != nil {
		t.Fatalf("CosineSimilarity failed: %v", err)
	}
	if math.Abs(sim-1.0) > 1e-9 {
		t.Errorf("identical vectors: expected 1.0, got %f", sim)
	}

	sim, _ = CosineSimilarity(a, c)
	if math.Abs(sim) > 1e-9 {
		t.Errorf("orthogonal vectors: expected 0.0, got %f", sim)
	}

	sim, _ = CosineSimilarity(a, d)
	if math.Abs(sim+1.0) > 1e-9 {
		t.Errorf("opposite vectors: expected -1.0, got %f", sim)
	}
}

func TestCosineSimilarityDimensionMismatch(t *testing.T) {
	_, err := CosineSimilarity([]float32{1, 0}, []float32{1, 0, 0})
	if err == nil {
		t.Error("expected error for mismatched dimensions")
	}
}

func TestCosineSimilarityZeroVector(t *testing.T) {
	sim, err := CosineSimilarity([]float32{0, 0, 0}, []float32{1, 2, 3})
	if err != nil {
		t.Fatalf("CosineSimilarity failed: %v", err)
	}
	if sim != 0 {
		t.Errorf("zero vector: expected 0.0, got %f", sim)
	}
}

func TestFindTopK(t *testing.T) {
	query := []float32{1, 0, 0}
	corpus := [][]float32{
		{0, 1, 0},       // orthogonal
		{1, 0.1, 0},     // close
		{1, 0, 0},       // identical
		{-1, 0, 0},      // opposite
		{0.5, 0.5, 0.5}, // somewhere in between
	}

	results, err := FindTopK(query, corpus, 3)
	if err != nil {
		t.Fatalf("FindTopK failed: %v", err)
	}
	if len(results) != 3 {
		t.Fatalf("expected 3 results, got %d", len(results))
	}
	if results[0].Index != 2 {
		t.Errorf("expected identical vector first, got index %d", results[0].Index)
	}
	if results[1].Index != 1 {
		t.Errorf("expected close vector second, got index %d", results[1].Index)
	}
	for i := 1; i < len(results); i++ {
		if results[i].Similarity > results[i-1].Similarity {
			t.Errorf("results not sorted descending at %d", i)
		}
	}
}

func TestFindTopKSkipsMismatched(t *testing.T) {
	query := []float32{1, 0}
	corpus := [][]float32{
		{1, 0},
		{1, 0, 0}, // wrong dimension, skipped
		{0, 1},
	}

	results, err := FindTopK(query, corpus, 10)
	if err != nil {
		t.Fatalf("FindTopK failed: %v", err)
	}
	if len(results) != 2 {
		t.Errorf("expected 2 results after skipping mismatched vector, got %d", len(results))
	}
}

func TestNewEngineUnsupportedProvider(t *testing.T) {
	_, err := NewEngine(Config{Provider: "carrier-pigeon"})
	if err == nil {
		t.Error("expected error for unsupported provider")
	}
}

func TestGenAIEngineTaskType(t *testing.T) {
	if _, err := NewGenAIEngine("", "", ""); err == nil {
		t.Error("expected error for missing API key")
	}

	eng, err := NewGenAIEngine("test-key", "", "RETRIEVAL_QUERY")
	if err != nil {
		t.Fatalf("NewGenAIEngine failed: %v", err)
	}
	if eng.taskType != "RETRIEVAL_QUERY" {
		t.Errorf("valid task type must be kept, got %q", eng.taskType)
	}
	if eng.model != "gemini-embedding-001" {
		t.Errorf("unexpected default model %q", eng.model)
	}

	eng, err = NewGenAIEngine("test-key", "", "CARRIER_PIGEON")
	if err != nil {
		t.Fatalf("NewGenAIEngine failed: %v", err)
	}
	if eng.taskType != "SEMANTIC_SIMILARITY" {
		t.Errorf("unknown task type must fall back, got %q", eng.taskType)
	}
}

func TestNullEngine(t *testing.T) {
	eng, err := NewEngine(Config{Provider: "none"})
	if err != nil {
		t.Fatalf("NewEngine failed: %v", err)
	}
	if eng.Name() != "none" {
		t.Errorf("unexpected name %q", eng.Name())
	}
	if _, err := eng.Embed(context.Background(), "hello"); err == nil {
		t.Error("null engine should report unavailability")
	}
}
