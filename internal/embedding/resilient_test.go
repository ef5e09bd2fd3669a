package embedding

import (
	"context"
	"errors"
	"testing"
	"time"

	"memoryd/internal/types"
)

// flakyEngine fails the first failCount calls, then succeeds.
type flakyEngine struct {
	failCount int
	calls     int
}

func (f *flakyEngine) Embed(ctx context.Context, text string) ([]float32, error) {
	f.calls++
	if f.calls <= f.failCount {
		return nil, errors.New("provider exploded")
	}
	return []float32{0.1, 0.2, 0.3}, nil
}

func (f *flakyEngine) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	out := make([][]float32, len(texts))
	for i := range texts {
		vec, err := f.Embed(ctx, texts[i])
		if err != nil {
			return nil, err
		}
		out[i] = vec
	}
	return out, nil
}

func (f *flakyEngine) Dimensions() int { return 3 }
func (f *flakyEngine) Name() string    { return "flaky" }

func fastConfig() ResilientConfig {
	return ResilientConfig{
		MaxRetries:       3,
		BaseDelay:        time.Millisecond,
		MaxDelay:         5 * time.Millisecond,
		CallTimeout:      time.Second,
		BreakerThreshold: 2,
		BreakerTimeout:   50 * time.Millisecond,
	}
}

func TestResilientRetriesThenSucceeds(t *testing.T) {
	inner := &flakyEngine{failCount: 2}
	eng := NewResilientEngine(inner, fastConfig())

	vec, err := eng.Embed(context.Background(), "hello")
	if err != nil {
		t.Fatalf("Embed failed: %v", err)
	}
	if len(vec) != 3 {
		t.Errorf("expected 3-dim vector, got %d", len(vec))
	}
	if inner.calls != 3 {
		t.Errorf("expected 3 attempts, got %d", inner.calls)
	}
}

func TestResilientExhaustsRetries(t *testing.T) {
	inner := &flakyEngine{failCount: 100}
	eng := NewResilientEngine(inner, fastConfig())

	_, err := eng.Embed(context.Background(), "hello")
	if err == nil {
		t.Fatal("expected error after exhausting retries")
	}
	if inner.calls != 3 {
		t.Errorf("expected exactly 3 attempts, got %d", inner.calls)
	}
}

func TestBreakerOpensAndReportsDegraded(t *testing.T) {
	inner := &flakyEngine{failCount: 1000}
	eng := NewResilientEngine(inner, fastConfig())

	// Two failing calls (each exhausting retries) trip the breaker.
	eng.Embed(context.Background(), "a")
	eng.Embed(context.Background(), "b")

	if eng.Available() {
		t.Fatal("breaker should be open after consecutive failures")
	}

	callsBefore := inner.calls
	_, err := eng.Embed(context.Background(), "c")
	if !errors.Is(err, types.ErrServiceDegraded) {
		t.Errorf("expected degraded-service error, got %v", err)
	}
	if inner.calls != callsBefore {
		t.Error("open breaker should fail fast without calling the provider")
	}
}

func TestBreakerRecoversAfterTimeout(t *testing.T) {
	inner := &flakyEngine{failCount: 6} // enough to trip the breaker twice over
	eng := NewResilientEngine(inner, fastConfig())

	eng.Embed(context.Background(), "a")
	eng.Embed(context.Background(), "b")
	if eng.Available() {
		t.Fatal("breaker should be open")
	}

	// After the open timeout a half-open probe is admitted and succeeds.
	time.Sleep(80 * time.Millisecond)
	vec, err := eng.Embed(context.Background(), "c")
	if err != nil {
		t.Fatalf("half-open probe should succeed: %v", err)
	}
	if len(vec) != 3 {
		t.Errorf("expected 3-dim vector, got %d", len(vec))
	}
}
