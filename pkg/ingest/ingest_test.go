package ingest

import (
	"context"
	"errors"
	"log/slog"
	"testing"
	"time"

	"github.com/clearlane/tariffcore/pkg/audit"
	"github.com/clearlane/tariffcore/pkg/commit"
	"github.com/clearlane/tariffcore/pkg/evidence"
	"github.com/clearlane/tariffcore/pkg/rates"
	"github.com/clearlane/tariffcore/pkg/tariff"
	"github.com/clearlane/tariffcore/pkg/temporal"
)

type fixture struct {
	store    *temporal.MemStore
	pipeline *Pipeline
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	rateResolver, err := rates.NewResolver()
	if err != nil {
		t.Fatalf("rates.NewResolver: %v", err)
	}
	store := temporal.NewMemStore()
	logger := slog.New(slog.DiscardHandler)
	engine := commit.NewEngine(store, evidence.NewMemRegistry(), audit.NewLog(),
		commit.NewReviewQueue(), rateResolver, logger)
	pipeline, err := NewPipeline(engine, logger)
	if err != nil {
		t.Fatalf("NewPipeline: %v", err)
	}
	return &fixture{store: store, pipeline: pipeline}
}

const validMessage = `{
  "key": {"code": "73063010", "material": "steel", "country": "DE"},
  "output_code": "9903.81.91",
  "rate_bp": 2500,
  "role": "impose",
  "effective_start": "2025-02-15T00:00:00Z",
  "trusted_source": true,
  "evidence": {
    "source_id": "fr-2025-03-05",
    "quote": "the ad valorem rate of duty is 25 percent",
    "source_text": "Effective March 12, the ad valorem rate of duty is 25 percent."
  }
}`

func TestHandleMessageCommits(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	factID, err := f.pipeline.HandleMessage(ctx, []byte(validMessage))
	if err != nil {
		t.Fatalf("HandleMessage: %v", err)
	}

	key := tariff.SubjectKey{Code: "73063010", Material: tariff.MaterialSteel, Country: "DE"}
	fact, err := f.store.ActiveFact(ctx, key, time.Date(2025, 6, 1, 0, 0, 0, 0, time.UTC))
	if err != nil {
		t.Fatalf("ActiveFact: %v", err)
	}
	if fact.ID != factID || fact.RateBP != 2500 || fact.Role != temporal.RoleImpose {
		t.Fatalf("committed fact = %+v", fact)
	}
}

func TestHandleMessageSchemaRejections(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	cases := []struct {
		name string
		raw  string
	}{
		{"malformed json", `{"key":`},
		{"missing key", `{"output_code": "x", "role": "impose", "effective_start": "2025-02-15T00:00:00Z", "evidence": {"source_id": "s", "quote": "q"}}`},
		{"empty code", `{"key": {"code": ""}, "output_code": "x", "role": "impose", "effective_start": "2025-02-15T00:00:00Z", "evidence": {"source_id": "s", "quote": "q"}}`},
		{"bad role", `{"key": {"code": "73063010"}, "output_code": "x", "role": "advise", "effective_start": "2025-02-15T00:00:00Z", "evidence": {"source_id": "s", "quote": "q"}}`},
		{"negative rate", `{"key": {"code": "73063010"}, "output_code": "x", "rate_bp": -5, "role": "impose", "effective_start": "2025-02-15T00:00:00Z", "evidence": {"source_id": "s", "quote": "q"}}`},
		{"fractional rate", `{"key": {"code": "73063010"}, "output_code": "x", "rate_bp": 25.5, "role": "impose", "effective_start": "2025-02-15T00:00:00Z", "evidence": {"source_id": "s", "quote": "q"}}`},
		{"missing evidence quote", `{"key": {"code": "73063010"}, "output_code": "x", "role": "impose", "effective_start": "2025-02-15T00:00:00Z", "evidence": {"source_id": "s"}}`},
		{"unparseable date", `{"key": {"code": "73063010"}, "output_code": "x", "role": "impose", "effective_start": "February 15", "evidence": {"source_id": "s", "quote": "q"}}`},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := f.pipeline.HandleMessage(ctx, []byte(tc.raw))
			var me *MessageError
			if !errors.As(err, &me) {
				t.Fatalf("HandleMessage = %v, want MessageError", err)
			}
		})
	}

	// Nothing reached the store.
	key := tariff.SubjectKey{Code: "73063010", Material: tariff.MaterialSteel, Country: "DE"}
	if _, err := f.store.ActiveFact(ctx, key, time.Now()); !errors.Is(err, temporal.ErrNoFact) {
		t.Fatal("refused messages must not mutate the store")
	}
}

func TestHandleMessageCommitRejectionPassesThrough(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	// Schema-valid but untrusted: the commit engine rejects it into the
	// review queue, which is a CommitError, not a MessageError.
	untrusted := `{
	  "key": {"code": "73063010"},
	  "output_code": "x",
	  "role": "impose",
	  "effective_start": "2025-02-15T00:00:00Z",
	  "trusted_source": false,
	  "evidence": {"source_id": "s", "quote": "q"}
	}`
	_, err := f.pipeline.HandleMessage(ctx, []byte(untrusted))
	var ce *commit.CommitError
	if !errors.As(err, &ce) {
		t.Fatalf("HandleMessage = %v, want CommitError", err)
	}
	if ce.Reason != commit.RejectUntrustedSource {
		t.Fatalf("reason = %s, want untrusted_source", ce.Reason)
	}
}

func TestHandleSchedule(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	schedule := `[
	  {
	    "key": {"code": "73063010", "material": "steel", "country": "DE"},
	    "output_code": "9903.81.91",
	    "rate_bp": 2500,
	    "role": "impose",
	    "effective_start": "2025-04-01T00:00:00Z",
	    "effective_end": "2025-07-01T00:00:00Z",
	    "trusted_source": true,
	    "evidence": {"source_id": "fr-1", "quote": "25 percent"}
	  },
	  {
	    "key": {"code": "73063010", "material": "steel", "country": "DE"},
	    "output_code": "9903.81.91",
	    "rate_bp": 5000,
	    "role": "impose",
	    "effective_start": "2025-07-01T00:00:00Z",
	    "trusted_source": true,
	    "evidence": {"source_id": "fr-1", "quote": "50 percent"}
	  }
	]`

	ids, err := f.pipeline.HandleSchedule(ctx, []byte(schedule))
	if err != nil {
		t.Fatalf("HandleSchedule: %v", err)
	}
	if len(ids) != 2 {
		t.Fatalf("ids = %v", ids)
	}

	key := tariff.SubjectKey{Code: "73063010", Material: tariff.MaterialSteel, Country: "DE"}
	fact, err := f.store.ActiveFact(ctx, key, time.Date(2025, 8, 1, 0, 0, 0, 0, time.UTC))
	if err != nil {
		t.Fatalf("ActiveFact: %v", err)
	}
	if fact.RateBP != 5000 {
		t.Fatalf("rate = %d, want 5000", fact.RateBP)
	}

	// Not an array.
	if _, err := f.pipeline.HandleSchedule(ctx, []byte(validMessage)); err == nil {
		t.Fatal("non-array schedule payload must be refused")
	}
}

func TestConsumeDrainsChannel(t *testing.T) {
	f := newFixture(t)

	messages := make(chan []byte, 2)
	messages <- []byte(validMessage)
	messages <- []byte(`{"key":`) // logged and skipped
	close(messages)

	if err := f.pipeline.Consume(context.Background(), messages); err != nil {
		t.Fatalf("Consume: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if err := f.pipeline.Consume(ctx, make(chan []byte)); !errors.Is(err, context.Canceled) {
		t.Fatalf("cancelled consume = %v, want context.Canceled", err)
	}
}
