package commit

import (
	"context"
	"errors"
	"log/slog"
	"testing"
	"time"

	"github.com/clearlane/tariffcore/pkg/audit"
	"github.com/clearlane/tariffcore/pkg/evidence"
	"github.com/clearlane/tariffcore/pkg/rates"
	"github.com/clearlane/tariffcore/pkg/tariff"
	"github.com/clearlane/tariffcore/pkg/temporal"
)

func day(y int, m time.Month, d int) time.Time {
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}

func ptr(t time.Time) *time.Time { return &t }

type fixture struct {
	store    *temporal.MemStore
	registry *evidence.MemRegistry
	log      *audit.Log
	review   *ReviewQueue
	engine   *Engine
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	rateResolver, err := rates.NewResolver()
	if err != nil {
		t.Fatalf("rates.NewResolver: %v", err)
	}
	f := &fixture{
		store:    temporal.NewMemStore(),
		registry: evidence.NewMemRegistry(),
		log:      audit.NewLog(),
		review:   NewReviewQueue(),
	}
	f.engine = NewEngine(f.store, f.registry, f.log, f.review, rateResolver,
		slog.New(slog.DiscardHandler))
	return f
}

func validCandidate() CandidateFact {
	return CandidateFact{
		Key:            tariff.SubjectKey{Code: "73063010", Material: tariff.MaterialSteel, Country: "DE"},
		OutputCode:     "9903.81.91",
		RateBP:         2500,
		Role:           temporal.RoleImpose,
		EffectiveStart: day(2025, 2, 15),
		TrustedSource:  true,
		Evidence: EvidenceInput{
			SourceID:   "fr-2025-03-05",
			SourceURL:  "https://example.gov/fr-2025-03-05",
			Quote:      "the ad valorem rate of duty is 25 percent",
			SourceText: "Effective March 12, the ad valorem rate of duty is 25 percent.",
		},
	}
}

func TestCommitSupersedesPredecessor(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	firstID, err := f.engine.Commit(ctx, validCandidate())
	if err != nil {
		t.Fatalf("first commit: %v", err)
	}

	second := validCandidate()
	second.RateBP = 5000
	second.EffectiveStart = day(2025, 4, 1)
	secondID, err := f.engine.Commit(ctx, second)
	if err != nil {
		t.Fatalf("second commit: %v", err)
	}

	key := second.Key
	facts, err := f.store.FactsForKey(ctx, key)
	if err != nil {
		t.Fatalf("FactsForKey: %v", err)
	}
	if len(facts) != 2 {
		t.Fatalf("fact count = %d, want 2", len(facts))
	}
	if facts[0].ID != firstID || facts[0].SupersededBy != secondID {
		t.Fatalf("predecessor = %+v", facts[0])
	}
	if facts[0].EffectiveEnd == nil || !facts[0].EffectiveEnd.Equal(second.EffectiveStart) {
		t.Fatal("predecessor must close at the successor's start")
	}
	if facts[1].Supersedes != firstID {
		t.Fatalf("successor supersedes = %q, want %q", facts[1].Supersedes, firstID)
	}
	if facts[1].Origin != temporal.OriginCommitted || facts[1].State != temporal.StateActive {
		t.Fatalf("successor origin/state = %s/%s", facts[1].Origin, facts[1].State)
	}

	// Evidence attached and verified.
	records, err := f.registry.ForFact(ctx, secondID)
	if err != nil {
		t.Fatalf("ForFact: %v", err)
	}
	if len(records) != 1 || records[0].Status != evidence.StatusVerified {
		t.Fatalf("evidence = %+v", records)
	}

	// Audit trail: two commits, chain intact.
	entries := f.log.Query(audit.Filter{Type: audit.EntryFactCommit})
	if len(entries) != 2 {
		t.Fatalf("audit entries = %d, want 2", len(entries))
	}
	if entries[1].Subject != key.String() {
		t.Fatalf("audit subject = %q", entries[1].Subject)
	}
	if err := f.log.VerifyChain(); err != nil {
		t.Fatalf("VerifyChain: %v", err)
	}
}

func TestCommitRejectionsQueueForReview(t *testing.T) {
	ctx := context.Background()

	cases := []struct {
		name   string
		mutate func(*CandidateFact)
		reason RejectReason
	}{
		{"untrusted source", func(c *CandidateFact) { c.TrustedSource = false }, RejectUntrustedSource},
		{"inverted dates", func(c *CandidateFact) { c.EffectiveEnd = ptr(day(2025, 1, 1)) }, RejectMalformedDates},
		{"negative rate", func(c *CandidateFact) { c.RateBP = -100 }, RejectMalformedRate},
		{"unknown role", func(c *CandidateFact) { c.Role = "advise" }, RejectMalformedRate},
		{"broken formula", func(c *CandidateFact) { c.Formula = "max(0, ceiling -" }, RejectMalformedRate},
		{"missing evidence", func(c *CandidateFact) { c.Evidence.Quote = "" }, RejectMissingEvidence},
		{"quote mismatch", func(c *CandidateFact) { c.Evidence.Quote = "50 percent" }, RejectUnverifiableQuote},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			f := newFixture(t)
			cand := validCandidate()
			tc.mutate(&cand)

			_, err := f.engine.Commit(ctx, cand)
			var ce *CommitError
			if !errors.As(err, &ce) {
				t.Fatalf("Commit = %v, want CommitError", err)
			}
			if ce.Reason != tc.reason {
				t.Fatalf("reason = %s, want %s", ce.Reason, tc.reason)
			}

			// The store stays untouched; the candidate is preserved.
			if _, err := f.store.ActiveFact(ctx, cand.Key, day(2025, 6, 1)); !errors.Is(err, temporal.ErrNoFact) {
				t.Fatal("rejected commit must not mutate the store")
			}
			pending := f.review.Pending()
			if len(pending) != 1 || pending[0].ID != ce.ReviewID {
				t.Fatalf("pending = %+v", pending)
			}
			if rejects := f.log.Query(audit.Filter{Type: audit.EntryCommitRejected}); len(rejects) != 1 {
				t.Fatalf("rejection audit entries = %d, want 1", len(rejects))
			}
		})
	}
}

func TestCommitOverlapRejectedAsIntegrityViolation(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	first := validCandidate()
	first.EffectiveEnd = ptr(day(2025, 6, 1))
	if _, err := f.engine.Commit(ctx, first); err != nil {
		t.Fatalf("first commit: %v", err)
	}

	// A window nested inside the closed predecessor cannot be bridged by
	// supersession; it overlaps.
	overlapping := validCandidate()
	overlapping.EffectiveStart = day(2025, 3, 1)
	overlapping.EffectiveEnd = ptr(day(2025, 5, 1))
	_, err := f.engine.Commit(ctx, overlapping)
	var ce *CommitError
	if !errors.As(err, &ce) {
		t.Fatalf("Commit = %v, want CommitError", err)
	}
	if ce.Reason != RejectIntegrityViolation {
		t.Fatalf("reason = %s, want integrity_violation", ce.Reason)
	}
}

func TestCommitScheduleContiguous(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	// An open predecessor the schedule supersedes.
	if _, err := f.engine.Commit(ctx, validCandidate()); err != nil {
		t.Fatalf("predecessor commit: %v", err)
	}

	mk := func(rateBP int64, start time.Time, end *time.Time) CandidateFact {
		c := validCandidate()
		c.RateBP = rateBP
		c.EffectiveStart = start
		c.EffectiveEnd = end
		return c
	}
	cands := []CandidateFact{
		mk(2500, day(2025, 4, 1), ptr(day(2025, 7, 1))),
		mk(3500, day(2025, 7, 1), ptr(day(2025, 10, 1))),
		mk(5000, day(2025, 10, 1), nil),
	}

	ids, err := f.engine.CommitSchedule(ctx, cands)
	if err != nil {
		t.Fatalf("CommitSchedule: %v", err)
	}
	if len(ids) != 3 {
		t.Fatalf("ids = %v", ids)
	}

	key := cands[0].Key
	facts, err := f.store.FactsForKey(ctx, key)
	if err != nil {
		t.Fatalf("FactsForKey: %v", err)
	}
	if len(facts) != 4 {
		t.Fatalf("fact count = %d, want 4", len(facts))
	}
	// Predecessor closed at the schedule's first start.
	if facts[0].SupersededBy != ids[0] {
		t.Fatalf("predecessor superseded_by = %q, want %q", facts[0].SupersededBy, ids[0])
	}
	// Segments link to each other; only the last stays open.
	if facts[1].Supersedes != facts[0].ID || facts[1].SupersededBy != ids[1] {
		t.Fatalf("segment 0 links = %+v", facts[1])
	}
	if facts[2].Supersedes != ids[0] || facts[2].SupersededBy != ids[2] {
		t.Fatalf("segment 1 links = %+v", facts[2])
	}
	if facts[3].Supersedes != ids[1] || facts[3].SupersededBy != "" || !facts[3].Open() {
		t.Fatalf("segment 2 links = %+v", facts[3])
	}

	// Every segment resolves over its own dates.
	for i, tc := range []struct {
		asOf time.Time
		rate int64
	}{
		{day(2025, 5, 1), 2500},
		{day(2025, 8, 1), 3500},
		{day(2026, 1, 1), 5000},
	} {
		got, err := f.store.ActiveFact(ctx, key, tc.asOf)
		if err != nil {
			t.Fatalf("ActiveFact %d: %v", i, err)
		}
		if got.RateBP != tc.rate {
			t.Fatalf("rate at %s = %d, want %d", tc.asOf.Format("2006-01-02"), got.RateBP, tc.rate)
		}
	}

	if entries := f.log.Query(audit.Filter{Type: audit.EntryScheduleCommit}); len(entries) != 1 {
		t.Fatalf("schedule audit entries = %d, want 1", len(entries))
	}
}

func TestCommitScheduleRejectsGaps(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	mk := func(start time.Time, end *time.Time) CandidateFact {
		c := validCandidate()
		c.EffectiveStart = start
		c.EffectiveEnd = end
		return c
	}

	// Gap between segments.
	_, err := f.engine.CommitSchedule(ctx, []CandidateFact{
		mk(day(2025, 4, 1), ptr(day(2025, 7, 1))),
		mk(day(2025, 8, 1), nil),
	})
	var ce *CommitError
	if !errors.As(err, &ce) || ce.Reason != RejectBrokenSchedule {
		t.Fatalf("gapped schedule = %v, want broken_schedule", err)
	}

	// Open segment in the middle.
	_, err = f.engine.CommitSchedule(ctx, []CandidateFact{
		mk(day(2025, 4, 1), nil),
		mk(day(2025, 7, 1), nil),
	})
	if !errors.As(err, &ce) || ce.Reason != RejectBrokenSchedule {
		t.Fatalf("open middle segment = %v, want broken_schedule", err)
	}

	// Mixed keys.
	other := mk(day(2025, 7, 1), nil)
	other.Key.Country = "CN"
	_, err = f.engine.CommitSchedule(ctx, []CandidateFact{
		mk(day(2025, 4, 1), ptr(day(2025, 7, 1))),
		other,
	})
	if !errors.As(err, &ce) || ce.Reason != RejectBrokenSchedule {
		t.Fatalf("mixed keys = %v, want broken_schedule", err)
	}

	// Nothing reached the store.
	if _, err := f.store.ActiveFact(ctx, validCandidate().Key, day(2025, 5, 1)); !errors.Is(err, temporal.ErrNoFact) {
		t.Fatal("rejected schedule must not mutate the store")
	}
}

func TestResubmitResolvedAfterCorrection(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	bad := validCandidate()
	bad.RateBP = -100
	_, err := f.engine.Commit(ctx, bad)
	var ce *CommitError
	if !errors.As(err, &ce) {
		t.Fatalf("Commit = %v, want CommitError", err)
	}

	// Resubmitting the unchanged candidate fails again and leaves the
	// item pending.
	if _, err := f.engine.Resubmit(ctx, ce.ReviewID, nil); err == nil {
		t.Fatal("resubmitting an uncorrected candidate must fail")
	}
	if pending := f.review.Pending(); len(pending) < 1 {
		t.Fatal("item must stay pending after a failed resubmit")
	}

	corrected := validCandidate()
	factID, err := f.engine.Resubmit(ctx, ce.ReviewID, &corrected)
	if err != nil {
		t.Fatalf("Resubmit: %v", err)
	}
	if factID == "" {
		t.Fatal("resubmit must return the committed fact id")
	}
	item, err := f.review.Get(ce.ReviewID)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if !item.Resolved {
		t.Fatal("review item must be resolved after a successful resubmit")
	}

	if _, err := f.engine.Resubmit(ctx, "no-such-item", nil); !errors.Is(err, ErrReviewItemNotFound) {
		t.Fatalf("unknown review id = %v, want ErrReviewItemNotFound", err)
	}
}

type failingRegistry struct {
	err error
}

func (r *failingRegistry) Attach(context.Context, *evidence.Record) error { return r.err }

func (r *failingRegistry) ForFact(context.Context, string) ([]*evidence.Record, error) {
	return nil, evidence.ErrNoEvidence
}

type failingAuditLog struct {
	err error
}

func (l *failingAuditLog) Append(audit.EntryType, string, string, any) (*audit.Entry, error) {
	return nil, l.err
}

func TestCommitRollsBackWhenEvidenceAttachFails(t *testing.T) {
	ctx := context.Background()
	rateResolver, err := rates.NewResolver()
	if err != nil {
		t.Fatalf("rates.NewResolver: %v", err)
	}
	store := temporal.NewMemStore()
	log := audit.NewLog()
	registryErr := errors.New("registry io failure")
	engine := NewEngine(store, &failingRegistry{err: registryErr}, log, NewReviewQueue(), rateResolver,
		slog.New(slog.DiscardHandler))

	cand := validCandidate()
	_, err = engine.Commit(ctx, cand)
	if !errors.Is(err, registryErr) {
		t.Fatalf("Commit = %v, want wrapped registry error", err)
	}

	// The fact must not survive a failed evidence attach.
	if _, err := store.ActiveFact(ctx, cand.Key, day(2025, 3, 1)); !errors.Is(err, temporal.ErrNoFact) {
		t.Fatalf("ActiveFact after failed commit = %v, want ErrNoFact", err)
	}
	if got := log.Query(audit.Filter{Type: audit.EntryFactCommit}); len(got) != 0 {
		t.Fatalf("commit audit entries = %d, want 0", len(got))
	}
}

func TestCommitRollsBackWhenAuditAppendFails(t *testing.T) {
	ctx := context.Background()
	rateResolver, err := rates.NewResolver()
	if err != nil {
		t.Fatalf("rates.NewResolver: %v", err)
	}
	store := temporal.NewMemStore()
	appendErr := errors.New("audit disk full")
	engine := NewEngine(store, evidence.NewMemRegistry(), &failingAuditLog{err: appendErr}, NewReviewQueue(), rateResolver,
		slog.New(slog.DiscardHandler))

	cand := validCandidate()
	if _, err := engine.Commit(ctx, cand); !errors.Is(err, appendErr) {
		t.Fatalf("Commit = %v, want wrapped audit error", err)
	}
	if _, err := store.ActiveFact(ctx, cand.Key, day(2025, 3, 1)); !errors.Is(err, temporal.ErrNoFact) {
		t.Fatalf("ActiveFact after failed commit = %v, want ErrNoFact", err)
	}
}

func TestCommitScheduleRollsBackWhenEvidenceAttachFails(t *testing.T) {
	ctx := context.Background()
	rateResolver, err := rates.NewResolver()
	if err != nil {
		t.Fatalf("rates.NewResolver: %v", err)
	}
	store := temporal.NewMemStore()
	registryErr := errors.New("registry io failure")
	engine := NewEngine(store, &failingRegistry{err: registryErr}, audit.NewLog(), NewReviewQueue(), rateResolver,
		slog.New(slog.DiscardHandler))

	first := validCandidate()
	first.EffectiveEnd = ptr(day(2025, 7, 1))
	second := validCandidate()
	second.RateBP = 5000
	second.EffectiveStart = day(2025, 7, 1)

	if _, err := engine.CommitSchedule(ctx, []CandidateFact{first, second}); !errors.Is(err, registryErr) {
		t.Fatalf("CommitSchedule = %v, want wrapped registry error", err)
	}
	facts, err := store.FactsForKey(ctx, first.Key)
	if err != nil {
		t.Fatalf("FactsForKey: %v", err)
	}
	if len(facts) != 0 {
		t.Fatalf("fact count after failed schedule = %d, want 0", len(facts))
	}
}
