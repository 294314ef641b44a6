package commit

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"

	"github.com/clearlane/tariffcore/pkg/audit"
	"github.com/clearlane/tariffcore/pkg/evidence"
	"github.com/clearlane/tariffcore/pkg/rates"
	"github.com/clearlane/tariffcore/pkg/temporal"
)

// AuditLog is the audit surface the engine writes to. Both the in-memory
// and the SQLite-backed logs satisfy it.
type AuditLog interface {
	Append(entryType audit.EntryType, subject, action string, payload any) (*audit.Entry, error)
}

// Engine is the commit & audit engine: the single writer to the fact
// store. Commits for one subject key serialize through the store's
// key-scoped transaction; different keys commit concurrently.
type Engine struct {
	store    temporal.Store
	registry evidence.Registry
	log      AuditLog
	review   *ReviewQueue
	rates    *rates.Resolver
	clock    func() time.Time
	logger   *slog.Logger
	tracer   trace.Tracer

	accepted metric.Int64Counter
	rejected metric.Int64Counter
}

// NewEngine creates a commit engine.
func NewEngine(store temporal.Store, registry evidence.Registry, log AuditLog, review *ReviewQueue, rateResolver *rates.Resolver, logger *slog.Logger) *Engine {
	if logger == nil {
		logger = slog.Default()
	}
	meter := otel.Meter("tariffcore/commit")
	accepted, _ := meter.Int64Counter("tariffcore.commits.accepted")
	rejected, _ := meter.Int64Counter("tariffcore.commits.rejected")
	return &Engine{
		store:    store,
		registry: registry,
		log:      log,
		review:   review,
		rates:    rateResolver,
		clock:    time.Now,
		logger:   logger,
		tracer:   otel.Tracer("tariffcore/commit"),
		accepted: accepted,
		rejected: rejected,
	}
}

// WithClock overrides the clock for deterministic tests.
func (e *Engine) WithClock(clock func() time.Time) *Engine {
	e.clock = clock
	return e
}

// Review exposes the review queue.
func (e *Engine) Review() *ReviewQueue { return e.review }

// Commit applies one candidate fact: close the active predecessor, insert
// the successor, attach evidence, write the audit entry. All-or-nothing;
// a rejected candidate is queued for review and the store is untouched.
func (e *Engine) Commit(ctx context.Context, cand CandidateFact) (string, error) {
	ctx, span := e.tracer.Start(ctx, "tariffcore.Commit",
		trace.WithAttributes(attribute.String("subject_key", cand.Key.String())))
	defer span.End()

	if reason, detail := e.validate(&cand); reason != "" {
		return "", e.reject(ctx, cand, reason, detail)
	}

	factID := uuid.New().String()
	var sideErr error
	err := e.store.UpdateKey(ctx, cand.Key, func(tx temporal.KeyTx) error {
		pred, err := tx.ActiveBefore(cand.EffectiveStart)
		if err != nil {
			return err
		}

		fact := e.buildFact(factID, &cand)
		if pred != nil {
			if err := tx.Close(pred.ID, cand.EffectiveStart, factID); err != nil {
				return err
			}
			fact.Supersedes = pred.ID
		}
		if err := tx.Insert(fact); err != nil {
			return err
		}
		// Evidence and the audit entry go inside the key transaction: a
		// failure here rolls the fact back instead of leaving it live
		// without evidence.
		if err := e.attachEvidence(ctx, factID, &cand); err != nil {
			sideErr = err
			return err
		}
		if err := e.auditCommit(audit.EntryFactCommit, factID, &cand, pred); err != nil {
			sideErr = err
			return err
		}
		return nil
	})
	if sideErr != nil {
		return "", sideErr
	}
	if err != nil {
		return "", e.reject(ctx, cand, RejectIntegrityViolation, err.Error())
	}
	e.accepted.Add(ctx, 1)
	e.logger.Info("fact committed", "fact", factID, "key", cand.Key.String())
	return factID, nil
}

// CommitSchedule applies a staged schedule as one logical operation: a
// pre-linked run of facts over consecutive segments. Breaking the chain
// breaks every temporal query for the intervening dates, so gaps or
// overlaps between segments reject the whole schedule.
func (e *Engine) CommitSchedule(ctx context.Context, cands []CandidateFact) ([]string, error) {
	ctx, span := e.tracer.Start(ctx, "tariffcore.CommitSchedule")
	defer span.End()

	if len(cands) == 0 {
		return nil, &CommitError{Reason: RejectBrokenSchedule, Detail: "empty schedule"}
	}
	key := cands[0].Key
	for i := range cands {
		if reason, detail := e.validate(&cands[i]); reason != "" {
			return nil, e.rejectSchedule(ctx, cands, reason, fmt.Sprintf("segment %d: %s", i, detail))
		}
		if cands[i].Key != key {
			return nil, e.rejectSchedule(ctx, cands, RejectBrokenSchedule, fmt.Sprintf("segment %d has key %s, want %s", i, cands[i].Key, key))
		}
	}
	for i := 0; i < len(cands)-1; i++ {
		end := cands[i].EffectiveEnd
		next := cands[i+1].EffectiveStart
		if end == nil || !end.Equal(next) {
			return nil, e.rejectSchedule(ctx, cands, RejectBrokenSchedule,
				fmt.Sprintf("segment %d must end exactly where segment %d starts", i, i+1))
		}
	}

	ids := make([]string, len(cands))
	for i := range ids {
		ids[i] = uuid.New().String()
	}

	var sideErr error
	err := e.store.UpdateKey(ctx, key, func(tx temporal.KeyTx) error {
		pred, err := tx.ActiveBefore(cands[0].EffectiveStart)
		if err != nil {
			return err
		}
		if pred != nil {
			if err := tx.Close(pred.ID, cands[0].EffectiveStart, ids[0]); err != nil {
				return err
			}
		}
		for i := range cands {
			fact := e.buildFact(ids[i], &cands[i])
			if i == 0 {
				if pred != nil {
					fact.Supersedes = pred.ID
				}
			} else {
				fact.Supersedes = ids[i-1]
			}
			if i < len(cands)-1 {
				fact.SupersededBy = ids[i+1]
			}
			if err := tx.Insert(fact); err != nil {
				return err
			}
		}
		// Same rule as Commit: evidence and the audit entry succeed inside
		// the transaction or the whole schedule rolls back.
		for i := range cands {
			if err := e.attachEvidence(ctx, ids[i], &cands[i]); err != nil {
				sideErr = err
				return err
			}
		}
		if _, err := e.log.Append(audit.EntryScheduleCommit, key.String(), "commit_schedule", map[string]any{
			"fact_ids":    ids,
			"segments":    len(cands),
			"predecessor": factIDOrEmpty(pred),
		}); err != nil {
			sideErr = fmt.Errorf("audit append for schedule on %s: %w", key, err)
			return err
		}
		return nil
	})
	if sideErr != nil {
		return nil, sideErr
	}
	if err != nil {
		return nil, e.rejectSchedule(ctx, cands, RejectIntegrityViolation, err.Error())
	}
	e.accepted.Add(ctx, int64(len(cands)))
	e.logger.Info("schedule committed", "key", key.String(), "segments", len(cands))
	return ids, nil
}

// Resubmit retries a reviewed candidate, optionally replacing it with a
// corrected one, and resolves the review item on success.
func (e *Engine) Resubmit(ctx context.Context, reviewID string, corrected *CandidateFact) (string, error) {
	item, err := e.review.Get(reviewID)
	if err != nil {
		return "", err
	}
	cand := item.Candidate
	if corrected != nil {
		cand = *corrected
	}
	factID, err := e.Commit(ctx, cand)
	if err != nil {
		return "", err
	}
	if err := e.review.MarkResolved(reviewID); err != nil {
		return "", err
	}
	return factID, nil
}

// validate re-checks the structural invariants the core owns: date
// ordering, rate well-formedness, evidence shape, source trust.
func (e *Engine) validate(cand *CandidateFact) (RejectReason, string) {
	if !cand.TrustedSource {
		return RejectUntrustedSource, "candidate source is not trusted"
	}
	if cand.Key.Code == "" {
		return RejectMalformedDates, "empty subject key code"
	}
	if cand.EffectiveStart.IsZero() {
		return RejectMalformedDates, "effective_start required"
	}
	if cand.EffectiveEnd != nil && !cand.EffectiveStart.Before(*cand.EffectiveEnd) {
		return RejectMalformedDates, "effective_end must be after effective_start"
	}
	if cand.Role != temporal.RoleImpose && cand.Role != temporal.RoleExclude {
		return RejectMalformedRate, fmt.Sprintf("unknown role %q", cand.Role)
	}
	if cand.Formula == "" && cand.RateBP < 0 {
		return RejectMalformedRate, fmt.Sprintf("negative rate %d bp", cand.RateBP)
	}
	if cand.Formula != "" {
		if _, err := e.rates.Evaluate(cand.Formula, cand.FormulaParams); err != nil {
			return RejectMalformedRate, err.Error()
		}
	}
	if cand.Evidence.SourceID == "" || cand.Evidence.Quote == "" {
		return RejectMissingEvidence, "evidence source and quote required"
	}
	if evidence.VerifyQuote(cand.Evidence.Quote, cand.Evidence.SourceText) == evidence.StatusFailed {
		return RejectUnverifiableQuote, "quote does not verify against source text"
	}
	return "", ""
}

func (e *Engine) buildFact(id string, cand *CandidateFact) *temporal.Fact {
	return &temporal.Fact{
		ID:             id,
		Key:            cand.Key,
		OutputCode:     cand.OutputCode,
		RateBP:         cand.RateBP,
		Formula:        cand.Formula,
		FormulaParams:  cand.FormulaParams,
		Role:           cand.Role,
		State:          temporal.StateActive,
		Origin:         temporal.OriginCommitted,
		EffectiveStart: cand.EffectiveStart.UTC(),
		EffectiveEnd:   cand.EffectiveEnd,
	}
}

func (e *Engine) attachEvidence(ctx context.Context, factID string, cand *CandidateFact) error {
	rec := &evidence.Record{
		ID:        uuid.New().String(),
		FactID:    factID,
		SourceID:  cand.Evidence.SourceID,
		SourceURL: cand.Evidence.SourceURL,
		Quote:     cand.Evidence.Quote,
		Status:    evidence.VerifyQuote(cand.Evidence.Quote, cand.Evidence.SourceText),
		CreatedAt: e.clock().UTC(),
	}
	if err := e.registry.Attach(ctx, rec); err != nil {
		return fmt.Errorf("attach evidence for fact %s: %w", factID, err)
	}
	return nil
}

func (e *Engine) auditCommit(entryType audit.EntryType, factID string, cand *CandidateFact, predecessor *temporal.Fact) error {
	payload := map[string]any{
		"fact_id":         factID,
		"role":            string(cand.Role),
		"rate_bp":         cand.RateBP,
		"formula":         cand.Formula,
		"effective_start": cand.EffectiveStart.UTC().Format(time.RFC3339),
		"predecessor":     factIDOrEmpty(predecessor),
	}
	if predecessor != nil {
		payload["predecessor_closed_at"] = cand.EffectiveStart.UTC().Format(time.RFC3339)
	}
	if _, err := e.log.Append(entryType, cand.Key.String(), "commit", payload); err != nil {
		return fmt.Errorf("audit append for fact %s: %w", factID, err)
	}
	return nil
}

func (e *Engine) reject(ctx context.Context, cand CandidateFact, reason RejectReason, detail string) error {
	reviewID := e.review.Add(cand, reason, detail, e.clock().UTC())
	if _, err := e.log.Append(audit.EntryCommitRejected, cand.Key.String(), string(reason), map[string]any{
		"review_id": reviewID,
		"detail":    detail,
	}); err != nil {
		e.logger.Error("audit append failed for rejection", "key", cand.Key.String(), "review", reviewID, "error", err)
	}
	e.rejected.Add(ctx, 1)
	e.logger.Warn("commit rejected", "key", cand.Key.String(), "reason", string(reason), "review", reviewID)
	return &CommitError{Reason: reason, Detail: detail, ReviewID: reviewID}
}

func (e *Engine) rejectSchedule(ctx context.Context, cands []CandidateFact, reason RejectReason, detail string) error {
	// Queue the first segment as the representative; the whole schedule
	// is preserved through it for correction.
	return e.reject(ctx, cands[0], reason, detail)
}

func factIDOrEmpty(f *temporal.Fact) string {
	if f == nil {
		return ""
	}
	return f.ID
}
