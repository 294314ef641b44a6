// Package ingest turns raw pipeline messages into committed facts. Every
// message is validated against a JSON schema before it is allowed near the
// commit engine, so malformed payloads never reach the store.
package ingest

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/santhosh-tekuri/jsonschema/v5"

	"github.com/clearlane/tariffcore/pkg/commit"
	"github.com/clearlane/tariffcore/pkg/tariff"
	"github.com/clearlane/tariffcore/pkg/temporal"
)

const candidateSchema = `{
  "$schema": "https://json-schema.org/draft/2020-12/schema",
  "type": "object",
  "required": ["key", "output_code", "role", "effective_start", "evidence"],
  "properties": {
    "key": {
      "type": "object",
      "required": ["code"],
      "properties": {
        "code": {"type": "string", "minLength": 1},
        "material": {"type": "string"},
        "country": {"type": "string"}
      }
    },
    "output_code": {"type": "string", "minLength": 1},
    "rate_bp": {"type": "integer", "minimum": 0},
    "formula": {"type": "string"},
    "formula_params": {
      "type": "object",
      "additionalProperties": {"type": "integer"}
    },
    "role": {"enum": ["impose", "exclude"]},
    "effective_start": {"type": "string", "format": "date-time"},
    "effective_end": {"type": "string", "format": "date-time"},
    "trusted_source": {"type": "boolean"},
    "evidence": {
      "type": "object",
      "required": ["source_id", "quote"],
      "properties": {
        "source_id": {"type": "string", "minLength": 1},
        "source_url": {"type": "string"},
        "quote": {"type": "string", "minLength": 1},
        "source_text": {"type": "string"}
      }
    }
  }
}`

// message is the wire shape of a candidate. Dates travel as RFC 3339
// strings and are parsed after schema validation.
type message struct {
	Key struct {
		Code     string `json:"code"`
		Material string `json:"material"`
		Country  string `json:"country"`
	} `json:"key"`
	OutputCode     string               `json:"output_code"`
	RateBP         int64                `json:"rate_bp"`
	Formula        string               `json:"formula"`
	FormulaParams  map[string]int64     `json:"formula_params"`
	Role           string               `json:"role"`
	EffectiveStart string               `json:"effective_start"`
	EffectiveEnd   string               `json:"effective_end"`
	TrustedSource  bool                 `json:"trusted_source"`
	Evidence       commit.EvidenceInput `json:"evidence"`
}

// MessageError reports a payload that failed schema validation or date
// parsing. These never reach the commit engine or the review queue.
type MessageError struct {
	Detail string
}

func (e *MessageError) Error() string { return "invalid ingest message: " + e.Detail }

// Pipeline validates and commits incoming candidate facts.
type Pipeline struct {
	engine *commit.Engine
	schema *jsonschema.Schema
	logger *slog.Logger
}

// NewPipeline compiles the candidate schema and wires the commit engine.
func NewPipeline(engine *commit.Engine, logger *slog.Logger) (*Pipeline, error) {
	if logger == nil {
		logger = slog.Default()
	}
	schema, err := jsonschema.CompileString("candidate.json", candidateSchema)
	if err != nil {
		return nil, fmt.Errorf("compile candidate schema: %w", err)
	}
	return &Pipeline{engine: engine, schema: schema, logger: logger}, nil
}

// HandleMessage validates one raw payload and commits it. It returns the
// new fact ID on success.
func (p *Pipeline) HandleMessage(ctx context.Context, raw []byte) (string, error) {
	cand, err := p.decode(raw)
	if err != nil {
		p.logger.Warn("ingest message refused", "err", err)
		return "", err
	}
	return p.engine.Commit(ctx, *cand)
}

// HandleSchedule validates a JSON array of candidates sharing one subject
// key and commits them as a staged schedule.
func (p *Pipeline) HandleSchedule(ctx context.Context, raw []byte) ([]string, error) {
	var raws []json.RawMessage
	if err := json.Unmarshal(raw, &raws); err != nil {
		return nil, &MessageError{Detail: "schedule payload must be a JSON array: " + err.Error()}
	}
	cands := make([]commit.CandidateFact, 0, len(raws))
	for i, r := range raws {
		cand, err := p.decode(r)
		if err != nil {
			return nil, &MessageError{Detail: fmt.Sprintf("segment %d: %v", i, err)}
		}
		cands = append(cands, *cand)
	}
	return p.engine.CommitSchedule(ctx, cands)
}

// Consume drains messages from a channel until it closes or the context is
// cancelled. Commit rejections are logged and skipped; the candidate is
// already preserved in the review queue.
func (p *Pipeline) Consume(ctx context.Context, messages <-chan []byte) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case raw, ok := <-messages:
			if !ok {
				return nil
			}
			if _, err := p.HandleMessage(ctx, raw); err != nil {
				p.logger.Warn("ingest commit failed", "err", err)
			}
		}
	}
}

func (p *Pipeline) decode(raw []byte) (*commit.CandidateFact, error) {
	var doc any
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	if err := dec.Decode(&doc); err != nil {
		return nil, &MessageError{Detail: "malformed JSON: " + err.Error()}
	}
	if err := p.schema.Validate(doc); err != nil {
		return nil, &MessageError{Detail: err.Error()}
	}

	var msg message
	if err := json.Unmarshal(raw, &msg); err != nil {
		return nil, &MessageError{Detail: err.Error()}
	}
	start, err := time.Parse(time.RFC3339, msg.EffectiveStart)
	if err != nil {
		return nil, &MessageError{Detail: "effective_start: " + err.Error()}
	}
	cand := &commit.CandidateFact{
		Key: tariff.SubjectKey{
			Code:     msg.Key.Code,
			Material: tariff.Material(msg.Key.Material),
			Country:  msg.Key.Country,
		},
		OutputCode:     msg.OutputCode,
		RateBP:         msg.RateBP,
		Formula:        msg.Formula,
		FormulaParams:  msg.FormulaParams,
		Role:           temporal.Role(msg.Role),
		EffectiveStart: start,
		TrustedSource:  msg.TrustedSource,
		Evidence:       msg.Evidence,
	}
	if msg.EffectiveEnd != "" {
		end, err := time.Parse(time.RFC3339, msg.EffectiveEnd)
		if err != nil {
			return nil, &MessageError{Detail: "effective_end: " + err.Error()}
		}
		cand.EffectiveEnd = &end
	}
	return cand, nil
}
