package main

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"strings"

	"github.com/clearlane/tariffcore/pkg/audit"
	"github.com/clearlane/tariffcore/pkg/calc"
	"github.com/clearlane/tariffcore/pkg/commit"
	"github.com/clearlane/tariffcore/pkg/config"
	"github.com/clearlane/tariffcore/pkg/country"
	"github.com/clearlane/tariffcore/pkg/evidence"
	"github.com/clearlane/tariffcore/pkg/ingest"
	"github.com/clearlane/tariffcore/pkg/observability"
	"github.com/clearlane/tariffcore/pkg/program"
	"github.com/clearlane/tariffcore/pkg/rates"
	"github.com/clearlane/tariffcore/pkg/temporal"
)

// services bundles the wired subsystems a command needs.
type services struct {
	store      temporal.Store
	calculator *calc.Calculator
	engine     *commit.Engine
	pipeline   *ingest.Pipeline
	auditLog   *audit.SQLiteLog
	telemetry  *observability.Provider

	factDB  *sql.DB
	auditDB *sql.DB
}

func (s *services) close() {
	if s.telemetry != nil {
		_ = s.telemetry.Shutdown(context.Background())
	}
	if s.factDB != nil {
		_ = s.factDB.Close()
	}
	if s.auditDB != nil && s.auditDB != s.factDB {
		_ = s.auditDB.Close()
	}
}

// newServices wires the store, resolvers, calculator, and commit engine
// from environment configuration and loaded bundles.
func newServices(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*services, error) {
	s := &services{}

	if cfg.OTLPTarget != "" {
		otelCfg := observability.DefaultConfig()
		otelCfg.OTLPEndpoint = cfg.OTLPTarget
		provider, err := observability.New(ctx, otelCfg)
		if err != nil {
			return nil, err
		}
		s.telemetry = provider
	}

	factDB, store, err := openStore(cfg.DatabaseURL)
	if err != nil {
		return nil, err
	}
	s.factDB = factDB
	s.store = store

	loader := config.NewBundleLoader(cfg.BundleDir)
	if err := loader.LoadAll(); err != nil {
		s.close()
		return nil, err
	}

	programs, err := loader.Programs()
	if err != nil {
		s.close()
		return nil, err
	}
	countries := country.NewResolver()
	loader.ApplyCountries(countries)
	table, err := loader.ClassificationTable()
	if err != nil {
		s.close()
		return nil, err
	}
	baseline, err := loader.BaselineFacts()
	if err != nil {
		s.close()
		return nil, err
	}
	if err := seedBaseline(ctx, store, baseline); err != nil {
		s.close()
		return nil, err
	}

	rateResolver, err := rates.NewResolver()
	if err != nil {
		s.close()
		return nil, err
	}
	programResolver := program.NewResolver(programs, store, countries, logger)
	s.calculator = calc.New(programResolver, rateResolver, table, store, logger)

	auditDB, err := sql.Open("sqlite", cfg.AuditDBPath)
	if err != nil {
		s.close()
		return nil, fmt.Errorf("open audit db: %w", err)
	}
	s.auditDB = auditDB
	s.auditLog, err = audit.NewSQLiteLog(auditDB)
	if err != nil {
		s.close()
		return nil, err
	}

	var registry evidence.Registry
	if sqliteURL(cfg.DatabaseURL) {
		registry, err = evidence.NewSQLiteRegistry(factDB)
		if err != nil {
			s.close()
			return nil, err
		}
	} else {
		registry = evidence.NewMemRegistry()
	}

	s.engine = commit.NewEngine(store, registry, s.auditLog, commit.NewReviewQueue(), rateResolver, logger)
	s.pipeline, err = ingest.NewPipeline(s.engine, logger)
	if err != nil {
		s.close()
		return nil, err
	}
	return s, nil
}

func sqliteURL(dbURL string) bool {
	return !strings.HasPrefix(dbURL, "postgres://") && !strings.HasPrefix(dbURL, "postgresql://")
}

// openStore opens the fact store. A postgres:// URL selects the
// Postgres-backed store; anything else is treated as a SQLite file path.
func openStore(dbURL string) (*sql.DB, temporal.Store, error) {
	if sqliteURL(dbURL) {
		db, err := sql.Open("sqlite", dbURL)
		if err != nil {
			return nil, nil, fmt.Errorf("open sqlite %s: %w", dbURL, err)
		}
		store, err := temporal.NewSQLiteStore(db)
		if err != nil {
			_ = db.Close()
			return nil, nil, err
		}
		return db, store, nil
	}

	db, err := sql.Open("postgres", dbURL)
	if err != nil {
		return nil, nil, fmt.Errorf("open postgres: %w", err)
	}
	store, err := temporal.NewPostgresStore(db)
	if err != nil {
		_ = db.Close()
		return nil, nil, err
	}
	return db, store, nil
}

// seedBaseline inserts baseline facts for keys the store has never seen.
// Re-running against a seeded store is a no-op.
func seedBaseline(ctx context.Context, store temporal.Store, facts []*temporal.Fact) error {
	byKey := make(map[string][]*temporal.Fact)
	var order []string
	for _, f := range facts {
		k := f.Key.String()
		if _, seen := byKey[k]; !seen {
			order = append(order, k)
		}
		byKey[k] = append(byKey[k], f)
	}

	for _, k := range order {
		group := byKey[k]
		existing, err := store.FactsForKey(ctx, group[0].Key)
		if err != nil {
			return err
		}
		if len(existing) > 0 {
			continue
		}
		if err := store.UpdateKey(ctx, group[0].Key, func(tx temporal.KeyTx) error {
			for _, f := range group {
				if err := tx.Insert(f); err != nil {
					return err
				}
			}
			return nil
		}); err != nil {
			return fmt.Errorf("seed baseline facts for %s: %w", k, err)
		}
	}
	return nil
}
