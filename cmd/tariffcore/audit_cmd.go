package main

import (
	"database/sql"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"os"

	"github.com/clearlane/tariffcore/pkg/audit"
	"github.com/clearlane/tariffcore/pkg/config"
)

func runVerifyAuditCmd(args []string, stdout, stderr io.Writer) int {
	cmd := flag.NewFlagSet("verify-audit", flag.ContinueOnError)
	cmd.SetOutput(stderr)

	var dbPath string
	cmd.StringVar(&dbPath, "db", "", "Audit database path (default: AUDIT_DB_PATH)")

	if err := cmd.Parse(args); err != nil {
		return 2
	}
	if dbPath == "" {
		dbPath = config.Load().AuditDBPath
	}

	log, db, code := openAuditLog(dbPath, stderr)
	if log == nil {
		return code
	}
	defer db.Close()

	// NewSQLiteLog verifies on open; re-verify explicitly so the command
	// reports on exactly what it loaded.
	if err := log.VerifyChain(); err != nil {
		fmt.Fprintf(stderr, "Chain verification failed: %v\n", err)
		return 1
	}

	fmt.Fprintf(stdout, "Chain verified: %d entries\n", log.Size())
	fmt.Fprintf(stdout, "Chain head: %s\n", log.ChainHead())
	return 0
}

func runExportAuditCmd(args []string, stdout, stderr io.Writer) int {
	cmd := flag.NewFlagSet("export-audit", flag.ContinueOnError)
	cmd.SetOutput(stderr)

	var (
		dbPath  string
		outPath string
		subject string
	)
	cmd.StringVar(&dbPath, "db", "", "Audit database path (default: AUDIT_DB_PATH)")
	cmd.StringVar(&outPath, "out", "", "Output path for the bundle JSON (REQUIRED)")
	cmd.StringVar(&subject, "subject", "", "Restrict to one subject key")

	if err := cmd.Parse(args); err != nil {
		return 2
	}
	if outPath == "" {
		fmt.Fprintln(stderr, "Error: --out is required")
		cmd.Usage()
		return 2
	}
	if dbPath == "" {
		dbPath = config.Load().AuditDBPath
	}

	log, db, code := openAuditLog(dbPath, stderr)
	if log == nil {
		return code
	}
	defer db.Close()

	bundle, err := log.ExportBundle(audit.Filter{Subject: subject})
	if err != nil {
		fmt.Fprintf(stderr, "Error: %v\n", err)
		return 1
	}

	data, err := json.MarshalIndent(bundle, "", "  ")
	if err != nil {
		fmt.Fprintf(stderr, "Error: %v\n", err)
		return 1
	}
	if err := os.WriteFile(outPath, data, 0o600); err != nil {
		fmt.Fprintf(stderr, "Error writing %s: %v\n", outPath, err)
		return 1
	}

	fmt.Fprintf(stdout, "Exported %d entries to %s\n", bundle.EntryCount, outPath)
	return 0
}

func openAuditLog(dbPath string, stderr io.Writer) (*audit.SQLiteLog, *sql.DB, int) {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		fmt.Fprintf(stderr, "Error opening %s: %v\n", dbPath, err)
		return nil, nil, 1
	}
	log, err := audit.NewSQLiteLog(db)
	if err != nil {
		_ = db.Close()
		fmt.Fprintf(stderr, "Error: %v\n", err)
		return nil, nil, 1
	}
	return log, db, 0
}
