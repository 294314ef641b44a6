package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"

	"github.com/clearlane/tariffcore/pkg/commit"
	"github.com/clearlane/tariffcore/pkg/config"
)

func runCommitCmd(args []string, stdout, stderr io.Writer) int {
	cmd := flag.NewFlagSet("commit", flag.ContinueOnError)
	cmd.SetOutput(stderr)

	var file string
	cmd.StringVar(&file, "file", "", "Path to candidate fact JSON (REQUIRED)")

	if err := cmd.Parse(args); err != nil {
		return 2
	}
	if file == "" {
		fmt.Fprintln(stderr, "Error: --file is required")
		cmd.Usage()
		return 2
	}

	raw, err := os.ReadFile(file)
	if err != nil {
		fmt.Fprintf(stderr, "Error reading %s: %v\n", file, err)
		return 2
	}

	ctx := context.Background()
	svc, err := newServices(ctx, config.Load(), slog.Default())
	if err != nil {
		fmt.Fprintf(stderr, "Error: %v\n", err)
		return 1
	}
	defer svc.close()

	factID, err := svc.pipeline.HandleMessage(ctx, raw)
	if err != nil {
		var commitErr *commit.CommitError
		if errors.As(err, &commitErr) {
			fmt.Fprintf(stderr, "Rejected (%s): %s\n", commitErr.Reason, commitErr.Detail)
			fmt.Fprintf(stderr, "Queued for review: %s\n", commitErr.ReviewID)
			return 1
		}
		fmt.Fprintf(stderr, "Error: %v\n", err)
		return 1
	}

	fmt.Fprintf(stdout, "Committed fact %s\n", factID)
	return 0
}

func runScheduleCmd(args []string, stdout, stderr io.Writer) int {
	cmd := flag.NewFlagSet("commit-schedule", flag.ContinueOnError)
	cmd.SetOutput(stderr)

	var file string
	cmd.StringVar(&file, "file", "", "Path to JSON array of schedule segments (REQUIRED)")

	if err := cmd.Parse(args); err != nil {
		return 2
	}
	if file == "" {
		fmt.Fprintln(stderr, "Error: --file is required")
		cmd.Usage()
		return 2
	}

	raw, err := os.ReadFile(file)
	if err != nil {
		fmt.Fprintf(stderr, "Error reading %s: %v\n", file, err)
		return 2
	}

	ctx := context.Background()
	svc, err := newServices(ctx, config.Load(), slog.Default())
	if err != nil {
		fmt.Fprintf(stderr, "Error: %v\n", err)
		return 1
	}
	defer svc.close()

	ids, err := svc.pipeline.HandleSchedule(ctx, raw)
	if err != nil {
		var commitErr *commit.CommitError
		if errors.As(err, &commitErr) {
			fmt.Fprintf(stderr, "Rejected (%s): %s\n", commitErr.Reason, commitErr.Detail)
			return 1
		}
		fmt.Fprintf(stderr, "Error: %v\n", err)
		return 1
	}

	fmt.Fprintf(stdout, "Committed %d schedule segments\n", len(ids))
	for _, id := range ids {
		fmt.Fprintf(stdout, "  %s\n", id)
	}
	return 0
}

func indentJSON(raw []byte) []byte {
	var buf json.RawMessage = raw
	out, err := json.MarshalIndent(buf, "", "  ")
	if err != nil {
		return raw
	}
	return out
}
