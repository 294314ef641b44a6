package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"github.com/clearlane/tariffcore/pkg/config"
	"github.com/clearlane/tariffcore/pkg/money"
	"github.com/clearlane/tariffcore/pkg/tariff"
)

// materialValues parses repeated --material steel=300000 flags.
type materialValues map[tariff.Material]int64

func (m materialValues) String() string {
	var parts []string
	for k, v := range m {
		parts = append(parts, fmt.Sprintf("%s=%d", k, v))
	}
	return strings.Join(parts, ",")
}

func (m materialValues) Set(s string) error {
	name, value, ok := strings.Cut(s, "=")
	if !ok {
		return fmt.Errorf("want material=minor-units, got %q", s)
	}
	n, err := strconv.ParseInt(value, 10, 64)
	if err != nil {
		return fmt.Errorf("material value %q: %w", value, err)
	}
	m[tariff.Material(name)] = n
	return nil
}

func runCalculateCmd(args []string, stdout, stderr io.Writer) int {
	cmd := flag.NewFlagSet("calculate", flag.ContinueOnError)
	cmd.SetOutput(stderr)

	var (
		hts      string
		ctry     string
		asOfStr  string
		value    int64
		currency string
		originBP int64
		pretty   bool
	)
	materials := materialValues{}

	cmd.StringVar(&hts, "hts", "", "HTS code (REQUIRED)")
	cmd.StringVar(&ctry, "country", "", "Country of origin (REQUIRED)")
	cmd.StringVar(&asOfStr, "as-of", "", "Entry date, RFC 3339 or YYYY-MM-DD (default: now)")
	cmd.Int64Var(&value, "value", 0, "Declared value in minor units (REQUIRED)")
	cmd.StringVar(&currency, "currency", "USD", "Currency code")
	cmd.Int64Var(&originBP, "origin-share-bp", 0, "Qualifying-origin content share in basis points")
	cmd.Var(materials, "material", "Material content value, e.g. steel=300000 (repeatable)")
	cmd.BoolVar(&pretty, "pretty", false, "Indent the JSON output")

	if err := cmd.Parse(args); err != nil {
		return 2
	}
	if hts == "" || ctry == "" || value == 0 {
		fmt.Fprintln(stderr, "Error: --hts, --country, and --value are required")
		cmd.Usage()
		return 2
	}

	asOf := time.Now().UTC()
	if asOfStr != "" {
		parsed, err := parseDate(asOfStr)
		if err != nil {
			fmt.Fprintf(stderr, "Error: %v\n", err)
			return 2
		}
		asOf = parsed
	}

	req := tariff.CalculationRequest{
		HTSCode:       hts,
		Country:       ctry,
		AsOf:          asOf,
		DeclaredValue: money.New(value, currency),
		OriginShareBP: originBP,
	}
	if len(materials) > 0 {
		req.MaterialValues = make(map[tariff.Material]money.Money, len(materials))
		for m, v := range materials {
			req.MaterialValues[m] = money.New(v, currency)
		}
	}

	ctx := context.Background()
	svc, err := newServices(ctx, config.Load(), slog.Default())
	if err != nil {
		fmt.Fprintf(stderr, "Error: %v\n", err)
		return 1
	}
	defer svc.close()

	result, err := svc.calculator.Calculate(ctx, req)
	if err != nil {
		fmt.Fprintf(stderr, "Error: %v\n", err)
		return 1
	}

	out, err := result.CanonicalJSON()
	if err != nil {
		fmt.Fprintf(stderr, "Error: %v\n", err)
		return 1
	}
	if pretty {
		out = indentJSON(out)
	}
	fmt.Fprintln(stdout, string(out))
	return 0
}

func runFactsCmd(args []string, stdout, stderr io.Writer) int {
	cmd := flag.NewFlagSet("facts", flag.ContinueOnError)
	cmd.SetOutput(stderr)

	var key string
	cmd.StringVar(&key, "key", "", "Subject key as code|material|country (REQUIRED)")

	if err := cmd.Parse(args); err != nil {
		return 2
	}
	if key == "" {
		fmt.Fprintln(stderr, "Error: --key is required")
		cmd.Usage()
		return 2
	}

	parts := strings.Split(key, "|")
	if len(parts) != 3 {
		fmt.Fprintln(stderr, "Error: --key must have the form code|material|country")
		return 2
	}
	subject := tariff.SubjectKey{
		Code:     parts[0],
		Material: tariff.Material(parts[1]),
		Country:  parts[2],
	}

	ctx := context.Background()
	svc, err := newServices(ctx, config.Load(), slog.Default())
	if err != nil {
		fmt.Fprintf(stderr, "Error: %v\n", err)
		return 1
	}
	defer svc.close()

	facts, err := svc.store.FactsForKey(ctx, subject)
	if err != nil {
		fmt.Fprintf(stderr, "Error: %v\n", err)
		return 1
	}
	if len(facts) == 0 {
		fmt.Fprintf(stdout, "No facts for %s\n", subject)
		return 0
	}

	for _, f := range facts {
		end := "open"
		if f.EffectiveEnd != nil {
			end = f.EffectiveEnd.Format("2006-01-02")
		}
		fmt.Fprintf(stdout, "%s  [%s, %s)  role=%s origin=%s rate=%dbp %s\n",
			f.ID, f.EffectiveStart.Format("2006-01-02"), end, f.Role, f.Origin, f.RateBP, f.OutputCode)
	}
	return 0
}

func parseDate(s string) (time.Time, error) {
	if t, err := time.Parse(time.RFC3339, s); err == nil {
		return t, nil
	}
	t, err := time.Parse("2006-01-02", s)
	if err != nil {
		return time.Time{}, fmt.Errorf("cannot parse date %q", s)
	}
	return t, nil
}
