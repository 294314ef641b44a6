package main

import (
	"fmt"
	"io"
	"os"

	_ "github.com/lib/pq"     // Postgres driver
	_ "modernc.org/sqlite"    // SQLite driver
)

const version = "1.0.0"

func main() {
	os.Exit(Run(os.Args, os.Stdout, os.Stderr))
}

// Run is the entrypoint for testing.
func Run(args []string, stdout, stderr io.Writer) int {
	if len(args) < 2 {
		printUsage(stdout)
		return 2
	}

	switch args[1] {
	case "calculate":
		return runCalculateCmd(args[2:], stdout, stderr)
	case "commit":
		return runCommitCmd(args[2:], stdout, stderr)
	case "commit-schedule":
		return runScheduleCmd(args[2:], stdout, stderr)
	case "facts":
		return runFactsCmd(args[2:], stdout, stderr)
	case "verify-audit":
		return runVerifyAuditCmd(args[2:], stdout, stderr)
	case "export-audit":
		return runExportAuditCmd(args[2:], stdout, stderr)
	case "version":
		fmt.Fprintf(stdout, "tariffcore %s\n", version)
		return 0
	case "help", "--help", "-h":
		printUsage(stdout)
		return 0
	default:
		fmt.Fprintf(stderr, "Unknown command: %s\n", args[1])
		printUsage(stderr)
		return 2
	}
}

// ANSI colors
const (
	ColorReset = "\033[0m"
	ColorBold  = "\033[1m"
	ColorBlue  = "\033[34m"
	ColorCyan  = "\033[36m"
	ColorGreen = "\033[32m"
	ColorGray  = "\033[37m"
)

func printUsage(w io.Writer) {
	fmt.Fprintln(w, "")
	fmt.Fprintf(w, "%stariffcore %s%s\n", ColorBold+ColorBlue, "v"+version, ColorReset)
	fmt.Fprintf(w, "%sTemporal import-duty calculation core.%s\n", ColorGray, ColorReset)
	fmt.Fprintln(w, "")
	fmt.Fprintf(w, "%sUSAGE:%s\n", ColorBold, ColorReset)
	fmt.Fprintln(w, "  tariffcore <command> [flags]")
	fmt.Fprintln(w, "")

	printSection(w, "CALCULATION")
	printCommand(w, "calculate", "Calculate duties for one entry (--hts, --country, --as-of, --value)")
	printCommand(w, "facts", "Show the fact history for a subject key (--key)")

	printSection(w, "COMMITS")
	printCommand(w, "commit", "Commit a candidate fact from a JSON file (--file)")
	printCommand(w, "commit-schedule", "Commit a staged schedule from a JSON array (--file)")

	printSection(w, "AUDIT")
	printCommand(w, "verify-audit", "Verify the audit log hash chain")
	printCommand(w, "export-audit", "Export audit entries as a verifiable bundle (--out)")

	printSection(w, "UTILITIES")
	printCommand(w, "version", "Show version information")
	printCommand(w, "help", "Show this help")
	fmt.Fprintln(w, "")
}

func printSection(w io.Writer, title string) {
	fmt.Fprintf(w, "%s%s:%s\n", ColorBold+ColorCyan, title, ColorReset)
}

func printCommand(w io.Writer, name, desc string) {
	fmt.Fprintf(w, "  %s%-16s%s %s\n", ColorGreen, name, ColorReset, desc)
}
