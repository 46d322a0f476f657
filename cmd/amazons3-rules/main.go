// Package main is the entry point for amazons3-rules, the delivery rule
// tool: validate rules, preview URL resolution, convert between the YAML and
// legacy text forms, and purge the SQLite metadata cache.
package main

import (
	"fmt"
	"io"
	"os"
)

const usage = "Usage: amazons3-rules <check|resolve|export|import|purge-cache> [flags]"

func main() {
	if len(os.Args) < 2 {
		fmt.Fprintln(os.Stderr, usage)
		os.Exit(1)
	}
	os.Exit(run(os.Args[1], os.Args[2:], os.Stdin, os.Stdout, os.Stderr))
}

// run dispatches a subcommand and returns the process exit code.
func run(command string, args []string, stdin io.Reader, stdout, stderr io.Writer) int {
	switch command {
	case "check":
		return runCheck(args, stdout, stderr)
	case "resolve":
		return runResolve(args, stdout, stderr)
	case "export":
		return runExport(args, stdout, stderr)
	case "import":
		return runImport(args, stdin, stdout, stderr)
	case "purge-cache":
		return runPurgeCache(args, stdout, stderr)
	default:
		fmt.Fprintf(stderr, "Unknown command: %s\n%s\n", command, usage)
		return 1
	}
}
