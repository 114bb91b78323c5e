package main

import (
	"fmt"
	"os"
)

// Exit codes. Scripts branch on these, so they are part of the interface.
const (
	exitOK         = 0
	exitConfig     = 1
	exitRuntime    = 2
	exitCheckpoint = 3
)

func main() {
	if len(os.Args) < 2 {
		usage()
		os.Exit(exitConfig)
	}

	switch os.Args[1] {
	case "validate":
		cmdValidate(os.Args[2:])
	case "run":
		cmdRun(os.Args[2:])
	case "resume":
		cmdResume(os.Args[2:])
	case "replay":
		cmdReplay(os.Args[2:])
	case "verify":
		cmdVerify(os.Args[2:])
	case "landscape":
		cmdLandscape(os.Args[2:])
	case "landscape-migrate":
		// Alias kept in sync with the remediation hint the schema
		// validator prints.
		cmdLandscapeMigrate(os.Args[2:])
	case "worker":
		// Hidden: sandbox subprocess entry point. The pool launches the
		// current executable with this argument; it is not for operators.
		cmdWorker()
	default:
		usage()
		os.Exit(exitConfig)
	}
}

func usage() {
	fmt.Fprintln(os.Stderr, "usage:")
	fmt.Fprintln(os.Stderr, "  elspeth validate --settings <file.yaml>")
	fmt.Fprintln(os.Stderr, "  elspeth run --settings <file.yaml>")
	fmt.Fprintln(os.Stderr, "  elspeth resume --settings <file.yaml> --run-id <id>")
	fmt.Fprintln(os.Stderr, "  elspeth replay --settings <file.yaml> --source-run-id <id>")
	fmt.Fprintln(os.Stderr, "  elspeth verify --settings <file.yaml> --source-run-id <id>")
	fmt.Fprintln(os.Stderr, "  elspeth landscape migrate --settings <file.yaml>")
	fmt.Fprintln(os.Stderr, "  elspeth landscape export --settings <file.yaml> --run-id <id> [--sign] [--output <file>]")
	fmt.Fprintln(os.Stderr, "  elspeth landscape query --settings <file.yaml> --sql <statement>")
	fmt.Fprintln(os.Stderr, "  elspeth landscape summary --settings <file.yaml> --run-id <id>")
	fmt.Fprintln(os.Stderr, "  elspeth landscape failures --settings <file.yaml> --run-id <id>")
	fmt.Fprintln(os.Stderr, "  elspeth landscape lineage --settings <file.yaml> --token-id <id>")
}

// flagValue consumes the value of a flag at position i, advancing the
// index. Missing values are a usage error.
func flagValue(args []string, i *int, name string) string {
	*i++
	if *i >= len(args) {
		fmt.Fprintf(os.Stderr, "%s requires a value\n", name)
		os.Exit(exitConfig)
	}
	return args[*i]
}

func fail(code int, err error) {
	fmt.Fprintln(os.Stderr, err)
	os.Exit(code)
}
