package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"

	"github.com/elspeth-run/elspeth/config"
	"github.com/elspeth-run/elspeth/landscape"
	"github.com/elspeth-run/elspeth/mcp"
)

func cmdLandscape(args []string) {
	if len(args) < 1 {
		usage()
		os.Exit(exitConfig)
	}
	switch args[0] {
	case "migrate":
		cmdLandscapeMigrate(args[1:])
	case "export":
		cmdLandscapeExport(args[1:])
	case "query":
		cmdLandscapeQuery(args[1:])
	case "summary":
		cmdLandscapeSummary(args[1:])
	case "failures":
		cmdLandscapeFailures(args[1:])
	case "lineage":
		cmdLandscapeLineage(args[1:])
	default:
		usage()
		os.Exit(exitConfig)
	}
}

// openForAudit loads settings and opens the audit database without
// touching the schema. Read commands must not create tables as a side
// effect of a typo in the database path.
func openForAudit(ctx context.Context, settingsPath string) (*config.Settings, *landscape.DB) {
	s, err := config.Load(settingsPath)
	if err != nil {
		fail(exitConfig, err)
	}
	db, err := openLandscape(ctx, s)
	if err != nil {
		fail(exitRuntime, err)
	}
	if err := db.ValidateSchema(ctx); err != nil {
		_ = db.Close()
		fail(exitRuntime, err)
	}
	return s, db
}

func cmdLandscapeMigrate(args []string) {
	settingsPath := settingsOnly(args)
	ctx := context.Background()

	s, err := config.Load(settingsPath)
	if err != nil {
		fail(exitConfig, err)
	}
	db, err := openLandscape(ctx, s)
	if err != nil {
		fail(exitRuntime, err)
	}
	defer db.Close()
	if err := db.EnsureSchema(ctx); err != nil {
		fail(exitRuntime, err)
	}
	fmt.Printf("schema ready\nurl=%s\n", s.Landscape.URL)
	os.Exit(exitOK)
}

func cmdLandscapeExport(args []string) {
	var settingsPath, runID, outputPath string
	var sign bool
	for i := 0; i < len(args); i++ {
		switch args[i] {
		case "--settings":
			settingsPath = flagValue(args, &i, "--settings")
		case "--run-id":
			runID = flagValue(args, &i, "--run-id")
		case "--output":
			outputPath = flagValue(args, &i, "--output")
		case "--sign":
			sign = true
		default:
			fmt.Fprintf(os.Stderr, "unknown arg: %s\n", args[i])
			os.Exit(exitConfig)
		}
	}
	if settingsPath == "" || runID == "" {
		usage()
		os.Exit(exitConfig)
	}

	ctx := context.Background()
	s, db := openForAudit(ctx, settingsPath)
	defer db.Close()

	var key []byte
	if sign {
		value := os.Getenv(s.SigningKeyEnv)
		if value == "" {
			fail(exitConfig, fmt.Errorf("--sign requires the environment variable %s", s.SigningKeyEnv))
		}
		key = []byte(value)
	}

	out := os.Stdout
	if outputPath != "" {
		f, err := os.Create(outputPath)
		if err != nil {
			fail(exitRuntime, err)
		}
		defer f.Close()
		out = f
	}

	manifest, err := landscape.NewExporter(db, key).ExportRun(ctx, runID, out)
	if err != nil {
		fail(exitRuntime, err)
	}
	if err := landscape.NewRecorder(db).MarkExported(ctx, runID, manifest.ChainHash); err != nil {
		fail(exitRuntime, err)
	}

	fmt.Fprintf(os.Stderr, "records=%d\n", manifest.RecordCount)
	fmt.Fprintf(os.Stderr, "chain_hash=%s\n", manifest.ChainHash)
	if manifest.Signature != "" {
		fmt.Fprintf(os.Stderr, "signature=%s\n", manifest.Signature)
	}
	os.Exit(exitOK)
}

func cmdLandscapeQuery(args []string) {
	var settingsPath, statement string
	for i := 0; i < len(args); i++ {
		switch args[i] {
		case "--settings":
			settingsPath = flagValue(args, &i, "--settings")
		case "--sql":
			statement = flagValue(args, &i, "--sql")
		default:
			fmt.Fprintf(os.Stderr, "unknown arg: %s\n", args[i])
			os.Exit(exitConfig)
		}
	}
	if settingsPath == "" || statement == "" {
		usage()
		os.Exit(exitConfig)
	}

	ctx := context.Background()
	_, db := openForAudit(ctx, settingsPath)
	defer db.Close()

	rows, err := mcp.Query(ctx, db, statement)
	if err != nil {
		fail(exitConfig, err)
	}
	enc := json.NewEncoder(os.Stdout)
	for _, row := range rows {
		if err := enc.Encode(row); err != nil {
			fail(exitRuntime, err)
		}
	}
	os.Exit(exitOK)
}

func cmdLandscapeSummary(args []string) {
	settingsPath, runID := settingsAndRunID(args)
	ctx := context.Background()
	_, db := openForAudit(ctx, settingsPath)
	defer db.Close()

	s, err := mcp.SummarizeRun(ctx, db, runID)
	if err != nil {
		fail(exitRuntime, err)
	}
	fmt.Printf("run_id=%s\n", s.RunID)
	fmt.Printf("status=%s\n", s.Status)
	fmt.Printf("mode=%s\n", s.Mode)
	fmt.Printf("started_at=%s\n", s.StartedAt)
	if s.CompletedAt != "" {
		fmt.Printf("completed_at=%s\n", s.CompletedAt)
	}
	fmt.Printf("rows=%d\n", s.Rows)
	fmt.Printf("tokens=%d\n", s.Tokens)
	for _, outcome := range sortedStringKeys(s.Outcomes) {
		fmt.Printf("tokens_%s=%d\n", outcome, s.Outcomes[outcome])
	}
	fmt.Printf("states_open=%d\n", s.StatesOpen)
	fmt.Printf("states_completed=%d\n", s.StatesCompleted)
	fmt.Printf("states_failed=%d\n", s.StatesFailed)
	fmt.Printf("artifacts=%d\n", s.Artifacts)
	os.Exit(exitOK)
}

func cmdLandscapeFailures(args []string) {
	settingsPath, runID := settingsAndRunID(args)
	ctx := context.Background()
	_, db := openForAudit(ctx, settingsPath)
	defer db.Close()

	failed, err := mcp.ListFailedStates(ctx, db, runID)
	if err != nil {
		fail(exitRuntime, err)
	}
	for _, f := range failed {
		fmt.Printf("state=%s token=%s node=%s plugin=%s attempt=%d error=%s\n",
			f.StateID, f.TokenID, f.NodeName, f.PluginName, f.Attempt, f.ErrorJSON)
	}
	fmt.Fprintf(os.Stderr, "failed_states=%d\n", len(failed))
	os.Exit(exitOK)
}

func cmdLandscapeLineage(args []string) {
	var settingsPath, tokenID string
	for i := 0; i < len(args); i++ {
		switch args[i] {
		case "--settings":
			settingsPath = flagValue(args, &i, "--settings")
		case "--token-id":
			tokenID = flagValue(args, &i, "--token-id")
		default:
			fmt.Fprintf(os.Stderr, "unknown arg: %s\n", args[i])
			os.Exit(exitConfig)
		}
	}
	if settingsPath == "" || tokenID == "" {
		usage()
		os.Exit(exitConfig)
	}

	ctx := context.Background()
	_, db := openForAudit(ctx, settingsPath)
	defer db.Close()

	entries, err := mcp.TraceLineage(ctx, db, tokenID)
	if err != nil {
		fail(exitRuntime, err)
	}
	for _, e := range entries {
		branch := e.Branch
		if branch == "" {
			branch = "-"
		}
		fmt.Printf("depth=%d token=%s row=%s branch=%s ordinal=%d\n",
			e.Depth, e.TokenID, e.RowID, branch, e.Ordinal)
	}
	os.Exit(exitOK)
}

func settingsAndRunID(args []string) (string, string) {
	var settingsPath, runID string
	for i := 0; i < len(args); i++ {
		switch args[i] {
		case "--settings":
			settingsPath = flagValue(args, &i, "--settings")
		case "--run-id":
			runID = flagValue(args, &i, "--run-id")
		default:
			fmt.Fprintf(os.Stderr, "unknown arg: %s\n", args[i])
			os.Exit(exitConfig)
		}
	}
	if settingsPath == "" || runID == "" {
		usage()
		os.Exit(exitConfig)
	}
	return settingsPath, runID
}
