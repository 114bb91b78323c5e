package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"sort"
	"syscall"
	"time"

	"github.com/elspeth-run/elspeth/config"
	"github.com/elspeth-run/elspeth/contract"
	"github.com/elspeth-run/elspeth/engine"
	"github.com/elspeth-run/elspeth/landscape"
	"github.com/elspeth-run/elspeth/plugin"
	"github.com/elspeth-run/elspeth/plugin/builtin"
	"github.com/elspeth-run/elspeth/telemetry"
)

func cmdValidate(args []string) {
	var settingsPath string
	for i := 0; i < len(args); i++ {
		switch args[i] {
		case "--settings":
			settingsPath = flagValue(args, &i, "--settings")
		default:
			fmt.Fprintf(os.Stderr, "unknown arg: %s\n", args[i])
			os.Exit(exitConfig)
		}
	}
	if settingsPath == "" {
		usage()
		os.Exit(exitConfig)
	}

	s, err := config.Load(settingsPath)
	if err != nil {
		fail(exitConfig, err)
	}
	reg := plugin.NewRegistry()
	if err := builtin.RegisterAll(reg); err != nil {
		fail(exitRuntime, err)
	}

	// Assembly must not depend on the run, so any throwaway id proves the
	// configuration; the real run mints its own.
	p, err := config.BuildPipeline(contract.NewID(contract.PrefixRun), s, reg)
	if err != nil {
		fmt.Fprintln(os.Stderr, "configuration is invalid:")
		fmt.Fprintln(os.Stderr, err)
		os.Exit(exitConfig)
	}

	fmt.Printf("valid\n")
	fmt.Printf("nodes=%d\n", len(p.Graph.Nodes()))
	fmt.Printf("edges=%d\n", len(p.Graph.Edges()))
	fmt.Printf("config_hash=%s\n", p.ConfigHash)
	os.Exit(exitOK)
}

func cmdRun(args []string) {
	settingsPath := settingsOnly(args)
	executeRun(settingsPath, contract.ModeLive, "", "")
}

func cmdResume(args []string) {
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
	executeRun(settingsPath, contract.ModeLive, "", runID)
}

func cmdReplay(args []string) {
	settingsPath, sourceRunID := settingsAndSourceRun(args)
	executeRun(settingsPath, contract.ModeReplay, sourceRunID, "")
}

func cmdVerify(args []string) {
	settingsPath, sourceRunID := settingsAndSourceRun(args)
	executeRun(settingsPath, contract.ModeVerify, sourceRunID, "")
}

func settingsOnly(args []string) string {
	var settingsPath string
	for i := 0; i < len(args); i++ {
		switch args[i] {
		case "--settings":
			settingsPath = flagValue(args, &i, "--settings")
		default:
			fmt.Fprintf(os.Stderr, "unknown arg: %s\n", args[i])
			os.Exit(exitConfig)
		}
	}
	if settingsPath == "" {
		usage()
		os.Exit(exitConfig)
	}
	return settingsPath
}

func settingsAndSourceRun(args []string) (string, string) {
	var settingsPath, sourceRunID string
	for i := 0; i < len(args); i++ {
		switch args[i] {
		case "--settings":
			settingsPath = flagValue(args, &i, "--settings")
		case "--source-run-id":
			sourceRunID = flagValue(args, &i, "--source-run-id")
		default:
			fmt.Fprintf(os.Stderr, "unknown arg: %s\n", args[i])
			os.Exit(exitConfig)
		}
	}
	if settingsPath == "" || sourceRunID == "" {
		usage()
		os.Exit(exitConfig)
	}
	return settingsPath, sourceRunID
}

// executeRun is the shared body of run, resume, replay, and verify. An
// empty resumeRunID starts a fresh run; otherwise the pipeline is rebuilt
// under the stored run id and resumed. The body runs in a helper so its
// deferred cleanup (worker pool shutdown, telemetry flush) happens before
// the process exits.
func executeRun(settingsPath string, mode contract.RunMode, sourceRunID, resumeRunID string) {
	os.Exit(runPipeline(settingsPath, mode, sourceRunID, resumeRunID))
}

func runPipeline(settingsPath string, mode contract.RunMode, sourceRunID, resumeRunID string) int {
	log := slog.New(slog.NewTextHandler(os.Stderr, nil))

	s, err := config.Load(settingsPath)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return exitConfig
	}
	reg := plugin.NewRegistry()
	if err := builtin.RegisterAll(reg); err != nil {
		fmt.Fprintln(os.Stderr, err)
		return exitRuntime
	}

	runID := resumeRunID
	if runID == "" {
		runID = contract.NewID(contract.PrefixRun)
	}
	p, err := config.BuildPipeline(runID, s, reg)
	if err != nil {
		fmt.Fprintln(os.Stderr, "configuration is invalid:")
		fmt.Fprintln(os.Stderr, err)
		return exitConfig
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	db, err := openLandscape(ctx, s)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return exitRuntime
	}
	defer db.Close()
	if err := db.EnsureSchema(ctx); err != nil {
		fmt.Fprintln(os.Stderr, err)
		return exitRuntime
	}
	payloads, err := landscape.NewPayloadStore(payloadRoot(s))
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return exitRuntime
	}

	rec := landscape.NewRecorder(db)
	reader := landscape.NewReader(db)

	tel, err := buildTelemetry(s, log)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return exitConfig
	}
	defer tel.Close()

	secrets := &config.EnvSecrets{
		Record: func(ctx context.Context, name, fingerprint string) {
			if err := rec.RecordSecretResolution(ctx, runID, "", name, "env", fingerprint); err != nil {
				log.Warn("failed to record secret resolution", "secret", name, "error", err)
			}
		},
	}

	if s.Sandbox.Enabled {
		pool, err := startSandbox(s, p)
		if err != nil {
			fmt.Fprintln(os.Stderr, err)
			return exitRuntime
		}
		defer pool.Close()
	}

	o, err := engine.NewOrchestrator(engine.OrchestratorConfig{
		Graph:           p.Graph,
		Recorder:        rec,
		Reader:          reader,
		Payloads:        payloads,
		Bindings:        p.Bindings,
		Settings:        s,
		ConfigHash:      p.ConfigHash,
		Mode:            mode,
		SourceRunID:     sourceRunID,
		Secrets:         secrets,
		Retry:           retryFromSettings(s),
		Telemetry:       tel,
		Log:             log,
		MaxWorkers:      s.Concurrency.MaxWorkers,
		CallTimeout:     s.Concurrency.CallTimeout(),
		CheckpointEvery: s.Checkpoint.Every,
	})
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return exitConfig
	}

	var res *engine.RunResult
	if resumeRunID == "" {
		res, err = o.Run(ctx)
	} else {
		res, err = o.Resume(ctx)
	}
	if err != nil {
		var incompatible *engine.IncompatibleCheckpointError
		if errors.As(err, &incompatible) {
			fmt.Fprintln(os.Stderr, err)
			return exitCheckpoint
		}
		if res != nil {
			printResult(res)
		}
		fmt.Fprintln(os.Stderr, err)
		return exitRuntime
	}

	printResult(res)
	if res.Status != contract.RunCompleted {
		return exitRuntime
	}
	return exitOK
}

func printResult(res *engine.RunResult) {
	fmt.Printf("run_id=%s\n", res.RunID)
	fmt.Printf("status=%s\n", res.Status)
	fmt.Printf("mode=%s\n", res.Mode)
	fmt.Printf("rows=%d\n", res.RowsProcessed)
	fmt.Printf("duration=%s\n", res.Duration.Round(time.Millisecond))
	fmt.Printf("reproducibility=%s\n", res.Reproducibility)
	for _, outcome := range sortedKeys(res.TokenOutcomes) {
		fmt.Printf("tokens_%s=%d\n", outcome, res.TokenOutcomes[contract.TokenOutcome(outcome)])
	}
	for _, sink := range sortedStringKeys(res.Destinations) {
		fmt.Printf("sink_%s=%d\n", sink, res.Destinations[sink])
	}
	if res.Mode == contract.ModeVerify {
		fmt.Printf("divergences=%d\n", res.Divergences)
	}
	if res.StaleResults > 0 {
		fmt.Printf("stale_results=%d\n", res.StaleResults)
	}
}

func sortedKeys(m map[contract.TokenOutcome]int) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, string(k))
	}
	sort.Strings(keys)
	return keys
}

func sortedStringKeys(m map[string]int) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

func openLandscape(ctx context.Context, s *config.Settings) (*landscape.DB, error) {
	dialect, dsn, err := config.SplitLandscapeURL(s.Landscape.URL)
	if err != nil {
		return nil, err
	}
	return landscape.Open(ctx, landscape.Dialect(dialect), dsn)
}

func payloadRoot(s *config.Settings) string {
	if s.Landscape.PayloadRoot != "" {
		return s.Landscape.PayloadRoot
	}
	return "payloads"
}

// retryFromSettings overlays the configured retry knobs on the default
// policy. Unset knobs keep their defaults.
func retryFromSettings(s *config.Settings) engine.RetryConfig {
	rc := engine.DefaultRetryConfig()
	if s.Retry.MaxAttempts > 0 {
		rc.MaxAttempts = s.Retry.MaxAttempts
	}
	if s.Retry.BaseDelayMS > 0 {
		rc.BaseDelay = time.Duration(s.Retry.BaseDelayMS) * time.Millisecond
	}
	if s.Retry.MaxDelayMS > 0 {
		rc.MaxDelay = time.Duration(s.Retry.MaxDelayMS) * time.Millisecond
	}
	if s.Retry.Jitter > 0 {
		rc.Jitter = s.Retry.Jitter
	}
	if s.Retry.ExponentialBase > 0 {
		rc.ExponentialBase = s.Retry.ExponentialBase
	}
	return rc
}

func buildTelemetry(s *config.Settings, log *slog.Logger) (*telemetry.Manager, error) {
	var exporters []telemetry.Exporter
	for _, name := range s.Telemetry.Exporters {
		switch name {
		case "log":
			exporters = append(exporters, telemetry.NewLogExporter(os.Stderr))
		case "prometheus":
			exporters = append(exporters, telemetry.NewPrometheusExporter(nil))
		case "otel":
			exporters = append(exporters, telemetry.NewOTelExporter(nil))
		default:
			return nil, fmt.Errorf("unknown telemetry exporter %q", name)
		}
	}
	return telemetry.NewManager(
		telemetry.Granularity(s.Telemetry.Granularity),
		exporters,
		s.Telemetry.FailOnTotalExporterFailure,
		log,
	)
}
