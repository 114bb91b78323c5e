package sandbox

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"sort"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"
)

// TestHelperProcess is not a test. The pool tests re-execute the test
// binary with this function as the entry point to get a real worker
// subprocess without shipping a second binary.
func TestHelperProcess(t *testing.T) {
	if os.Getenv("GO_WANT_HELPER_PROCESS") != "1" {
		return
	}
	defer os.Exit(0)

	args := os.Args
	for len(args) > 0 {
		if args[0] == "--" {
			args = args[1:]
			break
		}
		args = args[1:]
	}
	if len(args) == 0 || args[0] != "worker" {
		fmt.Fprintln(os.Stderr, "helper: expected worker mode, got", args)
		os.Exit(2)
	}
	if err := RunWorker(os.Stdin, os.Stdout, helperTransforms()); err != nil {
		fmt.Fprintln(os.Stderr, "helper:", err)
		os.Exit(1)
	}
}

func helperTransforms() map[string]TransformFunc {
	return map[string]TransformFunc{
		"upper_name": func(rows []map[string]any, config map[string]any) ([]map[string]any, error) {
			for _, row := range rows {
				if s, ok := row["name"].(string); ok {
					row["name"] = strings.ToUpper(s)
				}
			}
			return rows, nil
		},
		"fail": func(rows []map[string]any, config map[string]any) ([]map[string]any, error) {
			return nil, fmt.Errorf("refusing %d rows", len(rows))
		},
		"explode": func(rows []map[string]any, config map[string]any) ([]map[string]any, error) {
			panic("subprocess bug")
		},
		"env_report": func(rows []map[string]any, config map[string]any) ([]map[string]any, error) {
			names := make([]string, 0, 32)
			for _, kv := range os.Environ() {
				name, _, _ := strings.Cut(kv, "=")
				names = append(names, name)
			}
			sort.Strings(names)
			return []map[string]any{{
				"names": strings.Join(names, ","),
				"uid":   strconv.Itoa(os.Getuid()),
			}}, nil
		},
	}
}

func helperPoolConfig(workers int) PoolConfig {
	return PoolConfig{
		Workers: workers,
		Command: os.Args[0],
		Args:    []string{"-test.run=^TestHelperProcess$", "--", "worker"},
		Grace:   2 * time.Second,
		Log:     slog.New(slog.NewTextHandler(io.Discard, nil)),
	}
}

func startPool(t *testing.T, cfg PoolConfig) *Pool {
	t.Helper()
	t.Setenv("GO_WANT_HELPER_PROCESS", "1")
	pool, err := NewPool(cfg)
	if err != nil {
		t.Fatalf("NewPool: %v", err)
	}
	if err := pool.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}
	t.Cleanup(func() {
		if err := pool.Close(); err != nil {
			t.Errorf("Close: %v", err)
		}
	})
	return pool
}

func TestPoolExecBatch(t *testing.T) {
	t.Run("round trip through the custody path", func(t *testing.T) {
		pool := startPool(t, helperPoolConfig(1))
		rows := []map[string]any{{"name": "ada"}, {"name": "grace"}}

		out, err := pool.ExecBatch(context.Background(), "upper_name", rows, nil)
		if err != nil {
			t.Fatalf("ExecBatch: %v", err)
		}
		if len(out) != 2 || out[0]["name"] != "ADA" || out[1]["name"] != "GRACE" {
			t.Errorf("transformed rows = %v", out)
		}
		if n := pool.cfg.Registry.Len(); n != 0 {
			t.Errorf("registry still holds %d frames after the batch", n)
		}
		if n := pool.cfg.Proxies.Len(); n != 0 {
			t.Errorf("proxy table still holds %d proxies after the batch", n)
		}
	})

	t.Run("transform errors come back as exceptions", func(t *testing.T) {
		pool := startPool(t, helperPoolConfig(1))

		_, err := pool.ExecBatch(context.Background(), "fail", []map[string]any{{"a": "1"}, {"a": "2"}}, nil)
		var exc *ExceptionResult
		if !errors.As(err, &exc) {
			t.Fatalf("ExecBatch error = %v, want ExceptionResult", err)
		}
		if exc.Type != "transform_error" {
			t.Errorf("exception type = %q, want transform_error", exc.Type)
		}
		if !strings.Contains(exc.Message, "refusing 2 rows") {
			t.Errorf("exception message = %q", exc.Message)
		}
	})

	t.Run("worker panic is contained and the worker keeps serving", func(t *testing.T) {
		pool := startPool(t, helperPoolConfig(1))

		_, err := pool.ExecBatch(context.Background(), "explode", []map[string]any{{"name": "x"}}, nil)
		var exc *ExceptionResult
		if !errors.As(err, &exc) {
			t.Fatalf("ExecBatch error = %v, want ExceptionResult", err)
		}
		if exc.Type != "panic" || !strings.Contains(exc.Message, "subprocess bug") {
			t.Errorf("exception = %+v", exc)
		}
		if exc.Traceback == "" {
			t.Error("panic crossed the boundary without a traceback")
		}

		out, err := pool.ExecBatch(context.Background(), "upper_name", []map[string]any{{"name": "ok"}}, nil)
		if err != nil {
			t.Fatalf("ExecBatch after panic: %v", err)
		}
		if out[0]["name"] != "OK" {
			t.Errorf("row after panic = %v", out[0])
		}
	})

	t.Run("unknown transform", func(t *testing.T) {
		pool := startPool(t, helperPoolConfig(1))

		_, err := pool.ExecBatch(context.Background(), "no_such_thing", nil, nil)
		var exc *ExceptionResult
		if !errors.As(err, &exc) || exc.Type != "unknown_transform" {
			t.Errorf("ExecBatch error = %v, want unknown_transform exception", err)
		}
	})

	t.Run("worker environment is scrubbed end to end", func(t *testing.T) {
		t.Setenv("AWS_SECRET_ACCESS_KEY", "sekrit")
		t.Setenv("ELSPETH_SIGNING_KEY", "hmac-key")
		cfg := helperPoolConfig(1)
		cfg.BlockedEnv = []string{"ELSPETH_SIGNING_KEY"}
		pool := startPool(t, cfg)

		out, err := pool.ExecBatch(context.Background(), "env_report", nil, nil)
		if err != nil {
			t.Fatalf("ExecBatch: %v", err)
		}
		names, _ := out[0]["names"].(string)
		if names == "" {
			t.Fatal("worker reported an empty environment")
		}
		if strings.Contains(names, "AWS_SECRET_ACCESS_KEY") {
			t.Error("aws credential leaked into the worker environment")
		}
		if strings.Contains(names, "ELSPETH_SIGNING_KEY") {
			t.Error("signing key leaked into the worker environment")
		}
		if !strings.Contains(names, "PATH") {
			t.Error("scrub removed PATH; workers need the basic environment")
		}
	})

	t.Run("uid separation is deployment configuration", func(t *testing.T) {
		expected := os.Getenv("ELSPETH_TEST_WORKER_UID")
		if expected == "" {
			t.Skip("single-uid development environment")
		}
		pool := startPool(t, helperPoolConfig(1))
		out, err := pool.ExecBatch(context.Background(), "env_report", nil, nil)
		if err != nil {
			t.Fatalf("ExecBatch: %v", err)
		}
		if got, _ := out[0]["uid"].(string); got != expected {
			t.Errorf("worker uid = %s, want %s", got, expected)
		}
	})

	t.Run("concurrent batches share the workers", func(t *testing.T) {
		pool := startPool(t, helperPoolConfig(2))

		var wg sync.WaitGroup
		errs := make([]error, 8)
		outs := make([][]map[string]any, 8)
		for i := 0; i < 8; i++ {
			wg.Add(1)
			go func(i int) {
				defer wg.Done()
				rows := []map[string]any{{"name": fmt.Sprintf("row%d", i)}}
				outs[i], errs[i] = pool.ExecBatch(context.Background(), "upper_name", rows, nil)
			}(i)
		}
		wg.Wait()
		for i := 0; i < 8; i++ {
			if errs[i] != nil {
				t.Fatalf("batch %d: %v", i, errs[i])
			}
			want := strings.ToUpper(fmt.Sprintf("row%d", i))
			if outs[i][0]["name"] != want {
				t.Errorf("batch %d row = %v, want %s", i, outs[i][0], want)
			}
		}
	})

	t.Run("cancelled context gives up waiting for a worker", func(t *testing.T) {
		pool := startPool(t, helperPoolConfig(1))
		ctx, cancel := context.WithCancel(context.Background())
		cancel()

		// Hold the only worker so the cancelled call has to queue.
		w := <-pool.idle
		if _, err := pool.ExecBatch(ctx, "upper_name", nil, nil); !errors.Is(err, context.Canceled) {
			t.Errorf("ExecBatch(cancelled) = %v, want context.Canceled", err)
		}
		pool.idle <- w
	})
}

func TestPoolLifecycle(t *testing.T) {
	t.Run("close is idempotent and blocks new work", func(t *testing.T) {
		t.Setenv("GO_WANT_HELPER_PROCESS", "1")
		pool, err := NewPool(helperPoolConfig(2))
		if err != nil {
			t.Fatalf("NewPool: %v", err)
		}
		if err := pool.Start(); err != nil {
			t.Fatalf("Start: %v", err)
		}
		if err := pool.Close(); err != nil {
			t.Fatalf("Close: %v", err)
		}
		if err := pool.Close(); err != nil {
			t.Errorf("second Close = %v, want nil", err)
		}
		if _, err := pool.ExecBatch(context.Background(), "upper_name", nil, nil); err == nil {
			t.Error("ExecBatch after Close succeeded")
		}
	})

	t.Run("start twice is rejected", func(t *testing.T) {
		pool := startPool(t, helperPoolConfig(1))
		if err := pool.Start(); err == nil {
			t.Error("second Start succeeded")
		}
	})

	t.Run("exec before start is rejected", func(t *testing.T) {
		pool, err := NewPool(helperPoolConfig(1))
		if err != nil {
			t.Fatalf("NewPool: %v", err)
		}
		if _, err := pool.ExecBatch(context.Background(), "upper_name", nil, nil); err == nil {
			t.Error("ExecBatch before Start succeeded")
		}
	})
}

func TestPoolDefaults(t *testing.T) {
	pool, err := NewPool(PoolConfig{})
	if err != nil {
		t.Fatalf("NewPool(zero): %v", err)
	}
	if pool.cfg.Workers != 1 {
		t.Errorf("Workers = %d, want 1", pool.cfg.Workers)
	}
	if pool.cfg.Grace != 5*time.Second {
		t.Errorf("Grace = %v, want 5s", pool.cfg.Grace)
	}
	if len(pool.cfg.Args) != 1 || pool.cfg.Args[0] != "worker" {
		t.Errorf("Args = %v, want [worker]", pool.cfg.Args)
	}
	if pool.cfg.Command == "" {
		t.Error("Command not defaulted to the current executable")
	}
	if pool.cfg.Registry == nil || pool.cfg.Proxies == nil {
		t.Error("custody structures not defaulted")
	}

	if _, err := NewPool(PoolConfig{SecurityLevel: 9}); err == nil {
		t.Error("NewPool accepted an out-of-range security level")
	}
}
