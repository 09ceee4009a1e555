package main

import (
	"bytes"
	"strings"
	"testing"

	"github.com/sudo-init-do/crafthub-escrow/internal/jobs"
	"github.com/sudo-init-do/crafthub-escrow/internal/orchestrator"
)

func TestSweepCommandsCoverEveryTask(t *testing.T) {
	t.Parallel()
	path := "config.yaml"
	cmd := sweepCmd(&path)

	want := map[string]string{
		"auto-release": jobs.TaskAutoReleaseSweep,
		"disputes":     jobs.TaskDisputeDeadlineSweep,
		"unmatched":    jobs.TaskRetryUnmatched,
	}
	for _, sw := range sweeps {
		if want[sw.use] != sw.taskType {
			t.Fatalf("sweep %s maps to %s", sw.use, sw.taskType)
		}
		sub, _, err := cmd.Find([]string{sw.use})
		if err != nil || sub.Name() != sw.use {
			t.Fatalf("subcommand %s not registered: %v", sw.use, err)
		}
	}
	if len(sweeps) != len(want) {
		t.Fatalf("%d sweeps, want %d", len(sweeps), len(want))
	}
	if cmd.PersistentFlags().Lookup("queue") == nil {
		t.Fatal("--queue flag missing")
	}
}

func TestPrintJSON(t *testing.T) {
	t.Parallel()
	var buf bytes.Buffer
	if err := printJSON(&buf, orchestrator.SweepReport{Examined: 3, Applied: 2, Skipped: 1}); err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(buf.String(), `"applied": 2`) {
		t.Fatalf("output %s", buf.String())
	}
}

func TestRetryRequiresEventID(t *testing.T) {
	t.Parallel()
	path := "config.yaml"
	cmd := retryCmd(&path)
	if err := cmd.Args(cmd, nil); err == nil {
		t.Fatal("retry accepted no arguments")
	}
}
