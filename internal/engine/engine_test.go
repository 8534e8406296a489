package engine

import (
	"context"
	"testing"
	"time"

	"github.com/samjin/taskmaster/internal/applog"
	"github.com/samjin/taskmaster/internal/process"
)

func testEngine(t *testing.T) *Engine {
	t.Helper()
	return New(Options{
		Log:          applog.New(applog.Config{}),
		TickInterval: 50 * time.Millisecond,
	})
}

func sleeperSpec(name string, numProcs int) process.Spec {
	return process.Spec{
		Name: name, Cmd: "/bin/sleep 5", NumProcs: numProcs,
		StopSignal: "TERM",
	}.WithDefaults()
}

func waitForState(t *testing.T, e *Engine, name string, want process.State, timeout time.Duration) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		recs, err := e.Status(name)
		if err != nil {
			t.Fatalf("Status: %v", err)
		}
		if len(recs) > 0 && recs[0].State == want {
			return
		}
		time.Sleep(20 * time.Millisecond)
	}
	t.Fatalf("program %q never reached state %v", name, want)
}

func TestStartIsIdempotent(t *testing.T) {
	e := testEngine(t)
	e.Boot(map[string]process.Spec{"web": sleeperSpec("web", 2)}, "")
	defer e.Shutdown()

	first, err := e.Status("web")
	if err != nil {
		t.Fatal(err)
	}
	if len(first) != 2 {
		t.Fatalf("expected 2 instances, got %d", len(first))
	}
	firstPids := map[int]bool{first[0].Pid: true, first[1].Pid: true}

	if err := e.Start("web"); err != nil {
		t.Fatal(err)
	}
	second, err := e.Status("web")
	if err != nil {
		t.Fatal(err)
	}
	for _, r := range second {
		if !firstPids[r.Pid] {
			t.Fatalf("Start on an already-live program respawned instances: %+v", second)
		}
	}
}

func TestStopThenStatusIsStopped(t *testing.T) {
	e := testEngine(t)
	e.Boot(map[string]process.Spec{"web": sleeperSpec("web", 1)}, "")
	defer e.Shutdown()

	if err := e.Stop("web"); err != nil {
		t.Fatal(err)
	}
	recs, err := e.Status("web")
	if err != nil {
		t.Fatal(err)
	}
	if len(recs) != 1 || recs[0].State != process.StateStopped {
		t.Fatalf("expected single STOPPED record, got %+v", recs)
	}

	// Stopping an already-stopped program is a silent success.
	if err := e.Stop("web"); err != nil {
		t.Fatalf("stop on stopped program returned error: %v", err)
	}
}

func TestRestartEquivalence(t *testing.T) {
	e := testEngine(t)
	e.Boot(map[string]process.Spec{"web": sleeperSpec("web", 1)}, "")
	defer e.Shutdown()

	before, _ := e.Status("web")
	if err := e.Restart("web"); err != nil {
		t.Fatal(err)
	}
	after, _ := e.Status("web")
	if len(after) != 1 || after[0].State != process.StateStarting && after[0].State != process.StateRunning {
		t.Fatalf("expected a freshly live instance after restart, got %+v", after)
	}
	if before[0].Pid == after[0].Pid {
		t.Fatalf("restart should have spawned a new pid")
	}
	if after[0].RetryCount != 0 {
		t.Fatalf("restart should reset retry_count, got %d", after[0].RetryCount)
	}
}

func TestUnknownProgramErrors(t *testing.T) {
	e := testEngine(t)
	e.Boot(map[string]process.Spec{}, "")
	defer e.Shutdown()

	if err := e.Start("ghost"); err == nil {
		t.Fatal("expected ErrUnknownProgram")
	}
	if err := e.Stop("ghost"); err == nil {
		t.Fatal("expected ErrUnknownProgram")
	}
	if err := e.Restart("ghost"); err == nil {
		t.Fatal("expected ErrUnknownProgram")
	}
	if _, err := e.Status("ghost"); err == nil {
		t.Fatal("expected ErrUnknownProgram")
	}
}

func TestReloadRoundTripDoesNotRestart(t *testing.T) {
	e := testEngine(t)
	spec := sleeperSpec("web", 1)
	e.Boot(map[string]process.Spec{"web": spec}, "")
	defer e.Shutdown()

	before, _ := e.Status("web")

	// Reloading with the identical spec table must not restart anything,
	// only re-assert policy fields (§4.2.4 Law: reload round-trip).
	e.Reload(map[string]process.Spec{"web": spec})

	after, _ := e.Status("web")
	if before[0].Pid != after[0].Pid {
		t.Fatalf("reload with unchanged spec respawned the instance")
	}
}

func TestReloadCmdChangeRestarts(t *testing.T) {
	e := testEngine(t)
	spec := sleeperSpec("web", 1)
	e.Boot(map[string]process.Spec{"web": spec}, "")
	defer e.Shutdown()

	before, _ := e.Status("web")

	changed := spec
	changed.Cmd = "/bin/sleep 6"
	e.Reload(map[string]process.Spec{"web": changed})

	after, _ := e.Status("web")
	if before[0].Pid == after[0].Pid {
		t.Fatalf("reload with a cmd change should have restarted the instance")
	}
}

func TestReloadRemovedProgramStops(t *testing.T) {
	e := testEngine(t)
	e.Boot(map[string]process.Spec{"web": sleeperSpec("web", 1)}, "")
	defer e.Shutdown()

	e.Reload(map[string]process.Spec{})

	if _, err := e.Status("web"); err == nil {
		t.Fatalf("removed program should no longer be known to the engine")
	}
}

func TestNeverRestartSettlesStopped(t *testing.T) {
	e := testEngine(t)
	spec := process.Spec{Name: "oneshot", Cmd: "/bin/true", NumProcs: 1, StopSignal: "TERM", AutoRestart: process.RestartNever}.WithDefaults()
	e.Boot(map[string]process.Spec{"oneshot": spec}, "")
	defer e.Shutdown()

	go e.Run(context.Background())
	waitForState(t, e, "oneshot", process.StateStopped, 3*time.Second)
}

func TestBackoffExhaustionReachesFatal(t *testing.T) {
	e := testEngine(t)
	spec := process.Spec{
		Name: "failer", Cmd: "/bin/false", NumProcs: 1, StopSignal: "TERM",
		AutoRestart: process.RestartAlways, StartRetries: 2, StartTime: 1,
	}.WithDefaults()
	e.Boot(map[string]process.Spec{"failer": spec}, "")
	defer e.Shutdown()

	go e.Run(context.Background())
	waitForState(t, e, "failer", process.StateFatal, 5*time.Second)

	recs, err := e.Status("failer")
	if err != nil {
		t.Fatal(err)
	}
	if recs[0].RetryCount != spec.StartRetries {
		t.Fatalf("expected retry_count to saturate at %d, got %d", spec.StartRetries, recs[0].RetryCount)
	}
}

func TestShutdownIsIdempotent(t *testing.T) {
	e := testEngine(t)
	e.Boot(map[string]process.Spec{"web": sleeperSpec("web", 1)}, "")

	e.Shutdown()
	e.Shutdown() // must not panic or block
}
