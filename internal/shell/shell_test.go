package shell

import (
	"bytes"
	"strings"
	"testing"

	"github.com/samjin/taskmaster/internal/applog"
	"github.com/samjin/taskmaster/internal/engine"
	"github.com/samjin/taskmaster/internal/process"
)

func testShell(t *testing.T, input string) (*Shell, *bytes.Buffer, *engine.Engine) {
	t.Helper()
	eng := engine.New(engine.Options{Log: applog.New(applog.Config{})})
	eng.Boot(map[string]process.Spec{
		"web": {Name: "web", Cmd: "/bin/sleep 5", NumProcs: 1, StopSignal: "TERM", AutoStart: true}.WithDefaults(),
	}, "")
	t.Cleanup(eng.Shutdown)
	var out bytes.Buffer
	return New(eng, "", strings.NewReader(input), &out), &out, eng
}

func TestStatusAllLists(t *testing.T) {
	s, out, _ := testShell(t, "status\nexit\n")
	s.Run()
	if !strings.Contains(out.String(), "web") {
		t.Fatalf("expected status output to mention web, got:\n%s", out.String())
	}
}

func TestStartUnknownProgramReportsError(t *testing.T) {
	s, out, _ := testShell(t, "start ghost\nexit\n")
	s.Run()
	if !strings.Contains(out.String(), "ghost") {
		t.Fatalf("expected error mentioning ghost, got:\n%s", out.String())
	}
}

func TestStopMissingArgumentShowsUsage(t *testing.T) {
	s, out, _ := testShell(t, "stop\nexit\n")
	s.Run()
	if !strings.Contains(out.String(), "usage:") {
		t.Fatalf("expected a usage message, got:\n%s", out.String())
	}
}

func TestEOFActsLikeExit(t *testing.T) {
	s, _, _ := testShell(t, "status\n") // no trailing "exit"; scanner hits EOF
	s.Run()                             // must return, not hang
}

func TestStopAllTargetsEveryProgram(t *testing.T) {
	s, out, _ := testShell(t, "stop all\nexit\n")
	s.Run()
	if !strings.Contains(out.String(), "web: stopped") {
		t.Fatalf("expected web to be stopped via 'all', got:\n%s", out.String())
	}
}

func TestReloadWithoutConfigPathIsGraceful(t *testing.T) {
	s, out, _ := testShell(t, "reload\nexit\n")
	s.Run()
	if !strings.Contains(out.String(), "no config file") {
		t.Fatalf("expected a no-config-file message, got:\n%s", out.String())
	}
}

func TestHelpListsCommands(t *testing.T) {
	s, out, _ := testShell(t, "help\nexit\n")
	s.Run()
	if !strings.Contains(out.String(), "restart <program|all>") {
		t.Fatalf("expected help text to describe restart, got:\n%s", out.String())
	}
}
