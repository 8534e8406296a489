// Package shell is the interactive control shell of §4.4/§6: a
// bufio.Scanner REPL over the engine, modeled on the reference
// implementation's cmd.Cmd-style dispatch table.
package shell

import (
	"bufio"
	"fmt"
	"io"
	"sort"
	"strings"

	"github.com/samjin/taskmaster/internal/config"
	"github.com/samjin/taskmaster/internal/engine"
)

const prompt = "taskmaster> "

// Shell is the REPL's state: an engine to drive, a config path to
// re-read on "reload", and the I/O streams it reads/writes.
type Shell struct {
	eng        *engine.Engine
	configPath string

	in  *bufio.Scanner
	out io.Writer
}

// New constructs a shell reading lines from in and writing output to out.
func New(eng *engine.Engine, configPath string, in io.Reader, out io.Writer) *Shell {
	return &Shell{eng: eng, configPath: configPath, in: bufio.NewScanner(in), out: out}
}

// Run drives the REPL until "exit"/"quit" or EOF; it does not return
// when the engine is shut down by other means. EOF is treated exactly
// like a typed "exit" (§6).
func (s *Shell) Run() {
	fmt.Fprintln(s.out, strings.Repeat("=", 60))
	fmt.Fprintln(s.out, "taskmaster control shell — type 'help' for commands")
	fmt.Fprintln(s.out, strings.Repeat("=", 60))

	for {
		fmt.Fprint(s.out, prompt)
		if !s.in.Scan() {
			fmt.Fprintln(s.out)
			return
		}
		line := strings.TrimSpace(s.in.Text())
		if line == "" {
			continue
		}
		fields := strings.Fields(line)
		verb := strings.ToLower(fields[0])
		args := fields[1:]

		if s.dispatch(verb, args) {
			return
		}
	}
}

// dispatch executes one verb and reports whether the shell should exit.
func (s *Shell) dispatch(verb string, args []string) bool {
	switch verb {
	case "status":
		s.cmdStatus(args)
	case "start":
		s.cmdTarget(args, "start", s.eng.Start)
	case "stop":
		s.cmdTarget(args, "stop", s.eng.Stop)
	case "restart":
		s.cmdTarget(args, "restart", s.eng.Restart)
	case "reload":
		s.cmdReload()
	case "validate":
		s.cmdValidate()
	case "summary":
		s.cmdSummary()
	case "help":
		s.cmdHelp()
	case "exit", "quit":
		fmt.Fprintln(s.out, "shutting down taskmaster...")
		return true
	default:
		fmt.Fprintf(s.out, "unknown command: %s (type 'help' for commands)\n", verb)
	}
	return false
}

func (s *Shell) cmdStatus(args []string) {
	name := ""
	if len(args) > 0 && args[0] != "all" {
		name = args[0]
	}
	recs, err := s.eng.Status(name)
	if err != nil {
		fmt.Fprintf(s.out, "error: %v\n", err)
		return
	}
	if len(recs) == 0 {
		fmt.Fprintln(s.out, "no programs configured")
		return
	}
	fmt.Fprintf(s.out, "%-25s %-10s %-8s %-10s %-8s\n", "PROGRAM", "STATE", "PID", "UPTIME", "RETRIES")
	fmt.Fprintln(s.out, strings.Repeat("-", 65))
	for _, r := range recs {
		pid := "-"
		if r.Pid != 0 {
			pid = fmt.Sprintf("%d", r.Pid)
		}
		fmt.Fprintf(s.out, "%-25s %-10s %-8s %-10s %-8d\n",
			r.Name, r.State.String(), pid, formatUptime(r.UptimeSeconds), r.RetryCount)
	}
}

func formatUptime(seconds int64) string {
	if seconds <= 0 {
		return "-"
	}
	switch {
	case seconds < 60:
		return fmt.Sprintf("%ds", seconds)
	case seconds < 3600:
		return fmt.Sprintf("%dm %ds", seconds/60, seconds%60)
	default:
		return fmt.Sprintf("%dh %dm", seconds/3600, (seconds%3600)/60)
	}
}

// cmdTarget implements the shared "<verb> <program|all>" pattern common
// to start/stop/restart, including the supplemented "all" pseudo-target.
func (s *Shell) cmdTarget(args []string, verb string, op func(string) error) {
	if len(args) == 0 {
		fmt.Fprintf(s.out, "usage: %s <program|all>\n", verb)
		return
	}
	done := verb + "ed"
	if verb == "stop" {
		done = "stopped"
	}
	target := args[0]
	if target == "all" {
		for _, name := range s.eng.ProgramNames() {
			fmt.Fprintf(s.out, "%s %s...\n", gerund(verb), name)
			if err := op(name); err != nil {
				fmt.Fprintf(s.out, "%s: %v\n", name, err)
				continue
			}
			fmt.Fprintf(s.out, "%s: %s\n", name, done)
		}
		return
	}
	if err := op(target); err != nil {
		fmt.Fprintf(s.out, "%s: %v\n", target, err)
		return
	}
	fmt.Fprintf(s.out, "%s: %s\n", target, done)
}

func gerund(verb string) string {
	switch verb {
	case "stop":
		return "stopping"
	case "restart":
		return "restarting"
	default:
		return "starting"
	}
}

func (s *Shell) cmdReload() {
	if s.configPath == "" {
		fmt.Fprintln(s.out, "reload: no config file was given at startup")
		return
	}
	fmt.Fprintln(s.out, "reloading configuration...")
	specs, _, err := config.Load(s.configPath)
	if err != nil {
		fmt.Fprintf(s.out, "reload failed, keeping existing configuration: %v\n", err)
		return
	}
	s.eng.Reload(specs)
	fmt.Fprintln(s.out, "configuration reloaded")
}

func (s *Shell) cmdValidate() {
	if s.configPath == "" {
		fmt.Fprintln(s.out, "validate: no config file was given at startup")
		return
	}
	specs, _, err := config.Load(s.configPath)
	if err != nil {
		fmt.Fprintf(s.out, "invalid: %v\n", err)
		return
	}
	fmt.Fprintf(s.out, "valid: %d program(s)\n", len(specs))
	for _, w := range config.Lint(specs) {
		fmt.Fprintf(s.out, "warning: %s: %s\n", w.Program, w.Message)
	}
}

func (s *Shell) cmdSummary() {
	names := s.eng.ProgramNames()
	if len(names) == 0 {
		fmt.Fprintln(s.out, "no programs configured")
		return
	}
	counts := map[string]int{}
	for _, name := range names {
		recs, err := s.eng.Status(name)
		if err != nil {
			continue
		}
		for _, r := range recs {
			counts[r.State.String()]++
		}
	}
	states := make([]string, 0, len(counts))
	for st := range counts {
		states = append(states, st)
	}
	sort.Strings(states)
	fmt.Fprintf(s.out, "%d program(s) configured\n", len(names))
	for _, st := range states {
		fmt.Fprintf(s.out, "  %-10s %d\n", st, counts[st])
	}
}

func (s *Shell) cmdHelp() {
	fmt.Fprint(s.out, `
available commands:

  status [program|all]  - show status of all programs or one program
  start <program|all>    - start a program or all programs
  stop <program|all>     - stop a program or all programs
  restart <program|all>  - restart a program or all programs
  reload                 - reload the configuration file
  validate               - validate the configuration file without applying it
  summary                - show a per-state instance count
  help                   - show this help message
  exit, quit             - stop all programs and exit

`)
}
