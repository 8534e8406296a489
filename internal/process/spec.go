package process

import (
	"fmt"
	"strconv"
	"strings"
)

// RestartPolicy is the autorestart field, modeled as a tagged variant
// instead of a bare string per the engine's "enumerated, not stringly
// typed" design note.
type RestartPolicy int

const (
	RestartNever RestartPolicy = iota
	RestartAlways
	RestartUnexpected
)

func ParseRestartPolicy(s string) (RestartPolicy, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "never":
		return RestartNever, nil
	case "always":
		return RestartAlways, nil
	case "unexpected":
		return RestartUnexpected, nil
	default:
		return RestartNever, fmt.Errorf("autorestart: unknown policy %q", s)
	}
}

func (p RestartPolicy) String() string {
	switch p {
	case RestartAlways:
		return "always"
	case RestartUnexpected:
		return "unexpected"
	default:
		return "never"
	}
}

// Spec is the immutable, per-program configuration record. It is replaced
// wholesale on reload, never mutated in place.
type Spec struct {
	Name     string
	Cmd      string
	NumProcs int
	// Umask is a pointer so an explicit "umask: 0" in config can be told
	// apart from the field being absent; nil means "not configured" and
	// gets the default filled in by WithDefaults.
	Umask        *int
	WorkingDir   string
	AutoStart    bool
	AutoRestart  RestartPolicy
	ExitCodes    map[int]struct{}
	StartRetries int
	StartTime    int // seconds
	StopSignal   string
	StopTime     int // seconds
	Stdout       string
	Stderr       string
	Env          map[string]string
}

// WithDefaults returns a copy of s with zero-valued fields set to the
// defaults fixed by the program spec table.
func (s Spec) WithDefaults() Spec {
	if s.NumProcs <= 0 {
		s.NumProcs = 1
	}
	if s.Umask == nil {
		d := 0o022
		s.Umask = &d
	}
	if s.StartRetries <= 0 {
		s.StartRetries = 3
	}
	if s.StartTime <= 0 {
		s.StartTime = 1
	}
	if s.StopSignal == "" {
		s.StopSignal = "TERM"
	}
	if s.StopTime <= 0 {
		s.StopTime = 10
	}
	if len(s.ExitCodes) == 0 {
		s.ExitCodes = map[int]struct{}{0: {}}
	}
	return s
}

// Validate performs the structural checks required before a spec can be
// installed: non-empty cmd, sane numeric fields. It never rejects on
// soft/advisory conditions — those are surfaced separately as warnings.
func (s Spec) Validate() error {
	if strings.TrimSpace(s.Cmd) == "" {
		return fmt.Errorf("program %q: cmd is required", s.Name)
	}
	if s.NumProcs < 1 {
		return fmt.Errorf("program %q: numprocs must be >= 1", s.Name)
	}
	if _, err := ParseRestartPolicy(s.AutoRestart.String()); err != nil {
		return err
	}
	if _, err := SignalByName(s.StopSignal); err != nil {
		return fmt.Errorf("program %q: %w", s.Name, err)
	}
	return nil
}

// ExitExpected reports whether code is among the spec's configured
// "expected" exit codes.
func (s Spec) ExitExpected(code int) bool {
	_, ok := s.ExitCodes[code]
	return ok
}

// Equal reports whether s and other agree on every structurally-significant
// field per the reconcile algorithm: cmd, numprocs, umask, workingdir, env,
// stdout, stderr. Policy-only fields (autorestart, stopsignal, stoptime,
// starttime, startretries, autostart) are deliberately excluded.
func (s Spec) Equal(other Spec) bool {
	if s.Cmd != other.Cmd || s.NumProcs != other.NumProcs || !umaskEqual(s.Umask, other.Umask) {
		return false
	}
	if s.WorkingDir != other.WorkingDir || s.Stdout != other.Stdout || s.Stderr != other.Stderr {
		return false
	}
	if len(s.Env) != len(other.Env) {
		return false
	}
	for k, v := range s.Env {
		if ov, ok := other.Env[k]; !ok || ov != v {
			return false
		}
	}
	return true
}

// ParseUmask accepts either a decimal/octal integer or an octal string
// ("022", "0o022", "0022") per §6. A nil v (the field absent from config)
// returns a nil *int, leaving WithDefaults to fill in the default umask;
// an explicit zero is returned as a non-nil pointer to 0, so it is never
// silently replaced by the default.
func ParseUmask(v interface{}) (*int, error) {
	if v == nil {
		return nil, nil
	}
	intp := func(n int) *int { return &n }
	switch t := v.(type) {
	case int:
		return intp(t), nil
	case int64:
		return intp(int(t)), nil
	case float64:
		return intp(int(t)), nil
	case string:
		s := strings.TrimSpace(t)
		s = strings.TrimPrefix(s, "0o")
		s = strings.TrimPrefix(s, "0O")
		if s == "" {
			return nil, nil
		}
		n, err := strconv.ParseInt(s, 8, 32)
		if err != nil {
			return nil, fmt.Errorf("invalid umask %q: %w", t, err)
		}
		return intp(int(n)), nil
	default:
		return nil, fmt.Errorf("invalid umask value %v", v)
	}
}

// umaskEqual compares two possibly-nil umask pointers by value.
func umaskEqual(a, b *int) bool {
	if a == nil || b == nil {
		return a == b
	}
	return *a == *b
}

// ParseExitCodes accepts either a single integer or a list of integers.
func ParseExitCodes(v interface{}) (map[int]struct{}, error) {
	out := map[int]struct{}{}
	switch t := v.(type) {
	case nil:
		return map[int]struct{}{0: {}}, nil
	case int:
		out[t] = struct{}{}
	case float64:
		out[int(t)] = struct{}{}
	case []interface{}:
		for _, e := range t {
			switch ev := e.(type) {
			case int:
				out[ev] = struct{}{}
			case float64:
				out[int(ev)] = struct{}{}
			default:
				return nil, fmt.Errorf("exitcodes: unsupported element %v", e)
			}
		}
	default:
		return nil, fmt.Errorf("exitcodes: unsupported value %v", v)
	}
	if len(out) == 0 {
		out[0] = struct{}{}
	}
	return out, nil
}
