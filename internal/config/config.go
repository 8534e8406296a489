// Package config loads the taskmaster configuration document: a mapping
// with a top-level "programs" key, one entry per supervised program,
// using the same viper-backed decode idiom the rest of the corpus uses
// for its own config files.
package config

import (
	"fmt"
	"sort"
	"strings"

	"github.com/go-viper/mapstructure/v2"
	"github.com/spf13/viper"

	"github.com/samjin/taskmaster/internal/process"
)

// Document is the top-level decoded shape of a configuration file.
type Document struct {
	Programs map[string]ProgramEntry `mapstructure:"programs"`

	// Ambient sections the distilled program-table spec is silent on;
	// all optional, all ignored if absent.
	Log       LogSection     `mapstructure:"log"`
	Dashboard DashboardEntry `mapstructure:"dashboard"`
	History   HistoryEntry   `mapstructure:"history"`
}

// ProgramEntry is the raw, as-decoded shape of one "programs.<name>"
// block; umask and exitcodes are still `any` here since viper can't
// target process.Spec's already-normalized fields directly.
type ProgramEntry struct {
	Cmd          string      `mapstructure:"cmd"`
	NumProcs     int         `mapstructure:"numprocs"`
	Umask        interface{} `mapstructure:"umask"`
	WorkingDir   string      `mapstructure:"workingdir"`
	AutoStart    bool        `mapstructure:"autostart"`
	AutoRestart  string      `mapstructure:"autorestart"`
	ExitCodes    interface{} `mapstructure:"exitcodes"`
	StartRetries int         `mapstructure:"startretries"`
	StartTime    int         `mapstructure:"starttime"`
	StopSignal   string      `mapstructure:"stopsignal"`
	StopTime     int         `mapstructure:"stoptime"`
	Stdout       string      `mapstructure:"stdout"`
	Stderr       string      `mapstructure:"stderr"`
	Env          map[string]string `mapstructure:"env"`
}

// LogSection holds applog's rotating-file settings as decoded from the
// config file. The taskmaster command does not read it: the log path
// comes from the --log-file flag and email alerting from the EMAIL_*
// environment variables.
type LogSection struct {
	Path       string `mapstructure:"path"`
	MaxSizeMB  int    `mapstructure:"max_size_mb"`
	MaxBackups int    `mapstructure:"max_backups"`
	MaxAgeDays int    `mapstructure:"max_age_days"`
	Compress   bool   `mapstructure:"compress"`
}

// DashboardEntry configures the HTTP dashboard's bind address.
type DashboardEntry struct {
	Addr string `mapstructure:"addr"`
}

// HistoryEntry configures the optional lifecycle-audit sink by DSN.
type HistoryEntry struct {
	DSN string `mapstructure:"dsn"`
}

// Load reads and decodes path, then normalizes every program entry into
// a process.Spec, applying defaults and validating required fields.
// Per §7, a config-load failure here must abort startup (or, on reload,
// leave the engine's existing state untouched — it is the caller's job
// to not apply a failed Load's result).
func Load(path string) (map[string]process.Spec, Document, error) {
	v := viper.New()
	v.SetConfigFile(path)
	if err := v.ReadInConfig(); err != nil {
		return nil, Document{}, fmt.Errorf("read config %s: %w", path, err)
	}

	var doc Document
	if err := v.Unmarshal(&doc); err != nil {
		return nil, Document{}, fmt.Errorf("decode config %s: %w", path, err)
	}

	specs := make(map[string]process.Spec, len(doc.Programs))
	for name, entry := range doc.Programs {
		spec, err := normalize(name, entry)
		if err != nil {
			return nil, Document{}, err
		}
		specs[name] = spec
	}
	return specs, doc, nil
}

func normalize(name string, e ProgramEntry) (process.Spec, error) {
	var zero process.Spec

	restart, err := process.ParseRestartPolicy(e.AutoRestart)
	if err != nil {
		return zero, fmt.Errorf("program %q: %w", name, err)
	}

	umask, err := process.ParseUmask(e.Umask)
	if err != nil {
		return zero, fmt.Errorf("program %q: %w", name, err)
	}

	exitCodes, err := process.ParseExitCodes(e.ExitCodes)
	if err != nil {
		return zero, fmt.Errorf("program %q: %w", name, err)
	}

	spec := process.Spec{
		Name:         name,
		Cmd:          e.Cmd,
		NumProcs:     e.NumProcs,
		Umask:        umask,
		WorkingDir:   e.WorkingDir,
		AutoStart:    e.AutoStart,
		AutoRestart:  restart,
		ExitCodes:    exitCodes,
		StartRetries: e.StartRetries,
		StartTime:    e.StartTime,
		StopSignal:   e.StopSignal,
		StopTime:     e.StopTime,
		Stdout:       e.Stdout,
		Stderr:       e.Stderr,
		Env:          e.Env,
	}.WithDefaults()

	if err := spec.Validate(); err != nil {
		return zero, err
	}
	return spec, nil
}

// Warning is a non-fatal, surfaced-but-not-blocking spec concern (§7).
type Warning struct {
	Program string
	Message string
}

// Lint produces advisory warnings for specs that parse and validate
// cleanly but look operationally risky. It never rejects a config.
func Lint(specs map[string]process.Spec) []Warning {
	var warnings []Warning
	names := make([]string, 0, len(specs))
	for n := range specs {
		names = append(names, n)
	}
	sort.Strings(names)

	const highNumProcs = 50
	defaultStartRetries := process.Spec{}.WithDefaults().StartRetries
	for _, name := range names {
		spec := specs[name]
		if spec.NumProcs > highNumProcs {
			warnings = append(warnings, Warning{
				Program: name,
				Message: fmt.Sprintf("numprocs=%d is unusually high", spec.NumProcs),
			})
		}
		if spec.AutoRestart == process.RestartNever && spec.StartRetries != defaultStartRetries {
			warnings = append(warnings, Warning{
				Program: name,
				Message: "startretries is ignored when autorestart=never",
			})
		}
		if strings.TrimSpace(spec.WorkingDir) != "" && !looksAbsolute(spec.WorkingDir) {
			warnings = append(warnings, Warning{
				Program: name,
				Message: fmt.Sprintf("workingdir %q does not look like an absolute path", spec.WorkingDir),
			})
		}
	}
	return warnings
}

func looksAbsolute(s string) bool {
	return strings.HasPrefix(s, "/")
}

// DecodeHook is exposed for callers that want to decode a standalone
// program block outside of a full Document, reusing the same
// mapstructure wiring as Load.
func DecodeHook(raw map[string]any, name string) (process.Spec, error) {
	var entry ProgramEntry
	dec, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		TagName:          "mapstructure",
		WeaklyTypedInput: true,
		Result:           &entry,
	})
	if err != nil {
		return process.Spec{}, err
	}
	if err := dec.Decode(raw); err != nil {
		return process.Spec{}, fmt.Errorf("decode program %q: %w", name, err)
	}
	return normalize(name, entry)
}
