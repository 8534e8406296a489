// Command taskmaster supervises a set of child programs described by a
// single configuration file, per §6's invocation contract:
// `taskmaster <config_file>`.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"

	"github.com/samjin/taskmaster/internal/applog"
	"github.com/samjin/taskmaster/internal/config"
	"github.com/samjin/taskmaster/internal/dashboard"
	"github.com/samjin/taskmaster/internal/engine"
	"github.com/samjin/taskmaster/internal/history"
	"github.com/samjin/taskmaster/internal/metrics"
	"github.com/samjin/taskmaster/internal/shell"
)

func main() {
	var (
		dashboardAddr string
		logPath       string
		historyDSN    string
	)

	root := &cobra.Command{
		Use:   "taskmaster <config_file>",
		Short: "Supervise child programs per a YAML-style configuration",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(args[0], dashboardAddr, logPath, historyDSN)
		},
	}
	root.Flags().StringVar(&dashboardAddr, "dashboard-addr", ":8080", "HTTP dashboard bind address")
	root.Flags().StringVar(&logPath, "log-file", "taskmaster.log", "rotating log file path")
	root.Flags().StringVar(&historyDSN, "history-dsn", "", "optional lifecycle-audit sink DSN (sqlite://, postgres://, clickhouse://)")

	if err := root.Execute(); err != nil {
		// cobra already printed the error; §6 requires exit 1 on an
		// unparseable or missing config.
		os.Exit(1)
	}
}

func run(configPath, dashboardAddr, logPath, historyDSN string) error {
	log := applog.New(applog.Config{
		Path:  logPath,
		Email: applog.EmailConfigFromEnv(),
	})

	specs, doc, err := config.Load(configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "taskmaster: %v\n", err)
		return err
	}
	for _, w := range config.Lint(specs) {
		log.Warn("config warning", "program", w.Program, "message", w.Message)
	}

	if doc.Dashboard.Addr != "" {
		dashboardAddr = doc.Dashboard.Addr
	}
	if historyDSN == "" {
		historyDSN = doc.History.DSN
	}

	metricsCollector := metrics.New()
	metricsCollector.Register(prometheus.DefaultRegisterer)

	audit, err := history.Open(historyDSN)
	if err != nil {
		log.Warn("history sink disabled", "err", err)
		audit = nil
	}
	if audit != nil {
		defer func() { _ = audit.Close() }()
	}

	eng := engine.New(engine.Options{
		Log:     log,
		Metrics: metricsCollector,
		Audit:   audit,
	})
	eng.Boot(specs, configPath)

	dash := dashboard.New(eng, dashboardAddr, metricsCollector, log)
	dash.Start()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	go eng.Run(ctx)

	sh := shell.New(eng, configPath, os.Stdin, os.Stdout)
	shellDone := make(chan struct{})
	go func() {
		sh.Run()
		close(shellDone)
	}()

	select {
	case <-ctx.Done():
	case <-shellDone:
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	dash.Stop(shutdownCtx)
	eng.Shutdown()

	return nil
}
