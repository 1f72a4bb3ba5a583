// Command warden supervises a set of long-running processes through their
// full INIT/UNMONITORED/STARTING/RUNNING/STOPPING/STOPPED/QUIT lifecycle. It
// loads a YAML configuration file, starts the supervisor (netlink process
// event source, epoll event loop, one state machine per watch), appends
// every accepted transition to a tamper-evident local audit log, optionally
// queues transitions for delivery to a remote collector, and shuts down
// gracefully on SIGTERM or SIGINT.
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/tripwire/warden/internal/audit"
	"github.com/tripwire/warden/internal/config"
	"github.com/tripwire/warden/internal/logging"
	"github.com/tripwire/warden/internal/report"
	"github.com/tripwire/warden/internal/statem"
	"github.com/tripwire/warden/internal/supervisor"
)

func main() {
	os.Exit(run(os.Args[1:]))
}

func run(args []string) int {
	fs := flag.NewFlagSet("warden", flag.ContinueOnError)

	syslogFlag := fs.Bool("syslog", false, "route logs through the system logger instead of stderr")
	fs.BoolVar(syslogFlag, "s", false, "shorthand for --syslog")

	quietFlag := fs.Bool("quiet", false, "restrict log output to errors only")
	fs.BoolVar(quietFlag, "q", false, "shorthand for --quiet")

	noColorFlag := fs.Bool("no-color", false, "disable coloured output (accepted for CLI-surface compatibility)")
	fs.BoolVar(noColorFlag, "C", false, "shorthand for --no-color")

	auditPath := fs.String("audit-path", "/var/lib/warden/audit.log", "path to the tamper-evident audit log")
	collectorAddr := fs.String("collector-addr", "", "base URL of a remote collector to report transitions to (optional)")
	collectorToken := fs.String("collector-token", "", "bearer token presented to --collector-addr")
	queuePath := fs.String("report-queue-path", "/var/lib/warden/report-queue.db", "path to the local SQLite report queue database")

	fs.Usage = func() {
		fmt.Fprintf(fs.Output(), "usage: warden [flags] <config-path>\n       warden audit verify <path>\n\nflags:\n")
		fs.PrintDefaults()
	}

	if len(args) > 0 && args[0] == "audit" {
		return runAuditSubcommand(args[1:])
	}

	if err := fs.Parse(args); err != nil {
		if err == flag.ErrHelp {
			return 0
		}
		return 2
	}

	if fs.NArg() != 1 {
		fs.Usage()
		return 2
	}
	configPath := fs.Arg(0)

	cfg, err := config.Load(configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "warden: %v\n", err)
		return 1
	}

	if *collectorAddr != "" {
		cfg.CollectorAddr = *collectorAddr
	}
	if *collectorToken != "" {
		cfg.CollectorToken = *collectorToken
	}

	logger := logging.New(logging.Options{
		Level:   cfg.LogLevel,
		Quiet:   *quietFlag,
		Syslog:  *syslogFlag,
		NoColor: *noColorFlag,
	})
	slog.SetDefault(logger)

	logger.Info("configuration loaded",
		slog.String("config_path", configPath),
		slog.Int("watches", len(cfg.Watches)),
		slog.String("log_level", cfg.LogLevel),
	)

	auditLogger, err := audit.Open(*auditPath)
	if err != nil {
		logger.Error("failed to open audit log", slog.String("path", *auditPath), slog.Any("error", err))
		return 1
	}
	defer auditLogger.Close()

	listeners := []statem.Listener{audit.ListenerFor(auditLogger, logger)}

	var reportQueue *report.Queue
	var reporter *report.Reporter
	if cfg.CollectorAddr != "" {
		reportQueue, err = report.Open(*queuePath)
		if err != nil {
			logger.Error("failed to open report queue", slog.String("path", *queuePath), slog.Any("error", err))
			return 1
		}
		defer reportQueue.Close()

		reporter = report.NewReporter(report.Config{
			CollectorAddr:  cfg.CollectorAddr,
			CollectorToken: cfg.CollectorToken,
		}, reportQueue, logger)

		listeners = append(listeners, report.ListenerFor(reportQueue, logger))

		logger.Info("remote reporting enabled",
			slog.String("collector_addr", cfg.CollectorAddr),
			slog.Int("queue_depth", reportQueue.Depth()),
		)
	}

	sv, err := supervisor.New(cfg, logger, listeners...)
	if err != nil {
		logger.Error("failed to initialize supervisor", slog.Any("error", err))
		return 1
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGTERM, syscall.SIGINT)
	go func() {
		sig := <-sigCh
		logger.Info("received shutdown signal", slog.String("signal", sig.String()))
		cancel()
	}()

	if reporter != nil {
		reporterCtx, reporterCancel := context.WithCancel(context.Background())
		defer reporterCancel()
		go reporter.Run(reporterCtx)
		defer reporter.Stop()
	}

	if err := sv.Run(ctx); err != nil {
		logger.Error("supervisor exited with error", slog.Any("error", err))
		return 1
	}

	logger.Info("warden exited cleanly")
	return 0
}

// runAuditSubcommand implements `warden audit verify <path>`: it replays the
// hash chain at path and reports either success or the first broken link.
func runAuditSubcommand(args []string) int {
	if len(args) != 2 || args[0] != "verify" {
		fmt.Fprintln(os.Stderr, "usage: warden audit verify <path>")
		return 2
	}

	entries, err := audit.Verify(args[1])
	if err != nil {
		fmt.Fprintf(os.Stderr, "warden: audit chain invalid: %v\n", err)
		return 1
	}

	fmt.Printf("warden: audit chain valid, %d entries\n", len(entries))
	return 0
}
