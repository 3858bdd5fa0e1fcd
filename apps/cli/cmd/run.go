package cmd

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"

	"github.com/abdul-hamid-achik/specrun/packages/core/config"
	"github.com/abdul-hamid-achik/specrun/packages/core/event"
	"github.com/abdul-hamid-achik/specrun/packages/ipc"
	"github.com/abdul-hamid-achik/specrun/packages/loader"
	"github.com/abdul-hamid-achik/specrun/packages/logging"
	"github.com/abdul-hamid-achik/specrun/packages/metrics"
	"github.com/abdul-hamid-achik/specrun/packages/output"
	"github.com/abdul-hamid-achik/specrun/packages/pool"
	"github.com/spf13/cobra"
)

var runCmd = &cobra.Command{
	Use:   "run [file[:line,...]]...",
	Short: "Run test files",
	Long: `Run test files in a pool of workers.

Files are compiled suites registered with loader.Register or Go source
files defining func Tests(test *runner.Chain). Append :line numbers to
run only the tests declared on those lines.

Examples:
  specrun run math.go
  specrun run math.go:12,18 strings.go
  specrun run --concurrency 2 --fail-fast ./specs/a.go ./specs/b.go
  specrun run --worker-mode goroutine --share-workers specs/*.go
  specrun run --reporter junit --output-file report.xml specs/*.go`,
	RunE: runCommand,
}

var (
	configFlag          string
	concurrencyFlag     int
	failFastFlag        bool
	serialFlag          bool
	workerModeFlag      string
	shareWorkersFlag    bool
	timeoutFlag         string
	matchFlag           []string
	updateSnapshotsFlag bool
	snapshotDirFlag     string
	verboseFlag         bool
	noColorFlag         bool
	reporterFlag        string
	outputFileFlag      string
	logLevelFlag        string
	logFormatFlag       string

	// Metrics flags
	metricsFileFlag string
	metricsAddrFlag string
)

// flagEnv maps flags that override config file values to the environment
// variable providing their default.
var flagEnv = map[string]string{
	"concurrency":      "SPECRUN_CONCURRENCY",
	"fail-fast":        "SPECRUN_FAIL_FAST",
	"serial":           "SPECRUN_SERIAL",
	"worker-mode":      "SPECRUN_WORKER_MODE",
	"share-workers":    "SPECRUN_SHARE_WORKERS",
	"timeout":          "SPECRUN_TIMEOUT",
	"match":            "SPECRUN_MATCH",
	"update-snapshots": "SPECRUN_UPDATE_SNAPSHOTS",
	"snapshot-dir":     "SPECRUN_SNAPSHOT_DIR",
	"verbose":          "SPECRUN_VERBOSE",
	"no-color":         "SPECRUN_NO_COLOR",
	"reporter":         "SPECRUN_REPORTER",
	"log-level":        "SPECRUN_LOG_LEVEL",
	"log-format":       "SPECRUN_LOG_FORMAT",
}

func init() {
	defaults := config.DefaultConfig()

	runCmd.Flags().StringVarP(&configFlag, "config", "c", getEnvString("SPECRUN_CONFIG", ""), "Path to config file (env: SPECRUN_CONFIG)")

	// Execution flags
	runCmd.Flags().IntVarP(&concurrencyFlag, "concurrency", "j", getEnvInt("SPECRUN_CONCURRENCY", defaults.Concurrency), "Maximum number of files running at once (env: SPECRUN_CONCURRENCY)")
	runCmd.Flags().BoolVar(&failFastFlag, "fail-fast", getEnvBool("SPECRUN_FAIL_FAST", false), "Stop after the first failure (env: SPECRUN_FAIL_FAST)")
	runCmd.Flags().BoolVarP(&serialFlag, "serial", "s", getEnvBool("SPECRUN_SERIAL", false), "Run the tests of each file one at a time (env: SPECRUN_SERIAL)")
	runCmd.Flags().StringVar(&workerModeFlag, "worker-mode", getEnvString("SPECRUN_WORKER_MODE", defaults.WorkerMode), "Worker isolation: process, goroutine or inline (env: SPECRUN_WORKER_MODE)")
	runCmd.Flags().BoolVar(&shareWorkersFlag, "share-workers", getEnvBool("SPECRUN_SHARE_WORKERS", false), "Reuse idle workers for later files (env: SPECRUN_SHARE_WORKERS)")
	runCmd.Flags().StringVar(&timeoutFlag, "timeout", getEnvString("SPECRUN_TIMEOUT", defaults.Timeout), "Stop the run after this long without progress, 0 disables (env: SPECRUN_TIMEOUT)")
	runCmd.Flags().StringSliceVarP(&matchFlag, "match", "m", getEnvList("SPECRUN_MATCH"), "Run only tests whose title matches a pattern; * is a wildcard and ! negates (env: SPECRUN_MATCH)")

	// Snapshot flags
	runCmd.Flags().BoolVarP(&updateSnapshotsFlag, "update-snapshots", "u", getEnvBool("SPECRUN_UPDATE_SNAPSHOTS", false), "Rewrite snapshots instead of comparing (env: SPECRUN_UPDATE_SNAPSHOTS)")
	runCmd.Flags().StringVar(&snapshotDirFlag, "snapshot-dir", getEnvString("SPECRUN_SNAPSHOT_DIR", ""), "Directory for snapshot files, default next to each test file (env: SPECRUN_SNAPSHOT_DIR)")

	// Output flags
	runCmd.Flags().BoolVarP(&verboseFlag, "verbose", "v", getEnvBool("SPECRUN_VERBOSE", false), "Show hooks, logs and stacks (env: SPECRUN_VERBOSE)")
	runCmd.Flags().BoolVar(&noColorFlag, "no-color", getEnvBool("SPECRUN_NO_COLOR", false), "Disable colored output (env: SPECRUN_NO_COLOR)")
	runCmd.Flags().StringVarP(&reporterFlag, "reporter", "r", getEnvString("SPECRUN_REPORTER", defaults.Reporter), "Reporter: "+strings.Join(output.Names, ", ")+" (env: SPECRUN_REPORTER)")
	runCmd.Flags().StringVarP(&outputFileFlag, "output-file", "o", getEnvString("SPECRUN_OUTPUT_FILE", ""), "Write the report to a file (default: stdout) (env: SPECRUN_OUTPUT_FILE)")
	runCmd.Flags().StringVar(&logLevelFlag, "log-level", getEnvString("SPECRUN_LOG_LEVEL", defaults.LogLevel), "Log level: debug, info, warn, error (env: SPECRUN_LOG_LEVEL)")
	runCmd.Flags().StringVar(&logFormatFlag, "log-format", getEnvString("SPECRUN_LOG_FORMAT", defaults.LogFormat), "Log format: text or json (env: SPECRUN_LOG_FORMAT)")

	// Metrics flags
	runCmd.Flags().StringVar(&metricsFileFlag, "metrics-file", getEnvString("SPECRUN_METRICS_FILE", ""), "Write pool metrics in Prometheus text format when the run ends (env: SPECRUN_METRICS_FILE)")
	runCmd.Flags().StringVar(&metricsAddrFlag, "metrics-addr", getEnvString("SPECRUN_METRICS_ADDR", ""), "Serve pool metrics on this address during the run, e.g. :9090 (env: SPECRUN_METRICS_ADDR)")
}

// Environment variable helpers
func getEnvString(key, defaultVal string) string {
	if val := os.Getenv(key); val != "" {
		return val
	}
	return defaultVal
}

func getEnvBool(key string, defaultVal bool) bool {
	if val := os.Getenv(key); val != "" {
		return val == "true" || val == "1" || val == "yes"
	}
	return defaultVal
}

func getEnvInt(key string, defaultVal int) int {
	if val := os.Getenv(key); val != "" {
		if i, err := strconv.Atoi(val); err == nil {
			return i
		}
	}
	return defaultVal
}

func getEnvList(key string) []string {
	val := os.Getenv(key)
	if val == "" {
		return nil
	}
	var out []string
	for _, s := range strings.Split(val, ",") {
		if s = strings.TrimSpace(s); s != "" {
			out = append(out, s)
		}
	}
	return out
}

// overridden reports whether a flag was given on the command line or
// through its environment variable.
func overridden(cmd *cobra.Command, name string) bool {
	if cmd.Flags().Changed(name) {
		return true
	}
	env, ok := flagEnv[name]
	return ok && os.Getenv(env) != ""
}

// flagConfig collects the flags that override the config file.
func flagConfig(cmd *cobra.Command) *config.Config {
	c := &config.Config{}
	if overridden(cmd, "concurrency") {
		c.Concurrency = concurrencyFlag
	}
	if overridden(cmd, "fail-fast") {
		c.FailFast = config.BoolPtr(failFastFlag)
	}
	if overridden(cmd, "serial") {
		c.Serial = config.BoolPtr(serialFlag)
	}
	if overridden(cmd, "worker-mode") {
		c.WorkerMode = workerModeFlag
	}
	if overridden(cmd, "share-workers") {
		c.ShareWorkers = config.BoolPtr(shareWorkersFlag)
	}
	if overridden(cmd, "timeout") {
		c.Timeout = timeoutFlag
	}
	if overridden(cmd, "match") {
		c.Match = matchFlag
	}
	if overridden(cmd, "update-snapshots") {
		c.UpdateSnapshots = config.BoolPtr(updateSnapshotsFlag)
	}
	if overridden(cmd, "snapshot-dir") {
		c.SnapshotDir = snapshotDirFlag
	}
	if overridden(cmd, "verbose") {
		c.Verbose = config.BoolPtr(verboseFlag)
	}
	if overridden(cmd, "no-color") {
		c.NoColor = config.BoolPtr(noColorFlag)
	}
	if overridden(cmd, "reporter") {
		c.Reporter = reporterFlag
	}
	if overridden(cmd, "log-level") {
		c.LogLevel = logLevelFlag
	}
	if overridden(cmd, "log-format") {
		c.LogFormat = logFormatFlag
	}
	return c
}

// loadRunConfig merges the config file with command line overrides.
func loadRunConfig(cmd *cobra.Command) (*config.Config, error) {
	fileConfig, err := config.LoadConfig(configFlag)
	if err != nil {
		return nil, err
	}
	cfg := fileConfig.Merge(flagConfig(cmd))
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// strategyFor maps the configured worker mode onto a pool strategy and
// launcher.
func strategyFor(cfg *config.Config, l loader.Loader, env []string) (pool.Mode, pool.Launcher) {
	mode := pool.PerFile
	if cfg.GetShareWorkers() {
		mode = pool.Shared
	}

	switch cfg.WorkerMode {
	case config.WorkerInline:
		return pool.SingleProcess, nil
	case config.WorkerGoroutine:
		return mode, pool.GoroutineLauncher{Loader: l, Logger: logging.New("worker")}
	default:
		return mode, pool.ProcessLauncher{Env: env, Stdout: os.Stderr, Stderr: os.Stderr}
	}
}

func runCommand(cmd *cobra.Command, args []string) error {
	cfg, err := loadRunConfig(cmd)
	if err != nil {
		return exitWith(ExitConfigError, err)
	}

	logging.Init(logging.ParseLevel(cfg.LogLevel), cfg.LogFormat)
	log := logging.New("cli")

	if len(args) == 0 {
		args = cfg.Files
	}
	files, err := collectFiles(args)
	if err != nil {
		return exitWith(ExitUsageError, err)
	}
	if len(files) == 0 {
		return exitWith(ExitNoFiles, errors.New("no test files given"))
	}

	// Setup output writer
	var out io.Writer = cmd.OutOrStdout()
	if outputFileFlag != "" {
		f, err := os.Create(outputFileFlag)
		if err != nil {
			return exitWith(ExitUsageError, fmt.Errorf("cannot create output file: %w", err))
		}
		defer f.Close()
		out = f
	}

	reporter, err := output.New(cfg.Reporter, out, output.Options{
		Verbose: cfg.GetVerbose(),
		NoColor: cfg.GetNoColor(),
	})
	if err != nil {
		return exitWith(ExitConfigError, err)
	}
	reporter.Header(version)

	auto, err := loader.NewAuto()
	if err != nil {
		return err
	}

	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}
	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	poolMetrics := metrics.New()
	if metricsAddrFlag != "" {
		go func() {
			if err := poolMetrics.Serve(ctx, metricsAddrFlag); err != nil {
				log.Warn("metrics endpoint stopped", "addr", metricsAddrFlag, "error", err)
			}
		}()
	}

	projectDir, _ := os.Getwd()
	workerOptions := ipc.Options{
		ProjectDir:      projectDir,
		FailFast:        cfg.GetFailFast(),
		Serial:          cfg.GetSerial(),
		Match:           cfg.Match,
		UpdateSnapshots: cfg.GetUpdateSnapshots(),
		SnapshotDir:     cfg.SnapshotDir,
		LogLevel:        cfg.LogLevel,
		LogFormat:       cfg.LogFormat,
	}
	strategy, launcher := strategyFor(cfg, auto, []string{
		"SPECRUN_LOG_LEVEL=" + cfg.LogLevel,
		"SPECRUN_LOG_FORMAT=" + cfg.LogFormat,
	})

	collector := output.NewCollector()
	p, err := pool.New(pool.Config{
		Concurrency:   cfg.Concurrency,
		WorkerOptions: workerOptions,
		Strategy:      strategy,
		Launcher:      launcher,
		Loader:        auto,
		Timeout:       cfg.GetTimeout(),
		Metrics:       poolMetrics,
		OnStateChange: func(sc event.StateChange) {
			collector.StateChange(sc)
			reporter.StateChange(sc)
		},
	})
	if err != nil {
		return exitWith(ExitConfigError, err)
	}

	log.Debug("starting run",
		"files", len(files),
		"concurrency", p.Concurrency(),
		"strategy", strategy,
		"workerMode", cfg.WorkerMode,
	)
	runErr := p.Run(ctx, files)

	summary := collector.Summary()
	if err := reporter.Finish(summary); err != nil {
		return fmt.Errorf("error writing output: %w", err)
	}

	if metricsFileFlag != "" {
		if err := poolMetrics.WriteFile(metricsFileFlag); err != nil {
			log.Warn("failed to write metrics", "file", metricsFileFlag, "error", err)
		}
	}

	switch {
	case runErr != nil:
		log.Info("run interrupted", "error", runErr, "files", paths(files))
		return exitWith(ExitInterrupted, nil)
	case !summary.OK():
		return exitWith(ExitTestFailure, nil)
	}
	return nil
}
