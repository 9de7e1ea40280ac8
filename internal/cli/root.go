package cli

import (
	"context"
	"fmt"
	"io"
	"os"
	"strconv"

	"github.com/fmueller/voxworker/internal/config"
	"github.com/fmueller/voxworker/internal/host"
	"github.com/fmueller/voxworker/internal/logging"
	"github.com/fmueller/voxworker/internal/platform"
	"github.com/fmueller/voxworker/internal/protocol"
	"github.com/fmueller/voxworker/internal/version"
	"github.com/fmueller/voxworker/internal/worker"
	"go.uber.org/zap"

	"github.com/spf13/cobra"
)

type appState struct {
	verbose    bool
	jsonLogs   bool
	noProgress bool
	configPath string
	flags      config.Config

	logger *zap.Logger
	stderr io.Writer

	lookup            func(string) (string, bool)
	defaultConfigPath string

	loadFn        func(ctx context.Context, cfg config.Config) (worker.Engine, error)
	startWorkerFn func(ctx context.Context, opts host.Options) (*host.Client, error)
	executableFn  func() (string, error)
}

func newAppState() *appState {
	app := &appState{
		flags:             config.Defaults(),
		lookup:            os.LookupEnv,
		defaultConfigPath: platform.ResolveConfigFile(),
		startWorkerFn:     host.Start,
		executableFn:      os.Executable,
	}
	app.loadFn = app.loadEngine
	return app
}

func NewRootCmd() *cobra.Command {
	return newRootCmd(newAppState())
}

func newRootCmd(app *appState) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "voxworker",
		Short: "Speech-to-text worker speaking a framed JSON protocol on stdin/stdout",
		Long: "voxworker loads a whisper model once, writes a ready frame and then answers\n" +
			"transcribe requests read from stdin until it receives shutdown or stdin closes.\n" +
			"Each frame is a 4-byte big-endian length followed by a UTF-8 JSON object.",
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		Version:       version.Resolve(),
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			app.stderr = cmd.ErrOrStderr()
			logger, err := logging.New(logging.Options{Verbose: app.verbose, JSON: app.jsonLogs, Output: app.stderr})
			if err != nil {
				return fmt.Errorf("initialize logger: %w", err)
			}
			app.logger = logger
			return nil
		},
		RunE: func(cmd *cobra.Command, _ []string) error {
			return app.runWorker(cmd)
		},
	}

	cmd.SetVersionTemplate("{{.Name}} v{{.Version}}\n")

	bindLoggingFlags(cmd, app)
	bindProgressFlag(cmd, app)
	bindConfigFlag(cmd, app)
	bindModelFlags(cmd, app)
	bindEngineFlags(cmd, app)
	bindModelDownloadFlag(cmd, app)
	bindSilenceFlags(cmd, app)

	cmd.AddCommand(newTranscribeCmd(app))
	cmd.AddCommand(newSetupCmd(app))
	cmd.AddCommand(newVersionCmd())

	return cmd
}

func bindLoggingFlags(cmd *cobra.Command, app *appState) {
	cmd.Flags().BoolVar(&app.verbose, "verbose", app.verbose, "Enable verbose logs")
	cmd.Flags().BoolVar(&app.jsonLogs, "json", app.jsonLogs, "Enable JSON logging")
}

func bindProgressFlag(cmd *cobra.Command, app *appState) {
	cmd.Flags().BoolVar(&app.noProgress, "no-progress", app.noProgress, "Disable progress indicators")
}

func bindConfigFlag(cmd *cobra.Command, app *appState) {
	cmd.Flags().StringVar(&app.configPath, "config", app.configPath, "YAML config file (default $XDG_CONFIG_HOME/voxworker/config.yaml)")
}

func bindModelFlags(cmd *cobra.Command, app *appState) {
	cmd.Flags().StringVar(&app.flags.Model, "model", app.flags.Model, "Model file path or model name")
	cmd.Flags().StringVar(&app.flags.ModelDir, "model-dir", app.flags.ModelDir, "Directory where named models are stored")
}

func bindEngineFlags(cmd *cobra.Command, app *appState) {
	cmd.Flags().StringVar(&app.flags.Device, "device", app.flags.Device, "Inference device (cpu)")
	cmd.Flags().StringVar(&app.flags.Language, "language", app.flags.Language, "Language code (auto|en|de|...) for transcription")
	cmd.Flags().IntVar(&app.flags.Threads, "threads", app.flags.Threads, "Inference threads; 0 lets the engine decide")
}

func bindModelDownloadFlag(cmd *cobra.Command, app *appState) {
	cmd.Flags().BoolVar(&app.flags.AutoDownload, "auto-download", app.flags.AutoDownload, "Automatically download missing named models")
}

func bindSilenceFlags(cmd *cobra.Command, app *appState) {
	cmd.Flags().BoolVar(&app.flags.SilenceGate, "silence-gate", app.flags.SilenceGate, "Answer near-silent audio with [BLANK_AUDIO] without running inference")
	cmd.Flags().Float64Var(&app.flags.SilenceThresholdDBFS, "silence-threshold-dbfs", app.flags.SilenceThresholdDBFS, "Silence gate threshold in dBFS")
}

// runWorker serves the protocol on the command's stdin and stdout. A
// configuration problem is reported to the host as a fatal frame, the same
// way a failed model load is.
func (a *appState) runWorker(cmd *cobra.Command) error {
	conn := protocol.NewConn(cmd.InOrStdin(), cmd.OutOrStdout())

	cfg, err := a.resolveConfig(cmd)
	if err == nil {
		err = cfg.Validate()
	}
	if err != nil {
		a.log().Error("invalid worker configuration", zap.Error(err))
		if writeErr := conn.WriteReply(protocol.FatalReply{Message: err.Error()}); writeErr != nil {
			a.log().Warn("failed to report fatal error to host", zap.Error(writeErr))
		}
		return err
	}

	a.log().Info("starting worker",
		zap.String("version", version.Resolve()),
		zap.String("model", cfg.Model),
		zap.String("device", cfg.Device),
		zap.String("language", cfg.Language),
	)

	loadFn := a.loadFn
	if loadFn == nil {
		loadFn = a.loadEngine
	}

	ctrl := worker.New(conn, func(ctx context.Context) (worker.Engine, error) {
		return loadFn(ctx, cfg)
	}, worker.Options{
		Logger:               a.log(),
		SilenceGate:          cfg.SilenceGate,
		SilenceThresholdDBFS: cfg.SilenceThresholdDBFS,
	})
	return ctrl.Run(cmd.Context())
}

// resolveConfig layers explicitly set flags over file and environment
// values. The result is not validated.
func (a *appState) resolveConfig(cmd *cobra.Command) (config.Config, error) {
	lookup := a.lookup
	if lookup == nil {
		lookup = os.LookupEnv
	}

	cfg, err := config.Loader{Lookup: lookup, DefaultPath: a.defaultConfigPath}.Load(a.configPath)
	if err != nil {
		return config.Config{}, err
	}

	flags := cmd.Flags()
	if flags.Changed("model") {
		cfg.Model = a.flags.Model
	}
	if flags.Changed("model-dir") {
		cfg.ModelDir = a.flags.ModelDir
	}
	if flags.Changed("device") {
		cfg.Device = a.flags.Device
	}
	if flags.Changed("language") {
		cfg.Language = a.flags.Language
	}
	if flags.Changed("threads") {
		cfg.Threads = a.flags.Threads
	}
	if flags.Changed("auto-download") {
		cfg.AutoDownload = a.flags.AutoDownload
	}
	if flags.Changed("silence-gate") {
		cfg.SilenceGate = a.flags.SilenceGate
	}
	if flags.Changed("silence-threshold-dbfs") {
		cfg.SilenceThresholdDBFS = a.flags.SilenceThresholdDBFS
	}
	return cfg, nil
}

// workerArgs renders a resolved config as flags for a child worker.
func (a *appState) workerArgs(cfg config.Config) []string {
	args := []string{
		"--model=" + cfg.Model,
		"--device=" + cfg.Device,
		"--language=" + cfg.Language,
		"--threads=" + strconv.Itoa(cfg.Threads),
		"--auto-download=" + strconv.FormatBool(cfg.AutoDownload),
		"--silence-gate=" + strconv.FormatBool(cfg.SilenceGate),
		"--silence-threshold-dbfs=" + strconv.FormatFloat(cfg.SilenceThresholdDBFS, 'g', -1, 64),
		"--no-progress",
	}
	if cfg.ModelDir != "" {
		args = append(args, "--model-dir="+cfg.ModelDir)
	}
	if a.verbose {
		args = append(args, "--verbose")
	}
	if a.jsonLogs {
		args = append(args, "--json")
	}
	return args
}

func (a *appState) log() *zap.Logger {
	if a.logger == nil {
		return zap.NewNop()
	}
	return a.logger
}

func (a *appState) errWriter() io.Writer {
	if a.stderr == nil {
		return os.Stderr
	}
	return a.stderr
}

func (a *appState) progressEnabled() bool {
	if a.noProgress {
		return false
	}
	return isTerminal(a.errWriter())
}
