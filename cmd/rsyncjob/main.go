package main

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"runtime/debug"
	"time"

	"github.com/CZERTAINLY/rsyncjob/internal/log"
	"github.com/CZERTAINLY/rsyncjob/internal/model"
	"github.com/CZERTAINLY/rsyncjob/internal/rsync"
	"github.com/CZERTAINLY/rsyncjob/internal/service"

	"github.com/adrg/xdg"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"
)

const configName = "rsyncjob.yaml"

var (
	configPath string // actual config file used
	config     model.Config

	flagConfigFilePath string // value of --config flag
	flagVerbose        bool   // value of --verbose flag

	// sync command flags
	flagRecursive    bool
	flagRsyncVerbose bool
	flagProgress     bool
	flagTool         string
	flagTimeout      time.Duration
)

// exitCodeError carries the exit status of rsync to the exit status of
// this program
type exitCodeError struct {
	code int
}

func (e exitCodeError) Error() string {
	return fmt.Sprintf("rsync exited with status %d", e.code)
}

func main() {
	rootCmd := newRootCmd(os.Stdout)
	if err := rootCmd.Execute(); err != nil {
		var exitErr exitCodeError
		if errors.As(err, &exitErr) {
			os.Exit(exitErr.code)
		}
		slog.Error("rsyncjob failed", "err", err)
		os.Exit(1)
	}
}

func newRootCmd(out io.Writer) *cobra.Command {
	rootCmd := &cobra.Command{
		Use:          "rsyncjob",
		Short:        "Runs rsync jobs and streams their output",
		SilenceUsage: true,
		// never print messages
		SilenceErrors: true,
		// parse or create a config, setup logging
		PersistentPreRunE: initRsyncJob,
	}
	rootCmd.SetOut(out)
	rootCmd.PersistentFlags().StringVar(&flagConfigFilePath, "config", "", "Config file to load - default is "+configName+" in current directory or in "+filepath.Join(xdg.ConfigHome, "rsyncjob"))
	rootCmd.PersistentFlags().BoolVar(&flagVerbose, "verbose", false, "verbose logging")

	syncCmd := &cobra.Command{
		Use:   "sync <source> <target>",
		Short: "sync runs a single rsync job and prints its output",
		Args:  cobra.ExactArgs(2),
		RunE:  doSync,
	}
	syncCmd.Flags().BoolVarP(&flagRecursive, "recursive", "r", true, "pass -r to rsync")
	syncCmd.Flags().BoolVar(&flagRsyncVerbose, "verbose-rsync", true, "pass -v to rsync")
	syncCmd.Flags().BoolVar(&flagProgress, "progress", false, "pass --info=progress2 to rsync")
	syncCmd.Flags().StringVar(&flagTool, "tool", "", "rsync binary, overrides rsync.binary of the config")
	syncCmd.Flags().DurationVar(&flagTimeout, "timeout", 0, "stop waiting for rsync after this long and kill it, 0 waits forever")

	runCmd := &cobra.Command{
		Use:   "run",
		Short: "run executes the jobs of the configuration",
		RunE:  doRun,
	}

	versionCmd := &cobra.Command{
		Use:   "version",
		Short: "version provide version of a rsyncjob",
		Run:   doVersion,
	}

	rootCmd.AddCommand(syncCmd, runCmd, versionCmd)
	return rootCmd
}

func doVersion(cmd *cobra.Command, _ []string) {
	out := cmd.OutOrStdout()
	info, ok := debug.ReadBuildInfo()
	if !ok {
		_, _ = fmt.Fprintln(out, "rsyncjob: version info not available")
		return
	}

	if configPath != "" {
		_, _ = fmt.Fprintf(out, "config:   %s\n", configPath)
	}
	_, _ = fmt.Fprintf(out, "rsyncjob: %s\n", info.Main.Version)
	_, _ = fmt.Fprintf(out, "go:       %s\n", info.GoVersion)
	for _, s := range info.Settings {
		switch s.Key {
		case "vcs.revision":
			_, _ = fmt.Fprintf(out, "commit:   %s\n", s.Value)
		case "vcs.time":
			_, _ = fmt.Fprintf(out, "date:     %s\n", s.Value)
		case "vcs.modified":
			_, _ = fmt.Fprintf(out, "dirty:    %s\n", s.Value)
		}
	}
}

func doSync(cmd *cobra.Command, args []string) error {
	ctx := log.ContextAttrs(cmd.Context(),
		slog.Group("rsyncjob",
			slog.String("cmd", "sync"),
			slog.Int("pid", os.Getpid()),
		),
	)

	binary := config.Rsync.Binary
	if flagTool != "" {
		binary = flagTool
	}
	if flagProgress {
		if err := rsync.CheckVersion(ctx, binary, rsync.ProgressConstraint); err != nil {
			return err
		}
	}

	job := rsync.NewJob(args[0], args[1],
		rsync.Options{
			Recursive: flagRecursive,
			Verbose:   flagRsyncVerbose,
			Progress:  flagProgress,
		},
		rsync.WithBinary(binary),
		rsync.WithPollInterval(config.Rsync.PollIntervalDuration()),
		rsync.WithFlushTimeout(config.Rsync.FlushTimeoutDuration()),
	)
	runner := service.NewRunner(job)
	if err := runner.Start(ctx); err != nil {
		return err
	}
	printed := make(chan struct{})
	go func() {
		defer close(printed)
		service.NewPrinter(cmd.OutOrStdout()).Consume(ctx, "", runner)
	}()

	if err := runner.Wait(ctx, flagTimeout); err != nil {
		slog.ErrorContext(ctx, "waiting for rsync: killing it", "error", err)
		_ = runner.Cancel()
		<-runner.Done()
		<-printed
		return err
	}
	<-printed

	if code := runner.Result(); code != 0 {
		return exitCodeError{code: code}
	}
	return nil
}

func doRun(cmd *cobra.Command, _ []string) error {
	ctx := log.ContextAttrs(cmd.Context(),
		slog.Group("rsyncjob",
			slog.String("cmd", "run"),
			slog.Int("pid", os.Getpid()),
		),
	)

	supervisor, err := service.NewSupervisor(ctx, config, cmd.OutOrStdout())
	if err != nil {
		return err
	}
	return supervisor.Do(ctx)
}

func initRsyncJob(_ *cobra.Command, _ []string) error {
	if flagConfigFilePath != "" {
		configPath = flagConfigFilePath
	} else if envConfig, ok := os.LookupEnv("RSYNCJOBCONFIG"); ok && envConfig != "" {
		configPath = envConfig
	} else if exists(configName) {
		configPath = configName
	} else if path, err := xdg.SearchConfigFile(filepath.Join("rsyncjob", configName)); err == nil {
		configPath = path
	}

	if configPath == "" {
		var err error
		config = model.DefaultConfig()
		configPath, err = storeDefault(config)
		if err != nil {
			return err
		}
		slog.Debug("default configuration stored", "configPath", configPath)
	} else {
		f, err := os.Open(configPath)
		if err != nil {
			return fmt.Errorf("opening config file: %w", err)
		}
		defer func() {
			_ = f.Close()
		}()
		config, err = model.LoadConfig(f)
		if err != nil {
			for _, d := range model.CueErrDetails(err) {
				slog.Error("invalid configuration", d.Attr("detail"))
			}
			return fmt.Errorf("parsing config: %w", err)
		}
	}

	// --verbose has a precedence over config file
	if flagVerbose {
		config.Service.Verbose = true
	}
	slog.SetDefault(log.New(os.Stderr, config.Service.Verbose))

	slog.Debug("rsyncjob run", "configPath", configPath)
	slog.Debug("rsyncjob run", "config", config)
	return nil
}

func storeDefault(cfg model.Config) (string, error) {
	path, err := xdg.ConfigFile(filepath.Join("rsyncjob", configName))
	if err != nil {
		return "", fmt.Errorf("locating config directory: %w", err)
	}

	f, err := os.Create(path)
	if err != nil {
		return "", fmt.Errorf("creating file %s: %w", path, err)
	}
	defer func() {
		_ = f.Close()
	}()
	enc := yaml.NewEncoder(f)
	enc.SetIndent(2)
	if err := enc.Encode(cfg); err != nil {
		return "", fmt.Errorf("storing configuration: %w", err)
	}
	if err := enc.Close(); err != nil {
		return "", fmt.Errorf("storing configuration: %w", err)
	}
	return path, nil
}

func exists(path string) bool {
	info, err := os.Stat(path)
	return err == nil && info.Mode().IsRegular()
}
