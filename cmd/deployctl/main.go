// Command deployctl packs a local directory tree and deploys it to a remote
// host over SSH, driven by a config.yml in the working directory.
package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	deploy "github.com/rs-cuongph/my-deploy-tool"
	deployhttp "github.com/rs-cuongph/my-deploy-tool/http"
	"github.com/rs-cuongph/my-deploy-tool/job"
)

var (
	configFile string
	verbose    bool
	doDelete   bool
	noDelete   bool

	rootCmd = &cobra.Command{
		Use:   "deployctl [local-path] [remote-path]",
		Short: "Deploy a local directory tree to a remote host over SSH",
		Long: `deployctl packs a local directory into an archive, uploads it over SSH
(optionally through a SOCKS5 or HTTP proxy), verifies its checksum and
unpacks it into the remote directory.

Paths given on the command line override paths.local and paths.remote from
the configuration file. When no --config is given, dev.config.yml is used
if present, otherwise config.yml.`,
		Args:          cobra.MaximumNArgs(2),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE:          run,
	}
)

func init() {
	rootCmd.Flags().StringVarP(&configFile, "config", "c", "", "path to the configuration file")
	rootCmd.Flags().BoolVarP(&verbose, "verbose", "v", false, "enable debug logging")
	rootCmd.Flags().BoolVar(&doDelete, "delete", false, "delete the remote directory before deploying")
	rootCmd.Flags().BoolVar(&noDelete, "no-delete", false, "keep the remote directory contents")
	rootCmd.MarkFlagsMutuallyExclusive("delete", "no-delete")
}

func run(cmd *cobra.Command, args []string) error {
	path, err := deploy.ResolveConfigFile(configFile)
	if err != nil {
		return err
	}
	conf, err := deploy.LoadConfig(path)
	if err != nil {
		return err
	}

	overrides := deploy.JobOverrides{}
	if len(args) > 0 {
		overrides.LocalRoot = args[0]
	}
	if len(args) > 1 {
		overrides.RemoteRoot = args[1]
	}
	switch {
	case doDelete:
		val := true
		overrides.Delete = &val
	case noDelete:
		val := false
		overrides.Delete = &val
	}

	syncJob, err := conf.Job(overrides)
	if err != nil {
		return err
	}

	logger, closeLog, err := newLogger(conf.Logging)
	if err != nil {
		return err
	}
	defer closeLog()

	ctx, cancel := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	s := job.NewSync(job.Config{Job: syncJob}, logger)
	listenProgress(s, logger)

	if conf.Status.Enabled {
		server, err := deployhttp.NewHTTP(ctx, deployhttp.Config{
			Host:                 conf.Status.Host,
			Port:                 conf.Status.Port,
			AuthenticationTokens: conf.Status.AuthTokens,
		}, s, logger)
		if err != nil {
			return err
		}
		go server.Serve()
		defer func() {
			_ = server.Shutdown(context.Background())
		}()
	}

	res := s.Run(ctx)
	if res.Status != job.StatusSuccess {
		return fmt.Errorf("deployment failed during %s: %w", res.FailedState, res.Err)
	}
	return nil
}

func newLogger(conf deploy.LoggingConfig) (*slog.Logger, func(), error) {
	level, err := deploy.ParseLogLevel(conf.Level)
	if err != nil {
		return nil, nil, err
	}
	if verbose {
		level = slog.LevelDebug
	}

	var out io.Writer = os.Stderr
	closeLog := func() {}
	if conf.File != "" {
		file, err := os.OpenFile(deploy.ExpandUser(conf.File), os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
		if err != nil {
			return nil, nil, fmt.Errorf("error opening log file: %w", err)
		}
		out = io.MultiWriter(os.Stderr, file)
		closeLog = func() {
			_ = file.Close()
		}
	}

	return slog.New(slog.NewTextHandler(out, &slog.HandlerOptions{
		Level: level,
	})), closeLog, nil
}

func listenProgress(s *job.Sync, logger *slog.Logger) {
	s.AddListener(job.StateChangedEvent, func(arguments ...interface{}) {
		logger.Info("deployctl: State changed", "state", arguments[0])
	})
	s.AddListener(job.UploadProgressEvent, func(arguments ...interface{}) {
		progress, ok := arguments[0].(job.Progress)
		if !ok {
			return
		}
		percent := float64(0)
		if progress.TotalBytes > 0 {
			percent = float64(progress.BytesSent) / float64(progress.TotalBytes) * 100
		}
		logger.Info("deployctl: Upload progress",
			"bytesSent", progress.BytesSent,
			"totalBytes", progress.TotalBytes,
			"percent", fmt.Sprintf("%.1f", percent),
			"elapsed", progress.Elapsed,
		)
	})
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err.Error())
		os.Exit(1)
	}
}
