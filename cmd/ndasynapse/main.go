package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/bsmn/ndasynapse/internal/config"
	"github.com/bsmn/ndasynapse/internal/version"
)

var (
	cfgFile string
	verbose bool
	debug   bool
	cfg     *config.Config
	logger  *logrus.Logger
)

func init() {
	logger = logrus.New()
	logger.SetFormatter(&logrus.TextFormatter{
		FullTimestamp: true,
	})
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := rootCmd.ExecuteContext(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		stop()
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   version.Name,
	Short: version.Description,
	Long: `ndasynapse mirrors data submitted to the NIMH Data Archive (NDA) into Synapse.

It reads submission manifests and data structure tables from NDA-hosted S3,
builds a Synapse manifest that annotates every file with its NDA metadata and
either writes that manifest to disk or registers the files in Synapse as
external file entities.`,
	Version:       version.Version,
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		var err error
		cfg, err = config.Load(cfgFile)
		if err != nil {
			return err
		}
		return configureLogger(logger, cfg.Logging)
	},
}

// configureLogger applies the logging section, then lets --verbose and
// --debug raise the level
func configureLogger(l *logrus.Logger, lc config.LoggingConfig) error {
	level, err := logrus.ParseLevel(lc.Level)
	if err != nil {
		return err
	}

	switch {
	case debug:
		level = logrus.DebugLevel
	case verbose && level < logrus.InfoLevel:
		level = logrus.InfoLevel
	}
	l.SetLevel(level)

	if strings.EqualFold(lc.Format, "json") {
		l.SetFormatter(&logrus.JSONFormatter{})
	}

	var out io.Writer
	switch lc.Output {
	case "stdout":
		out = os.Stdout
	case "stderr", "":
		out = os.Stderr
	default:
		f, err := os.OpenFile(lc.Output, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
		if err != nil {
			return fmt.Errorf("failed to open log file: %w", err)
		}
		out = f
	}
	l.SetOutput(out)
	return nil
}

func init() {
	// Global flags
	rootCmd.PersistentFlags().StringVarP(&cfgFile, "config", "c", "", "config file path (default searches /etc/ndasynapse, ./configs and .)")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "enable verbose output")
	rootCmd.PersistentFlags().BoolVar(&debug, "debug", false, "enable debug output")

	rootCmd.AddCommand(versionCmd)
	rootCmd.AddCommand(tokenCmd)
	rootCmd.AddCommand(submissionsCmd)
	rootCmd.AddCommand(filesCmd)
	rootCmd.AddCommand(manifestCmd)
	rootCmd.AddCommand(syncCmd)
	rootCmd.AddCommand(runsCmd)
	rootCmd.AddCommand(checkCmd)

	submissionsCmd.Flags().String("collection", "", "NDA collection ID")
	_ = submissionsCmd.MarkFlagRequired("collection")

	filesCmd.Flags().String("type", "", "only list files of this type, e.g. \"Submission Manifest\"")
	filesCmd.Flags().Bool("stat", false, "look up each file's S3 object size and ETag")

	for _, c := range []*cobra.Command{manifestCmd, syncCmd} {
		c.Flags().String("collection", "", "NDA collection ID")
		c.Flags().StringSlice("submission", nil, "NDA submission ID (repeatable)")
		c.Flags().String("parent", "", "Synapse ID of the parent folder or project (default synapse.parent_id)")
		c.Flags().Int("concurrency", 0, "parallel NDA and Synapse requests (default sync.concurrency)")
	}
	manifestCmd.Flags().StringP("output", "o", "-", "manifest file path, - for stdout")
	syncCmd.Flags().Bool("dry-run", false, "log what would be stored without calling Synapse")

	runsCmd.Flags().Int("limit", 10, "number of runs to show, 0 for all")

	checkCmd.Flags().Bool("synapse", false, "verify the Synapse token by fetching the user profile")
}
