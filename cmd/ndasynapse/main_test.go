package main

import (
	"bytes"
	"context"
	"path/filepath"
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bsmn/ndasynapse/internal/config"
)

func TestConfigureLogger(t *testing.T) {
	defer func() { verbose, debug = false, false }()

	tests := []struct {
		name    string
		level   string
		verbose bool
		debug   bool
		want    logrus.Level
	}{
		{"config level", "warn", false, false, logrus.WarnLevel},
		{"verbose raises warn", "warn", true, false, logrus.InfoLevel},
		{"verbose keeps debug", "debug", true, false, logrus.DebugLevel},
		{"debug wins", "error", true, true, logrus.DebugLevel},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			verbose, debug = tt.verbose, tt.debug
			l := logrus.New()
			require.NoError(t, configureLogger(l, config.LoggingConfig{Level: tt.level, Format: "text", Output: "stderr"}))
			assert.Equal(t, tt.want, l.GetLevel())
		})
	}

	t.Run("json to file", func(t *testing.T) {
		verbose, debug = false, false
		l := logrus.New()
		path := filepath.Join(t.TempDir(), "sync.log")
		require.NoError(t, configureLogger(l, config.LoggingConfig{Level: "info", Format: "json", Output: path}))
		assert.IsType(t, &logrus.JSONFormatter{}, l.Formatter)
		assert.FileExists(t, path)
	})

	t.Run("bad level", func(t *testing.T) {
		assert.Error(t, configureLogger(logrus.New(), config.LoggingConfig{Level: "loud"}))
	})
}

func newSelectionCmd(t *testing.T, args ...string) *cobra.Command {
	t.Helper()
	c := &cobra.Command{Use: "test"}
	c.Flags().String("collection", "", "")
	c.Flags().StringSlice("submission", nil, "")
	c.Flags().String("parent", "", "")
	require.NoError(t, c.Flags().Parse(args))
	return c
}

func TestSelection(t *testing.T) {
	cfg = config.DefaultConfig()
	defer func() { cfg = nil }()

	t.Run("nothing selected", func(t *testing.T) {
		_, err := selection(newSelectionCmd(t, "--parent", "syn1"))
		assert.Error(t, err)
	})

	t.Run("missing parent", func(t *testing.T) {
		_, err := selection(newSelectionCmd(t, "--collection", "2458"))
		assert.ErrorContains(t, err, "synapse.parent_id")
	})

	t.Run("parent from config", func(t *testing.T) {
		cfg.Synapse.ParentID = "syn77"
		defer func() { cfg.Synapse.ParentID = "" }()

		sel, err := selection(newSelectionCmd(t, "--submission", "1", "--submission", "2"))
		require.NoError(t, err)
		assert.Equal(t, []string{"1", "2"}, sel.SubmissionIDs)
		assert.Equal(t, "syn77", sel.Parent)
	})

	t.Run("flag parent wins", func(t *testing.T) {
		cfg.Synapse.ParentID = "syn77"
		defer func() { cfg.Synapse.ParentID = "" }()

		sel, err := selection(newSelectionCmd(t, "--collection", "2458", "--parent", "syn1"))
		require.NoError(t, err)
		assert.Equal(t, "2458", sel.CollectionID)
		assert.Equal(t, "syn1", sel.Parent)
	})
}

func TestVersionCommand(t *testing.T) {
	var out bytes.Buffer
	rootCmd.SetOut(&out)
	rootCmd.SetArgs([]string{"version"})
	defer rootCmd.SetArgs(nil)

	require.NoError(t, rootCmd.Execute())
	assert.Contains(t, out.String(), "ndasynapse 0.1")
	assert.Contains(t, out.String(), "NDA to Synapse sync")
}

func TestRunsCommand(t *testing.T) {
	cfg = config.DefaultConfig()
	defer func() { cfg = nil }()

	t.Run("state tracking disabled", func(t *testing.T) {
		cfg.Sync.StateDB = ""
		err := runsCmd.RunE(runsCmd, nil)
		require.Error(t, err)
		assert.Contains(t, err.Error(), "sync.state_db")
	})

	t.Run("empty history", func(t *testing.T) {
		cfg.Sync.StateDB = filepath.Join(t.TempDir(), "state.db")

		var out bytes.Buffer
		runsCmd.SetOut(&out)
		runsCmd.SetContext(context.Background())
		defer runsCmd.SetOut(nil)

		require.NoError(t, runsCmd.RunE(runsCmd, nil))
		assert.Contains(t, out.String(), "RUN")
		assert.Contains(t, out.String(), "STATUS")
	})
}
