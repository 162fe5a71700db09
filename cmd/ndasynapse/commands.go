package main

import (
	"fmt"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/bsmn/ndasynapse/internal/manifest"
	"github.com/bsmn/ndasynapse/internal/nda"
	"github.com/bsmn/ndasynapse/internal/state"
	"github.com/bsmn/ndasynapse/internal/syncer"
	"github.com/bsmn/ndasynapse/internal/version"
	"github.com/bsmn/ndasynapse/pkg/errors"
)

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print the version",
	Args:  cobra.NoArgs,
	// no configuration needed
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error { return nil },
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Fprintf(cmd.OutOrStdout(), "%s %s\n%s\n%s\n", version.Name, version.Version, version.Description, version.URL)
	},
}

var tokenCmd = &cobra.Command{
	Use:   "token",
	Short: "Generate temporary AWS credentials for NDA-hosted S3",
	Long: `Exchange the NDA account for temporary AWS credentials and print them as
shell export lines, e.g.

  eval "$(ndasynapse token)"`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		a, err := newApp(ctx)
		if err != nil {
			return err
		}
		tokens, err := a.tokenManager()
		if err != nil {
			return err
		}
		token, err := tokens.Get(ctx)
		if err != nil {
			return err
		}

		out := cmd.OutOrStdout()
		fmt.Fprint(out, token.Env())
		if !token.Expiration.IsZero() {
			fmt.Fprintf(out, "# expires %s\n", token.Expiration.UTC().Format(time.RFC3339))
		}
		return nil
	},
}

var submissionsCmd = &cobra.Command{
	Use:   "submissions",
	Short: "List the submissions of an NDA collection",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		collection, _ := cmd.Flags().GetString("collection")

		ctx := cmd.Context()
		a, err := newApp(ctx)
		if err != nil {
			return err
		}
		client, err := a.ndaClient()
		if err != nil {
			return err
		}
		subs, err := client.ListSubmissions(ctx, collection)
		if err != nil {
			return err
		}

		w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
		fmt.Fprintln(w, "ID\tSTATUS\tMODIFIED\tTITLE")
		for _, s := range subs {
			fmt.Fprintf(w, "%s\t%s\t%s\t%s\n", s.ID, s.Status, s.Modified, s.Title)
		}
		return w.Flush()
	},
}

var filesCmd = &cobra.Command{
	Use:   "files <submission-id>",
	Short: "List the files attached to an NDA submission",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		fileType, _ := cmd.Flags().GetString("type")
		stat, _ := cmd.Flags().GetBool("stat")

		ctx := cmd.Context()
		a, err := newApp(ctx)
		if err != nil {
			return err
		}
		client, err := a.ndaClient()
		if err != nil {
			return err
		}
		files, err := client.GetSubmissionFiles(ctx, args[0])
		if err != nil {
			return err
		}
		if fileType != "" {
			files = nda.FilesByType(files, fileType)
		}

		w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
		if !stat {
			fmt.Fprintln(w, "TYPE\tSIZE\tMD5\tPATH")
			for _, f := range files {
				fmt.Fprintf(w, "%s\t%d\t%s\t%s\n", f.FileType, f.Size, f.MD5, f.RemotePath)
			}
			return w.Flush()
		}

		fetcher, err := a.fetcher(ctx)
		if err != nil {
			return err
		}
		fmt.Fprintln(w, "TYPE\tSIZE\tS3 SIZE\tETAG\tPATH")
		for _, f := range files {
			info, err := fetcher.Head(ctx, f.RemotePath)
			switch {
			case errors.IsNotFound(err):
				fmt.Fprintf(w, "%s\t%d\t-\tmissing\t%s\n", f.FileType, f.Size, f.RemotePath)
			case err != nil:
				return err
			default:
				fmt.Fprintf(w, "%s\t%d\t%d\t%s\t%s\n", f.FileType, f.Size, info.Size, info.ETag, f.RemotePath)
			}
		}
		return w.Flush()
	},
}

// selection reads the shared --collection/--submission/--parent flags
func selection(cmd *cobra.Command) (syncer.Selection, error) {
	collection, _ := cmd.Flags().GetString("collection")
	submissions, _ := cmd.Flags().GetStringSlice("submission")
	parent, _ := cmd.Flags().GetString("parent")
	if parent == "" {
		parent = cfg.Synapse.ParentID
	}

	sel := syncer.Selection{CollectionID: collection, SubmissionIDs: submissions, Parent: parent}
	if err := sel.Validate(); err != nil {
		return sel, err
	}
	if parent == "" {
		return sel, errors.NewConfigError("synapse.parent_id", "a Synapse parent is required (--parent)", nil)
	}
	return sel, nil
}

var manifestCmd = &cobra.Command{
	Use:   "manifest",
	Short: "Write a Synapse manifest for NDA submissions",
	Long: `Build a tab separated Synapse sync manifest for the selected NDA submissions.
Every associated file listed in a submission manifest becomes one row,
annotated with the submission, collection and the data structure row that
references it.`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		sel, err := selection(cmd)
		if err != nil {
			return err
		}
		output, _ := cmd.Flags().GetString("output")
		concurrency, _ := cmd.Flags().GetInt("concurrency")

		ctx := cmd.Context()
		a, err := newApp(ctx)
		if err != nil {
			return err
		}
		engine, closeEngine, err := a.engine(ctx, false, concurrency, false)
		if err != nil {
			return err
		}
		defer closeEngine()

		records, err := engine.Collect(ctx, sel)
		if err != nil {
			return err
		}

		w := manifest.NewWriter(logger)
		return w.Write(output, records)
	},
}

var syncCmd = &cobra.Command{
	Use:   "sync",
	Short: "Register NDA submission files in Synapse",
	Long: `Collect the selected NDA submissions and store every file in Synapse as an
external file entity under the parent, with NDA metadata as annotations.
Files whose checksum and size are unchanged since the last sync are skipped.`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		sel, err := selection(cmd)
		if err != nil {
			return err
		}
		concurrency, _ := cmd.Flags().GetInt("concurrency")
		dryRun, _ := cmd.Flags().GetBool("dry-run")
		dryRun = dryRun || cfg.Sync.DryRun

		ctx := cmd.Context()
		a, err := newApp(ctx)
		if err != nil {
			return err
		}
		engine, closeEngine, err := a.engine(ctx, true, concurrency, dryRun)
		if err != nil {
			return err
		}
		defer closeEngine()

		report, err := engine.Sync(ctx, sel)
		if err != nil {
			return err
		}

		fmt.Fprintf(cmd.OutOrStdout(), "run %s: %d files, %d created, %d updated, %d skipped, %d failed\n",
			report.RunID, report.Total, report.Created, report.Updated, report.Skipped, report.Failed)
		if report.Failed > 0 {
			return fmt.Errorf("%d of %d files failed to sync", report.Failed, report.Total)
		}
		return nil
	},
}

var runsCmd = &cobra.Command{
	Use:   "runs",
	Short: "Show recent sync runs",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		limit, _ := cmd.Flags().GetInt("limit")
		if cfg.Sync.StateDB == "" {
			return errors.NewConfigError("sync.state_db", "state tracking is disabled, no runs are recorded", nil)
		}

		store, err := state.Open(cfg.Sync.StateDB, logger)
		if err != nil {
			return err
		}
		defer store.Close()

		runs, err := store.Runs(cmd.Context(), limit)
		if err != nil {
			return err
		}

		w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
		fmt.Fprintln(w, "RUN\tSTARTED\tDURATION\tSTATUS\tFILES\tFAILED")
		for _, r := range runs {
			duration := "-"
			if r.FinishedAt != nil {
				duration = r.FinishedAt.Sub(r.StartedAt).Round(time.Second).String()
			}
			fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%d\t%d\n",
				r.ID, r.StartedAt.Local().Format(time.DateTime), duration, r.Status, r.Records, r.Failed)
		}
		return w.Flush()
	},
}

var checkCmd = &cobra.Command{
	Use:   "check",
	Short: "Validate configuration and credentials",
	Long: `Load the configuration, resolve credentials from the configured source and
report which are present. With --synapse the Synapse token is also verified.`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		verifySynapse, _ := cmd.Flags().GetBool("synapse")

		ctx := cmd.Context()
		a, err := newApp(ctx)
		if err != nil {
			return err
		}

		presence := func(v string) string {
			if v == "" {
				return "missing"
			}
			return "set"
		}

		out := cmd.OutOrStdout()
		fmt.Fprintln(out, "config: ok")
		fmt.Fprintf(out, "credentials source: %s\n", cfg.Credentials.Source)
		fmt.Fprintf(out, "nda username: %s\n", a.creds.NDAUsername)
		fmt.Fprintf(out, "nda password: %s\n", presence(a.creds.NDAPassword))
		fmt.Fprintf(out, "synapse token: %s\n", presence(a.creds.SynapseAuthToken))

		if !verifySynapse {
			return nil
		}
		syn, err := a.synapseClient()
		if err != nil {
			return err
		}
		profile, err := syn.GetUserProfile(ctx)
		if err != nil {
			return err
		}
		fmt.Fprintf(out, "synapse user: %s (%s)\n", profile.UserName, profile.OwnerID)
		return nil
	},
}
