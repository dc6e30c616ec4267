package cmd

import (
	"encoding/json"
	"fmt"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/fulmenhq/gofulmen/foundry"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/3leaps/stanwasm/internal/observability"
	"github.com/3leaps/stanwasm/pkg/workspace"
)

var jobsCmd = &cobra.Command{
	Use:   "jobs",
	Short: "Manage job workspaces",
	Long: `Manage the per-request job workspaces under jobs.dir.

Workspaces are normally removed as soon as their compile finishes. Use
'jobs gc' to reclaim workspaces left behind by a crash or an abandoned
upload. The compiled model cache is never touched.`,
}

var jobsListCmd = &cobra.Command{
	Use:     "ls",
	Aliases: []string{"list"},
	Short:   "List job workspaces",
	RunE:    runJobsList,
}

var jobsGCCmd = &cobra.Command{
	Use:   "gc",
	Short: "Remove stale job workspaces",
	Long: `Remove job workspaces last modified more than --max-age ago.

Examples:
  stanwasm jobs gc --dry-run
  stanwasm jobs gc --max-age 1h --json`,
	RunE: runJobsGC,
}

func init() {
	rootCmd.AddCommand(jobsCmd)
	jobsCmd.AddCommand(jobsListCmd)
	jobsCmd.AddCommand(jobsGCCmd)

	jobsListCmd.Flags().Bool("json", false, "Output as JSON")
	jobsGCCmd.Flags().String("max-age", "", "Remove workspaces older than this duration (default jobs.max_age)")
	jobsGCCmd.Flags().Bool("dry-run", false, "Show how many workspaces would be removed")
	jobsGCCmd.Flags().Bool("json", false, "Output as JSON")
}

func runJobsList(cmd *cobra.Command, _ []string) error {
	cfg, err := loadedConfig()
	if err != nil {
		return exitError(exitConfigError, "Configuration unavailable", err)
	}

	jobs, err := workspace.NewStore(cfg.Jobs.Dir).List()
	if err != nil {
		return exitError(foundry.ExitFileReadError, "Failed to list workspaces", err)
	}

	out := cmd.OutOrStdout()
	if jsonOutput, _ := cmd.Flags().GetBool("json"); jsonOutput {
		if jobs == nil {
			jobs = []workspace.Info{}
		}
		enc := json.NewEncoder(out)
		enc.SetIndent("", "  ")
		return enc.Encode(jobs)
	}
	if len(jobs) == 0 {
		_, _ = fmt.Fprintln(out, "No jobs found")
		return nil
	}

	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	defer func() { _ = w.Flush() }()

	now := time.Now().UTC()
	_, _ = fmt.Fprintln(w, "JOB ID\tSOURCE\tAGE")
	for _, j := range jobs {
		source := "-"
		if j.HasSource {
			source = workspace.SourceName
		}
		_, _ = fmt.Fprintf(w, "%s\t%s\t%s\n", j.Token, source, now.Sub(j.ModTime).Round(time.Second))
	}
	return nil
}

func runJobsGC(cmd *cobra.Command, _ []string) error {
	cfg, err := loadedConfig()
	if err != nil {
		return exitError(exitConfigError, "Configuration unavailable", err)
	}

	maxAge := cfg.Jobs.MaxAge
	if raw, _ := cmd.Flags().GetString("max-age"); strings.TrimSpace(raw) != "" {
		maxAge, err = time.ParseDuration(strings.TrimSpace(raw))
		if err != nil {
			return exitError(foundry.ExitInvalidArgument, "Invalid --max-age", err)
		}
	}
	if maxAge <= 0 {
		return exitError(foundry.ExitInvalidArgument, "Invalid --max-age", fmt.Errorf("max age must be > 0"))
	}
	dryRun, _ := cmd.Flags().GetBool("dry-run")

	res, err := workspace.NewStore(cfg.Jobs.Dir).Prune(time.Now().UTC(), maxAge, dryRun)
	if err != nil {
		return exitError(foundry.ExitFileWriteError, "Failed to remove workspaces", err)
	}
	observability.CLILogger.Debug("Workspace gc finished",
		zap.Int("deleted", res.Deleted),
		zap.Int("would_delete", res.WouldDelete),
		zap.Bool("dry_run", res.DryRun))

	out := cmd.OutOrStdout()
	if jsonOutput, _ := cmd.Flags().GetBool("json"); jsonOutput {
		enc := json.NewEncoder(out)
		enc.SetIndent("", "  ")
		return enc.Encode(res)
	}
	if dryRun {
		_, _ = fmt.Fprintf(out, "Would remove %d workspace(s) older than %s\n", res.WouldDelete, res.MaxAge)
		return nil
	}
	_, _ = fmt.Fprintf(out, "Removed %d workspace(s) older than %s\n", res.Deleted, res.MaxAge)
	return nil
}
