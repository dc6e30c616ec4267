package cmd

import (
	"encoding/json"
	"fmt"
	"strings"
	"text/tabwriter"

	"github.com/bmatcuk/doublestar/v4"
	"github.com/dustin/go-humanize"
	"github.com/fulmenhq/gofulmen/foundry"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/3leaps/stanwasm/pkg/cachekey"
	"github.com/3leaps/stanwasm/pkg/errkind"
	"github.com/3leaps/stanwasm/pkg/modelcache"
)

var cacheCmd = &cobra.Command{
	Use:   "cache",
	Short: "Inspect the compiled model cache",
}

var cacheListCmd = &cobra.Command{
	Use:     "ls",
	Aliases: []string{"list"},
	Short:   "List cached models",
	Long: `List cache entries, most recently modified first.

Examples:
  stanwasm cache ls
  stanwasm cache ls --match 'ab*'
  stanwasm cache ls --json`,
	RunE: runCacheList,
}

var cacheShowCmd = &cobra.Command{
	Use:   "show <model_id>",
	Short: "Describe one cached model",
	Args:  cobra.ExactArgs(1),
	RunE:  runCacheShow,
}

func init() {
	rootCmd.AddCommand(cacheCmd)
	cacheCmd.AddCommand(cacheListCmd)
	cacheCmd.AddCommand(cacheShowCmd)

	cacheListCmd.Flags().String("match", "", "Only list model ids matching this glob")
	cacheListCmd.Flags().Bool("json", false, "Output as JSON")
	cacheShowCmd.Flags().Bool("json", false, "Output as JSON instead of YAML")
}

func runCacheList(cmd *cobra.Command, _ []string) error {
	cfg, err := loadedConfig()
	if err != nil {
		return exitError(exitConfigError, "Configuration unavailable", err)
	}

	pattern, _ := cmd.Flags().GetString("match")
	pattern = strings.TrimSpace(pattern)
	if pattern != "" && !doublestar.ValidatePattern(pattern) {
		return exitError(foundry.ExitInvalidArgument, "Invalid --match pattern", fmt.Errorf("bad pattern %q", pattern))
	}

	entries, err := newCacheReader(cfg).List()
	if err != nil {
		return exitError(foundry.ExitFileReadError, "Failed to read cache", err)
	}
	entries = filterEntries(entries, pattern)

	out := cmd.OutOrStdout()
	if jsonOutput, _ := cmd.Flags().GetBool("json"); jsonOutput {
		if entries == nil {
			entries = []modelcache.Entry{}
		}
		enc := json.NewEncoder(out)
		enc.SetIndent("", "  ")
		return enc.Encode(entries)
	}
	if len(entries) == 0 {
		_, _ = fmt.Fprintln(out, "No cached models found")
		return nil
	}

	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	defer func() { _ = w.Flush() }()

	_, _ = fmt.Fprintln(w, "MODEL ID\tSTATE\tSIZE\tMODIFIED")
	for _, e := range entries {
		_, _ = fmt.Fprintf(w, "%s\t%s\t%s\t%s\n",
			e.Key, entryState(e), humanize.IBytes(totalSize(e)), e.ModTime.Format("2006-01-02 15:04:05"))
	}
	return nil
}

func runCacheShow(cmd *cobra.Command, args []string) error {
	cfg, err := loadedConfig()
	if err != nil {
		return exitError(exitConfigError, "Configuration unavailable", err)
	}

	key, err := cachekey.Parse(strings.TrimSpace(args[0]))
	if err != nil {
		return exitError(foundry.ExitInvalidArgument, "Invalid model id", err)
	}
	entry, err := newCacheReader(cfg).Lookup(key)
	if err != nil {
		if errkind.Is(err, errkind.KindArtifactNotFound) {
			return exitError(foundry.ExitFileNotFound, "Model not cached", err)
		}
		return exitError(foundry.ExitFileReadError, "Failed to read cache entry", err)
	}

	out := cmd.OutOrStdout()
	if jsonOutput, _ := cmd.Flags().GetBool("json"); jsonOutput {
		enc := json.NewEncoder(out)
		enc.SetIndent("", "  ")
		return enc.Encode(entry)
	}
	data, err := yaml.Marshal(entry)
	if err != nil {
		return err
	}
	_, err = out.Write(data)
	return err
}

func filterEntries(entries []modelcache.Entry, pattern string) []modelcache.Entry {
	if pattern == "" {
		return entries
	}
	var out []modelcache.Entry
	for _, e := range entries {
		if ok, _ := doublestar.Match(pattern, string(e.Key)); ok {
			out = append(out, e)
		}
	}
	return out
}

func entryState(e modelcache.Entry) string {
	switch {
	case e.Locked:
		return "compiling"
	case e.Complete:
		return "ready"
	default:
		return "incomplete"
	}
}

func totalSize(e modelcache.Entry) uint64 {
	var n int64
	for _, size := range e.Sizes {
		n += size
	}
	return uint64(n)
}
