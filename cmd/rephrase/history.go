package main

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/KeithJLE/AI-Writing-Assistant/internal/domain"
	"github.com/KeithJLE/AI-Writing-Assistant/internal/store"
	"github.com/spf13/cobra"
)

var historyCmd = &cobra.Command{
	Use:   "history",
	Short: "List saved rephrase runs",
	Long: `List, show and clear rephrase runs saved in the history database.

Runs from "rephrase run --save" belong to the user "local"; gateway runs
belong to the browser's anonymous id.

Examples:
  rephrase history
  rephrase history --user 3f2a... --limit 50
  rephrase history show <id>
  rephrase history clear`,
	Args: cobra.NoArgs,
	RunE: runHistoryList,
}

var historyShowCmd = &cobra.Command{
	Use:   "show <id>",
	Short: "Show one run with every style's output",
	Args:  cobra.ExactArgs(1),
	RunE:  runHistoryShow,
}

var historyClearCmd = &cobra.Command{
	Use:   "clear",
	Short: "Delete every run of the user",
	Args:  cobra.NoArgs,
	RunE:  runHistoryClear,
}

var (
	historyUser  string
	historyLimit int
	historyJSON  bool
)

func init() {
	historyCmd.PersistentFlags().StringVar(&historyUser, "user", localUser, "owner of the runs")
	historyCmd.PersistentFlags().BoolVar(&historyJSON, "json", false, "print as JSON")
	historyCmd.Flags().IntVarP(&historyLimit, "limit", "n", 20, "maximum runs to list")
	historyCmd.AddCommand(historyShowCmd, historyClearCmd)
	rootCmd.AddCommand(historyCmd)
}

func openHistory() (*store.SQLiteStore, error) {
	repo, err := store.NewSQLite(cfg.DBPath)
	if err != nil {
		return nil, fmt.Errorf("open history: %w", err)
	}
	return repo, nil
}

func runHistoryList(cmd *cobra.Command, _ []string) error {
	repo, err := openHistory()
	if err != nil {
		return err
	}
	defer repo.Close()

	runs, err := repo.ListRuns(cmd.Context(), historyUser, historyLimit)
	if err != nil {
		return fmt.Errorf("failed to list runs: %w", err)
	}
	out := cmd.OutOrStdout()
	if historyJSON {
		if runs == nil {
			runs = []*domain.Run{}
		}
		return writeJSON(cmd, runs)
	}
	if len(runs) == 0 {
		fmt.Fprintln(out, "No runs found.")
		return nil
	}

	fmt.Fprintf(out, "%-36s %-9s %-17s %s\n", "ID", "Status", "Created", "Text")
	fmt.Fprintln(out, strings.Repeat("-", 90))
	for _, run := range runs {
		fmt.Fprintf(out, "%-36s %-9s %-17s %s\n",
			run.ID, run.Status, run.CreatedAt.Local().Format("2006-01-02 15:04"), truncate(run.Text, 40))
	}
	return nil
}

func runHistoryShow(cmd *cobra.Command, args []string) error {
	repo, err := openHistory()
	if err != nil {
		return err
	}
	defer repo.Close()

	run, err := repo.GetRun(cmd.Context(), historyUser, args[0])
	if err != nil {
		return fmt.Errorf("failed to load run %s: %w", args[0], err)
	}
	if historyJSON {
		return writeJSON(cmd, run)
	}

	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "ID:       %s\n", run.ID)
	fmt.Fprintf(out, "Status:   %s\n", run.Status)
	fmt.Fprintf(out, "Created:  %s\n", run.CreatedAt.Local().Format(time.RFC3339))
	fmt.Fprintf(out, "Duration: %s\n", run.Duration().Round(time.Millisecond))
	fmt.Fprintf(out, "\n%s\n", run.Text)
	for _, o := range run.Outputs {
		fmt.Fprintf(out, "\n== %s ==\n%s\n", o.Style, o.Text)
	}
	return nil
}

func runHistoryClear(cmd *cobra.Command, _ []string) error {
	repo, err := openHistory()
	if err != nil {
		return err
	}
	defer repo.Close()

	n, err := repo.DeleteRuns(cmd.Context(), historyUser)
	if err != nil {
		return fmt.Errorf("failed to clear history: %w", err)
	}
	fmt.Fprintf(cmd.OutOrStdout(), "Deleted %d runs.\n", n)
	return nil
}

func writeJSON(cmd *cobra.Command, v any) error {
	enc := json.NewEncoder(cmd.OutOrStdout())
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func truncate(s string, n int) string {
	s = strings.Join(strings.Fields(s), " ")
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n-3]) + "..."
}
