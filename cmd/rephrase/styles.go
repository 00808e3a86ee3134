package main

import (
	"encoding/json"
	"fmt"
	"text/tabwriter"

	"github.com/KeithJLE/AI-Writing-Assistant/internal/style"
	"github.com/spf13/cobra"
)

var stylesJSON bool

var stylesCmd = &cobra.Command{
	Use:   "styles",
	Short: "List the rewriting styles",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		catalog, err := style.Load(cfg.StylesFile)
		if err != nil {
			return err
		}
		out := cmd.OutOrStdout()
		if stylesJSON {
			enc := json.NewEncoder(out)
			enc.SetIndent("", "  ")
			return enc.Encode(catalog.Styles())
		}
		tw := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
		fmt.Fprintln(tw, "ID\tLABEL\tDESCRIPTION")
		for _, s := range catalog.Styles() {
			fmt.Fprintf(tw, "%s\t%s\t%s\n", s.ID, s.Label, s.Helper)
		}
		return tw.Flush()
	},
}

func init() {
	stylesCmd.Flags().BoolVar(&stylesJSON, "json", false, "print as JSON")
	rootCmd.AddCommand(stylesCmd)
}
