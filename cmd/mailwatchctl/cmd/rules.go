package cmd

import (
	"context"
	"fmt"
	"io"
	"strings"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/good-yellow-bee/mailwatch/internal/alerting"
)

var rulesCmd = &cobra.Command{
	Use:   "rules",
	Short: "Alert rule commands",
}

var rulesCheckCmd = &cobra.Command{
	Use:   "check <file>",
	Short: "Validate a rules file",
	Long: `Parse a rules file and compile every condition without touching the
database. Exits non-zero on the first invalid rule.

Example:
  mailwatchctl rules check /etc/mailwatch/rules.yaml`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		rules, err := alerting.LoadRulesFromFile(args[0])
		if err != nil {
			return err
		}
		if err := printRules(cmd.OutOrStdout(), rules); err != nil {
			return err
		}
		if output != "json" {
			fmt.Fprintf(cmd.OutOrStdout(), "\n%d rule(s) OK\n", len(rules))
		}
		return nil
	},
}

var rulesImportCmd = &cobra.Command{
	Use:   "import <file>",
	Short: "Store the rules of a file in the server database",
	Long: `Validate a rules file and save every rule into the server database,
replacing rules with the same ID. The server reads them when started with
alerting.rules_source: database.

Example:
  mailwatchctl rules import rules.yaml --db /var/lib/mailwatch/mailwatch.db`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		rules, err := alerting.LoadRulesFromFile(args[0])
		if err != nil {
			return err
		}

		store, err := openDatabase(dbPath)
		if err != nil {
			return err
		}
		defer store.Close()

		ctx := cmd.Context()
		if ctx == nil {
			ctx = context.Background()
		}
		for _, r := range rules {
			if err := store.Rules().Save(ctx, &r.AlertRule); err != nil {
				return fmt.Errorf("save rule %s: %w", r.ID, err)
			}
			if verbose {
				fmt.Fprintf(cmd.ErrOrStderr(), "saved %s\n", r.ID)
			}
		}
		fmt.Fprintf(cmd.OutOrStdout(), "Imported %d rule(s)\n", len(rules))
		return nil
	},
}

var rulesListCmd = &cobra.Command{
	Use:   "list",
	Short: "List the rules stored in the server database",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		store, err := openDatabase(dbPath)
		if err != nil {
			return err
		}
		defer store.Close()

		ctx := cmd.Context()
		if ctx == nil {
			ctx = context.Background()
		}
		rules, err := alerting.LoadRulesFromStore(ctx, store.Rules())
		if err != nil {
			return err
		}
		if len(rules) == 0 && output != "json" {
			fmt.Fprintln(cmd.OutOrStdout(), "No rules found.")
			return nil
		}
		return printRules(cmd.OutOrStdout(), rules)
	},
}

func init() {
	rootCmd.AddCommand(rulesCmd)
	rulesCmd.AddCommand(rulesCheckCmd)
	rulesCmd.AddCommand(rulesImportCmd)
	rulesCmd.AddCommand(rulesListCmd)
}

func printRules(w io.Writer, rules []*alerting.Rule) error {
	if output == "json" {
		out := make([]any, 0, len(rules))
		for _, r := range rules {
			out = append(out, r.AlertRule)
		}
		return printJSON(w, out)
	}

	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tSEVERITY\tSCOPE\tFOR\tENABLED\tCHANNELS\tCONDITION")
	for _, r := range rules {
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%t\t%s\t%s\n",
			r.ID, r.Severity, r.Scope, r.Duration, r.IsEnabled(),
			strings.Join(r.Channels, ","), r.Condition)
	}
	return tw.Flush()
}
