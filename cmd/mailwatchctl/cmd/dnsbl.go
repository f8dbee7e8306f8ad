package cmd

import (
	"context"
	"fmt"
	"io"
	"net/netip"
	"sort"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/good-yellow-bee/mailwatch/internal/models"
	"github.com/good-yellow-bee/mailwatch/internal/scanner"
)

var (
	dnsblProviders []string
	dnsblTimeout   time.Duration
)

var dnsblCmd = &cobra.Command{
	Use:   "dnsbl",
	Short: "DNS blocklist commands",
}

var dnsblCheckCmd = &cobra.Command{
	Use:   "check <address>...",
	Short: "Check addresses against DNS blocklists",
	Long: `Query the built-in blocklist providers for one or more IPv4 or IPv6
addresses, the same way the server's health scanner does. Exits non-zero
when any address is listed.

Examples:
  mailwatchctl dnsbl check 192.0.2.10
  mailwatchctl dnsbl check 192.0.2.10 2001:db8::25 --provider spamhaus`,
	Args: cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		resources := make(scanner.StaticResources, 0, len(args))
		for _, a := range args {
			if _, err := netip.ParseAddr(a); err != nil {
				return fmt.Errorf("invalid address %q", a)
			}
			resources = append(resources, models.Resource{Address: a})
		}

		providers, err := selectProviders(scanner.DefaultProviders(), dnsblProviders)
		if err != nil {
			return err
		}

		sc := scanner.New(scanner.Config{
			Concurrency:  4,
			ProbeTimeout: dnsblTimeout,
			Verbose:      verbose,
		}, resources, providers, scanner.NewDNSBLProber(nil), nil)

		ctx := cmd.Context()
		if ctx == nil {
			ctx = context.Background()
		}
		report, err := sc.RunCycle(ctx)
		if err != nil {
			return fmt.Errorf("scan: %w", err)
		}

		if output == "json" {
			if err := printJSON(cmd.OutOrStdout(), report.Results); err != nil {
				return err
			}
		} else if err := printResults(cmd.OutOrStdout(), report.Results); err != nil {
			return err
		}

		if report.Listed > 0 {
			return fmt.Errorf("%d listing(s) found", report.Listed)
		}
		return nil
	},
}

func init() {
	rootCmd.AddCommand(dnsblCmd)
	dnsblCmd.AddCommand(dnsblCheckCmd)

	dnsblCheckCmd.Flags().StringSliceVarP(&dnsblProviders, "provider", "p", nil, "only query these providers (default: all)")
	dnsblCheckCmd.Flags().DurationVar(&dnsblTimeout, "timeout", 5*time.Second, "per-query timeout")
}

// selectProviders returns the providers named in names, or all of them when
// names is empty.
func selectProviders(all []scanner.Provider, names []string) ([]scanner.Provider, error) {
	if len(names) == 0 {
		return all, nil
	}
	byName := make(map[string]scanner.Provider, len(all))
	for _, p := range all {
		byName[p.Name] = p
	}
	selected := make([]scanner.Provider, 0, len(names))
	for _, n := range names {
		p, ok := byName[n]
		if !ok {
			return nil, fmt.Errorf("unknown provider %q", n)
		}
		selected = append(selected, p)
	}
	return selected, nil
}

func printResults(w io.Writer, results []models.HealthCheckResult) error {
	sorted := append([]models.HealthCheckResult(nil), results...)
	sort.Slice(sorted, func(i, j int) bool {
		if sorted[i].Resource != sorted[j].Resource {
			return sorted[i].Resource < sorted[j].Resource
		}
		return sorted[i].Provider < sorted[j].Provider
	})

	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "ADDRESS\tPROVIDER\tTIER\tOUTCOME\tLATENCY\tERROR")
	for _, r := range sorted {
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\t%s\n",
			r.Resource, r.Provider, r.Tier, r.Outcome, r.Latency.Round(time.Millisecond), r.Error)
	}
	return tw.Flush()
}
