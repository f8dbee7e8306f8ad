package cmd

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/good-yellow-bee/mailwatch/internal/security"
)

var (
	caDir     string
	caDays    int
	certCADir string
	certName  string
	certOut   string
	certDays  int
	certHosts string
)

// certCmd represents the cert command group
var certCmd = &cobra.Command{
	Use:   "cert",
	Short: "Gateway TLS certificates",
	Long: `Commands for running a private CA for the ingestion gateway.

Agents trust the CA through server.ca_file in their config.`,
}

var certCACmd = &cobra.Command{
	Use:   "ca",
	Short: "Create a private CA",
	Long: `Create a CA certificate and key. An existing CA is never overwritten.

Example:
  mailwatchctl cert ca --dir /etc/mailwatch/ca`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		files, err := security.GenerateCA(caDir, caDays)
		if err != nil {
			return fmt.Errorf("generate CA: %w", err)
		}
		out := cmd.OutOrStdout()
		fmt.Fprintf(out, "CA certificate: %s\n", files.Cert)
		fmt.Fprintf(out, "CA private key: %s\n", files.Key)
		return nil
	},
}

var certServerCmd = &cobra.Command{
	Use:   "server",
	Short: "Issue a gateway certificate",
	Long: `Issue a gateway certificate signed by the private CA.

localhost, 127.0.0.1 and ::1 are always in the SANs; add the names agents
use to reach the gateway with --host.

Example:
  mailwatchctl cert server --ca-dir /etc/mailwatch/ca --out /etc/mailwatch/tls \
    --host mailwatch.example.com,10.0.0.5`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		if strings.ContainsAny(certName, `/\`) {
			return fmt.Errorf("--name must not contain path separators")
		}
		hosts := parseHosts(certHosts)
		if verbose {
			fmt.Fprintf(cmd.ErrOrStderr(), "SANs: %v + localhost\n", hosts)
		}

		files, err := security.GenerateServerCert(certCADir, certName, certOut, certDays, hosts)
		if err != nil {
			return fmt.Errorf("generate server certificate: %w", err)
		}
		out := cmd.OutOrStdout()
		fmt.Fprintf(out, "Certificate: %s\n", files.Cert)
		fmt.Fprintf(out, "Private key: %s\n", files.Key)
		return nil
	},
}

func parseHosts(s string) []string {
	var hosts []string
	for _, h := range strings.Split(s, ",") {
		if h = strings.TrimSpace(h); h != "" {
			hosts = append(hosts, h)
		}
	}
	return hosts
}

func init() {
	rootCmd.AddCommand(certCmd)
	certCmd.AddCommand(certCACmd, certServerCmd)

	certCACmd.Flags().StringVar(&caDir, "dir", "", "directory for ca.crt and ca.key (required)")
	certCACmd.Flags().IntVar(&caDays, "days", security.DefaultCAValidDays, "validity in days")
	certCACmd.MarkFlagRequired("dir")

	certServerCmd.Flags().StringVar(&certCADir, "ca-dir", "", "directory holding the CA (required)")
	certServerCmd.Flags().StringVar(&certName, "name", "gateway", "file name stem for the certificate")
	certServerCmd.Flags().StringVar(&certOut, "out", ".", "output directory")
	certServerCmd.Flags().IntVar(&certDays, "days", security.DefaultCertValidDays, "validity in days")
	certServerCmd.Flags().StringVar(&certHosts, "host", "", "comma-separated extra DNS names or IPs")
	certServerCmd.MarkFlagRequired("ca-dir")
}
