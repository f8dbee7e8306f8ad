package cmd

import (
	"context"
	"fmt"
	"io"
	"sort"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/good-yellow-bee/mailwatch/internal/models"
	"github.com/good-yellow-bee/mailwatch/internal/notifier"
)

var (
	channelName     string
	channelType     string
	channelSettings []string
	channelRate     int
	channelDisabled bool
	channelTimeout  time.Duration
)

var channelCmd = &cobra.Command{
	Use:   "channel",
	Short: "Notification channel commands",
}

var channelAddCmd = &cobra.Command{
	Use:   "add",
	Short: "Add or replace a notification channel",
	Long: `Save a notification channel into the server database. Settings are
passed as key=value pairs and depend on the channel type:

  slack, teams   webhook_url
  webhook        url, secret, header_<Name>
  email          host, port, tls, helo, username, password, from, to

Examples:
  mailwatchctl channel add --name ops-slack --type slack \
    --set webhook_url=https://hooks.slack.com/services/T/B/X

  mailwatchctl channel add --name pager --type webhook --rate 10 \
    --set url=https://pager.example.com/hook --set secret=s3cret`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		ch, err := buildChannel(channelName, channelType, channelSettings, channelRate, !channelDisabled)
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
		if err := store.Channels().Save(ctx, ch); err != nil {
			return fmt.Errorf("save channel: %w", err)
		}
		fmt.Fprintf(cmd.OutOrStdout(), "Channel %s (%s) saved\n", ch.Name, ch.Type)
		return nil
	},
}

var channelListCmd = &cobra.Command{
	Use:   "list",
	Short: "List notification channels",
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
		channels, err := store.Channels().List(ctx)
		if err != nil {
			return fmt.Errorf("list channels: %w", err)
		}
		if output == "json" {
			return printJSON(cmd.OutOrStdout(), redactChannels(channels))
		}
		if len(channels) == 0 {
			fmt.Fprintln(cmd.OutOrStdout(), "No channels found.")
			return nil
		}
		return printChannels(cmd.OutOrStdout(), channels)
	},
}

var channelTestCmd = &cobra.Command{
	Use:   "test <name>",
	Short: "Send a test notification through a channel",
	Long: `Deliver a synthetic firing alert to one stored channel and report the
outcome. Disabled channels are skipped by the dispatcher, so enable the
channel first.

Example:
  mailwatchctl channel test ops-slack`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		store, err := openDatabase(dbPath)
		if err != nil {
			return err
		}
		defer store.Close()

		d := notifier.NewDispatcher(notifier.Config{
			ChannelTimeout: channelTimeout,
			Verbose:        verbose,
		}, store.Channels())
		if err := d.RegisterBuiltins(); err != nil {
			return err
		}

		ctx := cmd.Context()
		if ctx == nil {
			ctx = context.Background()
		}
		result := d.Dispatch(ctx, testEvent(time.Now()), []string{args[0]})
		if result.NoChannels {
			return fmt.Errorf("channel %s is disabled", args[0])
		}
		for _, o := range result.Outcomes {
			if o.Err != nil {
				return fmt.Errorf("channel %s (%s): %w", o.Channel, o.Type, o.Err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Delivered to %s (%s) in %s\n",
				o.Channel, o.Type, o.Duration.Round(time.Millisecond))
		}
		return nil
	},
}

func init() {
	rootCmd.AddCommand(channelCmd)
	channelCmd.AddCommand(channelAddCmd)
	channelCmd.AddCommand(channelListCmd)
	channelCmd.AddCommand(channelTestCmd)

	channelAddCmd.Flags().StringVar(&channelName, "name", "", "channel name referenced by rules (required)")
	channelAddCmd.Flags().StringVar(&channelType, "type", "", "channel type: email, slack, teams, webhook (required)")
	channelAddCmd.Flags().StringArrayVar(&channelSettings, "set", nil, "channel setting as key=value (repeatable)")
	channelAddCmd.Flags().IntVar(&channelRate, "rate", 0, "max notifications per minute (0 = unlimited)")
	channelAddCmd.Flags().BoolVar(&channelDisabled, "disabled", false, "store the channel disabled")
	channelAddCmd.MarkFlagRequired("name")
	channelAddCmd.MarkFlagRequired("type")

	channelTestCmd.Flags().DurationVar(&channelTimeout, "timeout", 10*time.Second, "delivery timeout")
}

var channelTypes = map[string]bool{"email": true, "slack": true, "teams": true, "webhook": true}

// buildChannel validates the flags of channel add and builds the channel.
func buildChannel(name, typ string, settings []string, rate int, enabled bool) (*models.NotificationChannel, error) {
	typ = strings.ToLower(typ)
	if name == "" {
		return nil, fmt.Errorf("--name is required")
	}
	if !channelTypes[typ] {
		return nil, fmt.Errorf("unknown channel type %q", typ)
	}
	if rate < 0 {
		return nil, fmt.Errorf("--rate must not be negative")
	}

	config := make(map[string]string, len(settings))
	for _, kv := range settings {
		k, v, ok := strings.Cut(kv, "=")
		if !ok || k == "" {
			return nil, fmt.Errorf("invalid setting %q, want key=value", kv)
		}
		config[k] = v
	}

	var err error
	switch typ {
	case "slack":
		cfg := notifier.SlackConfigFromMap(config)
		err = cfg.Validate()
	case "teams":
		cfg := notifier.TeamsConfigFromMap(config)
		err = cfg.Validate()
	case "webhook":
		cfg := notifier.WebhookConfigFromMap(config)
		err = cfg.Validate()
	case "email":
		var cfg notifier.EmailConfig
		if cfg, err = notifier.EmailConfigFromMap(config); err == nil {
			err = cfg.Validate()
		}
	}
	if err != nil {
		return nil, fmt.Errorf("invalid %s settings: %w", typ, err)
	}

	return &models.NotificationChannel{
		ID:            uuid.New().String(),
		Name:          name,
		Type:          typ,
		Config:        config,
		Enabled:       enabled,
		RatePerMinute: rate,
	}, nil
}

// testEvent is the synthetic alert sent by channel test.
func testEvent(now time.Time) *models.AlertEvent {
	return &models.AlertEvent{
		ID:       uuid.New().String(),
		RuleID:   "mailwatchctl-test",
		RuleName: "Test notification",
		Severity: models.SeverityLow,
		Status:   models.AlertFiring,
		Message:  "Test notification sent by mailwatchctl. No action is needed.",
		FiredAt:  now,
	}
}

// secretKeys are channel settings never printed by channel list.
var secretKeys = map[string]bool{"password": true, "secret": true, "webhook_url": true}

func redactChannels(channels []*models.NotificationChannel) []*models.NotificationChannel {
	out := make([]*models.NotificationChannel, 0, len(channels))
	for _, ch := range channels {
		c := *ch
		c.Config = make(map[string]string, len(ch.Config))
		for k, v := range ch.Config {
			if secretKeys[k] && v != "" {
				v = "********"
			}
			c.Config[k] = v
		}
		out = append(out, &c)
	}
	return out
}

func printChannels(w io.Writer, channels []*models.NotificationChannel) error {
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "NAME\tTYPE\tENABLED\tRATE/MIN\tSETTINGS")
	for _, ch := range redactChannels(channels) {
		keys := make([]string, 0, len(ch.Config))
		for k := range ch.Config {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		pairs := make([]string, 0, len(keys))
		for _, k := range keys {
			pairs = append(pairs, k+"="+ch.Config[k])
		}
		fmt.Fprintf(tw, "%s\t%s\t%t\t%d\t%s\n",
			ch.Name, ch.Type, ch.Enabled, ch.RatePerMinute, strings.Join(pairs, " "))
	}
	return tw.Flush()
}
