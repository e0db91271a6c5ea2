package handlers

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"papersorter/internal/core"
)

// NewChannelsCmd creates the channel management command.
func NewChannelsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "channels",
		Short: "Manage notification channels",
	}

	cmd.AddCommand(newChannelsAddCmd())
	cmd.AddCommand(newChannelsListCmd())
	cmd.AddCommand(newChannelsEnableCmd())
	cmd.AddCommand(newChannelsDisableCmd())

	return cmd
}

func newChannelsAddCmd() *cobra.Command {
	var (
		name      string
		endpoint  string
		modelID   int64
		threshold float64
		limit     int
		hours     string
		timezone  string
	)

	cmd := &cobra.Command{
		Use:   "add",
		Short: "Add a notification channel",
		Long: `Add a channel. The endpoint decides the delivery mechanism: a Slack or
Discord webhook URL, or mailto:<address> for email digests.

Examples:
  papersorter channels add --name ml --endpoint https://hooks.slack.com/services/T/B/X --model 1
  papersorter channels add --name digest --endpoint mailto:team@lab.org --model 1 --hours 8-18 --timezone Asia/Seoul`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			mask, err := parseHours(hours)
			if err != nil {
				return &codedError{code: exitUsage, err: err}
			}
			if threshold < 0 || threshold > 1 {
				return &codedError{code: exitUsage, err: fmt.Errorf("threshold must be in [0,1], got %v", threshold)}
			}

			st, err := openStore()
			if err != nil {
				return err
			}
			defer st.Close()

			ch := &core.Channel{
				Name:           name,
				Endpoint:       endpoint,
				ScoreThreshold: threshold,
				ModelID:        modelID,
				IsActive:       true,
				BroadcastLimit: limit,
				BroadcastHours: mask,
				Timezone:       timezone,
			}
			id, err := st.CreateChannel(cmd.Context(), ch)
			if err != nil {
				return err
			}
			fmt.Printf("Channel %d (%s) created\n", id, name)
			return nil
		},
	}

	cmd.Flags().StringVar(&name, "name", "", "channel name")
	cmd.Flags().StringVar(&endpoint, "endpoint", "", "webhook URL or mailto: address")
	cmd.Flags().Int64Var(&modelID, "model", 0, "model id whose scores gate this channel")
	cmd.Flags().Float64Var(&threshold, "threshold", 0.7, "minimum score for queueing, in [0,1]")
	cmd.Flags().IntVar(&limit, "limit", 20, "max articles delivered per cycle (1..100)")
	cmd.Flags().StringVar(&hours, "hours", "all", `allowed delivery hours, e.g. "all", "8-18", or "7-9,18-22"`)
	cmd.Flags().StringVar(&timezone, "timezone", "", "IANA timezone for the delivery window (default UTC)")
	_ = cmd.MarkFlagRequired("name")
	_ = cmd.MarkFlagRequired("endpoint")
	_ = cmd.MarkFlagRequired("model")

	return cmd
}

// parseHours turns "all", "8-18", or "7-9,18-22" into a 24-bit hour mask.
// Ranges are inclusive on both ends.
func parseHours(spec string) (uint32, error) {
	if spec == "" || spec == "all" {
		return core.AllHours, nil
	}

	var mask uint32
	for _, part := range strings.Split(spec, ",") {
		part = strings.TrimSpace(part)
		bounds := strings.SplitN(part, "-", 2)

		lo, err := strconv.Atoi(strings.TrimSpace(bounds[0]))
		if err != nil || lo < 0 || lo > 23 {
			return 0, fmt.Errorf("invalid hour %q in %q", bounds[0], spec)
		}
		hi := lo
		if len(bounds) == 2 {
			hi, err = strconv.Atoi(strings.TrimSpace(bounds[1]))
			if err != nil || hi < 0 || hi > 23 {
				return 0, fmt.Errorf("invalid hour %q in %q", bounds[1], spec)
			}
		}
		if hi < lo {
			return 0, fmt.Errorf("descending range %q in %q", part, spec)
		}
		for h := lo; h <= hi; h++ {
			mask |= 1 << uint(h)
		}
	}
	return mask, nil
}

// formatHours renders an hour mask back into range notation.
func formatHours(mask uint32) string {
	if mask == core.AllHours {
		return "all"
	}
	var parts []string
	for h := 0; h < 24; h++ {
		if mask&(1<<uint(h)) == 0 {
			continue
		}
		start := h
		for h+1 < 24 && mask&(1<<uint(h+1)) != 0 {
			h++
		}
		if start == h {
			parts = append(parts, strconv.Itoa(start))
		} else {
			parts = append(parts, fmt.Sprintf("%d-%d", start, h))
		}
	}
	if len(parts) == 0 {
		return "none"
	}
	return strings.Join(parts, ",")
}

func newChannelsListCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List all channels",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			st, err := openStore()
			if err != nil {
				return err
			}
			defer st.Close()

			channels, err := st.ListChannels(cmd.Context())
			if err != nil {
				return err
			}

			w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "ID\tNAME\tACTIVE\tMODEL\tTHRESHOLD\tLIMIT\tHOURS\tTIMEZONE")
			for _, c := range channels {
				tz := c.Timezone
				if tz == "" {
					tz = "UTC"
				}
				fmt.Fprintf(w, "%d\t%s\t%v\t%d\t%.2f\t%d\t%s\t%s\n",
					c.ID, c.Name, c.IsActive, c.ModelID, c.ScoreThreshold,
					c.BroadcastLimit, formatHours(c.BroadcastHours), tz)
			}
			return w.Flush()
		},
	}
}

func newChannelsEnableCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "enable <channel-id>",
		Short: "Enable a channel",
		Args:  cobra.ExactArgs(1),
		RunE:  setChannelActive(true),
	}
}

func newChannelsDisableCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "disable <channel-id>",
		Short: "Disable a channel",
		Args:  cobra.ExactArgs(1),
		RunE:  setChannelActive(false),
	}
}

func setChannelActive(active bool) func(*cobra.Command, []string) error {
	return func(cmd *cobra.Command, args []string) error {
		id, err := parseID(args[0])
		if err != nil {
			return err
		}
		st, err := openStore()
		if err != nil {
			return err
		}
		defer st.Close()

		if err := st.SetChannelActive(cmd.Context(), id, active); err != nil {
			return err
		}
		state := "disabled"
		if active {
			state = "enabled"
		}
		fmt.Printf("Channel %d %s\n", id, state)
		return nil
	}
}
