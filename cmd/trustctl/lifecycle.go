package main

import (
	"fmt"
	"io"
	"net/http"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"
)

type lifecycleResponse struct {
	AgentID         string `json:"agent_id"`
	State           string `json:"state"`
	StateEnteredAt  string `json:"state_entered_at"`
	DurationSeconds int64  `json:"current_state_duration_seconds"`
	ValidForTrust   bool   `json:"valid_for_trust"`
	Next            *struct {
		Target string `json:"target"`
		Reason string `json:"reason"`
		At     string `json:"at"`
	} `json:"next_transition"`
	History []struct {
		State     string    `json:"state"`
		EnteredAt time.Time `json:"entered_at"`
		ExitedAt  time.Time `json:"exited_at"`
		Reason    string    `json:"reason"`
	} `json:"history"`
	Changed *bool `json:"changed"`
}

func lifecycleCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "lifecycle",
		Short: "Inspect and drive trust lifecycles",
	}
	cmd.AddCommand(lifecycleGetCmd())
	cmd.AddCommand(lifecycleTransitionCmd())
	cmd.AddCommand(lifecycleCheckCmd())
	return cmd
}

func lifecycleGetCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "get <agent-id>",
		Short: "Show the trust lifecycle of an agent",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			body, err := callAPI(http.MethodGet, agentPath(args[0], "/lifecycle"), nil, http.StatusOK)
			if err != nil {
				return err
			}
			return printResult(cmd, body, printLifecycle)
		},
	}
}

func lifecycleTransitionCmd() *cobra.Command {
	var (
		reason string
		at     string
		in     time.Duration
	)

	cmd := &cobra.Command{
		Use:   "transition <agent-id> <target-state>",
		Short: "Apply or schedule a lifecycle transition",
		Long: `Apply a lifecycle transition immediately, or schedule it with --at or --in.

States: initial, establishing, active, suspended, reviewing, revoked, expired, grace_period`,
		Args: cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			if at != "" && in != 0 {
				return fmt.Errorf("--at and --in are mutually exclusive")
			}

			payload := map[string]any{"target": args[1], "reason": reason}
			switch {
			case at != "":
				t, err := time.Parse(time.RFC3339, at)
				if err != nil {
					return fmt.Errorf("invalid --at: %w", err)
				}
				payload["at"] = t
			case in > 0:
				payload["at"] = time.Now().Add(in).UTC()
			}

			body, err := callAPI(http.MethodPost, agentPath(args[0], "/lifecycle/transitions"), payload,
				http.StatusOK, http.StatusAccepted)
			if err != nil {
				return err
			}
			return printResult(cmd, body, printLifecycle)
		},
	}

	cmd.Flags().StringVar(&reason, "reason", "", "Reason for the transition")
	cmd.Flags().StringVar(&at, "at", "", "Schedule the transition at this time (RFC3339)")
	cmd.Flags().DurationVar(&in, "in", 0, "Schedule the transition after this duration")
	return cmd
}

func lifecycleCheckCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "check <agent-id>",
		Short: "Apply a scheduled transition whose time has come",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			body, err := callAPI(http.MethodPost, agentPath(args[0], "/lifecycle/check"), nil, http.StatusOK)
			if err != nil {
				return err
			}
			return printResult(cmd, body, printLifecycle)
		},
	}
}

func printLifecycle(w io.Writer, lc lifecycleResponse) {
	fmt.Fprintf(w, "Agent:           %s\n", lc.AgentID)
	fmt.Fprintf(w, "State:           %s (since %s, %s)\n", lc.State, lc.StateEnteredAt,
		time.Duration(lc.DurationSeconds)*time.Second)
	fmt.Fprintf(w, "Valid For Trust: %t\n", lc.ValidForTrust)
	if lc.Changed != nil {
		fmt.Fprintf(w, "Changed:         %t\n", *lc.Changed)
	}
	if lc.Next != nil {
		fmt.Fprintf(w, "Next Transition: %s at %s", lc.Next.Target, lc.Next.At)
		if lc.Next.Reason != "" {
			fmt.Fprintf(w, " (%s)", lc.Next.Reason)
		}
		fmt.Fprintln(w)
	}
	if len(lc.History) == 0 {
		return
	}

	fmt.Fprintln(w)
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "STATE\tENTERED AT\tEXITED AT\tREASON")
	for _, h := range lc.History {
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\n", h.State,
			h.EnteredAt.Format(time.RFC3339), h.ExitedAt.Format(time.RFC3339), h.Reason)
	}
	tw.Flush()
}
