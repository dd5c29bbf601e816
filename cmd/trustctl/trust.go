package main

import (
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"text/tabwriter"

	"github.com/spf13/cobra"
)

type trustMetrics struct {
	DirectTrust          float64            `json:"direct_trust"`
	IndirectTrust        float64            `json:"indirect_trust"`
	HistoricalTrust      float64            `json:"historical_trust"`
	BehavioralTrust      float64            `json:"behavioral_trust"`
	IdentityVerification float64            `json:"identity_verification"`
	Custom               map[string]float64 `json:"custom_metrics,omitempty"`
}

type scoreResponse struct {
	AgentID    string       `json:"agent_id"`
	Score      float64      `json:"score"`
	Level      string       `json:"level"`
	Metrics    trustMetrics `json:"metrics"`
	Confidence float64      `json:"confidence"`
	Timestamp  string       `json:"timestamp"`
	ExpiresAt  string       `json:"expires_at"`
	Valid      bool         `json:"valid"`
}

func trustCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "trust",
		Short: "Manage trust scores and relationships",
	}
	cmd.AddCommand(trustScoreCmd())
	cmd.AddCommand(trustMetricsCmd())
	cmd.AddCommand(trustRelateCmd())
	cmd.AddCommand(trustTrustedCmd())
	return cmd
}

func trustScoreCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "score <agent-id>",
		Short: "Show the latest trust score of an agent",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			body, err := callAPI(http.MethodGet, agentPath(args[0], "/trust/score"), nil, http.StatusOK)
			if err != nil {
				return err
			}
			return printResult(cmd, body, printScore)
		},
	}
}

func trustMetricsCmd() *cobra.Command {
	var (
		m          trustMetrics
		custom     map[string]string
		confidence float64
	)

	cmd := &cobra.Command{
		Use:   "metrics <agent-id>",
		Short: "Recompute the trust score of an agent from metrics",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if len(custom) > 0 {
				m.Custom = make(map[string]float64, len(custom))
				for name, raw := range custom {
					v, err := strconv.ParseFloat(raw, 64)
					if err != nil {
						return fmt.Errorf("invalid custom metric %s: %w", name, err)
					}
					m.Custom[name] = v
				}
			}

			payload := map[string]any{"metrics": m, "confidence": confidence}
			body, err := callAPI(http.MethodPost, agentPath(args[0], "/trust/metrics"), payload, http.StatusOK)
			if err != nil {
				return err
			}
			return printResult(cmd, body, printScore)
		},
	}

	cmd.Flags().Float64Var(&m.DirectTrust, "direct", 0, "Direct trust metric [0,1]")
	cmd.Flags().Float64Var(&m.IndirectTrust, "indirect", 0, "Indirect trust metric [0,1]")
	cmd.Flags().Float64Var(&m.HistoricalTrust, "historical", 0, "Historical trust metric [0,1]")
	cmd.Flags().Float64Var(&m.BehavioralTrust, "behavioral", 0, "Behavioral trust metric [0,1]")
	cmd.Flags().Float64Var(&m.IdentityVerification, "identity", 0, "Identity verification metric [0,1]")
	cmd.Flags().StringToStringVar(&custom, "custom", nil, "Custom metrics (name=value,...)")
	cmd.Flags().Float64Var(&confidence, "confidence", 1, "Confidence of the calculation [0,1]")
	return cmd
}

func trustRelateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "relate <source-agent-id> <target-agent-id>",
		Short: "Record that the source agent trusts the target agent",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			payload := map[string]string{"target_id": args[1]}
			body, err := callAPI(http.MethodPost, agentPath(args[0], "/trust/relationships"), payload, http.StatusNoContent)
			if err != nil {
				return err
			}
			return printResult(cmd, body, func(w io.Writer, _ struct{}) {
				fmt.Fprintf(w, "%s now trusts %s\n", args[0], args[1])
			})
		},
	}
}

func trustTrustedCmd() *cobra.Command {
	var (
		minLevel string
		limit    int
	)

	cmd := &cobra.Command{
		Use:   "trusted <agent-id>",
		Short: "List agents trusted by an agent",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			q := url.Values{}
			if minLevel != "" {
				q.Set("min_level", minLevel)
			}
			if limit > 0 {
				q.Set("limit", strconv.Itoa(limit))
			}
			path := agentPath(args[0], "/trust/trusted")
			if len(q) > 0 {
				path += "?" + q.Encode()
			}

			body, err := callAPI(http.MethodGet, path, nil, http.StatusOK)
			if err != nil {
				return err
			}
			return printResult(cmd, body, func(w io.Writer, res struct {
				Agents []agentResponse `json:"agents"`
			}) {
				tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
				fmt.Fprintln(tw, "ID\tNAME\tSTATUS\tCAN VERIFY")
				for _, a := range res.Agents {
					fmt.Fprintf(tw, "%s\t%s\t%s\t%t\n", a.ID, a.Name, a.Status, a.Capabilities.CanVerify)
				}
				tw.Flush()
			})
		},
	}

	cmd.Flags().StringVar(&minLevel, "min-level", "", "Minimum trust level (none, low, medium, high, very_high)")
	cmd.Flags().IntVar(&limit, "limit", 0, "Maximum number of agents")
	return cmd
}

func printScore(w io.Writer, s scoreResponse) {
	fmt.Fprintf(w, "Agent:      %s\n", s.AgentID)
	fmt.Fprintf(w, "Score:      %.4f\n", s.Score)
	fmt.Fprintf(w, "Level:      %s\n", s.Level)
	fmt.Fprintf(w, "Confidence: %.2f\n", s.Confidence)
	fmt.Fprintf(w, "Valid:      %t (expires %s)\n", s.Valid, s.ExpiresAt)
	fmt.Fprintf(w, "Metrics:    direct=%.2f indirect=%.2f historical=%.2f behavioral=%.2f identity=%.2f\n",
		s.Metrics.DirectTrust, s.Metrics.IndirectTrust, s.Metrics.HistoricalTrust,
		s.Metrics.BehavioralTrust, s.Metrics.IdentityVerification)
}
