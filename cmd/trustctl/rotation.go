package main

import (
	"encoding/base64"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"
)

type verificationResultResponse struct {
	ID             string   `json:"id"`
	RequestID      string   `json:"request_id"`
	VerifierID     string   `json:"verifier_id"`
	Status         string   `json:"status"`
	Level          string   `json:"level"`
	Timestamp      string   `json:"timestamp"`
	FailureReasons []string `json:"failure_reasons"`
}

type rotationRecord struct {
	ID         string    `json:"id"`
	AgentID    string    `json:"agent_id"`
	OldKey     string    `json:"old_key"`
	NewKey     string    `json:"new_key"`
	Timestamp  time.Time `json:"timestamp"`
	Reason     string    `json:"reason"`
	Outcome    string    `json:"outcome"`
	Verified   bool      `json:"verified"`
	VerifiedBy string    `json:"verified_by"`
}

type rotationStatusResponse struct {
	AgentID       string                       `json:"agent_id"`
	Phase         string                       `json:"phase"`
	ScheduledAt   string                       `json:"scheduled_at"`
	NewKey        string                       `json:"new_key"`
	DistributedTo []string                     `json:"distributed_to"`
	Verifications []verificationResultResponse `json:"verifications"`
	Record        *rotationRecord              `json:"record"`
	FailureReason string                       `json:"failure_reason"`
	Error         string                       `json:"error"`
	Request       *struct {
		ID               string   `json:"id"`
		RequiredLevel    string   `json:"required_level"`
		MinVerifiers     int      `json:"min_verifiers"`
		RequireConsensus bool     `json:"require_consensus"`
		Verifiers        []string `json:"verifiers"`
		Status           string   `json:"status"`
		ExpiresAt        string   `json:"expires_at"`
	} `json:"request"`
}

func rotationCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "rotation",
		Short: "Drive verified key rotations",
	}
	cmd.AddCommand(rotationStatusCmd())
	cmd.AddCommand(rotationScheduleCmd())
	cmd.AddCommand(rotationBeginCmd())
	cmd.AddCommand(rotationProofCmd())
	cmd.AddCommand(rotationAttestCmd())
	cmd.AddCommand(rotationCompleteCmd())
	cmd.AddCommand(rotationCancelCmd())
	cmd.AddCommand(rotationResetCmd())
	cmd.AddCommand(rotationHistoryCmd())
	cmd.AddCommand(rotationNeededCmd())
	return cmd
}

func rotationStatusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status <agent-id>",
		Short: "Show the rotation status of an agent",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			body, err := callAPI(http.MethodGet, agentPath(args[0], "/rotation"), nil, http.StatusOK)
			if err != nil {
				return err
			}
			return printResult(cmd, body, printRotationStatus)
		},
	}
}

func rotationScheduleCmd() *cobra.Command {
	var reason string

	cmd := &cobra.Command{
		Use:   "schedule <agent-id>",
		Short: "Schedule the next rotation one rotation period from now",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			body, err := callAPI(http.MethodPost, agentPath(args[0], "/rotation/schedule"),
				map[string]string{"reason": reason}, http.StatusAccepted)
			if err != nil {
				return err
			}
			return printResult(cmd, body, func(w io.Writer, res struct {
				AgentID     string `json:"agent_id"`
				ScheduledAt string `json:"scheduled_at"`
			}) {
				fmt.Fprintf(w, "Rotation of %s scheduled at %s\n", res.AgentID, res.ScheduledAt)
			})
		},
	}

	cmd.Flags().StringVar(&reason, "reason", "", "Reason for the rotation")
	return cmd
}

func rotationBeginCmd() *cobra.Command {
	var reason string

	cmd := &cobra.Command{
		Use:   "begin <agent-id>",
		Short: "Generate a new key and distribute it to verifiers",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			body, err := callAPI(http.MethodPost, agentPath(args[0], "/rotation/begin"),
				map[string]string{"reason": reason}, http.StatusAccepted)
			if err != nil {
				return err
			}
			return printResult(cmd, body, printRotationStatus)
		},
	}

	cmd.Flags().StringVar(&reason, "reason", "", "Reason for the rotation")
	return cmd
}

func rotationProofCmd() *cobra.Command {
	var verifierID string

	cmd := &cobra.Command{
		Use:   "proof <agent-id>",
		Short: "Issue an ownership proof of the pending key for a verifier",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if verifierID == "" {
				return fmt.Errorf("--verifier is required")
			}
			body, err := callAPI(http.MethodPost, agentPath(args[0], "/rotation/proofs"),
				map[string]string{"verifier_id": verifierID}, http.StatusCreated)
			if err != nil {
				return err
			}
			return printResult(cmd, body, func(w io.Writer, res struct {
				VerifierID string `json:"verifier_id"`
				Proof      []byte `json:"proof"`
			}) {
				fmt.Fprintf(w, "Verifier: %s\n", res.VerifierID)
				fmt.Fprintf(w, "Proof:    %s\n", base64.StdEncoding.EncodeToString(res.Proof))
			})
		},
	}

	cmd.Flags().StringVar(&verifierID, "verifier", "", "Verifier agent ID (required)")
	return cmd
}

func rotationAttestCmd() *cobra.Command {
	var (
		verifierID     string
		proof          string
		status         string
		level          string
		evidence       map[string]string
		failureReasons []string
	)

	cmd := &cobra.Command{
		Use:   "attest <agent-id>",
		Short: "Submit a verifier's attestation for the pending key",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if verifierID == "" || proof == "" {
				return fmt.Errorf("--verifier and --proof are required")
			}
			if _, err := base64.StdEncoding.DecodeString(proof); err != nil {
				return fmt.Errorf("--proof must be base64: %w", err)
			}

			payload := map[string]any{
				"verifier_id": verifierID,
				"proof":       proof,
				"status":      status,
			}
			if level != "" {
				payload["level"] = level
			}
			if len(evidence) > 0 {
				payload["evidence"] = evidence
			}
			if len(failureReasons) > 0 {
				payload["failure_reasons"] = failureReasons
			}

			body, err := callAPI(http.MethodPost, agentPath(args[0], "/rotation/attestations"), payload, http.StatusCreated)
			if err != nil {
				return err
			}
			return printResult(cmd, body, func(w io.Writer, res verificationResultResponse) {
				fmt.Fprintf(w, "Attestation %s recorded: %s at %s\n", res.ID, res.Status, res.Level)
			})
		},
	}

	cmd.Flags().StringVar(&verifierID, "verifier", "", "Verifier agent ID (required)")
	cmd.Flags().StringVar(&proof, "proof", "", "Ownership proof issued to the verifier, base64 (required)")
	cmd.Flags().StringVar(&status, "status", "verified", "Attestation status: verified, failed, rejected")
	cmd.Flags().StringVar(&level, "level", "", "Trust level asserted by the verifier")
	cmd.Flags().StringToStringVar(&evidence, "evidence", nil, "Evidence (key=value,...)")
	cmd.Flags().StringArrayVar(&failureReasons, "failure-reason", nil, "Failure reason (repeatable)")
	return cmd
}

func rotationCompleteCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "complete <agent-id>",
		Short: "Complete a rotation once verification requirements are met",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			body, err := callAPI(http.MethodPost, agentPath(args[0], "/rotation/complete"), nil, http.StatusOK)
			if err != nil {
				return err
			}
			return printResult(cmd, body, func(w io.Writer, rec rotationRecord) {
				fmt.Fprintf(w, "Rotation completed successfully\n")
				printRecord(w, rec)
			})
		},
	}
}

func rotationCancelCmd() *cobra.Command {
	var reason string

	cmd := &cobra.Command{
		Use:   "cancel <agent-id>",
		Short: "Cancel an in-progress rotation",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			body, err := callAPI(http.MethodPost, agentPath(args[0], "/rotation/cancel"),
				map[string]string{"reason": reason}, http.StatusNoContent)
			if err != nil {
				return err
			}
			return printResult(cmd, body, func(w io.Writer, _ struct{}) {
				fmt.Fprintf(w, "Rotation of %s cancelled\n", args[0])
			})
		},
	}

	cmd.Flags().StringVar(&reason, "reason", "", "Reason for the cancellation")
	return cmd
}

func rotationResetCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "reset <agent-id>",
		Short: "Return a finished rotation to stable",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			body, err := callAPI(http.MethodPost, agentPath(args[0], "/rotation/reset"), nil, http.StatusNoContent)
			if err != nil {
				return err
			}
			return printResult(cmd, body, func(w io.Writer, _ struct{}) {
				fmt.Fprintf(w, "Rotation of %s reset to stable\n", args[0])
			})
		},
	}
}

func rotationHistoryCmd() *cobra.Command {
	var limit int

	cmd := &cobra.Command{
		Use:   "history <agent-id>",
		Short: "List past rotations, newest first",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			path := agentPath(args[0], "/rotation/history") + "?limit=" + strconv.Itoa(limit)
			body, err := callAPI(http.MethodGet, path, nil, http.StatusOK)
			if err != nil {
				return err
			}
			return printResult(cmd, body, func(w io.Writer, res struct {
				Records []rotationRecord `json:"records"`
			}) {
				tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
				fmt.Fprintln(tw, "ID\tOUTCOME\tVERIFIED\tREASON\tTIMESTAMP")
				for _, rec := range res.Records {
					fmt.Fprintf(tw, "%s\t%s\t%t\t%s\t%s\n",
						rec.ID, rec.Outcome, rec.Verified, rec.Reason, rec.Timestamp.Format(time.RFC3339))
				}
				tw.Flush()
			})
		},
	}

	cmd.Flags().IntVar(&limit, "limit", 20, "Maximum number of records")
	return cmd
}

func rotationNeededCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "needed <agent-id>",
		Short: "Report whether the agent's key has reached the rotation period",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			body, err := callAPI(http.MethodGet, agentPath(args[0], "/rotation/needed"), nil, http.StatusOK)
			if err != nil {
				return err
			}
			return printResult(cmd, body, func(w io.Writer, res struct {
				AgentID string `json:"agent_id"`
				Needed  bool   `json:"needed"`
			}) {
				if res.Needed {
					fmt.Fprintf(w, "Rotation needed for %s\n", res.AgentID)
					return
				}
				fmt.Fprintf(w, "No rotation needed for %s\n", res.AgentID)
			})
		},
	}
}

func printRotationStatus(w io.Writer, st rotationStatusResponse) {
	fmt.Fprintf(w, "Agent: %s\n", st.AgentID)
	fmt.Fprintf(w, "Phase: %s\n", st.Phase)
	if st.ScheduledAt != "" {
		fmt.Fprintf(w, "Scheduled At: %s\n", st.ScheduledAt)
	}
	if st.NewKey != "" {
		fmt.Fprintf(w, "New Key: %s\n", st.NewKey)
	}
	if st.Request != nil {
		fmt.Fprintf(w, "Request: %s (%s, expires %s)\n", st.Request.ID, st.Request.Status, st.Request.ExpiresAt)
		fmt.Fprintf(w, "Policy: level>=%s verifiers>=%d consensus=%t\n",
			st.Request.RequiredLevel, st.Request.MinVerifiers, st.Request.RequireConsensus)
	}
	if len(st.DistributedTo) > 0 {
		fmt.Fprintf(w, "Verifiers: %v\n", st.DistributedTo)
	}
	if st.FailureReason != "" {
		fmt.Fprintf(w, "Failure: %s", st.FailureReason)
		if st.Error != "" {
			fmt.Fprintf(w, " (%s)", st.Error)
		}
		fmt.Fprintln(w)
	}
	if st.Record != nil {
		printRecord(w, *st.Record)
	}
	if len(st.Verifications) == 0 {
		return
	}

	fmt.Fprintln(w)
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "VERIFIER\tSTATUS\tLEVEL\tTIMESTAMP")
	for _, v := range st.Verifications {
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\n", v.VerifierID, v.Status, v.Level, v.Timestamp)
	}
	tw.Flush()
}

func printRecord(w io.Writer, rec rotationRecord) {
	fmt.Fprintf(w, "Record:   %s\n", rec.ID)
	fmt.Fprintf(w, "Outcome:  %s\n", rec.Outcome)
	fmt.Fprintf(w, "Old Key:  %s\n", rec.OldKey)
	fmt.Fprintf(w, "New Key:  %s\n", rec.NewKey)
	fmt.Fprintf(w, "Verified: %t", rec.Verified)
	if rec.VerifiedBy != "" {
		fmt.Fprintf(w, " by %s", rec.VerifiedBy)
	}
	fmt.Fprintln(w)
}
