package main

import (
	"fmt"
	"io"
	"net/http"
	"text/tabwriter"

	"github.com/spf13/cobra"
)

// APIレスポンス（CLIで表示する項目のみ）
type agentResponse struct {
	ID           string `json:"id"`
	Name         string `json:"name"`
	Status       string `json:"status"`
	Capabilities struct {
		CanCommerce    bool `json:"can_commerce"`
		CanVerify      bool `json:"can_verify"`
		CanManageTrust bool `json:"can_manage_trust"`
	} `json:"capabilities"`
	CreatedAt string `json:"created_at"`
}

type keyResponse struct {
	AgentID    string `json:"agent_id"`
	Generation uint   `json:"generation"`
	PublicKey  string `json:"public_key"`
	Status     string `json:"status"`
	ExpiresAt  string `json:"expires_at"`
	CreatedAt  string `json:"created_at"`
}

func agentCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "agent",
		Short: "Manage agents and their keys",
	}
	cmd.AddCommand(agentRegisterCmd())
	cmd.AddCommand(agentGetCmd())
	cmd.AddCommand(agentKeysCmd())
	cmd.AddCommand(agentStatusCmd())
	return cmd
}

func agentRegisterCmd() *cobra.Command {
	var (
		name           string
		canCommerce    bool
		canVerify      bool
		canManageTrust bool
	)

	cmd := &cobra.Command{
		Use:   "register",
		Short: "Register a new agent with its first key generation",
		RunE: func(cmd *cobra.Command, args []string) error {
			if name == "" {
				return fmt.Errorf("--name is required")
			}
			payload := map[string]any{
				"name": name,
				"capabilities": map[string]bool{
					"can_commerce":     canCommerce,
					"can_verify":       canVerify,
					"can_manage_trust": canManageTrust,
				},
			}
			body, err := callAPI(http.MethodPost, "/v1/agents", payload, http.StatusCreated)
			if err != nil {
				return err
			}
			return printResult(cmd, body, func(w io.Writer, res struct {
				Agent agentResponse `json:"agent"`
				Key   keyResponse   `json:"key"`
			}) {
				fmt.Fprintf(w, "Agent registered successfully\n")
				printAgent(w, res.Agent)
				fmt.Fprintf(w, "Public Key: %s\n", res.Key.PublicKey)
				fmt.Fprintf(w, "Generation: %d\n", res.Key.Generation)
			})
		},
	}

	cmd.Flags().StringVar(&name, "name", "", "Agent name (required)")
	cmd.Flags().BoolVar(&canCommerce, "can-commerce", false, "Allow commerce transactions")
	cmd.Flags().BoolVar(&canVerify, "can-verify", false, "Allow acting as a rotation verifier")
	cmd.Flags().BoolVar(&canManageTrust, "can-manage-trust", false, "Allow managing trust relationships")
	return cmd
}

func agentGetCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "get <agent-id>",
		Short: "Show an agent",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			body, err := callAPI(http.MethodGet, agentPath(args[0]), nil, http.StatusOK)
			if err != nil {
				return err
			}
			return printResult(cmd, body, func(w io.Writer, a agentResponse) {
				printAgent(w, a)
			})
		},
	}
}

func agentKeysCmd() *cobra.Command {
	var current bool

	cmd := &cobra.Command{
		Use:   "keys <agent-id>",
		Short: "List key generations of an agent",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if current {
				body, err := callAPI(http.MethodGet, agentPath(args[0], "/keys/current"), nil, http.StatusOK)
				if err != nil {
					return err
				}
				return printResult(cmd, body, func(w io.Writer, k keyResponse) {
					printKeys(w, []keyResponse{k})
				})
			}

			body, err := callAPI(http.MethodGet, agentPath(args[0], "/keys"), nil, http.StatusOK)
			if err != nil {
				return err
			}
			return printResult(cmd, body, func(w io.Writer, res struct {
				Keys []keyResponse `json:"keys"`
			}) {
				printKeys(w, res.Keys)
			})
		},
	}

	cmd.Flags().BoolVar(&current, "current", false, "Show only the current signing key")
	return cmd
}

func agentStatusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status <agent-id> <active|suspended|revoked>",
		Short: "Change the operational status of an agent",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			payload := map[string]string{"status": args[1]}
			body, err := callAPI(http.MethodPut, agentPath(args[0], "/status"), payload, http.StatusOK)
			if err != nil {
				return err
			}
			return printResult(cmd, body, func(w io.Writer, a agentResponse) {
				fmt.Fprintf(w, "Agent %s is now %s\n", a.ID, a.Status)
			})
		},
	}
}

func printAgent(w io.Writer, a agentResponse) {
	fmt.Fprintf(w, "ID:           %s\n", a.ID)
	fmt.Fprintf(w, "Name:         %s\n", a.Name)
	fmt.Fprintf(w, "Status:       %s\n", a.Status)
	fmt.Fprintf(w, "Capabilities: commerce=%t verify=%t manage_trust=%t\n",
		a.Capabilities.CanCommerce, a.Capabilities.CanVerify, a.Capabilities.CanManageTrust)
	fmt.Fprintf(w, "Created At:   %s\n", a.CreatedAt)
}

func printKeys(w io.Writer, keys []keyResponse) {
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "GENERATION\tSTATUS\tPUBLIC KEY\tEXPIRES AT\tCREATED AT")
	for _, k := range keys {
		expiresAt := k.ExpiresAt
		if expiresAt == "" {
			expiresAt = "-"
		}
		fmt.Fprintf(tw, "%d\t%s\t%s\t%s\t%s\n", k.Generation, k.Status, k.PublicKey, expiresAt, k.CreatedAt)
	}
	tw.Flush()
}
