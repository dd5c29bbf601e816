// Package main はCLIツールのエントリポイント。
package main

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"slices"
	"strings"
	"time"

	"github.com/spf13/cobra"
)

const version = "1.0.0"

var (
	apiURL  string
	output  string
	timeout time.Duration
)

// HTTPクライアント
var httpClient *http.Client

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:           "trustctl",
		Short:         "Agent Trust Service CLI",
		SilenceUsage:  true,
		SilenceErrors: false,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if apiURL == "" {
				apiURL = os.Getenv("TRUSTCTL_API_URL")
			}
			apiURL = strings.TrimSuffix(apiURL, "/")
			if output != "text" && output != "json" {
				return fmt.Errorf("--output must be text or json")
			}
			httpClient = &http.Client{Timeout: timeout}
			return nil
		},
	}

	// グローバルフラグ
	rootCmd.PersistentFlags().StringVar(&apiURL, "api-url", "", "API endpoint URL (or set TRUSTCTL_API_URL)")
	rootCmd.PersistentFlags().StringVar(&output, "output", "text", "Output format: text, json")
	rootCmd.PersistentFlags().DurationVar(&timeout, "timeout", 30*time.Second, "Request timeout")

	// サブコマンド登録
	rootCmd.AddCommand(agentCmd())
	rootCmd.AddCommand(trustCmd())
	rootCmd.AddCommand(lifecycleCmd())
	rootCmd.AddCommand(rotationCmd())
	rootCmd.AddCommand(migrateCmd())
	rootCmd.AddCommand(versionCmd())
	return rootCmd
}

// versionCmd はバージョン情報を表示する。
func versionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "trustctl version %s\n", version)
		},
	}
}

// agentPath は/v1/agents/{agent_id}配下のURLを組み立てる。
func agentPath(agentID string, elems ...string) string {
	return "/v1/agents/" + url.PathEscape(agentID) + strings.Join(elems, "")
}

// callAPI はAPIを呼び出し、ステータスがwantStatusのいずれかならレスポンスボディを返す。
func callAPI(method, path string, payload any, wantStatus ...int) ([]byte, error) {
	if apiURL == "" {
		return nil, fmt.Errorf("--api-url is required (or set TRUSTCTL_API_URL)")
	}

	var reqBody io.Reader
	if payload != nil {
		encoded, err := json.Marshal(payload)
		if err != nil {
			return nil, fmt.Errorf("encoding request: %w", err)
		}
		reqBody = bytes.NewReader(encoded)
	}

	req, err := http.NewRequest(method, apiURL+path, reqBody)
	if err != nil {
		return nil, fmt.Errorf("creating request: %w", err)
	}
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("API request failed: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("reading response: %w", err)
	}

	if !slices.Contains(wantStatus, resp.StatusCode) {
		return nil, handleErrorResponse(resp.StatusCode, body)
	}
	return body, nil
}

// printResult は--outputに従って結果を表示する。textのときはtextFnで整形する。
func printResult[T any](cmd *cobra.Command, body []byte, textFn func(w io.Writer, v T)) error {
	w := cmd.OutOrStdout()
	if output == "json" {
		if len(body) == 0 {
			body = []byte("{}")
		}
		fmt.Fprintln(w, strings.TrimSpace(string(body)))
		return nil
	}

	var v T
	if len(body) > 0 {
		if err := json.Unmarshal(body, &v); err != nil {
			return fmt.Errorf("parsing response: %w", err)
		}
	}
	textFn(w, v)
	return nil
}

func handleErrorResponse(statusCode int, body []byte) error {
	var errResp struct {
		Code    string `json:"code"`
		Message string `json:"message"`
	}
	if err := json.NewDecoder(bytes.NewReader(body)).Decode(&errResp); err == nil && errResp.Message != "" {
		return fmt.Errorf("Error: %s (%s)", errResp.Message, errResp.Code)
	}
	return fmt.Errorf("Error: server returned status %d", statusCode)
}
