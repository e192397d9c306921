package cli

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/spf13/cobra"

	"github.com/blocunited/weave/internal/config"
)

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show the status of a running engine",
	Long: `Query the gateway of a running engine and report whether it is
up and how many clients are connected.`,
	RunE: runStatus,
}

func init() {
	rootCmd.AddCommand(statusCmd)
}

func runStatus(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load(cfgFile)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	base := fmt.Sprintf("http://%s:%d", statusHost(cfg), cfg.Gateway.Port)
	client := &http.Client{Timeout: 5 * time.Second}

	resp, err := client.Get(base + "/healthz")
	if err != nil {
		fmt.Fprintln(cmd.OutOrStdout(), "Status: stopped")
		return nil
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		fmt.Fprintf(cmd.OutOrStdout(), "Status: unhealthy (HTTP %d)\n", resp.StatusCode)
		return nil
	}

	fmt.Fprintln(cmd.OutOrStdout(), "Status: running")
	fmt.Fprintf(cmd.OutOrStdout(), "Gateway: %s\n", base)

	clients, err := fetchClientCount(client, base, cfg.Gateway.SharedSecret)
	if err == nil {
		fmt.Fprintf(cmd.OutOrStdout(), "Clients: %d\n", clients)
	}

	return nil
}

func statusHost(cfg *config.Config) string {
	if cfg.Gateway.Host == "" || cfg.Gateway.Host == "0.0.0.0" {
		return "127.0.0.1"
	}
	return cfg.Gateway.Host
}

// fetchClientCount asks the running gateway over JSON-RPC.
func fetchClientCount(client *http.Client, base, secret string) (int, error) {
	body, err := json.Marshal(map[string]any{
		"jsonrpc": "2.0",
		"id":      "status-cli",
		"method":  "gateway.clients",
	})
	if err != nil {
		return 0, err
	}

	req, err := http.NewRequest(http.MethodPost, base+"/rpc", bytes.NewReader(body))
	if err != nil {
		return 0, err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Weave-Secret", secret)

	resp, err := client.Do(req)
	if err != nil {
		return 0, err
	}
	defer resp.Body.Close()

	var rpcResp struct {
		Result struct {
			Clients []json.RawMessage `json:"clients"`
		} `json:"result"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&rpcResp); err != nil {
		return 0, err
	}
	return len(rpcResp.Result.Clients), nil
}
