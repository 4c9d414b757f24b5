package cli

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/cobra"
)

var (
	rpcURL     string
	rpcTimeout time.Duration
)

// rpcCmd sends one JSON-RPC request to a running relayd.
var rpcCmd = &cobra.Command{
	Use:   "rpc <method> [key=value ...]",
	Short: "Call a JSON-RPC method of a running relayd",
	Long: `Send one JSON-RPC request to a running relayd and print the result.

Parameters are given as key=value pairs. Integer and boolean values are sent
as JSON numbers and booleans, everything else as strings.

Examples:
  relayd rpc sync_status
  relayd rpc find_path network=0x.. source=0x.. target=0x.. amount=40
  relayd rpc get_capacity network=0x.. from=0x.. to=0x..`,
	Args: cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		params, err := parseRPCParams(args[1:])
		if err != nil {
			return err
		}
		url := rpcURL
		if url == "" {
			cfg, err := readConfig()
			if err != nil {
				return err
			}
			url = "http://" + cfg.Server.Address
		}
		ctx, cancel := context.WithTimeout(cmd.Context(), rpcTimeout)
		defer cancel()
		out, err := callRPC(ctx, http.DefaultClient, url, args[0], params)
		if err != nil {
			return err
		}
		_, err = fmt.Fprintln(cmd.OutOrStdout(), string(out))
		return err
	},
}

func init() {
	rootCmd.AddCommand(rpcCmd)
	rpcCmd.Flags().StringVar(&rpcURL, "url", "", "relayd URL (default: server.address of the configuration)")
	rpcCmd.Flags().DurationVar(&rpcTimeout, "timeout", 30*time.Second, "request timeout")
}

// parseRPCParams turns key=value arguments into a parameter object.
func parseRPCParams(args []string) (map[string]interface{}, error) {
	params := make(map[string]interface{}, len(args))
	for _, arg := range args {
		key, value, ok := strings.Cut(arg, "=")
		if !ok || key == "" {
			return nil, fmt.Errorf("invalid parameter %q, expected key=value", arg)
		}
		if n, err := strconv.ParseInt(value, 10, 64); err == nil {
			params[key] = n
		} else if b, err := strconv.ParseBool(value); err == nil {
			params[key] = b
		} else {
			params[key] = value
		}
	}
	return params, nil
}

// callRPC posts method to url and returns the indented result object. A
// result with status "error" is returned as an error.
func callRPC(ctx context.Context, client *http.Client, url, method string, params map[string]interface{}) ([]byte, error) {
	body, err := json.Marshal(map[string]interface{}{
		"method": method,
		"params": []interface{}{params},
	})
	if err != nil {
		return nil, fmt.Errorf("failed to marshal request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("request %s: %w", method, err)
	}
	defer resp.Body.Close()
	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}

	var envelope struct {
		Result map[string]interface{} `json:"result"`
	}
	if err := json.Unmarshal(raw, &envelope); err != nil || envelope.Result == nil {
		return nil, fmt.Errorf("unexpected response (HTTP %d): %s", resp.StatusCode, strings.TrimSpace(string(raw)))
	}
	if envelope.Result["status"] == "error" {
		return nil, fmt.Errorf("RPC error [%v] %v: %v",
			envelope.Result["error_code"], envelope.Result["error"], envelope.Result["error_message"])
	}
	return json.MarshalIndent(envelope.Result, "", "  ")
}
