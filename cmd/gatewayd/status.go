package main

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/spf13/cobra"
)

func statusCmd() *cobra.Command {
	var apiURL string

	cmd := &cobra.Command{
		Use:   "status",
		Short: "Query the running gateway's pool status",
		Long:  "Fetch GET /status from a running gatewayd instance and print the pool snapshot",
		RunE: func(cmd *cobra.Command, args []string) error {
			client := &http.Client{Timeout: 5 * time.Second}
			resp, err := client.Get(apiURL + "/status")
			if err != nil {
				return fmt.Errorf("query status: %w", err)
			}
			defer resp.Body.Close()

			body, err := io.ReadAll(resp.Body)
			if err != nil {
				return fmt.Errorf("read status response: %w", err)
			}
			if resp.StatusCode != http.StatusOK {
				return fmt.Errorf("status request failed: %s: %s", resp.Status, string(body))
			}

			var pretty map[string]any
			if err := json.Unmarshal(body, &pretty); err != nil {
				fmt.Println(string(body))
				return nil
			}
			out, _ := json.MarshalIndent(pretty, "", "  ")
			fmt.Println(string(out))
			return nil
		},
	}

	cmd.Flags().StringVar(&apiURL, "api-url", "http://127.0.0.1:5000", "Gateway control API base URL")
	return cmd
}
