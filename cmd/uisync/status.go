package main

import (
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"time"

	"github.com/spf13/cobra"
)

var statusServer string

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show session host statistics",
	RunE: func(cmd *cobra.Command, args []string) error {
		addr := statusServer
		if addr == "" {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			addr = cfg.Server.Listen
		}

		client := &http.Client{Timeout: 5 * time.Second}
		resp, err := client.Get(fmt.Sprintf("http://%s/stats", addr))
		if err != nil {
			return fmt.Errorf("session host at %s unreachable: %w", addr, err)
		}
		defer resp.Body.Close()
		if resp.StatusCode != http.StatusOK {
			return fmt.Errorf("session host returned %s", resp.Status)
		}

		var stats any
		if err := json.NewDecoder(resp.Body).Decode(&stats); err != nil {
			return fmt.Errorf("decoding stats: %w", err)
		}
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(stats)
	},
}

func init() {
	statusCmd.Flags().StringVar(&statusServer, "server", "", "session host address (defaults to server.listen)")
	rootCmd.AddCommand(statusCmd)
}
