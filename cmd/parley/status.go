package main

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/spf13/cobra"
)

func buildStatusCmd() *cobra.Command {
	var (
		configPath string
		addr       string
	)

	cmd := &cobra.Command{
		Use:   "status",
		Short: "Check a running server's health endpoint",
		RunE: func(cmd *cobra.Command, args []string) error {
			if addr == "" {
				cfg, err := loadConfig(resolveConfigPath(configPath))
				if err != nil {
					return err
				}
				addr = cfg.Server.ListenAddr
			}
			return runStatus(addr)
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", "", "Path to the configuration file (default parley.yaml)")
	cmd.Flags().StringVar(&addr, "addr", "", "Server address, e.g. localhost:8080 (default from config)")
	return cmd
}

func runStatus(addr string) error {
	url := healthURL(addr)
	client := &http.Client{Timeout: 5 * time.Second}
	resp, err := client.Get(url)
	if err != nil {
		return fmt.Errorf("server unreachable at %s: %w", url, err)
	}
	defer resp.Body.Close()

	var health struct {
		Status string `json:"status"`
		LLM    bool   `json:"llm"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&health); err != nil {
		return fmt.Errorf("unexpected health response: %w", err)
	}

	fmt.Printf("status: %s\n", health.Status)
	fmt.Printf("llm:    %v\n", health.LLM)
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("server reports %s", health.Status)
	}
	return nil
}

// healthURL normalizes a listen address like ":8080" into a full URL.
func healthURL(addr string) string {
	if strings.HasPrefix(addr, "http://") || strings.HasPrefix(addr, "https://") {
		return strings.TrimSuffix(addr, "/") + "/healthz"
	}
	if strings.HasPrefix(addr, ":") {
		addr = "localhost" + addr
	}
	return "http://" + addr + "/healthz"
}
