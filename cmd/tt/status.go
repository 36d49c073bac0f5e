package main

import (
	"encoding/json"
	"fmt"
	"net/http"
	"sort"
	"time"

	"github.com/spf13/cobra"
)

func newStatusCmd() *cobra.Command {
	var addr string

	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show a running instance's sessions and queues",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runStatus(cmd, addr)
		},
	}

	cmd.Flags().StringVar(&addr, "addr", "http://localhost:8080", "base URL of the Turntable instance")
	return cmd
}

type statusResponse struct {
	Uptime   string `json:"uptime"`
	Active   int    `json:"active"`
	Sessions []struct {
		ChatID int64  `json:"chat_id"`
		Title  string `json:"title"`
	} `json:"sessions"`
	Queues map[string]int `json:"queues"`
}

func runStatus(cmd *cobra.Command, addr string) error {
	var status statusResponse
	if err := getJSON(addr+"/status", &status); err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "Uptime:          %s\n", status.Uptime)
	fmt.Fprintf(out, "Active sessions: %d\n", status.Active)
	for _, s := range status.Sessions {
		fmt.Fprintf(out, "  %d: %s\n", s.ChatID, s.Title)
	}
	if len(status.Queues) > 0 {
		fmt.Fprintln(out, "Queues:")
		chats := make([]string, 0, len(status.Queues))
		for id := range status.Queues {
			chats = append(chats, id)
		}
		sort.Strings(chats)
		for _, id := range chats {
			fmt.Fprintf(out, "  %s: %d queued\n", id, status.Queues[id])
		}
	}
	return nil
}

// getJSON fetches url and decodes the JSON body into v.
func getJSON(url string, v any) error {
	client := &http.Client{Timeout: 10 * time.Second}
	resp, err := client.Get(url)
	if err != nil {
		return fmt.Errorf("reach instance: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		var failure struct {
			Error string `json:"error"`
		}
		if err := json.NewDecoder(resp.Body).Decode(&failure); err == nil && failure.Error != "" {
			return fmt.Errorf("instance returned %d: %s", resp.StatusCode, failure.Error)
		}
		return fmt.Errorf("instance returned status %d", resp.StatusCode)
	}
	if err := json.NewDecoder(resp.Body).Decode(v); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}
