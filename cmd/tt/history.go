package main

import (
	"fmt"
	"net/url"
	"strconv"
	"time"

	"github.com/spf13/cobra"

	"github.com/zulandar/turntable/internal/resolver"
)

func newHistoryCmd() *cobra.Command {
	var (
		addr   string
		chatID int64
		limit  int
	)

	cmd := &cobra.Command{
		Use:   "history",
		Short: "Show a chat's recent plays",
		RunE: func(cmd *cobra.Command, args []string) error {
			if chatID == 0 {
				return fmt.Errorf("--chat is required")
			}
			return runHistory(cmd, addr, chatID, limit)
		},
	}

	cmd.Flags().StringVar(&addr, "addr", "http://localhost:8080", "base URL of the Turntable instance")
	cmd.Flags().Int64Var(&chatID, "chat", 0, "chat id")
	cmd.Flags().IntVar(&limit, "limit", 20, "maximum records to show")
	return cmd
}

type historyResponse struct {
	ChatID  int64 `json:"chat_id"`
	Records []struct {
		Title        string `json:"title"`
		DurationSecs int    `json:"duration_secs"`
		Requester    string `json:"requester"`
		StartedAt    string `json:"started_at"`
	} `json:"records"`
}

func runHistory(cmd *cobra.Command, addr string, chatID int64, limit int) error {
	q := url.Values{}
	q.Set("chat_id", strconv.FormatInt(chatID, 10))
	q.Set("limit", strconv.Itoa(limit))

	var hist historyResponse
	if err := getJSON(addr+"/history?"+q.Encode(), &hist); err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	if len(hist.Records) == 0 {
		fmt.Fprintf(out, "No plays recorded for chat %d\n", chatID)
		return nil
	}
	fmt.Fprintf(out, "Recent plays for chat %d:\n", chatID)
	for _, r := range hist.Records {
		started := r.StartedAt
		if t, err := time.Parse(time.RFC3339, r.StartedAt); err == nil {
			started = t.Local().Format("2006-01-02 15:04")
		}
		fmt.Fprintf(out, "  %s  %-40s %8s  by %s\n", started, r.Title, resolver.FormatSeconds(r.DurationSecs), r.Requester)
	}
	return nil
}
