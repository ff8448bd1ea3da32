package cmd

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"

	"github.com/spf13/cobra"
)

var deleteCmd = &cobra.Command{
	Use:   "delete [queue] [id...]",
	Short: "Delete messages from a queue",
	Args:  cobra.MinimumNArgs(2),
	Run: func(cmd *cobra.Command, args []string) {
		queue, ids := args[0], args[1:]

		if len(ids) == 1 {
			path := fmt.Sprintf("/api/queue/message/%s?queueType=%s",
				url.PathEscape(ids[0]), url.QueryEscape(queue))
			if err := requestJSON(http.MethodDelete, path, nil, nil); err != nil {
				fatal("Error deleting message: %v", err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Deleted %s from %s\n", ids[0], queue)
			return
		}

		body, err := json.Marshal(map[string]any{"messageIds": ids})
		if err != nil {
			fatal("Error encoding request: %v", err)
		}

		var result struct {
			Deleted int `json:"deleted"`
		}
		path := "/api/queue/messages/delete?queueType=" + url.QueryEscape(queue)
		if err := requestJSON(http.MethodPost, path, bytes.NewReader(body), &result); err != nil {
			fatal("Error deleting messages: %v", err)
		}
		fmt.Fprintf(cmd.OutOrStdout(), "Deleted %d of %d message(s) from %s\n", result.Deleted, len(ids), queue)
	},
}

func init() {
	rootCmd.AddCommand(deleteCmd)
}
