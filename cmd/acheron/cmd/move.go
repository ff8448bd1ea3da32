package cmd

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/spf13/cobra"
)

var moveReason string

var moveCmd = &cobra.Command{
	Use:   "move [from] [to] [id...]",
	Short: "Move messages between queues",
	Long:  "Move one or more messages between queues, e.g. replaying dead letters:\n\n  acheron move dead main 8f3ab12c9d",
	Args:  cobra.MinimumNArgs(3),
	Run: func(cmd *cobra.Command, args []string) {
		req := map[string]any{
			"messages":  args[2:],
			"fromQueue": args[0],
			"toQueue":   args[1],
		}
		if moveReason != "" {
			req["errorReason"] = moveReason
		}

		body, err := json.Marshal(req)
		if err != nil {
			fatal("Error encoding request: %v", err)
		}

		var result struct {
			Moved int    `json:"moved"`
			From  string `json:"from"`
			To    string `json:"to"`
		}
		if err := requestJSON(http.MethodPost, "/api/queue/move", bytes.NewReader(body), &result); err != nil {
			fatal("Error moving messages: %v", err)
		}
		fmt.Fprintf(cmd.OutOrStdout(), "Moved %d message(s) from %s to %s\n", result.Moved, result.From, result.To)
	},
}

func init() {
	moveCmd.Flags().StringVar(&moveReason, "reason", "", "Failure note recorded when moving into the dead queue")
	rootCmd.AddCommand(moveCmd)
}
