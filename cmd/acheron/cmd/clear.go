package cmd

import (
	"fmt"
	"net/http"
	"net/url"

	"github.com/spf13/cobra"
)

var clearCmd = &cobra.Command{
	Use:   "clear [queue|all]",
	Short: "Drop every message in a queue, or in all of them",
	Args:  cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		var result struct {
			Cleared int    `json:"cleared"`
			Queue   string `json:"queue"`
		}

		if args[0] == "all" {
			if err := requestJSON(http.MethodDelete, "/api/queue/clear", nil, &result); err != nil {
				fatal("Error clearing queues: %v", err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Cleared %d message(s) across all queues\n", result.Cleared)
			return
		}

		path := fmt.Sprintf("/api/queue/%s/clear", url.PathEscape(args[0]))
		if err := requestJSON(http.MethodDelete, path, nil, &result); err != nil {
			fatal("Error clearing queue: %v", err)
		}
		fmt.Fprintf(cmd.OutOrStdout(), "Cleared %d message(s) from %s\n", result.Cleared, result.Queue)
	},
}

func init() {
	rootCmd.AddCommand(clearCmd)
}
