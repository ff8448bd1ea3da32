package cmd

import (
	"bufio"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"
)

var watchCmd = &cobra.Command{
	Use:   "watch",
	Short: "Stream queue events as they happen",
	Run: func(cmd *cobra.Command, args []string) {
		resp, err := doRequest(http.MethodGet, "/api/queue/events", nil)
		if err != nil {
			fatal("Error connecting to event feed: %v", err)
		}
		defer resp.Body.Close()
		if resp.StatusCode != http.StatusOK {
			fatal("%v", apiError(resp))
		}

		fmt.Fprintln(os.Stderr, "Watching queue events (ctrl-c to stop)")

		out := cmd.OutOrStdout()
		scanner := bufio.NewScanner(resp.Body)
		scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
		var data string
		for scanner.Scan() {
			line := scanner.Text()
			switch {
			case strings.HasPrefix(line, ":"):
				// Comment frame, used for the server heartbeat.
			case strings.HasPrefix(line, "data:"):
				data = strings.TrimSpace(strings.TrimPrefix(line, "data:"))
			case line == "" && data != "":
				printEvent(out, data)
				data = ""
			}
		}
		if err := scanner.Err(); err != nil {
			fatal("Event feed closed: %v", err)
		}
	},
}

func printEvent(out io.Writer, data string) {
	var ev struct {
		Type      string         `json:"type"`
		Timestamp int64          `json:"timestamp"`
		Payload   map[string]any `json:"payload"`
	}
	if err := json.Unmarshal([]byte(data), &ev); err != nil || ev.Type == "" {
		fmt.Fprintln(out, data)
		return
	}
	detail, _ := json.Marshal(ev.Payload)
	fmt.Fprintf(out, "%s  %-12s %s\n",
		time.UnixMilli(ev.Timestamp).Format("15:04:05"), ev.Type, detail)
}

func init() {
	rootCmd.AddCommand(watchCmd)
}
