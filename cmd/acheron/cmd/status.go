package cmd

import (
	"fmt"
	"net/http"
	"sort"
	"strconv"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/acheron-mq/acheron/pkg/domain"
)

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show queue depths and priority distribution",
	Run: func(cmd *cobra.Command, args []string) {
		var status domain.QueueStatus
		if err := requestJSON(http.MethodGet, "/api/queue/status", nil, &status); err != nil {
			fatal("Error fetching status: %v", err)
		}

		out := cmd.OutOrStdout()
		fmt.Fprintf(out, "Queue: %s\n\n", status.Queue)

		w := tabwriter.NewWriter(out, 0, 0, 3, ' ', 0)
		fmt.Fprintln(w, "QUEUE\tMESSAGES")
		for _, name := range countOrder(status.Counts) {
			fmt.Fprintf(w, "%s\t%d\n", name, status.Counts[name])
		}
		w.Flush()

		if len(status.Priorities) > 0 {
			fmt.Fprintln(out)
			w = tabwriter.NewWriter(out, 0, 0, 3, ' ', 0)
			fmt.Fprintln(w, "PRIORITY\tWAITING")
			for _, p := range priorityOrder(status.Priorities) {
				fmt.Fprintf(w, "%s\t%d\n", p, status.Priorities[p])
			}
			w.Flush()
		}
	},
}

// countOrder lists the well-known queues first and any extras after,
// alphabetically, so the table is stable between runs.
func countOrder(counts map[string]int64) []string {
	known := []string{"main", "processing", "dead", "acknowledged"}
	seen := make(map[string]bool, len(known))
	var out []string
	for _, name := range known {
		if _, ok := counts[name]; ok {
			out = append(out, name)
			seen[name] = true
		}
	}
	var extra []string
	for name := range counts {
		if !seen[name] {
			extra = append(extra, name)
		}
	}
	sort.Strings(extra)
	return append(out, extra...)
}

func priorityOrder(priorities map[string]int64) []string {
	out := make([]string, 0, len(priorities))
	for p := range priorities {
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool {
		a, _ := strconv.Atoi(out[i])
		b, _ := strconv.Atoi(out[j])
		return a > b
	})
	return out
}

func init() {
	rootCmd.AddCommand(statusCmd)
}
