package cmd

import (
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/acheron-mq/acheron/pkg/domain"
)

var (
	listPage     int
	listLimit    int
	listType     string
	listPriority int
	listSearch   string
	listSort     string
	listOrder    string
)

var listCmd = &cobra.Command{
	Use:   "list [queue]",
	Short: "List messages in a queue (main, processing, dead, acknowledged)",
	Args:  cobra.MaximumNArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		queue := "main"
		if len(args) > 0 {
			queue = args[0]
		}

		q := url.Values{}
		q.Set("page", strconv.Itoa(listPage))
		q.Set("limit", strconv.Itoa(listLimit))
		if listType != "" {
			q.Set("filterType", listType)
		}
		if cmd.Flags().Changed("priority") {
			q.Set("filterPriority", strconv.Itoa(listPriority))
		}
		if listSearch != "" {
			q.Set("search", listSearch)
		}
		if listSort != "" {
			q.Set("sortBy", listSort)
		}
		if listOrder != "" {
			q.Set("sortOrder", listOrder)
		}

		var result domain.QueryResult
		path := fmt.Sprintf("/api/queue/%s/messages?%s", url.PathEscape(queue), q.Encode())
		if err := requestJSON(http.MethodGet, path, nil, &result); err != nil {
			fatal("Error listing messages: %v", err)
		}

		out := cmd.OutOrStdout()
		w := tabwriter.NewWriter(out, 0, 0, 3, ' ', 0)
		fmt.Fprintln(w, "ID\tTYPE\tPRIORITY\tATTEMPTS\tAGE\tERROR")
		for _, m := range result.Messages {
			fmt.Fprintf(w, "%s\t%s\t%d\t%d\t%s\t%s\n",
				m.ID,
				m.Type,
				m.Priority,
				m.AttemptCount,
				messageAge(m.CreatedAt),
				truncate(m.LastError, 40),
			)
		}
		w.Flush()

		p := result.Pagination
		fmt.Fprintf(out, "\nPage %d/%d (%d messages)\n", p.Page, p.TotalPages, p.Total)
	},
}

// messageAge renders a creation timestamp (unix seconds) as a rounded
// duration, or "-" when the message never carried one.
func messageAge(createdAt float64) string {
	if createdAt == 0 {
		return "-"
	}
	return time.Since(time.Unix(int64(createdAt), 0)).Round(time.Second).String()
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n-3] + "..."
}

func init() {
	listCmd.Flags().IntVar(&listPage, "page", 1, "Page number")
	listCmd.Flags().IntVar(&listLimit, "limit", 50, "Messages per page")
	listCmd.Flags().StringVar(&listType, "type", "", "Only messages of this type")
	listCmd.Flags().IntVar(&listPriority, "priority", 0, "Only messages with this priority")
	listCmd.Flags().StringVar(&listSearch, "search", "", "Substring match against id, type and payload")
	listCmd.Flags().StringVar(&listSort, "sort", "", "Sort field (created_at, priority, type)")
	listCmd.Flags().StringVar(&listOrder, "order", "", "Sort order (asc, desc)")
	rootCmd.AddCommand(listCmd)
}
