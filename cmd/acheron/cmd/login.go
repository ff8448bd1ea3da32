package cmd

import (
	"bufio"
	"fmt"
	"net/http"
	"os"
	"strings"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"golang.org/x/term"
)

var loginCmd = &cobra.Command{
	Use:   "login",
	Short: "Store an API key for this host",
	Run: func(cmd *cobra.Command, args []string) {
		key, err := readKey()
		if err != nil {
			fatal("Error reading API key: %v", err)
		}
		if key == "" {
			fatal("API key must not be empty")
		}

		// Validate against a cheap authenticated endpoint before saving.
		apiKey = key
		if err := requestJSON(http.MethodGet, "/api/queue/config", nil, nil); err != nil {
			fatal("Error validating API key: %v", err)
		}

		viper.Set("api-key", key)
		viper.Set("host", host)
		if err := writeConfig(); err != nil {
			fatal("Error writing config: %v", err)
		}
		fmt.Fprintf(cmd.OutOrStdout(), "Logged in to %s\n", host)
	},
}

// readKey prompts without echo when stdin is a terminal and falls back
// to a plain line read when input is piped in.
func readKey() (string, error) {
	fd := int(os.Stdin.Fd())
	if term.IsTerminal(fd) {
		fmt.Fprint(os.Stderr, "API key: ")
		raw, err := term.ReadPassword(fd)
		fmt.Fprintln(os.Stderr)
		if err != nil {
			return "", err
		}
		return strings.TrimSpace(string(raw)), nil
	}
	line, err := bufio.NewReader(os.Stdin).ReadString('\n')
	if err != nil && line == "" {
		return "", err
	}
	return strings.TrimSpace(line), nil
}

func init() {
	rootCmd.AddCommand(loginCmd)
}
