package cmd

import (
	"errors"
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Manage CLI configuration",
}

var configViewCmd = &cobra.Command{
	Use:   "view",
	Short: "View current configuration",
	Run: func(cmd *cobra.Command, args []string) {
		for k, v := range viper.AllSettings() {
			fmt.Fprintf(cmd.OutOrStdout(), "%s: %v\n", k, v)
		}
	},
}

var configSetCmd = &cobra.Command{
	Use:   "set [key] [value]",
	Short: "Set a configuration value",
	Args:  cobra.ExactArgs(2),
	Run: func(cmd *cobra.Command, args []string) {
		viper.Set(args[0], args[1])
		if err := writeConfig(); err != nil {
			fatal("Error writing config: %v", err)
		}
		fmt.Fprintf(cmd.OutOrStdout(), "Set %s to %s\n", args[0], args[1])
	},
}

var configGetCmd = &cobra.Command{
	Use:   "get [key]",
	Short: "Get a configuration value",
	Args:  cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		val := viper.Get(args[0])
		if val == nil {
			fmt.Fprintln(cmd.OutOrStdout(), "Not set")
		} else {
			fmt.Fprintln(cmd.OutOrStdout(), val)
		}
	},
}

// writeConfig persists the current viper settings, creating the config
// file on first use.
func writeConfig() error {
	err := viper.WriteConfig()
	if err == nil {
		return nil
	}
	var notFound viper.ConfigFileNotFoundError
	if errors.As(err, &notFound) || os.IsNotExist(err) {
		return viper.SafeWriteConfig()
	}
	return err
}

func init() {
	configCmd.AddCommand(configViewCmd)
	configCmd.AddCommand(configSetCmd)
	configCmd.AddCommand(configGetCmd)
	rootCmd.AddCommand(configCmd)
}
