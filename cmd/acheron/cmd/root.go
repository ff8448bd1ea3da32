package cmd

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

var (
	cfgFile string
	host    string
	apiKey  string
)

var rootCmd = &cobra.Command{
	Use:   "acheron",
	Short: "Acheron CLI",
	Long:  `A developer-facing tool to interact with the Acheron queue API.`,
}

func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func init() {
	cobra.OnInitialize(initConfig)

	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "Config file (default ~/.acheron.yaml)")
	rootCmd.PersistentFlags().StringVar(&host, "host", "http://localhost:8080", "Acheron API URL")
	rootCmd.PersistentFlags().StringVar(&apiKey, "api-key", "", "API key for authentication")
}

// initConfig folds the config file and environment into the flag values.
// Explicit flags always win.
func initConfig() {
	if cfgFile != "" {
		viper.SetConfigFile(cfgFile)
	} else if home, err := os.UserHomeDir(); err == nil {
		viper.AddConfigPath(home)
		viper.SetConfigName(".acheron")
		viper.SetConfigType("yaml")
	}

	viper.SetEnvPrefix("ACHERON")
	viper.AutomaticEnv()
	_ = viper.ReadInConfig()

	if !rootCmd.PersistentFlags().Changed("host") {
		if v := viper.GetString("host"); v != "" {
			host = v
		}
	}
	if apiKey == "" {
		apiKey = viper.GetString("api-key")
	}
}
