package cmd

import (
	"os"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/endorses/mercury/cmd/run"
	"github.com/endorses/mercury/internal/pkg/version"
)

var cfgFile string

var rootCmd = &cobra.Command{
	Use:     "mercury",
	Short:   "mercury fingerprints network traffic",
	Long:    `mercury extracts protocol fingerprints from network traffic and classifies the likely originating process of encrypted sessions.`,
	Version: version.GetFullVersion(),
}

func Execute() {
	err := rootCmd.Execute()
	if err != nil {
		os.Exit(1)
	}
}

func init() {
	cobra.OnInitialize(initConfig)

	rootCmd.AddCommand(run.RunCmd)

	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default is $HOME/.mercury.yaml)")
	rootCmd.PersistentFlags().String("log-level", "info", "log level (debug, info, warn, error)")
	viper.BindPFlag("log_level", rootCmd.PersistentFlags().Lookup("log-level"))
}

func initConfig() {
	if cfgFile != "" {
		viper.SetConfigFile(cfgFile)
	} else {
		home, err := os.UserHomeDir()
		cobra.CheckErr(err)

		viper.AddConfigPath(home)
		viper.SetConfigType("yaml")
		viper.SetConfigName(".mercury")
	}
	viper.SetEnvPrefix("MERCURY")
	viper.AutomaticEnv()

	// A missing config file is fine; flags and env cover everything.
	_ = viper.ReadInConfig()
}
