package main

import (
	"fmt"
	"os"

	"github.com/pkg/errors"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

var rootCmd = &cobra.Command{
	Use:   "grillo",
	Short: "grillo is a terminal client for streaming chat backends",
	PersistentPreRun: func(cmd *cobra.Command, args []string) {
		// reinitialize the logger once --log-level has been parsed
		err := initLogger()
		cobra.CheckErr(err)
	},
}

func initLogger() error {
	level, err := zerolog.ParseLevel(viper.GetString("log-level"))
	if err != nil {
		return err
	}
	log.Logger = zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr}).
		Level(level).
		With().Timestamp().Logger()
	return nil
}

func initViper() error {
	viper.SetConfigName("grillo")
	viper.SetConfigType("yaml")
	viper.AddConfigPath("$HOME/.grillo")
	viper.AddConfigPath(".")
	viper.SetEnvPrefix("GRILLO")
	viper.AutomaticEnv()

	if err := viper.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return err
		}
	}

	return viper.BindPFlags(rootCmd.PersistentFlags())
}

func main() {
	rootCmd.PersistentFlags().String("log-level", "info", "log level (trace, debug, info, warn, error)")
	rootCmd.PersistentFlags().String("endpoint", "http://localhost:3000/api/chat", "chat backend endpoint")
	rootCmd.PersistentFlags().String("model", "", "model name sent with each request")
	rootCmd.PersistentFlags().String("protocol", "data", "stream protocol (text or data)")
	rootCmd.PersistentFlags().String("store-dir", "", "directory for conversation persistence (empty: in-memory)")

	rootCmd.AddCommand(newChatCommand())

	if err := initViper(); err != nil {
		_, _ = fmt.Fprintf(os.Stderr, "Error initializing config: %s\n", err)
		os.Exit(1)
	}
	if err := initLogger(); err != nil {
		_, _ = fmt.Fprintf(os.Stderr, "Error initializing logger: %s\n", err)
		os.Exit(1)
	}

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
