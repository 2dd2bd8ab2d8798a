// Command tavernchat is a headless tavern chat client. It joins a room over
// the configured transport, prints the conversation to the terminal and can
// serve the rendered panel on a local HTTP viewer.
package main

import (
	"fmt"
	"os"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/tavern/chat-app/internal/config"
)

var rootCmd = &cobra.Command{
	Use:           "tavernchat",
	Short:         "Tavern chat client (websocket, NATS or Redis transport)",
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		var err error
		cfg, err = loadConfig(cmd)
		if err != nil {
			return err
		}
		return setupLogging(cfg.LogLevel)
	},
}

var (
	cfg config.Config

	flagEnvFile   string
	flagLogLevel  string
	flagTransport string
	flagBaseURL   string
)

func init() {
	flags := rootCmd.PersistentFlags()
	flags.StringVar(&flagEnvFile, "env-file", ".env", "optional .env file read before the environment")
	flags.StringVar(&flagLogLevel, "log-level", "", "log level (debug, info, warn, error)")
	flags.StringVar(&flagTransport, "transport", "", "transport: websocket, nats or redis")
	flags.StringVar(&flagBaseURL, "base-url", "", "base URL the page settings resolve against")

	rootCmd.AddCommand(chatCmd, selectCmd, uploadAvatarCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		log.Fatal().Err(err).Msg("execute tavernchat command")
	}
}

// loadConfig reads the environment and then applies any flags the user set.
func loadConfig(cmd *cobra.Command) (config.Config, error) {
	c, err := config.Load(flagEnvFile)
	if err != nil {
		return config.Config{}, err
	}
	flags := cmd.Flags()
	if flags.Changed("log-level") {
		c.LogLevel = flagLogLevel
	}
	if flags.Changed("transport") {
		c.Transport = flagTransport
	}
	if flags.Changed("base-url") {
		c.BaseURL = flagBaseURL
	}
	return c, nil
}

func setupLogging(level string) error {
	lvl, err := zerolog.ParseLevel(level)
	if err != nil {
		return fmt.Errorf("parse log level %q: %w", level, err)
	}
	zerolog.SetGlobalLevel(lvl)
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.Kitchen})
	return nil
}
