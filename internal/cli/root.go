package cli

import (
	"fmt"
	"net"
	"strconv"

	"github.com/harun/datalens/internal/config"
	"github.com/spf13/cobra"
)

// version is overridden at build time with -ldflags "-X ...cli.version=...".
var version = "0.1.0"

var (
	cfgFile   string
	logLevel  string
	serverURL string
)

// rootCmd represents the base command when called without any subcommands
var rootCmd = &cobra.Command{
	Use:   "datalens",
	Short: "DataLens - conversational agent gateway",
	Long: `DataLens is a conversational agent gateway. It drives an LLM through a
tool-calling loop over databases, Splunk, Bitbucket and Outlook, and streams
answers to clients over HTTP, SSE and WebSocket.`,
	Version:      version,
	SilenceUsage: true,
}

// Execute adds all child commands to the root command and sets flags appropriately.
// This is called by main.main(). It only needs to happen once to the rootCmd.
func Execute() error {
	return rootCmd.Execute()
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default is $HOME/.datalens/datalens.yaml)")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "info", "log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().StringVar(&serverURL, "server", "", "gateway base URL for client commands (default from config)")

	rootCmd.SetVersionTemplate(`{{with .Name}}{{printf "%s " .}}{{end}}{{printf "version %s" .Version}}
`)
}

// GetRootCmd returns the root command for testing
func GetRootCmd() *cobra.Command {
	return rootCmd
}

// GetVersion returns the current version
func GetVersion() string {
	return version
}

// loadConfig reads the config file and applies the --log-level flag when it
// was given explicitly.
func loadConfig(cmd *cobra.Command) (*config.Config, error) {
	cfg, err := config.Load(cfgFile)
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}
	if cmd.Flags().Changed("log-level") {
		cfg.Logging.Level = logLevel
	}
	return cfg, nil
}

// baseURL resolves where client commands reach the gateway.
func baseURL(cmd *cobra.Command) (string, error) {
	if serverURL != "" {
		return serverURL, nil
	}
	cfg, err := loadConfig(cmd)
	if err != nil {
		return "", err
	}
	return gatewayURL(cfg.Server.Host, cfg.Server.Port), nil
}

// gatewayURL maps a listen address to a dialable URL.
func gatewayURL(host string, port int) string {
	switch host {
	case "", "0.0.0.0", "::":
		host = "127.0.0.1"
	}
	return "http://" + net.JoinHostPort(host, strconv.Itoa(port))
}
