package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/burrowhq/burrow/internal/client"
	"github.com/burrowhq/burrow/internal/client/introspect"
	"github.com/burrowhq/burrow/pkg/config"
	"github.com/burrowhq/burrow/pkg/version"
)

const (
	settingsDir   = ".tunnelto"
	secretKeyFile = "key.token"
)

var (
	flagVerbose       bool
	flagKey           string
	flagSubDomain     string
	flagLocalHost     string
	flagLocalPort     int
	flagUseTLS        bool
	flagDashboardPort int
)

func main() {
	rootCmd := &cobra.Command{
		Use:     "burrow",
		Short:   "Expose your local web server to the internet with a public url",
		Version: version.GetShortVersion(),
		Run:     runTunnel,
	}

	rootCmd.Flags().BoolVarP(&flagVerbose, "verbose", "v", false, "enable debug logging")
	rootCmd.Flags().StringVarP(&flagKey, "key", "k", "", "API authentication key for this tunnel")
	rootCmd.Flags().StringVarP(&flagSubDomain, "subdomain", "s", "", "requested subdomain")
	rootCmd.Flags().StringVar(&flagLocalHost, "host", "localhost", "local host to forward incoming traffic to")
	rootCmd.Flags().IntVarP(&flagLocalPort, "port", "p", 8000, "local port to forward incoming traffic to")
	rootCmd.Flags().BoolVarP(&flagUseTLS, "use-tls", "t", false, "use TLS for the local forward")
	rootCmd.Flags().IntVar(&flagDashboardPort, "dashboard-port", 0, "introspection dashboard port (0 = ephemeral)")

	setAuthCmd := &cobra.Command{
		Use:   "set-auth",
		Short: "Store the API authentication key",
		Run:   runSetAuth,
	}
	setAuthCmd.Flags().StringVarP(&flagKey, "key", "k", "", "API authentication key to persist")
	setAuthCmd.MarkFlagRequired("key")

	versionCmd := &cobra.Command{
		Use:   "version",
		Short: "Show version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Println(version.GetFullVersion())
		},
	}

	rootCmd.AddCommand(setAuthCmd)
	rootCmd.AddCommand(versionCmd)
	rootCmd.SetVersionTemplate("{{.Version}}\n")

	if err := rootCmd.Execute(); err != nil {
		fmt.Println(err)
		os.Exit(1)
	}
}

func runTunnel(cmd *cobra.Command, args []string) {
	setupLogger()

	cfg, err := config.LoadClientConfig()
	if err != nil {
		log.Fatal().Err(err).Msg("failed to load configuration")
	}

	cfg.LocalHost = flagLocalHost
	cfg.LocalPort = flagLocalPort
	cfg.UseTLS = flagUseTLS
	cfg.SubDomain = flagSubDomain
	cfg.DashboardPort = flagDashboardPort
	cfg.Verbose = flagVerbose
	cfg.SecretKey = resolveKey()

	if err := cfg.Validate(); err != nil {
		log.Fatal().Err(err).Msg("invalid configuration")
	}

	store := introspect.NewStore()
	agent := client.New(cfg, store, log.Logger)

	dashboard, err := introspect.NewDashboard(cfg.DashboardPort, store, agent.Replay, log.Logger)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to start dashboard")
	}
	go func() {
		if err := dashboard.Start(); err != nil {
			log.Error().Err(err).Msg("dashboard server error")
		}
	}()
	defer dashboard.Stop()

	fmt.Printf("  Inspect:     http://%s\n", dashboard.Addr())

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		quit := make(chan os.Signal, 1)
		signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
		<-quit
		log.Info().Msg("shutting down")
		cancel()
	}()

	if err := agent.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		if errors.Is(err, client.ErrAuthFailed) {
			if cfg.SecretKey == "" {
				fmt.Fprintln(os.Stderr, ">> please use an access key with the `--key` option")
			} else {
				fmt.Fprintln(os.Stderr, ">> please check your access key")
			}
		}
		fmt.Fprintf(os.Stderr, "\nerror: %v\n", err)
		os.Exit(1)
	}
}

func runSetAuth(cmd *cobra.Command, args []string) {
	dir, err := settingsPath()
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}

	if err := os.MkdirAll(dir, 0o700); err != nil {
		fmt.Fprintf(os.Stderr, "error: failed to create settings directory: %v\n", err)
		os.Exit(1)
	}

	if err := os.WriteFile(filepath.Join(dir, secretKeyFile), []byte(flagKey), 0o600); err != nil {
		fmt.Fprintf(os.Stderr, "error: failed to save authentication key: %v\n", err)
		os.Exit(1)
	}

	fmt.Println("authentication key stored successfully")
}

// resolveKey prefers the --key flag, falling back to the stored key file
func resolveKey() string {
	if flagKey != "" {
		return flagKey
	}

	dir, err := settingsPath()
	if err != nil {
		return ""
	}

	data, err := os.ReadFile(filepath.Join(dir, secretKeyFile))
	if err != nil {
		return ""
	}
	return strings.TrimSpace(string(data))
}

func settingsPath() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("could not find home directory: %w", err)
	}
	return filepath.Join(home, settingsDir), nil
}

func setupLogger() {
	level := zerolog.InfoLevel
	if flagVerbose {
		level = zerolog.DebugLevel
	}
	zerolog.SetGlobalLevel(level)
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stdout, TimeFormat: time.RFC3339})
}
