package main

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/spf13/cobra"

	"devicemanager/api_agent/internal/agent"
	"devicemanager/api_agent/internal/credentials"
	"devicemanager/api_agent/internal/platform"
	"devicemanager/api_agent/internal/query"
	api "devicemanager/pkg/api/devicehub"
	"devicemanager/pkg/config"
	"devicemanager/pkg/logging"
	"devicemanager/pkg/version"
)

type options struct {
	server    string
	token     string
	tokenFile string
	dryRun    bool
	heartbeat time.Duration
	osquery   string
}

func newRootCmd() *cobra.Command {
	logger := logging.NewLoggerWithService("lookout")
	config.LoadEnv(logger)

	opts := &options{}
	rootCmd := &cobra.Command{
		Use:           "lookout",
		Short:         "Lookout device agent for bosun",
		Long:          "Lookout keeps this device connected to a bosun hub and executes ping, power and query commands sent by operators.",
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	flags := rootCmd.PersistentFlags()
	flags.StringVar(&opts.server, "server", config.GetEnv("LOOKOUT_SERVER", "http://localhost:18020"), "bosun base URL [LOOKOUT_SERVER]")
	flags.StringVar(&opts.token, "token", config.GetEnv("LOOKOUT_TOKEN", ""), "device token, overrides the token file [LOOKOUT_TOKEN]")
	flags.StringVar(&opts.tokenFile, "token-file", config.GetEnv("LOOKOUT_TOKEN_FILE", defaultTokenFile()), "credentials file written by pair [LOOKOUT_TOKEN_FILE]")
	flags.BoolVar(&opts.dryRun, "dry-run", config.GetEnvBool("LOOKOUT_DRY_RUN", false), "log power actions instead of executing them [LOOKOUT_DRY_RUN]")

	rootCmd.AddCommand(newRunCmd(opts, logger))
	rootCmd.AddCommand(newPairCmd(opts, logger))
	rootCmd.AddCommand(newVersionCmd())
	return rootCmd
}

func newRunCmd(opts *options, logger logging.Logger) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Connect to the device hub and serve commands until interrupted",
		RunE: func(cmd *cobra.Command, args []string) error {
			token, err := credentials.Resolve(opts.token, opts.tokenFile)
			if err != nil {
				return err
			}
			a := agent.New(agent.Config{
				ServerURL: opts.server,
				Token:     token,
				Queries:   query.NewOSQuery(opts.osquery),
				Power:     platform.NewHost(opts.dryRun, logger),
				Heartbeat: opts.heartbeat,
				Logger:    logger,
			})
			logger.WithFields(logging.Fields{
				"server":  opts.server,
				"dry_run": opts.dryRun,
				"version": version.Version,
			}).Info("Starting Lookout")
			return a.Run(cmd.Context())
		},
	}
	cmd.Flags().DurationVar(&opts.heartbeat, "heartbeat", config.GetEnvDuration("LOOKOUT_HEARTBEAT", 30*time.Second), "status report interval [LOOKOUT_HEARTBEAT]")
	cmd.Flags().StringVar(&opts.osquery, "osquery", config.GetEnv("LOOKOUT_OSQUERY_BIN", query.DefaultBinary), "osquery shell binary [LOOKOUT_OSQUERY_BIN]")
	return cmd
}

func newPairCmd(opts *options, logger logging.Logger) *cobra.Command {
	return &cobra.Command{
		Use:   "pair",
		Short: "Request a pairing code and store the issued device token",
		RunE: func(cmd *cobra.Command, args []string) error {
			out := cmd.OutOrStdout()
			creds, err := agent.Pair(cmd.Context(), opts.server, logger, func(code api.PairingCodeResponse) {
				fmt.Fprintf(out, "Pairing code: %s\n", code.Code)
				fmt.Fprintf(out, "Enter it in the device portal before %s.\n", code.ExpiresAt.Local().Format(time.Kitchen))
			})
			if err != nil {
				return err
			}
			if err := credentials.Save(opts.tokenFile, credentials.Credentials{
				DeviceID:  creds.DeviceID,
				TenantID:  creds.TenantID,
				Token:     creds.Token,
				ExpiresAt: creds.ExpiresAt,
			}); err != nil {
				return err
			}
			fmt.Fprintf(out, "Paired as device %s. Credentials saved to %s\n", creds.DeviceID, opts.tokenFile)
			return nil
		},
	}
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version info",
		RunE: func(cmd *cobra.Command, args []string) error {
			fmt.Fprintf(cmd.OutOrStdout(), "Lookout %s\n", version.Version)
			fmt.Fprintf(cmd.OutOrStdout(), " - git: %s\n", version.GitCommit)
			fmt.Fprintf(cmd.OutOrStdout(), " - built: %s\n", version.BuildDate)
			return nil
		},
	}
}

func defaultTokenFile() string {
	dir, err := os.UserConfigDir()
	if err != nil {
		return "lookout-credentials.json"
	}
	return filepath.Join(dir, "lookout", "credentials.json")
}
