package main

import (
	"context"
	"os"
	"path/filepath"
	"time"

	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	shareannounce "github.com/shareannounce/go-shareannounce"
	"github.com/shareannounce/go-shareannounce/announce"
	"github.com/shareannounce/go-shareannounce/config"
	"github.com/shareannounce/go-shareannounce/daemon"
)

var (
	flagConfig   string
	flagLogLevel string
	flagBackend  string
	flagGrace    time.Duration
	flagBrowse   time.Duration
)

func logger() shareannounce.Logger {
	return LogrusAdapter{Log: log.NewEntry(log.StandardLogger())}
}

func newDaemon() *daemon.Daemon {
	return daemon.New(daemon.Options{
		ConfigPath:   flagConfig,
		Backend:      flagBackend,
		GraceTimeout: flagGrace,
		LockPath:     filepath.Join(os.TempDir(), "shareannounced.lock"),
		Log:          logger(),
	})
}

func main() {
	root := &cobra.Command{
		Use:     "shareannounced",
		Short:   "Advertise file shares on the local network via DNS-SD/mDNS",
		Version: shareannounce.VersionNumberString(),
		PersistentPreRunE: func(*cobra.Command, []string) error {
			level, err := log.ParseLevel(flagLogLevel)
			if err != nil {
				return err
			}
			log.SetLevel(level)
			return nil
		},
		RunE: func(cmd *cobra.Command, _ []string) error {
			// No subcommand: under a service manager this is service mode,
			// on a terminal just print usage.
			if daemon.Interactive() {
				return cmd.Help()
			}
			os.Exit(newDaemon().RunService())
			return nil
		},
	}

	root.PersistentFlags().StringVarP(&flagConfig, "config", "c", config.DefaultPath(), "configuration file path")
	root.PersistentFlags().StringVarP(&flagLogLevel, "log-level", "l", "info", "log level")
	root.PersistentFlags().StringVar(&flagBackend, "backend", "", "discovery backend override (builtin, avahi, dnssd)")
	root.PersistentFlags().DurationVar(&flagGrace, "grace", daemon.DefaultGraceTimeout, "shutdown grace timeout for unregistration")

	runCmd := &cobra.Command{
		Use:   "run",
		Short: "Run the advertisement daemon in the foreground",
		Run: func(*cobra.Command, []string) {
			log.Infof("starting %s", shareannounce.VersionString())
			os.Exit(newDaemon().Run())
		},
	}

	installCmd := &cobra.Command{
		Use:          "install",
		Short:        "Register the daemon with the host service manager (requires elevation)",
		SilenceUsage: true,
		RunE: func(*cobra.Command, []string) error {
			return daemon.Install(logger())
		},
	}

	uninstallCmd := &cobra.Command{
		Use:          "uninstall",
		Short:        "Remove the daemon from the host service manager",
		SilenceUsage: true,
		RunE: func(*cobra.Command, []string) error {
			return daemon.Uninstall(logger())
		},
	}

	discoverCmd := &cobra.Command{
		Use:          "discover",
		Short:        "Browse the network for advertised instances (diagnostic)",
		SilenceUsage: true,
		RunE: func(*cobra.Command, []string) error {
			serviceType := config.Default().ServiceName
			if cfg, err := config.Load(flagConfig); err == nil {
				serviceType = cfg.ServiceName
			}

			ctx, cancel := context.WithTimeout(context.Background(), flagBrowse)
			defer cancel()

			l := logger()
			l.Infof("browsing for %s instances for %s", serviceType, flagBrowse)
			found, err := announce.Browse(ctx, serviceType, l)
			if err != nil {
				return err
			}
			l.Infof("discovery finished, found %d instance(s)", found)
			return nil
		},
	}
	discoverCmd.Flags().DurationVar(&flagBrowse, "timeout", 10*time.Second, "how long to browse")

	root.AddCommand(runCmd, installCmd, uninstallCmd, discoverCmd)

	if err := root.Execute(); err != nil {
		log.WithError(err).Error("command failed")
		os.Exit(daemon.ExitCodeFor(err))
	}
}
