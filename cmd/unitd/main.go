// Command unitd is the unit manager daemon: it loads the unit
// declarations, activates them along the dependency graph, and
// supervises the resulting services until it is told to shut down.
package main

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/gofrs/flock"
	"github.com/spf13/cobra"
	"github.com/tuxdude/zzzlog"
	"github.com/tuxdude/zzzlogi"

	"github.com/tuxdude/unitd"
)

var (
	unitDir         string
	notificationDir string
	debug           bool
)

func buildLogger() zzzlogi.Logger {
	config := zzzlog.NewConsoleLoggerConfig()
	config.MaxLevel = zzzlog.LvlInfo
	if debug {
		config.MaxLevel = zzzlog.LvlDebug
	}
	return zzzlog.NewLogger(config)
}

func run(cmd *cobra.Command, args []string) error {
	log := buildLogger()

	if err := os.MkdirAll(notificationDir, 0o755); err != nil {
		return fmt.Errorf("failed to create notification directory: %w", err)
	}

	// Only one manager instance per notification directory.
	lock := flock.New(filepath.Join(notificationDir, "unitd.lock"))
	locked, err := lock.TryLock()
	if err != nil {
		return fmt.Errorf("failed to acquire instance lock: %w", err)
	}
	if !locked {
		return fmt.Errorf("another unitd instance is already using %s", notificationDir)
	}
	defer func() {
		_ = lock.Unlock()
	}()

	m, err := unitd.NewManager(log, unitd.Config{
		UnitDir:         unitDir,
		NotificationDir: notificationDir,
	})
	if err != nil {
		return err
	}

	os.Exit(m.Wait())
	return nil
}

func main() {
	rootCmd := &cobra.Command{
		Use:           "unitd",
		Short:         "Dependency-aware service manager",
		Long:          "unitd activates services, sockets and targets in dependency order and supervises the resulting processes.",
		RunE:          run,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	rootCmd.Flags().StringVar(&unitDir, "unit-dir", "/etc/unitd/units", "Directory to load *.unit files from")
	rootCmd.Flags().StringVar(&notificationDir, "notification-dir", "/run/unitd", "Directory for per-service notification sockets")
	rootCmd.Flags().BoolVar(&debug, "debug", false, "Enable debug logging")

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
