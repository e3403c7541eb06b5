// Command smaragda is the reference client CLI surface (spec §6):
// sync | pull | push | list [genus] | create <genus> <name> | get <id>.
// Grounded on the teacher's cmd/bd-examples/main.go rootCmd shape
// (SilenceUsage/SilenceErrors, persistent flags, one file per
// subcommand) with github.com/spf13/cobra; reads its defaults from
// internal/config the same way a server process would.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/farant/smaragda-sub003/internal/config"
	"github.com/farant/smaragda-sub003/internal/kerrors"
)

var (
	flagServerURL string
	flagToken     string
	flagDeviceID  string
	flagDBPath    string
)

var rootCmd = &cobra.Command{
	Use:           "smaragda",
	Short:         "Reference client for the smaragda local-first knowledge kernel",
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	cfg := config.Load()
	rootCmd.PersistentFlags().StringVar(&flagServerURL, "server-url", cfg.ServerURL, "sync server base URL (env SERVER_URL)")
	rootCmd.PersistentFlags().StringVar(&flagToken, "token", cfg.AuthToken, "bearer auth token (env AUTH_TOKEN)")
	rootCmd.PersistentFlags().StringVar(&flagDeviceID, "device-id", cfg.DeviceID, "this replica's device id (env DEVICE_ID)")
	rootCmd.PersistentFlags().StringVar(&flagDBPath, "db", cfg.DBPath, "path to the local database file (env DB_PATH)")

	rootCmd.AddCommand(syncCmd, pullCmd, pushCmd, listCmd, createCmd, getCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(exitCodeFor(err))
	}
}

// exitCodeFor maps a returned error to spec §6's CLI exit codes: 0 on
// success, 1 on missing auth, 2 on protocol error.
func exitCodeFor(err error) int {
	switch {
	case kerrors.Is(err, kerrors.ErrAuth):
		return 1
	case kerrors.Is(err, kerrors.ErrTransport), kerrors.Is(err, kerrors.ErrTimeout), kerrors.Is(err, kerrors.ErrDivergentRes):
		return 2
	default:
		return 1
	}
}
