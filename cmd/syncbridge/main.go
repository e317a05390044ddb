// Command syncbridge reconciles records between a Zoho CRM org and an
// Airtable base: one-shot bulk runs, a long-running daemon with webhook
// ingest and periodic drivers, and mapping utilities.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"syncbridge/internal/syncerr"
)

var (
	flagSourceConfig    string
	flagDatastoreConfig string
	flagVerbose         bool
)

func main() {
	root := &cobra.Command{
		Use:           "syncbridge",
		Short:         "Bidirectional Zoho CRM / Airtable sync engine",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVar(&flagSourceConfig, "source-config", "source.json",
		"path to the CRM configuration document")
	root.PersistentFlags().StringVar(&flagDatastoreConfig, "datastore-config", "datastore.json",
		"path to the datastore configuration document")
	root.PersistentFlags().BoolVarP(&flagVerbose, "verbose", "v", false,
		"debug-level logging")

	root.AddCommand(newBulkSyncCmd())
	root.AddCommand(newDaemonCmd())
	root.AddCommand(newExportMappingsCmd())
	root.AddCommand(newTestModuleCmd())

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(syncerr.ExitCode(err))
	}
}
