/*
main.go - Application entry point

PURPOSE:
  Command-line entry point for the obligation engine. Wires configuration,
  the SQLite store, the generator, reconciler, importer and scheduler, then
  runs one of the subcommands.

COMMANDS:
  serve       HTTP API plus background jobs, graceful shutdown
  reconcile   Report duplicate timelines (--dry-run, default) or remove them
  generate    Regenerate one client (--client) or every client

GLOBAL FLAGS:
  --config     Config file (YAML/JSON/TOML)
  --db         SQLite database path (":memory:" for in-memory)
  --timezone   Timezone of due dates (default: Asia/Kolkata)
  --catalog    Activity catalog file seeded on startup
  --log-level  debug|info|warn|error

ENVIRONMENT:
  Every key can be set as OBLIGATIONS_<KEY>, e.g. OBLIGATIONS_DB,
  OBLIGATIONS_IMPORT_CHUNK_SIZE. A .env file in the working directory is
  loaded first.

EXAMPLES:
  ./server serve --port 3000 --catalog ./catalog.yaml
  ./server reconcile --dry-run=false
  ./server generate --client acme

SEE ALSO:
  - config/config.go: Keys and defaults
  - api/server.go: Router configuration
*/
package main

import (
	"context"
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/warp/obligation-engine/config"
)

func main() {
	if err := newRootCmd().ExecuteContext(context.Background()); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	v := viper.New()
	var configFile string

	root := &cobra.Command{
		Use:           "server",
		Short:         "Recurring compliance obligation engine",
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	flags := root.PersistentFlags()
	flags.StringVar(&configFile, "config", "", "config file (yaml, json or toml)")
	flags.String("db", "obligations.db", "SQLite database path")
	flags.String("timezone", "Asia/Kolkata", "timezone of due dates")
	flags.String("catalog", "", "activity catalog file to seed")
	flags.String("log-level", "info", "log level (debug, info, warn, error)")

	for key, flag := range map[string]string{
		"db":        "db",
		"timezone":  "timezone",
		"catalog":   "catalog",
		"log_level": "log-level",
	} {
		_ = v.BindPFlag(key, flags.Lookup(flag))
	}

	load := func() (*config.Config, error) {
		return config.Load(v, configFile)
	}

	root.AddCommand(
		newServeCmd(v, load),
		newReconcileCmd(load),
		newGenerateCmd(load),
	)
	return root
}
