package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

func main() {
	// Signal-aware context for graceful shutdown. A second Ctrl+C after
	// stop() kills the process.
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := newRootCmd(viper.New()).ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

// newRootCmd builds the command tree. Flags are bound to v, which also reads
// TASKCORE_* environment variables; a flag set on the command line wins over
// the environment, which wins over the config files.
func newRootCmd(v *viper.Viper) *cobra.Command {
	root := &cobra.Command{
		Use:   "taskcore",
		Short: "Plan, execute and audit task graphs",
		Long: `taskcore decomposes a request into a task graph, runs it on a
work-stealing pool with retries and verification, and records every
decision in a signed, hash-chained audit trail.

Configuration is read from ~/.taskcore/config.json, then
.taskcore/config.json, then TASKCORE_* environment variables, then flags.`,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	v.SetEnvPrefix("TASKCORE")
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	v.AutomaticEnv()

	flags := root.PersistentFlags()
	flags.String("config", "", "project config file (default .taskcore/config.json)")
	flags.String("global-config", "", "global config file (default ~/.taskcore/config.json)")
	flags.String("db", "", "audit database path")
	flags.String("stream", "", "execution audit stream")
	flags.String("key-file", "", "hex ed25519 signing seed")
	flags.String("log-level", "", "debug, info, warn or error")
	flags.String("log-format", "", "text or json")
	flags.Bool("json", false, "output JSON")
	for _, name := range []string{"config", "global-config", "db", "stream", "key-file", "log-level", "log-format", "json"} {
		_ = v.BindPFlag(name, flags.Lookup(name))
	}

	root.AddCommand(newRunCmd(v))
	root.AddCommand(newVerifyCmd(v))
	root.AddCommand(newExportCmd(v))
	root.AddCommand(newKeygenCmd(v))
	root.AddCommand(newConfigCmd(v))
	return root
}
