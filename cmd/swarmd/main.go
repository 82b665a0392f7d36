// Command swarmd is the outer launcher for the orchestrator core (spec §6
// "CLI surface"): a small wrapper around cobra exposing `launch` (the
// default) and `tasks {prune|clear}`. Everything it does beyond flag
// parsing and process wiring -- the scheduler, the lifecycle engine, the
// IPC control plane -- lives in internal/.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

func main() {
	if err := newRootCommand().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	root := &cobra.Command{
		Use:           "swarmd",
		Short:         "Multi-agent task orchestrator",
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	root.PersistentFlags().String("project", ".", "path identifying the target project (socket path and default task snapshot are derived from it)")
	root.PersistentFlags().String("global-config", "", "path to the global swarmd config file (optional)")
	root.PersistentFlags().String("project-config", "", "path to the project-local swarmd config file (optional)")
	root.PersistentFlags().String("roles", "", "path to a role manifest YAML file (defaults to swarmd's built-in role set)")
	root.PersistentFlags().String("socket", "", "override the derived IPC socket path")
	root.PersistentFlags().String("tasks-file", "", "path to a JSON task snapshot (defaults to a path derived from --project)")
	root.PersistentFlags().Bool("metrics", false, "enable Prometheus instrumentation and serve it over --metrics-addr")
	root.PersistentFlags().String("metrics-addr", "127.0.0.1:9090", "address metrics are served on when --metrics is set")
	root.PersistentFlags().String("log-level", "info", "log level (debug|info|warn|error)")

	root.Flags().Bool("pipe", false, "process one pending request non-interactively, print a summary, and exit (spec §6 \"pipe mode\")")

	root.AddCommand(newLaunchCommand())
	root.AddCommand(newTasksCommand())

	// launch is the default action: running swarmd with no subcommand
	// launches exactly as `swarmd launch` would.
	root.RunE = runLaunch

	return root
}
