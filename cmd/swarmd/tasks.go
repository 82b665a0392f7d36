package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"swarmd/internal/task"
)

func newTasksCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "tasks",
		Short: "Maintain the local task snapshot swarmd falls back to when no external store is configured",
	}
	cmd.AddCommand(newTasksPruneCommand())
	cmd.AddCommand(newTasksClearCommand())
	return cmd
}

func newTasksPruneCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "prune [path]",
		Short: "Drop terminal-status tasks (closed/done/dead/failed) from the snapshot",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			path := snapshotArgOrDefault(cmd, args)
			store := task.NewMemoryStore()
			if err := loadSnapshot(path, store); err != nil {
				return err
			}
			before := store.Export()
			kept := make([]task.Task, 0, len(before))
			for _, t := range before {
				if !t.Status.IsTerminal() {
					kept = append(kept, t)
				}
			}
			store.Import(kept)
			if err := saveSnapshot(path, store); err != nil {
				return err
			}
			fmt.Println(statusOK(fmt.Sprintf("pruned %d task(s), %d remain", len(before)-len(kept), len(kept))))
			return nil
		},
	}
}

func newTasksClearCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "clear [path]",
		Short: "Discard every task in the snapshot",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			path := snapshotArgOrDefault(cmd, args)
			store := task.NewMemoryStore()
			if err := saveSnapshot(path, store); err != nil {
				return err
			}
			fmt.Println(statusOK(fmt.Sprintf("cleared task snapshot %s", path)))
			return nil
		},
	}
}

func snapshotArgOrDefault(cmd *cobra.Command, args []string) string {
	if len(args) > 0 {
		return args[0]
	}
	if path := stringFlag(cmd, "tasks-file"); path != "" {
		return path
	}
	return snapshotPathForProject(stringFlag(cmd, "project"))
}
