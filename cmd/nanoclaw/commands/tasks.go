package commands

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/Joi/nanoclaw/pkg/nanoclaw/scheduler"
)

// newTasksCmd creates the `nanoclaw tasks` command group for operator task
// inspection and lifecycle control.
func newTasksCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "tasks",
		Short: "Inspect and manage scheduled tasks",
	}
	cmd.AddCommand(newTasksListCmd())
	cmd.AddCommand(newTaskStatusCmd("pause", "Pause an active task"))
	cmd.AddCommand(newTaskStatusCmd("resume", "Resume a paused task"))
	cmd.AddCommand(newTaskStatusCmd("cancel", "Cancel (delete) a task"))
	return cmd
}

func newTasksListCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List all scheduled tasks",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			store, cleanup, err := openTaskStore(cmd)
			if err != nil {
				return err
			}
			defer cleanup()

			tasks, err := store.List("")
			if err != nil {
				return err
			}
			for _, t := range tasks {
				next := "-"
				if !t.NextFire.IsZero() {
					next = t.NextFire.Local().Format(time.RFC3339)
				}
				fmt.Printf("%-36s  %-10s  %-8s  folder=%-16s  next=%s  %q\n",
					t.ID, t.Status, t.Kind, t.Folder, next, t.Prompt)
			}
			return nil
		},
	}
}

func newTaskStatusCmd(verb, short string) *cobra.Command {
	return &cobra.Command{
		Use:   verb + " <task-id>",
		Short: short,
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(cmd)
			if err != nil {
				return err
			}
			store, err := scheduler.OpenStore(cfg.TaskStorePath())
			if err != nil {
				return err
			}
			defer store.Close()

			// The daemon's tick loop picks the change up from the shared
			// table; the scheduler here only applies the change and runs
			// no tick loop or pool.
			sched, err := scheduler.New(cfg.Scheduler, store, nil, newLogger(cmd, cfg))
			if err != nil {
				return err
			}
			switch verb {
			case "pause":
				err = sched.Pause(args[0])
			case "resume":
				err = sched.Resume(args[0])
			case "cancel":
				err = sched.Cancel(args[0])
			}
			if err != nil {
				return err
			}
			fmt.Printf("Task %s: %sd\n", args[0], verb)
			return nil
		},
	}
}

func openTaskStore(cmd *cobra.Command) (*scheduler.Store, func(), error) {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return nil, nil, err
	}
	store, err := scheduler.OpenStore(cfg.TaskStorePath())
	if err != nil {
		return nil, nil, err
	}
	return store, func() { store.Close() }, nil
}
