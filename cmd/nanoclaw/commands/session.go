package commands

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/Joi/nanoclaw/pkg/nanoclaw/addressbook"
)

// newSessionCmd creates the `nanoclaw session` command group. Sessions are
// worker continuation tokens; resetting one makes the next turn start a
// fresh worker conversation.
func newSessionCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "session",
		Short: "Manage worker sessions",
	}
	cmd.AddCommand(&cobra.Command{
		Use:   "reset <folder> [purpose]",
		Short: "Clear the stored session for a conversation folder",
		Args:  cobra.RangeArgs(1, 2),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(cmd)
			if err != nil {
				return err
			}
			book, err := addressbook.Open(cfg.AddressBookPath(), newLogger(cmd, cfg))
			if err != nil {
				return err
			}
			defer book.Close()

			purpose := "chat"
			if len(args) == 2 {
				purpose = args[1]
			}
			if err := book.ClearSession(args[0], purpose); err != nil {
				return err
			}
			fmt.Printf("Session cleared for %s/%s\n", args[0], purpose)
			return nil
		},
	})
	return cmd
}
