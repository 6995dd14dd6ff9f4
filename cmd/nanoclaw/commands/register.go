package commands

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/Joi/nanoclaw/pkg/nanoclaw/addressbook"
)

// newRegisterCmd creates the `nanoclaw register` command group for operator
// address book management.
func newRegisterCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "register",
		Short: "Manage registered conversations",
	}
	cmd.AddCommand(newRegisterAddCmd())
	cmd.AddCommand(newRegisterLinkCmd())
	cmd.AddCommand(newRegisterListCmd())
	return cmd
}

func newRegisterAddCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "add <chat-id>",
		Short: "Register a conversation",
		Args:  cobra.ExactArgs(1),
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

			folder, _ := cmd.Flags().GetString("folder")
			name, _ := cmd.Flags().GetString("name")
			trigger, _ := cmd.Flags().GetString("trigger")
			requiresTrigger, _ := cmd.Flags().GetBool("requires-trigger")
			withReminders, _ := cmd.Flags().GetBool("reminders")
			withBookmarks, _ := cmd.Flags().GetBool("bookmarks")
			withEmail, _ := cmd.Flags().GetBool("outbound-email")

			conv := &addressbook.Conversation{
				ChatID:          args[0],
				DisplayName:     name,
				Folder:          folder,
				Trigger:         trigger,
				RequiresTrigger: requiresTrigger,
				Capabilities: addressbook.Capabilities{
					Reminders:     withReminders,
					Bookmarks:     withBookmarks,
					OutboundEmail: withEmail,
				},
			}
			if err := book.Put(conv); err != nil {
				return err
			}
			fmt.Printf("Registered %s → %s\n", conv.ChatID, conv.Folder)
			return nil
		},
	}
	cmd.Flags().String("folder", "", "conversation folder (required)")
	cmd.Flags().String("name", "", "display name")
	cmd.Flags().String("trigger", "", "trigger word")
	cmd.Flags().Bool("requires-trigger", false, "only respond to @trigger messages")
	cmd.Flags().Bool("reminders", false, "enable the reminders capability")
	cmd.Flags().Bool("bookmarks", false, "enable the bookmarks capability")
	cmd.Flags().Bool("outbound-email", false, "enable the outbound email capability")
	cmd.MarkFlagRequired("folder")
	return cmd
}

func newRegisterLinkCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "link <chat-id> <folder>",
		Short: "Link a second chat id to an existing folder",
		Args:  cobra.ExactArgs(2),
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

			conv, err := book.Link(args[0], args[1], "")
			if err != nil {
				return err
			}
			fmt.Printf("Linked %s → %s\n", conv.ChatID, conv.Folder)
			return nil
		},
	}
}

func newRegisterListCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List registered conversations",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := loadConfig(cmd)
			if err != nil {
				return err
			}
			book, err := addressbook.Open(cfg.AddressBookPath(), newLogger(cmd, cfg))
			if err != nil {
				return err
			}
			defer book.Close()

			convs, err := book.List()
			if err != nil {
				return err
			}
			for _, c := range convs {
				lastSeen := "never"
				if !c.LastActiveAt.IsZero() {
					lastSeen = c.LastActiveAt.Local().Format(time.RFC3339)
				}
				fmt.Printf("%-40s  %-20s  trigger=%q  last=%s\n",
					c.ChatID, c.Folder, c.Trigger, lastSeen)
			}
			return nil
		},
	}
}
