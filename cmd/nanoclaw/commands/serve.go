package commands

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/Joi/nanoclaw/pkg/nanoclaw/addressbook"
	"github.com/Joi/nanoclaw/pkg/nanoclaw/bookmarks"
	"github.com/Joi/nanoclaw/pkg/nanoclaw/channels"
	signalchan "github.com/Joi/nanoclaw/pkg/nanoclaw/channels/signal"
	slackchan "github.com/Joi/nanoclaw/pkg/nanoclaw/channels/slack"
	"github.com/Joi/nanoclaw/pkg/nanoclaw/intake"
	"github.com/Joi/nanoclaw/pkg/nanoclaw/ipc"
	"github.com/Joi/nanoclaw/pkg/nanoclaw/pool"
	"github.com/Joi/nanoclaw/pkg/nanoclaw/reminders"
	"github.com/Joi/nanoclaw/pkg/nanoclaw/router"
	"github.com/Joi/nanoclaw/pkg/nanoclaw/scheduler"
	"github.com/Joi/nanoclaw/pkg/nanoclaw/snapshot"
	"github.com/Joi/nanoclaw/pkg/nanoclaw/voice"
)

// newServeCmd creates the `nanoclaw serve` command that starts the daemon.
func newServeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Start the gateway daemon",
		Long: `Start NanoClaw as a daemon: connect the enabled channels, run the
worker pool, scheduler, tool IPC sweeper, snapshot writer, intake pollers
and the voice endpoint.

Examples:
  nanoclaw serve
  nanoclaw serve --config ./config.yaml --verbose`,
		RunE: runServe,
	}
}

func runServe(cmd *cobra.Command, _ []string) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	logger := newLogger(cmd, cfg)

	if err := os.MkdirAll(cfg.DataDir, 0o755); err != nil {
		return fmt.Errorf("preparing data dir: %w", err)
	}

	// ── Durable stores ──
	book, err := addressbook.Open(cfg.AddressBookPath(), logger)
	if err != nil {
		return err
	}
	defer book.Close()

	taskStore, err := scheduler.OpenStore(cfg.TaskStorePath())
	if err != nil {
		return err
	}
	defer taskStore.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// ── Channels ──
	registry := channels.NewRegistry(logger)
	var chans []channels.Channel
	if cfg.Channels.Signal.Enabled {
		ch := signalchan.New(cfg.Channels.Signal.Config, logger)
		registry.Register(ch)
		chans = append(chans, ch)
	}
	for _, sc := range cfg.Channels.Slack {
		if !sc.Enabled {
			continue
		}
		ch := slackchan.New(sc.Config, logger)
		registry.Register(ch)
		chans = append(chans, ch)
	}

	// ── Worker pool ──
	info := func(folder string) (pool.FolderInfo, error) {
		if folder == cfg.Voice.Folder {
			return pool.FolderInfo{ChatID: channels.VoiceChatID}, nil
		}
		fi := pool.FolderInfo{IsMain: folder == cfg.MainFolder}
		rep, err := book.Representative(folder)
		if err == addressbook.ErrNotFound {
			if fi.IsMain {
				return fi, nil
			}
			return fi, fmt.Errorf("unknown conversation folder %q", folder)
		}
		if err != nil {
			return fi, err
		}
		fi.ChatID = rep.ChatID
		fi.Capabilities = rep.Capabilities
		if rep.Container != nil {
			fi.ExtraEnv = rep.Container.Env
		}
		return fi, nil
	}
	workers := pool.New(cfg.Pool, info, registry.Send, book, logger)
	workers.Start(ctx)
	defer workers.Stop()

	// ── Scheduler ──
	sched, err := scheduler.New(cfg.Scheduler, taskStore, workers, logger)
	if err != nil {
		return err
	}

	// ── External collaborators ──
	relay := bookmarks.New(cfg.Bookmarks, logger)
	bridge := reminders.New(cfg.Reminders, logger)

	// ── Snapshots ──
	snapshots := snapshot.New(cfg.Snapshot, book, sched, bridge, logger)
	sched.SetOnMutate(snapshots.RefreshAll)
	snapshots.Start(ctx)
	defer snapshots.Stop()

	sched.Start(ctx)
	defer sched.Stop()

	// ── Tool IPC ──
	ipcServer := ipc.New(cfg.IPC, ipc.Deps{
		Book:      book,
		Scheduler: sched,
		Send: func(ctx context.Context, chatID, text, senderLabel string) error {
			return registry.SendAs(ctx, chatID, text, senderLabel)
		},
		Reminders:        bridge,
		Bookmarks:        relay,
		RefreshReminders: snapshots.RefreshReminders,
		RefreshSnapshots: snapshots.RefreshAll,
	}, logger)
	ipcServer.Start(ctx)
	defer ipcServer.Stop()

	// ── Router ──
	rt := router.New(book, workers, logger)
	if cfg.Channels.Signal.Enabled && cfg.Channels.Signal.AutoRegister {
		rt.SetAutoRegister(channels.SignalPrefix, router.AutoRegisterPolicy{
			Enabled:        true,
			FolderTemplate: "sig-%s",
			Trigger:        cfg.Name,
		})
	}
	for _, sc := range cfg.Channels.Slack {
		if sc.Enabled && sc.AutoRegister {
			prefix := channels.SlackPrefix
			if sc.Namespace != "" {
				prefix += sc.Namespace + ":"
			}
			rt.SetAutoRegister(prefix, router.AutoRegisterPolicy{
				Enabled:        true,
				FolderTemplate: "slack-%s",
			})
		}
	}
	handlers := channels.Handlers{
		OnMessage:      rt.HandleMessage,
		OnChatMetadata: rt.HandleChatMetadata,
	}
	for _, ch := range chans {
		ch.SetHandlers(handlers)
	}

	// ── Connect channels in parallel ──
	g, gctx := errgroup.WithContext(ctx)
	for _, ch := range chans {
		g.Go(func() error {
			if err := ch.Connect(gctx); err != nil {
				// Degraded start: the channel stays down, messages queue.
				logger.Error("channel connect failed", "channel", ch.Name(), "error", err)
			}
			return nil
		})
	}
	g.Wait()
	defer registry.DisconnectAll()

	// ── Voice endpoint ──
	if cfg.Voice.Token != "" {
		voiceServer := voice.New(cfg.Voice, workers, logger)
		if err := voiceServer.Start(ctx); err != nil {
			return err
		}
		defer func() {
			shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer shutdownCancel()
			voiceServer.Stop(shutdownCtx)
		}()
	} else {
		logger.Warn("voice endpoint disabled: no token configured")
	}

	// ── Intake pollers ──
	mailPoller := intake.NewMailPoller(cfg.Mail, relay, logger)
	mailPoller.Start(ctx)
	defer mailPoller.Stop()

	logger.Info("nanoclaw started",
		"channels", len(chans),
		"main_folder", cfg.MainFolder,
		"ipc_root", cfg.IPC.Root,
	)

	// ── Wait for shutdown signal ──
	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	select {
	case s := <-sig:
		logger.Info("shutting down", "signal", s.String())
	case <-ctx.Done():
	}
	cancel()
	return nil
}
