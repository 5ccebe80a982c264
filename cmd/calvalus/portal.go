package main

import (
	"errors"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/bcdev/calvalus-portal/internal/config"
	"github.com/bcdev/calvalus-portal/internal/events"
	"github.com/bcdev/calvalus-portal/internal/lock"
	"github.com/bcdev/calvalus-portal/internal/notify"
	"github.com/bcdev/calvalus-portal/internal/portal"
	"github.com/bcdev/calvalus-portal/internal/store"
)

const journalMaxSize = 10 << 20

func newPortalCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "portal",
		Short: "Keep the production list in sync, monitor productions and order from the inbox",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg := cur.cfg
			logger := cur.logger.With().Str("component", "portal").Logger()

			if err := os.MkdirAll(cfg.DataDir, 0755); err != nil {
				return err
			}
			fl := lock.NewFileLock(config.PortalLockPath(cfg))
			if err := fl.TryLock(); err != nil {
				if errors.Is(err, lock.ErrLocked) {
					pid, _ := lock.HolderPID(fl.Path())
					return fmt.Errorf("portal already running (pid %d)", pid)
				}
				return err
			}
			defer fl.Unlock()

			client, err := newBackendClient(cfg)
			if err != nil {
				return err
			}

			st, err := store.Open(config.DBPath(cfg))
			if err != nil {
				return err
			}
			defer st.Close()

			bus := events.NewBus(64, logger)
			defer bus.Close()

			journal, err := events.OpenJournal(config.JournalPath(cfg), journalMaxSize)
			if err != nil {
				return err
			}
			defer journal.Close()
			journal.Attach(bus, events.AllTypes...)

			var n notify.Notifier = notify.Discard{}
			if cfg.Portal.Notify {
				n = notify.NewDesktop()
			}

			if cfg.Portal.InboxDir != "" {
				if err := os.MkdirAll(cfg.Portal.InboxDir, 0755); err != nil {
					return err
				}
			}

			s, err := portal.New(client, cfg.Portal,
				portal.WithBus(bus),
				portal.WithStore(st),
				portal.WithNotifier(n),
				portal.WithLogger(logger),
			)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.ErrOrStderr(), "portal running for %s (filter %s), Ctrl-C to stop\n", cfg.Portal.User, s.Filter())
			return s.Run(cmd.Context())
		},
	}
}
