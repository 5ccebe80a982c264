package main

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/bcdev/calvalus-portal/internal/backend"
	"github.com/bcdev/calvalus-portal/internal/config"
	"github.com/bcdev/calvalus-portal/internal/model"
	"github.com/bcdev/calvalus-portal/internal/monitor"
	"github.com/bcdev/calvalus-portal/internal/portal"
	"github.com/bcdev/calvalus-portal/internal/store"
)

func newProductionsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:     "productions",
		Aliases: []string{"prod", "p"},
		Short:   "List, order and manage productions",
	}
	cmd.AddCommand(
		newListCmd(),
		newOrderCmd(),
		newCheckCmd(),
		newActionCmd("cancel", "Cancel productions", (*backend.Client).CancelProductions),
		newActionCmd("delete", "Delete productions", (*backend.Client).DeleteProductions),
		newActionCmd("stage", "Stage the output of productions", (*backend.Client).StageProductions),
		newWatchCmd(),
	)
	return cmd
}

func newListCmd() *cobra.Command {
	var (
		filter  string
		offline bool
		output  string
	)
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List productions",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if err := checkFormat(output); err != nil {
				return err
			}
			cfg := cur.cfg
			if filter == "" {
				filter = cfg.Portal.Filter
			}
			filter = model.NormalizeFilter(filter, cfg.Portal.User)

			var ps []model.Production
			if offline {
				st, err := store.Open(config.DBPath(cfg))
				if err != nil {
					return err
				}
				defer st.Close()
				ps, err = st.LoadProductions(filter)
				if errors.Is(err, store.ErrNotFound) {
					return fmt.Errorf("no cached list for filter %q, run without --offline first", filter)
				}
				if err != nil {
					return err
				}
				return printProductions(cmd.OutOrStdout(), output, ps)
			}

			client, err := newBackendClient(cfg)
			if err != nil {
				return err
			}
			ps, err = client.GetProductions(cmd.Context(), filter)
			if err != nil {
				return err
			}
			// the cache is a convenience; a running portal holds the db
			if st, err := store.Open(config.DBPath(cfg)); err == nil {
				if err := st.SaveProductions(filter, ps, time.Now()); err != nil {
					cur.logger.Warn().Err(err).Msg("cache productions")
				}
				st.Close()
			} else {
				cur.logger.Debug().Err(err).Msg("cache unavailable")
			}
			return printProductions(cmd.OutOrStdout(), output, ps)
		},
	}
	cmd.Flags().StringVarP(&filter, "filter", "f", "", "all, mine or user=<name> (default from config)")
	cmd.Flags().BoolVar(&offline, "offline", false, "show the cached list without contacting the backend")
	cmd.Flags().StringVarP(&output, "output", "o", formatTable, "output format: table, json or yaml")
	return cmd
}

// loadRequest reads a request file and fills in the configured user.
func loadRequest(path string) (*model.ProductionRequest, error) {
	req, err := portal.LoadRequest(path)
	if err != nil {
		return nil, err
	}
	if req.UserName == "" {
		req.UserName = cur.cfg.Portal.User
	}
	if err := req.Validate(); err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return req, nil
}

func newOrderCmd() *cobra.Command {
	var dryRun bool
	cmd := &cobra.Command{
		Use:   "order <request.yaml>",
		Short: "Order a production from a request file",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			req, err := loadRequest(args[0])
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			if dryRun {
				fmt.Fprintf(out, "Request %s is valid.\n", args[0])
				return printCheck(out, req)
			}
			client, err := newBackendClient(cur.cfg)
			if err != nil {
				return err
			}
			res, err := client.OrderProduction(cmd.Context(), req)
			if err != nil {
				return err
			}
			cur.logger.Info().Str("production_id", res.Production.ID).Str("type", req.ProductionType).Msg("production ordered")
			fmt.Fprintf(out, "Ordered %s (%s)\n", res.Production.ID, res.Production.Name)
			if res.Message != "" {
				fmt.Fprintln(out, res.Message)
			}
			return nil
		},
	}
	cmd.Flags().BoolVar(&dryRun, "dry-run", false, "validate the request without ordering")
	return cmd
}

func newCheckCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "check <request.yaml>",
		Short: "Validate a request and show the periods and target size it implies",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			req, err := loadRequest(args[0])
			if err != nil {
				return err
			}
			return printCheck(cmd.OutOrStdout(), req)
		},
	}
}

type actionFunc func(c *backend.Client, ctx context.Context, ids []string) error

func newActionCmd(name, short string, action actionFunc) *cobra.Command {
	return &cobra.Command{
		Use:   name + " <id>...",
		Short: short,
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, ids []string) error {
			client, err := newBackendClient(cur.cfg)
			if err != nil {
				return err
			}
			if err := action(client, cmd.Context(), ids); err != nil {
				return fmt.Errorf("%s: %w", name, err)
			}
			cur.logger.Info().Strs("ids", ids).Msg(name + " requested")
			fmt.Fprintf(cmd.OutOrStdout(), "%s requested for %d production(s)\n", name, len(ids))
			return nil
		},
	}
}

func newWatchCmd() *cobra.Command {
	var (
		interval time.Duration
		staging  bool
	)
	cmd := &cobra.Command{
		Use:   "watch <id>",
		Short: "Follow the status of one production until it ends",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg := cur.cfg
			client, err := newBackendClient(cfg)
			if err != nil {
				return err
			}
			policy, err := monitor.ParseFailurePolicy(cfg.Portal.FailurePolicy, cfg.Portal.MaxConsecutiveFailures)
			if err != nil {
				return err
			}
			if interval <= 0 {
				interval = time.Duration(cfg.Portal.MonitorIntervalMs) * time.Millisecond
			}
			phase := backend.Processing
			if staging {
				phase = backend.Staging
			}
			id := args[0]

			m := monitor.New(backend.StatusReporter(client, id, phase),
				monitor.WithFailurePolicy(policy),
				monitor.WithLogger(cur.logger),
				monitor.WithName(id+"/"+phase.String()),
			)
			bar := newBarObserver(cmd.ErrOrStderr(), id)
			m.AddObserver(bar)

			h, err := m.Start(cmd.Context(), interval)
			if err != nil {
				return err
			}
			select {
			case <-h.Done():
			case <-cmd.Context().Done():
				h.Stop()
				return cmd.Context().Err()
			}

			final := bar.Final()
			if final.State == "" {
				// already finished before the first sample
				final = h.Last()
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s %s: %s\n", id, phase, final)
			switch final.State {
			case model.StateError, model.StateUnknown:
				return fmt.Errorf("%s %s ended with %s", id, phase, final.State)
			}
			return nil
		},
	}
	cmd.Flags().DurationVar(&interval, "interval", 0, "poll interval (default from config)")
	cmd.Flags().BoolVar(&staging, "staging", false, "follow staging instead of processing")
	return cmd
}
