package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/S0nnyyy/SirenaVysociny/api"
	"github.com/S0nnyyy/SirenaVysociny/syncer"
)

func NewServeCommand(opts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the poll loop and the query API",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := signalContext(cmd.Context())
			defer cancel()

			a, err := newApp(ctx, cmd, opts)
			if err != nil {
				return err
			}
			defer a.Close()

			runner, err := a.newRunner()
			if err != nil {
				return err
			}
			hub := api.NewHub(a.logger)
			hub.Start()
			defer hub.Stop()
			runner.AddPublisher(hub)

			srv := api.NewServer(api.Config{
				Listen:          a.cfg.API.Listen,
				ReadTimeout:     a.cfg.API.ReadTimeout,
				WriteTimeout:    a.cfg.API.WriteTimeout,
				IdleTimeout:     a.cfg.API.IdleTimeout,
				DefaultPageSize: a.cfg.API.DefaultPageSize,
			}, a.store, runner, hub, a.metrics.Handler(), a.logger)

			srvErr := make(chan error, 1)
			go func() { srvErr <- srv.Serve() }()

			loopErr := make(chan error, 1)
			go func() { loopErr <- runner.Run(ctx) }()

			select {
			case err = <-srvErr:
				cancel()
				<-loopErr
			case <-ctx.Done():
				<-loopErr
			}

			shutdownCtx, stop := context.WithTimeout(context.Background(), 5*time.Second)
			defer stop()
			if serr := srv.Shutdown(shutdownCtx); serr != nil {
				a.logger.Error("api shutdown", "err", serr)
			}
			a.logger.Info("stopped")
			return err
		},
	}
}

func NewSyncCommand(opts *RootOptions) *cobra.Command {
	var asJSON bool
	cmd := &cobra.Command{
		Use:   "sync",
		Short: "Run a single fetch and reconcile cycle, then exit",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := signalContext(cmd.Context())
			defer cancel()

			a, err := newApp(ctx, cmd, opts)
			if err != nil {
				return err
			}
			defer a.Close()

			runner, err := a.newRunner()
			if err != nil {
				return err
			}
			rep, err := runner.RunOnce(ctx)
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			if asJSON {
				enc := json.NewEncoder(out)
				enc.SetIndent("", "  ")
				return enc.Encode(rep)
			}
			fmt.Fprintf(out, "cycle %s: %d new, %d status changes, %d rejected rows\n",
				rep.CycleID, rep.NewCount, rep.ChangedCount, rep.RejectedRows)
			for _, rec := range rep.Inserted {
				fmt.Fprintf(out, "  + %s  %-20s %s, %s\n",
					syncer.FormatTimestamp(rec.ReportedAt), rec.Status, rec.EventType, rec.Municipality)
			}
			for _, ch := range rep.StatusChanges {
				fmt.Fprintf(out, "  ~ %s  %s -> %s\n", syncer.FormatTimestamp(ch.ReportedAt), ch.From, ch.To)
			}
			return nil
		},
	}
	cmd.Flags().BoolVar(&asJSON, "json", false, "print the cycle report as JSON")
	return cmd
}

func NewStatusCommand(opts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Print the sync cursor and the stored record count",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			if ctx == nil {
				ctx = context.Background()
			}
			a, err := newApp(ctx, cmd, opts)
			if err != nil {
				return err
			}
			defer a.Close()
			return printStatus(ctx, cmd, a.store)
		},
	}
}

func printStatus(ctx context.Context, cmd *cobra.Command, st syncer.Reader) error {
	out := cmd.OutOrStdout()
	if err := st.Ping(ctx); err != nil {
		return fmt.Errorf("store offline: %w", err)
	}
	n, err := st.Count(ctx, syncer.Filter{})
	if err != nil {
		return err
	}
	cur, ok, err := st.Cursor(ctx)
	if err != nil {
		return err
	}
	fmt.Fprintf(out, "interventions: %d\n", n)
	if !ok {
		fmt.Fprintln(out, "cursor: none")
		return nil
	}
	fmt.Fprintf(out, "cursor: %s\n", syncer.FormatTimestamp(cur))
	newest, err := st.Page(ctx, syncer.Filter{}, 1, 0)
	if err != nil {
		return err
	}
	if len(newest) == 0 {
		return errors.New("cursor set but store is empty")
	}
	fmt.Fprintf(out, "newest: %s %s (%s)\n",
		syncer.FormatTimestamp(newest[0].ReportedAt), newest[0].EventType, newest[0].Status)
	return nil
}
