package main

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"syncbridge/internal/config"
	"syncbridge/internal/ingest"
	"syncbridge/internal/mapping"
	"syncbridge/internal/plan"
	"syncbridge/internal/remote"
	"syncbridge/internal/scheduler"
	"syncbridge/internal/syncerr"
)

func newBulkSyncCmd() *cobra.Command {
	var (
		modules []string
		record  string
		dryRun  bool
	)
	cmd := &cobra.Command{
		Use:   "bulk-sync",
		Short: "Run a full reconciliation for the given modules",
		RunE: func(cmd *cobra.Command, _ []string) error {
			a, err := newApp(dryRun)
			if err != nil {
				return err
			}
			defer a.close()

			ctx := cmd.Context()
			if record != "" {
				if len(modules) != 1 {
					return syncerr.New(syncerr.KindConfigInvalid, "cli.bulk-sync",
						"--record requires exactly one --module")
				}
				stats, err := a.executor.SyncSourceRecord(ctx, modules[0], record)
				if err != nil {
					return err
				}
				fmt.Fprintln(cmd.OutOrStdout(), stats.Summary())
				return nil
			}

			for _, module := range modules {
				stats, err := a.executor.SyncModule(ctx, module)
				if err != nil {
					// Credential and registry failures are fatal; anything
					// else moves on to the next module.
					if code := syncerr.ExitCode(err); code != syncerr.ExitFatal {
						return err
					}
					a.log.Error("module sync failed", zap.String("module", module), zap.Error(err))
					continue
				}
				fmt.Fprintln(cmd.OutOrStdout(), stats.Summary())
			}
			return nil
		},
	}
	cmd.Flags().StringSliceVarP(&modules, "module", "m", nil, "module to reconcile (repeatable)")
	cmd.Flags().StringVar(&record, "record", "", "sync a single CRM record instead of the full module")
	cmd.Flags().BoolVar(&dryRun, "dry-run", false, "plan and report without writing")
	_ = cmd.MarkFlagRequired("module")
	return cmd
}

func newDaemonCmd() *cobra.Command {
	var (
		modules      []string
		schedule     string
		pollInterval time.Duration
		listen       string
		dryRun       bool
		snapshots    []string
	)
	cmd := &cobra.Command{
		Use:   "daemon",
		Short: "Run the webhook server plus periodic bulk and poll drivers",
		RunE: func(cmd *cobra.Command, _ []string) error {
			a, err := newApp(dryRun)
			if err != nil {
				return err
			}
			defer a.close()

			for _, path := range snapshots {
				module, err := a.registry.Import(path)
				if err != nil {
					return err
				}
				a.log.Info("warm-started mapping", zap.String("module", module))
			}

			if schedule == "" {
				schedule = a.cfg.Runtime.Schedule
			}
			if pollInterval == 0 {
				pollInterval = a.cfg.Runtime.PollInterval
			}
			if listen == "" {
				listen = a.cfg.Runtime.ListenAddress
			}
			if len(modules) == 0 {
				return syncerr.New(syncerr.KindConfigInvalid, "cli.daemon",
					"at least one --modules entry is required")
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			processor := ingest.NewProcessor(a.executor, a.datastore, a.datastore,
				a.registry, a.tracker, a.metrics, a.log.Named("ingest"),
				ingest.ProcessorOptions{Modules: modules})
			server := ingest.NewServer(processor, a.metrics.Handler(), a.log.Named("http"))

			bulk := scheduler.NewBulk(a.executor, modules, a.log.Named("bulk"))
			if err := bulk.Start(ctx, schedule); err != nil {
				return err
			}
			defer bulk.Stop()

			poll := scheduler.NewPoll(a.executor, a.source, a.datastore, a.tracker,
				modules, pollInterval, a.log.Named("poll"))

			watcher, err := config.NewWatcher(a.cfg, flagSourceConfig, flagDatastoreConfig, a.log)
			if err != nil {
				return err
			}
			defer watcher.Stop()
			watcher.OnChange(func(*config.Config) {
				// Credential changes need a restart; table layout changes
				// take effect once the caches drop.
				a.datastore.InvalidateTables()
				a.log.Warn("configuration changed on disk; credential changes apply after restart")
			})

			httpSrv := &http.Server{Addr: listen, Handler: server.Router()}

			g, gctx := errgroup.WithContext(ctx)
			g.Go(func() error {
				a.log.Info("webhook server listening", zap.String("addr", listen))
				if err := httpSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
					return err
				}
				return nil
			})
			g.Go(func() error {
				processor.Run(gctx)
				return nil
			})
			g.Go(func() error {
				poll.Run(gctx)
				return nil
			})
			g.Go(func() error {
				<-gctx.Done()
				shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
				defer cancel()
				return httpSrv.Shutdown(shutdownCtx)
			})
			return g.Wait()
		},
	}
	cmd.Flags().StringSliceVar(&modules, "modules", nil, "modules to keep in sync")
	cmd.Flags().StringVar(&schedule, "schedule", "", "cron schedule for the bulk pass")
	cmd.Flags().DurationVar(&pollInterval, "poll-interval", 0, "interval for the incremental poll")
	cmd.Flags().StringVar(&listen, "listen", "", "webhook server listen address")
	cmd.Flags().BoolVar(&dryRun, "dry-run", false, "plan and report without writing")
	cmd.Flags().StringSliceVar(&snapshots, "import-mappings", nil,
		"mapping snapshot files to warm-start from (export-mappings output)")
	return cmd
}

func newExportMappingsCmd() *cobra.Command {
	var (
		module string
		out    string
	)
	cmd := &cobra.Command{
		Use:   "export-mappings",
		Short: "Write a module's field-mapping snapshot to a JSON file",
		RunE: func(cmd *cobra.Command, _ []string) error {
			a, err := newApp(false)
			if err != nil {
				return err
			}
			defer a.close()

			if err := a.registry.Initialize(cmd.Context(), module); err != nil {
				return err
			}
			if out == "" {
				out = module + "_mapping.json"
			}
			if err := a.registry.Export(module, out); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "wrote mapping for %s to %s\n", module, out)
			return nil
		},
	}
	cmd.Flags().StringVarP(&module, "module", "m", "", "module to export")
	cmd.Flags().StringVarP(&out, "out", "o", "", "output path")
	_ = cmd.MarkFlagRequired("module")
	return cmd
}

func newTestModuleCmd() *cobra.Command {
	var module string
	cmd := &cobra.Command{
		Use:   "test-module",
		Short: "Check connectivity and mapping health for one module",
		RunE: func(cmd *cobra.Command, _ []string) error {
			a, err := newApp(false)
			if err != nil {
				return err
			}
			defer a.close()
			return runTestModule(cmd.Context(), cmd, a, module)
		},
	}
	cmd.Flags().StringVarP(&module, "module", "m", "", "module to test")
	_ = cmd.MarkFlagRequired("module")
	return cmd
}

// runTestModule walks the module end to end without writing anything: table
// binding, mapping snapshot, one page from each remote, and link proposals
// for unbound rows.
func runTestModule(ctx context.Context, cmd *cobra.Command, a *app, module string) error {
	out := cmd.OutOrStdout()

	ref, err := a.datastore.ResolveTable(ctx, module)
	if err != nil {
		return err
	}
	fmt.Fprintf(out, "table binding: %s -> %s (%s)\n", module, ref.Name, ref.ID)

	if err := a.registry.EnsureInitialized(ctx, module); err != nil {
		return err
	}
	snap := a.registry.Get(module)
	keys := snap.MappableKeys()
	fmt.Fprintf(out, "mapping: %d fields, source-id column %q\n", len(keys), snap.SourceIDField)

	sourcePage, err := a.source.ListAll(ctx, module, "")
	if err != nil {
		return err
	}
	datastorePage, err := a.datastore.ListAll(ctx, module, "")
	if err != nil {
		return err
	}
	fmt.Fprintf(out, "first page: %d CRM records, %d datastore rows\n",
		len(sourcePage.Records), len(datastorePage.Records))

	// Dry planner run over the sampled pages, nothing written.
	rows := make([]plan.Row, 0, len(datastorePage.Records))
	for _, rec := range datastorePage.Records {
		rows = append(rows, plan.RowFromRecord(rec, snap))
	}
	p := plan.Build(sourcePage.Records, rows, snap, plan.Options{})
	fmt.Fprintf(out, "sample plan: new-in-datastore=%d new-in-source=%d source-newer=%d datastore-newer=%d no-sync=%d duplicates=%d\n",
		len(p.NewInDatastore), len(p.NewInSource), len(p.SourceNewer),
		len(p.DatastoreNewer), len(p.NoSync), len(p.DuplicateSourceIDs))

	proposeLinks(out, snap, sourcePage.Records, datastorePage.Records)
	return nil
}

// proposeLinks reports which unbound rows could be matched to CRM records
// by the first mapped field. Proposals are informational only.
func proposeLinks(out io.Writer, snap *mapping.Snapshot,
	sourceRecs []remote.Record, datastoreRecs []remote.Record) {
	keys := snap.MappableKeys()
	if len(keys) == 0 {
		return
	}
	entry := snap.Fields[keys[0]]

	var bound []string
	var unbound []remote.Record
	for _, rec := range datastoreRecs {
		if id, ok := rec.Fields[snap.SourceIDField].(string); ok && id != "" {
			bound = append(bound, id)
		} else {
			unbound = append(unbound, rec)
		}
	}
	if len(unbound) == 0 {
		return
	}

	linker := mapping.NewLinker(mapping.NameMatchPolicy{
		Pairs: map[string]string{snap.ResolveDatastoreField(entry): entry.SourceName},
	}, bound)

	for _, row := range unbound {
		if id, ok := linker.Propose(row.Fields, sourceRecs); ok {
			fmt.Fprintf(out, "link proposal: row %s -> CRM %s (matched on %s)\n",
				row.ID, id, entry.SourceName)
		} else {
			fmt.Fprintf(out, "no link candidate for row %s\n", row.ID)
		}
	}
}
