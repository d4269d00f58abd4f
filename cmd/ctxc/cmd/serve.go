package cmd

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/gofrs/flock"
	"github.com/spf13/cobra"

	"github.com/context-cache/context-cache/internal/ccerr"
	"github.com/context-cache/context-cache/internal/httpapi"
	"github.com/context-cache/context-cache/internal/schedule"
	"github.com/context-cache/context-cache/internal/store"
	"github.com/context-cache/context-cache/internal/watch"
)

func newServeCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP daemon: watches every registered source and answers queries",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := newApp()
			if err != nil {
				return err
			}
			defer a.Close()

			lockPath := a.Config.DBPath + ".lock"
			lock := flock.New(lockPath)
			ok, err := lock.TryLock()
			if err != nil {
				return ccerr.Wrap(ccerr.KindIO, "acquire store lock", err)
			}
			if !ok {
				return ccerr.New(ccerr.KindIO, "another ctxc serve already holds "+lockPath)
			}
			defer lock.Unlock()

			ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer cancel()

			sched := a.newScheduler()
			sched.Start()
			defer sched.Stop()

			srv := httpapi.New(a.Store, a.Vectors, a.Pipeline, a.Retriever, sched)
			httpSrv := &http.Server{Addr: a.Config.Host, Handler: srv}

			watchers, err := startWatchers(ctx, a, sched)
			if err != nil {
				return err
			}
			defer func() {
				for _, w := range watchers {
					_ = w.Stop()
				}
			}()

			go runGCSweep(ctx, a.Store, a.Config.Search.SoftDeleteTTL)

			errCh := make(chan error, 1)
			go func() {
				slog.Info("serve: listening", slog.String("addr", a.Config.Host))
				if err := httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
					errCh <- err
				}
			}()

			select {
			case <-ctx.Done():
			case err := <-errCh:
				return ccerr.Wrap(ccerr.KindIO, "http server", err)
			}

			shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer shutdownCancel()
			return httpSrv.Shutdown(shutdownCtx)
		},
	}
	return cmd
}

// startWatchers reconciles every registered source against the store (to
// catch changes made while no daemon was running), submits a catch-up
// ingest for anything that drifted, then starts a live fsnotify watcher per
// source that submits a scheduler task for each debounced batch of events.
func startWatchers(ctx context.Context, a *app, sched *schedule.Scheduler) ([]*watch.Watcher, error) {
	sources, err := a.Store.ListSources(ctx)
	if err != nil {
		return nil, err
	}

	var watchers []*watch.Watcher
	for _, src := range sources {
		src := src
		includeGlobs := globList(src.IncludeGlob)
		excludeGlobs := globList(src.ExcludeGlob)

		changes, err := watch.Reconcile(ctx, a.Store, src.ID, src.URI, includeGlobs, excludeGlobs)
		if err != nil {
			slog.Warn("serve: reconcile failed", slog.String("source_id", src.ID), slog.String("error", err.Error()))
		} else if len(changes) > 0 {
			sched.Submit(src.ID+":reconcile", schedule.PriorityNormal, func(taskCtx context.Context) error {
				return reconcileSource(taskCtx, a, src.ID, changes)
			})
		}

		w, err := watch.New(src.ID, src.URI, watch.Options{
			DebounceWindow: time.Duration(a.Config.Watch.DebounceMillis) * time.Millisecond,
			IncludeGlobs:   includeGlobs,
			ExcludeGlobs:   excludeGlobs,
		})
		if err != nil {
			slog.Warn("serve: watcher init failed", slog.String("source_id", src.ID), slog.String("error", err.Error()))
			continue
		}
		if err := w.Start(ctx); err != nil {
			slog.Warn("serve: watcher start failed", slog.String("source_id", src.ID), slog.String("error", err.Error()))
			continue
		}
		watchers = append(watchers, w)

		go func() {
			for batch := range w.Output() {
				batch := batch
				sched.Submit(src.ID+":watch", schedule.PriorityNormal, func(taskCtx context.Context) error {
					return ingestWatchBatch(taskCtx, a, src.ID, batch)
				})
			}
		}()
	}
	return watchers, nil
}

func reconcileSource(ctx context.Context, a *app, sourceID string, changes []watch.Change) error {
	var toIngest, toDelete []string
	for _, c := range changes {
		switch c.Kind {
		case watch.ChangeAdded, watch.ChangeModified:
			toIngest = append(toIngest, c.Path)
		case watch.ChangeDeleted:
			toDelete = append(toDelete, c.Path)
		}
	}
	if err := markDeletedByPath(ctx, a, sourceID, toDelete); err != nil {
		return err
	}
	if len(toIngest) == 0 {
		return nil
	}
	_, _ = a.Pipeline.IngestPaths(ctx, sourceID, toIngest)
	return nil
}

func ingestWatchBatch(ctx context.Context, a *app, sourceID string, batch []watch.Event) error {
	var toIngest, toDelete []string
	for _, ev := range batch {
		switch ev.Operation {
		case watch.OpCreate, watch.OpModify:
			toIngest = append(toIngest, ev.Path)
		case watch.OpDelete:
			toDelete = append(toDelete, ev.Path)
		}
	}
	if err := markDeletedByPath(ctx, a, sourceID, toDelete); err != nil {
		return err
	}
	if len(toIngest) == 0 {
		return nil
	}
	_, _ = a.Pipeline.IngestPaths(ctx, sourceID, toIngest)
	return nil
}

// markDeletedByPath soft-deletes every document under sourceID whose
// ExternalID (the original file path) is in paths. The store indexes
// documents by source, not by external id, so this scans the source's
// document list once per call rather than adding a new lookup index for a
// path that's only exercised on watcher/reconcile delete events.
func markDeletedByPath(ctx context.Context, a *app, sourceID string, paths []string) error {
	if len(paths) == 0 {
		return nil
	}
	want := make(map[string]bool, len(paths))
	for _, p := range paths {
		want[p] = true
	}
	docs, err := a.Store.DocumentsBySource(ctx, sourceID)
	if err != nil {
		return err
	}
	for _, d := range docs {
		if want[d.ExternalID] {
			if err := a.Store.MarkDeleted(ctx, d.ID); err != nil {
				return err
			}
		}
	}
	return nil
}

// runGCSweep periodically hard-deletes documents whose soft-delete TTL has
// elapsed, same cadence-by-ticker shape as the teacher's background index
// maintenance loop.
func runGCSweep(ctx context.Context, st *store.SQLiteStore, ttl string) {
	d, err := time.ParseDuration(ttl)
	if err != nil {
		d = 720 * time.Hour
	}
	ticker := time.NewTicker(1 * time.Hour)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			n, err := st.HardDeleteExpired(ctx, time.Now().Add(-d))
			if err != nil {
				slog.Warn("serve: gc sweep failed", slog.String("error", err.Error()))
				continue
			}
			if n > 0 {
				slog.Info("serve: gc sweep purged expired documents", slog.Int64("count", n))
			}
		}
	}
}

func globList(g string) []string {
	if g == "" {
		return nil
	}
	return strings.Split(g, ",")
}
