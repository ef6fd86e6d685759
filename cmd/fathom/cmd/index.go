package cmd

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/cobra"

	"github.com/calliope-ai/fathom/internal/corpus"
	fatherrors "github.com/calliope-ai/fathom/internal/errors"
	"github.com/calliope-ai/fathom/internal/search"
	"github.com/calliope-ai/fathom/internal/store"
)

// debounceWindow coalesces bursts of file events into one reindex.
const debounceWindow = 2 * time.Second

// newIndexCmd creates the index command.
func newIndexCmd() *cobra.Command {
	var archivePath string
	var watch bool

	cmd := &cobra.Command{
		Use:   "index <directory>",
		Short: "Index a directory of documents into an archive",
		Long: `Index loads every text and markdown file under the directory, splits
each file into paragraph snippets, generates a context paragraph per
snippet, and saves the contextualized store to the archive.

With --watch, the directory is watched and reindexed on changes.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if watch {
				return runWatch(cmd.Context(), args[0], archivePath)
			}
			return runIndex(cmd.Context(), args[0], archivePath)
		},
	}

	cmd.Flags().StringVar(&archivePath, "archive", "fathom.db", "Archive database path")
	cmd.Flags().BoolVar(&watch, "watch", false, "Watch the directory and reindex on changes")

	return cmd
}

// runIndex performs one full index pass: load, contextualize, archive.
func runIndex(ctx context.Context, dir, archivePath string) error {
	info, err := os.Stat(dir)
	if err != nil || !info.IsDir() {
		return fatherrors.ValidationError(fmt.Sprintf("%s is not a readable directory", dir), err)
	}

	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	s := store.NewChunkStore()
	if err := corpus.LoadDir(dir, s); err != nil {
		return err
	}
	if s.Len() == 0 {
		fmt.Fprintf(os.Stderr, "No indexable documents found in %s\n", dir)
		return nil
	}

	sess, err := search.BuildSession(ctx, cfg, s)
	if err != nil {
		return err
	}
	defer func() { _ = sess.Close() }()

	start := time.Now()
	if err := sess.Prepare(ctx); err != nil {
		return err
	}

	archive, err := store.OpenArchive(archivePath)
	if err != nil {
		return err
	}
	defer func() { _ = archive.Close() }()

	if err := archive.SaveStore(ctx, s); err != nil {
		return err
	}

	fmt.Printf("Indexed %d chunks from %d sources in %s (archive: %s)\n",
		s.Len(), s.SourceCount(), time.Since(start).Round(time.Millisecond), archivePath)
	return nil
}

// runWatch indexes once, then reindexes whenever files under dir change.
func runWatch(ctx context.Context, dir, archivePath string) error {
	if err := runIndex(ctx, dir, archivePath); err != nil {
		return err
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create watcher: %w", err)
	}
	defer func() { _ = watcher.Close() }()

	if err := watcher.Add(dir); err != nil {
		return fmt.Errorf("watch %s: %w", dir, err)
	}

	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	fmt.Printf("Watching %s for changes (Ctrl-C to stop)\n", dir)

	var timer *time.Timer
	var timerC <-chan time.Time

	for {
		select {
		case <-ctx.Done():
			return nil

		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if event.Op&(fsnotify.Create|fsnotify.Write|fsnotify.Remove|fsnotify.Rename) == 0 {
				continue
			}
			slog.Debug("watch_event", slog.String("path", event.Name), slog.String("op", event.Op.String()))
			if timer == nil {
				timer = time.NewTimer(debounceWindow)
				timerC = timer.C
			} else {
				timer.Reset(debounceWindow)
			}

		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			slog.Warn("watch_error", slog.String("error", err.Error()))

		case <-timerC:
			timer = nil
			timerC = nil
			if err := runIndex(ctx, dir, archivePath); err != nil {
				slog.Error("reindex_failed", slog.String("error", err.Error()))
			}
		}
	}
}
