package cmd

import (
	"fmt"
	"os"
	"strings"

	"github.com/mattn/go-isatty"
	"github.com/spf13/cobra"

	fatherrors "github.com/calliope-ai/fathom/internal/errors"
	"github.com/calliope-ai/fathom/internal/search"
	"github.com/calliope-ai/fathom/internal/store"
)

// ANSI styles for terminal output.
const (
	styleBold  = "\033[1m"
	styleDim   = "\033[2m"
	styleReset = "\033[0m"
)

// newSearchCmd creates the search command.
func newSearchCmd() *cobra.Command {
	var archivePath string
	var snippetOnly bool

	cmd := &cobra.Command{
		Use:   "search <query> [query...]",
		Short: "Search an indexed archive",
		Long: `Search loads the archive, rebuilds the retrieval indices over the
contextualized chunks, and runs every query through the hybrid pipeline.
Results are deduplicated across queries by source.`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runSearch(cmd, archivePath, args, snippetOnly)
		},
	}

	cmd.Flags().StringVar(&archivePath, "archive", "fathom.db", "Archive database path")
	cmd.Flags().BoolVar(&snippetOnly, "snippets", false, "Print only the best snippet per result")

	return cmd
}

func runSearch(cmd *cobra.Command, archivePath string, queries []string, snippetOnly bool) error {
	ctx := cmd.Context()

	for _, q := range queries {
		if strings.TrimSpace(q) == "" {
			return fatherrors.New(fatherrors.ErrCodeQueryEmpty, "query must not be blank", nil)
		}
	}

	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	archive, err := store.OpenArchive(archivePath)
	if err != nil {
		return err
	}
	s, err := archive.LoadStore(ctx)
	closeErr := archive.Close()
	if err != nil {
		return err
	}
	if closeErr != nil {
		return closeErr
	}

	sess, err := search.BuildSession(ctx, cfg, s)
	if err != nil {
		return err
	}
	defer func() { _ = sess.Close() }()

	// Archived chunks carry their contexts, so Prepare only rebuilds the
	// indices; no model calls happen here unless contexts are missing.
	if err := sess.Prepare(ctx); err != nil {
		return err
	}

	docs, err := sess.Retrieve(ctx, queries)
	if err != nil {
		return err
	}

	printResults(docs, snippetOnly)
	return nil
}

// printResults writes the result list to stdout, with ANSI styling when
// attached to a terminal.
func printResults(docs []*store.SourceDocument, snippetOnly bool) {
	if len(docs) == 0 {
		fmt.Println("No results.")
		return
	}

	colored := isatty.IsTerminal(os.Stdout.Fd()) || isatty.IsCygwinTerminal(os.Stdout.Fd())
	bold, dim, reset := "", "", ""
	if colored {
		bold, dim, reset = styleBold, styleDim, styleReset
	}

	for i, doc := range docs {
		fmt.Printf("%s%d. %s%s\n", bold, i+1, doc.Title, reset)
		fmt.Printf("   %s%s%s\n", dim, doc.SourceKey, reset)

		if snippet := doc.FirstSnippet(); snippet != "" {
			fmt.Printf("   %s\n", indentLines(snippet))
		}
		if !snippetOnly && doc.Description != "" {
			fmt.Printf("   %s%s%s\n", dim, doc.Description, reset)
		}
		fmt.Println()
	}
	fmt.Printf("%d result(s)\n", len(docs))
}

// indentLines indents continuation lines of a multi-line snippet.
func indentLines(s string) string {
	return strings.ReplaceAll(strings.TrimSpace(s), "\n", "\n   ")
}
