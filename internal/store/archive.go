package store

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"

	_ "modernc.org/sqlite"

	fatherrors "github.com/calliope-ai/fathom/internal/errors"
)

// archiveSchema holds chunks in store order. The position column mirrors the
// in-memory chunk slice index so a load reproduces alignment exactly.
const archiveSchema = `
CREATE TABLE IF NOT EXISTS chunks (
	position     INTEGER PRIMARY KEY,
	source_key   TEXT NOT NULL,
	title        TEXT NOT NULL DEFAULT '',
	description  TEXT NOT NULL DEFAULT '',
	raw_text     TEXT NOT NULL DEFAULT '',
	context_text TEXT NOT NULL DEFAULT ''
);
CREATE INDEX IF NOT EXISTS idx_chunks_source ON chunks(source_key);
`

// Archive persists contextualized chunk stores in a SQLite file, so an
// expensive prepare run (contextualization plus embedding) survives process
// restarts.
type Archive struct {
	db   *sql.DB
	path string
}

// OpenArchive opens or creates the archive database at path.
func OpenArchive(path string) (*Archive, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fatherrors.Wrap(fatherrors.ErrCodeArchiveOpen, err).
			WithDetail("path", path)
	}
	// SQLite serializes writers; one connection avoids lock contention.
	db.SetMaxOpenConns(1)

	if _, err := db.Exec(archiveSchema); err != nil {
		_ = db.Close()
		return nil, fatherrors.Wrap(fatherrors.ErrCodeArchiveOpen, err).
			WithDetail("path", path)
	}

	return &Archive{db: db, path: path}, nil
}

// SaveStore replaces the archived chunks with the store's current contents.
// The write is transactional: a failure leaves the previous archive intact.
func (a *Archive) SaveStore(ctx context.Context, s *ChunkStore) error {
	tx, err := a.db.BeginTx(ctx, nil)
	if err != nil {
		return fatherrors.Wrap(fatherrors.ErrCodeArchiveWrite, err).
			WithDetail("path", a.path)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, `DELETE FROM chunks`); err != nil {
		return fatherrors.Wrap(fatherrors.ErrCodeArchiveWrite, err).
			WithDetail("path", a.path)
	}

	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO chunks (position, source_key, title, description, raw_text, context_text)
		VALUES (?, ?, ?, ?, ?, ?)`)
	if err != nil {
		return fatherrors.Wrap(fatherrors.ErrCodeArchiveWrite, err).
			WithDetail("path", a.path)
	}
	defer func() { _ = stmt.Close() }()

	for pos := 0; pos < s.Len(); pos++ {
		c := s.At(pos)
		if _, err := stmt.ExecContext(ctx, pos, c.SourceKey, c.Title, c.Description, c.RawText, c.ContextText); err != nil {
			return fatherrors.Wrap(fatherrors.ErrCodeArchiveWrite, err).
				WithDetail("path", a.path).
				WithDetail("position", fmt.Sprintf("%d", pos))
		}
	}

	if err := tx.Commit(); err != nil {
		return fatherrors.Wrap(fatherrors.ErrCodeArchiveWrite, err).
			WithDetail("path", a.path)
	}

	slog.Info("archive_saved",
		slog.String("path", a.path),
		slog.Int("chunks", s.Len()),
		slog.Int("sources", s.SourceCount()))
	return nil
}

// LoadStore reads the archived chunks back into a fresh store, in position
// order. An empty archive yields an empty store, not an error.
func (a *Archive) LoadStore(ctx context.Context) (*ChunkStore, error) {
	rows, err := a.db.QueryContext(ctx, `
		SELECT position, source_key, title, description, raw_text, context_text
		FROM chunks ORDER BY position`)
	if err != nil {
		return nil, fatherrors.Wrap(fatherrors.ErrCodeArchiveRead, err).
			WithDetail("path", a.path)
	}
	defer func() { _ = rows.Close() }()

	s := NewChunkStore()
	expected := 0
	for rows.Next() {
		var pos int
		c := &Chunk{}
		if err := rows.Scan(&pos, &c.SourceKey, &c.Title, &c.Description, &c.RawText, &c.ContextText); err != nil {
			return nil, fatherrors.Wrap(fatherrors.ErrCodeArchiveRead, err).
				WithDetail("path", a.path)
		}
		if pos != expected {
			return nil, fatherrors.New(fatherrors.ErrCodeArchiveRead,
				fmt.Sprintf("archive position gap: expected %d, got %d", expected, pos), nil).
				WithDetail("path", a.path)
		}
		expected++
		s.appendChunk(c)
	}
	if err := rows.Err(); err != nil {
		return nil, fatherrors.Wrap(fatherrors.ErrCodeArchiveRead, err).
			WithDetail("path", a.path)
	}

	slog.Info("archive_loaded",
		slog.String("path", a.path),
		slog.Int("chunks", s.Len()),
		slog.Int("sources", s.SourceCount()))
	return s, nil
}

// Len returns the number of archived chunks.
func (a *Archive) Len(ctx context.Context) (int, error) {
	var n int
	if err := a.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM chunks`).Scan(&n); err != nil {
		return 0, fatherrors.Wrap(fatherrors.ErrCodeArchiveRead, err).
			WithDetail("path", a.path)
	}
	return n, nil
}

// Close closes the database.
func (a *Archive) Close() error {
	return a.db.Close()
}
