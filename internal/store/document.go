package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"strconv"

	"github.com/roach88/eventsync/internal/doc"
	"github.com/roach88/eventsync/internal/ir"
)

const metaLastSeq = "last_seq"

// Container is one persisted document container.
type Container struct {
	Name string
	Kind doc.Kind
	Data ir.IRValue
	Hash string
	Seq  int64
}

// SaveContainers writes the current contents of the named containers of d
// in a single SQL transaction and records seq as the last saved seq.
//
// Rows whose hash is unchanged are left alone. Names that do not exist in
// d are skipped.
func (s *Store) SaveContainers(ctx context.Context, d *doc.Document, names []string, seq int64) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("save containers: begin: %w", err)
	}
	defer tx.Rollback()

	for _, name := range names {
		kind, ok := d.Kind(name)
		if !ok {
			continue
		}
		snap, ok := d.Snapshot(name)
		if !ok {
			continue
		}

		data, err := marshalContainer(snap)
		if err != nil {
			return fmt.Errorf("save container %q: %w", name, err)
		}
		hash, err := ir.SnapshotHash(snap)
		if err != nil {
			return fmt.Errorf("save container %q: %w", name, err)
		}

		// Unchanged content keeps its original seq.
		_, err = tx.ExecContext(ctx, `
			INSERT INTO containers (name, kind, data, hash, seq)
			VALUES (?, ?, ?, ?, ?)
			ON CONFLICT(name) DO UPDATE SET
				kind = excluded.kind,
				data = excluded.data,
				hash = excluded.hash,
				seq  = excluded.seq
			WHERE containers.hash != excluded.hash OR containers.kind != excluded.kind
		`, name, string(kind), data, hash, seq)
		if err != nil {
			return fmt.Errorf("save container %q: %w", name, err)
		}
	}

	if err := setMeta(ctx, tx, metaLastSeq, strconv.FormatInt(seq, 10)); err != nil {
		return fmt.Errorf("save containers: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("save containers: commit: %w", err)
	}
	return nil
}

// SaveDocument writes every container of d.
func (s *Store) SaveDocument(ctx context.Context, d *doc.Document, seq int64) error {
	return s.SaveContainers(ctx, d, d.Names(), seq)
}

// LoadDocument restores every saved container into d and returns the last
// saved seq (0 for an empty store).
func (s *Store) LoadDocument(ctx context.Context, d *doc.Document) (int64, error) {
	containers, err := s.ReadContainers(ctx)
	if err != nil {
		return 0, err
	}

	for _, c := range containers {
		if err := d.Restore(c.Name, c.Kind, c.Data); err != nil {
			return 0, fmt.Errorf("load document: %w", err)
		}
	}

	return s.LastSeq(ctx)
}

// ReadContainers returns all saved containers ordered by name.
func (s *Store) ReadContainers(ctx context.Context) ([]Container, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT name, kind, data, hash, seq
		FROM containers
		ORDER BY name COLLATE BINARY ASC
	`)
	if err != nil {
		return nil, fmt.Errorf("query containers: %w", err)
	}
	defer rows.Close()

	containers := []Container{}
	for rows.Next() {
		c, err := scanContainer(rows)
		if err != nil {
			return nil, err
		}
		containers = append(containers, c)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate containers: %w", err)
	}
	return containers, nil
}

// ReadContainer returns one saved container, or ErrNotFound.
func (s *Store) ReadContainer(ctx context.Context, name string) (Container, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT name, kind, data, hash, seq
		FROM containers
		WHERE name = ?
	`, name)

	c, err := scanContainer(row)
	if errors.Is(err, sql.ErrNoRows) {
		return Container{}, fmt.Errorf("container %q: %w", name, ErrNotFound)
	}
	return c, err
}

// LastSeq returns the seq recorded by the last save, or 0.
func (s *Store) LastSeq(ctx context.Context) (int64, error) {
	var value string
	err := s.db.QueryRowContext(ctx, `SELECT value FROM meta WHERE key = ?`, metaLastSeq).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("read last seq: %w", err)
	}
	seq, err := strconv.ParseInt(value, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("read last seq: %w", err)
	}
	return seq, nil
}

// Persist saves the containers touched by every commit of d. seq supplies
// the seq to record with each save. Save errors are logged, not returned,
// since commit hooks have no caller to report to. The returned function
// detaches the hook.
func (s *Store) Persist(ctx context.Context, d *doc.Document, seq func() int64) func() {
	return d.OnCommit(func(c doc.Commit) {
		if err := s.SaveContainers(ctx, d, c.Containers(), seq()); err != nil {
			slog.Error("persist commit failed",
				"containers", c.Containers(),
				"error", err,
			)
		}
	})
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanContainer(row rowScanner) (Container, error) {
	var (
		c    Container
		kind string
		data string
	)
	if err := row.Scan(&c.Name, &kind, &data, &c.Hash, &c.Seq); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Container{}, err
		}
		return Container{}, fmt.Errorf("scan container: %w", err)
	}

	c.Kind = doc.Kind(kind)
	v, err := unmarshalContainer(c.Kind, data)
	if err != nil {
		return Container{}, fmt.Errorf("container %q: %w", c.Name, err)
	}
	c.Data = v
	return c, nil
}

func setMeta(ctx context.Context, tx *sql.Tx, key, value string) error {
	_, err := tx.ExecContext(ctx, `
		INSERT INTO meta (key, value) VALUES (?, ?)
		ON CONFLICT(key) DO UPDATE SET value = excluded.value
	`, key, value)
	if err != nil {
		return fmt.Errorf("set meta %s: %w", key, err)
	}
	return nil
}
