// Package store persists objects and assignments in an embedded sqlite
// database, enforcing the closure invariant on every put.
package store

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/sqlite"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	_ "modernc.org/sqlite"

	"github.com/tangram-dev/tangram/id"
	"github.com/tangram-dev/tangram/value"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// externalMarker is the first byte of an object row whose payload lives
// in the blobs directory instead of the row itself. Canonical data always
// starts with the version byte 0, so the marker cannot collide.
const externalMarker = 0xff

// externalThreshold is the leaf size above which data is written to the
// blobs directory when one is configured.
const externalThreshold = 64 * 1024

// Store is the object database: two maps, objects and assignments.
type Store struct {
	db *sql.DB
	// blobsPath externalizes large leaf payloads when non-empty.
	blobsPath string
}

// Options configures Open.
type Options struct {
	// BlobsPath stores large leaf payloads as files under this directory.
	BlobsPath string
}

// Open opens (and migrates) the database at path.
func Open(path string, options Options) (*Store, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to enable WAL mode: %w", err)
	}
	if _, err := db.Exec("PRAGMA foreign_keys=ON"); err != nil {
		db.Close()
		return nil, err
	}
	if err := migrateUp(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to migrate database: %w", err)
	}
	if options.BlobsPath != "" {
		if err := os.MkdirAll(options.BlobsPath, 0o755); err != nil {
			db.Close()
			return nil, err
		}
	}
	return &Store{db: db, blobsPath: options.BlobsPath}, nil
}

func migrateUp(db *sql.DB) error {
	source, err := iofs.New(migrationsFS, "migrations")
	if err != nil {
		return err
	}
	driver, err := sqlite.WithInstance(db, &sqlite.Config{})
	if err != nil {
		return err
	}
	m, err := migrate.NewWithInstance("iofs", source, "sqlite", driver)
	if err != nil {
		return err
	}
	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return err
	}
	return nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

// GetObjectExists reports whether the object is stored.
func (s *Store) GetObjectExists(ctx context.Context, i id.ID) (bool, error) {
	var one int
	err := s.db.QueryRowContext(ctx, "SELECT 1 FROM objects WHERE id = ?", i[:]).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

// TryGetObject returns the serialized bytes for i, or ok=false when the
// object is absent.
func (s *Store) TryGetObject(ctx context.Context, i id.ID) ([]byte, bool, error) {
	var data []byte
	err := s.db.QueryRowContext(ctx, "SELECT data FROM objects WHERE id = ?", i[:]).Scan(&data)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	if len(data) == 1 && data[0] == externalMarker {
		b, err := os.ReadFile(s.blobFilePath(i))
		if errors.Is(err, os.ErrNotExist) {
			return nil, false, nil
		}
		if err != nil {
			return nil, false, err
		}
		return b, true, nil
	}
	return data, true, nil
}

// TryPutObject stores bytes under i in a single transaction. It refuses
// the write and returns the missing child IDs if any referenced object is
// not already stored. For content-addressed kinds it also verifies that
// the ID matches the data. Puts are idempotent.
func (s *Store) TryPutObject(ctx context.Context, i id.ID, data []byte) ([]id.ID, error) {
	if i.Kind() != id.Run {
		if want := id.New(i.Kind(), data); want != i {
			return nil, fmt.Errorf("data does not hash to %s", i)
		}
	}
	children, err := value.ChildrenOfBytes(data)
	if err != nil {
		return nil, fmt.Errorf("invalid object data: %w", err)
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()
	var missing []id.ID
	for _, c := range children {
		var one int
		err := tx.QueryRowContext(ctx, "SELECT 1 FROM objects WHERE id = ?", c[:]).Scan(&one)
		if errors.Is(err, sql.ErrNoRows) {
			missing = append(missing, c)
			continue
		}
		if err != nil {
			return nil, err
		}
	}
	if len(missing) > 0 {
		return missing, nil
	}
	row := data
	if s.blobsPath != "" && i.Kind() == id.Leaf && len(data) >= externalThreshold {
		if err := writeFileAtomic(s.blobFilePath(i), data); err != nil {
			return nil, err
		}
		row = []byte{externalMarker}
	}
	if _, err := tx.ExecContext(ctx,
		"INSERT INTO objects (id, data) VALUES (?, ?) ON CONFLICT (id) DO NOTHING",
		i[:], row,
	); err != nil {
		return nil, err
	}
	return nil, tx.Commit()
}

// TryGetAssignment returns the run assigned to a task, if any.
func (s *Store) TryGetAssignment(ctx context.Context, task id.ID) (id.ID, bool, error) {
	var run []byte
	err := s.db.QueryRowContext(ctx, "SELECT run FROM assignments WHERE task = ?", task[:]).Scan(&run)
	if errors.Is(err, sql.ErrNoRows) {
		return id.ID{}, false, nil
	}
	if err != nil {
		return id.ID{}, false, err
	}
	i, err := id.FromBytes(run)
	if err != nil {
		return id.ID{}, false, err
	}
	return i, true, nil
}

// PutAssignment records the run chosen for a task. The first write wins;
// rewriting with the same run is a no-op.
func (s *Store) PutAssignment(ctx context.Context, task, run id.ID) error {
	_, err := s.db.ExecContext(ctx,
		"INSERT INTO assignments (task, run) VALUES (?, ?) ON CONFLICT (task) DO NOTHING",
		task[:], run[:],
	)
	return err
}

func (s *Store) blobFilePath(i id.ID) string {
	return filepath.Join(s.blobsPath, i.String())
}

func writeFileAtomic(path string, data []byte) error {
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return err
	}
	return os.Rename(tmp, path)
}
