package store

import (
	"context"
	"database/sql"
	"errors"

	"github.com/tangram-dev/tangram/id"
)

// The registry table maps published package names and versions to
// package IDs. The version solver lists versions from here; the daemon
// delegates to its parent for names it does not have.

// PutPackageVersion publishes a package version. Republishing the same
// version is refused unless it maps to the same package.
func (s *Store) PutPackageVersion(ctx context.Context, name, version string, pkg id.ID) error {
	_, err := s.db.ExecContext(ctx,
		"INSERT INTO registry (name, version, package) VALUES (?, ?, ?) ON CONFLICT (name, version) DO NOTHING",
		name, version, pkg[:],
	)
	return err
}

// GetPackageVersions lists the published versions of a package.
func (s *Store) GetPackageVersions(ctx context.Context, name string) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, "SELECT version FROM registry WHERE name = ?", name)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var versions []string
	for rows.Next() {
		var v string
		if err := rows.Scan(&v); err != nil {
			return nil, err
		}
		versions = append(versions, v)
	}
	return versions, rows.Err()
}

// TryGetPackageVersion returns the package published under a name and
// version.
func (s *Store) TryGetPackageVersion(ctx context.Context, name, version string) (id.ID, bool, error) {
	var raw []byte
	err := s.db.QueryRowContext(ctx,
		"SELECT package FROM registry WHERE name = ? AND version = ?", name, version,
	).Scan(&raw)
	if errors.Is(err, sql.ErrNoRows) {
		return id.ID{}, false, nil
	}
	if err != nil {
		return id.ID{}, false, err
	}
	i, err := id.FromBytes(raw)
	if err != nil {
		return id.ID{}, false, err
	}
	return i, true, nil
}
