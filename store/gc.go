package store

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"github.com/tangram-dev/tangram/id"
	"github.com/tangram-dev/tangram/value"
)

// GCOptions configures a collection.
type GCOptions struct {
	// TempsPath is wiped after the sweep when non-empty.
	TempsPath string
}

// GCResult reports what a collection did.
type GCResult struct {
	Marked       int
	SweptObjects int
	SweptBlobs   int
}

// GC runs a rooted mark-and-sweep inside a single write transaction. The
// roots are both sides of every assignment; marking follows each object's
// children, which for runs includes the output's objects and the recorded
// evaluation children. Readers are safe concurrently because the
// transaction snapshots the store.
func (s *Store) GC(ctx context.Context, options GCOptions) (GCResult, error) {
	var result GCResult
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return result, err
	}
	defer tx.Rollback()

	// Seed the worklist with every assignment key and value.
	var worklist []id.ID
	rows, err := tx.QueryContext(ctx, "SELECT task, run FROM assignments")
	if err != nil {
		return result, err
	}
	for rows.Next() {
		var task, run []byte
		if err := rows.Scan(&task, &run); err != nil {
			rows.Close()
			return result, err
		}
		taskID, err := id.FromBytes(task)
		if err != nil {
			rows.Close()
			return result, err
		}
		runID, err := id.FromBytes(run)
		if err != nil {
			rows.Close()
			return result, err
		}
		worklist = append(worklist, taskID, runID)
	}
	if err := rows.Close(); err != nil {
		return result, err
	}

	// Mark.
	marked := map[id.ID]bool{}
	for len(worklist) > 0 {
		i := worklist[len(worklist)-1]
		worklist = worklist[:len(worklist)-1]
		if marked[i] {
			continue
		}
		marked[i] = true
		var data []byte
		if err := tx.QueryRowContext(ctx, "SELECT data FROM objects WHERE id = ?", i[:]).Scan(&data); err != nil {
			// A root may not be stored yet (a build in flight); skip it.
			continue
		}
		if len(data) == 1 && data[0] == externalMarker {
			b, err := os.ReadFile(s.blobFilePath(i))
			if err != nil {
				continue
			}
			data = b
		}
		children, err := value.ChildrenOfBytes(data)
		if err != nil {
			return result, fmt.Errorf("corrupt object %s: %w", i, err)
		}
		worklist = append(worklist, children...)
	}
	result.Marked = len(marked)

	// Sweep objects.
	rows, err = tx.QueryContext(ctx, "SELECT id FROM objects")
	if err != nil {
		return result, err
	}
	var unmarked []id.ID
	for rows.Next() {
		var raw []byte
		if err := rows.Scan(&raw); err != nil {
			rows.Close()
			return result, err
		}
		i, err := id.FromBytes(raw)
		if err != nil {
			rows.Close()
			return result, err
		}
		if !marked[i] {
			unmarked = append(unmarked, i)
		}
	}
	if err := rows.Close(); err != nil {
		return result, err
	}
	for _, i := range unmarked {
		if _, err := tx.ExecContext(ctx, "DELETE FROM objects WHERE id = ?", i[:]); err != nil {
			return result, err
		}
	}
	result.SweptObjects = len(unmarked)
	if err := tx.Commit(); err != nil {
		return result, err
	}

	// Sweep externalized blob files whose IDs were not marked.
	if s.blobsPath != "" {
		entries, err := os.ReadDir(s.blobsPath)
		if err != nil && !os.IsNotExist(err) {
			return result, err
		}
		for _, entry := range entries {
			i, err := id.Parse(entry.Name())
			if err != nil || !marked[i] {
				if err := os.Remove(filepath.Join(s.blobsPath, entry.Name())); err == nil {
					result.SweptBlobs++
				}
			}
		}
	}

	// Wipe ephemeral build working directories.
	if options.TempsPath != "" {
		entries, err := os.ReadDir(options.TempsPath)
		if err != nil && !os.IsNotExist(err) {
			return result, err
		}
		for _, entry := range entries {
			os.RemoveAll(filepath.Join(options.TempsPath, entry.Name()))
		}
	}
	return result, nil
}
