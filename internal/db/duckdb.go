package db

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/jcdickinson/implindex/internal/registry"
	_ "github.com/marcboeker/go-duckdb"
)

type DB struct {
	conn *sql.DB
}

func New(dbPath string) (*DB, error) {
	if err := os.MkdirAll(filepath.Dir(dbPath), 0755); err != nil {
		return nil, fmt.Errorf("creating cache directory: %w", err)
	}

	conn, err := sql.Open("duckdb", dbPath)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}

	db := &DB{conn: conn}
	if err := db.initSchema(); err != nil {
		conn.Close()
		return nil, fmt.Errorf("initializing schema: %w", err)
	}

	return db, nil
}

func (db *DB) Close() error {
	return db.conn.Close()
}

// DuckDB checks unique constraints eagerly, so a delete followed by an insert
// of the same key in one transaction fails. Keys are kept unique by
// SaveFragment instead of by constraints.
func (db *DB) initSchema() error {
	queries := []string{
		`CREATE TABLE IF NOT EXISTS fragments (
			trait TEXT NOT NULL,
			crate TEXT NOT NULL,
			source TEXT NOT NULL,
			content_hash TEXT,
			batch_id TEXT,
			loaded_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP
		)`,
		`CREATE INDEX IF NOT EXISTS idx_fragments_key ON fragments (trait, crate)`,

		`CREATE TABLE IF NOT EXISTS implementors (
			trait TEXT NOT NULL,
			crate TEXT NOT NULL,
			position INTEGER NOT NULL,
			html TEXT NOT NULL,
			synthetic BOOLEAN NOT NULL DEFAULT false,
			types TEXT
		)`,
		`CREATE INDEX IF NOT EXISTS idx_implementors_key ON implementors (trait, crate)`,
	}

	for _, q := range queries {
		if _, err := db.conn.Exec(q); err != nil {
			return fmt.Errorf("executing %q: %w", q, err)
		}
	}
	return nil
}

// --- Fragment operations ---

// SaveFragment persists every (trait, crate) key in f, replacing whatever was
// stored for those keys before. Crates not named by f are left alone.
func (db *DB) SaveFragment(f registry.Fragment, batchID string) error {
	tx, err := db.conn.Begin()
	if err != nil {
		return fmt.Errorf("beginning transaction: %w", err)
	}
	defer tx.Rollback()

	for _, crate := range f.Implementors.Crates() {
		if _, err := tx.Exec(`DELETE FROM implementors WHERE trait = ? AND crate = ?`, f.Trait, crate); err != nil {
			return fmt.Errorf("clearing implementors for %s/%s: %w", f.Trait, crate, err)
		}
		if _, err := tx.Exec(`DELETE FROM fragments WHERE trait = ? AND crate = ?`, f.Trait, crate); err != nil {
			return fmt.Errorf("clearing fragment %s/%s: %w", f.Trait, crate, err)
		}
		if _, err := tx.Exec(
			`INSERT INTO fragments (trait, crate, source, content_hash, batch_id) VALUES (?, ?, ?, ?, ?)`,
			f.Trait, crate, f.Source, f.ContentHash, batchID,
		); err != nil {
			return fmt.Errorf("inserting fragment %s/%s: %w", f.Trait, crate, err)
		}
		for pos, e := range f.Implementors[crate] {
			var types []byte
			if len(e.Types) > 0 {
				if types, err = json.Marshal(e.Types); err != nil {
					return fmt.Errorf("encoding types: %w", err)
				}
			}
			if _, err := tx.Exec(
				`INSERT INTO implementors (trait, crate, position, html, synthetic, types) VALUES (?, ?, ?, ?, ?, ?)`,
				f.Trait, crate, pos, e.HTML, e.Synthetic, string(types),
			); err != nil {
				return fmt.Errorf("inserting implementor %s/%s#%d: %w", f.Trait, crate, pos, err)
			}
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("committing fragment %s: %w", f.Trait, err)
	}
	return nil
}

// LoadFragments restores every persisted (trait, crate) key as its own
// fragment, carrying the provenance it was saved with. Crates that were
// saved with no entries come back with an empty CrateIndex.
func (db *DB) LoadFragments() ([]registry.Fragment, error) {
	rows, err := db.conn.Query(`
		SELECT f.trait, f.crate, f.source, COALESCE(f.content_hash, ''), COALESCE(f.batch_id, ''),
		       i.position, i.html, i.synthetic, i.types
		FROM fragments f
		LEFT JOIN implementors i ON i.trait = f.trait AND i.crate = f.crate
		ORDER BY f.trait, f.crate, i.position`)
	if err != nil {
		return nil, fmt.Errorf("loading fragments: %w", err)
	}
	defer rows.Close()

	var out []registry.Fragment
	var lastTrait, lastCrate string
	for rows.Next() {
		var (
			trait, crate, source, hash, batch string
			pos                               sql.NullInt64
			html, types                       sql.NullString
			synthetic                         sql.NullBool
		)
		if err := rows.Scan(&trait, &crate, &source, &hash, &batch, &pos, &html, &synthetic, &types); err != nil {
			return nil, fmt.Errorf("scanning fragment row: %w", err)
		}

		if len(out) == 0 || trait != lastTrait || crate != lastCrate {
			out = append(out, registry.Fragment{
				Trait:        trait,
				Implementors: registry.Implementors{crate: registry.CrateIndex{}},
				Source:       source,
				ContentHash:  hash,
				Batch:        batch,
			})
			lastTrait, lastCrate = trait, crate
		}
		n := len(out)
		if !pos.Valid {
			continue
		}

		e := registry.Entry{HTML: html.String, Synthetic: synthetic.Bool}
		if types.Valid && types.String != "" {
			if err := json.Unmarshal([]byte(types.String), &e.Types); err != nil {
				return nil, fmt.Errorf("decoding types for %s/%s: %w", trait, crate, err)
			}
		}
		out[n-1].Implementors[crate] = append(out[n-1].Implementors[crate], e)
	}
	return out, rows.Err()
}

type TraitSummary struct {
	Trait   string
	Crates  int
	Entries int
}

// ListTraits returns every persisted trait with its crate and entry counts.
func (db *DB) ListTraits() ([]TraitSummary, error) {
	rows, err := db.conn.Query(`
		SELECT f.trait, COUNT(DISTINCT f.crate), COUNT(i.position)
		FROM fragments f
		LEFT JOIN implementors i ON i.trait = f.trait AND i.crate = f.crate
		GROUP BY f.trait
		ORDER BY f.trait`)
	if err != nil {
		return nil, fmt.Errorf("listing traits: %w", err)
	}
	defer rows.Close()

	var out []TraitSummary
	for rows.Next() {
		var s TraitSummary
		if err := rows.Scan(&s.Trait, &s.Crates, &s.Entries); err != nil {
			return nil, err
		}
		out = append(out, s)
	}
	return out, rows.Err()
}

type FragmentSource struct {
	Crate       string
	Source      string
	ContentHash string
	BatchID     string
	LoadedAt    time.Time
}

// FragmentSources returns the provenance of each crate stored for trait.
func (db *DB) FragmentSources(trait string) ([]FragmentSource, error) {
	rows, err := db.conn.Query(
		`SELECT crate, source, COALESCE(content_hash, ''), COALESCE(batch_id, ''), loaded_at
		 FROM fragments WHERE trait = ? ORDER BY crate`, trait)
	if err != nil {
		return nil, fmt.Errorf("listing fragment sources: %w", err)
	}
	defer rows.Close()

	var out []FragmentSource
	for rows.Next() {
		var s FragmentSource
		if err := rows.Scan(&s.Crate, &s.Source, &s.ContentHash, &s.BatchID, &s.LoadedAt); err != nil {
			return nil, err
		}
		out = append(out, s)
	}
	return out, rows.Err()
}

type Batch struct {
	ID        string
	Fragments int
	LoadedAt  time.Time
}

// RecentBatches returns the most recent load batches still represented in
// the store, newest first.
func (db *DB) RecentBatches(limit int) ([]Batch, error) {
	rows, err := db.conn.Query(`
		SELECT batch_id, COUNT(*), MAX(loaded_at) AS last
		FROM fragments
		WHERE batch_id IS NOT NULL AND batch_id != ''
		GROUP BY batch_id
		ORDER BY last DESC
		LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("listing batches: %w", err)
	}
	defer rows.Close()

	var out []Batch
	for rows.Next() {
		var b Batch
		if err := rows.Scan(&b.ID, &b.Fragments, &b.LoadedAt); err != nil {
			return nil, err
		}
		out = append(out, b)
	}
	return out, rows.Err()
}

type Stats struct {
	Fragments    int
	Implementors int
}

func (db *DB) Stats() (Stats, error) {
	var s Stats
	if err := db.conn.QueryRow(`SELECT COUNT(*) FROM fragments`).Scan(&s.Fragments); err != nil {
		return s, fmt.Errorf("counting fragments: %w", err)
	}
	if err := db.conn.QueryRow(`SELECT COUNT(*) FROM implementors`).Scan(&s.Implementors); err != nil {
		return s, fmt.Errorf("counting implementors: %w", err)
	}
	return s, nil
}

// Reset removes all persisted fragments.
func (db *DB) Reset() error {
	for _, table := range []string{"implementors", "fragments"} {
		if _, err := db.conn.Exec(`DELETE FROM ` + table); err != nil {
			return fmt.Errorf("clearing %s: %w", table, err)
		}
	}
	return nil
}
