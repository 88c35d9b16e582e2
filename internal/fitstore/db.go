// Package fitstore persists fit runs and their per-step samples to a
// local SQLite database so long optimizations can be inspected and
// resumed after the process exits.
package fitstore

import (
	"database/sql"
	"fmt"

	_ "modernc.org/sqlite"
)

type DB struct {
	*sql.DB
}

// NewDB opens (creating if needed) the fit database at path and ensures
// the base schema exists. Schema changes beyond the base tables are
// handled by the migrations directory.
func NewDB(path string) (*DB, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}

	_, err = db.Exec(`
		CREATE TABLE IF NOT EXISTS fit_runs (
			run_id            TEXT PRIMARY KEY,
			image_name        TEXT,
			shape_z           BIGINT,
			shape_y           BIGINT,
			shape_x           BIGINT,
			num_particles     BIGINT,
			sigma             DOUBLE,
			zscale            DOUBLE,
			model_mode        TEXT,
			difference        BOOLEAN,
			started_at        TIMESTAMP DEFAULT CURRENT_TIMESTAMP,
			finished_at       TIMESTAMP,
			final_ll          DOUBLE,
			final_lp          DOUBLE
		);
		CREATE TABLE IF NOT EXISTS fit_samples (
			sample_id         INTEGER PRIMARY KEY AUTOINCREMENT,
			run_id            TEXT,
			step              BIGINT,
			block_name        TEXT,
			log_likelihood    DOUBLE,
			log_prior         DOUBLE,
			accepted          BOOLEAN,
			timestamp         TIMESTAMP DEFAULT CURRENT_TIMESTAMP,
			FOREIGN KEY(run_id) REFERENCES fit_runs(run_id)
		);
	`)
	if err != nil {
		return nil, fmt.Errorf("create fitstore schema: %w", err)
	}

	return &DB{db}, nil
}
