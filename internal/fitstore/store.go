package fitstore

import (
	"database/sql"
	"fmt"

	"github.com/google/uuid"
)

// FitRun describes one fitting session against a single image.
type FitRun struct {
	RunID        string
	ImageName    string
	ShapeZ       int
	ShapeY       int
	ShapeX       int
	NumParticles int
	Sigma        float64
	ZScale       float64
	ModelMode    string
	Difference   bool
	FinalLL      float64
	FinalLP      float64
}

// FitSample is one recorded update attempt within a run.
type FitSample struct {
	RunID         string
	Step          int64
	BlockName     string
	LogLikelihood float64
	LogPrior      float64
	Accepted      bool
}

// NewRunID returns a fresh run identifier.
func NewRunID() string {
	return uuid.NewString()
}

// InsertRun records the start of a fitting session. If run.RunID is
// empty a new ID is generated; the stored ID is returned.
func (db *DB) InsertRun(run *FitRun) (string, error) {
	if run.RunID == "" {
		run.RunID = NewRunID()
	}

	query := `
		INSERT INTO fit_runs (
			run_id, image_name, shape_z, shape_y, shape_x,
			num_particles, sigma, zscale, model_mode, difference
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`
	_, err := db.Exec(query,
		run.RunID,
		run.ImageName,
		run.ShapeZ,
		run.ShapeY,
		run.ShapeX,
		run.NumParticles,
		run.Sigma,
		run.ZScale,
		run.ModelMode,
		run.Difference,
	)
	if err != nil {
		return "", fmt.Errorf("insert fit run: %w", err)
	}

	return run.RunID, nil
}

// FinishRun stamps the run as finished with its final scores.
func (db *DB) FinishRun(runID string, finalLL, finalLP float64) error {
	query := `
		UPDATE fit_runs
		SET finished_at = CURRENT_TIMESTAMP, final_ll = ?, final_lp = ?
		WHERE run_id = ?
	`
	result, err := db.Exec(query, finalLL, finalLP, runID)
	if err != nil {
		return fmt.Errorf("finish fit run: %w", err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("finish fit run rows affected: %w", err)
	}
	if n == 0 {
		return fmt.Errorf("finish fit run: no run with id %s", runID)
	}
	return nil
}

// InsertSample records one update attempt.
func (db *DB) InsertSample(sample *FitSample) error {
	query := `
		INSERT INTO fit_samples (
			run_id, step, block_name, log_likelihood, log_prior, accepted
		) VALUES (?, ?, ?, ?, ?, ?)
	`
	_, err := db.Exec(query,
		sample.RunID,
		sample.Step,
		sample.BlockName,
		sample.LogLikelihood,
		sample.LogPrior,
		sample.Accepted,
	)
	if err != nil {
		return fmt.Errorf("insert fit sample: %w", err)
	}
	return nil
}

// GetRun fetches a single run by ID. Returns sql.ErrNoRows when absent.
func (db *DB) GetRun(runID string) (*FitRun, error) {
	query := `
		SELECT run_id, image_name, shape_z, shape_y, shape_x,
		       num_particles, sigma, zscale, model_mode, difference,
		       COALESCE(final_ll, 0), COALESCE(final_lp, 0)
		FROM fit_runs
		WHERE run_id = ?
	`
	run := &FitRun{}
	err := db.QueryRow(query, runID).Scan(
		&run.RunID,
		&run.ImageName,
		&run.ShapeZ,
		&run.ShapeY,
		&run.ShapeX,
		&run.NumParticles,
		&run.Sigma,
		&run.ZScale,
		&run.ModelMode,
		&run.Difference,
		&run.FinalLL,
		&run.FinalLP,
	)
	if err != nil {
		return nil, err
	}
	return run, nil
}

// GetRunSamples returns samples for a run ordered by step, newest last,
// up to limit (0 means no limit).
func (db *DB) GetRunSamples(runID string, limit int) ([]*FitSample, error) {
	query := `
		SELECT run_id, step, block_name, log_likelihood, log_prior, accepted
		FROM fit_samples
		WHERE run_id = ?
		ORDER BY step ASC
	`
	args := []interface{}{runID}
	if limit > 0 {
		query += " LIMIT ?"
		args = append(args, limit)
	}

	rows, err := db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("query fit samples: %w", err)
	}
	defer rows.Close()

	var samples []*FitSample
	for rows.Next() {
		s := &FitSample{}
		if err := rows.Scan(&s.RunID, &s.Step, &s.BlockName, &s.LogLikelihood, &s.LogPrior, &s.Accepted); err != nil {
			return nil, fmt.Errorf("scan fit sample: %w", err)
		}
		samples = append(samples, s)
	}
	return samples, rows.Err()
}

// ListRuns returns the most recent runs, newest first, up to limit
// (0 means no limit).
func (db *DB) ListRuns(limit int) ([]*FitRun, error) {
	query := `
		SELECT run_id, image_name, shape_z, shape_y, shape_x,
		       num_particles, sigma, zscale, model_mode, difference,
		       COALESCE(final_ll, 0), COALESCE(final_lp, 0)
		FROM fit_runs
		ORDER BY started_at DESC
	`
	args := []interface{}{}
	if limit > 0 {
		query += " LIMIT ?"
		args = append(args, limit)
	}

	rows, err := db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("query fit runs: %w", err)
	}
	defer rows.Close()

	var runs []*FitRun
	for rows.Next() {
		run := &FitRun{}
		if err := rows.Scan(
			&run.RunID,
			&run.ImageName,
			&run.ShapeZ,
			&run.ShapeY,
			&run.ShapeX,
			&run.NumParticles,
			&run.Sigma,
			&run.ZScale,
			&run.ModelMode,
			&run.Difference,
			&run.FinalLL,
			&run.FinalLP,
		); err != nil {
			return nil, fmt.Errorf("scan fit run: %w", err)
		}
		runs = append(runs, run)
	}
	return runs, rows.Err()
}

// AcceptanceRate computes the fraction of accepted samples for a run.
// Returns 0 with no error when the run has no samples.
func (db *DB) AcceptanceRate(runID string) (float64, error) {
	var total, accepted sql.NullInt64
	query := `
		SELECT COUNT(*), COALESCE(SUM(accepted), 0)
		FROM fit_samples
		WHERE run_id = ?
	`
	if err := db.QueryRow(query, runID).Scan(&total, &accepted); err != nil {
		return 0, fmt.Errorf("query acceptance rate: %w", err)
	}
	if total.Int64 == 0 {
		return 0, nil
	}
	return float64(accepted.Int64) / float64(total.Int64), nil
}
