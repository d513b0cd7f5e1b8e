package db

import (
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/quasi-robotics/easy-manipulation-deployment/internal/safety/replan"
	"github.com/quasi-robotics/easy-manipulation-deployment/internal/safety/supervisor"
	"github.com/quasi-robotics/easy-manipulation-deployment/internal/safety/zone"
)

// ErrRunNotFound is returned when a run ID has no row.
var ErrRunNotFound = errors.New("run not found")

// Run is one row of safety_runs. StoppedAt is zero while the run is live
// or when it never stopped cleanly.
type Run struct {
	ID         string
	StartedAt  time.Time
	StoppedAt  time.Time
	Rate       float64
	ConfigJSON string
}

func (db *DB) InsertRun(info supervisor.RunInfo) error {
	cfg := info.Config
	if cfg == "" {
		cfg = "{}"
	}
	_, err := db.Exec(`INSERT INTO safety_runs (run_id, started_at, rate, config_json) VALUES (?, ?, ?, ?)`,
		info.ID, info.StartedAt.UnixNano(), info.Rate, cfg)
	if err != nil {
		return fmt.Errorf("insert run %s: %w", info.ID, err)
	}
	return nil
}

// FinishRun marks the run stopped and stores its tick statistics.
func (db *DB) FinishRun(runID string, stoppedAt time.Time, s supervisor.StatsSummary) error {
	tx, err := db.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()

	res, err := tx.Exec(`UPDATE safety_runs SET stopped_at = ? WHERE run_id = ?`, stoppedAt.UnixNano(), runID)
	if err != nil {
		return fmt.Errorf("stop run %s: %w", runID, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("stop run %s: %w", runID, ErrRunNotFound)
	}
	_, err = tx.Exec(`
		INSERT OR REPLACE INTO tick_stats (run_id, count, overruns, mean_ns, stddev_ns, p50_ns, p99_ns, max_ns)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		runID, int64(s.Count), int64(s.Overruns),
		int64(s.Mean), int64(s.StdDev), int64(s.P50), int64(s.P99), int64(s.Max))
	if err != nil {
		return fmt.Errorf("insert tick stats %s: %w", runID, err)
	}
	return tx.Commit()
}

func (db *DB) InsertTransition(t supervisor.Transition) error {
	_, err := db.Exec(`
		INSERT INTO zone_transitions (run_id, ts_unix_nanos, scheduling_time, collision_time, from_zone, to_zone, scale)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		t.RunID, t.At.UnixNano(), t.SchedulingTime, t.CollisionTime, t.From.String(), t.To.String(), t.Scale)
	return err
}

func (db *DB) InsertSample(s supervisor.Sample) error {
	_, err := db.Exec(`INSERT INTO scale_samples (run_id, scheduling_time, scale, zone) VALUES (?, ?, ?, ?)`,
		s.RunID, s.SchedulingTime, s.Scale, s.Zone.String())
	return err
}

func (db *DB) InsertAttempt(runID string, a replan.Attempt) error {
	_, err := db.Exec(`
		INSERT INTO replan_attempts (attempt_id, run_id, start_time, end_time, status, points, started_at, finished_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		a.ID, runID, a.StartTime, a.EndTime, a.Status.String(), a.Points,
		a.StartedAt.UnixNano(), a.FinishedAt.UnixNano())
	return err
}

// ListRuns returns all runs, newest first.
func (db *DB) ListRuns() ([]Run, error) {
	rows, err := db.Query(`SELECT run_id, started_at, stopped_at, rate, config_json FROM safety_runs ORDER BY started_at DESC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var runs []Run
	for rows.Next() {
		r, err := scanRun(rows)
		if err != nil {
			return nil, err
		}
		runs = append(runs, r)
	}
	return runs, rows.Err()
}

// GetRun returns a single run.
func (db *DB) GetRun(runID string) (Run, error) {
	row := db.QueryRow(`SELECT run_id, started_at, stopped_at, rate, config_json FROM safety_runs WHERE run_id = ?`, runID)
	r, err := scanRun(row)
	if errors.Is(err, sql.ErrNoRows) {
		return Run{}, fmt.Errorf("%s: %w", runID, ErrRunNotFound)
	}
	return r, err
}

// LatestRun returns the most recently started run.
func (db *DB) LatestRun() (Run, error) {
	row := db.QueryRow(`SELECT run_id, started_at, stopped_at, rate, config_json FROM safety_runs ORDER BY started_at DESC LIMIT 1`)
	r, err := scanRun(row)
	if errors.Is(err, sql.ErrNoRows) {
		return Run{}, ErrRunNotFound
	}
	return r, err
}

type scanner interface {
	Scan(dest ...any) error
}

func scanRun(s scanner) (Run, error) {
	var (
		r       Run
		started int64
		stopped sql.NullInt64
	)
	if err := s.Scan(&r.ID, &started, &stopped, &r.Rate, &r.ConfigJSON); err != nil {
		return Run{}, err
	}
	r.StartedAt = time.Unix(0, started)
	if stopped.Valid {
		r.StoppedAt = time.Unix(0, stopped.Int64)
	}
	return r, nil
}

// ZoneTransitions returns the transitions of a run in order.
func (db *DB) ZoneTransitions(runID string) ([]supervisor.Transition, error) {
	rows, err := db.Query(`
		SELECT ts_unix_nanos, scheduling_time, collision_time, from_zone, to_zone, scale
		FROM zone_transitions WHERE run_id = ? ORDER BY rowid`, runID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []supervisor.Transition
	for rows.Next() {
		var (
			ts       int64
			from, to string
		)
		t := supervisor.Transition{RunID: runID}
		if err := rows.Scan(&ts, &t.SchedulingTime, &t.CollisionTime, &from, &to, &t.Scale); err != nil {
			return nil, err
		}
		t.At = time.Unix(0, ts)
		if t.From, err = zone.Parse(from); err != nil {
			return nil, err
		}
		if t.To, err = zone.Parse(to); err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

// ScaleSamples returns the sampled scale values of a run in order.
func (db *DB) ScaleSamples(runID string) ([]supervisor.Sample, error) {
	rows, err := db.Query(`
		SELECT scheduling_time, scale, zone FROM scale_samples WHERE run_id = ? ORDER BY rowid`, runID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []supervisor.Sample
	for rows.Next() {
		var z string
		s := supervisor.Sample{RunID: runID}
		if err := rows.Scan(&s.SchedulingTime, &s.Scale, &z); err != nil {
			return nil, err
		}
		if s.Zone, err = zone.Parse(z); err != nil {
			return nil, err
		}
		out = append(out, s)
	}
	return out, rows.Err()
}

// ReplanAttempts returns the finished replan attempts of a run in order.
func (db *DB) ReplanAttempts(runID string) ([]replan.Attempt, error) {
	rows, err := db.Query(`
		SELECT attempt_id, start_time, end_time, status, points, started_at, finished_at
		FROM replan_attempts WHERE run_id = ? ORDER BY started_at, rowid`, runID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []replan.Attempt
	for rows.Next() {
		var (
			a                 replan.Attempt
			status            string
			started, finished int64
		)
		if err := rows.Scan(&a.ID, &a.StartTime, &a.EndTime, &status, &a.Points, &started, &finished); err != nil {
			return nil, err
		}
		if a.Status, err = replan.ParseStatus(status); err != nil {
			return nil, err
		}
		a.StartedAt = time.Unix(0, started)
		a.FinishedAt = time.Unix(0, finished)
		out = append(out, a)
	}
	return out, rows.Err()
}

// TickStats returns the tick statistics stored when the run stopped.
func (db *DB) TickStats(runID string) (supervisor.StatsSummary, error) {
	var (
		s                               supervisor.StatsSummary
		count, overruns                 int64
		mean, stddev, p50, p99, maxTick int64
	)
	err := db.QueryRow(`
		SELECT count, overruns, mean_ns, stddev_ns, p50_ns, p99_ns, max_ns
		FROM tick_stats WHERE run_id = ?`, runID).
		Scan(&count, &overruns, &mean, &stddev, &p50, &p99, &maxTick)
	if errors.Is(err, sql.ErrNoRows) {
		return s, fmt.Errorf("tick stats for %s: %w", runID, ErrRunNotFound)
	}
	if err != nil {
		return s, err
	}
	s.Count = uint64(count)
	s.Overruns = uint64(overruns)
	s.Mean = time.Duration(mean)
	s.StdDev = time.Duration(stddev)
	s.P50 = time.Duration(p50)
	s.P99 = time.Duration(p99)
	s.Max = time.Duration(maxTick)
	return s, nil
}
