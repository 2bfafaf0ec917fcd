package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"frameforge/internal/calib"
	"frameforge/internal/frame"
)

const masterColumns = `id, kind, fingerprint, epoch, observed_at, valid_from, valid_until, explicit_window, created_at, location, n_inputs, low_confidence, current`

var _ calib.Store = (*Store)(nil)

// Query returns the current masters of kind registered under fingerprintKey.
func (s *Store) Query(ctx context.Context, kind frame.ObservationType, fingerprintKey string) ([]calib.MasterRecord, error) {
	rows, err := s.DB.QueryContext(ctxOrBackground(ctx),
		`SELECT `+masterColumns+` FROM masters WHERE kind=? AND fingerprint=? AND current=1 ORDER BY id;`,
		string(kind), fingerprintKey)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanMasters(rows)
}

// InsertOrSupersede registers rec as the current master for its
// (kind, fingerprint, epoch) key in one transaction, retiring any previous one.
func (s *Store) InsertOrSupersede(ctx context.Context, rec calib.MasterRecord) (calib.CommittedOutcome, error) {
	ctx = ctxOrBackground(ctx)
	tx, err := s.DB.BeginTx(ctx, nil)
	if err != nil {
		return calib.CommittedOutcome{}, fmt.Errorf("begin supersede: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck

	res := calib.CommittedOutcome{Outcome: calib.Accepted}
	var prev string
	err = tx.QueryRowContext(ctx,
		`SELECT id FROM masters WHERE kind=? AND fingerprint=? AND epoch=? AND current=1;`,
		string(rec.Kind), rec.FingerprintKey, rec.Epoch).Scan(&prev)
	switch {
	case errors.Is(err, sql.ErrNoRows):
	case err != nil:
		return calib.CommittedOutcome{}, err
	default:
		if _, err := tx.ExecContext(ctx, `UPDATE masters SET current=0 WHERE id=?;`, prev); err != nil {
			return calib.CommittedOutcome{}, err
		}
		if prev != rec.ID {
			res = calib.CommittedOutcome{Outcome: calib.Superseded, Previous: prev}
		}
	}

	_, err = tx.ExecContext(ctx, `INSERT OR REPLACE INTO masters (`+masterColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, 1);`,
		rec.ID, string(rec.Kind), rec.FingerprintKey, rec.Epoch,
		formatTime(rec.ObservedAt), formatTime(rec.ValidFrom), formatTime(rec.ValidUntil),
		boolInt(rec.ExplicitWindow), formatTime(rec.CreatedAt), rec.Location, rec.NInputs, boolInt(rec.LowConfidence))
	if err != nil {
		return calib.CommittedOutcome{}, fmt.Errorf("insert master %s: %w", rec.ID, err)
	}
	if err := tx.Commit(); err != nil {
		return calib.CommittedOutcome{}, fmt.Errorf("commit master %s: %w", rec.ID, err)
	}
	return res, nil
}

// MasterFilter narrows ListMasters. Zero values match everything.
type MasterFilter struct {
	Kind              frame.ObservationType
	Epoch             string
	IncludeSuperseded bool
	Limit             int
}

// ListMasters returns registered masters, newest first.
func (s *Store) ListMasters(ctx context.Context, f MasterFilter) ([]calib.MasterRecord, error) {
	var where []string
	var args []any
	if f.Kind != "" {
		where = append(where, "kind=?")
		args = append(args, string(f.Kind))
	}
	if f.Epoch != "" {
		where = append(where, "epoch=?")
		args = append(args, f.Epoch)
	}
	if !f.IncludeSuperseded {
		where = append(where, "current=1")
	}
	q := `SELECT ` + masterColumns + ` FROM masters`
	if len(where) > 0 {
		q += ` WHERE ` + strings.Join(where, " AND ")
	}
	q += ` ORDER BY created_at DESC, id DESC`
	if f.Limit > 0 {
		q += ` LIMIT ?`
		args = append(args, f.Limit)
	}
	rows, err := s.DB.QueryContext(ctxOrBackground(ctx), q+";", args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanMasters(rows)
}

// Master returns one master record by id.
func (s *Store) Master(ctx context.Context, id string) (calib.MasterRecord, error) {
	rows, err := s.DB.QueryContext(ctxOrBackground(ctx), `SELECT `+masterColumns+` FROM masters WHERE id=?;`, id)
	if err != nil {
		return calib.MasterRecord{}, err
	}
	defer rows.Close()
	recs, err := scanMasters(rows)
	if err != nil {
		return calib.MasterRecord{}, err
	}
	if len(recs) == 0 {
		return calib.MasterRecord{}, fmt.Errorf("master %s: %w", id, sql.ErrNoRows)
	}
	return recs[0], nil
}

func scanMasters(rows *sql.Rows) ([]calib.MasterRecord, error) {
	var out []calib.MasterRecord
	for rows.Next() {
		var (
			r                                    calib.MasterRecord
			kind, observed, from, until, created string
			explicit, lowConf, current           int
		)
		if err := rows.Scan(&r.ID, &kind, &r.FingerprintKey, &r.Epoch, &observed, &from, &until,
			&explicit, &created, &r.Location, &r.NInputs, &lowConf, &current); err != nil {
			return nil, err
		}
		r.Kind = frame.ObservationType(kind)
		r.ExplicitWindow, r.LowConfidence, r.Current = explicit != 0, lowConf != 0, current != 0
		var err error
		for _, p := range []struct {
			dst *time.Time
			src string
		}{{&r.ObservedAt, observed}, {&r.ValidFrom, from}, {&r.ValidUntil, until}, {&r.CreatedAt, created}} {
			if *p.dst, err = parseTime(p.src); err != nil {
				return nil, fmt.Errorf("master %s: %w", r.ID, err)
			}
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
