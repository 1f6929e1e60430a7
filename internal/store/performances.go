package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/roach88/stepped/internal/ir"
)

// InsertPerformance creates the performance for p.ConcurrencyKey unless one
// already exists. Returns created == false when another unit of work holds
// the key; the caller re-selects it under lock.
func (s *Store) InsertPerformance(ctx context.Context, p *ir.Performance) (created bool, err error) {
	now := s.Now()
	err = s.queryRow(ctx, `
		INSERT INTO performances (action_id, concurrency_key, outbound_complete_key, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT (concurrency_key) DO NOTHING
		RETURNING id
	`, p.ActionID, nullString(p.ConcurrencyKey), nullString(p.OutboundCompleteKey), now, now).Scan(&p.ID)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("insert performance %q: %w", p.ConcurrencyKey, err)
	}
	p.CreatedAt = now
	p.UpdatedAt = now
	return true, nil
}

// FindPerformanceByConcurrencyKey returns the locked performance for key,
// or nil when none exists.
func (s *Store) FindPerformanceByConcurrencyKey(ctx context.Context, key string) (*ir.Performance, error) {
	return s.findPerformance(ctx, "concurrency_key", key)
}

// FindPerformanceByOutboundKey returns the locked performance whose active
// action is outbound with the given tenancy key, or nil.
func (s *Store) FindPerformanceByOutboundKey(ctx context.Context, key string) (*ir.Performance, error) {
	return s.findPerformance(ctx, "outbound_complete_key", key)
}

func (s *Store) findPerformance(ctx context.Context, column, key string) (*ir.Performance, error) {
	q := s.dialect.locked(`SELECT ` + performanceColumns + ` FROM performances WHERE ` + column + ` = ?`)
	p, err := scanPerformance(s.queryRow(ctx, q, key))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("find performance by %s %q: %w", column, key, err)
	}
	return p, nil
}

// ReadPerformance returns the performance with the given id.
// Returns sql.ErrNoRows (wrapped) if not found.
func (s *Store) ReadPerformance(ctx context.Context, id int64) (*ir.Performance, error) {
	p, err := scanPerformance(s.queryRow(ctx, `SELECT `+performanceColumns+` FROM performances WHERE id = ?`, id))
	if err != nil {
		return nil, fmt.Errorf("read performance %d: %w", id, err)
	}
	return p, nil
}

// UpdatePerformance records a new active action.
func (s *Store) UpdatePerformance(ctx context.Context, p *ir.Performance) error {
	now := s.Now()
	_, err := s.exec(ctx, `
		UPDATE performances SET action_id = ?, outbound_complete_key = ?, updated_at = ?
		WHERE id = ?
	`, p.ActionID, nullString(p.OutboundCompleteKey), now, p.ID)
	if err != nil {
		return fmt.Errorf("update performance %d: %w", p.ID, err)
	}
	p.UpdatedAt = now
	return nil
}

// DeletePerformance frees a concurrency slot. Actions still referencing it
// are detached by the foreign key.
func (s *Store) DeletePerformance(ctx context.Context, id int64) error {
	if _, err := s.exec(ctx, `UPDATE actions SET performance_id = NULL WHERE performance_id = ?`, id); err != nil {
		return fmt.Errorf("delete performance %d: %w", id, err)
	}
	if _, err := s.exec(ctx, `DELETE FROM performances WHERE id = ?`, id); err != nil {
		return fmt.Errorf("delete performance %d: %w", id, err)
	}
	return nil
}

// ListPerformances returns all live performances ordered by id.
func (s *Store) ListPerformances(ctx context.Context) ([]*ir.Performance, error) {
	rows, err := s.query(ctx, `SELECT `+performanceColumns+` FROM performances ORDER BY id ASC`)
	if err != nil {
		return nil, fmt.Errorf("query performances: %w", err)
	}
	defer rows.Close()

	perfs := []*ir.Performance{}
	for rows.Next() {
		p, err := scanPerformance(rows)
		if err != nil {
			return nil, fmt.Errorf("scan performance: %w", err)
		}
		perfs = append(perfs, p)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate performances: %w", err)
	}
	return perfs, nil
}

// CountPerformances returns the number of live performances.
func (s *Store) CountPerformances(ctx context.Context) (int, error) {
	return s.count(ctx, "performances")
}
