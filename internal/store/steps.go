package store

import (
	"context"
	"fmt"

	"github.com/roach88/stepped/internal/ir"
)

// CreateStep inserts a step. The (action_id, definition_index) pair is
// unique; a duplicate is an error.
func (s *Store) CreateStep(ctx context.Context, st *ir.Step) error {
	if st.Status == "" {
		st.Status = ir.StepPending
	}
	now := s.Now()
	err := s.queryRow(ctx, `
		INSERT INTO steps
		(action_id, definition_index, status, pending_actions_count, unsuccessful_actions_count,
		 started_at, completed_at, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		RETURNING id
	`,
		st.ActionID, st.DefinitionIndex, string(st.Status), st.PendingActionsCount, st.UnsuccessfulActionsCount,
		nullTime(st.StartedAt), nullTime(st.CompletedAt), now, now,
	).Scan(&st.ID)
	if err != nil {
		return fmt.Errorf("create step %d of action %d: %w", st.DefinitionIndex, st.ActionID, err)
	}
	st.CreatedAt = now
	st.UpdatedAt = now
	return nil
}

// UpdateStep writes the mutable columns of st.
func (s *Store) UpdateStep(ctx context.Context, st *ir.Step) error {
	now := s.Now()
	_, err := s.exec(ctx, `
		UPDATE steps SET
			status = ?, pending_actions_count = ?, unsuccessful_actions_count = ?,
			started_at = ?, completed_at = ?, updated_at = ?
		WHERE id = ?
	`,
		string(st.Status), st.PendingActionsCount, st.UnsuccessfulActionsCount,
		nullTime(st.StartedAt), nullTime(st.CompletedAt), now, st.ID,
	)
	if err != nil {
		return fmt.Errorf("update step %d: %w", st.ID, err)
	}
	st.UpdatedAt = now
	return nil
}

// ReadStep returns the step with the given id.
// Returns sql.ErrNoRows (wrapped) if not found.
func (s *Store) ReadStep(ctx context.Context, id int64) (*ir.Step, error) {
	st, err := scanStep(s.queryRow(ctx, `SELECT `+stepColumns+` FROM steps WHERE id = ?`, id))
	if err != nil {
		return nil, fmt.Errorf("read step %d: %w", id, err)
	}
	return st, nil
}

// ReadStepForUpdate is ReadStep holding the row lock, serializing
// concurrent child conclusions.
func (s *Store) ReadStepForUpdate(ctx context.Context, id int64) (*ir.Step, error) {
	q := s.dialect.locked(`SELECT ` + stepColumns + ` FROM steps WHERE id = ?`)
	st, err := scanStep(s.queryRow(ctx, q, id))
	if err != nil {
		return nil, fmt.Errorf("read step %d: %w", id, err)
	}
	return st, nil
}

// ActionSteps returns the steps of an action ordered by id.
func (s *Store) ActionSteps(ctx context.Context, actionID int64) ([]*ir.Step, error) {
	rows, err := s.query(ctx, `SELECT `+stepColumns+` FROM steps WHERE action_id = ? ORDER BY id ASC`, actionID)
	if err != nil {
		return nil, fmt.Errorf("query steps: %w", err)
	}
	defer rows.Close()

	steps := []*ir.Step{}
	for rows.Next() {
		st, err := scanStep(rows)
		if err != nil {
			return nil, fmt.Errorf("scan step: %w", err)
		}
		steps = append(steps, st)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate steps: %w", err)
	}
	return steps, nil
}

// CountSteps returns the number of stored steps.
func (s *Store) CountSteps(ctx context.Context) (int, error) {
	return s.count(ctx, "steps")
}
