package store

import (
	"context"
	"fmt"
	"strings"

	"github.com/roach88/stepped/internal/ir"
)

// CreateAction inserts a new action and links it to a.ParentStepIDs.
// Sets a.ID and the timestamps.
func (s *Store) CreateAction(ctx context.Context, a *ir.Action) error {
	if a.Persisted() {
		return fmt.Errorf("create action: action %d already persisted", a.ID)
	}
	argsJSON, err := marshalArgs(a.Args)
	if err != nil {
		return fmt.Errorf("create action: %w", err)
	}
	if a.Status == "" {
		a.Status = ir.ActionPending
	}

	now := s.Now()
	err = s.queryRow(ctx, `
		INSERT INTO actions
		(actor_type, actor_id, name, arguments, status, root, outbound,
		 concurrency_key, checksum_key, checksum, job, current_step_index, timeout_seconds,
		 started_at, completed_at, performance_id,
		 after_callbacks_succeeded_count, after_callbacks_failed_count, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		RETURNING id
	`,
		a.Actor.Type, a.Actor.ID, a.Name, argsJSON, string(a.Status), a.Root, a.Outbound,
		a.ConcurrencyKey, a.ChecksumKey, nullString(a.Checksum), nullString(a.Job), a.CurrentStepIndex, nullSeconds(a.Timeout),
		nullTime(a.StartedAt), nullTime(a.CompletedAt), nullInt64(a.PerformanceID),
		a.AfterCallbacksSucceeded, a.AfterCallbacksFailed, now, now,
	).Scan(&a.ID)
	if err != nil {
		return fmt.Errorf("create action: %w", err)
	}
	a.CreatedAt = now
	a.UpdatedAt = now

	for _, stepID := range a.ParentStepIDs {
		if err := s.AddParentStep(ctx, a.ID, stepID); err != nil {
			return fmt.Errorf("create action: %w", err)
		}
	}
	return nil
}

// UpdateAction writes every mutable column of a.
func (s *Store) UpdateAction(ctx context.Context, a *ir.Action) error {
	argsJSON, err := marshalArgs(a.Args)
	if err != nil {
		return fmt.Errorf("update action %d: %w", a.ID, err)
	}

	now := s.Now()
	res, err := s.exec(ctx, `
		UPDATE actions SET
			arguments = ?, status = ?, outbound = ?, concurrency_key = ?, checksum_key = ?, checksum = ?,
			job = ?, current_step_index = ?, timeout_seconds = ?, started_at = ?, completed_at = ?,
			performance_id = ?, after_callbacks_succeeded_count = ?, after_callbacks_failed_count = ?,
			updated_at = ?
		WHERE id = ?
	`,
		argsJSON, string(a.Status), a.Outbound, a.ConcurrencyKey, a.ChecksumKey, nullString(a.Checksum),
		nullString(a.Job), a.CurrentStepIndex, nullSeconds(a.Timeout), nullTime(a.StartedAt), nullTime(a.CompletedAt),
		nullInt64(a.PerformanceID), a.AfterCallbacksSucceeded, a.AfterCallbacksFailed,
		now, a.ID,
	)
	if err != nil {
		return fmt.Errorf("update action %d: %w", a.ID, err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return fmt.Errorf("update action %d: no such action", a.ID)
	}
	a.UpdatedAt = now
	return nil
}

// ReadAction returns the action with the given id.
// Returns sql.ErrNoRows (wrapped) if not found.
func (s *Store) ReadAction(ctx context.Context, id int64) (*ir.Action, error) {
	a, err := scanAction(s.queryRow(ctx, `SELECT `+actionColumns+` FROM actions WHERE id = ?`, id))
	if err != nil {
		return nil, fmt.Errorf("read action %d: %w", id, err)
	}
	return a, nil
}

// ReadActionForUpdate is ReadAction holding the row lock.
func (s *Store) ReadActionForUpdate(ctx context.Context, id int64) (*ir.Action, error) {
	q := s.dialect.locked(`SELECT ` + actionColumns + ` FROM actions WHERE id = ?`)
	a, err := scanAction(s.queryRow(ctx, q, id))
	if err != nil {
		return nil, fmt.Errorf("read action %d: %w", id, err)
	}
	return a, nil
}

// PerformanceActions returns the actions attached to a performance,
// ordered by id (creation order).
func (s *Store) PerformanceActions(ctx context.Context, performanceID int64) ([]*ir.Action, error) {
	return s.listActions(ctx, `WHERE performance_id = ? ORDER BY id ASC`, performanceID)
}

// PendingPerformanceActions returns the queued (pending) actions of a
// performance other than exceptID, ordered by id.
func (s *Store) PendingPerformanceActions(ctx context.Context, performanceID, exceptID int64) ([]*ir.Action, error) {
	return s.listActions(ctx, `WHERE performance_id = ? AND status = ? AND id <> ? ORDER BY id ASC`,
		performanceID, string(ir.ActionPending), exceptID)
}

// NextIncompleteAction returns the oldest pending or performing action of
// a performance, or nil when the queue is exhausted.
func (s *Store) NextIncompleteAction(ctx context.Context, performanceID int64) (*ir.Action, error) {
	actions, err := s.listActions(ctx, `WHERE performance_id = ? AND status IN (?, ?) ORDER BY id ASC LIMIT 1`,
		performanceID, string(ir.ActionPending), string(ir.ActionPerforming))
	if err != nil {
		return nil, err
	}
	if len(actions) == 0 {
		return nil, nil
	}
	return actions[0], nil
}

// ActionFilter narrows ListActions.
type ActionFilter struct {
	Actor      *ir.ActorRef
	Name       string
	Statuses   []ir.ActionStatus
	RootsOnly  bool
	Limit      int
	Descending bool
}

// ListActions returns actions matching f, ordered by id.
func (s *Store) ListActions(ctx context.Context, f ActionFilter) ([]*ir.Action, error) {
	var (
		where []string
		args  []any
	)
	if f.Actor != nil {
		where = append(where, "actor_type = ? AND actor_id = ?")
		args = append(args, f.Actor.Type, f.Actor.ID)
	}
	if f.Name != "" {
		where = append(where, "name = ?")
		args = append(args, f.Name)
	}
	if len(f.Statuses) > 0 {
		marks := make([]string, len(f.Statuses))
		for i, st := range f.Statuses {
			marks[i] = "?"
			args = append(args, string(st))
		}
		where = append(where, "status IN ("+strings.Join(marks, ", ")+")")
	}
	if f.RootsOnly {
		where = append(where, "root = ?")
		args = append(args, true)
	}

	var clause strings.Builder
	if len(where) > 0 {
		clause.WriteString("WHERE " + strings.Join(where, " AND "))
	}
	if f.Descending {
		clause.WriteString(" ORDER BY id DESC")
	} else {
		clause.WriteString(" ORDER BY id ASC")
	}
	if f.Limit > 0 {
		clause.WriteString(fmt.Sprintf(" LIMIT %d", f.Limit))
	}
	return s.listActions(ctx, clause.String(), args...)
}

// CountActions returns the number of stored actions.
func (s *Store) CountActions(ctx context.Context) (int, error) {
	return s.count(ctx, "actions")
}

func (s *Store) listActions(ctx context.Context, clause string, args ...any) ([]*ir.Action, error) {
	rows, err := s.query(ctx, `SELECT `+actionColumns+` FROM actions `+clause, args...)
	if err != nil {
		return nil, fmt.Errorf("query actions: %w", err)
	}
	defer rows.Close()

	actions := []*ir.Action{}
	for rows.Next() {
		a, err := scanAction(rows)
		if err != nil {
			return nil, fmt.Errorf("scan action: %w", err)
		}
		actions = append(actions, a)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate actions: %w", err)
	}
	return actions, nil
}

// AddParentStep links a child action to a step awaiting it.
// Duplicate links are ignored.
func (s *Store) AddParentStep(ctx context.Context, actionID, stepID int64) error {
	_, err := s.exec(ctx, `
		INSERT INTO actions_steps (action_id, step_id) VALUES (?, ?)
		ON CONFLICT (action_id, step_id) DO NOTHING
	`, actionID, stepID)
	if err != nil {
		return fmt.Errorf("link action %d to step %d: %w", actionID, stepID, err)
	}
	return nil
}

// CopyParentSteps makes every step awaiting fromID also await toID.
// Existing links of toID are kept; duplicates are ignored.
func (s *Store) CopyParentSteps(ctx context.Context, fromID, toID int64) error {
	if fromID == toID {
		return fmt.Errorf("copy parent steps: action %d onto itself", fromID)
	}
	_, err := s.exec(ctx, `
		INSERT INTO actions_steps (action_id, step_id)
		SELECT ?, step_id FROM actions_steps WHERE action_id = ?
		ON CONFLICT (action_id, step_id) DO NOTHING
	`, toID, fromID)
	if err != nil {
		return fmt.Errorf("copy parent steps %d -> %d: %w", fromID, toID, err)
	}
	return nil
}

// ParentStepIDs returns the steps awaiting an action, ordered by id.
func (s *Store) ParentStepIDs(ctx context.Context, actionID int64) ([]int64, error) {
	rows, err := s.query(ctx, `SELECT step_id FROM actions_steps WHERE action_id = ? ORDER BY step_id ASC`, actionID)
	if err != nil {
		return nil, fmt.Errorf("query parent steps: %w", err)
	}
	defer rows.Close()

	ids := []int64{}
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan parent step: %w", err)
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate parent steps: %w", err)
	}
	return ids, nil
}

// ChildActions returns the actions a step awaits, ordered by id.
func (s *Store) ChildActions(ctx context.Context, stepID int64) ([]*ir.Action, error) {
	return s.listActions(ctx, `WHERE id IN (SELECT action_id FROM actions_steps WHERE step_id = ?) ORDER BY id ASC`, stepID)
}

// IsDescendantOf reports whether ancestorID owns a step that actionID
// awaits, directly or through any chain of parent steps.
func (s *Store) IsDescendantOf(ctx context.Context, actionID, ancestorID int64) (bool, error) {
	var found int
	err := s.queryRow(ctx, `
		WITH RECURSIVE ancestry(action_id) AS (
			SELECT st.action_id
			FROM actions_steps j JOIN steps st ON st.id = j.step_id
			WHERE j.action_id = ?
			UNION
			SELECT st.action_id
			FROM ancestry a
			JOIN actions_steps j ON j.action_id = a.action_id
			JOIN steps st ON st.id = j.step_id
		)
		SELECT COUNT(*) FROM ancestry WHERE action_id = ?
	`, actionID, ancestorID).Scan(&found)
	if err != nil {
		return false, fmt.Errorf("descendant check %d of %d: %w", actionID, ancestorID, err)
	}
	return found > 0, nil
}

func (s *Store) count(ctx context.Context, table string) (int, error) {
	var n int
	if err := s.queryRow(ctx, `SELECT COUNT(*) FROM `+table).Scan(&n); err != nil {
		return 0, fmt.Errorf("count %s: %w", table, err)
	}
	return n, nil
}
