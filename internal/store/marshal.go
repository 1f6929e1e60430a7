package store

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/roach88/stepped/internal/ir"
)

// rowScanner is satisfied by *sql.Row and *sql.Rows.
type rowScanner interface {
	Scan(dest ...any) error
}

// marshalArgs converts an argument list to JSON TEXT for storage.
func marshalArgs(args ir.Args) (string, error) {
	data, err := json.Marshal(args)
	if err != nil {
		return "", fmt.Errorf("marshal arguments: %w", err)
	}
	return string(data), nil
}

// unmarshalArgs parses JSON TEXT into an argument list.
// Numbers decode as json.Number to avoid float64 precision loss.
func unmarshalArgs(data string) (ir.Args, error) {
	if data == "" {
		return ir.Args{}, nil
	}
	var args ir.Args
	if err := args.UnmarshalJSON([]byte(data)); err != nil {
		return nil, fmt.Errorf("unmarshal arguments: %w", err)
	}
	return args, nil
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

func nullInt64(n int64) sql.NullInt64 {
	return sql.NullInt64{Int64: n, Valid: n != 0}
}

func nullTime(t *time.Time) sql.NullTime {
	if t == nil {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: t.UTC(), Valid: true}
}

func timePtr(nt sql.NullTime) *time.Time {
	if !nt.Valid {
		return nil
	}
	t := nt.Time.UTC()
	return &t
}

func nullSeconds(d time.Duration) sql.NullFloat64 {
	return sql.NullFloat64{Float64: d.Seconds(), Valid: d > 0}
}

func secondsDuration(nf sql.NullFloat64) time.Duration {
	if !nf.Valid {
		return 0
	}
	return time.Duration(nf.Float64 * float64(time.Second))
}

const actionColumns = `id, actor_type, actor_id, name, arguments, status, root, outbound,
	concurrency_key, checksum_key, checksum, job, current_step_index, timeout_seconds,
	started_at, completed_at, performance_id,
	after_callbacks_succeeded_count, after_callbacks_failed_count, created_at, updated_at`

func scanAction(row rowScanner) (*ir.Action, error) {
	var (
		a           ir.Action
		argsJSON    string
		status      string
		checksum    sql.NullString
		job         sql.NullString
		timeout     sql.NullFloat64
		startedAt   sql.NullTime
		completedAt sql.NullTime
		perfID      sql.NullInt64
	)
	err := row.Scan(
		&a.ID, &a.Actor.Type, &a.Actor.ID, &a.Name, &argsJSON, &status, &a.Root, &a.Outbound,
		&a.ConcurrencyKey, &a.ChecksumKey, &checksum, &job, &a.CurrentStepIndex, &timeout,
		&startedAt, &completedAt, &perfID,
		&a.AfterCallbacksSucceeded, &a.AfterCallbacksFailed, &a.CreatedAt, &a.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}

	args, err := unmarshalArgs(argsJSON)
	if err != nil {
		return nil, fmt.Errorf("action %d: %w", a.ID, err)
	}
	a.Args = args
	a.Status = ir.ActionStatus(status)
	a.Checksum = checksum.String
	a.Job = job.String
	a.Timeout = secondsDuration(timeout)
	a.StartedAt = timePtr(startedAt)
	a.CompletedAt = timePtr(completedAt)
	a.PerformanceID = perfID.Int64
	a.CreatedAt = a.CreatedAt.UTC()
	a.UpdatedAt = a.UpdatedAt.UTC()
	return &a, nil
}

const stepColumns = `id, action_id, definition_index, status, pending_actions_count,
	unsuccessful_actions_count, started_at, completed_at, created_at, updated_at`

func scanStep(row rowScanner) (*ir.Step, error) {
	var (
		st          ir.Step
		status      string
		startedAt   sql.NullTime
		completedAt sql.NullTime
	)
	err := row.Scan(
		&st.ID, &st.ActionID, &st.DefinitionIndex, &status, &st.PendingActionsCount,
		&st.UnsuccessfulActionsCount, &startedAt, &completedAt, &st.CreatedAt, &st.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	st.Status = ir.StepStatus(status)
	st.StartedAt = timePtr(startedAt)
	st.CompletedAt = timePtr(completedAt)
	st.CreatedAt = st.CreatedAt.UTC()
	st.UpdatedAt = st.UpdatedAt.UTC()
	return &st, nil
}

const performanceColumns = `id, action_id, concurrency_key, outbound_complete_key, created_at, updated_at`

func scanPerformance(row rowScanner) (*ir.Performance, error) {
	var (
		p           ir.Performance
		key         sql.NullString
		outboundKey sql.NullString
	)
	if err := row.Scan(&p.ID, &p.ActionID, &key, &outboundKey, &p.CreatedAt, &p.UpdatedAt); err != nil {
		return nil, err
	}
	p.ConcurrencyKey = key.String
	p.OutboundCompleteKey = outboundKey.String
	p.CreatedAt = p.CreatedAt.UTC()
	p.UpdatedAt = p.UpdatedAt.UTC()
	return &p, nil
}

const jobColumns = `id, kind, payload, run_at, attempts, last_error, locked_by, locked_until, created_at`

func scanJob(row rowScanner) (*ir.Job, error) {
	var (
		j           ir.Job
		kind        string
		payload     string
		lastError   sql.NullString
		lockedBy    sql.NullString
		lockedUntil sql.NullTime
	)
	err := row.Scan(&j.ID, &kind, &payload, &j.RunAt, &j.Attempts, &lastError, &lockedBy, &lockedUntil, &j.CreatedAt)
	if err != nil {
		return nil, err
	}
	j.Kind = ir.JobKind(kind)
	j.Payload = json.RawMessage(payload)
	j.LastError = lastError.String
	j.LockedBy = lockedBy.String
	j.LockedUntil = timePtr(lockedUntil)
	j.RunAt = j.RunAt.UTC()
	j.CreatedAt = j.CreatedAt.UTC()
	return &j, nil
}
