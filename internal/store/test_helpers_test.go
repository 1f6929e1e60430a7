package store

import (
	"context"
	"database/sql"
	"fmt"
	"path/filepath"
	"sort"
	"strings"
	"testing"
	"time"

	"github.com/roach88/stepped/internal/ir"
)

// createTestStore creates a new file-backed store in a temp dir.
func createTestStore(t *testing.T) *Store {
	t.Helper()
	path := filepath.Join(t.TempDir(), "test.db")
	s, err := Open(path)
	if err != nil {
		t.Fatalf("Open() failed: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

// createFixedStore is createTestStore with a movable clock.
func createFixedStore(t *testing.T, now *time.Time) *Store {
	t.Helper()
	path := filepath.Join(t.TempDir(), "test.db")
	s, err := Open(path, WithNow(func() time.Time { return *now }))
	if err != nil {
		t.Fatalf("Open() failed: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

// createTestAction creates a pending action with minimal required fields.
func createTestAction(ctx context.Context, t *testing.T, s *Store, actorID, name string) *ir.Action {
	t.Helper()
	actor := ir.ActorRef{Type: "Car", ID: actorID}
	a := &ir.Action{
		Actor:          actor,
		Name:           name,
		Args:           ir.Args{},
		Status:         ir.ActionPending,
		ConcurrencyKey: actor.TenancyKey(name),
		ChecksumKey:    actor.TenancyKey(name),
	}
	if err := s.CreateAction(ctx, a); err != nil {
		t.Fatalf("CreateAction() failed: %v", err)
	}
	return a
}

// createTestStep creates a step of an action at the given index.
func createTestStep(ctx context.Context, t *testing.T, s *Store, actionID int64, index int) *ir.Step {
	t.Helper()
	st := &ir.Step{ActionID: actionID, DefinitionIndex: index, Status: ir.StepPerforming}
	if err := s.CreateStep(ctx, st); err != nil {
		t.Fatalf("CreateStep() failed: %v", err)
	}
	return st
}

// hasUniqueIndex reports whether table has a unique index covering exactly
// the comma separated columns.
func hasUniqueIndex(t *testing.T, db *sql.DB, table, columns string) bool {
	t.Helper()
	want := strings.Split(columns, ",")
	sort.Strings(want)

	rows, err := db.Query(fmt.Sprintf("PRAGMA index_list(%s)", table))
	if err != nil {
		t.Fatalf("index_list(%s): %v", table, err)
	}
	type index struct {
		name   string
		unique bool
	}
	var indexes []index
	for rows.Next() {
		var (
			seq     int
			name    string
			unique  bool
			origin  string
			partial bool
		)
		if err := rows.Scan(&seq, &name, &unique, &origin, &partial); err != nil {
			rows.Close()
			t.Fatalf("scan index_list: %v", err)
		}
		indexes = append(indexes, index{name, unique})
	}
	rows.Close()

	for _, idx := range indexes {
		if !idx.unique {
			continue
		}
		cols, err := db.Query(fmt.Sprintf("PRAGMA index_info(%q)", idx.name))
		if err != nil {
			t.Fatalf("index_info(%s): %v", idx.name, err)
		}
		var got []string
		for cols.Next() {
			var (
				seqno, cid int
				name       string
			)
			if err := cols.Scan(&seqno, &cid, &name); err != nil {
				cols.Close()
				t.Fatalf("scan index_info: %v", err)
			}
			got = append(got, name)
		}
		cols.Close()
		sort.Strings(got)
		if strings.Join(got, ",") == strings.Join(want, ",") {
			return true
		}
	}
	return false
}
