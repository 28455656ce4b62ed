package postgres

import (
	"context"
	"testing"
	"time"

	"forkguard/internal/store"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/google/uuid"
	"github.com/lib/pq"
)

func newMockStore(t *testing.T) (*Store, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock.New failed: %v", err)
	}
	return &Store{db: db}, mock
}

func TestCreateRun(t *testing.T) {
	st, mock := newMockStore(t)
	defer st.db.Close()

	run := &store.Run{
		ID:        uuid.New(),
		Name:      "nightly-backup",
		Command:   []string{"/usr/bin/backup", "--full"},
		StartedAt: time.Now().UTC(),
	}

	mock.ExpectExec(`INSERT INTO runs`).
		WithArgs(run.ID, run.Name, pq.Array(run.Command), run.TimedOut, run.StartedAt).
		WillReturnResult(sqlmock.NewResult(0, 1))

	if err := st.CreateRun(context.Background(), run); err != nil {
		t.Fatalf("CreateRun failed: %v", err)
	}

	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("unfulfilled expectations: %v", err)
	}
}

func TestFinishRun_WithFailure(t *testing.T) {
	st, mock := newMockStore(t)
	defer st.db.Close()

	exitCode := 3
	failureCode := 3
	failureMessage := "nightly-backup failed with code 3"
	finishedAt := time.Now().UTC()

	run := &store.Run{
		ID:             uuid.New(),
		ExitCode:       &exitCode,
		FailureCode:    &failureCode,
		FailureMessage: &failureMessage,
		FinishedAt:     &finishedAt,
	}

	mock.ExpectExec(`UPDATE runs`).
		WithArgs(run.ID, run.ExitCode, run.FailureCode, run.FailureMessage, run.TimedOut, run.FinishedAt).
		WillReturnResult(sqlmock.NewResult(0, 1))

	if err := st.FinishRun(context.Background(), run); err != nil {
		t.Fatalf("FinishRun failed: %v", err)
	}

	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("unfulfilled expectations: %v", err)
	}
}

func TestGetRunByID(t *testing.T) {
	st, mock := newMockStore(t)
	defer st.db.Close()

	runID := uuid.New()
	startedAt := time.Now().Add(-5 * time.Minute)
	finishedAt := time.Now().Add(-4 * time.Minute)
	exitCode := 0

	mock.ExpectQuery(`SELECT id, name, command, exit_code, failure_code, failure_message, timed_out, started_at, finished_at`).
		WithArgs(runID).
		WillReturnRows(sqlmock.NewRows([]string{
			"id", "name", "command", "exit_code", "failure_code",
			"failure_message", "timed_out", "started_at", "finished_at",
		}).AddRow(
			runID, "nightly-backup", pq.Array([]string{"/usr/bin/backup", "--full"}),
			exitCode, nil, nil, false, startedAt, finishedAt,
		))

	run, err := st.GetRunByID(context.Background(), runID)
	if err != nil {
		t.Fatalf("GetRunByID failed: %v", err)
	}

	if run.ID != runID {
		t.Errorf("got ID %v, want %v", run.ID, runID)
	}
	if run.Name != "nightly-backup" {
		t.Errorf("got Name %q, want nightly-backup", run.Name)
	}
	if len(run.Command) != 2 || run.Command[0] != "/usr/bin/backup" {
		t.Errorf("unexpected Command: %v", run.Command)
	}
	if run.ExitCode == nil || *run.ExitCode != 0 {
		t.Errorf("got ExitCode %v, want 0", run.ExitCode)
	}
	if run.FailureCode != nil {
		t.Errorf("expected nil FailureCode, got %v", *run.FailureCode)
	}

	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("unfulfilled expectations: %v", err)
	}
}

func TestListRecentRuns(t *testing.T) {
	st, mock := newMockStore(t)
	defer st.db.Close()

	now := time.Now()
	timeoutCode := 124
	timeoutMessage := "slow-job: timeout after 100ms: exit code = 124"

	mock.ExpectQuery(`SELECT id, name, command, exit_code, failure_code, failure_message, timed_out, started_at, finished_at`).
		WithArgs(10).
		WillReturnRows(sqlmock.NewRows([]string{
			"id", "name", "command", "exit_code", "failure_code",
			"failure_message", "timed_out", "started_at", "finished_at",
		}).AddRow(
			uuid.New(), "slow-job", pq.Array([]string{"sleep", "10"}),
			nil, timeoutCode, timeoutMessage, true, now.Add(-time.Minute), now,
		).AddRow(
			uuid.New(), "quick-job", pq.Array([]string{"true"}),
			0, nil, nil, false, now.Add(-2*time.Minute), now.Add(-2*time.Minute),
		))

	runs, err := st.ListRecentRuns(context.Background(), 10)
	if err != nil {
		t.Fatalf("ListRecentRuns failed: %v", err)
	}

	if len(runs) != 2 {
		t.Fatalf("got %d runs, want 2", len(runs))
	}
	if !runs[0].TimedOut {
		t.Error("expected first run to be timed out")
	}
	if runs[0].FailureCode == nil || *runs[0].FailureCode != 124 {
		t.Errorf("got FailureCode %v, want 124", runs[0].FailureCode)
	}
	if runs[1].TimedOut {
		t.Error("expected second run to not be timed out")
	}

	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("unfulfilled expectations: %v", err)
	}
}
