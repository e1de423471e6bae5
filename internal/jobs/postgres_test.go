package jobs

import (
	"context"
	"database/sql"
	"errors"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
)

func setupMockStore(t *testing.T) (*sql.DB, sqlmock.Sqlmock, *PostgresStore) {
	t.Helper()
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("failed to create mock db: %v", err)
	}
	return db, mock, NewPostgresStore(db)
}

func jobColumns() []string {
	return []string{"job_id", "cron_expr", "next_fire_at", "paused", "version", "created_at", "updated_at"}
}

func TestPostgresStoreUpsert(t *testing.T) {
	fireAt := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)

	tests := []struct {
		name      string
		job       *ScheduledJob
		setupMock func(mock sqlmock.Sqlmock)
		wantErr   bool
	}{
		{
			name: "inserts new job",
			job:  testJob("job-1", fireAt),
			setupMock: func(mock sqlmock.Sqlmock) {
				mock.ExpectExec("INSERT INTO scheduled_jobs").
					WithArgs("job-1", "0 9 * * *", fireAt, false, sqlmock.AnyArg()).
					WillReturnResult(sqlmock.NewResult(0, 1))
			},
		},
		{
			name:      "rejects empty job id",
			job:       &ScheduledJob{},
			setupMock: func(mock sqlmock.Sqlmock) {},
			wantErr:   true,
		},
		{
			name: "database error",
			job:  testJob("job-1", fireAt),
			setupMock: func(mock sqlmock.Sqlmock) {
				mock.ExpectExec("INSERT INTO scheduled_jobs").
					WillReturnError(errors.New("connection refused"))
			},
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			db, mock, store := setupMockStore(t)
			defer db.Close()
			tt.setupMock(mock)

			err := store.Upsert(context.Background(), tt.job)
			if (err != nil) != tt.wantErr {
				t.Errorf("Upsert() error = %v, wantErr %v", err, tt.wantErr)
			}
			if err := mock.ExpectationsWereMet(); err != nil {
				t.Errorf("unmet expectations: %v", err)
			}
		})
	}
}

func TestPostgresStoreGet(t *testing.T) {
	fireAt := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
	now := time.Date(2026, 2, 28, 12, 0, 0, 0, time.UTC)

	tests := []struct {
		name      string
		setupMock func(mock sqlmock.Sqlmock)
		wantErr   error
	}{
		{
			name: "returns job",
			setupMock: func(mock sqlmock.Sqlmock) {
				mock.ExpectQuery("SELECT (.+) FROM scheduled_jobs WHERE job_id").
					WithArgs("job-1").
					WillReturnRows(sqlmock.NewRows(jobColumns()).
						AddRow("job-1", "0 9 * * *", fireAt, false, int64(3), now, now))
			},
		},
		{
			name: "not found",
			setupMock: func(mock sqlmock.Sqlmock) {
				mock.ExpectQuery("SELECT (.+) FROM scheduled_jobs WHERE job_id").
					WithArgs("job-1").
					WillReturnRows(sqlmock.NewRows(jobColumns()))
			},
			wantErr: ErrNotFound,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			db, mock, store := setupMockStore(t)
			defer db.Close()
			tt.setupMock(mock)

			job, err := store.Get(context.Background(), "job-1")
			if tt.wantErr != nil {
				if !errors.Is(err, tt.wantErr) {
					t.Errorf("Get() error = %v, want %v", err, tt.wantErr)
				}
				return
			}
			if err != nil {
				t.Fatalf("Get() error = %v", err)
			}
			if job.JobID != "job-1" {
				t.Errorf("JobID = %q, want %q", job.JobID, "job-1")
			}
			if job.Version != 3 {
				t.Errorf("Version = %d, want 3", job.Version)
			}
			if !job.NextFireAt.Equal(fireAt) {
				t.Errorf("NextFireAt = %v, want %v", job.NextFireAt, fireAt)
			}
			if err := mock.ExpectationsWereMet(); err != nil {
				t.Errorf("unmet expectations: %v", err)
			}
		})
	}
}

func TestPostgresStoreDelete(t *testing.T) {
	db, mock, store := setupMockStore(t)
	defer db.Close()

	mock.ExpectExec("DELETE FROM scheduled_jobs").
		WithArgs("job-1").
		WillReturnResult(sqlmock.NewResult(0, 0))

	if err := store.Delete(context.Background(), "job-1"); err != nil {
		t.Errorf("Delete() error = %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("unmet expectations: %v", err)
	}
}

func TestPostgresStorePause(t *testing.T) {
	tests := []struct {
		name      string
		setupMock func(mock sqlmock.Sqlmock)
		wantErr   error
	}{
		{
			name: "pauses job",
			setupMock: func(mock sqlmock.Sqlmock) {
				mock.ExpectExec("UPDATE scheduled_jobs").
					WithArgs("job-1", true, sqlmock.AnyArg()).
					WillReturnResult(sqlmock.NewResult(0, 1))
			},
		},
		{
			name: "not found",
			setupMock: func(mock sqlmock.Sqlmock) {
				mock.ExpectExec("UPDATE scheduled_jobs").
					WithArgs("job-1", true, sqlmock.AnyArg()).
					WillReturnResult(sqlmock.NewResult(0, 0))
			},
			wantErr: ErrNotFound,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			db, mock, store := setupMockStore(t)
			defer db.Close()
			tt.setupMock(mock)

			err := store.Pause(context.Background(), "job-1")
			if tt.wantErr != nil {
				if !errors.Is(err, tt.wantErr) {
					t.Errorf("Pause() error = %v, want %v", err, tt.wantErr)
				}
			} else if err != nil {
				t.Errorf("Pause() error = %v", err)
			}
			if err := mock.ExpectationsWereMet(); err != nil {
				t.Errorf("unmet expectations: %v", err)
			}
		})
	}
}

func TestPostgresStoreDue(t *testing.T) {
	before := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	now := time.Date(2026, 2, 28, 12, 0, 0, 0, time.UTC)

	t.Run("without limit", func(t *testing.T) {
		db, mock, store := setupMockStore(t)
		defer db.Close()

		mock.ExpectQuery("SELECT (.+) FROM scheduled_jobs").
			WithArgs(before).
			WillReturnRows(sqlmock.NewRows(jobColumns()).
				AddRow("job-a", "0 9 * * *", before.Add(-time.Hour), false, int64(1), now, now).
				AddRow("job-b", "0 10 * * *", before.Add(-time.Minute), false, int64(4), now, now))

		due, err := store.Due(context.Background(), before, 0)
		if err != nil {
			t.Fatalf("Due() error = %v", err)
		}
		if len(due) != 2 {
			t.Fatalf("Due() returned %d jobs, want 2", len(due))
		}
		if due[0].JobID != "job-a" || due[1].JobID != "job-b" {
			t.Errorf("Due() order = [%s, %s], want [job-a, job-b]", due[0].JobID, due[1].JobID)
		}
		if err := mock.ExpectationsWereMet(); err != nil {
			t.Errorf("unmet expectations: %v", err)
		}
	})

	t.Run("with limit", func(t *testing.T) {
		db, mock, store := setupMockStore(t)
		defer db.Close()

		mock.ExpectQuery("SELECT (.+) FROM scheduled_jobs(.+)LIMIT").
			WithArgs(before, 5).
			WillReturnRows(sqlmock.NewRows(jobColumns()))

		due, err := store.Due(context.Background(), before, 5)
		if err != nil {
			t.Fatalf("Due() error = %v", err)
		}
		if len(due) != 0 {
			t.Errorf("Due() returned %d jobs, want 0", len(due))
		}
		if err := mock.ExpectationsWereMet(); err != nil {
			t.Errorf("unmet expectations: %v", err)
		}
	})
}

func TestPostgresStoreClaim(t *testing.T) {
	next := time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)

	tests := []struct {
		name      string
		setupMock func(mock sqlmock.Sqlmock)
		want      bool
		wantErr   bool
	}{
		{
			name: "wins the claim",
			setupMock: func(mock sqlmock.Sqlmock) {
				mock.ExpectExec("UPDATE scheduled_jobs").
					WithArgs("job-1", int64(3), next, sqlmock.AnyArg()).
					WillReturnResult(sqlmock.NewResult(0, 1))
			},
			want: true,
		},
		{
			name: "loses on stale version",
			setupMock: func(mock sqlmock.Sqlmock) {
				mock.ExpectExec("UPDATE scheduled_jobs").
					WithArgs("job-1", int64(3), next, sqlmock.AnyArg()).
					WillReturnResult(sqlmock.NewResult(0, 0))
			},
			want: false,
		},
		{
			name: "database error",
			setupMock: func(mock sqlmock.Sqlmock) {
				mock.ExpectExec("UPDATE scheduled_jobs").
					WillReturnError(errors.New("connection refused"))
			},
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			db, mock, store := setupMockStore(t)
			defer db.Close()
			tt.setupMock(mock)

			got, err := store.Claim(context.Background(), "job-1", 3, next)
			if (err != nil) != tt.wantErr {
				t.Errorf("Claim() error = %v, wantErr %v", err, tt.wantErr)
			}
			if got != tt.want {
				t.Errorf("Claim() = %v, want %v", got, tt.want)
			}
			if err := mock.ExpectationsWereMet(); err != nil {
				t.Errorf("unmet expectations: %v", err)
			}
		})
	}
}

func TestPostgresStoreReschedule(t *testing.T) {
	next := time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)

	tests := []struct {
		name      string
		setupMock func(mock sqlmock.Sqlmock)
		want      bool
	}{
		{
			name: "reschedules unpaused job",
			setupMock: func(mock sqlmock.Sqlmock) {
				mock.ExpectExec("UPDATE scheduled_jobs").
					WithArgs("job-1", next, sqlmock.AnyArg()).
					WillReturnResult(sqlmock.NewResult(0, 1))
			},
			want: true,
		},
		{
			name: "skips paused or deleted job",
			setupMock: func(mock sqlmock.Sqlmock) {
				mock.ExpectExec("UPDATE scheduled_jobs").
					WithArgs("job-1", next, sqlmock.AnyArg()).
					WillReturnResult(sqlmock.NewResult(0, 0))
			},
			want: false,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			db, mock, store := setupMockStore(t)
			defer db.Close()
			tt.setupMock(mock)

			got, err := store.Reschedule(context.Background(), "job-1", next)
			if err != nil {
				t.Fatalf("Reschedule() error = %v", err)
			}
			if got != tt.want {
				t.Errorf("Reschedule() = %v, want %v", got, tt.want)
			}
			if err := mock.ExpectationsWereMet(); err != nil {
				t.Errorf("unmet expectations: %v", err)
			}
		})
	}
}
