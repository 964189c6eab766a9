package gorm

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/3rs4lg4d0/courier/claim"
	"github.com/3rs4lg4d0/courier/event"
	"github.com/3rs4lg4d0/courier/logger"
	"github.com/3rs4lg4d0/courier/outbox"
	"github.com/3rs4lg4d0/courier/repository"
	"github.com/3rs4lg4d0/courier/test"
	"github.com/DATA-DOG/go-sqlmock"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"
)

var outboxColumns = []string{"id", "topic", "event_key", "payload", "created_at", "attempts"}

func openMockDB(t *testing.T) (*gorm.DB, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	gormDB, err := gorm.Open(postgres.New(postgres.Config{
		Conn: db,
	}), &gorm.Config{
		SkipDefaultTransaction: true,
		Logger:                 gormlogger.Default.LogMode(gormlogger.Silent),
	})
	require.NoError(t, err)
	return gormDB, mock
}

func createSqlMockRepository(t *testing.T) (*Repository, sqlmock.Sqlmock) {
	db, mock := openMockDB(t)
	rt := claim.NewRetrier(repository.IsContention)
	rt.Sleep = func(context.Context, time.Duration) error { return nil }
	repo := New(test.DefaultCtxKey, db, WithRetrier(rt))
	repo.SetLogger(&logger.NopLogger{})
	return repo, mock
}

func TestNew(t *testing.T) {
	db, _ := openMockDB(t)
	type args struct {
		txKey outbox.TxKey
		db    *gorm.DB
	}
	testcases := []struct {
		name      string
		args      args
		wantPanic bool
	}{
		{
			name: "valid txKey and valid db",
			args: args{
				txKey: test.DefaultCtxKey,
				db:    db,
			},
			wantPanic: false,
		},
		{
			name: "txKey is nil",
			args: args{
				db: db,
			},
			wantPanic: true,
		},
		{
			name: "db is nil",
			args: args{
				txKey: test.DefaultCtxKey,
			},
			wantPanic: true,
		},
	}
	for _, tc := range testcases {
		t.Run(tc.name, func(t *testing.T) {
			if tc.wantPanic {
				assert.Panics(t, func() { New(tc.args.txKey, tc.args.db) })
			} else {
				assert.NotPanics(t, func() { New(tc.args.txKey, tc.args.db) })
			}
		})
	}
}

func TestSave(t *testing.T) {
	record := &outbox.Record{
		ID:        uuid.New(),
		Topic:     event.TopicMessageCreated,
		EventKey:  "msg-1",
		Payload:   []byte(`{}`),
		CreatedAt: time.Now(),
	}

	testcases := []struct {
		name             string
		inTx             bool
		mockExpectations func(sqlmock.Sqlmock)
		wantErrMsg       string
	}{
		{
			name: "joins the transaction stored in the context",
			inTx: true,
			mockExpectations: func(mock sqlmock.Sqlmock) {
				mock.ExpectBegin()
				mock.ExpectExec("INSERT INTO outbox_events.+").WithArgs(test.GenerateAnyArgsSlice(5)...).WillReturnResult(sqlmock.NewResult(0, 1))
				mock.ExpectCommit()
			},
		},
		{
			name: "runs on its own without a transaction",
			mockExpectations: func(mock sqlmock.Sqlmock) {
				mock.ExpectExec("INSERT INTO outbox_events.+").WithArgs(test.GenerateAnyArgsSlice(5)...).WillReturnResult(sqlmock.NewResult(0, 1))
			},
		},
		{
			name: "simulate error when saving",
			mockExpectations: func(mock sqlmock.Sqlmock) {
				mock.ExpectExec("INSERT INTO outbox_events.+").WithArgs(test.GenerateAnyArgsSlice(5)...).WillReturnError(errors.New("error#1"))
			},
			wantErrMsg: "could not persist the outbox record: error#1",
		},
	}
	for _, tc := range testcases {
		t.Run(tc.name, func(t *testing.T) {
			repo, mock := createSqlMockRepository(t)
			tc.mockExpectations(mock)

			ctx := context.Background()
			var tx *gorm.DB
			if tc.inTx {
				tx = repo.db.Begin()
				ctx = context.WithValue(ctx, test.DefaultCtxKey, tx)
			}
			err := repo.Save(ctx, record)
			if tc.wantErrMsg != "" {
				assert.EqualError(t, err, tc.wantErrMsg)
			} else {
				assert.NoError(t, err)
			}
			if tx != nil {
				assert.NoError(t, tx.Commit().Error)
			}
			assert.NoError(t, mock.ExpectationsWereMet())
		})
	}
}

func TestSaveTxRequiresGormTx(t *testing.T) {
	repo, _ := createSqlMockRepository(t)
	err := repo.SaveTx(context.Background(), struct{}{}, &outbox.Record{})
	assert.EqualError(t, err, "a *gorm.DB transaction was expected")
}

func TestClaimBatch(t *testing.T) {
	const (
		selectRegEx = "SELECT id, topic.+FOR UPDATE SKIP LOCKED"
		claimRegEx  = "UPDATE outbox_events SET claimed_at.+"
	)
	now := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	c := outbox.Claim{WorkerID: "w1", Limit: 10, Now: now, TTL: 30 * time.Second}
	id1, id2 := uuid.New(), uuid.New()

	testcases := []struct {
		name             string
		mockExpectations func(sqlmock.Sqlmock)
		wantIDs          []uuid.UUID
		wantErrMsg       string
	}{
		{
			name: "claims the selected rows",
			mockExpectations: func(mock sqlmock.Sqlmock) {
				mock.ExpectBegin()
				mock.ExpectQuery(selectRegEx).WithArgs(test.GenerateAnyArgsSlice(2)...).WillReturnRows(
					sqlmock.NewRows(outboxColumns).
						AddRow(id1.String(), "message_created", "k1", []byte(`{}`), now.Add(-time.Minute), int64(0)).
						AddRow(id2.String(), "pin_added", "", []byte(`{}`), now, int64(1)))
				mock.ExpectExec(claimRegEx).WithArgs(sqlmock.AnyArg(), "w1", id1.String(), id2.String()).WillReturnResult(sqlmock.NewResult(0, 2))
				mock.ExpectCommit()
			},
			wantIDs: []uuid.UUID{id1, id2},
		},
		{
			name: "nothing eligible",
			mockExpectations: func(mock sqlmock.Sqlmock) {
				mock.ExpectBegin()
				mock.ExpectQuery(selectRegEx).WithArgs(test.GenerateAnyArgsSlice(2)...).WillReturnRows(sqlmock.NewRows(outboxColumns))
				mock.ExpectCommit()
			},
		},
		{
			name: "lock contention is retried",
			mockExpectations: func(mock sqlmock.Sqlmock) {
				mock.ExpectBegin()
				mock.ExpectQuery(selectRegEx).WithArgs(test.GenerateAnyArgsSlice(2)...).WillReturnError(&pgconn.PgError{Code: "55P03"})
				mock.ExpectRollback()
				mock.ExpectBegin()
				mock.ExpectQuery(selectRegEx).WithArgs(test.GenerateAnyArgsSlice(2)...).WillReturnRows(
					sqlmock.NewRows(outboxColumns).AddRow(id1.String(), "message_created", "", []byte(`{}`), now, int64(0)))
				mock.ExpectExec(claimRegEx).WithArgs(sqlmock.AnyArg(), "w1", id1.String()).WillReturnResult(sqlmock.NewResult(0, 1))
				mock.ExpectCommit()
			},
			wantIDs: []uuid.UUID{id1},
		},
		{
			name: "exhausted retries claim nothing",
			mockExpectations: func(mock sqlmock.Sqlmock) {
				for i := 0; i < 5; i++ {
					mock.ExpectBegin().WillReturnError(&pgconn.PgError{Code: "40001"})
				}
			},
		},
		{
			name: "partial update is rolled back",
			mockExpectations: func(mock sqlmock.Sqlmock) {
				mock.ExpectBegin()
				mock.ExpectQuery(selectRegEx).WithArgs(test.GenerateAnyArgsSlice(2)...).WillReturnRows(
					sqlmock.NewRows(outboxColumns).AddRow(id1.String(), "message_created", "", []byte(`{}`), now, int64(0)))
				mock.ExpectExec(claimRegEx).WithArgs(test.GenerateAnyArgsSlice(3)...).WillReturnResult(sqlmock.NewResult(0, 0))
				mock.ExpectRollback()
			},
			wantErrMsg: "could not claim outbox records: claimed 0 rows out of 1 locked",
		},
	}
	for _, tc := range testcases {
		t.Run(tc.name, func(t *testing.T) {
			repo, mock := createSqlMockRepository(t)
			tc.mockExpectations(mock)

			batch, err := repo.ClaimBatch(context.Background(), c)
			if tc.wantErrMsg != "" {
				assert.EqualError(t, err, tc.wantErrMsg)
				return
			}
			require.NoError(t, err)
			var ids []uuid.UUID
			for _, r := range batch {
				ids = append(ids, r.ID)
				assert.Equal(t, "w1", r.ClaimedBy)
			}
			assert.Equal(t, tc.wantIDs, ids)
			assert.NoError(t, mock.ExpectationsWereMet())
		})
	}
}

func TestMarkPublishedAndFailed(t *testing.T) {
	repo, mock := createSqlMockRepository(t)
	id := uuid.New()

	mock.ExpectExec("UPDATE outbox_events SET published_at.+").WithArgs(sqlmock.AnyArg(), id.String()).WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec("UPDATE outbox_events SET published_at.+").WithArgs(sqlmock.AnyArg(), id.String()).WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectExec("UPDATE outbox_events SET attempts.+").WithArgs("boom", id.String()).WillReturnError(errors.New("error#2"))

	assert.NoError(t, repo.MarkPublished(context.Background(), id, time.Now()))
	assert.NoError(t, repo.MarkPublished(context.Background(), id, time.Now()))
	assert.ErrorContains(t, repo.MarkFailed(context.Background(), id, "boom"), "error#2")
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestWithClaimTimeout(t *testing.T) {
	testcases := []struct {
		name    string
		timeout time.Duration
		want    time.Duration
	}{
		{name: "default", want: repository.ClaimTxTimeout},
		{name: "override", timeout: time.Second, want: time.Second},
		{name: "non positive keeps the default", timeout: -time.Second, want: repository.ClaimTxTimeout},
	}
	for _, tc := range testcases {
		t.Run(tc.name, func(t *testing.T) {
			repo := func() *Repository {
				db, _ := openMockDB(t)
				return New(test.DefaultCtxKey, db, WithClaimTimeout(tc.timeout))
			}()
			assert.Equal(t, tc.want, repo.claimTxTimeout)
		})
	}
}
