package pgxv5

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/3rs4lg4d0/courier/claim"
	"github.com/3rs4lg4d0/courier/event"
	"github.com/3rs4lg4d0/courier/outbox"
	"github.com/3rs4lg4d0/courier/repository"
	"github.com/3rs4lg4d0/courier/test"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/pashagolub/pgxmock/v3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var outboxColumns = []string{"id", "topic", "event_key", "payload", "created_at", "attempts"}

func newMockPool(t *testing.T) pgxmock.PgxPoolIface {
	t.Helper()
	mock, err := pgxmock.NewPool(pgxmock.QueryMatcherOption(pgxmock.QueryMatcherEqual))
	require.NoError(t, err)
	t.Cleanup(mock.Close)
	return mock
}

func noSleepRetrier() *claim.Retrier {
	rt := claim.NewRetrier(repository.IsContention)
	rt.Sleep = func(context.Context, time.Duration) error { return nil }
	return rt
}

func TestNew(t *testing.T) {
	var nilPool pgxmock.PgxPoolIface
	testcases := []struct {
		name      string
		txKey     outbox.TxKey
		pool      func(t *testing.T) dbpool
		wantPanic bool
	}{
		{
			name:  "valid txKey and valid pool",
			txKey: test.DefaultCtxKey,
			pool:  func(t *testing.T) dbpool { return newMockPool(t) },
		},
		{
			name:      "txKey is nil",
			pool:      func(t *testing.T) dbpool { return newMockPool(t) },
			wantPanic: true,
		},
		{
			name:      "pool is nil",
			txKey:     test.DefaultCtxKey,
			pool:      func(*testing.T) dbpool { return nilPool },
			wantPanic: true,
		},
	}
	for _, tc := range testcases {
		t.Run(tc.name, func(t *testing.T) {
			pool := tc.pool(t)
			if tc.wantPanic {
				assert.Panics(t, func() { New(tc.txKey, pool) })
			} else {
				assert.NotPanics(t, func() { New(tc.txKey, pool) })
			}
		})
	}
}

func TestSave(t *testing.T) {
	record := &outbox.Record{
		ID:        uuid.New(),
		Topic:     event.TopicMessageCreated,
		EventKey:  "msg-1",
		Payload:   []byte(`{"messageId":"msg-1"}`),
		CreatedAt: time.Now(),
	}
	args := []any{record.ID, string(record.Topic), "msg-1", record.Payload, record.CreatedAt}

	t.Run("joins the transaction stored in the context", func(t *testing.T) {
		mock := newMockPool(t)
		repo := New(test.DefaultCtxKey, mock)
		mock.ExpectBegin()
		mock.ExpectExec(insertOutboxSql).WithArgs(args...).WillReturnResult(pgxmock.NewResult("INSERT", 1))
		mock.ExpectCommit()

		tx, err := mock.Begin(context.Background())
		require.NoError(t, err)
		ctx := context.WithValue(context.Background(), test.DefaultCtxKey, tx)
		assert.NoError(t, repo.Save(ctx, record))
		assert.NoError(t, tx.Commit(ctx))
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("runs on the pool without a transaction", func(t *testing.T) {
		mock := newMockPool(t)
		repo := New(test.DefaultCtxKey, mock)
		mock.ExpectExec(insertOutboxSql).WithArgs(args...).WillReturnResult(pgxmock.NewResult("INSERT", 1))

		assert.NoError(t, repo.Save(context.Background(), record))
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("empty event key is stored as null", func(t *testing.T) {
		mock := newMockPool(t)
		repo := New(test.DefaultCtxKey, mock)
		r := *record
		r.EventKey = ""
		mock.ExpectExec(insertOutboxSql).
			WithArgs(r.ID, string(r.Topic), nil, r.Payload, r.CreatedAt).
			WillReturnResult(pgxmock.NewResult("INSERT", 1))

		assert.NoError(t, repo.Save(context.Background(), &r))
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("simulate error when inserting an outbox row", func(t *testing.T) {
		mock := newMockPool(t)
		repo := New(test.DefaultCtxKey, mock)
		mock.ExpectExec(insertOutboxSql).WithArgs(args...).WillReturnError(errors.New("error#1"))

		err := repo.Save(context.Background(), record)
		assert.EqualError(t, err, "could not persist the outbox record: error#1")
	})
}

func TestSaveTx(t *testing.T) {
	mock := newMockPool(t)
	repo := New(test.DefaultCtxKey, mock)

	err := repo.SaveTx(context.Background(), "not a tx", &outbox.Record{})
	assert.EqualError(t, err, "a pgx.Tx transaction was expected")

	mock.ExpectBegin()
	mock.ExpectExec(insertOutboxSql).
		WithArgs(pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg()).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))
	mock.ExpectRollback()

	tx, err := mock.Begin(context.Background())
	require.NoError(t, err)
	assert.NoError(t, repo.SaveTx(context.Background(), tx, &outbox.Record{ID: uuid.New(), Topic: event.TopicPinAdded}))
	assert.NoError(t, tx.Rollback(context.Background()))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestClaimBatch(t *testing.T) {
	now := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	c := outbox.Claim{WorkerID: "w1", Limit: 10, Now: now, TTL: 30 * time.Second}
	id1, id2 := uuid.New(), uuid.New()
	contention := &pgconn.PgError{Code: "40001"}

	testcases := []struct {
		name             string
		mockExpectations func(pgxmock.PgxPoolIface)
		wantIDs          []uuid.UUID
		wantErrMsg       string
	}{
		{
			name: "claims the selected rows",
			mockExpectations: func(mock pgxmock.PgxPoolIface) {
				mock.ExpectBegin()
				mock.ExpectQuery(selectClaimableSql).WithArgs(c.StaleBefore(), 10).WillReturnRows(
					pgxmock.NewRows(outboxColumns).
						AddRow(id1, "message_created", "k1", []byte(`{}`), now.Add(-time.Minute), 0).
						AddRow(id2, "pin_added", "", []byte(`{}`), now.Add(-time.Second), 2))
				mock.ExpectExec(claimOutboxSql).
					WithArgs(now, "w1", []string{id1.String(), id2.String()}).
					WillReturnResult(pgxmock.NewResult("UPDATE", 2))
				mock.ExpectCommit()
			},
			wantIDs: []uuid.UUID{id1, id2},
		},
		{
			name: "nothing eligible commits without updating",
			mockExpectations: func(mock pgxmock.PgxPoolIface) {
				mock.ExpectBegin()
				mock.ExpectQuery(selectClaimableSql).WithArgs(c.StaleBefore(), 10).WillReturnRows(pgxmock.NewRows(outboxColumns))
				mock.ExpectCommit()
			},
		},
		{
			name: "contention is retried",
			mockExpectations: func(mock pgxmock.PgxPoolIface) {
				mock.ExpectBegin().WillReturnError(contention)
				mock.ExpectBegin()
				mock.ExpectQuery(selectClaimableSql).WithArgs(c.StaleBefore(), 10).WillReturnRows(
					pgxmock.NewRows(outboxColumns).AddRow(id1, "message_created", "", []byte(`{}`), now, 0))
				mock.ExpectExec(claimOutboxSql).WithArgs(now, "w1", []string{id1.String()}).WillReturnResult(pgxmock.NewResult("UPDATE", 1))
				mock.ExpectCommit()
			},
			wantIDs: []uuid.UUID{id1},
		},
		{
			name: "exhausted retries claim nothing",
			mockExpectations: func(mock pgxmock.PgxPoolIface) {
				for i := 0; i < 5; i++ {
					mock.ExpectBegin().WillReturnError(contention)
				}
			},
		},
		{
			name: "update contention rolls back and retries",
			mockExpectations: func(mock pgxmock.PgxPoolIface) {
				mock.ExpectBegin()
				mock.ExpectQuery(selectClaimableSql).WithArgs(c.StaleBefore(), 10).WillReturnRows(
					pgxmock.NewRows(outboxColumns).AddRow(id1, "message_created", "", []byte(`{}`), now, 0))
				mock.ExpectExec(claimOutboxSql).WithArgs(now, "w1", []string{id1.String()}).WillReturnError(&pgconn.PgError{Code: "40P01"})
				mock.ExpectRollback()
				mock.ExpectBegin()
				mock.ExpectQuery(selectClaimableSql).WithArgs(c.StaleBefore(), 10).WillReturnRows(pgxmock.NewRows(outboxColumns))
				mock.ExpectCommit()
			},
		},
		{
			name: "other errors are not retried",
			mockExpectations: func(mock pgxmock.PgxPoolIface) {
				mock.ExpectBegin()
				mock.ExpectQuery(selectClaimableSql).WithArgs(c.StaleBefore(), 10).WillReturnError(errors.New("error#2"))
				mock.ExpectRollback()
			},
			wantErrMsg: "could not claim outbox records: error#2",
		},
		{
			name: "simulate error when commiting",
			mockExpectations: func(mock pgxmock.PgxPoolIface) {
				mock.ExpectBegin()
				mock.ExpectQuery(selectClaimableSql).WithArgs(c.StaleBefore(), 10).WillReturnRows(pgxmock.NewRows(outboxColumns))
				mock.ExpectCommit().WillReturnError(errors.New("error#3"))
				mock.ExpectRollback()
			},
			wantErrMsg: "could not claim outbox records: error#3",
		},
	}
	for _, tc := range testcases {
		t.Run(tc.name, func(t *testing.T) {
			mock := newMockPool(t)
			repo := New(test.DefaultCtxKey, mock, WithRetrier(noSleepRetrier()))
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
				require.NotNil(t, r.ClaimedAt)
				assert.Equal(t, now, *r.ClaimedAt)
			}
			assert.Equal(t, tc.wantIDs, ids)
			assert.NoError(t, mock.ExpectationsWereMet())
		})
	}
}

func TestMarkPublishedAndFailed(t *testing.T) {
	mock := newMockPool(t)
	repo := New(test.DefaultCtxKey, mock)
	id := uuid.New()
	at := time.Now()

	mock.ExpectExec(markPublishedSql).WithArgs(id, at).WillReturnResult(pgxmock.NewResult("UPDATE", 1))
	mock.ExpectExec(markPublishedSql).WithArgs(id, at).WillReturnResult(pgxmock.NewResult("UPDATE", 0))
	mock.ExpectExec(markFailedSql).WithArgs(id, "broker down").WillReturnResult(pgxmock.NewResult("UPDATE", 1))
	mock.ExpectExec(markFailedSql).WithArgs(id, "broker down").WillReturnError(errors.New("error#4"))

	assert.NoError(t, repo.MarkPublished(context.Background(), id, at))
	assert.NoError(t, repo.MarkPublished(context.Background(), id, at), "publishing twice is a no-op")
	assert.NoError(t, repo.MarkFailed(context.Background(), id, "broker down"))
	assert.ErrorContains(t, repo.MarkFailed(context.Background(), id, "broker down"), "error#4")
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
			repo := New(test.DefaultCtxKey, newMockPool(t), WithClaimTimeout(tc.timeout))
			assert.Equal(t, tc.want, repo.claimTxTimeout)
		})
	}
}
