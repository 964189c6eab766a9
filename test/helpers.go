package test

import (
	"context"
	"database/sql/driver"
	"path/filepath"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/integralist/go-findroot/find"
	"github.com/stretchr/testify/assert"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/wait"
)

// DefaultCtxKey is the context key tests store business transactions under.
var DefaultCtxKey any = "courierTx"

func AssertError(t *testing.T, err error, expectErr bool) {
	t.Helper()
	if expectErr {
		assert.Error(t, err)
	} else {
		assert.NoError(t, err)
	}
}

// InitPostgresContainer initializes a local Postgres instance using Testcontainers
// with the courier schema applied.
func InitPostgresContainer(ctx context.Context) (*postgres.PostgresContainer, error) {
	root, _ := find.Repo()
	return postgres.RunContainer(ctx,
		testcontainers.WithImage("docker.io/postgres:15.2-alpine"),
		postgres.WithInitScripts(
			filepath.Join(root.Path, "sql/postgres/000001_courier.up.sql"),
		),
		postgres.WithDatabase("courier"),
		postgres.WithUsername("user"),
		postgres.WithPassword("password"),
		testcontainers.WithWaitStrategy(wait.ForLog("database system is ready to accept connections").WithOccurrence(2).WithStartupTimeout(30*time.Second)),
	)
}

func GenerateAnyArgsSlice(n int) []driver.Value {
	var result []driver.Value = make([]driver.Value, n)
	for i := 0; i < n; i++ {
		result[i] = sqlmock.AnyArg()
	}
	return result
}

// Clock is a settable clock for components that accept a now function.
type Clock struct {
	t time.Time
}

func NewClock(t time.Time) *Clock {
	return &Clock{t: t}
}

func (c *Clock) Now() time.Time {
	return c.t
}

func (c *Clock) Advance(d time.Duration) {
	c.t = c.t.Add(d)
}
