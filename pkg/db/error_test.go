package db

import (
	"errors"
	"fmt"
	"testing"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/stretchr/testify/assert"
	"gorm.io/gorm"
)

func TestIsDuplicateKeyErr(t *testing.T) {
	assert.False(t, IsDuplicateKeyErr(nil))
	assert.True(t, IsDuplicateKeyErr(gorm.ErrDuplicatedKey))
	assert.True(t, IsDuplicateKeyErr(fmt.Errorf("insert: %w", &pgconn.PgError{Code: "23505"})))
	assert.True(t, IsDuplicateKeyErr(errors.New("UNIQUE constraint failed: processed_webhook_events.event_id")))
	assert.False(t, IsDuplicateKeyErr(errors.New("boom")))
}

func TestIsTransientErr(t *testing.T) {
	assert.True(t, IsTransientErr(&pgconn.PgError{Code: "40001"}))
	assert.True(t, IsTransientErr(&pgconn.PgError{Code: "40P01"}))
	assert.True(t, IsTransientErr(&pgconn.PgError{Code: "08006"}))
	assert.False(t, IsTransientErr(&pgconn.PgError{Code: "23505"}))
	assert.True(t, IsTransientErr(errors.New("database is locked")))
	assert.False(t, IsTransientErr(nil))
}

func TestDialect(t *testing.T) {
	_, err := Dialect(Config{Type: "oracle"})
	assert.Error(t, err)

	d, err := Dialect(Config{Type: "postgres", Host: "localhost", Port: "5432", Name: "applykit", User: "u", Password: "p", SSLMode: "disable"})
	assert.NoError(t, err)
	assert.Equal(t, "postgres", d.Name())
}
