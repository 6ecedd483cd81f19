package db

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/glebarez/sqlite"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"urlshortener/internal/config"
	"urlshortener/models"
)

func TestConnectDB_SQLite(t *testing.T) {
	cfg := &config.Config{DBDriver: "sqlite", SQLitePath: filepath.Join(t.TempDir(), "data", "test.db")}
	database, err := ConnectDB(cfg, zaptest.NewLogger(t))
	require.NoError(t, err)
	for _, m := range models.All() {
		assert.True(t, database.Migrator().HasTable(m))
	}
}

func TestConnectDB_Unsupported(t *testing.T) {
	_, err := ConnectDB(&config.Config{DBDriver: "oracle"}, zaptest.NewLogger(t))
	require.Error(t, err)
}

func TestInsert_Outcome(t *testing.T) {
	database, err := Open(sqlite.Open(SQLiteDSN(filepath.Join(t.TempDir(), "test.db"))), zaptest.NewLogger(t))
	require.NoError(t, err)
	ctx := context.Background()

	click := &models.Click{EventID: "1", ShortCode: "abc123", OriginalURL: "https://example.com", ClickedAt: time.Now()}
	outcome, err := Insert(ctx, database, click)
	require.NoError(t, err)
	assert.Equal(t, Inserted, outcome)

	dup := &models.Click{EventID: "1", ShortCode: "abc123", OriginalURL: "https://example.com", ClickedAt: time.Now()}
	outcome, err = Insert(ctx, database, dup)
	require.NoError(t, err)
	assert.Equal(t, AlreadyExists, outcome)

	batch := []models.Click{
		{EventID: "2", ShortCode: "abc123", OriginalURL: "https://example.com", ClickedAt: time.Now()},
		{EventID: "1", ShortCode: "abc123", OriginalURL: "https://example.com", ClickedAt: time.Now()},
	}
	outcome, err = InsertAll(ctx, database, &batch)
	require.NoError(t, err)
	assert.Equal(t, AlreadyExists, outcome)

	var count int64
	require.NoError(t, database.Model(&models.Click{}).Count(&count).Error)
	assert.EqualValues(t, 1, count, "a failed bulk insert must not leave partial rows")
}

func TestIsDuplicate(t *testing.T) {
	assert.False(t, IsDuplicate(nil))
	assert.False(t, IsDuplicate(assert.AnError))
}
