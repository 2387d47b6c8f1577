package db

import (
	"context"
	"errors"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/joinflow/joinflow/internal/constants"
	"github.com/joinflow/joinflow/internal/lock"
	"github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type mockLockManager struct {
	acquireErr error
	releaseErr error
	acquired   []int
	released   []int
}

func (m *mockLockManager) Acquire(ctx context.Context, lockID int) error {
	m.acquired = append(m.acquired, lockID)
	return m.acquireErr
}

func (m *mockLockManager) TryAcquire(ctx context.Context, lockID int) (bool, error) {
	return m.acquireErr == nil, m.acquireErr
}

func (m *mockLockManager) Release(ctx context.Context, lockID int) error {
	m.released = append(m.released, lockID)
	return m.releaseErr
}

func TestReadSQLScripts(t *testing.T) {
	scripts, err := readSQLScripts()
	require.NoError(t, err)
	require.Len(t, scripts, 4) // links, chips, queue_entries, capacity

	assert.Equal(t, "migrations/001_links.sql", scripts[0].name)
	assert.Contains(t, scripts[2].body, "WHERE status IN ('pending', 'processing')")
}

func TestInit_LockAcquireFails(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	logger, _ := test.NewNullLogger()
	lockMgr := &mockLockManager{acquireErr: errors.New("lock busy")}

	err = Init(context.Background(), db, lockMgr, logger)
	assert.ErrorContains(t, err, "lock busy")
	assert.Empty(t, lockMgr.released)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestInit_AppliesMigrationsUnderLock(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	logger, _ := test.NewNullLogger()
	lockMgr := &mockLockManager{}

	mock.ExpectExec("CREATE SCHEMA IF NOT EXISTS joinflow_schema").WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectExec("CREATE TABLE IF NOT EXISTS joinflow_schema.links").WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectExec("CREATE TABLE IF NOT EXISTS joinflow_schema.chips").WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectExec("CREATE TABLE IF NOT EXISTS joinflow_schema.queue_entries").WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectExec("CREATE TABLE IF NOT EXISTS joinflow_schema.capacity_settings").WillReturnResult(sqlmock.NewResult(0, 0))

	require.NoError(t, Init(context.Background(), db, lockMgr, logger))
	assert.Equal(t, []int{constants.MigrationLock}, lockMgr.acquired)
	assert.Equal(t, []int{constants.MigrationLock}, lockMgr.released)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestInit_MigrationFailureReleasesLock(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	logger, _ := test.NewNullLogger()
	lockMgr := &mockLockManager{}

	mock.ExpectExec("CREATE SCHEMA").WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectExec("CREATE TABLE").WillReturnError(errors.New("permission denied"))

	err = Init(context.Background(), db, lockMgr, logger)
	assert.ErrorContains(t, err, "001_links.sql")
	assert.Equal(t, []int{constants.MigrationLock}, lockMgr.released)
}

var _ lock.DistributedLockManager = (*mockLockManager)(nil)
