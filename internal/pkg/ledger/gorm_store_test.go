package ledger

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/mysql"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

func newMockDB(t *testing.T) (*gorm.DB, sqlmock.Sqlmock) {
	t.Helper()
	sqlDB, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { _ = sqlDB.Close() })

	db, err := gorm.Open(mysql.New(mysql.Config{
		Conn:                      sqlDB,
		SkipInitializeWithVersion: true,
	}), &gorm.Config{Logger: logger.Default.LogMode(logger.Silent)})
	require.NoError(t, err)
	return db, mock
}

var pledgeColumns = []string{
	"idempotency_token", "amount_cents", "email", "name", "note",
	"occupation", "employer", "phone", "target",
	"payment_provider", "stripe_charge_id", "url_nonce", "created_at", "updated_at",
}

func pledgeRow() *sqlmock.Rows {
	now := time.Now()
	return sqlmock.NewRows(pledgeColumns).AddRow(
		"stripe:ch_1", 2700, "a@b.com", "Ada", "",
		"Engineer", "Acme", "555-0100", "Everyone",
		"stripe", "ch_1", "nonce1", now, now,
	)
}

const selectPledge = "SELECT \\* FROM `pledges` WHERE idempotency_token = \\?"

func TestGormStore_InsertIfAbsent_Created(t *testing.T) {
	db, mock := newMockDB(t)
	store := NewGormStore(db)

	mock.ExpectBegin()
	mock.ExpectExec("INSERT INTO `pledges`").WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()
	mock.ExpectQuery(selectPledge).WillReturnRows(pledgeRow())

	outcome, stored, err := store.InsertIfAbsent(context.Background(), testPledge("stripe:ch_1", "nonce1"))
	require.NoError(t, err)
	assert.Equal(t, Created, outcome)
	assert.Equal(t, "nonce1", stored.URLNonce)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestGormStore_InsertIfAbsent_AlreadyExists(t *testing.T) {
	db, mock := newMockDB(t)
	store := NewGormStore(db)

	mock.ExpectBegin()
	mock.ExpectExec("INSERT INTO `pledges`").WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectCommit()
	mock.ExpectQuery(selectPledge).WillReturnRows(pledgeRow())

	dup := testPledge("stripe:ch_1", "nonce-other")
	dup.AmountCents = 9999
	outcome, stored, err := store.InsertIfAbsent(context.Background(), dup)
	require.NoError(t, err)
	assert.Equal(t, AlreadyExists, outcome)
	assert.Equal(t, int64(2700), stored.AmountCents)
	assert.Equal(t, "nonce1", stored.URLNonce)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestGormStore_InsertIfAbsent_StoreError(t *testing.T) {
	db, mock := newMockDB(t)
	store := NewGormStore(db)

	mock.ExpectBegin()
	mock.ExpectExec("INSERT INTO `pledges`").WillReturnError(errors.New("connection reset"))
	mock.ExpectRollback()

	_, _, err := store.InsertIfAbsent(context.Background(), testPledge("stripe:ch_1", "nonce1"))
	require.Error(t, err)
	assert.NotErrorIs(t, err, ErrNotFound)
	assert.Contains(t, err.Error(), "connection reset")
}

func TestGormStore_Lookup_NotFound(t *testing.T) {
	db, mock := newMockDB(t)
	store := NewGormStore(db)

	mock.ExpectQuery(selectPledge).WillReturnRows(sqlmock.NewRows(pledgeColumns))

	_, err := store.Lookup(context.Background(), "stripe:missing")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestGormStore_UpdateMetadata(t *testing.T) {
	db, mock := newMockDB(t)
	store := NewGormStore(db)

	mock.ExpectQuery("SELECT \\* FROM `pledges` WHERE url_nonce = \\?").WillReturnRows(pledgeRow())
	mock.ExpectBegin()
	mock.ExpectExec("UPDATE `pledges` SET").WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()
	mock.ExpectQuery(selectPledge).WillReturnRows(pledgeRow())

	_, err := store.UpdateMetadata(context.Background(), "nonce1", testPledge("", "").DonorMetadata)
	require.NoError(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}
