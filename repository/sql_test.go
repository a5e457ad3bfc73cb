package repository

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"regexp"
	"strings"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/mysql"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/xiaoxuxiansheng/tcctransaction/api"
	"github.com/xiaoxuxiansheng/tcctransaction/txmanager"
)

var transactionColumns = []string{
	"transaction_id", "domain", "global_tx_id", "branch_qualifier", "root_global_tx_id", "root_branch_qualifier",
	"content", "status", "transaction_type", "retried_count", "create_time", "last_update_time", "version",
}

func newSQLRepository(t *testing.T) (*SQLRepository, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	gdb, err := gorm.Open(mysql.New(mysql.Config{Conn: db, SkipInitializeWithVersion: true}), &gorm.Config{
		SkipDefaultTransaction: true,
		Logger:                 logger.Default.LogMode(logger.Silent),
	})
	require.NoError(t, err)
	t.Cleanup(func() {
		assert.NoError(t, mock.ExpectationsWereMet())
	})
	return NewSQLRepository(gdb, "order", "order"), mock
}

// row 以 transaction 的内容构造一行查询结果
func row(t *testing.T, rows *sqlmock.Rows, id int64, tx *txmanager.Transaction) *sqlmock.Rows {
	t.Helper()
	content, err := json.Marshal(tx)
	require.NoError(t, err)
	xid, rootXid := tx.Xid(), tx.RootXid()
	return rows.AddRow(id, "order",
		xidColumn(xid.GlobalTransactionID()), xidColumn(xid.BranchQualifier()),
		xidColumn(rootXid.GlobalTransactionID()), xidColumn(rootXid.BranchQualifier()),
		content, int64(tx.Status()), int64(tx.TransactionType()), int64(tx.RetriedCount()),
		tx.CreateTime(), tx.LastUpdateTime(), tx.Version())
}

func TestSQLRepository_Create(t *testing.T) {
	repo, mock := newSQLRepository(t)
	tx := newTransaction(1)
	xid := tx.Xid()

	mock.ExpectExec(regexp.QuoteMeta("INSERT INTO `tcc_transaction`")).
		WithArgs("order",
			hex.EncodeToString(xid.GlobalTransactionID()), hex.EncodeToString(xid.BranchQualifier()),
			sqlmock.AnyArg(), sqlmock.AnyArg(), sqlmock.AnyArg(),
			int(api.Trying), int(txmanager.Root), 0, sqlmock.AnyArg(), sqlmock.AnyArg(), int64(1)).
		WillReturnResult(sqlmock.NewResult(7, 1))

	n, err := repo.Create(context.Background(), tx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.Equal(t, int64(1), tx.Version())
}

func TestSQLRepository_CreateFailureRestoresVersion(t *testing.T) {
	repo, mock := newSQLRepository(t)
	tx := newTransaction(1)

	mock.ExpectExec(regexp.QuoteMeta("INSERT INTO `tcc_transaction`")).
		WillReturnError(assert.AnError)

	_, err := repo.Create(context.Background(), tx)
	assert.ErrorIs(t, err, assert.AnError)
	assert.Equal(t, int64(0), tx.Version())
}

func TestSQLRepository_Update(t *testing.T) {
	repo, mock := newSQLRepository(t)
	tx := newTransaction(1)
	tx.SetVersion(1)
	tx.ChangeStatus(api.Confirming)
	xid := tx.Xid()

	update := regexp.QuoteMeta("UPDATE `tcc_transaction` SET") + ".*" +
		regexp.QuoteMeta("WHERE domain = ? AND global_tx_id = ? AND branch_qualifier = ? AND version = ?")
	global, branch := hex.EncodeToString(xid.GlobalTransactionID()), hex.EncodeToString(xid.BranchQualifier())

	// 1. version 命中, 更新成功后内存中的 version 加一
	mock.ExpectExec(update).
		WithArgs(sqlmock.AnyArg(), sqlmock.AnyArg(), 0, int(api.Confirming), "order", global, branch, int64(1)).
		WillReturnResult(sqlmock.NewResult(0, 1))
	n, err := repo.Update(context.Background(), tx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.Equal(t, int64(2), tx.Version())

	// 2. 记录已被其他实例更新, 返回乐观锁冲突且 version 不变
	mock.ExpectExec(update).
		WithArgs(sqlmock.AnyArg(), sqlmock.AnyArg(), 0, int(api.Confirming), "order", global, branch, int64(2)).
		WillReturnResult(sqlmock.NewResult(0, 0))
	lastUpdate := tx.LastUpdateTime()
	_, err = repo.Update(context.Background(), tx)
	assert.ErrorIs(t, err, api.ErrOptimisticLock)
	assert.Equal(t, int64(2), tx.Version())
	assert.Equal(t, lastUpdate, tx.LastUpdateTime())
}

func TestSQLRepository_Delete(t *testing.T) {
	repo, mock := newSQLRepository(t)
	tx := newTransaction(0)
	xid := tx.Xid()

	mock.ExpectExec(regexp.QuoteMeta("DELETE FROM `tcc_transaction` WHERE domain = ? AND global_tx_id = ? AND branch_qualifier = ?")).
		WithArgs("order", hex.EncodeToString(xid.GlobalTransactionID()), hex.EncodeToString(xid.BranchQualifier())).
		WillReturnResult(sqlmock.NewResult(0, 1))

	n, err := repo.Delete(context.Background(), tx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}

func TestSQLRepository_FindByXid(t *testing.T) {
	repo, mock := newSQLRepository(t)
	tx := newTransaction(2)
	tx.ChangeStatus(api.Cancelling)
	tx.SetVersion(3)
	xid := tx.Xid()
	query := regexp.QuoteMeta("SELECT * FROM `tcc_transaction` WHERE domain = ? AND global_tx_id = ? AND branch_qualifier = ?")

	// 1. 表中的 version 和重试次数优先于 content
	updated := time.Now().Add(-time.Minute).Truncate(time.Millisecond)
	content, err := json.Marshal(tx)
	require.NoError(t, err)
	rows := sqlmock.NewRows(transactionColumns).AddRow(1, "order",
		hex.EncodeToString(xid.GlobalTransactionID()), hex.EncodeToString(xid.BranchQualifier()),
		hex.EncodeToString(xid.GlobalTransactionID()), hex.EncodeToString(xid.BranchQualifier()),
		content, int64(api.Cancelling), int64(txmanager.Root), int64(4), tx.CreateTime(), updated, int64(6))
	mock.ExpectQuery(query).
		WithArgs("order", hex.EncodeToString(xid.GlobalTransactionID()), hex.EncodeToString(xid.BranchQualifier())).
		WillReturnRows(rows)

	found, err := repo.FindByXid(context.Background(), xid)
	require.NoError(t, err)
	require.NotNil(t, found)
	assert.True(t, found.Xid().Equal(xid))
	assert.Equal(t, api.Cancelling, found.Status())
	assert.Equal(t, int64(6), found.Version())
	assert.Equal(t, 4, found.RetriedCount())
	assert.True(t, updated.Equal(found.LastUpdateTime()))
	assert.Len(t, found.Participants(), 2)

	// 2. 记录不存在时返回 nil
	mock.ExpectQuery(query).WillReturnRows(sqlmock.NewRows(transactionColumns))
	found, err = repo.FindByXid(context.Background(), api.NewXid(nil))
	require.NoError(t, err)
	assert.Nil(t, found)

	// 3. 没有配置根事务的业务域时不查询
	noRoot := NewSQLRepository(repo.db, "inventory", "")
	found, err = noRoot.FindByRootXid(context.Background(), xid)
	require.NoError(t, err)
	assert.Nil(t, found)
}

func TestSQLRepository_FindAllUnmodifiedSince(t *testing.T) {
	repo, mock := newSQLRepository(t)
	query := regexp.QuoteMeta("SELECT * FROM `tcc_transaction` WHERE domain = ? AND last_update_time < ? AND transaction_id > ? ORDER BY transaction_id ASC LIMIT 2")
	before := time.Now()

	first, second := newTransaction(1), newTransaction(1)
	first.SetVersion(1)
	second.SetVersion(1)
	rows := row(t, sqlmock.NewRows(transactionColumns), 6, first)
	rows = row(t, rows, 9, second)
	mock.ExpectQuery(query).WithArgs("order", sqlmock.AnyArg(), int64(0)).WillReturnRows(rows)

	page, err := repo.FindAllUnmodifiedSince(context.Background(), before, "", 2)
	require.NoError(t, err)
	require.Len(t, page.Items, 2)
	assert.True(t, page.Items[0].Xid().Equal(first.Xid()))
	assert.True(t, page.Items[1].Xid().Equal(second.Xid()))
	assert.Equal(t, "9", page.NextCursor)

	// 游标取上一页最后一行的自增主键, 空页保持游标不变
	mock.ExpectQuery(query).WithArgs("order", sqlmock.AnyArg(), int64(9)).
		WillReturnRows(sqlmock.NewRows(transactionColumns))
	page, err = repo.FindAllUnmodifiedSince(context.Background(), before, page.NextCursor, 2)
	require.NoError(t, err)
	assert.Empty(t, page.Items)
	assert.Equal(t, "9", page.NextCursor)
}

func TestSQLRepository_LongUniqueIdentity(t *testing.T) {
	short := []byte("order-1")
	assert.Equal(t, hex.EncodeToString(short), xidColumn(short))

	long := []byte(strings.Repeat("k", 200))
	column := xidColumn(long)
	assert.True(t, strings.HasPrefix(column, xidDigestPrefix))
	assert.LessOrEqual(t, len(column), xidColumnSize)
	assert.Equal(t, column, xidColumn(long))
	assert.NotEqual(t, column, xidColumn(append(long, 'k')))

	// 业务键编码后超过列宽时, 写入和查询使用同一个摘要
	repo, mock := newSQLRepository(t)
	tx := txmanager.NewTransaction(string(long))
	xid := tx.Xid()
	mock.ExpectExec(regexp.QuoteMeta("INSERT INTO `tcc_transaction`")).
		WithArgs("order", column, hex.EncodeToString(xid.BranchQualifier()),
			column, sqlmock.AnyArg(), sqlmock.AnyArg(),
			sqlmock.AnyArg(), sqlmock.AnyArg(), sqlmock.AnyArg(), sqlmock.AnyArg(), sqlmock.AnyArg(), sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(1, 1))
	_, err := repo.Create(context.Background(), tx)
	require.NoError(t, err)

	mock.ExpectQuery(regexp.QuoteMeta("SELECT * FROM `tcc_transaction`")).
		WithArgs("order", column, hex.EncodeToString(xid.BranchQualifier())).
		WillReturnRows(row(t, sqlmock.NewRows(transactionColumns), 1, tx))
	found, err := repo.FindByXid(context.Background(), xid)
	require.NoError(t, err)
	require.NotNil(t, found)
	assert.Equal(t, long, found.Xid().GlobalTransactionID())
}

func TestSQLRepository_Close(t *testing.T) {
	repo, mock := newSQLRepository(t)
	mock.ExpectClose()
	assert.NoError(t, repo.Close())
}
