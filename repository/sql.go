package repository

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"strconv"
	"time"

	"github.com/demdxx/gocast"
	"gorm.io/gorm"

	"github.com/xiaoxuxiansheng/tcctransaction/api"
	"github.com/xiaoxuxiansheng/tcctransaction/txmanager"
)

// TransactionPO 事务表的持久化对象
// xid 相关的列保存十六进制编码, 编码后超过 128 个字符时保存 "sha256:" 加摘要的十六进制, 完整的 xid 以 content 为准
// 建表语句:
//
//	CREATE TABLE IF NOT EXISTS `tcc_transaction` (
//	    `transaction_id` bigint(20) NOT NULL AUTO_INCREMENT,
//	    `domain` varchar(100) NOT NULL,
//	    `global_tx_id` varchar(128) NOT NULL,
//	    `branch_qualifier` varchar(128) NOT NULL,
//	    `root_global_tx_id` varchar(128) NOT NULL,
//	    `root_branch_qualifier` varchar(128) NOT NULL,
//	    `content` longblob,
//	    `status` int(11) NOT NULL,
//	    `transaction_type` int(11) NOT NULL,
//	    `retried_count` int(11) NOT NULL DEFAULT 0,
//	    `create_time` datetime(3) NOT NULL,
//	    `last_update_time` datetime(3) NOT NULL,
//	    `version` bigint(20) NOT NULL,
//	    PRIMARY KEY (`transaction_id`),
//	    UNIQUE KEY `uk_domain_xid` (`domain`,`global_tx_id`,`branch_qualifier`),
//	    KEY `idx_domain_last_update_time` (`domain`,`last_update_time`)
//	) ENGINE=InnoDB DEFAULT CHARSET=utf8mb4;
type TransactionPO struct {
	TransactionID       int64     `gorm:"column:transaction_id;primaryKey;autoIncrement"`
	Domain              string    `gorm:"column:domain;size:100;uniqueIndex:uk_domain_xid,priority:1;index:idx_domain_last_update_time,priority:1"`
	GlobalTxID          string    `gorm:"column:global_tx_id;size:128;uniqueIndex:uk_domain_xid,priority:2"`
	BranchQualifier     string    `gorm:"column:branch_qualifier;size:128;uniqueIndex:uk_domain_xid,priority:3"`
	RootGlobalTxID      string    `gorm:"column:root_global_tx_id;size:128"`
	RootBranchQualifier string    `gorm:"column:root_branch_qualifier;size:128"`
	Content             []byte    `gorm:"column:content;type:longblob"`
	Status              int       `gorm:"column:status"`
	TransactionType     int       `gorm:"column:transaction_type"`
	RetriedCount        int       `gorm:"column:retried_count"`
	CreateTime          time.Time `gorm:"column:create_time"`
	LastUpdateTime      time.Time `gorm:"column:last_update_time;index:idx_domain_last_update_time,priority:2"`
	Version             int64     `gorm:"column:version"`
}

// xidColumnSize xid 相关列的宽度
const xidColumnSize = 128

const xidDigestPrefix = "sha256:"

// xidColumn 返回 xid 的组成部分在表中的取值, 同一个输入总是得到同一个取值
func xidColumn(b []byte) string {
	if hex.EncodedLen(len(b)) <= xidColumnSize {
		return hex.EncodeToString(b)
	}
	sum := sha256.Sum256(b)
	return xidDigestPrefix + hex.EncodeToString(sum[:])
}

func (TransactionPO) TableName() string {
	return "tcc_transaction"
}

// SQLRepository 基于 gorm 的事务存储, 多个业务域可以共用同一张表
type SQLRepository struct {
	db         *gorm.DB
	domain     string
	rootDomain string
}

func NewSQLRepository(db *gorm.DB, domain, rootDomain string) *SQLRepository {
	return &SQLRepository{
		db:         db,
		domain:     domain,
		rootDomain: rootDomain,
	}
}

// MigrateSQLRepository 根据 TransactionPO 自动建表
func MigrateSQLRepository(db *gorm.DB) error {
	return db.AutoMigrate(&TransactionPO{})
}

func (s *SQLRepository) Domain() string {
	return s.domain
}

func (s *SQLRepository) RootDomain() string {
	return s.rootDomain
}

func (s *SQLRepository) Create(ctx context.Context, transaction *txmanager.Transaction) (int, error) {
	now := time.Now()
	prevVersion, prevUpdate := transaction.Version(), transaction.LastUpdateTime()
	transaction.SetVersion(1)
	transaction.SetLastUpdateTime(now)

	po, err := s.toPO(transaction)
	if err == nil {
		err = s.db.WithContext(ctx).Create(po).Error
	}
	if err != nil {
		transaction.SetVersion(prevVersion)
		transaction.SetLastUpdateTime(prevUpdate)
		return 0, err
	}
	return 1, nil
}

// Update 以 version 作为乐观锁条件更新, 没有命中记录时返回 api.ErrOptimisticLock
func (s *SQLRepository) Update(ctx context.Context, transaction *txmanager.Transaction) (int, error) {
	expectVersion, prevUpdate := transaction.Version(), transaction.LastUpdateTime()
	now := time.Now()
	transaction.UpdateVersion()
	transaction.SetLastUpdateTime(now)

	rollback := func() {
		transaction.SetVersion(expectVersion)
		transaction.SetLastUpdateTime(prevUpdate)
	}

	content, err := json.Marshal(transaction)
	if err != nil {
		rollback()
		return 0, err
	}

	xid := transaction.Xid()
	res := s.db.WithContext(ctx).Model(&TransactionPO{}).
		Where("domain = ? AND global_tx_id = ? AND branch_qualifier = ? AND version = ?",
			s.domain, xidColumn(xid.GlobalTransactionID()), xidColumn(xid.BranchQualifier()), expectVersion).
		Updates(map[string]interface{}{
			"content":          content,
			"status":           int(transaction.Status()),
			"retried_count":    transaction.RetriedCount(),
			"last_update_time": now,
			"version":          gorm.Expr("version + 1"),
		})
	if res.Error != nil {
		rollback()
		return 0, res.Error
	}
	if res.RowsAffected == 0 {
		rollback()
		return 0, api.ErrOptimisticLock
	}
	return int(res.RowsAffected), nil
}

func (s *SQLRepository) Delete(ctx context.Context, transaction *txmanager.Transaction) (int, error) {
	xid := transaction.Xid()
	res := s.db.WithContext(ctx).
		Where("domain = ? AND global_tx_id = ? AND branch_qualifier = ?",
			s.domain, xidColumn(xid.GlobalTransactionID()), xidColumn(xid.BranchQualifier())).
		Delete(&TransactionPO{})
	return int(res.RowsAffected), res.Error
}

func (s *SQLRepository) FindByXid(ctx context.Context, xid api.TransactionXid) (*txmanager.Transaction, error) {
	return s.find(ctx, s.domain, xid)
}

func (s *SQLRepository) FindByRootXid(ctx context.Context, rootXid api.TransactionXid) (*txmanager.Transaction, error) {
	if s.rootDomain == "" {
		return nil, nil
	}
	return s.find(ctx, s.rootDomain, rootXid)
}

func (s *SQLRepository) find(ctx context.Context, domain string, xid api.TransactionXid) (*txmanager.Transaction, error) {
	var po TransactionPO
	err := s.db.WithContext(ctx).
		Where("domain = ? AND global_tx_id = ? AND branch_qualifier = ?",
			domain, xidColumn(xid.GlobalTransactionID()), xidColumn(xid.BranchQualifier())).
		First(&po).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return fromPO(&po)
}

// FindAllUnmodifiedSince 以自增主键作为游标分页
func (s *SQLRepository) FindAllUnmodifiedSince(ctx context.Context, before time.Time, cursor string, pageSize int) (*txmanager.Page, error) {
	var lastID int64
	if cursor != "" {
		lastID = gocast.ToInt64(cursor)
	}

	var pos []*TransactionPO
	if err := s.db.WithContext(ctx).
		Where("domain = ? AND last_update_time < ? AND transaction_id > ?", s.domain, before, lastID).
		Order("transaction_id ASC").
		Limit(pageSize).
		Find(&pos).Error; err != nil {
		return nil, err
	}

	page := txmanager.Page{
		Items:      make([]*txmanager.Transaction, 0, len(pos)),
		NextCursor: cursor,
	}
	for _, po := range pos {
		transaction, err := fromPO(po)
		if err != nil {
			return nil, err
		}
		page.Items = append(page.Items, transaction)
		page.NextCursor = strconv.FormatInt(po.TransactionID, 10)
	}
	return &page, nil
}

func (s *SQLRepository) Close() error {
	db, err := s.db.DB()
	if err != nil {
		return err
	}
	return db.Close()
}

func (s *SQLRepository) toPO(transaction *txmanager.Transaction) (*TransactionPO, error) {
	content, err := json.Marshal(transaction)
	if err != nil {
		return nil, err
	}
	xid, rootXid := transaction.Xid(), transaction.RootXid()
	return &TransactionPO{
		Domain:              s.domain,
		GlobalTxID:          xidColumn(xid.GlobalTransactionID()),
		BranchQualifier:     xidColumn(xid.BranchQualifier()),
		RootGlobalTxID:      xidColumn(rootXid.GlobalTransactionID()),
		RootBranchQualifier: xidColumn(rootXid.BranchQualifier()),
		Content:             content,
		Status:              int(transaction.Status()),
		TransactionType:     int(transaction.TransactionType()),
		RetriedCount:        transaction.RetriedCount(),
		CreateTime:          transaction.CreateTime(),
		LastUpdateTime:      transaction.LastUpdateTime(),
		Version:             transaction.Version(),
	}, nil
}

// fromPO 以表中的 version 和时间字段为准
func fromPO(po *TransactionPO) (*txmanager.Transaction, error) {
	transaction, err := decode(po.Content)
	if err != nil {
		return nil, err
	}
	transaction.SetVersion(po.Version)
	transaction.SetRetriedCount(po.RetriedCount)
	transaction.SetLastUpdateTime(po.LastUpdateTime)
	return transaction, nil
}
