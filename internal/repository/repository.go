package repository

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	"gorm.io/gorm"
)

// PostgreSQL 错误码
// 参考: https://www.postgresql.org/docs/current/errcodes-appendix.html
const (
	pgErrUniqueViolation = "23505"

	pgErrSerializationFailure = "40001"
	pgErrDeadlockDetected     = "40P01"

	pgErrConnectionFailure    = "08006"
	pgErrConnectionException  = "08000"
	pgErrSQLClientCantConnect = "08001"

	pgErrInsufficientResources = "53000"
	pgErrTooManyConnections    = "53300"

	pgErrQueryCanceled    = "57014"
	pgErrCannotConnectNow = "57P03"
)

// Repository 基础仓储
type Repository struct {
	db *gorm.DB
}

// NewRepository 创建基础仓储
func NewRepository(db *gorm.DB) *Repository {
	return &Repository{db: db}
}

// txKey 事务上下文键
type txKey struct{}

// DB 返回数据库连接, 上下文中有事务时使用事务
func (r *Repository) DB(ctx context.Context) *gorm.DB {
	if tx, ok := ctx.Value(txKey{}).(*gorm.DB); ok {
		return tx
	}
	return r.db.WithContext(ctx)
}

// Transaction 执行事务
func (r *Repository) Transaction(ctx context.Context, fn func(ctx context.Context) error) error {
	return r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		txCtx := context.WithValue(ctx, txKey{}, tx)
		return fn(txCtx)
	})
}

// TransactionWithRetry 带重试的事务执行, 仅重试临时性错误
func (r *Repository) TransactionWithRetry(ctx context.Context, maxRetries int, fn func(ctx context.Context) error) error {
	var err error
	for i := 0; i < maxRetries; i++ {
		err = r.Transaction(ctx, fn)
		if err == nil || !isRetryableError(err) {
			return err
		}
		// 指数退避
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(time.Duration(1<<uint(i)) * 100 * time.Millisecond):
		}
	}
	return err
}

// defaultMaxRetries 单条写入的默认重试次数
const defaultMaxRetries = 3

// withRetry 在事务中执行写入并重试临时性错误; 上下文已有事务时直接执行, 由外层事务负责
func (r *Repository) withRetry(ctx context.Context, fn func(ctx context.Context) error) error {
	if _, ok := ctx.Value(txKey{}).(*gorm.DB); ok {
		return fn(ctx)
	}
	return r.TransactionWithRetry(ctx, defaultMaxRetries, fn)
}

// isRetryableError 死锁、序列化失败、连接问题、资源不足
func isRetryableError(err error) bool {
	var pgErr *pgconn.PgError
	if !errors.As(err, &pgErr) {
		return false
	}
	switch pgErr.Code {
	case pgErrSerializationFailure, pgErrDeadlockDetected,
		pgErrConnectionFailure, pgErrConnectionException, pgErrSQLClientCantConnect,
		pgErrInsufficientResources, pgErrTooManyConnections,
		pgErrQueryCanceled, pgErrCannotConnectNow:
		return true
	}
	return false
}

// isDuplicateKeyError 唯一键冲突 (postgres 23505, sqlite UNIQUE constraint)
func isDuplicateKeyError(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, gorm.ErrDuplicatedKey) {
		return true
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == pgErrUniqueViolation
	}
	msg := err.Error()
	return strings.Contains(msg, "duplicate key") || strings.Contains(msg, "UNIQUE constraint failed")
}

// Pagination 分页参数
type Pagination struct {
	Page     int   `json:"page"`
	PageSize int   `json:"page_size"`
	Total    int64 `json:"total"`
}

// Offset 计算偏移量
func (p *Pagination) Offset() int {
	if p.Page <= 0 {
		p.Page = 1
	}
	return (p.Page - 1) * p.PageSize
}

// Limit 返回限制数量
func (p *Pagination) Limit() int {
	if p.PageSize <= 0 {
		p.PageSize = 20
	}
	if p.PageSize > 100 {
		p.PageSize = 100
	}
	return p.PageSize
}
