package repository

import (
	"context"
	"errors"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	apperrors "github.com/etherisc/esusfarm/internal/errors"
	"github.com/etherisc/esusfarm/internal/model"
)

// RecordStore 链下实体存储
type RecordStore interface {
	Find(ctx context.Context, kind model.EntityKind, id string) (model.Entity, error)
	FindConfig(ctx context.Context, id string) (*model.Config, error)
	FindLocation(ctx context.Context, id string) (*model.Location, error)
	FindRisk(ctx context.Context, id string) (*model.Risk, error)
	FindPerson(ctx context.Context, id string) (*model.Person, error)
	FindPolicy(ctx context.Context, id string) (*model.Policy, error)

	// Insert 写入新实体, id 或唯一列冲突时返回 VALIDATION_ERROR
	Insert(ctx context.Context, e model.Entity) error
	// Upsert 写入完整实体
	Upsert(ctx context.Context, e model.Entity) error
	// SaveMarker 只写入同步标记列 (tx, onchain_id, nft)
	SaveMarker(ctx context.Context, e model.Entity) error

	CountPersons(ctx context.Context) (int64, error)
	ListUnsynced(ctx context.Context, kind model.EntityKind, limit int) ([]model.Entity, error)

	Transaction(ctx context.Context, fn func(ctx context.Context) error) error
}

// recordStore gorm 实现
type recordStore struct {
	*Repository
}

// NewRecordStore 创建实体存储
func NewRecordStore(db *gorm.DB) RecordStore {
	return &recordStore{Repository: NewRepository(db)}
}

// AutoMigrate 迁移实体、交易日志与对账历史表
func AutoMigrate(db *gorm.DB) error {
	return db.AutoMigrate(
		&model.Config{},
		&model.Location{},
		&model.Risk{},
		&model.Person{},
		&model.Policy{},
		&model.PendingTx{},
		&model.ReconciliationRun{},
	)
}

func notFound(kind model.EntityKind, id string) error {
	return apperrors.ErrNotFound.WithMessagef("%s %s not found", kind, id).
		WithDetail("kind", string(kind)).
		WithDetail("id", id)
}

func (r *recordStore) Find(ctx context.Context, kind model.EntityKind, id string) (model.Entity, error) {
	e, err := model.NewEntity(kind)
	if err != nil {
		return nil, apperrors.Wrap(apperrors.ErrValidation, err)
	}
	err = r.DB(ctx).Where("id = ?", id).First(e).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, notFound(kind, id)
	}
	if err != nil {
		return nil, apperrors.WrapWithCause(apperrors.ErrInternal, err, "find %s %s", kind, id)
	}
	return e, nil
}

func findTyped[T any](ctx context.Context, r *recordStore, kind model.EntityKind, id string) (*T, error) {
	e, err := r.Find(ctx, kind, id)
	if err != nil {
		return nil, err
	}
	v, ok := any(e).(*T)
	if !ok {
		return nil, apperrors.ErrInternal.WithMessagef("unexpected entity type %T for %s", e, kind)
	}
	return v, nil
}

func (r *recordStore) FindConfig(ctx context.Context, id string) (*model.Config, error) {
	return findTyped[model.Config](ctx, r, model.EntityKindConfig, id)
}

func (r *recordStore) FindLocation(ctx context.Context, id string) (*model.Location, error) {
	return findTyped[model.Location](ctx, r, model.EntityKindLocation, id)
}

func (r *recordStore) FindRisk(ctx context.Context, id string) (*model.Risk, error) {
	return findTyped[model.Risk](ctx, r, model.EntityKindRisk, id)
}

func (r *recordStore) FindPerson(ctx context.Context, id string) (*model.Person, error) {
	return findTyped[model.Person](ctx, r, model.EntityKindPerson, id)
}

func (r *recordStore) FindPolicy(ctx context.Context, id string) (*model.Policy, error) {
	return findTyped[model.Policy](ctx, r, model.EntityKindPolicy, id)
}

func (r *recordStore) Insert(ctx context.Context, e model.Entity) error {
	if t, ok := e.(interface{ Touch(int64) }); ok {
		t.Touch(time.Now().UnixMilli())
	}
	err := r.withRetry(ctx, func(ctx context.Context) error {
		return r.DB(ctx).Create(e).Error
	})
	if isDuplicateKeyError(err) {
		return apperrors.WrapWithCause(apperrors.ErrValidation, err, "%s %s already exists or violates a unique constraint", e.Kind(), e.EntityID())
	}
	if err != nil {
		return apperrors.WrapWithCause(apperrors.ErrInternal, err, "insert %s %s", e.Kind(), e.EntityID())
	}
	return nil
}

func (r *recordStore) Upsert(ctx context.Context, e model.Entity) error {
	if t, ok := e.(interface{ Touch(int64) }); ok {
		t.Touch(time.Now().UnixMilli())
	}
	err := r.withRetry(ctx, func(ctx context.Context) error {
		return r.DB(ctx).Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "id"}},
			DoUpdates: clause.AssignmentColumns(upsertColumns(r.DB(ctx), e)),
		}).Create(e).Error
	})
	if isDuplicateKeyError(err) {
		return apperrors.WrapWithCause(apperrors.ErrValidation, err, "%s %s violates a unique constraint", e.Kind(), e.EntityID())
	}
	if err != nil {
		return apperrors.WrapWithCause(apperrors.ErrInternal, err, "upsert %s %s", e.Kind(), e.EntityID())
	}
	return nil
}

// upsertColumns 冲突时更新除主键与创建时间外的所有列
func upsertColumns(db *gorm.DB, e model.Entity) []string {
	stmt := &gorm.Statement{DB: db}
	if err := stmt.Parse(e); err != nil {
		return []string{"updated_at"}
	}
	var cols []string
	for _, f := range stmt.Schema.Fields {
		if f.DBName == "" || f.PrimaryKey || f.DBName == "created_at" {
			continue
		}
		cols = append(cols, f.DBName)
	}
	return cols
}

func (r *recordStore) SaveMarker(ctx context.Context, e model.Entity) error {
	updates := map[string]interface{}{
		"tx":         e.Marker(),
		"updated_at": time.Now().UnixMilli(),
	}
	switch v := e.(type) {
	case *model.Risk:
		updates["onchain_id"] = v.OnchainID
	case *model.Policy:
		updates["nft"] = v.NFT
	}

	return r.withRetry(ctx, func(ctx context.Context) error {
		result := r.DB(ctx).Model(e).Where("id = ?", e.EntityID()).Updates(updates)
		if result.Error != nil {
			return apperrors.WrapWithCause(apperrors.ErrInternal, result.Error, "save marker %s %s", e.Kind(), e.EntityID())
		}
		if result.RowsAffected == 0 {
			return notFound(e.Kind(), e.EntityID())
		}
		return nil
	})
}

func (r *recordStore) CountPersons(ctx context.Context) (int64, error) {
	var n int64
	if err := r.DB(ctx).Model(&model.Person{}).Count(&n).Error; err != nil {
		return 0, apperrors.WrapWithCause(apperrors.ErrInternal, err, "count persons")
	}
	return n, nil
}

func (r *recordStore) ListUnsynced(ctx context.Context, kind model.EntityKind, limit int) ([]model.Entity, error) {
	if limit <= 0 {
		limit = 100
	}
	switch kind {
	case model.EntityKindConfig:
		return listUnsynced[model.Config](ctx, r, limit)
	case model.EntityKindLocation:
		return listUnsynced[model.Location](ctx, r, limit)
	case model.EntityKindRisk:
		return listUnsynced[model.Risk](ctx, r, limit)
	case model.EntityKindPerson:
		return listUnsynced[model.Person](ctx, r, limit)
	case model.EntityKindPolicy:
		return listUnsynced[model.Policy](ctx, r, limit)
	}
	return nil, apperrors.ErrValidation.WithMessagef("unknown entity kind %q", kind)
}

func listUnsynced[T any, PT interface {
	*T
	model.Entity
}](ctx context.Context, r *recordStore, limit int) ([]model.Entity, error) {
	var rows []T
	err := r.DB(ctx).
		Where("tx IS NULL OR tx = ''").
		Order("created_at ASC").
		Limit(limit).
		Find(&rows).Error
	if err != nil {
		return nil, apperrors.WrapWithCause(apperrors.ErrInternal, err, "list unsynced")
	}
	out := make([]model.Entity, 0, len(rows))
	for i := range rows {
		out = append(out, PT(&rows[i]))
	}
	return out, nil
}
