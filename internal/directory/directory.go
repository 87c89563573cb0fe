package directory

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/BaSui01/approvalflow/internal/cache"
	"github.com/BaSui01/approvalflow/workflow"
)

// =============================================================================
// 🏢 组织架构目录
// =============================================================================

// 缓存键前缀，按实体类型分类失效
const (
	prefixUser = "dir:user:"
	prefixRole = "dir:role:"
	prefixDept = "dir:dept:"
)

// UserRow 组织用户表
type UserRow struct {
	ID           string `gorm:"primaryKey;size:64"`
	Name         string `gorm:"size:128;not null"`
	DepartmentID string `gorm:"size:64;index"`
	Active       bool   `gorm:"not null;default:true;index"`
}

// TableName 指定表名
func (UserRow) TableName() string { return "org_users" }

// UserRoleRow 用户-角色关联表
type UserRoleRow struct {
	UserID string `gorm:"primaryKey;size:64"`
	Role   string `gorm:"primaryKey;size:64;index"`
}

// TableName 指定表名
func (UserRoleRow) TableName() string { return "org_user_roles" }

// DepartmentRow 部门表
type DepartmentRow struct {
	ID   string `gorm:"primaryKey;size:64"`
	Name string `gorm:"size:128;not null"`
}

// TableName 指定表名
func (DepartmentRow) TableName() string { return "org_departments" }

// AutoMigrate creates the org tables, for tests and the sqlite dev mode.
func AutoMigrate(db *gorm.DB) error {
	return db.AutoMigrate(&UserRow{}, &UserRoleRow{}, &DepartmentRow{})
}

// Directory is the gorm-backed, cache-fronted workflow.Directory
// implementation. The cache is optional; a nil manager degrades to direct
// database reads.
type Directory struct {
	db     *gorm.DB
	cache  *cache.Manager
	ttl    time.Duration
	logger *zap.Logger
}

var _ workflow.Directory = (*Directory)(nil)

// New creates a directory. ttl bounds how stale org data may get before a
// resolution rereads the database; zero falls back to the cache default.
func New(db *gorm.DB, cacheManager *cache.Manager, ttl time.Duration, logger *zap.Logger) *Directory {
	return &Directory{
		db:     db,
		cache:  cacheManager,
		ttl:    ttl,
		logger: logger.With(zap.String("component", "directory")),
	}
}

// ResolveApprovers returns the active user ids an approver spec names.
// Unknown or inactive users resolve to an empty list, never an error; the
// engine decides what an empty approver set means.
func (d *Directory) ResolveApprovers(ctx context.Context, spec workflow.ApproverSpec) ([]string, error) {
	switch spec.Kind {
	case workflow.ApproverKindUser:
		return d.cached(ctx, prefixUser+spec.Value, func(ctx context.Context) ([]string, error) {
			return d.resolveUser(ctx, spec.Value)
		})
	case workflow.ApproverKindRole:
		return d.cached(ctx, prefixRole+spec.Value, func(ctx context.Context) ([]string, error) {
			return d.resolveRole(ctx, spec.Value)
		})
	case workflow.ApproverKindDepartment:
		return d.cached(ctx, prefixDept+spec.Value, func(ctx context.Context) ([]string, error) {
			return d.resolveDepartment(ctx, spec.Value)
		})
	default:
		return nil, fmt.Errorf("unknown approver kind %q", spec.Kind)
	}
}

// cached wraps a loader in the read-through cache when one is configured.
func (d *Directory) cached(ctx context.Context, key string, load func(ctx context.Context) ([]string, error)) ([]string, error) {
	if d.cache == nil {
		return load(ctx)
	}
	var out []string
	err := d.cache.GetOrLoadJSON(ctx, key, &out, d.ttl, func(ctx context.Context) (any, error) {
		return load(ctx)
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

func (d *Directory) resolveUser(ctx context.Context, userID string) ([]string, error) {
	var n int64
	err := d.db.WithContext(ctx).Model(&UserRow{}).
		Where("id = ? AND active = ?", userID, true).
		Count(&n).Error
	if err != nil {
		return nil, fmt.Errorf("resolve user %s: %w", userID, err)
	}
	if n == 0 {
		return []string{}, nil
	}
	return []string{userID}, nil
}

func (d *Directory) resolveRole(ctx context.Context, role string) ([]string, error) {
	var ids []string
	err := d.db.WithContext(ctx).Model(&UserRoleRow{}).
		Joins("JOIN org_users ON org_users.id = org_user_roles.user_id").
		Where("org_user_roles.role = ? AND org_users.active = ?", role, true).
		Order("org_user_roles.user_id ASC").
		Pluck("org_user_roles.user_id", &ids).Error
	if err != nil {
		return nil, fmt.Errorf("resolve role %s: %w", role, err)
	}
	return ids, nil
}

func (d *Directory) resolveDepartment(ctx context.Context, deptID string) ([]string, error) {
	var ids []string
	err := d.db.WithContext(ctx).Model(&UserRow{}).
		Where("department_id = ? AND active = ?", deptID, true).
		Order("id ASC").
		Pluck("id", &ids).Error
	if err != nil {
		return nil, fmt.Errorf("resolve department %s: %w", deptID, err)
	}
	return ids, nil
}

// Invalidate drops the cached resolutions for one entity type after org
// data changes (user deactivated, role granted, member moved).
func (d *Directory) Invalidate(ctx context.Context, kind workflow.ApproverKind) error {
	if d.cache == nil {
		return nil
	}
	var prefix string
	switch kind {
	case workflow.ApproverKindUser:
		prefix = prefixUser
	case workflow.ApproverKindRole:
		prefix = prefixRole
	case workflow.ApproverKindDepartment:
		prefix = prefixDept
	default:
		return fmt.Errorf("unknown approver kind %q", kind)
	}
	return d.cache.InvalidateEntity(ctx, prefix)
}
