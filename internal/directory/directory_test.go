package directory

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/glebarez/sqlite"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"

	"github.com/BaSui01/approvalflow/internal/cache"
	"github.com/BaSui01/approvalflow/workflow"
)

// =============================================================================
// 🧪 组织架构目录测试
// =============================================================================

func setupTestDB(t *testing.T) *gorm.DB {
	t.Helper()
	db, err := gorm.Open(sqlite.Open(filepath.Join(t.TempDir(), "directory.db")), &gorm.Config{
		Logger: gormlogger.Default.LogMode(gormlogger.Silent),
	})
	require.NoError(t, err)
	require.NoError(t, AutoMigrate(db))
	return db
}

func seedOrg(t *testing.T, db *gorm.DB) {
	t.Helper()
	users := []UserRow{
		{ID: "u1", Name: "张三", DepartmentID: "sales", Active: true},
		{ID: "u2", Name: "李四", DepartmentID: "sales", Active: true},
		{ID: "u3", Name: "王五", DepartmentID: "finance", Active: true},
		{ID: "gone", Name: "离职", DepartmentID: "sales", Active: false},
	}
	require.NoError(t, db.Create(&users).Error)

	roles := []UserRoleRow{
		{UserID: "u1", Role: "manager"},
		{UserID: "u3", Role: "manager"},
		{UserID: "gone", Role: "manager"},
		{UserID: "u2", Role: "legal"},
	}
	require.NoError(t, db.Create(&roles).Error)

	depts := []DepartmentRow{
		{ID: "sales", Name: "销售部"},
		{ID: "finance", Name: "财务部"},
	}
	require.NoError(t, db.Create(&depts).Error)
}

func TestDirectory_ResolveUser(t *testing.T) {
	db := setupTestDB(t)
	seedOrg(t, db)
	dir := New(db, nil, 0, zap.NewNop())
	ctx := context.Background()

	ids, err := dir.ResolveApprovers(ctx, workflow.ApproverSpec{Kind: workflow.ApproverKindUser, Value: "u1"})
	require.NoError(t, err)
	assert.Equal(t, []string{"u1"}, ids)

	// 停用用户解析为空，不报错
	ids, err = dir.ResolveApprovers(ctx, workflow.ApproverSpec{Kind: workflow.ApproverKindUser, Value: "gone"})
	require.NoError(t, err)
	assert.Empty(t, ids)

	// 未知用户同样为空
	ids, err = dir.ResolveApprovers(ctx, workflow.ApproverSpec{Kind: workflow.ApproverKindUser, Value: "nobody"})
	require.NoError(t, err)
	assert.Empty(t, ids)
}

func TestDirectory_ResolveRole(t *testing.T) {
	db := setupTestDB(t)
	seedOrg(t, db)
	dir := New(db, nil, 0, zap.NewNop())
	ctx := context.Background()

	// 停用的 gone 被过滤，结果按 user_id 升序
	ids, err := dir.ResolveApprovers(ctx, workflow.ApproverSpec{Kind: workflow.ApproverKindRole, Value: "manager"})
	require.NoError(t, err)
	assert.Equal(t, []string{"u1", "u3"}, ids)

	ids, err = dir.ResolveApprovers(ctx, workflow.ApproverSpec{Kind: workflow.ApproverKindRole, Value: "cfo"})
	require.NoError(t, err)
	assert.Empty(t, ids)
}

func TestDirectory_ResolveDepartment(t *testing.T) {
	db := setupTestDB(t)
	seedOrg(t, db)
	dir := New(db, nil, 0, zap.NewNop())
	ctx := context.Background()

	ids, err := dir.ResolveApprovers(ctx, workflow.ApproverSpec{Kind: workflow.ApproverKindDepartment, Value: "sales"})
	require.NoError(t, err)
	assert.Equal(t, []string{"u1", "u2"}, ids)
}

func TestDirectory_UnknownKind(t *testing.T) {
	db := setupTestDB(t)
	dir := New(db, nil, 0, zap.NewNop())

	_, err := dir.ResolveApprovers(context.Background(), workflow.ApproverSpec{Kind: "team", Value: "t1"})
	assert.Error(t, err)
}

func TestDirectory_CachedResolution(t *testing.T) {
	mr, err := miniredis.Run()
	require.NoError(t, err)
	defer mr.Close()

	cacheManager, err := cache.NewManager(cache.Config{
		Addr:       mr.Addr(),
		DefaultTTL: time.Minute,
	}, zap.NewNop())
	require.NoError(t, err)
	defer cacheManager.Close()

	db := setupTestDB(t)
	seedOrg(t, db)
	dir := New(db, cacheManager, time.Minute, zap.NewNop())
	ctx := context.Background()

	// 首次解析回填缓存
	ids, err := dir.ResolveApprovers(ctx, workflow.ApproverSpec{Kind: workflow.ApproverKindRole, Value: "manager"})
	require.NoError(t, err)
	assert.Equal(t, []string{"u1", "u3"}, ids)

	// 数据库变了，TTL 内仍返回缓存结果
	require.NoError(t, db.Create(&UserRoleRow{UserID: "u2", Role: "manager"}).Error)
	ids, err = dir.ResolveApprovers(ctx, workflow.ApproverSpec{Kind: workflow.ApproverKindRole, Value: "manager"})
	require.NoError(t, err)
	assert.Equal(t, []string{"u1", "u3"}, ids)

	// 失效角色缓存后重读数据库
	require.NoError(t, dir.Invalidate(ctx, workflow.ApproverKindRole))
	ids, err = dir.ResolveApprovers(ctx, workflow.ApproverSpec{Kind: workflow.ApproverKindRole, Value: "manager"})
	require.NoError(t, err)
	assert.Equal(t, []string{"u1", "u2", "u3"}, ids)
}

func TestDirectory_InvalidateScopedByKind(t *testing.T) {
	mr, err := miniredis.Run()
	require.NoError(t, err)
	defer mr.Close()

	cacheManager, err := cache.NewManager(cache.Config{
		Addr:       mr.Addr(),
		DefaultTTL: time.Minute,
	}, zap.NewNop())
	require.NoError(t, err)
	defer cacheManager.Close()

	db := setupTestDB(t)
	seedOrg(t, db)
	dir := New(db, cacheManager, time.Minute, zap.NewNop())
	ctx := context.Background()

	_, err = dir.ResolveApprovers(ctx, workflow.ApproverSpec{Kind: workflow.ApproverKindUser, Value: "u1"})
	require.NoError(t, err)
	_, err = dir.ResolveApprovers(ctx, workflow.ApproverSpec{Kind: workflow.ApproverKindDepartment, Value: "sales"})
	require.NoError(t, err)

	// 只失效用户缓存，部门缓存不动
	require.NoError(t, dir.Invalidate(ctx, workflow.ApproverKindUser))
	assert.False(t, mr.Exists("dir:user:u1"))
	assert.True(t, mr.Exists("dir:dept:sales"))

	// 未知类型报错
	assert.Error(t, dir.Invalidate(ctx, "team"))
}

func TestDirectory_InvalidateWithoutCache(t *testing.T) {
	db := setupTestDB(t)
	dir := New(db, nil, 0, zap.NewNop())

	// 无缓存时 Invalidate 是 no-op
	assert.NoError(t, dir.Invalidate(context.Background(), workflow.ApproverKindRole))
}
