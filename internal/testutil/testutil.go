// Package testutil 基于 sqlite 的测试夹具
package testutil

import (
	"fmt"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/glebarez/sqlite"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest"
	"gorm.io/datatypes"
	"gorm.io/gorm"

	"ci-scheduler/internal/model"
	"ci-scheduler/internal/pkg/database"
	"ci-scheduler/pkg/constants"
)

var seq int64

func next() int64 {
	return atomic.AddInt64(&seq, 1)
}

// NewDB 临时文件数据库, 事务使用 BEGIN IMMEDIATE 以便并发测试串行化写入
func NewDB(t testing.TB) *gorm.DB {
	t.Helper()
	path := filepath.Join(t.TempDir(), "ci.db")
	dsn := fmt.Sprintf("file:%s?_pragma=busy_timeout(10000)&_pragma=journal_mode(WAL)&_txlock=immediate", path)

	db, err := database.Open(sqlite.Open(dsn), "silent")
	require.NoError(t, err)
	require.NoError(t, database.Migrate(db))

	t.Cleanup(func() {
		if sqlDB, err := db.DB(); err == nil {
			_ = sqlDB.Close()
		}
	})
	return db
}

// Logger 输出到 t.Log
func Logger(t testing.TB) *zap.Logger {
	return zaptest.NewLogger(t)
}

// CreateProject 默认开启构建与共享 Runner
func CreateProject(t testing.TB, db *gorm.DB, opts ...func(*model.Project)) *model.Project {
	t.Helper()
	n := next()
	p := &model.Project{
		FullPath:                   fmt.Sprintf("group/project-%d", n),
		Name:                       fmt.Sprintf("project-%d", n),
		DefaultBranch:              "main",
		Visibility:                 "private",
		BuildsEnabled:              true,
		SharedRunnersEnabled:       true,
		AutoCancelPendingPipelines: true,
	}
	for _, o := range opts {
		o(p)
	}
	require.NoError(t, db.Create(p).Error)
	return p
}

// CreateUser 创建用户
func CreateUser(t testing.TB, db *gorm.DB, opts ...func(*model.User)) *model.User {
	t.Helper()
	u := &model.User{Username: fmt.Sprintf("user-%d", next())}
	for _, o := range opts {
		o(u)
	}
	require.NoError(t, db.Create(u).Error)
	return u
}

// AddMember 添加项目成员
func AddMember(t testing.TB, db *gorm.DB, project *model.Project, user *model.User, role string) {
	t.Helper()
	require.NoError(t, db.Create(&model.ProjectMember{ProjectID: project.ID, UserID: user.ID, Role: role}).Error)
}

// ProtectBranch 保护分支
func ProtectBranch(t testing.TB, db *gorm.DB, project *model.Project, name, pushRole string) {
	t.Helper()
	require.NoError(t, db.Create(&model.ProtectedBranch{ProjectID: project.ID, Name: name, PushRole: pushRole}).Error)
}

// CreatePipeline 默认 push 来源、created 状态
func CreatePipeline(t testing.TB, db *gorm.DB, project *model.Project, opts ...func(*model.Pipeline)) *model.Pipeline {
	t.Helper()
	p := &model.Pipeline{
		ProjectID: project.ID,
		Ref:       "main",
		SHA:       fmt.Sprintf("%040d", next()),
		Source:    constants.SourcePush,
		Status:    constants.StatusCreated,
	}
	for _, o := range opts {
		o(p)
	}
	require.NoError(t, db.Omit("Project", "User", "Builds").Create(p).Error)
	return p
}

// CreateBuild 默认 on_success、created 状态
func CreateBuild(t testing.TB, db *gorm.DB, pipeline *model.Pipeline, opts ...func(*model.Build)) *model.Build {
	t.Helper()
	b := &model.Build{
		PipelineID: pipeline.ID,
		ProjectID:  pipeline.ProjectID,
		Type:       constants.BuildTypeBuild,
		Name:       fmt.Sprintf("job-%d", next()),
		Stage:      "test",
		Status:     constants.StatusCreated,
		When:       constants.WhenOnSuccess,
		Ref:        pipeline.Ref,
		SHA:        pipeline.SHA,
		UserID:     pipeline.UserID,
	}
	for _, o := range opts {
		o(b)
	}
	require.NoError(t, db.Omit("Pipeline", "Project", "Runner", "User").Create(b).Error)
	return b
}

// AsBridge 把任务设为 bridge
func AsBridge(trigger model.TriggerOptions) func(*model.Build) {
	return func(b *model.Build) {
		b.Type = constants.BuildTypeBridge
		b.Stage = "deploy"
		b.Options = datatypes.NewJSONType(model.BuildOptions{Trigger: &trigger})
	}
}

// CreateRunner 默认在线的共享 Runner
func CreateRunner(t testing.TB, db *gorm.DB, opts ...func(*model.Runner)) *model.Runner {
	t.Helper()
	now := time.Now()
	r := &model.Runner{
		Token:       fmt.Sprintf("token-%d", next()),
		RunnerType:  constants.RunnerTypeInstance,
		Active:      true,
		RunUntagged: true,
		AccessLevel: constants.RunnerAccessNotProtected,
		ContactedAt: &now,
	}
	for _, o := range opts {
		o(r)
	}
	require.NoError(t, db.Create(r).Error)
	return r
}

// AssignRunner 项目专属 Runner
func AssignRunner(t testing.TB, db *gorm.DB, runner *model.Runner, project *model.Project) {
	t.Helper()
	require.NoError(t, db.Create(&model.RunnerProject{RunnerID: runner.ID, ProjectID: project.ID}).Error)
}

// Reload 重新加载
func Reload[T any](t testing.TB, db *gorm.DB, entity *T, id int64) *T {
	t.Helper()
	fresh := new(T)
	require.NoError(t, db.First(fresh, id).Error)
	*entity = *fresh
	return entity
}

// QueueEntryCount build 的队列条目数
func QueueEntryCount(t testing.TB, db *gorm.DB, buildID int64) int64 {
	t.Helper()
	var n int64
	require.NoError(t, db.Model(&model.PendingBuild{}).Where("build_id = ?", buildID).Count(&n).Error)
	return n
}

// RunningEntryCount build 的共享 Runner 跟踪条目数
func RunningEntryCount(t testing.TB, db *gorm.DB, buildID int64) int64 {
	t.Helper()
	var n int64
	require.NoError(t, db.Model(&model.RunningBuild{}).Where("build_id = ?", buildID).Count(&n).Error)
	return n
}
