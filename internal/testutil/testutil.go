// Package testutil 为各包测试提供一次性数据库。
package testutil

import (
	"fmt"
	"path/filepath"
	"testing"

	"github.com/gowdashreyas493-oss/skillspark-placement/internal/db"
	"github.com/gowdashreyas493-oss/skillspark-placement/internal/models"
	"gorm.io/gorm"
)

// SQLite 返回临时文件中已迁移的数据库。写事务在 BEGIN 时加锁，并发测试的行为接近 Postgres 行锁。
func SQLite(t testing.TB) *gorm.DB {
	t.Helper()
	dsn := fmt.Sprintf("file:%s?_busy_timeout=10000&_txlock=immediate&_foreign_keys=on", filepath.Join(t.TempDir(), "chat.db"))
	gdb, err := db.Connect(db.DriverSQLite, dsn)
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	if err := db.Migrate(gdb); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	t.Cleanup(func() {
		if sqlDB, err := gdb.DB(); err == nil {
			_ = sqlDB.Close()
		}
	})
	return gdb
}

// Users 按 id 插入用户，用户名为 "u1"、"u2" 等。
func Users(t testing.TB, gdb *gorm.DB, ids ...uint) {
	t.Helper()
	for _, id := range ids {
		u := models.User{ID: id, Username: fmt.Sprintf("u%d", id)}
		if err := gdb.Create(&u).Error; err != nil {
			t.Fatalf("create user %d: %v", id, err)
		}
	}
}
