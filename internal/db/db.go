package db

import (
	"fmt"
	"time"

	"github.com/gowdashreyas493-oss/skillspark-placement/internal/models"
	"gorm.io/driver/postgres"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
)

const (
	DriverPostgres = "postgres"
	DriverSQLite   = "sqlite"
)

// Now 是存储时钟：UTC、微秒精度，与 Postgres 保存的精度一致，读回的值与写入的值相等。
func Now() time.Time { return time.Now().UTC().Truncate(time.Microsecond) }

// Connect 负责建立数据库连接。Postgres 带有简单的重试来等待容器就绪，SQLite 只打开一次。
func Connect(driver, dsn string) (*gorm.DB, error) {
	var dialector gorm.Dialector
	attempts := 1
	switch driver {
	case DriverPostgres, "":
		dialector = postgres.Open(dsn)
		attempts = 10
	case DriverSQLite:
		dialector = sqlite.Open(dsn)
	default:
		return nil, fmt.Errorf("unsupported database driver %q", driver)
	}

	var gdb *gorm.DB
	var err error
	for i := 0; i < attempts; i++ {
		gdb, err = gorm.Open(dialector, &gorm.Config{
			Logger:         newGormLogger(slowQuery),
			TranslateError: true,
			NowFunc:        Now,
		})
		if err == nil {
			sqlDB, err2 := gdb.DB()
			if err2 == nil {
				sqlDB.SetMaxIdleConns(5)
				sqlDB.SetMaxOpenConns(20)
				sqlDB.SetConnMaxLifetime(time.Hour)
				return gdb, nil
			}
			err = err2
		}
		if i+1 < attempts {
			time.Sleep(time.Duration(500+i*200) * time.Millisecond)
		}
	}
	return nil, err
}

// Migrate 自动迁移消息核心涉及的全部表结构。
func Migrate(gdb *gorm.DB) error {
	return gdb.AutoMigrate(
		&models.User{},
		&models.Chat{},
		&models.Participant{},
		&models.Message{},
		&models.TypingState{},
		&models.Analysis{},
	)
}
