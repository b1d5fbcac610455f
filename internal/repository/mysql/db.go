package mysql

import (
	"sync"

	"go.uber.org/zap"
	"gorm.io/driver/mysql"
	"gorm.io/gorm"

	"github.com/example/shopchat/internal/config"
	"github.com/example/shopchat/internal/datamodels/chat"
	"github.com/example/shopchat/internal/datamodels/order"
	"github.com/example/shopchat/internal/datamodels/user"
)

var (
	db   *gorm.DB
	once sync.Once
)

// Init 初始化全局 GORM 实例并自动迁移表结构
func Init(cfg *config.MySQLConfig) *gorm.DB {
	once.Do(func() {
		var err error
		db, err = gorm.Open(mysql.Open(cfg.DSN), &gorm.Config{})
		if err != nil {
			zap.L().Fatal("failed to connect mysql", zap.Error(err))
		}

		if err = Migrate(db); err != nil {
			zap.L().Fatal("auto migrate failed", zap.Error(err))
		}
	})
	return db
}

// Migrate 自动迁移本项目全部表
func Migrate(gdb *gorm.DB) error {
	return gdb.AutoMigrate(&user.User{}, &order.Order{}, &chat.Message{})
}
