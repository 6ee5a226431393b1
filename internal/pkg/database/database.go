package database

import (
	"context"
	"fmt"
	"time"

	"go.mongodb.org/mongo-driver/v2/mongo"
	"go.mongodb.org/mongo-driver/v2/mongo/options"
	"go.uber.org/multierr"
	"gorm.io/driver/mysql"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"gitlab-tracker/internal/model"
	"gitlab-tracker/internal/pkg/config"
	applog "gitlab-tracker/internal/pkg/logger"
)

const (
	DriverMySQL  = "mysql"
	DriverMongo  = "mongo"
	DriverMemory = "memory"
)

// Connections 进程内唯一的存储连接，由 main 创建并负责关闭
type Connections struct {
	Driver string
	SQL    *gorm.DB
	Mongo  *mongo.Database

	mongoClient *mongo.Client
}

// Open 按驱动建立连接；memory 驱动不建立任何连接
func Open(ctx context.Context, cfg *config.DatabaseConfig) (*Connections, error) {
	conns := &Connections{Driver: cfg.Driver}

	switch cfg.Driver {
	case DriverMySQL:
		db, err := openMySQL(cfg)
		if err != nil {
			return nil, err
		}
		conns.SQL = db
	case DriverMongo:
		client, err := openMongo(ctx, cfg)
		if err != nil {
			return nil, err
		}
		conns.mongoClient = client
		conns.Mongo = client.Database(cfg.Database)
	case DriverMemory:
	default:
		return nil, fmt.Errorf("不支持的数据库驱动: %s", cfg.Driver)
	}

	return conns, nil
}

func openMySQL(cfg *config.DatabaseConfig) (*gorm.DB, error) {
	logLevel := getLogLevel(cfg.LogLevel)

	gormConfig := &gorm.Config{
		Logger: logger.New(applog.GetWriter(), logger.Config{
			SlowThreshold: 200 * time.Millisecond,
			LogLevel:      logLevel,
			Colorful:      true,
		}).LogMode(logLevel),
		NowFunc: func() time.Time {
			return time.Now().UTC()
		},
		TranslateError: true,
	}

	db, err := gorm.Open(mysql.Open(cfg.GetDSN()), gormConfig)
	if err != nil {
		return nil, fmt.Errorf("连接数据库失败: %w", err)
	}

	sqlDB, err := db.DB()
	if err != nil {
		return nil, fmt.Errorf("获取数据库实例失败: %w", err)
	}

	sqlDB.SetMaxIdleConns(cfg.MaxIdleConns)
	sqlDB.SetMaxOpenConns(cfg.MaxOpenConns)
	sqlDB.SetConnMaxLifetime(time.Duration(cfg.ConnMaxLifetime) * time.Second)

	if err := sqlDB.Ping(); err != nil {
		return nil, fmt.Errorf("数据库连接测试失败: %w", err)
	}

	return db, nil
}

func openMongo(ctx context.Context, cfg *config.DatabaseConfig) (*mongo.Client, error) {
	if cfg.MongoURI == "" {
		return nil, fmt.Errorf("未配置 database.mongo_uri (MONGODB_URI)")
	}

	client, err := mongo.Connect(options.Client().
		ApplyURI(cfg.MongoURI).
		SetMaxPoolSize(uint64(max(cfg.MaxOpenConns, 1))))
	if err != nil {
		return nil, fmt.Errorf("连接 MongoDB 失败: %w", err)
	}

	pingCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx, nil); err != nil {
		_ = client.Disconnect(context.Background())
		return nil, fmt.Errorf("MongoDB 连接测试失败: %w", err)
	}

	return client, nil
}

// AutoMigrate 同步 MySQL 表结构
func (c *Connections) AutoMigrate() error {
	if c.SQL == nil {
		return nil
	}
	if err := c.SQL.AutoMigrate(&model.Integration{}, &model.Activity{}); err != nil {
		return fmt.Errorf("数据库迁移失败: %w", err)
	}
	return nil
}

// Close 关闭所有连接
func (c *Connections) Close(ctx context.Context) error {
	var err error
	if c.SQL != nil {
		sqlDB, dbErr := c.SQL.DB()
		if dbErr != nil {
			err = multierr.Append(err, dbErr)
		} else {
			err = multierr.Append(err, sqlDB.Close())
		}
	}
	if c.mongoClient != nil {
		err = multierr.Append(err, c.mongoClient.Disconnect(ctx))
	}
	return err
}

// getLogLevel 解析SQL日志级别
func getLogLevel(level string) logger.LogLevel {
	switch level {
	case "silent":
		return logger.Silent
	case "error":
		return logger.Error
	case "warn":
		return logger.Warn
	case "info":
		return logger.Info
	default:
		return logger.Silent
	}
}
