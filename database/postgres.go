package database

import (
	"fmt"

	"courier-service/config"
	"courier-service/model"

	"github.com/glebarez/sqlite"
	"go.uber.org/zap"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"
	"moul.io/zapgorm2"
)

// Open connects to the configured datastore and migrates the tables owned
// by this service.
func Open(s config.Settings, log *zap.Logger) (*gorm.DB, error) {
	var dialector gorm.Dialector
	switch s.Database {
	case "sqlite":
		dialector = sqlite.Open(s.SqlitePath + "?_pragma=busy_timeout(5000)&_pragma=foreign_keys(1)")
	case "postgres", "":
		dialector = postgres.Open(fmt.Sprintf("host=%s port=%s user=%s password=%s dbname=%s sslmode=disable",
			s.PostgresHost,
			s.PostgresPort,
			s.PostgresUser,
			s.PostgresPassword,
			s.PostgresDB,
		))
	default:
		return nil, fmt.Errorf("unsupported DATABASE %q", s.Database)
	}

	db, err := gorm.Open(dialector, &gorm.Config{Logger: Logger(log)})
	if err != nil {
		return nil, fmt.Errorf("connect %s: %w", s.Database, err)
	}
	log.Info("connection opened to database", zap.String("driver", s.Database))

	if err := Migrate(db); err != nil {
		return nil, err
	}
	log.Info("database migrated")
	return db, nil
}

// Logger routes gorm's query log through zap at warn level.
func Logger(log *zap.Logger) gormlogger.Interface {
	l := zapgorm2.New(log.Named("gorm"))
	l.IgnoreRecordNotFoundError = true
	return l.LogMode(gormlogger.Warn)
}

func Migrate(db *gorm.DB) error {
	return db.AutoMigrate(
		&model.Message{},
		&model.Reaction{},
		&model.Notification{},
		&model.EntityOwner{},
	)
}
