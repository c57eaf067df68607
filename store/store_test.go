package store

import (
	"path/filepath"
	"testing"

	"courier-service/database"
	"courier-service/model"

	"github.com/glebarez/sqlite"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

var (
	alice = model.EntityRef{Kind: model.KindProfile, ID: "1"}
	bob   = model.EntityRef{Kind: model.KindProfile, ID: "2"}
	// same id as alice, different identifier space
	gig = model.EntityRef{Kind: model.KindPosting, ID: "1"}
)

func newTestDB(t *testing.T) *gorm.DB {
	t.Helper()
	db, err := gorm.Open(
		sqlite.Open(filepath.Join(t.TempDir(), "store.db")+"?_pragma=busy_timeout(5000)"),
		&gorm.Config{Logger: logger.Default.LogMode(logger.Silent)},
	)
	require.NoError(t, err)
	require.NoError(t, database.Migrate(db))

	sqlDB, err := db.DB()
	require.NoError(t, err)
	sqlDB.SetMaxOpenConns(1)
	t.Cleanup(func() { _ = sqlDB.Close() })
	return db
}
