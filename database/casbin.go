package database

import (
	"fmt"

	"courier-service/config"

	"github.com/casbin/casbin/v2"
	casbinmodel "github.com/casbin/casbin/v2/model"
	gormadapter "github.com/casbin/gorm-adapter/v3"
	"gorm.io/gorm"
)

const AdminRole = "admin"

// Casbin builds the enforcer guarding /v1/admin. Policies live in the same
// database as the rest of the service.
func Casbin(db *gorm.DB) (*casbin.Enforcer, error) {
	adapter, err := gormadapter.NewAdapterByDB(db)
	if err != nil {
		return nil, fmt.Errorf("initialize casbin adapter: %w", err)
	}

	m, err := casbinmodel.NewModelFromString(config.RBACModel)
	if err != nil {
		return nil, fmt.Errorf("load casbin model: %w", err)
	}

	e, err := casbin.NewEnforcer(m, adapter)
	if err != nil {
		return nil, fmt.Errorf("create casbin enforcer: %w", err)
	}

	// Add default policy
	if hasPolicy, _ := e.HasPolicy(AdminRole, "/v1/admin/*", "(GET)|(POST)|(PUT)|(DELETE)"); !hasPolicy {
		if _, err := e.AddPolicy(AdminRole, "/v1/admin/*", "(GET)|(POST)|(PUT)|(DELETE)"); err != nil {
			return nil, fmt.Errorf("add default policy: %w", err)
		}
	}

	return e, e.LoadPolicy()
}
