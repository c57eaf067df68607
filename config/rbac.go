package config

import _ "embed"

// RBACModel is the casbin model used to guard the admin routes.
//
//go:embed rbac_model.conf
var RBACModel string
