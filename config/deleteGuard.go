package config

import (
	"context"
	"errors"
	"fmt"

	"bitbucket.org/mmdatafocus/budget_sync/appctx"
	"gorm.io/gorm"
)

// ErrProtectedDelete is returned when a delete hits a budget table outside a full refresh.
var ErrProtectedDelete = errors.New("delete on protected table requires destructive refresh context")

// protectedTables may only lose rows through the full refresh.
var protectedTables = map[string]bool{
	"budgets":      true,
	"budget_items": true,
}

// DeleteGuardPlugin rejects gorm deletes on budget tables unless the statement context
// carries appctx.ContextKeyAllowDestructive.
//
// NOTE:
// - Raw/Exec SQL is not intercepted. Sync code deletes through the model API only.
type DeleteGuardPlugin struct{}

func NewDeleteGuardPlugin() *DeleteGuardPlugin { return &DeleteGuardPlugin{} }

func (p *DeleteGuardPlugin) Name() string { return "delete_guard" }

func (p *DeleteGuardPlugin) Initialize(db *gorm.DB) error {
	return db.Callback().Delete().Before("gorm:delete").Register("delete_guard:delete", deleteGuardCallback)
}

func deleteGuardCallback(db *gorm.DB) {
	if db == nil || db.Statement == nil {
		return
	}
	table := db.Statement.Table
	if table == "" && db.Statement.Schema != nil {
		table = db.Statement.Schema.Table
	}
	if !protectedTables[table] {
		return
	}
	if AllowsDestructive(db.Statement.Context) {
		return
	}
	db.AddError(fmt.Errorf("%w: %s", ErrProtectedDelete, table))
}

// AllowsDestructive reports whether ctx unlocks protected deletes.
func AllowsDestructive(ctx context.Context) bool {
	if ctx == nil {
		return false
	}
	v, ok := appctx.GetBool(ctx, appctx.ContextKeyAllowDestructive)
	return ok && v
}

// WithDestructive marks ctx as a full-refresh context.
func WithDestructive(ctx context.Context) context.Context {
	return appctx.Set(ctx, appctx.ContextKeyAllowDestructive, true)
}
