package sheetsync

import (
	"context"
	"fmt"
	"time"

	"bitbucket.org/mmdatafocus/budget_sync/config"
	"bitbucket.org/mmdatafocus/budget_sync/models"
	"gorm.io/gorm"
)

type MergeDecision string

const (
	DecisionPushLocal  MergeDecision = "push_local"
	DecisionPullRemote MergeDecision = "pull_remote"
	DecisionNoChange   MergeDecision = "no_change"
)

// Decide picks the winner of a mapped pair at second precision.
// With watermarks from a previous merge, a side that has not moved since then
// cannot win, and a pair where neither moved is left alone.
func Decide(local *models.BudgetItem, remote *RemoteItem, mapping *models.ItemMapping) MergeDecision {
	l := truncSecond(local.LastModifiedAt)
	r := truncSecond(remote.LastModified)

	if mapping != nil && mapping.LocalSyncedAt != nil && mapping.RemoteSyncedAt != nil {
		localMoved := l > truncSecond(*mapping.LocalSyncedAt)
		remoteMoved := r > truncSecond(*mapping.RemoteSyncedAt)
		switch {
		case !localMoved && !remoteMoved:
			return DecisionNoChange
		case localMoved && !remoteMoved:
			return DecisionPushLocal
		case remoteMoved && !localMoved:
			return DecisionPullRemote
		}
	}

	switch {
	case l > r:
		return DecisionPushLocal
	case r > l:
		return DecisionPullRemote
	default:
		return DecisionNoChange
	}
}

// pendingWrite is a remote row update held until the pass passes its checks.
type pendingWrite struct {
	Range        string
	Values       []interface{}
	LocalItemId  uint
	RemoteItemId string
}

// mergeEngine applies decisions inside the pass transaction and queues remote writes.
type mergeEngine struct {
	tx        *gorm.DB
	store     *MappingStore
	table     *Table
	headers   config.ItemHeaders
	loc       *time.Location
	mergeTime time.Time
	budgets   map[string]uint
	writes    []pendingWrite
}

type mergeOutcome struct {
	Decision MergeDecision
	Err      error
	Code     string
}

func (e *mergeEngine) merge(ctx context.Context, local *models.BudgetItem, remote *RemoteItem, mapping *models.ItemMapping) mergeOutcome {
	decision := Decide(local, remote, mapping)
	switch decision {
	case DecisionPushLocal:
		values, err := encodeItemRow(e.table, e.headers, remote.raw, itemRowFields{
			ItemId:           remote.ItemId,
			BudgetExternalId: local.BudgetExternalId(),
			Description:      local.Description,
			Quantity:         local.Quantity.StringFixed(2),
			UnitPrice:        local.UnitPrice.String(),
			Discount:         local.Discount.String(),
			LastModified:     FormatRemoteTimestamp(local.LastModifiedAt, e.loc),
		})
		if err != nil {
			return mergeOutcome{Decision: decision, Err: err, Code: codeRemoteWrite}
		}
		rng, err := rowRange(e.table, remote.RowIndex)
		if err != nil {
			return mergeOutcome{Decision: decision, Err: err, Code: codeRemoteWrite}
		}
		e.writes = append(e.writes, pendingWrite{Range: rng, Values: values, LocalItemId: local.ID, RemoteItemId: remote.ItemId})
		// the row will carry the local timestamp
		if err := e.store.MarkSynced(ctx, local.ID, local.LastModifiedAt, local.LastModifiedAt); err != nil {
			return mergeOutcome{Decision: decision, Err: err, Code: codePassFailure}
		}
	case DecisionPullRemote:
		code, err := e.pull(ctx, local, remote)
		if err != nil {
			return mergeOutcome{Decision: decision, Err: err, Code: code}
		}
		if err := e.store.MarkSynced(ctx, local.ID, e.mergeTime, remote.LastModified); err != nil {
			return mergeOutcome{Decision: decision, Err: err, Code: codePassFailure}
		}
	case DecisionNoChange:
		if mapping == nil || mapping.LocalSyncedAt == nil || mapping.RemoteSyncedAt == nil {
			if err := e.store.MarkSynced(ctx, local.ID, local.LastModifiedAt, remote.LastModified); err != nil {
				return mergeOutcome{Decision: decision, Err: err, Code: codePassFailure}
			}
		}
	}
	return mergeOutcome{Decision: decision}
}

// pull overwrites the local item with the remote row and stamps it with the merge time.
func (e *mergeEngine) pull(ctx context.Context, local *models.BudgetItem, remote *RemoteItem) (string, error) {
	qty, ok := parseSheetDecimal(remote.Quantity)
	if !ok {
		return codeInvalidRow, fmt.Errorf("remote item %s row %d: invalid quantity %q", remote.ItemId, remote.RowIndex, remote.Quantity)
	}
	price, ok := parseSheetDecimalOrZero(remote.UnitPrice)
	if !ok {
		return codeInvalidRow, fmt.Errorf("remote item %s row %d: invalid unit price %q", remote.ItemId, remote.RowIndex, remote.UnitPrice)
	}
	discount, ok := parseSheetDecimalOrZero(remote.Discount)
	if !ok {
		return codeInvalidRow, fmt.Errorf("remote item %s row %d: invalid discount %q", remote.ItemId, remote.RowIndex, remote.Discount)
	}

	budgetId := local.BudgetId
	extId := normalizeExternalId(remote.BudgetExternalId)
	if extId != "" && extId != local.BudgetExternalId() {
		id, err := e.budgetIdFor(ctx, extId)
		if err != nil {
			return codeMissingParent, fmt.Errorf("remote item %s: %w", remote.ItemId, err)
		}
		budgetId = id
	}

	updates := map[string]interface{}{
		"budget_id":        budgetId,
		"description":      collapseSpaces(remote.Description),
		"quantity":         qty.Round(2),
		"unit_price":       price,
		"discount":         discount,
		"last_modified_at": e.mergeTime,
	}
	if err := e.tx.WithContext(ctx).Model(&models.BudgetItem{}).Where("id = ?", local.ID).Updates(updates).Error; err != nil {
		return codePassFailure, err
	}
	local.BudgetId = budgetId
	local.Description = collapseSpaces(remote.Description)
	local.Quantity = qty.Round(2)
	local.UnitPrice = price
	local.Discount = discount
	local.LastModifiedAt = e.mergeTime
	return "", nil
}

func (e *mergeEngine) budgetIdFor(ctx context.Context, externalId string) (uint, error) {
	if id, ok := e.budgets[externalId]; ok {
		return id, nil
	}
	b, err := models.GetBudgetByExternalId(ctx, e.tx, externalId)
	if err != nil {
		return 0, fmt.Errorf("budget %q not found locally: %w", externalId, err)
	}
	if e.budgets == nil {
		e.budgets = make(map[string]uint)
	}
	e.budgets[externalId] = b.ID
	return b.ID, nil
}
