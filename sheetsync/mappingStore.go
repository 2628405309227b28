package sheetsync

import (
	"context"
	"errors"
	"strings"
	"time"

	"bitbucket.org/mmdatafocus/budget_sync/models"
	"bitbucket.org/mmdatafocus/budget_sync/utils"
	mysqlDriver "github.com/go-sql-driver/mysql"
	"gorm.io/gorm"
)

// MappingStore reads and writes identity mappings through db, normally the pass transaction.
type MappingStore struct {
	db  *gorm.DB
	now func() time.Time
}

func NewMappingStore(db *gorm.DB) *MappingStore {
	return &MappingStore{db: db, now: func() time.Time { return time.Now().UTC() }}
}

func (s *MappingStore) withClock(now func() time.Time) *MappingStore {
	if now != nil {
		s.now = now
	}
	return s
}

func isDuplicateKeyErr(err error) bool {
	if errors.Is(err, gorm.ErrDuplicatedKey) {
		return true
	}
	var mysqlErr *mysqlDriver.MySQLError
	if errors.As(err, &mysqlErr) {
		return mysqlErr.Number == 1062
	}
	return strings.Contains(err.Error(), "UNIQUE constraint failed")
}

func (s *MappingStore) GetByLocal(ctx context.Context, localId uint) (*models.ItemMapping, error) {
	var m models.ItemMapping
	err := s.db.WithContext(ctx).Where("local_item_id = ?", localId).Take(&m).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &m, nil
}

func (s *MappingStore) GetByRemote(ctx context.Context, remoteId string) (*models.ItemMapping, error) {
	var m models.ItemMapping
	err := s.db.WithContext(ctx).Where("remote_item_id = ?", strings.TrimSpace(remoteId)).Take(&m).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &m, nil
}

func (s *MappingStore) GetRemoteIdByLocal(ctx context.Context, localId uint) (string, bool, error) {
	m, err := s.GetByLocal(ctx, localId)
	if err != nil || m == nil {
		return "", false, err
	}
	return m.RemoteItemId, true, nil
}

func (s *MappingStore) GetLocalIdByRemote(ctx context.Context, remoteId string) (uint, bool, error) {
	m, err := s.GetByRemote(ctx, remoteId)
	if err != nil || m == nil {
		return 0, false, err
	}
	return m.LocalItemId, true, nil
}

// SetMapping binds localId to remoteId. Re-setting the same pair is a no-op;
// any binding that would break one-to-one is refused without writing.
func (s *MappingStore) SetMapping(ctx context.Context, localId uint, remoteId string, provenance string) error {
	remoteId = strings.TrimSpace(remoteId)
	if localId == 0 || remoteId == "" {
		return ErrInvalidMapping
	}
	if provenance != models.MappingProvenanceLocal && provenance != models.MappingProvenanceRemote {
		return ErrInvalidMapping
	}

	byRemote, err := s.GetByRemote(ctx, remoteId)
	if err != nil {
		return err
	}
	if byRemote != nil && byRemote.LocalItemId != localId {
		return &DuplicateRemoteBindingError{LocalItemId: localId, RemoteItemId: remoteId, BoundLocalItemId: byRemote.LocalItemId}
	}
	byLocal, err := s.GetByLocal(ctx, localId)
	if err != nil {
		return err
	}
	if byLocal != nil {
		if byLocal.RemoteItemId == remoteId {
			return nil
		}
		return &DuplicateRemoteBindingError{LocalItemId: localId, RemoteItemId: remoteId, BoundRemoteId: byLocal.RemoteItemId}
	}

	m := models.ItemMapping{
		LocalItemId:  localId,
		RemoteItemId: remoteId,
		Provenance:   provenance,
		AssignedAt:   s.now(),
	}
	if err := s.db.WithContext(ctx).Create(&m).Error; err != nil {
		if isDuplicateKeyErr(err) {
			return &DuplicateRemoteBindingError{LocalItemId: localId, RemoteItemId: remoteId}
		}
		return err
	}
	return nil
}

func (s *MappingStore) DeleteMapping(ctx context.Context, localId uint) error {
	return s.db.WithContext(ctx).Where("local_item_id = ?", localId).Delete(&models.ItemMapping{}).Error
}

// CleanOrphans removes mappings whose local item no longer exists.
func (s *MappingStore) CleanOrphans(ctx context.Context) (int64, error) {
	db := s.db.WithContext(ctx)
	res := db.Where("local_item_id NOT IN (?)", db.Model(&models.BudgetItem{}).Select("id")).
		Delete(&models.ItemMapping{})
	return res.RowsAffected, res.Error
}

// MarkSynced records the timestamps both sides carried after a merge.
func (s *MappingStore) MarkSynced(ctx context.Context, localId uint, localAt, remoteAt time.Time) error {
	l := localAt.UTC()
	r := remoteAt.UTC()
	return s.db.WithContext(ctx).Model(&models.ItemMapping{}).
		Where("local_item_id = ?", localId).
		Updates(map[string]interface{}{
			"local_synced_at":  &l,
			"remote_synced_at": &r,
		}).Error
}

func (s *MappingStore) List(ctx context.Context) ([]models.ItemMapping, error) {
	var out []models.ItemMapping
	err := s.db.WithContext(ctx).Order("local_item_id").Find(&out).Error
	return out, err
}

func (s *MappingStore) Count(ctx context.Context) (int64, error) {
	var n int64
	err := s.db.WithContext(ctx).Model(&models.ItemMapping{}).Count(&n).Error
	return n, err
}

// LoadByLocalIds returns mappings keyed by local item id.
func (s *MappingStore) LoadByLocalIds(ctx context.Context, ids []uint) (map[uint]models.ItemMapping, error) {
	ids = utils.UniqueSlice(ids)
	out := make(map[uint]models.ItemMapping, len(ids))
	if len(ids) == 0 {
		return out, nil
	}
	var rows []models.ItemMapping
	for start := 0; start < len(ids); start += 500 {
		end := min(start+500, len(ids))
		rows = rows[:0]
		if err := s.db.WithContext(ctx).Where("local_item_id IN ?", ids[start:end]).Find(&rows).Error; err != nil {
			return nil, err
		}
		for _, m := range rows {
			out[m.LocalItemId] = m
		}
	}
	return out, nil
}

// LoadByRemoteIds returns mappings keyed by remote item id.
func (s *MappingStore) LoadByRemoteIds(ctx context.Context, ids []string) (map[string]models.ItemMapping, error) {
	ids = utils.UniqueSlice(ids)
	out := make(map[string]models.ItemMapping, len(ids))
	if len(ids) == 0 {
		return out, nil
	}
	var rows []models.ItemMapping
	for start := 0; start < len(ids); start += 500 {
		end := min(start+500, len(ids))
		rows = rows[:0]
		if err := s.db.WithContext(ctx).Where("remote_item_id IN ?", ids[start:end]).Find(&rows).Error; err != nil {
			return nil, err
		}
		for _, m := range rows {
			out[m.RemoteItemId] = m
		}
	}
	return out, nil
}
