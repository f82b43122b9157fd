package db

import (
	"context"
	"errors"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"modernvpn/pkg/model"
	"modernvpn/pkg/store"
)

type assignmentRow struct {
	ID         string    `gorm:"primaryKey;size:36"`
	UserID     uint64    `gorm:"not null;uniqueIndex:idx_user_server,priority:1;index:idx_user"`
	ServerID   string    `gorm:"size:64;not null;uniqueIndex:idx_user_server,priority:2;uniqueIndex:idx_server_address,priority:1"`
	PrivateKey string    `gorm:"size:64;not null"`
	PublicKey  string    `gorm:"size:64;not null"`
	Address    string    `gorm:"size:43;not null;uniqueIndex:idx_server_address,priority:2"`
	CreatedAt  time.Time `gorm:"precision:6"`
}

func (assignmentRow) TableName() string { return "tunnel_assignments" }

func toRow(a model.Assignment) assignmentRow {
	return assignmentRow(a)
}

func (r assignmentRow) model() model.Assignment {
	a := model.Assignment(r)
	a.CreatedAt = a.CreatedAt.UTC()
	return a
}

// AssignmentStore keeps assignments in MySQL through gorm. Unique indexes on
// (user_id, server_id) and (server_id, address) back the conditional insert.
type AssignmentStore struct {
	db *gorm.DB
}

func NewAssignmentStore(db *gorm.DB) *AssignmentStore {
	return &AssignmentStore{db: db}
}

func (s *AssignmentStore) take(ctx context.Context, query string, args ...interface{}) (model.Assignment, bool, error) {
	var row assignmentRow
	err := s.db.WithContext(ctx).Where(query, args...).Take(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return model.Assignment{}, false, nil
	}
	if err != nil {
		return model.Assignment{}, false, err
	}
	return row.model(), true, nil
}

func (s *AssignmentStore) Find(ctx context.Context, userID uint64, serverID string) (model.Assignment, bool, error) {
	return s.take(ctx, "user_id = ? AND server_id = ?", userID, serverID)
}

func (s *AssignmentStore) FindByAddress(ctx context.Context, serverID, address string) (model.Assignment, bool, error) {
	return s.take(ctx, "server_id = ? AND address = ?", serverID, address)
}

func (s *AssignmentStore) Get(ctx context.Context, id string) (model.Assignment, bool, error) {
	return s.take(ctx, "id = ?", id)
}

func (s *AssignmentStore) InsertIfAbsent(ctx context.Context, a model.Assignment) (model.Assignment, bool, error) {
	row := toRow(a)
	res := s.db.WithContext(ctx).Clauses(clause.OnConflict{DoNothing: true}).Create(&row)
	if res.Error != nil {
		return model.Assignment{}, false, res.Error
	}
	if res.RowsAffected == 1 {
		return a, true, nil
	}
	return store.ResolveConflict(ctx, s, a)
}

func (s *AssignmentStore) list(ctx context.Context, query string, arg interface{}) ([]model.Assignment, error) {
	var rows []assignmentRow
	if err := s.db.WithContext(ctx).Where(query, arg).Order("created_at, id").Find(&rows).Error; err != nil {
		return nil, err
	}
	out := make([]model.Assignment, 0, len(rows))
	for _, r := range rows {
		out = append(out, r.model())
	}
	return out, nil
}

func (s *AssignmentStore) ListForUser(ctx context.Context, userID uint64) ([]model.Assignment, error) {
	return s.list(ctx, "user_id = ?", userID)
}

func (s *AssignmentStore) ListForServer(ctx context.Context, serverID string) ([]model.Assignment, error) {
	return s.list(ctx, "server_id = ?", serverID)
}

func (s *AssignmentStore) Delete(ctx context.Context, userID uint64, serverID string, requesterID uint64) error {
	if _, ok, err := s.Find(ctx, userID, serverID); err != nil {
		return err
	} else if !ok {
		return store.ErrNotFound
	}
	if requesterID != userID {
		return store.ErrForbidden
	}
	return s.Revoke(ctx, userID, serverID)
}

func (s *AssignmentStore) Revoke(ctx context.Context, userID uint64, serverID string) error {
	res := s.db.WithContext(ctx).Where("user_id = ? AND server_id = ?", userID, serverID).Delete(&assignmentRow{})
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return store.ErrNotFound
	}
	return nil
}

func (s *AssignmentStore) Ping(ctx context.Context) error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.PingContext(ctx)
}
