package repository

import (
	"context"

	auditdomain "github.com/quillora/quillbill/internal/audit/domain"
	"gorm.io/gorm"
)

type repositoryImpl struct{}

// Provide returns the audit repository.
func Provide() auditdomain.Repository {
	return &repositoryImpl{}
}

func (r *repositoryImpl) Insert(ctx context.Context, db *gorm.DB, record *auditdomain.AuditRecord) error {
	return db.WithContext(ctx).Create(record).Error
}

func (r *repositoryImpl) List(ctx context.Context, db *gorm.DB, req auditdomain.ListRequest) ([]auditdomain.AuditRecord, error) {
	query := db.WithContext(ctx).Model(&auditdomain.AuditRecord{})

	if req.Action != "" {
		query = query.Where("action = ?", req.Action)
	}
	if req.TargetType != "" {
		query = query.Where("target_type = ?", req.TargetType)
	}
	if req.TargetID != "" {
		query = query.Where("target_id = ?", req.TargetID)
	}
	if req.ActorID != "" {
		query = query.Where("actor_id = ?", req.ActorID)
	}
	if req.StartAt != nil {
		query = query.Where("created_at >= ?", *req.StartAt)
	}
	if req.EndAt != nil {
		query = query.Where("created_at <= ?", *req.EndAt)
	}

	limit := req.Limit
	if limit <= 0 {
		limit = 50
	}
	if limit > 250 {
		limit = 250
	}

	var records []auditdomain.AuditRecord
	if err := query.Order("created_at DESC, id DESC").Limit(limit).Find(&records).Error; err != nil {
		return nil, err
	}
	return records, nil
}
