package domain

import (
	"context"

	"gorm.io/gorm"
)

// Repository persists audit records.
type Repository interface {
	Insert(ctx context.Context, db *gorm.DB, record *AuditRecord) error
	List(ctx context.Context, db *gorm.DB, req ListRequest) ([]AuditRecord, error)
}
