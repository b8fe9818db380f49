// Package domain contains the append-only audit trail models.
package domain

import (
	"time"

	"github.com/bwmarrin/snowflake"
	"gorm.io/datatypes"
)

// ActorType identifies who performed an audited action.
type ActorType string

const (
	ActorTypeAdmin  ActorType = "admin"
	ActorTypeUser   ActorType = "user"
	ActorTypeSystem ActorType = "system"
)

// Outcome is the result of the audited operation.
type Outcome string

const (
	OutcomeSuccess Outcome = "success"
	OutcomePartial Outcome = "partial"
	OutcomeFailure Outcome = "failure"
)

// AuditRecord is a write-once row describing one mutating operation.
// Rows are never updated or deleted.
type AuditRecord struct {
	ID            snowflake.ID      `gorm:"primaryKey"`
	ActorType     ActorType         `gorm:"type:text;not null"`
	ActorID       string            `gorm:"type:text;not null;index"`
	Action        string            `gorm:"type:text;not null;index"`
	TargetType    string            `gorm:"type:text;not null;index"`
	TargetID      *string           `gorm:"type:text;index"`
	PreviousValue datatypes.JSONMap `gorm:"type:jsonb"`
	NewValue      datatypes.JSONMap `gorm:"type:jsonb"`
	Outcome       Outcome           `gorm:"type:text;not null"`
	Metadata      datatypes.JSONMap `gorm:"type:jsonb"`
	CreatedAt     time.Time         `gorm:"not null;default:CURRENT_TIMESTAMP;index"`
}

// TableName sets the database table name.
func (AuditRecord) TableName() string { return "audit_records" }
