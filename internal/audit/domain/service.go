package domain

import (
	"context"
	"errors"
	"time"
)

// Entry is the caller-facing shape of one audit write.
type Entry struct {
	ActorType     ActorType
	ActorID       string
	Action        string
	TargetType    string
	TargetID      string
	PreviousValue map[string]any
	NewValue      map[string]any
	Outcome       Outcome
	Metadata      map[string]any
}

// ListRequest filters the audit trail for the admin log viewer boundary.
type ListRequest struct {
	Action     string
	TargetType string
	TargetID   string
	ActorID    string
	StartAt    *time.Time
	EndAt      *time.Time
	Limit      int
}

// Service records immutable audit entries. Record failures must never
// abort the caller's primary operation; callers treat errors as advisory.
type Service interface {
	Record(ctx context.Context, entry Entry) error
	List(ctx context.Context, req ListRequest) ([]AuditRecord, error)
}

var (
	ErrInvalidAction    = errors.New("invalid_action")
	ErrInvalidActor     = errors.New("invalid_actor")
	ErrInvalidTimeRange = errors.New("invalid_time_range")
)
