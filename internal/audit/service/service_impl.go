package service

import (
	"context"
	"strings"
	"time"

	"github.com/bwmarrin/snowflake"
	auditdomain "github.com/quillora/quillbill/internal/audit/domain"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

type Params struct {
	fx.In

	DB    *gorm.DB
	Log   *zap.Logger
	GenID *snowflake.Node
	Repo  auditdomain.Repository
}

type Service struct {
	db    *gorm.DB
	log   *zap.Logger
	genID *snowflake.Node
	repo  auditdomain.Repository
}

func NewService(p Params) auditdomain.Service {
	return &Service{
		db:    p.DB,
		log:   p.Log.Named("audit.service"),
		genID: p.GenID,
		repo:  p.Repo,
	}
}

func (s *Service) Record(ctx context.Context, entry auditdomain.Entry) error {
	action := strings.TrimSpace(entry.Action)
	if action == "" {
		return auditdomain.ErrInvalidAction
	}
	actorID := strings.TrimSpace(entry.ActorID)
	if actorID == "" {
		return auditdomain.ErrInvalidActor
	}

	actorType := entry.ActorType
	if actorType == "" {
		actorType = auditdomain.ActorTypeSystem
	}
	targetType := strings.TrimSpace(entry.TargetType)
	if targetType == "" {
		targetType = "unknown"
	}
	outcome := entry.Outcome
	if outcome == "" {
		outcome = auditdomain.OutcomeSuccess
	}

	record := auditdomain.AuditRecord{
		ID:            s.genID.Generate(),
		ActorType:     actorType,
		ActorID:       actorID,
		Action:        action,
		TargetType:    targetType,
		PreviousValue: datatypes.JSONMap(entry.PreviousValue),
		NewValue:      datatypes.JSONMap(entry.NewValue),
		Outcome:       outcome,
		Metadata:      datatypes.JSONMap(entry.Metadata),
		CreatedAt:     time.Now().UTC(),
	}
	if targetID := strings.TrimSpace(entry.TargetID); targetID != "" {
		record.TargetID = &targetID
	}

	if err := s.repo.Insert(ctx, s.db, &record); err != nil {
		s.log.Warn("failed to write audit record",
			zap.String("action", action),
			zap.String("target_type", targetType),
			zap.Error(err),
		)
		return err
	}
	return nil
}

func (s *Service) List(ctx context.Context, req auditdomain.ListRequest) ([]auditdomain.AuditRecord, error) {
	if req.StartAt != nil && req.EndAt != nil && req.StartAt.After(*req.EndAt) {
		return nil, auditdomain.ErrInvalidTimeRange
	}
	return s.repo.List(ctx, s.db, req)
}
