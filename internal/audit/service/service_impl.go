package service

import (
	"context"
	"strings"

	"github.com/bwmarrin/snowflake"
	auditdomain "github.com/labfoundry/chargeback/internal/audit/domain"
	"github.com/labfoundry/chargeback/internal/clock"
	"github.com/labfoundry/chargeback/pkg/db/option"
	"github.com/labfoundry/chargeback/pkg/repository"
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
	Clock clock.Clock
}

type Service struct {
	db    *gorm.DB
	log   *zap.Logger
	genID *snowflake.Node
	clock clock.Clock
	repo  repository.Repository[auditdomain.AuditLog]
}

func NewService(p Params) auditdomain.Service {
	return &Service{
		db:    p.DB,
		log:   p.Log.Named("audit.service"),
		genID: p.GenID,
		clock: p.Clock,
		repo:  repository.ProvideStore[auditdomain.AuditLog](p.DB),
	}
}

func (s *Service) Record(ctx context.Context, actorID, action, targetType string, targetID *string, metadata map[string]any) error {
	actorID = strings.TrimSpace(actorID)
	if actorID == "" {
		return auditdomain.ErrInvalidActor
	}
	action = strings.TrimSpace(action)
	if action == "" {
		return auditdomain.ErrInvalidAction
	}
	if targetType == "" {
		targetType = "unknown"
	}

	payload := datatypes.JSONMap{}
	for key, value := range metadata {
		if key == "" {
			continue
		}
		payload[key] = value
	}

	entry := auditdomain.AuditLog{
		ID:         s.genID.Generate(),
		ActorID:    actorID,
		Action:     action,
		TargetType: targetType,
		TargetID:   targetID,
		Metadata:   payload,
		CreatedAt:  s.clock.Now(),
	}
	if err := s.repo.Create(ctx, &entry); err != nil {
		s.log.Error("failed to write audit entry",
			zap.String("action", action),
			zap.Error(err),
		)
		return err
	}
	return nil
}

func (s *Service) List(ctx context.Context, req auditdomain.ListAuditLogRequest) (auditdomain.ListAuditLogResponse, error) {
	filter := &auditdomain.AuditLog{
		Action:     strings.TrimSpace(req.Action),
		TargetType: strings.TrimSpace(req.TargetType),
		ActorID:    strings.TrimSpace(req.ActorID),
	}
	if req.TargetID != "" {
		targetID := req.TargetID
		filter.TargetID = &targetID
	}

	options := []option.QueryOption{option.WithOrder("created_at DESC")}
	if req.StartAt != nil {
		options = append(options, option.ApplyOperator(option.Condition{
			Field:    "created_at",
			Operator: option.GTE,
			Value:    *req.StartAt,
		}))
	}
	if req.EndAt != nil {
		options = append(options, option.ApplyOperator(option.Condition{
			Field:    "created_at",
			Operator: option.LTE,
			Value:    *req.EndAt,
		}))
	}
	if req.Limit > 0 {
		options = append(options, option.WithLimit(req.Limit))
	}

	items, err := s.repo.Find(ctx, filter, options...)
	if err != nil {
		return auditdomain.ListAuditLogResponse{}, err
	}

	logs := make([]auditdomain.AuditLog, 0, len(items))
	for _, item := range items {
		if item == nil {
			continue
		}
		logs = append(logs, *item)
	}
	return auditdomain.ListAuditLogResponse{AuditLogs: logs}, nil
}
