// Package authorization decides whether an actor may perform a billing
// operation for a facility. The ledger and invoice engines only record who
// acted; this package answers whether they were allowed to.
package authorization

import (
	"context"
	_ "embed"
	"errors"
	"fmt"
	"strings"

	"github.com/bwmarrin/snowflake"
	"github.com/casbin/casbin/v2"
	"github.com/casbin/casbin/v2/model"
	gormadapter "github.com/casbin/gorm-adapter/v3"
	auditdomain "github.com/labfoundry/chargeback/internal/audit/domain"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

//go:embed model.conf
var modelText string

const (
	ObjectProduct       = "product"
	ObjectUsage         = "usage"
	ObjectBillingRecord = "billing_record"
	ObjectInvoice       = "invoice"
	ObjectAuditLog      = "audit_log"
)

const (
	ActionProductCreate = "product.create"
	ActionProductRetire = "product.retire"
	ActionRateCreate    = "rate.create"

	ActionUsageRecord = "usage.record"
	ActionUsageSplit  = "usage.split"

	ActionTransactionAdd    = "transaction.add"
	ActionTransactionRemove = "transaction.remove"

	ActionInvoiceGenerate = "invoice.generate"
	ActionInvoiceReissue  = "invoice.reissue"
	ActionInvoiceAnnotate = "invoice.annotate"
	ActionInvoiceView     = "invoice.view"

	ActionAuditLogView = "audit_log.view"
)

const (
	RoleSystem        = "role:system"
	RoleFacilityAdmin = "role:facility_admin"
	RoleLabAdmin      = "role:lab_admin"
)

var (
	ErrForbidden     = errors.New("forbidden")
	ErrInvalidActor  = errors.New("invalid_actor")
	ErrInvalidObject = errors.New("invalid_object")
	ErrInvalidAction = errors.New("invalid_action")
)

type Service interface {
	Authorize(ctx context.Context, actorID string, facilityID snowflake.ID, object, action string) error
	GrantRole(ctx context.Context, actorID, role string, facilityID snowflake.ID) error
}

type Params struct {
	fx.In

	Log      *zap.Logger
	Enforcer *casbin.SyncedEnforcer
	AuditSvc auditdomain.Service `optional:"true"`
}

type ServiceImpl struct {
	log      *zap.Logger
	enforcer *casbin.SyncedEnforcer
	auditSvc auditdomain.Service
}

func NewEnforcer(db *gorm.DB) (*casbin.SyncedEnforcer, error) {
	adapter, err := gormadapter.NewAdapterByDB(db)
	if err != nil {
		return nil, err
	}
	m, err := model.NewModelFromString(modelText)
	if err != nil {
		return nil, err
	}
	enforcer, err := casbin.NewSyncedEnforcer(m, adapter)
	if err != nil {
		return nil, err
	}
	enforcer.EnableAutoSave(true)
	enforcer.EnableAutoBuildRoleLinks(true)
	if err := enforcer.LoadPolicy(); err != nil {
		return nil, err
	}
	if err := seedPolicies(enforcer); err != nil {
		return nil, err
	}
	if err := enforcer.BuildRoleLinks(); err != nil {
		return nil, err
	}
	return enforcer, nil
}

func seedPolicies(enforcer *casbin.SyncedEnforcer) error {
	policies := [][]string{
		{RoleSystem, "*", ObjectProduct, ActionProductCreate},
		{RoleSystem, "*", ObjectProduct, ActionProductRetire},
		{RoleSystem, "*", ObjectProduct, ActionRateCreate},
		{RoleSystem, "*", ObjectUsage, ActionUsageRecord},
		{RoleSystem, "*", ObjectUsage, ActionUsageSplit},
		{RoleSystem, "*", ObjectBillingRecord, ActionTransactionAdd},
		{RoleSystem, "*", ObjectBillingRecord, ActionTransactionRemove},
		{RoleSystem, "*", ObjectInvoice, ActionInvoiceGenerate},
		{RoleSystem, "*", ObjectInvoice, ActionInvoiceReissue},
		{RoleSystem, "*", ObjectInvoice, ActionInvoiceAnnotate},
		{RoleSystem, "*", ObjectInvoice, ActionInvoiceView},
		{RoleSystem, "*", ObjectAuditLog, ActionAuditLogView},

		{RoleFacilityAdmin, "*", ObjectProduct, ActionProductCreate},
		{RoleFacilityAdmin, "*", ObjectProduct, ActionProductRetire},
		{RoleFacilityAdmin, "*", ObjectProduct, ActionRateCreate},
		{RoleFacilityAdmin, "*", ObjectUsage, ActionUsageRecord},
		{RoleFacilityAdmin, "*", ObjectUsage, ActionUsageSplit},
		{RoleFacilityAdmin, "*", ObjectBillingRecord, ActionTransactionAdd},
		{RoleFacilityAdmin, "*", ObjectBillingRecord, ActionTransactionRemove},
		{RoleFacilityAdmin, "*", ObjectInvoice, ActionInvoiceGenerate},
		{RoleFacilityAdmin, "*", ObjectInvoice, ActionInvoiceReissue},
		{RoleFacilityAdmin, "*", ObjectInvoice, ActionInvoiceAnnotate},
		{RoleFacilityAdmin, "*", ObjectInvoice, ActionInvoiceView},
		{RoleFacilityAdmin, "*", ObjectAuditLog, ActionAuditLogView},

		{RoleLabAdmin, "*", ObjectInvoice, ActionInvoiceView},
	}
	for _, policy := range policies {
		if _, err := enforcer.AddPolicy(policy[0], policy[1], policy[2], policy[3]); err != nil {
			return err
		}
	}
	return nil
}

func NewService(p Params) Service {
	return &ServiceImpl{
		log:      p.Log.Named("authorization.service"),
		enforcer: p.Enforcer,
		auditSvc: p.AuditSvc,
	}
}

func (s *ServiceImpl) Authorize(ctx context.Context, actorID string, facilityID snowflake.ID, object, action string) error {
	actorID = strings.TrimSpace(actorID)
	if actorID == "" {
		return ErrInvalidActor
	}
	object = strings.TrimSpace(object)
	if object == "" {
		return ErrInvalidObject
	}
	action = strings.TrimSpace(action)
	if action == "" {
		return ErrInvalidAction
	}

	subject := actorID
	if actorID == "system" {
		subject = RoleSystem
	}

	domain := facilityDomain(facilityID)
	allowed, err := s.enforcer.Enforce(subject, domain, object, action)
	if err != nil {
		return err
	}
	if !allowed {
		s.auditDenied(ctx, actorID, facilityID, object, action)
		return ErrForbidden
	}
	return nil
}

func (s *ServiceImpl) GrantRole(ctx context.Context, actorID, role string, facilityID snowflake.ID) error {
	actorID = strings.TrimSpace(actorID)
	if actorID == "" {
		return ErrInvalidActor
	}
	_, err := s.enforcer.AddGroupingPolicy(actorID, role, facilityDomain(facilityID))
	return err
}

func (s *ServiceImpl) auditDenied(ctx context.Context, actorID string, facilityID snowflake.ID, object, action string) {
	if s.auditSvc == nil {
		return
	}
	targetID := facilityID.String()
	_ = s.auditSvc.Record(ctx, actorID, "authorization.denied", object, &targetID, map[string]any{
		"action": action,
	})
}

func facilityDomain(facilityID snowflake.ID) string {
	return fmt.Sprintf("facility:%s", facilityID.String())
}

var Module = fx.Module("authorization",
	fx.Provide(NewEnforcer),
	fx.Provide(NewService),
)
