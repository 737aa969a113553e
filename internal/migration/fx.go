package migration

import (
	"github.com/bwmarrin/snowflake"
	auditdomain "github.com/labfoundry/chargeback/internal/audit/domain"
	identitydomain "github.com/labfoundry/chargeback/internal/identity/domain"
	invoicedomain "github.com/labfoundry/chargeback/internal/invoice/domain"
	ledgerdomain "github.com/labfoundry/chargeback/internal/ledger/domain"
	productdomain "github.com/labfoundry/chargeback/internal/product/domain"
	"github.com/labfoundry/chargeback/internal/scheduler"
	"github.com/labfoundry/chargeback/internal/seed"
	usagedomain "github.com/labfoundry/chargeback/internal/usage/domain"
	"go.uber.org/fx"
	"gorm.io/gorm"
)

var Module = fx.Module("migrations",
	fx.Invoke(func(conn *gorm.DB, genID *snowflake.Node) error {
		// The versioned SQL migrations target postgres. Other dialects are
		// for development and tests, where the gorm schema is authoritative.
		if conn.Dialector.Name() == "postgres" {
			sqlDB, err := conn.DB()
			if err != nil {
				return err
			}
			if err := RunMigrations(sqlDB); err != nil {
				return err
			}
		} else {
			if err := conn.AutoMigrate(
				&identitydomain.Organization{},
				&identitydomain.User{},
				&identitydomain.Account{},
				&identitydomain.Facility{},
				&identitydomain.BillingContact{},
				&productdomain.Product{},
				&productdomain.Rate{},
				&usagedomain.UsageRecord{},
				&ledgerdomain.BillingRecord{},
				&ledgerdomain.Transaction{},
				&invoicedomain.Invoice{},
				&invoicedomain.InvoiceNote{},
				&auditdomain.AuditLog{},
				&scheduler.RunLog{},
			); err != nil {
				return err
			}
		}

		return seed.EnsureDefaultFacility(conn, genID)
	}),
)
