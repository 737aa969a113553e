package main

import (
	"os"
	"strconv"

	"github.com/bwmarrin/snowflake"
	"github.com/labfoundry/chargeback/internal/audit"
	"github.com/labfoundry/chargeback/internal/authorization"
	"github.com/labfoundry/chargeback/internal/billingrun"
	"github.com/labfoundry/chargeback/internal/cache"
	"github.com/labfoundry/chargeback/internal/clock"
	"github.com/labfoundry/chargeback/internal/config"
	"github.com/labfoundry/chargeback/internal/identity"
	"github.com/labfoundry/chargeback/internal/invoice"
	"github.com/labfoundry/chargeback/internal/ledger"
	"github.com/labfoundry/chargeback/internal/logger"
	"github.com/labfoundry/chargeback/internal/metrics"
	"github.com/labfoundry/chargeback/internal/migration"
	"github.com/labfoundry/chargeback/internal/observability"
	"github.com/labfoundry/chargeback/internal/product"
	"github.com/labfoundry/chargeback/internal/providers"
	"github.com/labfoundry/chargeback/internal/ratelimit"
	"github.com/labfoundry/chargeback/internal/scheduler"
	"github.com/labfoundry/chargeback/internal/server"
	"github.com/labfoundry/chargeback/internal/usage"
	"github.com/labfoundry/chargeback/pkg/db"
	"go.uber.org/fx"
)

func main() {
	app := fx.New(
		config.Module,
		logger.Module,
		observability.Module,
		metrics.Module,
		fx.Provide(RegisterSnowflake),
		db.Module,
		clock.Module,
		migration.Module,

		cache.Module,
		audit.Module,
		authorization.Module,
		identity.Module,
		product.Module,
		usage.Module,
		ledger.Module,
		invoice.Module,
		billingrun.Module,
		providers.Module,
		ratelimit.Module,
		scheduler.Module,

		server.Module,
	)
	app.Run()
}

func RegisterSnowflake() *snowflake.Node {
	nodeID := int64(1)
	if raw := os.Getenv("SNOWFLAKE_NODE_ID"); raw != "" {
		if parsed, err := strconv.ParseInt(raw, 10, 64); err == nil {
			nodeID = parsed
		}
	}
	node, err := snowflake.NewNode(nodeID)
	if err != nil {
		panic(err)
	}
	return node
}
