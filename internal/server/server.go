// Package server exposes the billing core over HTTP.
package server

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	auditdomain "github.com/labfoundry/chargeback/internal/audit/domain"
	"github.com/labfoundry/chargeback/internal/authorization"
	billingrundomain "github.com/labfoundry/chargeback/internal/billingrun/domain"
	"github.com/labfoundry/chargeback/internal/config"
	identitydomain "github.com/labfoundry/chargeback/internal/identity/domain"
	invoicedomain "github.com/labfoundry/chargeback/internal/invoice/domain"
	"github.com/labfoundry/chargeback/internal/invoice/render"
	ledgerdomain "github.com/labfoundry/chargeback/internal/ledger/domain"
	"github.com/labfoundry/chargeback/internal/metrics"
	"github.com/labfoundry/chargeback/internal/observability"
	productdomain "github.com/labfoundry/chargeback/internal/product/domain"
	"github.com/labfoundry/chargeback/internal/ratelimit"
	usagedomain "github.com/labfoundry/chargeback/internal/usage/domain"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

type Server struct {
	log        *zap.Logger
	productSvc productdomain.Service
	usageSvc   usagedomain.Service
	ledgerSvc  ledgerdomain.Service
	invoiceSvc invoicedomain.Service
	runSvc     billingrundomain.Service
	auditSvc   auditdomain.Service
	authSvc    authorization.Service
	directory  identitydomain.Directory
	renderer   *render.PDFRenderer
	limiter    *ratelimit.UsageIngestLimiter
	metrics    *metrics.Metrics
}

type ServerParam struct {
	fx.In

	Log        *zap.Logger
	ProductSvc productdomain.Service
	UsageSvc   usagedomain.Service
	LedgerSvc  ledgerdomain.Service
	InvoiceSvc invoicedomain.Service
	RunSvc     billingrundomain.Service
	AuditSvc   auditdomain.Service
	AuthSvc    authorization.Service
	Directory  identitydomain.Directory
	Renderer   *render.PDFRenderer
	Limiter    *ratelimit.UsageIngestLimiter `optional:"true"`
	Metrics    *metrics.Metrics
	Engine     *gin.Engine
}

func NewServer(p ServerParam) *Server {
	s := &Server{
		log:        p.Log.Named("http.server"),
		productSvc: p.ProductSvc,
		usageSvc:   p.UsageSvc,
		ledgerSvc:  p.LedgerSvc,
		invoiceSvc: p.InvoiceSvc,
		runSvc:     p.RunSvc,
		auditSvc:   p.AuditSvc,
		authSvc:    p.AuthSvc,
		directory:  p.Directory,
		renderer:   p.Renderer,
		limiter:    p.Limiter,
		metrics:    p.Metrics,
	}
	s.registerRoutes(p.Engine)
	return s
}

func (s *Server) registerRoutes(r *gin.Engine) {
	v1 := r.Group("/v1", ActorMiddleware())

	v1.POST("/products", s.RegisterProduct)
	v1.GET("/products", s.ListProducts)
	v1.GET("/products/:id", s.GetProduct)
	v1.POST("/products/:id/rates", s.AddRate)
	v1.GET("/products/:id/rate", s.GetRate)
	v1.POST("/products/:id/retire", s.RetireProduct)

	v1.POST("/usage", s.UsageRateLimit(), s.RecordUsage)
	v1.GET("/usage/:id", s.GetUsage)
	v1.DELETE("/usage/:id", s.DeleteUsage)
	v1.POST("/usage/:id/charge", s.ChargeUsage)
	v1.POST("/usage/:id/split", s.SplitUsage)

	v1.GET("/billing-records", s.ListBillingRecords)
	v1.GET("/billing-records/:id", s.GetBillingRecord)
	v1.GET("/billing-records/:id/transactions", s.ListTransactions)
	v1.POST("/billing-records/:id/transactions", s.AddTransaction)
	v1.POST("/billing-records/:id/verify", s.VerifyBillingRecord)
	v1.DELETE("/transactions/:id", s.RemoveTransaction)

	v1.POST("/invoices/runs", s.GenerateInvoiceRun)
	v1.POST("/invoices", s.GenerateInvoice)
	v1.GET("/invoices", s.ListInvoices)
	v1.GET("/invoices/:id", s.GetInvoice)
	v1.GET("/invoices/:id/pdf", s.GetInvoicePDF)
	v1.POST("/invoices/:id/reissue", s.ReissueInvoice)
	v1.GET("/invoices/:id/notes", s.ListInvoiceNotes)
	v1.POST("/invoices/:id/notes", s.AddInvoiceNote)
	v1.PUT("/invoices/:id/instructions", s.SetInvoiceInstructions)

	v1.GET("/audit-logs", s.ListAuditLogs)
}

func NewEngine(log *zap.Logger, m *metrics.Metrics) *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(RequestLogger(log))
	r.Use(observability.GinMiddleware())
	r.Use(ErrorHandlingMiddleware())

	r.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
	r.GET("/metrics", gin.WrapH(promhttp.HandlerFor(m.Registry, promhttp.HandlerOpts{})))

	return r
}

func run(lc fx.Lifecycle, cfg config.Config, r *gin.Engine, log *zap.Logger) {
	srv := &http.Server{
		Addr:    cfg.HTTPAddr,
		Handler: r,
	}

	lc.Append(fx.Hook{
		OnStart: func(ctx context.Context) error {
			log.Info("http server listening", zap.String("addr", cfg.HTTPAddr))
			go func() {
				if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
					log.Fatal("http server failed", zap.Error(err))
				}
			}()
			return nil
		},
		OnStop: func(ctx context.Context) error {
			shutdownCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
			defer cancel()
			return srv.Shutdown(shutdownCtx)
		},
	})
}

var Module = fx.Module("http.server",
	fx.Provide(NewEngine),
	fx.Invoke(NewServer),
	fx.Invoke(run),
)
