package server

import (
	"context"
	"net/http"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/quillora/quillbill/internal/audit"
	auditdomain "github.com/quillora/quillbill/internal/audit/domain"
	"github.com/quillora/quillbill/internal/config"
	"github.com/quillora/quillbill/internal/credit"
	creditdomain "github.com/quillora/quillbill/internal/credit/domain"
	obsmetrics "github.com/quillora/quillbill/internal/observability/metrics"
	"github.com/quillora/quillbill/internal/pricing"
	pricingdomain "github.com/quillora/quillbill/internal/pricing/domain"
	"github.com/quillora/quillbill/internal/ratelimit"
	"github.com/quillora/quillbill/internal/subscription"
	subscriptiondomain "github.com/quillora/quillbill/internal/subscription/domain"
	"github.com/quillora/quillbill/internal/tier"
	tierdomain "github.com/quillora/quillbill/internal/tier/domain"
	"github.com/quillora/quillbill/internal/tokenusage"
	usagedomain "github.com/quillora/quillbill/internal/tokenusage/domain"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

var Module = fx.Module("http.server",
	fx.Provide(NewEngine),
	audit.Module,
	credit.Module,
	pricing.Module,
	tokenusage.Module,
	subscription.Module,
	tier.Module,
	ratelimit.Module,
	fx.Invoke(NewServer),
	fx.Invoke(run),
)

func NewEngine(log *zap.Logger) *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(RequestIDMiddleware())
	r.Use(AccessLogMiddleware(log))
	r.Use(ErrorHandlingMiddleware())

	r.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
	r.GET("/metrics", gin.WrapH(promhttp.Handler()))

	return r
}

func run(lc fx.Lifecycle, r *gin.Engine, cfg config.Config) {
	srv := &http.Server{
		Addr:    cfg.HTTPAddr,
		Handler: r,
	}

	lc.Append(fx.Hook{
		OnStart: func(ctx context.Context) error {
			go func() {
				if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
					panic(err)
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

type Server struct {
	engine          *gin.Engine
	cfg             config.Config
	db              *gorm.DB
	log             *zap.Logger
	genID           *snowflake.Node
	auditSvc        auditdomain.Service
	creditSvc       creditdomain.Service
	pricingSvc      pricingdomain.Service
	usageSvc        usagedomain.Service
	subscriptionSvc subscriptiondomain.Service
	tierSvc         tierdomain.Service
	usageLimiter    *ratelimit.UsageLimiter
	obsMetrics      *obsmetrics.Metrics
}

type ServerParams struct {
	fx.In

	Gin             *gin.Engine
	Cfg             config.Config
	DB              *gorm.DB
	Log             *zap.Logger
	GenID           *snowflake.Node
	AuditSvc        auditdomain.Service
	CreditSvc       creditdomain.Service
	PricingSvc      pricingdomain.Service
	UsageSvc        usagedomain.Service
	SubscriptionSvc subscriptiondomain.Service
	TierSvc         tierdomain.Service
	UsageLimiter    *ratelimit.UsageLimiter `optional:"true"`
	ObsMetrics      *obsmetrics.Metrics     `optional:"true"`
}

func NewServer(p ServerParams) *Server {
	s := &Server{
		engine:          p.Gin,
		cfg:             p.Cfg,
		db:              p.DB,
		log:             p.Log.Named("http.server"),
		genID:           p.GenID,
		auditSvc:        p.AuditSvc,
		creditSvc:       p.CreditSvc,
		pricingSvc:      p.PricingSvc,
		usageSvc:        p.UsageSvc,
		subscriptionSvc: p.SubscriptionSvc,
		tierSvc:         p.TierSvc,
		usageLimiter:    p.UsageLimiter,
		obsMetrics:      p.ObsMetrics,
	}
	s.registerRoutes()
	return s
}

func (s *Server) registerRoutes() {
	v1 := s.engine.Group("/v1")
	{
		v1.POST("/usage", s.recordUsage)
		v1.GET("/users/:user_id/balance", s.getBalance)
		v1.GET("/users/:user_id/ledger", s.listLedgerEntries)
		v1.GET("/users/:user_id/usage", s.listUsage)
		v1.POST("/users/:user_id/change-tier", s.changeTier)

		v1.POST("/subscriptions", s.createSubscription)
		v1.POST("/subscriptions/:subscription_id/renew", s.renewSubscription)
	}

	admin := s.engine.Group("/v1/admin")
	{
		admin.POST("/credits/grants", s.grantBonusCredits)
		admin.POST("/credits/entries/:entry_id/reverse", s.reverseEntry)

		admin.GET("/tiers", s.listTiers)
		admin.GET("/tiers/:tier_name", s.getTier)
		admin.GET("/tiers/:tier_name/history", s.tierHistory)
		admin.POST("/tiers/:tier_name/credits/preview", s.previewTierUpdate)
		admin.POST("/tiers/:tier_name/credits/validate", s.validateTierUpdate)
		admin.POST("/tiers/:tier_name/credits", s.applyTierUpdate)
		admin.POST("/tiers/:tier_name/credits/schedule", s.scheduleTierRollout)

		admin.GET("/pricing-configs", s.listPricingConfigs)
		admin.POST("/pricing-configs", s.proposePricingConfig)
		admin.POST("/pricing-configs/:config_id/approve", s.approvePricingConfig)

		admin.GET("/audit-logs", s.listAuditLogs)
	}
}
