package server

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/smallbiznis/creditledger/internal/allocation"
	allocationdomain "github.com/smallbiznis/creditledger/internal/allocation/domain"
	"github.com/smallbiznis/creditledger/internal/audit"
	auditdomain "github.com/smallbiznis/creditledger/internal/audit/domain"
	"github.com/smallbiznis/creditledger/internal/clock"
	"github.com/smallbiznis/creditledger/internal/config"
	"github.com/smallbiznis/creditledger/internal/ledger"
	ledgerdomain "github.com/smallbiznis/creditledger/internal/ledger/domain"
	"github.com/smallbiznis/creditledger/internal/metering"
	meteringdomain "github.com/smallbiznis/creditledger/internal/metering/domain"
	"github.com/smallbiznis/creditledger/internal/observability"
	obslogger "github.com/smallbiznis/creditledger/internal/observability/logger"
	obsmetrics "github.com/smallbiznis/creditledger/internal/observability/metrics"
	obstracing "github.com/smallbiznis/creditledger/internal/observability/tracing"
	"github.com/smallbiznis/creditledger/internal/ratelimit"
	"github.com/smallbiznis/creditledger/internal/topup"
	topupdomain "github.com/smallbiznis/creditledger/internal/topup/domain"
	"github.com/smallbiznis/creditledger/internal/usage"
	usagedomain "github.com/smallbiznis/creditledger/internal/usage/domain"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

var Module = fx.Module("http.server",
	fx.Provide(registerGin),
	ledger.Module,
	allocation.Module,
	metering.Module,
	topup.Module,
	usage.Module,
	ratelimit.Module,
	audit.Module,
	fx.Invoke(NewServer),
	fx.Invoke(run),
)

func NewEngine(obsCfg observability.Config, httpMetrics *obsmetrics.HTTPMetrics) *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(obslogger.GinMiddleware(obslogger.MiddlewareConfig{
		Debug:           obsCfg.Debug(),
		ErrorClassifier: classifyErrorForLog,
	}))
	r.Use(obstracing.GinMiddleware())
	r.Use(obsmetrics.GinMiddleware(httpMetrics))
	r.Use(ErrorHandlingMiddleware())

	r.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
	r.GET("/metrics", gin.WrapH(promhttp.Handler()))

	return r
}

func registerGin(obsCfg observability.Config, httpMetrics *obsmetrics.HTTPMetrics) *gin.Engine {
	if !obsCfg.Debug() {
		gin.SetMode(gin.ReleaseMode)
	}
	return NewEngine(obsCfg, httpMetrics)
}

func run(lc fx.Lifecycle, cfg config.Config, r *gin.Engine, log *zap.Logger) {
	addr := cfg.HTTPAddr
	if addr == "" {
		addr = ":8080"
	}
	srv := &http.Server{
		Addr:    addr,
		Handler: r,
	}

	lc.Append(fx.Hook{
		OnStart: func(ctx context.Context) error {
			log.Info("http server listening", zap.String("addr", addr))
			go func() {
				if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
					log.Fatal("http server stopped", zap.Error(err))
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
	engine *gin.Engine
	log    *zap.Logger
	clock  clock.Clock

	ledgerSvc     ledgerdomain.Service
	provisioner   ledgerdomain.Provisioner
	allocationSvc allocationdomain.Service
	meteringSvc   meteringdomain.Service
	topupSvc      topupdomain.Service
	usageSvc      usagedomain.Service
	auditSvc      auditdomain.Service

	sessionLimiter *ratelimit.SessionLimiter
	obsMetrics     *obsmetrics.Metrics
	policy         *config.MeteringConfigHolder
}

type ServerParams struct {
	fx.In

	Gin   *gin.Engine
	Log   *zap.Logger
	Clock clock.Clock `optional:"true"`

	LedgerSvc     ledgerdomain.Service
	Provisioner   ledgerdomain.Provisioner
	AllocationSvc allocationdomain.Service
	MeteringSvc   meteringdomain.Service
	TopupSvc      topupdomain.Service
	UsageSvc      usagedomain.Service
	AuditSvc      auditdomain.Service `optional:"true"`

	SessionLimiter *ratelimit.SessionLimiter     `optional:"true"`
	ObsMetrics     *obsmetrics.Metrics           `optional:"true"`
	Policy         *config.MeteringConfigHolder `optional:"true"`
}

func NewServer(p ServerParams) *Server {
	c := p.Clock
	if c == nil {
		c = clock.SystemClock{}
	}
	svc := &Server{
		engine:         p.Gin,
		log:            p.Log.Named("http"),
		clock:          c,
		ledgerSvc:      p.LedgerSvc,
		provisioner:    p.Provisioner,
		allocationSvc:  p.AllocationSvc,
		meteringSvc:    p.MeteringSvc,
		topupSvc:       p.TopupSvc,
		usageSvc:       p.UsageSvc,
		auditSvc:       p.AuditSvc,
		sessionLimiter: p.SessionLimiter,
		obsMetrics:     p.ObsMetrics,
		policy:         p.Policy,
	}

	svc.registerAPIRoutes()
	svc.registerWebhookRoutes()
	svc.registerAdminRoutes()

	return svc
}

func (s *Server) Engine() *gin.Engine {
	return s.engine
}

func (s *Server) registerAPIRoutes() {
	api := s.engine.Group("")
	api.Use(SubjectRequired())
	{
		api.GET("/credit-status", s.GetCreditStatus)
		api.GET("/credit-history", s.GetCreditHistory)
		api.GET("/usage", s.GetUsage)
	}

	session := api.Group("/session")
	session.Use(s.SessionRateLimit())
	{
		session.POST("/start", s.StartSession)
		session.POST("/tick", s.TickSession)
		session.POST("/end", s.EndSession)
		session.GET("/:session_id", s.GetSession)
	}

	org := api.Group("/org")
	{
		org.POST("/allocate", s.Allocate)
		org.POST("/members", s.AddMember)
		org.DELETE("/members/:member_id", s.RemoveMember)
		org.GET("/allocations", s.ListAllocations)
	}
}

func (s *Server) registerWebhookRoutes() {
	s.engine.POST("/webhook/payment/:provider", s.HandlePaymentWebhook)
}

// registerAdminRoutes exposes provisioning to the upstream routing layer,
// which is responsible for restricting access to it.
func (s *Server) registerAdminRoutes() {
	admin := s.engine.Group("/admin")
	{
		admin.POST("/accounts", s.ProvisionAccount)
		admin.GET("/accounts/:id", s.GetAccount)
		admin.POST("/accounts/:id/adjustments", s.AdjustAccount)
		admin.POST("/accounts/:id/topups", s.TopupAccount)
		admin.POST("/accounts/:id/deactivate", s.DeactivateAccount)
		admin.GET("/audit-logs", s.ListAuditLogs)
	}
}
