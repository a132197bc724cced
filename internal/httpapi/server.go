// Package httpapi exposes the wallet, booking and guarantee fund operations over HTTP.
//
// Every request under /api is authenticated by a TAuth session cookie. Mutating requests carry
// their idempotency ref in the Idempotency-Key header; a retry with the same key replays the
// original result.
package httpapi

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/tyemirov/tauth/pkg/sessionvalidator"
	"go.uber.org/zap"

	"github.com/MarkoPoloResearchLab/rentalledger/pkg/escrow"
	"github.com/MarkoPoloResearchLab/rentalledger/pkg/fgo"
	"github.com/MarkoPoloResearchLab/rentalledger/pkg/ledger"
	"github.com/MarkoPoloResearchLab/rentalledger/pkg/pricing"
	"github.com/MarkoPoloResearchLab/rentalledger/pkg/risk"
)

const (
	claimsContextKey    = "auth_claims"
	idempotencyHeader   = "Idempotency-Key"
	shutdownTimeout     = 5 * time.Second
	defaultHistoryLimit = 50
)

// Config holds the HTTP surface settings.
type Config struct {
	ListenAddr        string
	AllowedOrigins    []string
	SessionSigningKey string
	SessionIssuer     string
	SessionCookieName string
	AdminUserIDs      []string
	HistoryLimit      int
}

// Services are the domain services behind the API.
type Services struct {
	Ledger  *ledger.Service
	Escrow  *escrow.Service
	Fund    *fgo.Service
	Risk    *risk.Service
	Pricing *pricing.Engine
}

// RequestObserver records request latency, typically to Prometheus.
type RequestObserver interface {
	ObserveHTTP(method string, route string, status int, elapsed time.Duration)
}

// FundObserver receives recalculated fund metrics.
type FundObserver interface {
	ObserveFund(metrics fgo.Metrics)
}

// Server wires the gin router to the services.
type Server struct {
	cfg          Config
	services     Services
	logger       *zap.Logger
	observer     RequestObserver
	fundObserver FundObserver
	metrics      http.Handler
	now          func() int64
	admins       map[string]struct{}
}

// Option customizes a Server.
type Option func(*Server)

// WithLogger sets the request logger.
func WithLogger(logger *zap.Logger) Option {
	return func(server *Server) {
		if logger != nil {
			server.logger = logger
		}
	}
}

// WithRequestObserver records every request.
func WithRequestObserver(observer RequestObserver) Option {
	return func(server *Server) {
		server.observer = observer
	}
}

// WithFundObserver reports metrics recalculated through the admin API.
func WithFundObserver(observer FundObserver) Option {
	return func(server *Server) {
		server.fundObserver = observer
	}
}

// WithMetricsHandler serves handler on /metrics.
func WithMetricsHandler(handler http.Handler) Option {
	return func(server *Server) {
		server.metrics = handler
	}
}

// WithClock overrides the clock used for quote timestamps.
func WithClock(now func() int64) Option {
	return func(server *Server) {
		if now != nil {
			server.now = now
		}
	}
}

// NewServer validates the services and returns a Server.
func NewServer(cfg Config, services Services, options ...Option) (*Server, error) {
	if services.Ledger == nil || services.Escrow == nil || services.Fund == nil || services.Risk == nil || services.Pricing == nil {
		return nil, fmt.Errorf("httpapi: ledger, escrow, fund, risk and pricing services are required")
	}
	if cfg.HistoryLimit <= 0 {
		cfg.HistoryLimit = defaultHistoryLimit
	}
	server := &Server{
		cfg:      cfg,
		services: services,
		logger:   zap.NewNop(),
		now:      func() int64 { return time.Now().UTC().Unix() },
		admins:   make(map[string]struct{}, len(cfg.AdminUserIDs)),
	}
	for _, option := range options {
		option(server)
	}
	for _, admin := range cfg.AdminUserIDs {
		server.admins[admin] = struct{}{}
	}
	return server, nil
}

// Run serves HTTP until ctx is cancelled.
func (server *Server) Run(ctx context.Context) error {
	validator, err := sessionvalidator.New(sessionvalidator.Config{
		SigningKey: []byte(server.cfg.SessionSigningKey),
		Issuer:     server.cfg.SessionIssuer,
		CookieName: server.cfg.SessionCookieName,
	})
	if err != nil {
		return fmt.Errorf("session validator: %w", err)
	}

	httpServer := &http.Server{
		Addr:              server.cfg.ListenAddr,
		Handler:           server.Router(validator),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		server.logger.Info("rentalledger api listening", zap.String("addr", server.cfg.ListenAddr))
		errCh <- httpServer.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if shutdownErr := httpServer.Shutdown(shutdownCtx); shutdownErr != nil {
			server.logger.Warn("server shutdown error", zap.Error(shutdownErr))
		}
		return nil
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	}
}

// Router builds the gin engine.
func (server *Server) Router(validator *sessionvalidator.Validator) *gin.Engine {
	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(server.observe)
	router.Use(cors.New(cors.Config{
		AllowOrigins:     server.cfg.AllowedOrigins,
		AllowMethods:     []string{"GET", "POST", "PUT", "OPTIONS"},
		AllowHeaders:     []string{"Content-Type", "Origin", "Accept", idempotencyHeader},
		AllowCredentials: true,
		MaxAge:           12 * time.Hour,
	}))

	router.GET("/healthz", func(ctx *gin.Context) {
		ctx.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
	if server.metrics != nil {
		router.GET("/metrics", gin.WrapH(server.metrics))
	}

	api := router.Group("/api")
	api.Use(validator.GinMiddleware(claimsContextKey))

	api.GET("/session", server.handleSession)
	api.GET("/wallet", server.handleWallet)
	api.POST("/deposits", server.handleDeposit)
	api.POST("/transfers", server.handleTransfer)
	api.POST("/withdrawals", server.handleRequestWithdrawal)
	api.GET("/withdrawals/:id", server.handleGetWithdrawal)

	api.POST("/quotes", server.handleQuote)

	api.POST("/bookings", server.handleCreateBooking)
	api.GET("/bookings/:id", server.handleGetBooking)
	api.GET("/bookings/:id/cancel-fee", server.handleCancelFee)
	api.POST("/bookings/:id/lock", server.handleLock)
	api.POST("/bookings/:id/requote", server.handleRequote)
	api.POST("/bookings/:id/confirm-payment", server.handleConfirmPayment)
	api.POST("/bookings/:id/confirm-delivery", server.handleConfirmDelivery)
	api.POST("/bookings/:id/complete", server.handleCompleteTrip)
	api.POST("/bookings/:id/release-deposit", server.handleReleaseDeposit)
	api.POST("/bookings/:id/cancel", server.handleCancel)
	api.POST("/bookings/:id/damage", server.handleReportDamage)

	admin := api.Group("/admin")
	admin.Use(server.requireAdmin)
	admin.POST("/deposits/:id/confirm", server.handleConfirmDeposit)
	admin.POST("/withdrawals/:id/approve", server.handleApproveWithdrawal)
	admin.POST("/withdrawals/:id/process", server.handleProcessWithdrawal)
	admin.POST("/withdrawals/:id/complete", server.handleCompleteWithdrawal)
	admin.POST("/withdrawals/:id/fail", server.handleFailWithdrawal)
	admin.POST("/withdrawals/:id/reject", server.handleRejectWithdrawal)
	admin.POST("/credits", server.handleCredit)
	admin.GET("/ledger/refs/:ref", server.handleAuditRef)
	admin.GET("/bookings/:id/transitions", server.handleTransitions)
	admin.POST("/bookings/:id/resolution", server.handleDisputeResolution)
	admin.GET("/fund/subfunds", server.handleSubfunds)
	admin.GET("/fund/movements", server.handleMovements)
	admin.GET("/fund/metrics", server.handleLatestFundMetrics)
	admin.POST("/fund/metrics", server.handleRecalculateFundMetrics)
	admin.POST("/fund/alpha", server.handleAdjustAlpha)
	admin.GET("/fund/parameters", server.handleListParameters)
	admin.PUT("/fund/parameters", server.handleOverrideParameters)
	admin.POST("/fund/rebalance", server.handleRebalance)
	admin.GET("/risk/:id", server.handleRiskSnapshot)
	admin.POST("/risk/:id/flag", server.handleFlagSnapshot)
	admin.POST("/risk/:id/refresh", server.handleRefreshSnapshot)
	admin.POST("/pricing/demand/:region", server.handleUpdateDemand)
	admin.GET("/pricing/calculations/:id/replay", server.handleReplayCalculation)

	return router
}

func (server *Server) observe(ctx *gin.Context) {
	started := time.Now()
	ctx.Next()
	if server.observer == nil {
		return
	}
	route := ctx.FullPath()
	if route == "" {
		route = "unmatched"
	}
	server.observer.ObserveHTTP(ctx.Request.Method, route, ctx.Writer.Status(), time.Since(started))
}

func (server *Server) requireAdmin(ctx *gin.Context) {
	claims := getClaims(ctx)
	if claims == nil {
		ctx.AbortWithStatusJSON(http.StatusUnauthorized, failure(codeUnauthorized, "missing session"))
		return
	}
	if _, ok := server.admins[claims.GetUserID()]; !ok {
		ctx.AbortWithStatusJSON(http.StatusForbidden, failure(codeForbidden, "admin access required"))
		return
	}
	ctx.Next()
}

func (server *Server) handleSession(ctx *gin.Context) {
	claims := getClaims(ctx)
	if claims == nil {
		ctx.JSON(http.StatusUnauthorized, failure(codeUnauthorized, "missing session"))
		return
	}
	_, isAdmin := server.admins[claims.GetUserID()]
	ctx.JSON(http.StatusOK, success(gin.H{
		"user_id": claims.GetUserID(),
		"email":   claims.GetUserEmail(),
		"display": claims.GetUserDisplayName(),
		"roles":   claims.GetUserRoles(),
		"admin":   isAdmin,
		"expires": claims.GetExpiresAt().Unix(),
	}))
}

func getClaims(ctx *gin.Context) *sessionvalidator.Claims {
	claimsValue, ok := ctx.Get(claimsContextKey)
	if !ok {
		return nil
	}
	claims, _ := claimsValue.(*sessionvalidator.Claims)
	return claims
}

// sessionUser returns the authenticated user or writes a 401.
func sessionUser(ctx *gin.Context) (string, bool) {
	claims := getClaims(ctx)
	if claims == nil || claims.GetUserID() == "" {
		ctx.JSON(http.StatusUnauthorized, failure(codeUnauthorized, "missing session"))
		return "", false
	}
	return claims.GetUserID(), true
}

// requestRef reads the Idempotency-Key header or writes a 400.
func requestRef(ctx *gin.Context) (ledger.Ref, bool) {
	ref, err := ledger.NewRef(ctx.GetHeader(idempotencyHeader))
	if err != nil {
		ctx.JSON(http.StatusBadRequest, failure(ledger.CodeInvalidArgument, idempotencyHeader+" header is required"))
		return ledger.Ref{}, false
	}
	return ref, true
}

// bindJSON decodes the body or writes a 400.
func bindJSON(ctx *gin.Context, target any) bool {
	if err := ctx.ShouldBindJSON(target); err != nil {
		ctx.JSON(http.StatusBadRequest, failure(ledger.CodeInvalidArgument, "expected JSON body: "+err.Error()))
		return false
	}
	return true
}
