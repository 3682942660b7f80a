package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	_ "github.com/lib/pq"

	"github.com/pesaloop/pesaloop-backend/internal/cache"
	"github.com/pesaloop/pesaloop-backend/internal/config"
	"github.com/pesaloop/pesaloop-backend/internal/domain"
	"github.com/pesaloop/pesaloop-backend/internal/fees"
	"github.com/pesaloop/pesaloop-backend/internal/fx"
	"github.com/pesaloop/pesaloop-backend/internal/handler"
	"github.com/pesaloop/pesaloop-backend/internal/ledger"
	"github.com/pesaloop/pesaloop-backend/internal/logging"
	"github.com/pesaloop/pesaloop-backend/internal/middleware"
	"github.com/pesaloop/pesaloop-backend/internal/notify"
	"github.com/pesaloop/pesaloop-backend/internal/rbac"
	"github.com/pesaloop/pesaloop-backend/internal/reference"
	"github.com/pesaloop/pesaloop-backend/internal/repository"
	"github.com/pesaloop/pesaloop-backend/internal/service/credit"
	"github.com/pesaloop/pesaloop-backend/internal/service/forex"
	"github.com/pesaloop/pesaloop-backend/internal/service/payment"
	"github.com/pesaloop/pesaloop-backend/internal/service/topup"
	"github.com/pesaloop/pesaloop-backend/internal/vault"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		slog.Error("failed to load config", "error", err)
		os.Exit(1)
	}

	logging.Init("pesaloop-api", cfg.LogLevel, cfg.AppEnv)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	pool, err := repository.NewPostgresDB(ctx, cfg.DatabaseURL, repository.PoolConfig{
		MaxOpenConns:     cfg.DBMaxOpenConns,
		MaxIdleConns:     cfg.DBMaxIdleConns,
		ConnMaxLifetimeS: cfg.DBConnMaxLifetimeS,
	})
	if err != nil {
		slog.Error("failed to connect to database", "error", err)
		os.Exit(1)
	}
	defer pool.Close()

	cipher, err := vault.NewCipher(cfg.EncryptionKey)
	if err != nil {
		slog.Error("failed to initialize field cipher", "error", err)
		os.Exit(1)
	}

	db := repository.NewDB(pool)
	walletRepo := repository.NewWalletRepository(pool, cipher)
	txRepo := repository.NewTransactionRepository(pool, cipher)
	auditRepo := repository.NewAuditRepository(pool)
	requestRepo := repository.NewRequestRepository(pool)
	exchangeRepo := repository.NewExchangeRepository(pool)
	snapshotRepo := repository.NewSnapshotRepository(pool)
	loanRepo := repository.NewLoanRepository(pool)
	userRepo := repository.NewUserRepository(pool)
	rbacRepo := repository.NewRBACRepository(pool)

	redisClient := cache.NewClient(cfg.RedisAddr, cfg.RedisPass, cfg.RedisDB)
	defer redisClient.Close()

	permCache := cache.NewPermissionCache(redisClient)
	refs := reference.New(cache.NewSequencer(redisClient))

	if err := seedRBAC(ctx, rbacRepo); err != nil {
		slog.Error("failed to seed rbac catalog", "error", err)
		os.Exit(1)
	}

	resolver := rbac.NewResolver(rbacRepo, permCache, cfg.PermissionCacheTTL, cfg.BusinessHoursStart, cfg.BusinessHoursEnd)
	roleSvc := rbac.NewRoleService(rbacRepo, resolver)

	rateSource := fx.NewAPISource(cfg.RateSourceURL, cfg.RateSourceKey, cfg.RateSourceTimeout)
	rateSvc := fx.NewService(rateSource, snapshotRepo, cfg.ExchangeFeePct, cfg.RateRefreshInterval)
	if err := rateSvc.Bootstrap(ctx); err != nil {
		slog.Warn("rate bootstrap failed, quotes unavailable until first refresh", "error", err)
	}
	go rateSvc.StartRefresher(ctx)

	dispatcher := notify.NewAsyncDispatcher(notify.NewLogSink(slog.Default()), 256)
	dispatcher.Start(ctx)
	defer dispatcher.Stop()

	ledgerSvc := ledger.NewService(db, walletRepo, txRepo, auditRepo, payment.SystemUserID)
	feeCalc := fees.NewCalculator(cfg.FeeConfig())

	paymentSvc := payment.NewService(userRepo, requestRepo, ledgerSvc, feeCalc, refs, dispatcher, cfg)
	forexSvc := forex.NewService(userRepo, exchangeRepo, txRepo, ledgerSvc, rateSvc, refs, dispatcher)
	topupSvc := topup.NewService(userRepo, txRepo, ledgerSvc, topup.NewDarajaGateway(cfg), refs, dispatcher, cfg)
	creditSvc := credit.NewService(userRepo, loanRepo, txRepo, ledgerSvc, refs, dispatcher)

	router := newRouter(cfg, resolver, userRepo,
		handler.NewHealthHandler(pool, redisClient),
		handler.NewWalletHandler(ledgerSvc, txRepo, auditRepo),
		handler.NewPaymentHandler(paymentSvc),
		handler.NewForexHandler(forexSvc, rateSvc),
		handler.NewTopUpHandler(topupSvc),
		handler.NewCreditHandler(creditSvc),
		handler.NewRBACHandler(resolver, roleSvc),
	)

	addr := fmt.Sprintf(":%d", cfg.Port)
	srv := &http.Server{
		Addr:              addr,
		Handler:           router,
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      15 * time.Second,
		IdleTimeout:       60 * time.Second,
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		slog.Info("server started", "addr", addr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			slog.Error("server error", "error", err)
			os.Exit(1)
		}
	}()

	<-ctx.Done()

	slog.Info("shutting down server")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Error("server forced to shutdown", "error", err)
		os.Exit(1)
	}
	slog.Info("server stopped")
}

func newRouter(
	cfg *config.Config,
	resolver *rbac.Resolver,
	userRepo *repository.UserRepository,
	health *handler.HealthHandler,
	wallets *handler.WalletHandler,
	payments *handler.PaymentHandler,
	forexH *handler.ForexHandler,
	topups *handler.TopUpHandler,
	loans *handler.CreditHandler,
	roles *handler.RBACHandler,
) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Tracing, middleware.Logging, middleware.Recovery)

	r.Get("/health/live", health.Liveness)
	r.Get("/health/ready", health.Readiness)

	// Provider callbacks authenticate via the signed token in the
	// callback URL, not via user JWTs.
	r.Post("/api/v1/topups/mpesa/callback", topups.STKCallback)
	r.Post("/api/v1/topups/mpesa/c2b", topups.C2BConfirmation)

	r.Route("/api/v1", func(r chi.Router) {
		r.Use(middleware.Auth(cfg.JWTSecret), middleware.LoadUser(userRepo))

		guard := func(codename string, method domain.PermissionMethod) func(http.Handler) http.Handler {
			return middleware.RequirePermission(resolver, rbac.Requirement{Codename: codename, Method: method})
		}

		r.Group(func(r chi.Router) {
			r.Use(guard("wallet", domain.MethodGet))
			r.Get("/wallets", wallets.List)
			r.Get("/wallets/{id}", wallets.Get)
		})
		r.With(guard("wallet", domain.MethodPatch)).Patch("/wallets/{id}/default", wallets.SetDefault)
		r.Group(func(r chi.Router) {
			r.Use(guard("transaction", domain.MethodGet))
			r.Get("/wallets/{id}/transactions", wallets.Transactions)
			r.Get("/wallets/{id}/statement", wallets.Statement)
		})
		r.With(guard("user", domain.MethodGet)).Post("/wallets/{id}/reconcile", wallets.Reconcile)

		r.With(guard("transfer", domain.MethodPost)).Post("/transfers", payments.Send)
		r.With(guard("payment_request", domain.MethodPost)).Post("/payment-requests", payments.CreateRequest)
		r.With(guard("payment_request", domain.MethodPatch)).Patch("/payment-requests/{id}", payments.ResolveRequest)
		r.With(guard("transaction", domain.MethodGet)).Get("/payment-requests", payments.ListRequests)

		r.With(guard("currency_exchange", domain.MethodPost)).Get("/exchanges/quote", forexH.Quote)
		r.With(guard("currency_exchange", domain.MethodPost)).Post("/exchanges", forexH.Exchange)
		r.With(guard("transaction", domain.MethodGet)).Get("/exchanges", forexH.List)

		r.With(guard("topup", domain.MethodPost)).Post("/topups", topups.Initiate)
		r.With(guard("transaction", domain.MethodGet)).Get("/topups/{reference}", topups.Status)

		r.With(guard("loan", domain.MethodPost)).Post("/loans", loans.Request)
		r.With(guard("loan", domain.MethodPost)).Get("/loans", loans.Outstanding)
		r.With(guard("loan", domain.MethodPost)).Post("/loans/{id}/repayments", loans.Repay)

		sensitiveLoan := middleware.RequirePermission(resolver, rbac.Requirement{
			Codename:          "loan_approval",
			Method:            domain.MethodPost,
			Sensitive:         true,
			BusinessHoursOnly: true,
		})
		r.With(sensitiveLoan).Post("/loans/{id}/approve", loans.Approve)
		r.With(sensitiveLoan).Post("/loans/{id}/reject", loans.Reject)
		r.With(sensitiveLoan).Post("/loans/{id}/disburse", loans.Disburse)

		r.Get("/permissions/me", roles.MyPermissions)
		manageRoles := middleware.RequirePermission(resolver, rbac.Requirement{
			Codename:  "role_management",
			Method:    domain.MethodPost,
			Sensitive: true,
		})
		r.With(manageRoles).Post("/roles/assign", roles.AssignRole)
		r.With(manageRoles).Post("/roles/revoke", roles.RevokeRole)
	})

	return r
}

// seedRBAC applies the static permission and role catalog. Safe to run
// on every boot; existing rows are left untouched.
func seedRBAC(ctx context.Context, repo *repository.RBACRepository) error {
	now := time.Now().UTC()

	var permissions []domain.Permission
	for _, def := range rbac.DefaultPermissions() {
		permissions = append(permissions, domain.Permission{
			ID:          uuid.New(),
			Name:        def.Name,
			Codename:    def.Codename,
			Method:      def.Method,
			Category:    def.Category,
			IsSensitive: def.IsSensitive,
			CreatedAt:   now,
		})
	}

	var roleDomains []domain.Role
	rolePerms := make(map[string][]string)
	for _, def := range rbac.DefaultRoles() {
		roleDomains = append(roleDomains, domain.Role{
			ID:          uuid.New(),
			Name:        def.Name,
			Description: def.Description,
			Level:       def.Level,
			IsDefault:   def.IsDefault,
			CreatedAt:   now,
		})
		rolePerms[def.Name] = def.Permissions
	}

	if err := repo.Seed(ctx, permissions, roleDomains, rolePerms); err != nil {
		return fmt.Errorf("seedRBAC: %w", err)
	}
	return nil
}
