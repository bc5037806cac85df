package handlers

import (
	"net/http"
	"strings"

	"freedomtag/internal/auth"
	"freedomtag/internal/config"
	"freedomtag/internal/logging"
	"freedomtag/internal/metrics"
	"freedomtag/internal/middleware"
	"freedomtag/internal/websocket"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/ulule/limiter/v3"
)

// Deps are the collaborators the API needs. Limiter and Metrics may be nil.
type Deps struct {
	Config       config.Config
	Logger       logging.Logger
	Ledger       LedgerService
	Onboarding   OnboardingService
	Recurring    RecurringService
	Reconciler   ReconcileService
	Referrals    ReferralService
	Directory    DirectoryStore
	Transactions TransactionStore
	Wallets      WalletStore
	ReferralLog  ReferralStore
	Audit        AuditStore
	Webhook      PaymentWebhook
	Hub          *websocket.Hub
	Metrics      *metrics.Metrics
	Limiter      *limiter.Limiter
}

type Handler struct {
	cfg          config.Config
	logger       logging.Logger
	ledger       LedgerService
	onboarding   OnboardingService
	recurring    RecurringService
	reconciler   ReconcileService
	referrals    ReferralService
	directory    DirectoryStore
	transactions TransactionStore
	wallets      WalletStore
	referralLog  ReferralStore
	audit        AuditStore
	webhook      PaymentWebhook
	streams      *websocket.Upgrader
	metrics      *metrics.Metrics
	limiter      *limiter.Limiter
}

func New(deps Deps) *Handler {
	if deps.Logger == nil {
		deps.Logger = logging.Discard()
	}
	return &Handler{
		cfg:          deps.Config,
		logger:       deps.Logger,
		ledger:       deps.Ledger,
		onboarding:   deps.Onboarding,
		recurring:    deps.Recurring,
		reconciler:   deps.Reconciler,
		referrals:    deps.Referrals,
		directory:    deps.Directory,
		transactions: deps.Transactions,
		wallets:      deps.Wallets,
		referralLog:  deps.ReferralLog,
		audit:        deps.Audit,
		webhook:      deps.Webhook,
		streams:      websocket.NewUpgrader(deps.Hub, strings.Split(deps.Config.AllowedOrigins, ",")),
		metrics:      deps.Metrics,
		limiter:      deps.Limiter,
	}
}

func (h *Handler) Routes() http.Handler {
	router := chi.NewRouter()
	router.Use(chimiddleware.RequestID)
	router.Use(chimiddleware.RealIP)
	router.Use(chimiddleware.Logger)
	router.Use(chimiddleware.Recoverer)
	if h.metrics != nil {
		router.Use(h.metrics.Middleware)
	}
	router.Use(cors.Handler(cors.Options{
		AllowedOrigins:   strings.Split(h.cfg.AllowedOrigins, ","),
		AllowedMethods:   []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", "Idempotency-Key", "X-Request-ID"},
		AllowCredentials: true,
		MaxAge:           300,
	}))

	router.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		respondJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})
	if h.metrics != nil {
		router.Method(http.MethodGet, "/metrics", h.metrics.Handler())
	}

	router.Group(func(r chi.Router) {
		if h.limiter != nil {
			r.Use(middleware.RateLimit(h.limiter, h.logger))
		}
		r.Get("/tags/{code}", h.PublicTag)
		r.Post("/donations/tag/{code}", h.PublicDonation)
		r.Post("/webhooks/stripe", h.StripeWebhook)
	})

	router.Group(func(r chi.Router) {
		r.Use(middleware.Auth(h.cfg.JWTSecret))
		r.Get("/wallets/{id}", h.GetWallet)
		r.Get("/transactions", h.ListTransactions)
		r.Get("/leaderboard", h.Leaderboard)
		r.Get("/ws/balances", h.WSBalances)
		r.Post("/transfers", h.Transfer)
		r.With(middleware.RequireRole(auth.RolePhilanthropist)).Post("/donations", h.Donate)
		r.With(middleware.RequireRole(auth.RoleMerchant)).Post("/redemptions", h.Redeem)
		r.With(middleware.RequireRole(auth.RoleMerchant, auth.RoleOrganization)).Post("/payouts", h.Payout)

		r.With(middleware.RequireRole(auth.RoleOrganization)).Post("/tags", h.CreateTag)
		r.Post("/philanthropists", h.CreatePhilanthropist)
		r.Post("/organizations", h.CreateOrganization)
		r.With(middleware.RequireRole(auth.RoleMerchant)).Post("/outlets", h.CreateOutlet)

		r.Route("/recurring", func(r chi.Router) {
			r.Use(middleware.RequireRole(auth.RolePhilanthropist))
			r.Post("/", h.CreateRecurring)
			r.Get("/", h.ListRecurring)
			r.Post("/{id}/status", h.SetRecurringStatus)
		})
	})

	router.Route("/admin", func(r chi.Router) {
		r.Use(middleware.Auth(h.cfg.JWTSecret))
		r.Use(middleware.RequireAdmin())
		r.Post("/recurring/run", h.RunRecurring)
		r.Get("/reconcile", h.Reconcile)
		r.Post("/referrals/retry", h.RetryReferrals)
		r.Post("/fund", h.AdminFund)
		r.Post("/tags/{code}/verification", h.SetTagVerification)
		r.Get("/audit", h.ListAuditLogs)
		r.Get("/wallets", h.ListWallets)
		r.Get("/referrals", h.ListReferrals)
		r.Get("/transactions/export", h.ExportTransactions)
	})
	return router
}
