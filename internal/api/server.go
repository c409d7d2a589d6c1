package api

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/rs/zerolog/log"

	"solana-yield-agent/internal/balance"
	"solana-yield-agent/internal/chain"
	"solana-yield-agent/internal/health"
	"solana-yield-agent/internal/ledger"
	"solana-yield-agent/internal/prices"
	"solana-yield-agent/internal/queue"
	"solana-yield-agent/internal/scheduler"
	"solana-yield-agent/internal/storage"
	"solana-yield-agent/internal/wallet"
)

// callerHeader carries the authenticated caller's user ID, stamped by
// the front-end after it has verified the chat-platform identity.
const callerHeader = "X-User-ID"

// Status aggregates component snapshots for /status consumers (the
// dashboard and agentctl).
type Status struct {
	Scheduler scheduler.Stats     `json:"scheduler"`
	Queue     queue.Stats         `json:"queue"`
	Gate      chain.GateStats     `json:"gate"`
	Balances  balance.OracleStats `json:"balances"`
	Prices    prices.CacheStats   `json:"prices"`
	Ledger    ledger.LedgerStats  `json:"ledger"`
	Time      int64               `json:"time"`
}

// Providers are the snapshot sources behind /status and the tx
// inspection route. Nil funcs report zero values (503 for Tx), which
// keeps the server testable piecemeal.
type Providers struct {
	Scheduler func() scheduler.Stats
	Queue     func() queue.Stats
	Gate      func() chain.GateStats
	Balances  func() balance.OracleStats
	Prices    func() prices.CacheStats
	Ledger    func() ledger.LedgerStats
	Tx        func(ctx context.Context, signature string) (*chain.TxCheckResult, error)
}

// Server is the internal command surface: the chat front-end and
// operator tooling call it, end users never reach it directly. Every
// wallet-scoped route requires the caller header to match the target.
type Server struct {
	app      *fiber.App
	wallets  *wallet.Store
	balances *balance.Oracle
	ledger   *ledger.Ledger
	db       *storage.DB
	checker  *health.Checker
	status   Providers
	host     string
	port     int
}

// NewServer wires the command surface over the core components.
func NewServer(host string, port int, wallets *wallet.Store, balances *balance.Oracle, led *ledger.Ledger, db *storage.DB, checker *health.Checker, status Providers) *Server {
	app := fiber.New(fiber.Config{
		DisableStartupMessage: true,
		ReadTimeout:           10 * time.Second,
		WriteTimeout:          10 * time.Second,
	})

	s := &Server{
		app:      app,
		wallets:  wallets,
		balances: balances,
		ledger:   led,
		db:       db,
		checker:  checker,
		status:   status,
		host:     host,
		port:     port,
	}

	s.setupRoutes()
	return s
}

func (s *Server) setupRoutes() {
	s.app.Get("/health", s.handleHealth)
	s.app.Get("/status", s.handleStatus)

	v1 := s.app.Group("/v1")
	v1.Post("/wallets", s.handleCreateWallet)
	v1.Post("/wallets/import", s.handleImportWallet)
	v1.Post("/wallets/:id/export", s.handleExportKey)
	v1.Get("/wallets/:id/address", s.handleGetAddress)
	v1.Get("/wallets/:id/balance", s.handleGetBalance)
	v1.Get("/users/:id/metrics", s.handleGetMetrics)
	v1.Get("/users/:id/trades", s.handleGetTrades)
	v1.Get("/users/:id/preferences", s.handleGetPreferences)
	v1.Put("/users/:id/preferences", s.handlePutPreferences)
	v1.Get("/leaderboard", s.handleLeaderboard)
	v1.Get("/tx/:signature", s.handleCheckTx)
}

// authorize enforces caller == target. Mismatches are a security event,
// not a user mistake.
func (s *Server) authorize(c *fiber.Ctx, target string) bool {
	caller := c.Get(callerHeader)
	if caller == target && caller != "" {
		return true
	}
	log.Warn().
		Str("audit", "unauthorized").
		Str("caller", caller).
		Str("target", target).
		Str("path", c.Path()).
		Msg("caller user ID does not match target")
	return false
}

func unauthorized(c *fiber.Ctx) error {
	return c.Status(fiber.StatusForbidden).JSON(fiber.Map{
		"error": "caller user ID does not match the target wallet",
	})
}

// walletError maps the wallet store's sentinel errors onto HTTP
// statuses with the guidance messages users actually see.
func walletError(c *fiber.Ctx, err error) error {
	switch {
	case errors.Is(err, wallet.ErrAlreadyExists):
		return c.Status(fiber.StatusConflict).JSON(fiber.Map{
			"error": "you already have a wallet; use exportKey to retrieve it",
		})
	case errors.Is(err, wallet.ErrNotFound):
		return c.Status(fiber.StatusNotFound).JSON(fiber.Map{
			"error": "no wallet found; create or import one first",
		})
	case errors.Is(err, wallet.ErrInvalidMnemonic):
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"error": "invalid mnemonic: expected a 12 or 24 word BIP39 phrase",
		})
	case errors.Is(err, wallet.ErrInvalidUserID):
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"error": "invalid user id",
		})
	case errors.Is(err, wallet.ErrUnauthorized):
		return unauthorized(c)
	default:
		log.Error().Err(err).Str("path", c.Path()).Msg("wallet operation failed")
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{
			"error": "internal error",
		})
	}
}

type walletRequest struct {
	UserID   string `json:"user_id"`
	Mnemonic string `json:"mnemonic,omitempty"`
}

func (s *Server) handleCreateWallet(c *fiber.Ctx) error {
	var req walletRequest
	if err := c.BodyParser(&req); err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "invalid payload"})
	}
	if !s.authorize(c, req.UserID) {
		return unauthorized(c)
	}

	res, err := s.wallets.Create(req.UserID, c.Get(callerHeader))
	if err != nil {
		return walletError(c, err)
	}

	log.Info().Str("user_id", req.UserID).Str("address", res.PublicKey).Msg("wallet created")
	return c.Status(fiber.StatusCreated).JSON(fiber.Map{
		"public_key": res.PublicKey,
		"mnemonic":   res.Mnemonic,
	})
}

func (s *Server) handleImportWallet(c *fiber.Ctx) error {
	var req walletRequest
	if err := c.BodyParser(&req); err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "invalid payload"})
	}
	if !s.authorize(c, req.UserID) {
		return unauthorized(c)
	}

	publicKey, err := s.wallets.Import(req.UserID, req.Mnemonic, c.Get(callerHeader))
	if err != nil {
		return walletError(c, err)
	}

	log.Info().Str("user_id", req.UserID).Str("address", publicKey).Msg("wallet imported")
	return c.Status(fiber.StatusCreated).JSON(fiber.Map{
		"public_key": publicKey,
	})
}

func (s *Server) handleExportKey(c *fiber.Ctx) error {
	target := c.Params("id")
	if !s.authorize(c, target) {
		return unauthorized(c)
	}

	mnemonic, err := s.wallets.Export(target, c.Get(callerHeader))
	if err != nil {
		return walletError(c, err)
	}

	return c.JSON(fiber.Map{
		"mnemonic": mnemonic,
	})
}

func (s *Server) handleGetAddress(c *fiber.Ctx) error {
	target := c.Params("id")
	if !s.authorize(c, target) {
		return unauthorized(c)
	}

	addr, err := s.wallets.Address(target)
	if err != nil {
		return walletError(c, err)
	}

	return c.JSON(fiber.Map{
		"public_key": addr,
	})
}

func (s *Server) handleGetBalance(c *fiber.Ctx) error {
	target := c.Params("id")
	if !s.authorize(c, target) {
		return unauthorized(c)
	}
	if _, err := s.wallets.Address(target); err != nil {
		return walletError(c, err)
	}

	lamports := s.balances.Lamports(c.UserContext(), target)
	return c.JSON(fiber.Map{
		"lamports": lamports,
		"sol":      float64(lamports) / 1e9,
	})
}

func (s *Server) handleGetMetrics(c *fiber.Ctx) error {
	target := c.Params("id")
	if !s.authorize(c, target) {
		return unauthorized(c)
	}
	// Metrics for a user that was never provisioned are a lookup
	// failure, not an empty aggregate.
	if _, err := s.wallets.Address(target); err != nil {
		return walletError(c, err)
	}

	metrics, err := s.ledger.Metrics(target)
	if err != nil {
		log.Error().Err(err).Str("user_id", target).Msg("metrics lookup failed")
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"error": "internal error"})
	}

	return c.JSON(metrics)
}

func (s *Server) handleGetTrades(c *fiber.Ctx) error {
	target := c.Params("id")
	if !s.authorize(c, target) {
		return unauthorized(c)
	}
	if _, err := s.wallets.Address(target); err != nil {
		return walletError(c, err)
	}

	limit := c.QueryInt("limit", 10)
	trades, err := s.ledger.RecentTrades(target, limit)
	if err != nil {
		log.Error().Err(err).Str("user_id", target).Msg("trade lookup failed")
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"error": "internal error"})
	}

	return c.JSON(fiber.Map{
		"trades": trades,
	})
}

type preferencesRequest struct {
	EnabledStrategies []string `json:"enabled_strategies"`
	NotifyTrades      bool     `json:"notify_trades"`
	NotifyActivity    bool     `json:"notify_activity"`
}

func (s *Server) handleGetPreferences(c *fiber.Ctx) error {
	target := c.Params("id")
	if !s.authorize(c, target) {
		return unauthorized(c)
	}

	prefs, err := s.db.GetPreferences(target)
	if err != nil {
		log.Error().Err(err).Str("user_id", target).Msg("preferences lookup failed")
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"error": "internal error"})
	}
	if prefs == nil {
		// Defaults: everything enabled, everything delivered.
		prefs = &storage.Preferences{
			UserID:         target,
			NotifyTrades:   true,
			NotifyActivity: true,
		}
	}

	return c.JSON(prefs)
}

func (s *Server) handlePutPreferences(c *fiber.Ctx) error {
	target := c.Params("id")
	if !s.authorize(c, target) {
		return unauthorized(c)
	}

	var req preferencesRequest
	if err := c.BodyParser(&req); err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "invalid payload"})
	}

	prefs := &storage.Preferences{
		UserID:            target,
		EnabledStrategies: req.EnabledStrategies,
		NotifyTrades:      req.NotifyTrades,
		NotifyActivity:    req.NotifyActivity,
	}
	if err := s.db.UpsertPreferences(prefs); err != nil {
		log.Error().Err(err).Str("user_id", target).Msg("preferences update failed")
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"error": "internal error"})
	}

	return c.JSON(prefs)
}

func (s *Server) handleLeaderboard(c *fiber.Ctx) error {
	limit := c.QueryInt("limit", 10)
	entries, err := s.ledger.Leaderboard(limit)
	if err != nil {
		log.Error().Err(err).Msg("leaderboard lookup failed")
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"error": "internal error"})
	}

	return c.JSON(fiber.Map{
		"leaderboard": entries,
	})
}

// handleCheckTx inspects a chain signature. Signatures are public chain
// data, so the route carries no user binding.
func (s *Server) handleCheckTx(c *fiber.Ctx) error {
	if s.status.Tx == nil {
		return c.Status(fiber.StatusServiceUnavailable).JSON(fiber.Map{
			"error": "transaction inspection unavailable",
		})
	}

	result, err := s.status.Tx(c.UserContext(), c.Params("signature"))
	if err != nil {
		log.Error().Err(err).Str("sig", c.Params("signature")).Msg("tx check failed")
		return c.Status(fiber.StatusBadGateway).JSON(fiber.Map{
			"error": chain.HumanError(err),
		})
	}

	return c.JSON(result)
}

func (s *Server) handleHealth(c *fiber.Ctx) error {
	if s.checker == nil {
		return c.JSON(fiber.Map{"status": "ok", "time": time.Now().Unix()})
	}

	report := s.checker.Report()
	status := fiber.StatusOK
	if !report.Healthy {
		status = fiber.StatusServiceUnavailable
	}
	return c.Status(status).JSON(report)
}

func (s *Server) handleStatus(c *fiber.Ctx) error {
	st := Status{Time: time.Now().Unix()}
	if s.status.Scheduler != nil {
		st.Scheduler = s.status.Scheduler()
	}
	if s.status.Queue != nil {
		st.Queue = s.status.Queue()
	}
	if s.status.Gate != nil {
		st.Gate = s.status.Gate()
	}
	if s.status.Balances != nil {
		st.Balances = s.status.Balances()
	}
	if s.status.Prices != nil {
		st.Prices = s.status.Prices()
	}
	if s.status.Ledger != nil {
		st.Ledger = s.status.Ledger()
	}
	return c.JSON(st)
}

// Start starts the HTTP server.
func (s *Server) Start() error {
	addr := fmt.Sprintf("%s:%d", s.host, s.port)
	log.Info().Str("addr", addr).Msg("starting command API")
	return s.app.Listen(addr)
}

// Shutdown gracefully shuts down the server.
func (s *Server) Shutdown() error {
	return s.app.Shutdown()
}

// App exposes the fiber app for tests.
func (s *Server) App() *fiber.App {
	return s.app
}
