package server

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"PoolLedger/internal/core"
	"PoolLedger/internal/ingestion"
	"PoolLedger/internal/observability"
	"PoolLedger/internal/persistence"
	"PoolLedger/internal/pool"
	"PoolLedger/internal/projection"
	"PoolLedger/internal/query"
	"PoolLedger/internal/valuation"
)

// HTTPServer is the REST surface: command endpoints route into the core,
// query endpoints read projections, admin endpoints are role-gated.
type HTTPServer struct {
	core      *core.PoolCore
	queries   *query.QueryService
	valuation *valuation.Service
	perms     pool.PermissionChecker
	snapshots *persistence.SnapshotManager
	ingest    *ingestion.CommandInjector
	db        *sql.DB
	health    *observability.HealthChecker
	metrics   *observability.Metrics
	logger    zerolog.Logger

	httpServer *http.Server
}

// HTTPServerDeps holds the collaborators the HTTP layer routes into.
type HTTPServerDeps struct {
	Core      *core.PoolCore
	Queries   *query.QueryService
	Valuation *valuation.Service
	Perms     pool.PermissionChecker
	Snapshots *persistence.SnapshotManager
	Ingest    *ingestion.CommandInjector
	DB        *sql.DB
	Health    *observability.HealthChecker
	Metrics   *observability.Metrics
	Logger    zerolog.Logger
}

func NewHTTPServer(addr string, deps *HTTPServerDeps) *HTTPServer {
	s := &HTTPServer{
		core:      deps.Core,
		queries:   deps.Queries,
		valuation: deps.Valuation,
		perms:     deps.Perms,
		snapshots: deps.Snapshots,
		ingest:    deps.Ingest,
		db:        deps.DB,
		health:    deps.Health,
		metrics:   deps.Metrics,
		logger:    deps.Logger.With().Str("component", "http").Logger(),
	}

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(withCaller)

	r.Get("/healthz", s.health.LivenessHandler)
	r.Get("/readyz", s.health.ReadinessHandler)
	r.Handle("/metrics", promhttp.Handler())

	r.Route("/v1", func(r chi.Router) {
		r.Get("/pool", s.handleGetPool)
		r.Get("/users/{userID}", s.handleGetUser)
		r.Get("/assets", s.handleListAssets)
		r.Get("/assets/{asset}/periods", s.handleListPeriods)
		r.Get("/assets/{asset}/periods/{periodID}", s.handleGetPeriod)
		r.Get("/insurance/flow", s.handleInsuranceFlow)

		r.Post("/deposits", s.handleDeposit)
		r.Post("/withdrawals", s.handleWithdraw)
		r.Post("/claims", s.handleClaim)

		r.Route("/settlement", func(r chi.Router) {
			r.Use(s.requireRole(pool.RoleSettlement))
			r.Post("/close", s.handleClosePeriod)
			r.Post("/prices", s.handlePriceUpdate)
		})

		r.Route("/admin", func(r chi.Router) {
			r.Use(s.requireRole(pool.RoleAdmin))
			r.Post("/assets", s.handleAddAsset)
			r.Delete("/assets/{asset}", s.handleRemoveAsset)
			r.Post("/assets/{asset}/open-period", s.handleOpenPeriod)
			r.Post("/deactivate", s.handleDeactivate)
			r.Post("/snapshot", s.handleSnapshot)
			r.Post("/rebuild-projections", s.handleRebuildProjections)
			r.Get("/integrity", s.handleVerifyIntegrity)
			r.Post("/inject/close", s.handleInjectClose)
			r.Post("/inject/price", s.handleInjectPrice)
		})
	})

	s.httpServer = &http.Server{
		Addr:              addr,
		Handler:           r,
		ReadHeaderTimeout: 5 * time.Second,
	}
	return s
}

// Start serves until ctx is cancelled (blocking).
func (s *HTTPServer) Start(ctx context.Context) error {
	go func() {
		<-ctx.Done()
		s.logger.Info().Msg("http server shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		s.httpServer.Shutdown(shutdownCtx)
	}()

	s.logger.Info().Str("addr", s.httpServer.Addr).Msg("http server listening")
	if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}

// --- Command handlers ---

type depositRequest struct {
	DepositID string `json:"deposit_id"`
	UserID    string `json:"user_id"`
	Asset     string `json:"asset"`
	RawAmount uint64 `json:"raw_amount"`
}

func (s *HTTPServer) handleDeposit(w http.ResponseWriter, r *http.Request) {
	var req depositRequest
	if !s.decode(w, r, &req) {
		return
	}
	depositID, userID, ok := s.twoUUIDs(w, req.DepositID, "deposit_id", req.UserID, "user_id")
	if !ok {
		return
	}

	result, err := s.core.Deposit(core.DepositRequest{
		DepositID: depositID,
		UserID:    userID,
		Asset:     req.Asset,
		RawAmount: req.RawAmount,
		Timestamp: time.Now(),
	})
	if err != nil {
		s.writeError(w, "deposit", err)
		return
	}

	s.writeJSON(w, http.StatusOK, map[string]interface{}{
		"deposit_id":    req.DepositID,
		"usd_value":     result.USDValue,
		"shares_minted": result.SharesMinted,
		"period_id":     result.PeriodID,
	})
}

type withdrawRequest struct {
	WithdrawalID string `json:"withdrawal_id"`
	UserID       string `json:"user_id"`
	Asset        string `json:"asset"`
	Shares       uint64 `json:"shares"`
	Recipient    string `json:"recipient"`
}

func (s *HTTPServer) handleWithdraw(w http.ResponseWriter, r *http.Request) {
	var req withdrawRequest
	if !s.decode(w, r, &req) {
		return
	}
	withdrawalID, userID, ok := s.twoUUIDs(w, req.WithdrawalID, "withdrawal_id", req.UserID, "user_id")
	if !ok {
		return
	}

	result, err := s.core.Withdraw(core.WithdrawRequest{
		WithdrawalID: withdrawalID,
		UserID:       userID,
		Asset:        req.Asset,
		Shares:       req.Shares,
		Recipient:    req.Recipient,
		Timestamp:    time.Now(),
	})
	if err != nil {
		s.writeError(w, "withdraw", err)
		return
	}

	s.writeJSON(w, http.StatusOK, map[string]interface{}{
		"withdrawal_id": req.WithdrawalID,
		"usd_value":     result.USDValue,
		"raw_amount":    result.RawAmount,
	})
}

type claimRequest struct {
	ClaimID   string `json:"claim_id"`
	UserID    string `json:"user_id"`
	Asset     string `json:"asset"`
	PeriodID  uint64 `json:"period_id"`
	Reinvest  bool   `json:"reinvest"`
	Recipient string `json:"recipient"`
}

func (s *HTTPServer) handleClaim(w http.ResponseWriter, r *http.Request) {
	var req claimRequest
	if !s.decode(w, r, &req) {
		return
	}
	claimID, userID, ok := s.twoUUIDs(w, req.ClaimID, "claim_id", req.UserID, "user_id")
	if !ok {
		return
	}

	result, err := s.core.ClaimProfit(core.ClaimRequest{
		ClaimID:   claimID,
		UserID:    userID,
		Asset:     req.Asset,
		PeriodID:  req.PeriodID,
		Reinvest:  req.Reinvest,
		Recipient: req.Recipient,
		Timestamp: time.Now(),
	})
	if err != nil {
		s.writeError(w, "claim", err)
		return
	}

	s.writeJSON(w, http.StatusOK, map[string]interface{}{
		"claim_id":      req.ClaimID,
		"profit_usd":    result.ProfitUSD,
		"shares_minted": result.SharesMinted,
		"raw_paid":      result.RawPaid,
	})
}

type closePeriodRequest struct {
	CloseID     string `json:"close_id"`
	Asset       string `json:"asset"`
	PeriodID    uint64 `json:"period_id"`
	RealizedPnL int64  `json:"realized_pnl"`
}

func (s *HTTPServer) handleClosePeriod(w http.ResponseWriter, r *http.Request) {
	var req closePeriodRequest
	if !s.decode(w, r, &req) {
		return
	}
	closeID, err := uuid.Parse(req.CloseID)
	if err != nil {
		s.badRequest(w, "invalid close_id")
		return
	}

	outcome, err := s.core.ClosePeriod(core.ClosePeriodRequest{
		CloseID:        closeID,
		Asset:          req.Asset,
		PeriodID:       req.PeriodID,
		RealizedPnL:    req.RealizedPnL,
		SourceSequence: -1, // operator path bypasses upstream ordering
		Timestamp:      time.Now(),
	})
	if err != nil {
		s.writeError(w, "close_period", err)
		return
	}

	s.writeJSON(w, http.StatusOK, map[string]interface{}{
		"close_id":          req.CloseID,
		"insurance_cut":     outcome.InsuranceCut,
		"distributed_usd":   outcome.DistributedUSD,
		"profit_per_dollar": outcome.ProfitPerDollar,
		"covered_loss":      outcome.CoveredLoss,
		"uncovered_loss":    outcome.UncoveredLoss,
		"loss_per_dollar":   outcome.LossPerDollar,
	})
}

type priceUpdateRequest struct {
	Asset string `json:"asset"`
	Price string `json:"price"`
}

func (s *HTTPServer) handlePriceUpdate(w http.ResponseWriter, r *http.Request) {
	var req priceUpdateRequest
	if !s.decode(w, r, &req) {
		return
	}
	price, err := valuation.ParsePrice(req.Price)
	if err != nil {
		s.badRequest(w, "invalid price")
		return
	}
	if err := s.valuation.UpdatePrice(req.Asset, price, time.Now()); err != nil {
		s.writeError(w, "price_update", err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]interface{}{"accepted": true})
}

// --- Admin handlers ---

type addAssetRequest struct {
	RequestID    string `json:"request_id"`
	Asset        string `json:"asset"`
	Decimals     uint8  `json:"decimals"`
	ThresholdUSD uint64 `json:"threshold_usd"`
}

func (s *HTTPServer) handleAddAsset(w http.ResponseWriter, r *http.Request) {
	var req addAssetRequest
	if !s.decode(w, r, &req) {
		return
	}
	requestID, err := uuid.Parse(req.RequestID)
	if err != nil {
		s.badRequest(w, "invalid request_id")
		return
	}

	if err := s.core.AddAsset(core.AddAssetRequest{
		RequestID:    requestID,
		Asset:        req.Asset,
		Decimals:     req.Decimals,
		ThresholdUSD: req.ThresholdUSD,
		Timestamp:    time.Now(),
	}); err != nil {
		s.writeError(w, "add_asset", err)
		return
	}

	// Register with valuation so price updates for the asset are accepted.
	s.valuation.RegisterAsset(req.Asset, req.Decimals)

	s.writeJSON(w, http.StatusOK, map[string]interface{}{"asset": req.Asset})
}

func (s *HTTPServer) handleRemoveAsset(w http.ResponseWriter, r *http.Request) {
	asset := chi.URLParam(r, "asset")
	requestID := uuid.New()
	if raw := r.URL.Query().Get("request_id"); raw != "" {
		parsed, err := uuid.Parse(raw)
		if err != nil {
			s.badRequest(w, "invalid request_id")
			return
		}
		requestID = parsed
	}

	if err := s.core.RemoveAsset(core.RemoveAssetRequest{
		RequestID: requestID,
		Asset:     asset,
		Timestamp: time.Now(),
	}); err != nil {
		s.writeError(w, "remove_asset", err)
		return
	}

	s.valuation.DeregisterAsset(asset)
	s.writeJSON(w, http.StatusOK, map[string]interface{}{"asset": asset})
}

// handleOpenPeriod force-runs the threshold sweep for one asset. The usual
// recovery use is restarting capital cycling after a settlement stall left
// requeued funds above the threshold with no open period.
func (s *HTTPServer) handleOpenPeriod(w http.ResponseWriter, r *http.Request) {
	asset := chi.URLParam(r, "asset")
	requestID := uuid.New()
	if raw := r.URL.Query().Get("request_id"); raw != "" {
		parsed, err := uuid.Parse(raw)
		if err != nil {
			s.badRequest(w, "invalid request_id")
			return
		}
		requestID = parsed
	}

	periodID, err := s.core.OpenPeriod(core.OpenPeriodRequest{
		RequestID: requestID,
		Asset:     asset,
		Timestamp: time.Now(),
	})
	if err != nil {
		s.writeError(w, "open_period", err)
		return
	}

	s.writeJSON(w, http.StatusOK, map[string]interface{}{
		"asset":     asset,
		"period_id": periodID,
	})
}

type deactivateRequest struct {
	RequestID string `json:"request_id"`
	Reason    string `json:"reason"`
}

func (s *HTTPServer) handleDeactivate(w http.ResponseWriter, r *http.Request) {
	var req deactivateRequest
	if !s.decode(w, r, &req) {
		return
	}
	requestID, err := uuid.Parse(req.RequestID)
	if err != nil {
		s.badRequest(w, "invalid request_id")
		return
	}

	if err := s.core.Deactivate(core.DeactivateRequest{
		RequestID: requestID,
		Reason:    req.Reason,
		Timestamp: time.Now(),
	}); err != nil {
		s.writeError(w, "deactivate", err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]interface{}{"deactivated": true})
}

func (s *HTTPServer) handleSnapshot(w http.ResponseWriter, r *http.Request) {
	snap := s.core.CreateSnapshotState()
	if err := s.snapshots.SaveSnapshot(r.Context(), snap); err != nil {
		s.internalError(w, "snapshot", err)
		return
	}
	// A snapshot of the core's live state needs no replay verification.
	if err := s.snapshots.MarkVerified(r.Context(), snap.Sequence); err != nil {
		s.internalError(w, "snapshot", err)
		return
	}
	if s.metrics != nil {
		s.metrics.SnapshotTaken.Inc()
		s.metrics.SnapshotLastSeq.Set(float64(snap.Sequence))
	}
	s.writeJSON(w, http.StatusOK, map[string]interface{}{"sequence": snap.Sequence})
}

func (s *HTTPServer) handleRebuildProjections(w http.ResponseWriter, r *http.Request) {
	if err := projection.RebuildProjections(r.Context(), s.db); err != nil {
		s.internalError(w, "rebuild_projections", err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]interface{}{"rebuilt": true})
}

func (s *HTTPServer) handleVerifyIntegrity(w http.ResponseWriter, r *http.Request) {
	report, err := s.queries.VerifyIntegrity(r.Context())
	if err != nil {
		s.internalError(w, "verify_integrity", err)
		return
	}
	s.writeJSON(w, http.StatusOK, report)
}

type injectCloseRequest struct {
	Asset       string `json:"asset"`
	PeriodID    uint64 `json:"period_id"`
	RealizedPnL int64  `json:"realized_pnl"`
}

// handleInjectClose re-injects a settlement close through the command
// pipeline. Unlike /v1/settlement/close it is asynchronous and serialized
// with the NATS stream, for recovering from a dropped upstream message.
func (s *HTTPServer) handleInjectClose(w http.ResponseWriter, r *http.Request) {
	var req injectCloseRequest
	if !s.decode(w, r, &req) {
		return
	}
	if err := s.ingest.InjectSettlementClose(r.Context(), req.Asset, req.PeriodID, req.RealizedPnL); err != nil {
		s.badRequest(w, err.Error())
		return
	}
	s.writeJSON(w, http.StatusAccepted, map[string]interface{}{"queued": true})
}

type injectPriceRequest struct {
	Asset string `json:"asset"`
	Price string `json:"price"`
}

func (s *HTTPServer) handleInjectPrice(w http.ResponseWriter, r *http.Request) {
	var req injectPriceRequest
	if !s.decode(w, r, &req) {
		return
	}
	price, err := valuation.ParsePrice(req.Price)
	if err != nil {
		s.badRequest(w, "invalid price")
		return
	}
	if err := s.ingest.InjectPrice(r.Context(), req.Asset, price); err != nil {
		s.badRequest(w, err.Error())
		return
	}
	s.writeJSON(w, http.StatusAccepted, map[string]interface{}{"queued": true})
}

// --- Query handlers ---

func (s *HTTPServer) handleGetPool(w http.ResponseWriter, r *http.Request) {
	resp, err := s.queries.GetPoolInfo(r.Context())
	if err != nil {
		s.internalError(w, "get_pool", err)
		return
	}
	s.writeJSON(w, http.StatusOK, resp)
}

func (s *HTTPServer) handleGetUser(w http.ResponseWriter, r *http.Request) {
	userID, err := uuid.Parse(chi.URLParam(r, "userID"))
	if err != nil {
		s.badRequest(w, "invalid user id")
		return
	}
	resp, err := s.queries.GetUserInfo(r.Context(), userID)
	if err != nil {
		s.internalError(w, "get_user", err)
		return
	}
	s.writeJSON(w, http.StatusOK, resp)
}

func (s *HTTPServer) handleListAssets(w http.ResponseWriter, r *http.Request) {
	assets, err := s.queries.ListAssets(r.Context())
	if err != nil {
		s.internalError(w, "list_assets", err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]interface{}{"assets": assets})
}

func (s *HTTPServer) handleListPeriods(w http.ResponseWriter, r *http.Request) {
	asset := chi.URLParam(r, "asset")

	limit := 50
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 || n > 500 {
			s.badRequest(w, "invalid limit")
			return
		}
		limit = n
	}

	var before *uint64
	if raw := r.URL.Query().Get("before"); raw != "" {
		n, err := strconv.ParseUint(raw, 10, 64)
		if err != nil {
			s.badRequest(w, "invalid before cursor")
			return
		}
		before = &n
	}

	periods, err := s.queries.ListPeriods(r.Context(), asset, limit, before)
	if err != nil {
		s.internalError(w, "list_periods", err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]interface{}{"periods": periods})
}

func (s *HTTPServer) handleGetPeriod(w http.ResponseWriter, r *http.Request) {
	asset := chi.URLParam(r, "asset")
	periodID, err := strconv.ParseUint(chi.URLParam(r, "periodID"), 10, 64)
	if err != nil {
		s.badRequest(w, "invalid period id")
		return
	}

	period, err := s.queries.GetPeriod(r.Context(), asset, periodID)
	if err != nil {
		s.internalError(w, "get_period", err)
		return
	}
	if period == nil {
		s.writeJSON(w, http.StatusNotFound, map[string]interface{}{"error": "period not found"})
		return
	}

	claims, err := s.queries.ListClaims(r.Context(), asset, periodID)
	if err != nil {
		s.internalError(w, "get_period", err)
		return
	}

	s.writeJSON(w, http.StatusOK, map[string]interface{}{
		"period": period,
		"claims": claims,
	})
}

func (s *HTTPServer) handleInsuranceFlow(w http.ResponseWriter, r *http.Request) {
	limit := 50
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 || n > 500 {
			s.badRequest(w, "invalid limit")
			return
		}
		limit = n
	}

	var before *int64
	if raw := r.URL.Query().Get("before"); raw != "" {
		n, err := strconv.ParseInt(raw, 10, 64)
		if err != nil {
			s.badRequest(w, "invalid before cursor")
			return
		}
		before = &n
	}

	flows, err := s.queries.ListInsuranceFlow(r.Context(), limit, before)
	if err != nil {
		s.internalError(w, "insurance_flow", err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]interface{}{"flows": flows})
}

// --- Middleware & helpers ---

func (s *HTTPServer) requireRole(role string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			caller := callerFrom(r.Context())
			if caller == "" {
				s.writeJSON(w, http.StatusUnauthorized, map[string]interface{}{"error": "missing bearer token"})
				return
			}
			if err := s.perms.Allow(caller, role); err != nil {
				s.writeJSON(w, http.StatusForbidden, map[string]interface{}{"error": "forbidden"})
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

func (s *HTTPServer) decode(w http.ResponseWriter, r *http.Request, dst interface{}) bool {
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		s.badRequest(w, "invalid request body")
		return false
	}
	return true
}

func (s *HTTPServer) twoUUIDs(w http.ResponseWriter, a, aName, b, bName string) (uuid.UUID, uuid.UUID, bool) {
	ua, err := uuid.Parse(a)
	if err != nil {
		s.badRequest(w, "invalid "+aName)
		return uuid.Nil, uuid.Nil, false
	}
	ub, err := uuid.Parse(b)
	if err != nil {
		s.badRequest(w, "invalid "+bName)
		return uuid.Nil, uuid.Nil, false
	}
	return ua, ub, true
}

func (s *HTTPServer) writeJSON(w http.ResponseWriter, status int, body interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(body)
}

func (s *HTTPServer) badRequest(w http.ResponseWriter, msg string) {
	s.writeJSON(w, http.StatusBadRequest, map[string]interface{}{"error": msg})
}

func (s *HTTPServer) internalError(w http.ResponseWriter, op string, err error) {
	s.logger.Error().Err(err).Str("op", op).Msg("request failed")
	s.writeJSON(w, http.StatusInternalServerError, map[string]interface{}{"error": "internal error"})
}

// writeError maps domain errors onto HTTP statuses. Retryable conditions
// (stale price, insurance unavailable) come back 503 so clients back off
// and resubmit under the same idempotency key.
func (s *HTTPServer) writeError(w http.ResponseWriter, op string, err error) {
	status := http.StatusInternalServerError
	switch {
	case pool.Retryable(err):
		status = http.StatusServiceUnavailable
		w.Header().Set("Retry-After", "1")
	case errors.Is(err, pool.ErrUnsupportedAsset),
		errors.Is(err, pool.ErrNoActiveTradingPeriod),
		errors.Is(err, pool.ErrNoContributionInPeriod):
		status = http.StatusNotFound
	case errors.Is(err, pool.ErrInvalidAmount),
		errors.Is(err, pool.ErrInsufficientShares),
		errors.Is(err, pool.ErrThresholdNotMet),
		errors.Is(err, pool.ErrPeriodNotCompleted):
		status = http.StatusBadRequest
	case errors.Is(err, pool.ErrAlreadySupported),
		errors.Is(err, pool.ErrAssetInUse),
		errors.Is(err, pool.ErrAlreadyClosed),
		errors.Is(err, pool.ErrProfitAlreadyClaimed),
		errors.Is(err, pool.ErrPoolInactive):
		status = http.StatusConflict
	}

	if status == http.StatusInternalServerError {
		s.logger.Error().Err(err).Str("op", op).Msg("operation failed")
	}
	s.writeJSON(w, status, map[string]interface{}{"error": err.Error()})
}
