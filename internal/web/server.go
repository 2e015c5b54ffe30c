package web

import (
	"encoding/json"
	"net/http"
	"runtime"
	"strconv"
	"time"

	"github.com/gorilla/mux"

	"github.com/openyield/yvm/internal/allocator"
	"github.com/openyield/yvm/internal/engine"
	"github.com/openyield/yvm/internal/ledger"
	"github.com/openyield/yvm/internal/logger"
	"github.com/openyield/yvm/internal/requests"
	"github.com/openyield/yvm/internal/state"
	"github.com/openyield/yvm/internal/utils"
)

var webLogger = logger.GetForComponent("web_server")

// WebServer handles HTTP requests for vault data visualization
type WebServer struct {
	router    *mux.Router
	port      string
	ledger    *ledger.Ledger
	queue     *requests.Queue
	engine    *engine.Engine
	allocator *allocator.Allocator
	startedAt time.Time
}

// Config holds the dependencies the API surfaces.
type Config struct {
	Port      string
	Ledger    *ledger.Ledger
	Queue     *requests.Queue
	Engine    *engine.Engine
	Allocator *allocator.Allocator
}

// NewWebServer creates a new web server instance
func NewWebServer(cfg Config) *WebServer {
	if cfg.Port == "" {
		cfg.Port = "8080"
	}

	server := &WebServer{
		router:    mux.NewRouter(),
		port:      cfg.Port,
		ledger:    cfg.Ledger,
		queue:     cfg.Queue,
		engine:    cfg.Engine,
		allocator: cfg.Allocator,
		startedAt: time.Now(),
	}

	server.setupRoutes()
	return server
}

// setupRoutes configures all HTTP routes
func (ws *WebServer) setupRoutes() {
	// Health endpoint (direct route)
	ws.router.HandleFunc("/health", ws.handleHealth).Methods("GET")

	// API endpoints
	api := ws.router.PathPrefix("/api").Subrouter()
	api.HandleFunc("/health", ws.handleHealth).Methods("GET")
	api.HandleFunc("/vault/summary", ws.handleGetVaultSummary).Methods("GET")
	api.HandleFunc("/inputs", ws.handleGetInputs).Methods("GET")
	api.HandleFunc("/strategies", ws.handleGetStrategies).Methods("GET")
	api.HandleFunc("/requests", ws.handleGetRequests).Methods("GET")
	api.HandleFunc("/events", ws.handleGetEvents).Methods("GET")
	api.HandleFunc("/cycles", ws.handleGetCycles).Methods("GET")
	api.HandleFunc("/cycles/latest", ws.handleGetLatestCycle).Methods("GET")

	// Add CORS middleware
	ws.router.Use(ws.corsMiddleware)
	ws.router.Use(ws.loggingMiddleware)
}

// Start starts the web server
func (ws *WebServer) Start() error {
	webLogger.Info().Str("port", ws.port).Msg("Starting web server")

	server := &http.Server{
		Addr:         ":" + ws.port,
		Handler:      ws.router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	return server.ListenAndServe()
}

// handleHealth returns server health status
func (ws *WebServer) handleHealth(w http.ResponseWriter, r *http.Request) {
	var memStats runtime.MemStats
	runtime.ReadMemStats(&memStats)

	dbHealthy := true
	if err := state.TestDBConnection(); err != nil {
		dbHealthy = false
	}

	overallStatus := "OK"
	statusCode := http.StatusOK
	if !dbHealthy {
		overallStatus = "DEGRADED"
		statusCode = http.StatusServiceUnavailable
	}

	response := map[string]interface{}{
		"status":    overallStatus,
		"timestamp": time.Now().UTC().Format(time.RFC3339Nano),
		"system": map[string]interface{}{
			"version":          runtime.Version(),
			"goroutines_count": runtime.NumGoroutine(),
			"alloc_bytes":      memStats.Alloc,
			"sys_bytes":        memStats.Sys,
			"gc_cycles":        memStats.NumGC,
			"uptime_seconds":   int64(time.Since(ws.startedAt).Seconds()),
		},
		"component": map[string]interface{}{
			"name":    "yvm-yield-vault-manager",
			"version": "1.0.0",
		},
		"database_healthy": dbHealthy,
	}

	ws.writeJSONResponse(w, statusCode, response)
}

// handleGetVaultSummary returns the live accounting summary
func (ws *WebServer) handleGetVaultSummary(w http.ResponseWriter, r *http.Request) {
	totalAssets, err := ws.ledger.TotalAssets()
	if err != nil {
		webLogger.Error().Err(err).Msg("Failed to read total assets")
		ws.writeErrorResponse(w, http.StatusInternalServerError, "Failed to retrieve vault summary")
		return
	}
	sharePrice, err := ws.ledger.SharePrice()
	if err != nil {
		webLogger.Error().Err(err).Msg("Failed to read share price")
		ws.writeErrorResponse(w, http.StatusInternalServerError, "Failed to retrieve vault summary")
		return
	}

	fees := ws.ledger.Fees()
	asset := ws.ledger.Asset()
	summary := map[string]interface{}{
		"asset":        asset,
		"total_assets": totalAssets.String(),
		"available":    ws.ledger.Available().String(),
		"total_supply": ws.ledger.TotalSupply().String(),
		"share_price":  sharePrice.String(),
		"fees": map[string]int64{
			"perf_bps":  fees.PerfBps,
			"mgmt_bps":  fees.MgmtBps,
			"entry_bps": fees.EntryBps,
			"exit_bps":  fees.ExitBps,
		},
		"max_total_assets": ws.ledger.MaxTotalAssets().String(),
		"timestamp":        time.Now().UTC(),
	}
	if display, err := utils.SDKIntToFloat64(totalAssets, asset.Decimals); err == nil {
		summary["total_assets_display"] = display
	}
	if ws.allocator != nil {
		summary["total_chain_debt"] = ws.allocator.TotalChainDebt().String()
	}

	ws.writeJSONResponse(w, http.StatusOK, summary)
}

// handleGetInputs returns the engine's configured input slots
func (ws *WebServer) handleGetInputs(w http.ResponseWriter, r *http.Request) {
	response := map[string]interface{}{
		"inputs":           ws.engine.InputSnapshots(),
		"total_weight_bps": ws.engine.TotalWeightBps(),
	}
	ws.writeJSONResponse(w, http.StatusOK, response)
}

// handleGetStrategies returns the allocator registry
func (ws *WebServer) handleGetStrategies(w http.ResponseWriter, r *http.Request) {
	if ws.allocator == nil {
		ws.writeJSONResponse(w, http.StatusOK, map[string]interface{}{"strategies": nil})
		return
	}
	response := map[string]interface{}{
		"strategies":       ws.allocator.StrategyMap(),
		"total_chain_debt": ws.allocator.TotalChainDebt().String(),
	}
	ws.writeJSONResponse(w, http.StatusOK, response)
}

// handleGetRequests returns pending request totals and lists
func (ws *WebServer) handleGetRequests(w http.ResponseWriter, r *http.Request) {
	response := map[string]interface{}{
		"pending_deposits":         ws.queue.PendingDeposits(),
		"pending_redemptions":      ws.queue.PendingRedemptions(),
		"total_deposit_request":    ws.queue.TotalDepositRequest().String(),
		"total_redemption_request": ws.queue.TotalRedemptionRequest().String(),
		"total_claimable_redeem":   ws.queue.TotalClaimableRedemption().String(),
	}
	ws.writeJSONResponse(w, http.StatusOK, response)
}

// handleGetEvents returns recent persisted events
func (ws *WebServer) handleGetEvents(w http.ResponseWriter, r *http.Request) {
	limit := parseLimit(r, 100, 500)
	name := r.URL.Query().Get("name")

	evs, err := state.GetRecentEvents(name, limit)
	if err != nil {
		webLogger.Error().Err(err).Msg("Failed to get recent events")
		ws.writeErrorResponse(w, http.StatusInternalServerError, "Failed to retrieve events")
		return
	}

	response := map[string]interface{}{
		"events": evs,
		"count":  len(evs),
		"limit":  limit,
	}
	ws.writeJSONResponse(w, http.StatusOK, response)
}

// handleGetCycles returns paginated cycle data
func (ws *WebServer) handleGetCycles(w http.ResponseWriter, r *http.Request) {
	limit := parseLimit(r, 20, 100)

	cycles, err := state.GetRecentCycleSnapshots(limit)
	if err != nil {
		webLogger.Error().Err(err).Msg("Failed to get recent cycles")
		ws.writeErrorResponse(w, http.StatusInternalServerError, "Failed to retrieve cycles")
		return
	}

	response := map[string]interface{}{
		"cycles": cycles,
		"count":  len(cycles),
		"limit":  limit,
	}
	ws.writeJSONResponse(w, http.StatusOK, response)
}

// handleGetLatestCycle returns the most recent cycle
func (ws *WebServer) handleGetLatestCycle(w http.ResponseWriter, r *http.Request) {
	cycles, err := state.GetRecentCycleSnapshots(1)
	if err != nil || len(cycles) == 0 {
		webLogger.Error().Err(err).Msg("Failed to get latest cycle")
		ws.writeErrorResponse(w, http.StatusNotFound, "No cycles found")
		return
	}

	ws.writeJSONResponse(w, http.StatusOK, cycles[0])
}

func parseLimit(r *http.Request, def, max int) int {
	limit := def
	if limitStr := r.URL.Query().Get("limit"); limitStr != "" {
		if parsed, err := strconv.Atoi(limitStr); err == nil && parsed > 0 && parsed <= max {
			limit = parsed
		}
	}
	return limit
}

// writeJSONResponse writes a JSON response
func (ws *WebServer) writeJSONResponse(w http.ResponseWriter, statusCode int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)

	if err := json.NewEncoder(w).Encode(data); err != nil {
		webLogger.Error().Err(err).Msg("Failed to encode JSON response")
	}
}

// writeErrorResponse writes an error response
func (ws *WebServer) writeErrorResponse(w http.ResponseWriter, statusCode int, message string) {
	response := map[string]interface{}{
		"error":     true,
		"message":   message,
		"timestamp": time.Now().UTC(),
	}

	ws.writeJSONResponse(w, statusCode, response)
}

// corsMiddleware adds CORS headers
func (ws *WebServer) corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, PUT, DELETE, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")

		if r.Method == "OPTIONS" {
			w.WriteHeader(http.StatusOK)
			return
		}

		next.ServeHTTP(w, r)
	})
}

// loggingMiddleware logs each request at debug level
func (ws *WebServer) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		next.ServeHTTP(w, r)
		webLogger.Debug().
			Str("method", r.Method).
			Str("path", r.URL.Path).
			Str("remote", r.RemoteAddr).
			Dur("duration", time.Since(start)).
			Msg("Request handled")
	})
}
