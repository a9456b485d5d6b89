package main

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	stdlog "log"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	_ "github.com/lib/pq"
	"github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"

	"github.com/carbonex/engine/internal/config"
	"github.com/carbonex/engine/internal/engine"
	"github.com/carbonex/engine/internal/gateway"
	"github.com/carbonex/engine/internal/handler"
	"github.com/carbonex/engine/internal/instrument"
	"github.com/carbonex/engine/internal/ledger"
	"github.com/carbonex/engine/internal/marketdata"
	"github.com/carbonex/engine/internal/metrics"
	"github.com/carbonex/engine/internal/recovery"
	"github.com/carbonex/engine/internal/repository"
	"github.com/carbonex/engine/internal/risk"
	"github.com/carbonex/engine/internal/settlement"
	"github.com/carbonex/engine/internal/strategy"
	"github.com/carbonex/engine/internal/updater"
	pkgerrors "github.com/carbonex/engine/pkg/errors"
	"github.com/carbonex/engine/pkg/logger"
	"github.com/carbonex/engine/pkg/snowflake"
	"github.com/carbonex/engine/pkg/tracing"
)

func main() {
	cfg := config.Load()
	log := logger.New(cfg.ServiceName, nil)

	if err := snowflake.Init(cfg.WorkerID); err != nil {
		stdlog.Fatalf("init snowflake: %v", err)
	}
	nextID := snowflake.MustNextID

	traceShutdown, err := tracing.Init(tracing.Config{
		ServiceName: cfg.ServiceName,
		Endpoint:    cfg.JaegerEndpoint,
		Enabled:     cfg.JaegerEndpoint != "",
		SampleRate:  cfg.TraceSampleRate,
	})
	if err != nil {
		log.WithError(err).Warn("tracing disabled")
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Postgres
	db, err := sql.Open("postgres", cfg.DatabaseURL)
	if err != nil {
		stdlog.Fatalf("open postgres: %v", err)
	}
	pingCtx, pingCancel := context.WithTimeout(ctx, 5*time.Second)
	if err := db.PingContext(pingCtx); err != nil {
		pingCancel()
		stdlog.Fatalf("connect postgres: %v", err)
	}
	pingCancel()
	db.SetMaxOpenConns(50)
	db.SetMaxIdleConns(10)

	// Redis
	redisClient := redis.NewClient(&redis.Options{
		Addr:         cfg.RedisAddr,
		Password:     cfg.RedisPassword,
		DB:           cfg.RedisDB,
		DialTimeout:  5 * time.Second,
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 5 * time.Second,
		PoolSize:     200,
		MinIdleConns: 20,
	})
	redisPingCtx, redisPingCancel := context.WithTimeout(ctx, 5*time.Second)
	if err := redisClient.Ping(redisPingCtx).Err(); err != nil {
		redisPingCancel()
		stdlog.Fatalf("connect redis: %v", err)
	}
	redisPingCancel()

	// 合约注册表
	registry := instrument.NewRegistry()
	for _, key := range cfg.Instruments {
		symbol, vintage, err := instrument.ParseKey(key)
		if err != nil {
			stdlog.Fatalf("bad instrument %q: %v", key, err)
		}
		registry.Register(&instrument.Instrument{
			Symbol:         symbol,
			VintageYear:    vintage,
			PricePrecision: 2,
			QtyPrecision:   0,
			Status:         instrument.StatusTrading,
		})
	}
	calendar := instrument.NewCalendar(cfg.MarketHolidays)

	orderRepo := repository.NewOrderRepository(db)
	tradeRepo := repository.NewTradeRepository(db)

	// 撮合引擎管理器。onCreate 在 h 赋值之前不会被触发：
	// 引擎只在恢复重放和首笔订单时创建。
	var h *handler.Handler
	mgr := engine.NewManager(calendar, nextID, cfg.CommandBuffer, cfg.EventBuffer, func(eng *engine.Engine) {
		h.AttachEngine(eng)
	})

	mdSvc := marketdata.NewService(registry, mgr)
	books := ledger.New(mdSvc, log)
	riskEngine := risk.NewEngine(books, mdSvc, cfg.RiskLookbackDays, log)
	riskEngine.StartDailyReset()

	var compliance gateway.ComplianceChecker
	if cfg.ComplianceBaseURL != "" {
		compliance = gateway.NewComplianceClient(cfg.ComplianceBaseURL, cfg.ComplianceToken)
	}

	gw := gateway.NewGateway(registry, mgr, riskEngine, compliance, orderRepo, mdSvc, nextID, log)
	sched := strategy.NewScheduler(registry, mdSvc, gw.Submit, gw.Cancel, nextID, log)
	settle := settlement.NewService(registry, tradeRepo, books, riskEngine, redisClient,
		cfg.AccountEventChannel, cfg.SettlementStream, log)
	upd := updater.NewOrderUpdater(orderRepo, log)

	h = handler.NewHandler(redisClient, gw, &handler.Config{
		OrderStream: cfg.OrderStream,
		EventStream: cfg.EventStream,
		Group:       cfg.ConsumerGroup,
		Consumer:    cfg.ConsumerName,
		Logger:      log,
	})
	h.AddSink(gw.HandleEvent)
	h.AddSink(sched.HandleEvent)
	h.AddSink(mdSvc.HandleEvent)
	h.AddSink(settle.HandleEvent)
	h.AddSink(upd.HandleEvent)

	// 先恢复订单簿再开始消费订单流
	loader := recovery.NewLoader(registry, mgr, orderRepo, gw, log)
	if n, err := loader.Run(ctx); err != nil {
		stdlog.Fatalf("order book recovery: %v (replayed %d)", err, n)
	}

	if err := h.Start(ctx); err != nil {
		stdlog.Fatalf("start handler: %v", err)
	}
	log.Infof("consuming orders", map[string]interface{}{"stream": cfg.OrderStream})

	// WebSocket 行情
	wsSrv := marketdata.NewWSServer(mdSvc, log, &marketdata.WSConfig{
		AllowedOrigins: cfg.WSAllowedOrigins,
	})
	go func() {
		addr := fmt.Sprintf(":%d", cfg.WSPort)
		if err := wsSrv.Run(ctx, addr); err != nil && err != http.ErrServerClosed {
			log.WithError(err).Error("ws server error")
		}
	}()

	// HTTP
	mux := buildMux(cfg, h, db, redisClient, mdSvc, books, riskEngine, sched, gw)
	server := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.HTTPPort),
		Handler:           mux,
		ReadTimeout:       10 * time.Second,
		ReadHeaderTimeout: 5 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       60 * time.Second,
		MaxHeaderBytes:    1 << 20,
	}
	go func() {
		log.Infof("http server listening", map[string]interface{}{"port": cfg.HTTPPort})
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			stdlog.Fatalf("http server: %v", err)
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh

	log.Info("shutting down")
	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer shutdownCancel()
	server.Shutdown(shutdownCtx)
	sched.Stop()
	mgr.StopAll()
	h.Wait()
	books.Stop()
	riskEngine.StopDailyReset()
	wsSrv.CloseAll()
	redisClient.Close()
	db.Close()
	if traceShutdown != nil {
		traceShutdown(shutdownCtx)
	}
	log.Info("shutdown complete")
}

func buildMux(
	cfg *config.Config,
	h *handler.Handler,
	db *sql.DB,
	redisClient *redis.Client,
	mdSvc *marketdata.Service,
	books *ledger.Ledger,
	riskEngine *risk.Engine,
	sched *strategy.Scheduler,
	gw *gateway.Gateway,
) *http.ServeMux {
	mux := http.NewServeMux()

	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		deps := []dependencyStatus{
			checkRedis(r.Context(), redisClient),
			checkPostgres(r.Context(), db),
			checkConsumeLoop(h),
		}
		writeHealth(w, deps)
	})
	mux.Handle("/metrics", metrics.Handler())

	mux.HandleFunc("/v1/depth", func(w http.ResponseWriter, r *http.Request) {
		key := r.URL.Query().Get("instrument")
		if key == "" {
			http.Error(w, "instrument required", http.StatusBadRequest)
			return
		}
		writeJSON(w, http.StatusOK, mdSvc.GetDepth(key, queryInt(r, "limit", 20)))
	})
	mux.HandleFunc("/v1/ticker", func(w http.ResponseWriter, r *http.Request) {
		key := r.URL.Query().Get("instrument")
		ticker := mdSvc.GetTicker(key)
		if ticker == nil {
			http.Error(w, "no data", http.StatusNotFound)
			return
		}
		writeJSON(w, http.StatusOK, ticker)
	})
	mux.HandleFunc("/v1/trades", func(w http.ResponseWriter, r *http.Request) {
		key := r.URL.Query().Get("instrument")
		writeJSON(w, http.StatusOK, mdSvc.GetTrades(key, queryInt(r, "limit", 50)))
	})

	mux.HandleFunc("/v1/order", func(w http.ResponseWriter, r *http.Request) {
		orderID, err := strconv.ParseInt(r.URL.Query().Get("orderId"), 10, 64)
		if err != nil {
			http.Error(w, "orderId required", http.StatusBadRequest)
			return
		}
		state, ok := gw.Order(orderID)
		if !ok {
			http.Error(w, "order not found", http.StatusNotFound)
			return
		}
		writeJSON(w, http.StatusOK, state)
	})

	mux.HandleFunc("/v1/portfolio", func(w http.ResponseWriter, r *http.Request) {
		accountID, err := strconv.ParseInt(r.URL.Query().Get("account"), 10, 64)
		if err != nil {
			http.Error(w, "account required", http.StatusBadRequest)
			return
		}
		writeJSON(w, http.StatusOK, books.Portfolio(accountID))
	})
	mux.HandleFunc("/v1/risk/var", func(w http.ResponseWriter, r *http.Request) {
		accountID, err := strconv.ParseInt(r.URL.Query().Get("account"), 10, 64)
		if err != nil {
			http.Error(w, "account required", http.StatusBadRequest)
			return
		}
		writeJSON(w, http.StatusOK, map[string]string{
			"var95": riskEngine.VaR95(accountID).String(),
			"var99": riskEngine.VaR99(accountID).String(),
		})
	})
	mux.HandleFunc("/v1/risk/stress", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}
		var req struct {
			AccountID int64             `json:"accountId"`
			Shocks    map[string]string `json:"shocks"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(w, "bad request", http.StatusBadRequest)
			return
		}
		shocks := make(map[string]decimal.Decimal, len(req.Shocks))
		for key, raw := range req.Shocks {
			shock, err := decimal.NewFromString(raw)
			if err != nil {
				http.Error(w, "bad shock: "+key, http.StatusBadRequest)
				return
			}
			shocks[key] = shock
		}
		writeJSON(w, http.StatusOK, riskEngine.StressTest(req.AccountID, shocks))
	})

	internalAuth := func(next http.HandlerFunc) http.HandlerFunc {
		return func(w http.ResponseWriter, r *http.Request) {
			if cfg.ComplianceToken != "" && r.Header.Get("X-Internal-Token") != cfg.ComplianceToken {
				http.Error(w, "unauthorized", http.StatusUnauthorized)
				return
			}
			next(w, r)
		}
	}

	mux.HandleFunc("/internal/risk/limits", internalAuth(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}
		var req struct {
			AccountID           int64  `json:"accountId"`
			MaxPositionValue    string `json:"maxPositionValue"`
			MaxConcentrationPct string `json:"maxConcentrationPct"`
			MaxDailyVolume      string `json:"maxDailyVolume"`
			MaxVaR95            string `json:"maxVar95"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(w, "bad request", http.StatusBadRequest)
			return
		}
		limit := risk.Limit{AccountID: req.AccountID}
		var err error
		if limit.MaxPositionValue, err = parseDecimal(req.MaxPositionValue); err != nil {
			http.Error(w, "bad maxPositionValue", http.StatusBadRequest)
			return
		}
		if limit.MaxConcentrationPct, err = parseDecimal(req.MaxConcentrationPct); err != nil {
			http.Error(w, "bad maxConcentrationPct", http.StatusBadRequest)
			return
		}
		if limit.MaxDailyVolume, err = parseDecimal(req.MaxDailyVolume); err != nil {
			http.Error(w, "bad maxDailyVolume", http.StatusBadRequest)
			return
		}
		if limit.MaxVaR95, err = parseDecimal(req.MaxVaR95); err != nil {
			http.Error(w, "bad maxVar95", http.StatusBadRequest)
			return
		}
		riskEngine.SetLimit(limit)
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	}))

	mux.HandleFunc("/v1/twap", internalAuth(func(w http.ResponseWriter, r *http.Request) {
		switch r.Method {
		case http.MethodPost:
			var params strategy.TWAPParams
			if err := json.NewDecoder(r.Body).Decode(&params); err != nil {
				http.Error(w, "bad request", http.StatusBadRequest)
				return
			}
			id, err := sched.SubmitTWAP(params)
			if err != nil {
				writeError(w, err)
				return
			}
			writeJSON(w, http.StatusOK, map[string]int64{"strategyId": id})
		case http.MethodGet:
			id, err := strconv.ParseInt(r.URL.Query().Get("strategyId"), 10, 64)
			if err != nil {
				http.Error(w, "strategyId required", http.StatusBadRequest)
				return
			}
			snap, err := sched.Snapshot(id)
			if err != nil {
				writeError(w, err)
				return
			}
			writeJSON(w, http.StatusOK, snap)
		case http.MethodDelete:
			id, err := strconv.ParseInt(r.URL.Query().Get("strategyId"), 10, 64)
			if err != nil {
				http.Error(w, "strategyId required", http.StatusBadRequest)
				return
			}
			if err := sched.CancelStrategy(r.Context(), id); err != nil {
				writeError(w, err)
				return
			}
			writeJSON(w, http.StatusOK, map[string]string{"status": "canceled"})
		default:
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		}
	}))

	return mux
}

func parseDecimal(raw string) (decimal.Decimal, error) {
	if raw == "" {
		return decimal.Zero, nil
	}
	return decimal.NewFromString(raw)
}

func queryInt(r *http.Request, key string, defaultValue int) int {
	if raw := r.URL.Query().Get(key); raw != "" {
		if v, err := strconv.Atoi(raw); err == nil && v > 0 {
			return v
		}
	}
	return defaultValue
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, err error) {
	if bizErr, ok := err.(*pkgerrors.Error); ok {
		writeJSON(w, bizErr.HTTPStatus(), bizErr)
		return
	}
	http.Error(w, err.Error(), http.StatusInternalServerError)
}

type dependencyStatus struct {
	Name    string `json:"name"`
	Status  string `json:"status"`
	Latency int64  `json:"latency"`
}

type healthResponse struct {
	Status       string             `json:"status"`
	Dependencies []dependencyStatus `json:"dependencies"`
}

func checkRedis(ctx context.Context, client *redis.Client) dependencyStatus {
	start := time.Now()
	timeoutCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	status := "ok"
	if err := client.Ping(timeoutCtx).Err(); err != nil {
		status = "down"
	}
	return dependencyStatus{Name: "redis", Status: status, Latency: time.Since(start).Milliseconds()}
}

func checkPostgres(ctx context.Context, db *sql.DB) dependencyStatus {
	start := time.Now()
	timeoutCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	status := "ok"
	if err := db.PingContext(timeoutCtx); err != nil {
		status = "down"
	}
	return dependencyStatus{Name: "postgres", Status: status, Latency: time.Since(start).Milliseconds()}
}

func checkConsumeLoop(h *handler.Handler) dependencyStatus {
	ok, age, _ := h.ConsumeLoopHealthy(time.Now(), 45*time.Second)
	status := "ok"
	if !ok {
		status = "down"
	}
	return dependencyStatus{Name: "orderStreamConsumer", Status: status, Latency: age.Milliseconds()}
}

func writeHealth(w http.ResponseWriter, deps []dependencyStatus) {
	status := "ok"
	for _, dep := range deps {
		if dep.Status != "ok" {
			status = "degraded"
			break
		}
	}
	code := http.StatusOK
	if status != "ok" {
		code = http.StatusServiceUnavailable
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(healthResponse{Status: status, Dependencies: deps})
}
