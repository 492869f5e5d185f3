// internal/app/runner.go
package app

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/northquay/gatelink/internal/classifier"
	"github.com/northquay/gatelink/internal/config"
	"github.com/northquay/gatelink/internal/gateway"
	"github.com/northquay/gatelink/internal/logging"
	"github.com/northquay/gatelink/internal/marketdata"
	"github.com/northquay/gatelink/internal/metrics"
	"github.com/northquay/gatelink/internal/session"
)

// Runner wires the transport, the session supervisor and the subscription
// layer together and runs them until a shutdown signal arrives.
type Runner struct {
	logger     *logging.Logger
	cfg        *config.Config
	collector  *metrics.Collector
	transport  *gateway.WSClient
	session    *session.Manager
	marketData *marketdata.Manager
	shutdownCh chan os.Signal
}

func NewRunner(cfg *config.Config, logger *logging.Logger) *Runner {
	collector := metrics.NewCollector()
	transport := gateway.NewWSClient(logger.Logger)

	sm := session.NewManager(session.Config{
		Host:                 cfg.Gateway.Host,
		Port:                 cfg.Gateway.Port,
		ClientID:             cfg.Gateway.ClientID,
		HeartbeatInterval:    cfg.Session.HeartbeatInterval,
		HeartbeatTimeout:     cfg.Session.HeartbeatTimeout,
		ReconnectDelay:       cfg.Session.ReconnectDelay,
		MaxReconnectAttempts: cfg.Session.MaxReconnectAttempts,
		ErrorHistorySize:     cfg.Session.ErrorHistorySize,
	}, transport, logger.Logger, collector)

	md := marketdata.NewManager(sm, transport, marketdata.Config{
		ResubscribeDelay: cfg.MarketData.ResubscribeDelay,
	}, logger.Logger, collector)

	return &Runner{
		logger:     logger,
		cfg:        cfg,
		collector:  collector,
		transport:  transport,
		session:    sm,
		marketData: md,
		shutdownCh: make(chan os.Signal, 1),
	}
}

func (r *Runner) Run(ctx context.Context) error {
	signal.Notify(r.shutdownCh, syscall.SIGINT, syscall.SIGTERM)
	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	go func() {
		sig := <-r.shutdownCh
		r.logger.Info("📡 Signal received: " + sig.String())
		cancel()
	}()

	r.watchGatewayErrors()

	if err := r.connectWithRetry(runCtx); err != nil {
		return fmt.Errorf("gateway connect failed: %w", err)
	}
	r.logger.Info("🚀 Gateway session established",
		zap.String("host", r.cfg.Gateway.Host),
		zap.Int("port", r.cfg.Gateway.Port),
		zap.Int("client_id", r.cfg.Gateway.ClientID),
	)

	r.subscribeConfigured()

	g, gctx := errgroup.WithContext(runCtx)

	if r.cfg.Metrics.Enabled {
		srv := r.metricsServer()
		g.Go(func() error {
			r.logger.Info("Metrics endpoint listening", zap.String("addr", srv.Addr))
			if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				return fmt.Errorf("metrics server: %w", err)
			}
			return nil
		})
		g.Go(func() error {
			<-gctx.Done()
			shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer shutdownCancel()
			return srv.Shutdown(shutdownCtx)
		})
	} else {
		g.Go(func() error {
			<-gctx.Done()
			return nil
		})
	}

	err := g.Wait()
	r.shutdown()
	if err != nil && err != context.Canceled {
		return err
	}
	return nil
}

// connectWithRetry drives the first connect. The session manager does not
// retry an explicit Connect on its own, so startup retries live here.
func (r *Runner) connectWithRetry(ctx context.Context) error {
	opLog := r.logger.WithOperation("gateway-connect")

	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = r.cfg.Session.ReconnectDelay
	policy.MaxInterval = time.Minute

	operation := func() (struct{}, error) {
		return struct{}{}, r.session.Connect(ctx)
	}

	_, err := backoff.Retry(ctx, operation,
		backoff.WithBackOff(policy),
		backoff.WithMaxTries(uint(r.cfg.Session.MaxReconnectAttempts)+1),
		backoff.WithNotify(func(err error, next time.Duration) {
			opLog.Warn("Gateway connect failed, retrying",
				zap.Error(err),
				zap.Duration("retry_in", next),
			)
		}),
	)
	return err
}

// watchGatewayErrors surfaces classified gateway trouble in the daemon log.
// Routine notices already get logged by the classifier itself.
func (r *Runner) watchGatewayErrors() {
	cl := r.session.Classifier()
	cl.RegisterCallback(classifier.CategorySevere, func(rec classifier.ErrorRecord) {
		r.logger.Error("🔥 Severe gateway error",
			zap.Int("code", rec.Code),
			zap.String("message", rec.Message),
		)
	})
	cl.RegisterCallback(classifier.CategoryAuthorization, func(rec classifier.ErrorRecord) {
		r.logger.Error("Gateway rejected credentials",
			zap.Int("code", rec.Code),
			zap.String("message", rec.Message),
		)
	})
}

// subscribeConfigured opens the market-data subscriptions named in the
// config. A failed subscribe is kept as durable intent and revived on the
// next reconnect, so failures here only warn.
func (r *Runner) subscribeConfigured() {
	for _, s := range r.cfg.Symbols {
		contract := gateway.Contract{
			Symbol:   s.Symbol,
			SecType:  s.SecType,
			Expiry:   s.Expiry,
			Strike:   s.Strike,
			Right:    s.Right,
			Exchange: s.Exchange,
			Currency: s.Currency,
		}
		key := contract.SymbolKey()
		if _, err := r.marketData.Subscribe(contract, r.logTick, s.TickList, s.Snapshot); err != nil {
			r.logger.Warn("Subscribe failed, will retry after reconnect",
				zap.String("symbol", key),
				zap.Error(err),
			)
			continue
		}
		r.logger.Info("Subscribed", zap.String("symbol", key))
	}
}

func (r *Runner) logTick(ev gateway.TickEvent) {
	switch ev.Kind {
	case gateway.KindPrice:
		r.logger.Debug("Tick",
			zap.Int64("request_id", ev.RequestID),
			zap.Stringer("type", ev.Type),
			zap.Float64("price", ev.Price),
		)
	case gateway.KindSize:
		r.logger.Debug("Tick",
			zap.Int64("request_id", ev.RequestID),
			zap.Stringer("type", ev.Type),
			zap.Float64("size", ev.Size),
		)
	case gateway.KindString:
		r.logger.Debug("Tick",
			zap.Int64("request_id", ev.RequestID),
			zap.Stringer("type", ev.Type),
			zap.String("value", ev.Value),
		)
	case gateway.KindGeneric:
		r.logger.Debug("Tick",
			zap.Int64("request_id", ev.RequestID),
			zap.Stringer("type", ev.Type),
			zap.Float64("value", ev.Generic),
		)
	}
}

func (r *Runner) metricsServer() *http.Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	return &http.Server{
		Addr:              r.cfg.Metrics.Addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}
}

func (r *Runner) shutdown() {
	r.logger.Info("👋 Shutting down gracefully")

	r.marketData.Close()
	r.session.Close()

	if err := r.logger.Sync(); err != nil {
		fmt.Fprintf(os.Stderr, "failed to sync logger during shutdown: %v\n", err)
	}
}
