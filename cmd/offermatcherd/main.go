// Command offermatcherd wires the offer-matching core, the launch rate
// limiter, and the admission filter behind a gRPC server. It is a thin
// composition layer: none of the packages it imports ever import it back.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/hashicorp/go-multierror"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	log "github.com/sirupsen/logrus"
	"golang.org/x/time/rate"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	realclock "k8s.io/utils/clock"

	"github.com/clusterfabric/offermatcher/internal/common/clustererrors"
	"github.com/clusterfabric/offermatcher/internal/common/requestid"
	"github.com/clusterfabric/offermatcher/internal/common/taskcontext"
	"github.com/clusterfabric/offermatcher/pkg/admission"
	"github.com/clusterfabric/offermatcher/pkg/offermatcher"
	"github.com/clusterfabric/offermatcher/pkg/ratelimiter"
)

// daemonConfig is the top-level configuration for offermatcherd, assembled
// from flags rather than a config file: the core packages take plain
// structs, and the daemon follows suit instead of introducing a config
// file loader this project has no other use for.
type daemonConfig struct {
	GrpcPort        int
	MetricsPort     int
	ManagerConfig   offermatcher.ManagerConfig
	AdmissionConfig admission.FilterConfig
	GlobalQPS       float64
	GlobalBurst     int
}

// validate reports every problem with the assembled configuration at
// once, aggregating sub-config errors with the sub-configs' own Validate
// methods rather than stopping at the first one found.
func (c daemonConfig) validate() error {
	var result *multierror.Error
	if c.GrpcPort <= 0 {
		result = multierror.Append(result, fmt.Errorf("GrpcPort must be positive"))
	}
	if c.MetricsPort <= 0 {
		result = multierror.Append(result, fmt.Errorf("MetricsPort must be positive"))
	}
	if c.GlobalQPS <= 0 {
		result = multierror.Append(result, fmt.Errorf("GlobalQPS must be positive"))
	}
	if err := c.ManagerConfig.Validate(); err != nil {
		result = multierror.Append(result, err)
	}
	if err := c.AdmissionConfig.Validate(); err != nil {
		result = multierror.Append(result, err)
	}
	return result.ErrorOrNil()
}

func loadConfig() daemonConfig {
	grpcPort := flag.Int("grpc-port", 50051, "port the gRPC server listens on")
	metricsPort := flag.Int("metrics-port", 9090, "port the Prometheus metrics endpoint listens on")
	maxTasksPerOffer := flag.Int("max-tasks-per-offer", 100, "hard cap on accepted placements per offer")
	concurrentRequests := flag.Int64("concurrent-requests", 64, "size of the admission filter's permit pool")
	waitTime := flag.Duration("admission-wait-time", 500*time.Millisecond, "how long a request waits for an admission permit")
	globalQPS := flag.Float64("global-qps", 200, "global request rate limit applied ahead of the admission filter")
	globalBurst := flag.Int("global-burst", 50, "burst size for the global rate limit")
	flag.Parse()

	return daemonConfig{
		GrpcPort:    *grpcPort,
		MetricsPort: *metricsPort,
		ManagerConfig: offermatcher.ManagerConfig{
			MaxTasksPerOffer: *maxTasksPerOffer,
		},
		AdmissionConfig: admission.FilterConfig{
			ConcurrentRequests: *concurrentRequests,
			WaitTime:           *waitTime,
		},
		GlobalQPS:   *globalQPS,
		GlobalBurst: *globalBurst,
	}
}

// globalRateLimitInterceptor rejects requests once the process-wide QPS
// budget is exhausted, ahead of (and more coarsely than) the admission
// filter's per-pool concurrency gate. Unlike the admission filter, it
// never waits: a request either has budget available right now or it
// doesn't.
func globalRateLimitInterceptor(limiter *rate.Limiter) grpc.UnaryServerInterceptor {
	return func(ctx context.Context, req interface{}, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (interface{}, error) {
		if !limiter.Allow() {
			return nil, status.Error(codes.ResourceExhausted, "global request rate limit exceeded")
		}
		return handler(ctx, req)
	}
}

func configureLogging() {
	log.SetFormatter(&log.TextFormatter{FullTimestamp: true})
	log.SetOutput(os.Stdout)
}

func serveMetrics(port int, registry *prometheus.Registry) func() {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(registry, promhttp.HandlerOpts{}))
	server := &http.Server{Addr: fmt.Sprintf(":%d", port), Handler: mux}

	go func() {
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.WithError(err).Error("metrics server failure")
		}
	}()

	return func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = server.Shutdown(ctx)
	}
}

func main() {
	configureLogging()
	config := loadConfig()
	if err := config.validate(); err != nil {
		log.WithError(err).Fatal("invalid configuration")
	}

	clk := realclock.RealClock{}
	offerMetrics := offermatcher.NewMetrics()
	admissionMetrics := admission.NewMetrics()

	registry := prometheus.NewRegistry()
	registry.MustRegister(offerMetrics.Collectors()...)
	registry.MustRegister(admissionMetrics.Collectors()...)
	shutdownMetrics := serveMetrics(config.MetricsPort, registry)
	defer shutdownMetrics()

	manager := offermatcher.NewManager(config.ManagerConfig, clk, offerMetrics, func(wanted bool) {
		log.Debugf("wanted-offers is now %v", wanted)
	})

	managerCtx, cancelManager := context.WithCancel(context.Background())
	tctx := taskcontext.New(managerCtx, log.NewEntry(log.StandardLogger()))
	group, tctx := taskcontext.ErrGroup(tctx)
	group.Go(func() error {
		return manager.Run(tctx)
	})

	// launchLimiter throttles per-application relaunch attempts. It is owned
	// by this goroutine's HTTP handler rather than by the Manager, matching
	// the rate limiter's documented contract that it belongs to its sole
	// caller; Synchronized is used here specifically because that caller is
	// the net/http server, which runs one goroutine per request.
	launchLimiter := ratelimiter.NewSynchronized(clk)
	shutdownDebug := serveDebug(config.MetricsPort+1, launchLimiter, manager)
	defer shutdownDebug()

	admissionFilter := admission.NewFilter(config.AdmissionConfig, admissionMetrics)
	globalLimiter := rate.NewLimiter(rate.Limit(config.GlobalQPS), config.GlobalBurst)

	grpcServer := grpc.NewServer(
		grpc.ChainUnaryInterceptor(
			requestid.UnaryServerInterceptor(),
			globalRateLimitInterceptor(globalLimiter),
			admissionFilter.UnaryServerInterceptor(),
			clustererrors.UnaryServerInterceptor(),
		),
		grpc.ChainStreamInterceptor(
			requestid.StreamServerInterceptor(),
			admissionFilter.StreamServerInterceptor(),
			clustererrors.StreamServerInterceptor(),
		),
	)

	lis, err := net.Listen("tcp", fmt.Sprintf(":%d", config.GrpcPort))
	if err != nil {
		log.WithError(err).Fatal("failed to listen")
	}

	group.Go(func() error {
		log.Infof("gRPC listening on %d", config.GrpcPort)
		return grpcServer.Serve(lis)
	})

	stopSignal := make(chan os.Signal, 1)
	signal.Notify(stopSignal, syscall.SIGINT, syscall.SIGTERM)
	<-stopSignal

	log.Info("shutting down")
	grpcServer.GracefulStop()
	cancelManager()
	if err := group.Wait(); err != nil {
		log.WithError(err).Error("shutdown completed with error")
	}
}

// defaultBackoffConfig is used by the debug backoff endpoint below; a real
// control-plane service would carry this per application instead of using
// one value for all of them.
var defaultBackoffConfig = ratelimiter.AppBackoffConfig{
	Backoff:        time.Second,
	BackoffFactor:  2,
	MaxLaunchDelay: time.Minute,
}

// serveDebug exposes the launch rate limiter and the Manager's snapshot
// over small JSON endpoints, separate from the gRPC server and the
// Prometheus endpoint, so an operator can inspect or manually reset an
// application's backoff, or check the Manager's token/matcher counts,
// without a gRPC client.
func serveDebug(port int, limiter *ratelimiter.Synchronized, manager *offermatcher.Manager) func() {
	mux := http.NewServeMux()
	mux.HandleFunc("/debug/manager", func(w http.ResponseWriter, r *http.Request) {
		snap, ok := manager.Snapshot(r.Context())
		if !ok {
			http.Error(w, "manager unavailable", http.StatusServiceUnavailable)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(snap)
	})
	mux.HandleFunc("/debug/backoff", func(w http.ResponseWriter, r *http.Request) {
		app := ratelimiter.AppKey{ID: r.URL.Query().Get("id"), Version: r.URL.Query().Get("version")}
		if app.ID == "" {
			http.Error(w, "id is required", http.StatusBadRequest)
			return
		}

		var deadline time.Time
		switch r.Method {
		case http.MethodPost:
			deadline = limiter.AddDelay(app, defaultBackoffConfig)
		case http.MethodDelete:
			limiter.ResetDelay(app)
			deadline = limiter.GetDelay(app)
		default:
			deadline = limiter.GetDelay(app)
		}

		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]interface{}{
			"app":      app,
			"deadline": deadline,
		})
	})
	server := &http.Server{Addr: fmt.Sprintf(":%d", port), Handler: mux}

	go func() {
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.WithError(err).Error("debug server failure")
		}
	}()

	return func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = server.Shutdown(ctx)
	}
}
