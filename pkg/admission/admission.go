// Package admission implements a bounded-concurrency gate for gRPC
// handlers: a counting permit pool that bounds how many requests may be in
// flight at once, rejecting the rest once the pool is exhausted and the
// caller has waited past its patience.
package admission

import (
	"context"
	"fmt"
	"time"

	"github.com/hashicorp/go-multierror"
	grpc_middleware "github.com/grpc-ecosystem/go-grpc-middleware"
	"golang.org/x/sync/semaphore"
	"google.golang.org/grpc"
	"google.golang.org/grpc/status"

	"github.com/clusterfabric/offermatcher/internal/common/clustererrors"
)

// FilterConfig configures a Filter's permit pool.
type FilterConfig struct {
	// ConcurrentRequests is the size of the permit pool.
	ConcurrentRequests int64
	// WaitTime bounds how long a request waits for a free permit before
	// being rejected.
	WaitTime time.Duration
}

// Validate reports every problem with config at once, rather than only the
// first one found.
func (config FilterConfig) Validate() error {
	var result *multierror.Error
	if config.ConcurrentRequests <= 0 {
		result = multierror.Append(result, fmt.Errorf("ConcurrentRequests must be positive"))
	}
	if config.WaitTime <= 0 {
		result = multierror.Append(result, fmt.Errorf("WaitTime must be positive"))
	}
	return result.ErrorOrNil()
}

// Filter gates concurrent access to downstream handlers with a counting
// semaphore. A permit acquired for a request is released on every exit
// path — success, error, or panic — before the interceptor returns.
type Filter struct {
	config  FilterConfig
	sem     *semaphore.Weighted
	metrics *Metrics
}

// NewFilter constructs a Filter sized to config.ConcurrentRequests.
func NewFilter(config FilterConfig, metrics *Metrics) *Filter {
	return &Filter{
		config:  config,
		sem:     semaphore.NewWeighted(config.ConcurrentRequests),
		metrics: metrics,
	}
}

// acquire blocks up to f.config.WaitTime for a permit. It returns false if
// none became available in that time.
func (f *Filter) acquire(ctx context.Context) bool {
	waitCtx, cancel := context.WithTimeout(ctx, f.config.WaitTime)
	defer cancel()
	if f.metrics != nil {
		f.metrics.waiting.Inc()
		defer f.metrics.waiting.Dec()
	}
	return f.sem.Acquire(waitCtx, 1) == nil
}

func (f *Filter) release() {
	f.sem.Release(1)
}

func (f *Filter) rejection() error {
	if f.metrics != nil {
		f.metrics.rejected.Inc()
	}
	err := clustererrors.Unavailable(fmt.Sprintf("Too many concurrent requests! Allowed: %d.", f.config.ConcurrentRequests))
	return status.Error(clustererrors.CodeFromError(err), err.Error())
}

// runGuarded calls handler while holding a permit, recovering any panic and
// converting it into an internal-error signal rather than letting it cross
// the interceptor boundary, matching the contract that non-gRPC-shaped
// downstream failures map to a programming-error code.
func runGuarded(handler func() error) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = clustererrors.Misuse(fmt.Sprintf("panic in admitted handler: %v", r))
		}
	}()
	return handler()
}

// UnaryServerInterceptor admits unary calls through f's permit pool.
func (f *Filter) UnaryServerInterceptor() grpc.UnaryServerInterceptor {
	return func(ctx context.Context, req interface{}, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (interface{}, error) {
		if !f.acquire(ctx) {
			return nil, f.rejection()
		}
		if f.metrics != nil {
			f.metrics.inFlight.Inc()
		}
		defer func() {
			if f.metrics != nil {
				f.metrics.inFlight.Dec()
			}
			f.release()
		}()

		var resp interface{}
		err := runGuarded(func() error {
			var handlerErr error
			resp, handlerErr = handler(ctx, req)
			return handlerErr
		})
		return resp, err
	}
}

// StreamServerInterceptor is the streaming analogue of
// UnaryServerInterceptor. The permit is held for the stream's entire
// lifetime, from admission to the handler returning.
func (f *Filter) StreamServerInterceptor() grpc.StreamServerInterceptor {
	return func(srv interface{}, stream grpc.ServerStream, info *grpc.StreamServerInfo, handler grpc.StreamHandler) error {
		if !f.acquire(stream.Context()) {
			return f.rejection()
		}
		if f.metrics != nil {
			f.metrics.inFlight.Inc()
		}
		defer func() {
			if f.metrics != nil {
				f.metrics.inFlight.Dec()
			}
			f.release()
		}()

		wrapped := grpc_middleware.WrapServerStream(stream)
		return runGuarded(func() error {
			return handler(srv, wrapped)
		})
	}
}
