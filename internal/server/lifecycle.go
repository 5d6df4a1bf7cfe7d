// Package server runs the relay's long-lived services: it starts them
// together, waits for a termination signal or a failure, and stops them in
// reverse order.
package server

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"go.uber.org/zap"
)

// Service is a long-running component. Start blocks until the service ends;
// Stop asks it to end and returns once it has.
type Service interface {
	Start() error
	Stop()
}

// FuncService adapts a start/stop function pair into a Service.
type FuncService struct {
	StartFn func() error
	StopFn  func()
}

// Start calls StartFn.
func (f *FuncService) Start() error { return f.StartFn() }

// Stop calls StopFn.
func (f *FuncService) Stop() { f.StopFn() }

// Lifecycle owns the relay's services.
type Lifecycle struct {
	logger      *zap.Logger
	signals     []os.Signal
	stopTimeout time.Duration

	mu       sync.Mutex
	services []namedService
}

type namedService struct {
	name    string
	service Service
}

// NewLifecycle creates a Lifecycle that shuts down on SIGINT or SIGTERM.
// A service whose Stop runs longer than stopTimeout is reported and abandoned;
// zero waits indefinitely.
//
// Precondition: logger must be non-nil; stopTimeout must be >= 0.
func NewLifecycle(logger *zap.Logger, stopTimeout time.Duration) *Lifecycle {
	return &Lifecycle{
		logger:      logger,
		signals:     []os.Signal{syscall.SIGINT, syscall.SIGTERM},
		stopTimeout: stopTimeout,
	}
}

// Add registers a named service. Services start in the order added and stop
// in the reverse order.
//
// Precondition: name must be non-empty; svc must be non-nil.
func (l *Lifecycle) Add(name string, svc Service) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.services = append(l.services, namedService{name: name, service: svc})
}

// Services returns the registered service names in start order.
func (l *Lifecycle) Services() []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	names := make([]string, len(l.services))
	for i, ns := range l.services {
		names[i] = ns.name
	}
	return names
}

// Run starts every service and blocks until a signal arrives, ctx is
// cancelled, or a service fails. A service whose Start returns nil before
// shutdown is treated as finished, not failed.
//
// Postcondition: Every service has been stopped. The returned error is the
// first service failure, or nil for a signal or cancellation.
func (l *Lifecycle) Run(ctx context.Context) error {
	start := time.Now()

	l.mu.Lock()
	services := append([]namedService(nil), l.services...)
	l.mu.Unlock()

	ctx, stopSignals := signal.NotifyContext(ctx, l.signals...)
	defer stopSignals()

	errCh := make(chan error, len(services))
	for _, ns := range services {
		l.logger.Debug("starting service", zap.String("service", ns.name))
		go l.start(ns, errCh)
	}

	l.logger.Info("relay services started",
		zap.Strings("services", l.Services()),
		zap.Duration("startup", time.Since(start)),
	)

	var runErr error
	select {
	case runErr = <-errCh:
		l.logger.Error("service failed, shutting down", zap.Error(runErr))
	case <-ctx.Done():
		l.logger.Info("shutting down", zap.NamedError("cause", context.Cause(ctx)))
	}

	l.shutdown(services)

	l.logger.Info("shutdown complete", zap.Duration("uptime", time.Since(start)))
	return runErr
}

func (l *Lifecycle) start(ns namedService, errCh chan<- error) {
	if err := ns.service.Start(); err != nil {
		errCh <- fmt.Errorf("service %s: %w", ns.name, err)
	}
}

func (l *Lifecycle) shutdown(services []namedService) {
	shutdownStart := time.Now()
	for i := len(services) - 1; i >= 0; i-- {
		l.stop(services[i])
	}
	l.logger.Info("all services stopped", zap.Duration("elapsed", time.Since(shutdownStart)))
}

func (l *Lifecycle) stop(ns namedService) {
	svcStart := time.Now()
	done := make(chan struct{})
	go func() {
		defer close(done)
		ns.service.Stop()
	}()

	var timeout <-chan time.Time
	if l.stopTimeout > 0 {
		timer := time.NewTimer(l.stopTimeout)
		defer timer.Stop()
		timeout = timer.C
	}

	select {
	case <-done:
		l.logger.Info("service stopped",
			zap.String("service", ns.name),
			zap.Duration("elapsed", time.Since(svcStart)),
		)
	case <-timeout:
		l.logger.Warn("service did not stop in time",
			zap.String("service", ns.name),
			zap.Duration("timeout", l.stopTimeout),
		)
	}
}
