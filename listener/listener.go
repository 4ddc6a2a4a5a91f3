package listener

import (
	"context"
	"errors"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/go-chi/chi/v5/middleware"

	"github.com/stephnangue/recordshare/logger"
)

// ApiListener runs the HTTP server for the API surface.
type ApiListener struct {
	log     logger.Logger
	server  *http.Server
	tlsCert string
	tlsKey  string
	stopped atomic.Bool
}

// ApiListenerConfig configures an ApiListener.
type ApiListenerConfig struct {
	Logger      logger.Logger
	Address     string
	TLSCertFile string
	TLSKeyFile  string
	TLSEnabled  bool
}

// NewApiListener wraps the handler with the standard middleware stack and
// builds the server.
func NewApiListener(cfg ApiListenerConfig, httpHandler http.Handler) (*ApiListener, error) {
	var handler http.Handler = httpHandler
	handler = middleware.RealIP(handler)
	handler = middleware.RequestID(handler)
	handler = middleware.Recoverer(handler)

	server := &http.Server{
		Addr:         cfg.Address,
		Handler:      handler,
		IdleTimeout:  time.Minute,
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 10 * time.Second,
	}

	l := &ApiListener{
		log:    cfg.Logger.WithSubsystem("listener"),
		server: server,
	}
	if cfg.TLSEnabled {
		l.tlsCert = cfg.TLSCertFile
		l.tlsKey = cfg.TLSKeyFile
	}
	return l, nil
}

func (l *ApiListener) Addr() string {
	return l.server.Addr
}

func (l *ApiListener) Type() string {
	return "api"
}

// Start begins serving and blocks until the context is cancelled or the
// server fails.
func (l *ApiListener) Start(ctx context.Context) error {
	l.log.Info("starting HTTP server", logger.String("address", l.server.Addr))

	errChan := make(chan error, 1)
	go func() {
		var err error
		if l.tlsCert != "" {
			err = l.server.ListenAndServeTLS(l.tlsCert, l.tlsKey)
		} else {
			err = l.server.ListenAndServe()
		}
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			errChan <- err
		}
	}()

	select {
	case <-ctx.Done():
		l.log.Info("shutdown signal received")
		return l.Stop()
	case err := <-errChan:
		l.log.Error("HTTP server error", logger.Err(err))
		return err
	}
}

// Stop shuts the server down gracefully with a 30 second budget.
func (l *ApiListener) Stop() error {
	if !l.stopped.CompareAndSwap(false, true) {
		l.log.Info("HTTP server already stopped, skipping")
		return nil
	}

	l.log.Info("shutting down HTTP server")

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := l.server.Shutdown(ctx); err != nil {
		l.log.Error("error when shutting down the http server", logger.Err(err))
		return err
	}

	l.log.Info("HTTP server stopped gracefully")
	return nil
}
