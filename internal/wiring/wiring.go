// Package wiring assembles a pool.Pool and its backend.Clients from a
// config.Config, the way server/agent.Agent assembles orchy's cluster,
// flow service and HTTP/gRPC servers: an ordered setup slice run once at
// construction, and a mirrored shutdown slice run once on Stop.
package wiring

import (
	"context"
	"fmt"
	"net/http"
	"sync"

	"github.com/mohitkumar/renderfleet/backend"
	"github.com/mohitkumar/renderfleet/config"
	"github.com/mohitkumar/renderfleet/logger"
	"github.com/mohitkumar/renderfleet/pool"
	"go.uber.org/zap"
)

// Agent owns the dispatcher and its optional status server for the
// lifetime of one CLI invocation.
type Agent struct {
	Config config.Config

	Pool *pool.Pool

	statusServer *http.Server

	shutdownLock sync.Mutex
	stopped      bool
}

// New builds the Pool, adds every configured backend, and (if StatusAddr
// is set) prepares the introspection server. Clients begin initializing
// asynchronously; callers should give the fleet a moment before
// dispatching jobs, or simply let the first pool.Run block until one is
// ready.
func New(cfg config.Config) (*Agent, error) {
	a := &Agent{Config: cfg}

	setup := []func() error{
		a.setupPool,
		a.setupClients,
		a.setupStatusServer,
	}
	for _, fn := range setup {
		if err := fn(); err != nil {
			return nil, err
		}
	}
	return a, nil
}

func (a *Agent) setupPool() error {
	mode, err := parseMode(a.Config.Mode)
	if err != nil {
		return err
	}
	opts := []pool.Option{pool.WithMode(mode)}
	if a.Config.MaxQueueSize > 0 {
		opts = append(opts, pool.WithMaxQueueSize(a.Config.MaxQueueSize))
	}
	if a.Config.InitTries > 0 {
		opts = append(opts, pool.WithInitTries(a.Config.InitTries, a.Config.InitDelay))
	}
	a.Pool = pool.New(opts...)
	return nil
}

func (a *Agent) setupClients() error {
	for _, bc := range a.Config.Backends {
		creds, err := parseCredentials(bc)
		if err != nil {
			return fmt.Errorf("backend %s: %w", bc.ID, err)
		}
		client := backend.New(backend.Config{
			ID:                   bc.ID,
			Host:                 bc.Host,
			Credentials:          creds,
			MetaCacheTTL:         a.Config.MetaCacheTTL,
			ReconnectBaseDelay:   a.Config.ReconnectBaseDelay,
			ReconnectMaxDelay:    a.Config.ReconnectMaxDelay,
			ReconnectMaxAttempts: a.Config.ReconnectMaxAttempts,
		})
		idx := a.Pool.AddClient(client)
		logger.Info("backend registered", zap.String("id", bc.ID), zap.Int("index", idx))
	}
	return nil
}

func (a *Agent) setupStatusServer() error {
	if a.Config.StatusAddr == "" {
		return nil
	}
	a.statusServer = &http.Server{Addr: a.Config.StatusAddr, Handler: a.Pool.ServeStatus()}
	return nil
}

// Start launches the status server, if configured. The pool itself has no
// separate start step: AddClient already kicked off client init, and the
// dispatcher's job loop started inside pool.New.
func (a *Agent) Start() error {
	if a.statusServer == nil {
		return nil
	}
	go func() {
		logger.Info("status endpoint listening", zap.String("addr", a.Config.StatusAddr))
		if err := a.statusServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("status endpoint stopped", zap.Error(err))
		}
	}()
	return nil
}

// Stop tears everything down in reverse of setup order. Safe to call once.
func (a *Agent) Stop() error {
	a.shutdownLock.Lock()
	defer a.shutdownLock.Unlock()
	if a.stopped {
		return nil
	}
	a.stopped = true

	shutdown := []func() error{
		func() error {
			if a.statusServer == nil {
				return nil
			}
			return a.statusServer.Shutdown(context.Background())
		},
		func() error {
			a.Pool.Destroy()
			return nil
		},
	}
	for _, fn := range shutdown {
		if err := fn(); err != nil {
			return err
		}
	}
	return nil
}

func parseMode(s string) (pool.Mode, error) {
	switch s {
	case "", "lowest":
		return pool.PickLowest, nil
	case "zero":
		return pool.PickZero, nil
	case "routine":
		return pool.PickRoutine, nil
	case "affinity":
		return pool.PickAffinity, nil
	default:
		return 0, fmt.Errorf("unknown dispatcher mode %q", s)
	}
}

func parseCredentials(bc config.BackendConfig) (backend.Credentials, error) {
	switch bc.AuthKind {
	case "", "none":
		return backend.Credentials{Kind: backend.CredNone}, nil
	case "basic":
		return backend.Credentials{Kind: backend.CredBasic, Username: bc.Username, Password: bc.Password}, nil
	case "bearer":
		return backend.Credentials{Kind: backend.CredBearer, Token: bc.Token}, nil
	case "headers":
		return backend.Credentials{Kind: backend.CredHeaders, Headers: bc.Headers}, nil
	default:
		return backend.Credentials{}, fmt.Errorf("unknown auth kind %q", bc.AuthKind)
	}
}
