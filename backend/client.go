// Package backend implements the Per-Backend Connection Manager (spec.md
// §4.2): one long-lived connection to a remote inference server that
// multiplexes an HTTP control plane, a streaming duplex channel for
// progress/previews, and a liveness watchdog with exponential-backoff
// reconnect plus a polling fallback.
//
// The dial/refresh shape follows worker/client.client and
// worker/client.RpcClient from the teacher (a thin struct wrapping one
// live connection, replaced wholesale on transport loss instead of
// patched in place).
package backend

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/mohitkumar/renderfleet/cache"
	"github.com/mohitkumar/renderfleet/internal/eventbus"
	"github.com/mohitkumar/renderfleet/logger"
	"github.com/mohitkumar/renderfleet/rferrors"
	"go.uber.org/zap"
)

// OSType is the backend host operating system, discovered during init
// (spec.md §3).
type OSType string

const (
	OSPOSIX   OSType = "posix"
	OSNT      OSType = "nt"
	OSUnknown OSType = "unknown"
)

// Config configures one Client. Host and Credentials are read once at
// construction; everything else has a sane default.
type Config struct {
	ID          string
	Host        string
	Credentials Credentials
	HTTPClient  *http.Client
	// WSTimeout bounds liveness: if no frame/HTTP activity is observed for
	// this long the client initiates reconnection (spec.md §4.2).
	WSTimeout time.Duration
	// StreamDialer overrides how the streaming channel is opened; nil uses
	// the default websocket implementation. Tests inject a fake here.
	StreamDialer func(ctx context.Context, wsURL string, headers http.Header) (StreamChannel, error)
	// MetaCacheTTL bounds how long getCheckpoints/getLoras/etc responses
	// are memoized (SPEC_FULL.md §3).
	MetaCacheTTL time.Duration
	// ReconnectBaseDelay, ReconnectMaxDelay and ReconnectMaxAttempts
	// override the reconnect backoff schedule. Zero values fall back to
	// spec.md §4.2's 1s base, 15s cap, 10 attempts.
	ReconnectBaseDelay   time.Duration
	ReconnectMaxDelay    time.Duration
	ReconnectMaxAttempts int
}

func (c Config) withDefaults() Config {
	if c.HTTPClient == nil {
		c.HTTPClient = &http.Client{Timeout: 30 * time.Second}
	}
	if c.WSTimeout <= 0 {
		c.WSTimeout = 10 * time.Second
	}
	if c.MetaCacheTTL <= 0 {
		c.MetaCacheTTL = 30 * time.Second
	}
	if c.ID == "" {
		c.ID = uuid.NewString()
	}
	return c
}

// Client owns one backend connection end to end (spec.md §4.2).
type Client struct {
	cfg Config

	mu           sync.RWMutex
	clientID     string // rebindable session id, spec.md §4.2 text-frame sid rebind
	osType       OSType
	ready        bool
	destroyed    bool
	lastActivity time.Time

	httpClient *http.Client
	creds      Credentials

	events *eventbus.Hub

	metaCache *cache.TTL

	stream        StreamChannel
	streamFactory func(ctx context.Context, wsURL string, headers http.Header) (StreamChannel, error)

	watchdogStop chan struct{}
	pollStop     chan struct{}
	pollActive   bool
	reconnectN   int

	wg sync.WaitGroup

	ext *extensionSet
}

// New constructs an un-initialized Client. Call Init before use.
func New(cfg Config) *Client {
	cfg = cfg.withDefaults()
	c := &Client{
		cfg:           cfg,
		clientID:      cfg.ID,
		osType:        OSUnknown,
		httpClient:    cfg.HTTPClient,
		creds:         cfg.Credentials,
		events:        eventbus.New(),
		metaCache:     cache.New(cfg.MetaCacheTTL),
		streamFactory: cfg.StreamDialer,
		lastActivity:  time.Now(),
	}
	if c.streamFactory == nil {
		c.streamFactory = dialWebsocket
	}
	c.ext = newExtensionSet(c)
	return c
}

// ID returns the client's stable identifier.
func (c *Client) ID() string { return c.cfg.ID }

// Host returns the backend's base URL.
func (c *Client) Host() string { return c.cfg.Host }

// OSType returns the discovered host OS, valid only once Ready() is true.
func (c *Client) OSType() OSType {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.osType
}

// Ready reports whether init has completed successfully.
func (c *Client) Ready() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.ready
}

// Destroyed reports whether Destroy has been called.
func (c *Client) Destroyed() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.destroyed
}

// Events exposes the client's event hub (spec.md §4.2 event fan-out;
// consumer interface §6). Event kinds: "connected", "reconnected",
// "reconnection_failed", "disconnected", "status", "progress",
// "execution_start", "executed", "execution_cached", "execution_error",
// "execution_interrupted", "execution_success", "terminal", "preview",
// "auth_error", "queue_error". Hub.OnAll observes every kind (spec.md §9).
func (c *Client) Events() *eventbus.Hub { return c.events }

// LastActivity returns the timestamp of the most recently observed
// streamed frame or successful HTTP response.
func (c *Client) LastActivity() time.Time {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.lastActivity
}

func (c *Client) touchActivity() {
	c.mu.Lock()
	c.lastActivity = time.Now()
	c.mu.Unlock()
}

func (c *Client) rebindClientID(sid string) {
	c.mu.Lock()
	c.clientID = sid
	c.mu.Unlock()
}

func (c *Client) currentClientID() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.clientID
}

// Init health-probes the backend until it responds or maxTries is
// exhausted, then discovers OS type, probes optional features, and opens
// the streaming channel. Idempotent: a second call on a ready client
// returns immediately.
func (c *Client) Init(ctx context.Context, maxTries int, delay time.Duration) error {
	if c.Destroyed() {
		return rferrors.ErrDestroyed
	}
	if c.Ready() {
		return nil
	}
	var lastErr error
	for attempt := 1; attempt <= maxTries; attempt++ {
		if err := c.probeHealth(ctx); err != nil {
			lastErr = err
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(delay):
			}
			continue
		}
		lastErr = nil
		break
	}
	if lastErr != nil {
		return rferrors.NewTransport(lastErr)
	}

	osType, err := c.discoverOS(ctx)
	if err != nil {
		return rferrors.NewTransport(err)
	}
	c.mu.Lock()
	c.osType = osType
	c.mu.Unlock()

	c.ext.probeAll(ctx)

	if err := c.openStream(ctx); err != nil {
		logger.Error("streaming channel open failed, falling back to polling", zap.String("client", c.cfg.ID), zap.Error(err))
		c.startPolling()
	} else {
		c.startWatchdog()
		c.events.Emit("connected", nil)
	}

	c.mu.Lock()
	c.ready = true
	c.mu.Unlock()
	return nil
}

func (c *Client) probeHealth(ctx context.Context) error {
	_, err := c.doJSON(ctx, http.MethodGet, "/prompt", nil, nil)
	return err
}

func (c *Client) discoverOS(ctx context.Context) (OSType, error) {
	stats, err := c.GetSystemStats(ctx)
	if err != nil {
		return OSUnknown, err
	}
	switch stats.System.OS {
	case "posix":
		return OSPOSIX, nil
	case "nt":
		return OSNT, nil
	default:
		return OSUnknown, nil
	}
}

// Destroy is idempotent: cancels timers, closes the streaming channel
// forcefully, unsubscribes features, clears listeners, marks destroyed.
func (c *Client) Destroy() error {
	c.mu.Lock()
	if c.destroyed {
		c.mu.Unlock()
		return nil
	}
	c.destroyed = true
	c.ready = false
	stream := c.stream
	c.stream = nil
	watchdogStop := c.watchdogStop
	pollStop := c.pollStop
	c.mu.Unlock()

	if watchdogStop != nil {
		close(watchdogStop)
	}
	if pollStop != nil {
		close(pollStop)
	}
	if stream != nil {
		stream.Close(true)
	}
	c.ext.destroyAll()
	c.wg.Wait()
	c.events.Close()
	return nil
}

func (c *Client) wsURL() string {
	scheme := "ws"
	host := c.cfg.Host
	if len(host) >= 5 && host[:5] == "https" {
		scheme = "wss"
		host = "https" + host[5:]
	}
	base := httpToWS(host, scheme)
	return fmt.Sprintf("%s/ws?clientId=%s", base, c.currentClientID())
}

func httpToWS(host, scheme string) string {
	// Strip any existing scheme, then rebuild with ws/wss.
	for _, prefix := range []string{"http://", "https://"} {
		if len(host) >= len(prefix) && host[:len(prefix)] == prefix {
			return scheme + "://" + host[len(prefix):]
		}
	}
	return scheme + "://" + host
}
