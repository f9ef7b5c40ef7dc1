package backend

import (
	"context"
	"net/http"
	"sync"

	"github.com/mohitkumar/renderfleet/logger"
	"go.uber.org/zap"
)

// extensionProbe checks whether an optional backend extension endpoint
// exists. Loss of an extension is non-fatal (spec.md §4.2 capability
// probing): callers only gate calls to that endpoint on the resulting
// flag, they never fail Init over it.
type extensionProbe struct {
	name string
	path string
}

var knownExtensions = []extensionProbe{
	{name: "manager", path: "/manager/version"},
	{name: "monitor", path: "/api/monitor/resources"},
}

// extensionSet tracks which optional capabilities a backend advertises.
type extensionSet struct {
	client *Client
	mu     sync.RWMutex
	have   map[string]bool
}

func newExtensionSet(c *Client) *extensionSet {
	return &extensionSet{client: c, have: make(map[string]bool)}
}

func (e *extensionSet) probeAll(ctx context.Context) {
	for _, probe := range knownExtensions {
		ok := e.probeOne(ctx, probe)
		e.mu.Lock()
		e.have[probe.name] = ok
		e.mu.Unlock()
		if !ok {
			logger.Debug("optional backend extension unavailable", zap.String("extension", probe.name))
		}
	}
}

func (e *extensionSet) probeOne(ctx context.Context, probe extensionProbe) bool {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, e.client.baseURL()+probe.path, nil)
	if err != nil {
		return false
	}
	e.client.creds.Apply(req)
	resp, err := e.client.httpClient.Do(req)
	if err != nil {
		return false
	}
	defer resp.Body.Close()
	return resp.StatusCode < 300
}

// Has reports whether the backend advertised the named extension during
// the last probe.
func (e *extensionSet) Has(name string) bool {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.have[name]
}

// destroyAll is a hook point for extensions that hold their own
// subscriptions; none of the currently known extensions do, but Destroy
// calls this unconditionally so adding one later doesn't require touching
// Client.Destroy.
func (e *extensionSet) destroyAll() {}

// HasExtension reports whether the backend advertised the named optional
// extension during Init (spec.md §4.2).
func (c *Client) HasExtension(name string) bool {
	return c.ext.Has(name)
}
