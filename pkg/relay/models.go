package relay

import (
	"encoding/json"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/relayhaus/llmrelay/pkg/partition"
)

const modelListTTL = 60 * time.Second

// modelEntry is one row of the OpenAI-compatible GET /v1/models response.
type modelEntry struct {
	ID      string `json:"id"`
	Object  string `json:"object"`
	OwnedBy string `json:"owned_by"`
}

type modelListResponse struct {
	Object string       `json:"object"`
	Data   []modelEntry `json:"data"`
}

// catalog is the static list of models this deployment advertises per
// service. A real gateway would discover this from upstream; recomputing it
// is cheap, but the 60s cache and singleflight collapsing exist so a burst
// of concurrent /v1/models requests against a cold cache triggers exactly
// one rebuild instead of one per request.
var catalog = map[partition.Service][]modelEntry{
	partition.ServiceOpenAI: {
		{ID: "gpt-3.5-turbo", Object: "model", OwnedBy: "openai"},
		{ID: "gpt-4", Object: "model", OwnedBy: "openai"},
		{ID: "gpt-4-32k", Object: "model", OwnedBy: "openai"},
	},
	partition.ServiceAnthropic: {
		{ID: "claude-3-opus-20240229", Object: "model", OwnedBy: "anthropic"},
		{ID: "claude-3-sonnet-20240229", Object: "model", OwnedBy: "anthropic"},
	},
	partition.ServicePalm: {
		{ID: "text-bison-001", Object: "model", OwnedBy: "google"},
	},
	partition.ServiceAWS: {
		{ID: "anthropic.claude-v2", Object: "model", OwnedBy: "aws-bedrock"},
		{ID: "anthropic.claude-3-sonnet-20240229-v1:0", Object: "model", OwnedBy: "aws-bedrock"},
	},
}

type cacheEntry struct {
	body      []byte
	expiresAt time.Time
}

// modelListCache serves GET /{provider}/v1/models with a 60s TTL cache.
// Concurrent misses for the same service collapse into a single rebuild via
// singleflight, rather than each recomputing (and, in a real deployment,
// each re-querying upstream) independently.
type modelListCache struct {
	mu      sync.Mutex
	entries map[partition.Service]cacheEntry
	group   singleflight.Group
}

func newModelListCache() *modelListCache {
	return &modelListCache{entries: make(map[partition.Service]cacheEntry)}
}

// Get returns the cached (or freshly built) model list body for service.
func (c *modelListCache) Get(service partition.Service) ([]byte, error) {
	c.mu.Lock()
	entry, ok := c.entries[service]
	c.mu.Unlock()
	if ok && time.Now().Before(entry.expiresAt) {
		return entry.body, nil
	}

	body, err, _ := c.group.Do(string(service), func() (any, error) {
		return c.rebuild(service)
	})
	if err != nil {
		return nil, err
	}
	return body.([]byte), nil
}

func (c *modelListCache) rebuild(service partition.Service) ([]byte, error) {
	resp := modelListResponse{Object: "list", Data: catalog[service]}
	body, err := json.Marshal(resp)
	if err != nil {
		return nil, err
	}

	c.mu.Lock()
	c.entries[service] = cacheEntry{body: body, expiresAt: time.Now().Add(modelListTTL)}
	c.mu.Unlock()

	return body, nil
}
