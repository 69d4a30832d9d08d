package discovery

import (
	"context"
	"sort"
	"sync"
	"time"
)

// Endpoint is a base URL that yielded things.
type Endpoint struct {
	URL         string    `json:"url"`
	ThingsFound int       `json:"thingsFound"`
	LastSeen    time.Time `json:"lastSeen"`
}

// Registry is notified of every base URL that yielded at least one thing.
type Registry interface {
	AddEndpoint(ctx context.Context, baseURL string, thingsFound int) error
}

// EndpointLister is implemented by registries that can report their contents.
type EndpointLister interface {
	List(ctx context.Context) ([]Endpoint, error)
}

// MemoryRegistry keeps endpoints in process memory.
type MemoryRegistry struct {
	mu        sync.Mutex
	now       func() time.Time
	endpoints map[string]Endpoint
}

func NewMemoryRegistry() *MemoryRegistry {
	return &MemoryRegistry{now: time.Now, endpoints: map[string]Endpoint{}}
}

func (r *MemoryRegistry) AddEndpoint(_ context.Context, baseURL string, thingsFound int) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.endpoints[baseURL] = Endpoint{URL: baseURL, ThingsFound: thingsFound, LastSeen: r.now()}
	return nil
}

// List returns endpoints sorted by URL.
func (r *MemoryRegistry) List(context.Context) ([]Endpoint, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Endpoint, 0, len(r.endpoints))
	for _, e := range r.endpoints {
		out = append(out, e)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].URL < out[j].URL })
	return out, nil
}
