// Package registry holds externally registered callback endpoints and pushes
// notifications to them.
package registry

import (
	"net/url"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/joelkehle/ucsbridge/internal/ucs"
)

type Registration struct {
	ID           string            `json:"registration_id"`
	URL          string            `json:"url"`
	Kind         ucs.InterfaceKind `json:"kind"`
	RegisteredAt time.Time         `json:"registered_at"`
}

type Registry struct {
	mu    sync.RWMutex
	byID  map[string]Registration
	clock func() time.Time
}

func New() *Registry {
	return &Registry{
		byID:  map[string]Registration{},
		clock: time.Now,
	}
}

func (r *Registry) Register(kind ucs.InterfaceKind, rawURL string) (string, error) {
	if !kind.Valid() {
		return "", ucs.Errorf(ucs.KindInvalidInput, "unknown interface %q", kind)
	}
	rawURL = strings.TrimRight(strings.TrimSpace(rawURL), "/")
	u, err := url.Parse(rawURL)
	if err != nil || u.Host == "" || (u.Scheme != "http" && u.Scheme != "https") {
		return "", ucs.Errorf(ucs.KindInvalidAddress, "callback url %q is not an absolute http url", rawURL)
	}
	reg := Registration{
		ID:           uuid.NewString(),
		URL:          rawURL,
		Kind:         kind,
		RegisteredAt: r.clock().UTC(),
	}
	r.mu.Lock()
	r.byID[reg.ID] = reg
	r.mu.Unlock()
	return reg.ID, nil
}

func (r *Registry) Unregister(id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.byID[id]; !ok {
		return ucs.Errorf(ucs.KindNotFound, "registration %s not found", id)
	}
	delete(r.byID, id)
	return nil
}

// List returns the distinct callback URLs registered for kind.
func (r *Registry) List(kind ucs.InterfaceKind) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	seen := map[string]struct{}{}
	out := []string{}
	for _, reg := range r.byID {
		if reg.Kind != kind {
			continue
		}
		if _, dup := seen[reg.URL]; dup {
			continue
		}
		seen[reg.URL] = struct{}{}
		out = append(out, reg.URL)
	}
	sort.Strings(out)
	return out
}

func (r *Registry) Registrations() []Registration {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Registration, 0, len(r.byID))
	for _, reg := range r.byID {
		out = append(out, reg)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].RegisteredAt.Before(out[j].RegisteredAt) })
	return out
}

func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.byID)
}
