// Package registry tracks connected workers: identity, capacity, load and
// liveness. It is the only owner of WorkerInfo records; the coordinator
// mutates workers exclusively through this API.
package registry

import (
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/ChuLiYu/stealq/pkg/types"
)

var (
	// ErrUnknownWorker is returned for ids that were never registered or
	// have already been evicted.
	ErrUnknownWorker = errors.New("unknown worker")
	// ErrInvalidHandshake is returned when a registration carries no usable
	// identity or a non-positive capacity.
	ErrInvalidHandshake = errors.New("invalid worker handshake")
)

// Handshake is what a worker proposes when it registers.
type Handshake struct {
	Name     string // proposed id; defaults to Hostname
	Hostname string
	Capacity int
	Parallel int
}

// Registry is safe for concurrent use.
type Registry struct {
	mu      sync.RWMutex
	workers map[string]*types.WorkerInfo
	now     func() time.Time
	salt    func() string
}

// New returns an empty registry.
func New() *Registry {
	return &Registry{
		workers: make(map[string]*types.WorkerInfo),
		now:     time.Now,
		salt:    func() string { return uuid.NewString()[:8] },
	}
}

// Register validates the handshake and stores a new worker record. The
// proposed name is used as id when free; otherwise the worker is renamed
// to "<name>-<salt>". The returned record carries the accepted id.
func (r *Registry) Register(h Handshake) (types.WorkerInfo, error) {
	name := strings.TrimSpace(h.Name)
	if name == "" {
		name = strings.TrimSpace(h.Hostname)
	}
	if name == "" {
		return types.WorkerInfo{}, fmt.Errorf("%w: empty name", ErrInvalidHandshake)
	}
	if h.Capacity < 1 {
		return types.WorkerInfo{}, fmt.Errorf("%w: capacity %d", ErrInvalidHandshake, h.Capacity)
	}
	parallel := h.Parallel
	if parallel < 1 || parallel > h.Capacity {
		parallel = h.Capacity
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	id := name
	for attempt := 0; r.exists(id); attempt++ {
		if attempt > 16 {
			return types.WorkerInfo{}, fmt.Errorf("%w: could not derive a unique id for %q", ErrInvalidHandshake, name)
		}
		id = name + "-" + r.salt()
	}

	now := r.now()
	w := &types.WorkerInfo{
		ID:            id,
		Hostname:      h.Hostname,
		Capacity:      h.Capacity,
		Parallel:      parallel,
		Status:        types.WorkerIdle,
		LastHeartbeat: now,
		RegisteredAt:  now,
	}
	r.workers[id] = w
	return *w, nil
}

func (r *Registry) exists(id string) bool {
	_, ok := r.workers[id]
	return ok
}

// Heartbeat refreshes liveness and the reported load.
func (r *Registry) Heartbeat(id string, load types.LoadSnapshot) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	w, ok := r.workers[id]
	if !ok {
		return ErrUnknownWorker
	}
	w.LastHeartbeat = r.now()
	if load.Capacity > 0 {
		w.Capacity = load.Capacity
	}
	if load.Parallel > 0 {
		w.Parallel = load.Parallel
	}
	w.LoadAvg = load.LoadAvg
	w.FreeMemoryMB = load.FreeMemoryMB
	w.Running = load.Running
	setQueueLen(w, load.LocalQueueLen)
	return nil
}

// SetQueueLen records the authoritative number of offered and running
// jobs held by the worker.
func (r *Registry) SetQueueLen(id string, n int) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	w, ok := r.workers[id]
	if !ok {
		return ErrUnknownWorker
	}
	setQueueLen(w, n)
	return nil
}

func setQueueLen(w *types.WorkerInfo, n int) {
	if n < 0 {
		n = 0
	}
	w.LocalQueueLen = n
	if n == 0 {
		w.Status = types.WorkerIdle
	} else {
		w.Status = types.WorkerBusy
	}
}

// Expired lists workers whose last heartbeat is older than timeout.
func (r *Registry) Expired(now time.Time, timeout time.Duration) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var out []string
	for id, w := range r.workers {
		if now.Sub(w.LastHeartbeat) > timeout {
			out = append(out, id)
		}
	}
	sort.Strings(out)
	return out
}

// Evict marks the worker disconnected and drops it from the registry. The
// returned record is the final state of that connection instance.
func (r *Registry) Evict(id string) (types.WorkerInfo, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	w, ok := r.workers[id]
	if !ok {
		return types.WorkerInfo{}, ErrUnknownWorker
	}
	delete(r.workers, id)
	w.Status = types.WorkerDisconnected
	return *w, nil
}

// Get returns a copy of the worker record.
func (r *Registry) Get(id string) (types.WorkerInfo, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	w, ok := r.workers[id]
	if !ok {
		return types.WorkerInfo{}, ErrUnknownWorker
	}
	return *w, nil
}

// List returns all workers ordered by id.
func (r *Registry) List() []types.WorkerInfo {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]types.WorkerInfo, 0, len(r.workers))
	for _, w := range r.workers {
		out = append(out, *w)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Len returns the number of registered workers.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.workers)
}

// Victims returns every worker except thief, most loaded first. Ties are
// broken by lowest id.
func (r *Registry) Victims(thief string) []types.WorkerInfo {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]types.WorkerInfo, 0, len(r.workers))
	for id, w := range r.workers {
		if id == thief {
			continue
		}
		out = append(out, *w)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].LocalQueueLen != out[j].LocalQueueLen {
			return out[i].LocalQueueLen > out[j].LocalQueueLen
		}
		return out[i].ID < out[j].ID
	})
	return out
}
