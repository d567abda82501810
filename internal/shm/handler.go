package shm

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strconv"

	"github.com/nerrad567/benchrig/internal/locks"
)

// handler answers the service verbs on behalf of a Server.
type handler struct {
	s *Server
}

var _ service = (*handler)(nil)

func (h *handler) Ping(_ context.Context, _ *pingRequest) (*pingResponse, error) {
	return &pingResponse{ServerID: h.s.id, Started: h.s.started}, nil
}

func (h *handler) OpenLock(_ context.Context, req *lockRequest) (*lockResponse, error) {
	if req.Name == "" {
		return nil, toStatus(fmt.Errorf("%w: empty lock name", ErrInvalidRequest))
	}
	m := h.s.lock(req.Name, req.Timeout)
	return &lockResponse{Info: lockInfo(m)}, nil
}

// AcquireLock reports a timeout as Acquired=false rather than an error, so
// that the client can tell it apart from transport failures.
func (h *handler) AcquireLock(ctx context.Context, req *lockRequest) (*lockResponse, error) {
	if req.Name == "" {
		return nil, toStatus(fmt.Errorf("%w: empty lock name", ErrInvalidRequest))
	}
	m := h.s.lock(req.Name, 0)

	err := m.Acquire(ctx, req.Owner, req.Timeout)
	switch {
	case err == nil:
		h.s.metrics.lockAcquisitions.Inc()
		return &lockResponse{Acquired: true, Info: lockInfo(m)}, nil
	case errors.Is(err, locks.ErrTimeout):
		h.s.metrics.lockTimeouts.Inc()
		return &lockResponse{Acquired: false, Info: lockInfo(m)}, nil
	default:
		return nil, toStatus(err)
	}
}

func (h *handler) ReleaseLock(_ context.Context, req *lockRequest) (*lockResponse, error) {
	m := h.s.lock(req.Name, 0)
	if err := m.Release(req.Owner); err != nil {
		return nil, toStatus(err)
	}
	return &lockResponse{Info: lockInfo(m)}, nil
}

func (h *handler) OpenBarrier(_ context.Context, req *barrierRequest) (*barrierResponse, error) {
	b, err := h.s.barrier(req.Name, req.Parties, req.Timeout)
	if err != nil {
		return nil, toStatus(err)
	}
	return &barrierResponse{Parties: b.Parties()}, nil
}

func (h *handler) BarrierWait(ctx context.Context, req *barrierRequest) (*barrierResponse, error) {
	b, err := h.s.barrier(req.Name, req.Parties, 0)
	if err != nil {
		return nil, toStatus(err)
	}

	index, err := b.Wait(ctx, req.Timeout)
	if err != nil {
		if errors.Is(err, locks.ErrBrokenBarrier) {
			h.s.metrics.barrierBreaks.Inc()
		}
		return nil, toStatus(err)
	}
	return &barrierResponse{Parties: b.Parties(), Index: index}, nil
}

func (h *handler) BarrierReset(_ context.Context, req *barrierRequest) (*barrierResponse, error) {
	b, err := h.s.barrier(req.Name, 0, 0)
	if err != nil {
		return nil, toStatus(err)
	}
	b.Reset()
	return &barrierResponse{Parties: b.Parties()}, nil
}

func (h *handler) NamespaceOpen(_ context.Context, req *namespaceRequest) (*namespaceResponse, error) {
	if req.Namespace == "" {
		return nil, toStatus(fmt.Errorf("%w: empty namespace name", ErrInvalidRequest))
	}
	ns := h.s.namespace(req.Namespace)
	return &namespaceResponse{ID: ns.id, Lock: ns.lock, Found: true}, nil
}

func (h *handler) NamespaceGet(_ context.Context, req *namespaceRequest) (*namespaceResponse, error) {
	ns, ok := h.s.lookupNamespace(req.Namespace)
	if !ok {
		return &namespaceResponse{}, nil
	}

	ns.mu.RLock()
	defer ns.mu.RUnlock()
	value, found := ns.values[req.Key]
	return &namespaceResponse{ID: ns.id, Found: found, Value: value}, nil
}

func (h *handler) NamespaceSet(_ context.Context, req *namespaceRequest) (*namespaceResponse, error) {
	if req.Key == "" {
		return nil, toStatus(fmt.Errorf("%w: empty key", ErrInvalidRequest))
	}
	ns := h.s.namespace(req.Namespace)

	ns.mu.Lock()
	defer ns.mu.Unlock()
	ns.values[req.Key] = slices.Clone(req.Value)
	return &namespaceResponse{ID: ns.id, Found: true}, nil
}

func (h *handler) NamespaceDelete(_ context.Context, req *namespaceRequest) (*namespaceResponse, error) {
	ns, ok := h.s.lookupNamespace(req.Namespace)
	if !ok {
		return &namespaceResponse{}, nil
	}

	ns.mu.Lock()
	defer ns.mu.Unlock()
	_, found := ns.values[req.Key]
	delete(ns.values, req.Key)
	return &namespaceResponse{ID: ns.id, Found: found}, nil
}

func (h *handler) NamespaceKeys(_ context.Context, req *namespaceRequest) (*namespaceResponse, error) {
	ns, ok := h.s.lookupNamespace(req.Namespace)
	if !ok {
		return &namespaceResponse{}, nil
	}

	ns.mu.RLock()
	defer ns.mu.RUnlock()
	return &namespaceResponse{ID: ns.id, Found: true, Keys: sortedKeys(ns.values)}, nil
}

func (h *handler) SetException(_ context.Context, req *exceptionRequest) (*exceptionResponse, error) {
	if req.Envelope == nil {
		return nil, toStatus(fmt.Errorf("%w: missing envelope", ErrInvalidRequest))
	}
	h.s.exceptions.Set(strconv.Itoa(req.PID), *req.Envelope)
	h.s.metrics.exceptions.Inc()
	h.s.logger.Debug("exception stored", "pid", req.PID, "kind", req.Envelope.Kind)
	return &exceptionResponse{Found: true}, nil
}

func (h *handler) GetException(_ context.Context, req *exceptionRequest) (*exceptionResponse, error) {
	env, ok := h.s.Exception(req.PID)
	if !ok {
		return &exceptionResponse{}, nil
	}
	return &exceptionResponse{Found: true, Envelope: &env}, nil
}

func (h *handler) Stats(_ context.Context, _ *statsRequest) (*Stats, error) {
	st := h.s.Stats()
	return &st, nil
}

func lockInfo(m *locks.Mutex) LockInfo {
	owner, depth := m.Holder()
	return LockInfo{
		Name:           m.Name(),
		DefaultTimeout: m.DefaultTimeout(),
		Owner:          owner,
		Depth:          depth,
	}
}
