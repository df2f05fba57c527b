// Package gate bounds parallel runs: one global budget for everything,
// plus a small per-service budget so one slow engine family cannot
// monopolize the global slots.
package gate

import (
	"context"
	"fmt"

	"golang.org/x/sync/semaphore"
)

// Slot is a held pair of tokens. Release returns both.
type Slot struct {
	release func()
}

// Release returns the tokens. Safe to call once; nil receivers are no-ops.
func (s *Slot) Release() {
	if s == nil || s.release == nil {
		return
	}
	s.release()
	s.release = nil
}

// Gate is the two-stage limiter.
type Gate struct {
	global   *semaphore.Weighted
	services map[string]*semaphore.Weighted
}

// New builds a gate with the given global width and per-service widths.
// Every service must be registered up front; acquiring an unknown service
// is an error, not an implicit limit.
func New(globalWidth int, serviceWidths map[string]int) *Gate {
	if globalWidth < 1 {
		globalWidth = 1
	}
	services := make(map[string]*semaphore.Weighted, len(serviceWidths))
	for name, width := range serviceWidths {
		if width < 1 {
			width = 1
		}
		services[name] = semaphore.NewWeighted(int64(width))
	}
	return &Gate{
		global:   semaphore.NewWeighted(int64(globalWidth)),
		services: services,
	}
}

// TryAcquire takes one global and one service token without blocking.
// Both or neither are held on return.
func (g *Gate) TryAcquire(service string) (*Slot, error) {
	svc, ok := g.services[service]
	if !ok {
		return nil, fmt.Errorf("unknown service %q", service)
	}
	if !g.global.TryAcquire(1) {
		return nil, nil
	}
	if !svc.TryAcquire(1) {
		g.global.Release(1)
		return nil, nil
	}
	return &Slot{release: func() {
		svc.Release(1)
		g.global.Release(1)
	}}, nil
}

// Acquire blocks for both tokens, honoring ctx.
func (g *Gate) Acquire(ctx context.Context, service string) (*Slot, error) {
	svc, ok := g.services[service]
	if !ok {
		return nil, fmt.Errorf("unknown service %q", service)
	}
	if err := g.global.Acquire(ctx, 1); err != nil {
		return nil, err
	}
	if err := svc.Acquire(ctx, 1); err != nil {
		g.global.Release(1)
		return nil, err
	}
	return &Slot{release: func() {
		svc.Release(1)
		g.global.Release(1)
	}}, nil
}
