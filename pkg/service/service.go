package service

import (
	"context"
	"errors"
	"fmt"

	"github.com/hashicorp/go-multierror"
)

// Service defines a generic service.
type Service interface{}

// RunnableService defines a service that can be run.
type RunnableService interface {
	Service

	Run() error
	Shutdown(ctx context.Context) error
}

// Group is a container for managing a bunch of services.
type Group struct {
	list    []Service
	running []RunnableService
}

func (g *Group) Add(services ...Service) { g.list = append(g.list, services...) }

// Start starts each service in the group.
// When one fails, those already started are shut down.
func (g *Group) Start() error {
	for _, s := range g.list {
		v, ok := s.(RunnableService)
		if !ok {
			continue
		}
		if err := v.Run(); err != nil {
			_ = g.Shutdown(context.Background())
			return fmt.Errorf("failed to start [%s]: %w", s, err)
		}
		g.running = append(g.running, v)
	}
	return nil
}

// Shutdown terminates the started services in reverse order.
func (g *Group) Shutdown(ctx context.Context) error {
	var errs error
	for i := len(g.running) - 1; i >= 0; i-- {
		s := g.running[i]
		if err := s.Shutdown(ctx); err != nil && !errors.Is(err, context.Canceled) {
			errs = multierror.Append(errs, fmt.Errorf("failed to stop [%s]: %w", s, err))
		}
	}
	g.running = nil
	return errs
}
