package provider

import (
	"context"
	"fmt"
)

// Registry dispatches a request to the first registered provider that
// supports the request's model. It satisfies Provider itself so the
// orchestrator can treat all backends as one.
type Registry struct {
	providers []Provider
}

func NewRegistry(providers ...Provider) *Registry {
	return &Registry{providers: providers}
}

func (r *Registry) Resolve(model string) (Provider, error) {
	for _, p := range r.providers {
		if p.Supports(model) {
			return p, nil
		}
	}
	return nil, fmt.Errorf("%w: %s", ErrNoProvider, model)
}

func (r *Registry) Complete(ctx context.Context, req *Request) (*Response, error) {
	p, err := r.Resolve(req.Model)
	if err != nil {
		return nil, err
	}
	return p.Complete(ctx, req)
}

func (r *Registry) CompleteStream(ctx context.Context, req *Request) (<-chan *Chunk, error) {
	p, err := r.Resolve(req.Model)
	if err != nil {
		return nil, err
	}
	return p.CompleteStream(ctx, req)
}

func (r *Registry) Name() string {
	return "registry"
}

func (r *Registry) Supports(model string) bool {
	_, err := r.Resolve(model)
	return err == nil
}
