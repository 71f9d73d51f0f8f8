package ai

import (
	"context"
	"errors"
	"strings"
)

// Route sends calls whose model starts with Prefix to Client.
type Route struct {
	Prefix string
	Client Client
}

// Router dispatches calls to a provider by model name prefix. Calls that match
// no route go to the fallback client.
type Router struct {
	routes   []Route
	fallback Client
}

func NewRouter(fallback Client, routes ...Route) *Router {
	return &Router{routes: routes, fallback: fallback}
}

func (r *Router) Generate(ctx context.Context, call Call) (string, error) {
	model := strings.TrimSpace(call.Model)
	for _, route := range r.routes {
		if route.Client != nil && route.Prefix != "" && strings.HasPrefix(model, route.Prefix) {
			return route.Client.Generate(ctx, call)
		}
	}
	if r.fallback == nil {
		return "", errors.New("no model client configured for " + model)
	}
	return r.fallback.Generate(ctx, call)
}
