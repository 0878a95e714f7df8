package main

import (
	"context"
	"fmt"

	"github.com/rs/zerolog/log"
)

// Reply is what a backend produced for one participant
type Reply struct {
	Text  string
	Usage *Usage
	Route string
	Model string
}

// Backend answers for a participant. Backends absorb their own call failures
// into the Reply; an error return is reserved for fatal misconfiguration.
type Backend interface {
	Reply(ctx context.Context, messages []Message, params ModelParams) (Reply, error)
}

// BackendFunc adapts a function to Backend
type BackendFunc func(ctx context.Context, messages []Message, params ModelParams) (Reply, error)

// Reply implements Backend
func (f BackendFunc) Reply(ctx context.Context, messages []Message, params ModelParams) (Reply, error) {
	return f(ctx, messages, params)
}

// ParamResolver returns a participant's overrides for a persona
type ParamResolver func(p *Persona, participantID string) ModelParams

// ResponseCollector gathers one result per participant for a turn. Calls run
// sequentially in participant order.
type ResponseCollector struct {
	// Backends is keyed by route ("primary", "secondary")
	Backends map[string]Backend
	Resolve  ParamResolver

	DefaultTemperature float64
	DefaultMaxTokens   int
}

// NewResponseCollector wires the router's two backends
func NewResponseCollector(router *FallbackRouter) *ResponseCollector {
	return &ResponseCollector{
		Backends: map[string]Backend{
			RoutePrimary:   router.PrimaryBackend(),
			RouteSecondary: router.SecondaryBackend(),
		},
		Resolve:            ResolveParams,
		DefaultTemperature: DefaultTemperature,
		DefaultMaxTokens:   DefaultMaxTokens,
	}
}

// Collect calls each participant once and returns results keyed by
// participant ID in declaration order. A failing participant does not stop
// the others. onResult, when non-nil, is called after each participant.
// The only error returned is a fatal backend error, together with the
// results collected before it.
func (c *ResponseCollector) Collect(ctx context.Context, persona *Persona, messages []Message, participants []Participant, onResult func(ModelResult)) (ModelResults, error) {
	results := make(ModelResults, 0, len(participants))

	for _, p := range participants {
		var overrides ModelParams
		if c.Resolve != nil {
			overrides = c.Resolve(persona, p.ID)
		}
		params := overrides.WithDefaults(c.DefaultTemperature, c.DefaultMaxTokens)

		result := ModelResult{ID: p.ID, Label: p.Label, Params: params}

		backend, ok := c.Backends[p.Backend]
		if !ok {
			result.Reply = fmt.Sprintf("[%s: backend %q not configured]", p.Label, p.Backend)
			result.Usage = &Usage{Error: fmt.Sprintf("backend %q not configured", p.Backend)}
			result.Route = RouteError
		} else {
			reply, err := backend.Reply(ctx, messages, params)
			if err != nil {
				return results, fmt.Errorf("participant %s: %w", p.ID, err)
			}
			result.Reply = reply.Text
			result.Usage = reply.Usage
			result.Route = reply.Route
			result.ModelName = reply.Model
		}

		log.Debug().Str("participant", p.ID).Str("route", result.Route).Msg("participant collected")
		results = append(results, result)
		if onResult != nil {
			onResult(result)
		}
	}

	return results, nil
}
