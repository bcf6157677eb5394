// Package fetch holds the network collaborators of the pipeline: content
// fetching strategies, source link polling and the search provider client.
package fetch

import (
	"context"
	"errors"
	"fmt"

	"github.com/rs/zerolog"

	"horse.fit/trawl/internal/engagement"
)

// Strategy is one way of fetching content. Supports lets platform specific
// strategies opt out of URLs they cannot handle.
type Strategy interface {
	Name() string
	Supports(normalizedURL string) bool
	Fetch(ctx context.Context, normalizedURL string) (engagement.Content, error)
}

// Chain tries strategies in order until one succeeds. A not-found answer is
// final; any other failure moves on to the next strategy.
type Chain struct {
	strategies []Strategy
	logger     zerolog.Logger
}

func NewChain(logger zerolog.Logger, strategies ...Strategy) *Chain {
	kept := make([]Strategy, 0, len(strategies))
	for _, s := range strategies {
		if s != nil {
			kept = append(kept, s)
		}
	}
	return &Chain{strategies: kept, logger: logger}
}

func (c *Chain) Fetch(ctx context.Context, normalizedURL string) (engagement.Content, error) {
	var lastErr error
	tried := 0
	for _, s := range c.strategies {
		if !s.Supports(normalizedURL) {
			continue
		}
		tried++
		content, err := s.Fetch(ctx, normalizedURL)
		if err == nil {
			return content, nil
		}
		if errors.Is(err, engagement.ErrNotFound) || ctx.Err() != nil {
			return engagement.Content{}, err
		}
		c.logger.Debug().Err(err).Str("strategy", s.Name()).Str("normalized_url", normalizedURL).Msg("fetch strategy failed")
		lastErr = err
	}
	if tried == 0 {
		return engagement.Content{}, fmt.Errorf("%w: no strategy supports %s", engagement.ErrFetchFailed, normalizedURL)
	}
	return engagement.Content{}, lastErr
}
