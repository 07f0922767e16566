package ranker

import (
	"context"
	"fmt"

	"github.com/JakeFAU/rankgrid/internal/rank"
)

// URLResolver treats each item ID as the target URL.
type URLResolver struct{}

// Resolve validates the ID as an absolute http(s) URL.
func (URLResolver) Resolve(_ context.Context, id rank.ItemID) (rank.Target, error) {
	u, err := NormalizeURL(string(id))
	if err != nil {
		return rank.Target{}, fmt.Errorf("resolve %s: %w: %v", id, rank.ErrTargetNotFound, err)
	}
	return rank.Target{ItemID: id, URL: u}, nil
}

// StaticResolver looks targets up in a fixed ID to URL table.
type StaticResolver map[rank.ItemID]rank.Target

// NewStaticResolver builds a resolver from configuration.
func NewStaticResolver(urls map[string]string) StaticResolver {
	out := make(StaticResolver, len(urls))
	for id, u := range urls {
		out[rank.ItemID(id)] = rank.Target{ItemID: rank.ItemID(id), URL: u}
	}
	return out
}

// Resolve returns the configured target for id.
func (s StaticResolver) Resolve(_ context.Context, id rank.ItemID) (rank.Target, error) {
	t, ok := s[id]
	if !ok {
		return rank.Target{}, fmt.Errorf("resolve %s: %w", id, rank.ErrTargetNotFound)
	}
	return t, nil
}
