package store

import (
	"context"

	"lukechampine.com/frand"

	"proxypool/pkg/proxy"
)

// RandomHighScore picks uniformly among proxies scored above the initial
// score, i.e. proxies that passed at least one validation.
func (s *Store) RandomHighScore(ctx context.Context) (proxy.Proxy, error) {
	return s.randomInRange(ctx, s.scores.Init+1, s.scores.Max)
}

// RandomAny picks uniformly among all stored proxies.
func (s *Store) RandomAny(ctx context.Context) (proxy.Proxy, error) {
	return s.randomInRange(ctx, s.scores.Min, s.scores.Max)
}

// PickRandom prefers proven proxies and falls back to the whole pool. It
// returns ErrPoolEmpty when the store holds nothing.
func (s *Store) PickRandom(ctx context.Context) (proxy.Proxy, error) {
	p, err := s.RandomHighScore(ctx)
	if err != ErrPoolEmpty {
		return p, err
	}
	return s.RandomAny(ctx)
}

func (s *Store) randomInRange(ctx context.Context, min, max int) (proxy.Proxy, error) {
	proxies, err := s.rangeByScore(ctx, min, max)
	if err != nil {
		return proxy.Proxy{}, err
	}
	if len(proxies) == 0 {
		return proxy.Proxy{}, ErrPoolEmpty
	}
	return proxies[frand.Intn(len(proxies))], nil
}
