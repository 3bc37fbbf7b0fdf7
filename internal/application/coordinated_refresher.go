package application

import (
	"context"
	"errors"
	"fmt"

	"github.com/bnema/sessionkeeper/internal/domain"
	"github.com/bnema/sessionkeeper/internal/ports"
)

// CoordinatedRefresher exchanges refresh tokens through a RequestCoordinator
// so that concurrent exchanges, from the synchronizer or from a backend
// refreshing on read, share one request.
type CoordinatedRefresher struct {
	coordinator *RequestCoordinator
	refresher   ports.TokenRefresher
}

var _ ports.TokenRefresher = (*CoordinatedRefresher)(nil)

func NewCoordinatedRefresher(coordinator *RequestCoordinator, refresher ports.TokenRefresher) (*CoordinatedRefresher, error) {
	if coordinator == nil {
		return nil, errors.New("coordinated refresher: coordinator is required")
	}
	if refresher == nil {
		return nil, errors.New("coordinated refresher: refresher is required")
	}
	if nested, ok := refresher.(*CoordinatedRefresher); ok {
		refresher = nested.refresher
	}
	return &CoordinatedRefresher{coordinator: coordinator, refresher: refresher}, nil
}

func (r *CoordinatedRefresher) Refresh(ctx context.Context, refreshToken string) (domain.Credential, error) {
	return coordinatedRefresh(ctx, r.coordinator, r.refresher, refreshToken)
}

// coordinatedRefresh must not be called from inside another refresh
// operation: the nested call would join the flight it is part of.
func coordinatedRefresh(ctx context.Context, coordinator *RequestCoordinator, refresher ports.TokenRefresher, refreshToken string) (domain.Credential, error) {
	value, err := coordinator.DeduplicatedFetch(ctx, refreshFetchKey, func(ctx context.Context) (any, error) {
		return refresher.Refresh(ctx, refreshToken)
	}, FetchOptions{SkipCache: true})
	if err != nil {
		return domain.Credential{}, err
	}

	refreshed, ok := value.(domain.Credential)
	if !ok {
		return domain.Credential{}, fmt.Errorf("refresh credential: unexpected result %T", value)
	}
	return refreshed, nil
}
