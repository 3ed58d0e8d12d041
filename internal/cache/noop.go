package cache

import (
	"context"
	"errors"

	"github.com/eko/gocache/lib/v4/store"
)

// ErrNotConfigured is returned by a disabled cache's Get, matching the
// teacher's xcache.ErrCacheNotConfigured convention.
var ErrNotConfigured = errors.New("cache not configured")

// noop is returned by NewFromConfig when Mode is empty; it makes every
// Lookup a miss and every Write a no-op rather than forcing callers to
// nil-check the backend (the Cache methods already nil-guard c.backend,
// but a noop backend keeps direct Backend callers safe too).
type noop struct{}

func newNoop() Backend { return &noop{} }

func (n *noop) Get(_ context.Context, _ any) (Row, error) {
	return Row{}, store.NotFoundWithCause(ErrNotConfigured)
}

func (n *noop) Set(_ context.Context, _ any, _ Row, _ ...store.Option) error { return nil }

func (n *noop) Delete(_ context.Context, _ any) error { return nil }

func (n *noop) Invalidate(_ context.Context, _ ...store.InvalidateOption) error { return nil }

func (n *noop) Clear(_ context.Context) error { return nil }

func (n *noop) GetType() string { return "noop" }
