package service

//go:generate mockgen -source=interfaces.go -destination=mocks/mocks.go -package=mocks

import (
	"context"

	"transit_fetcher/internal/domain"
)

// Gateway is the storage abstraction shared by every component. Exists and
// Read report a missing key through their return values; errors are reserved
// for backend faults.
type Gateway interface {
	Exists(ctx context.Context, key string) (bool, error)
	Read(ctx context.Context, key string) ([]byte, bool, error)
	WriteMany(ctx context.Context, entries map[string][]byte) error
}

type Authenticator interface {
	Login(ctx context.Context, creds domain.Credentials) (domain.Token, []byte, error)
	DecodeLogin(body []byte) (domain.Token, error)
}

type Fetcher interface {
	Fetch(ctx context.Context, token string, req domain.EntityRequest) (domain.Reply, error)
}

type Publisher interface {
	Publish(ctx context.Context, event *domain.CaptureEvent) error
	Close() error
}

type RunStore interface {
	Record(ctx context.Context, summary *domain.RunSummary) error
}
