package state

import "context"

type Store interface {
	Get(ctx context.Context, key string) (string, bool, error)
	Set(ctx context.Context, key, value string) error
	Delete(ctx context.Context, key string) error
	// List returns every key with the given prefix and its value.
	List(ctx context.Context, prefix string) (map[string]string, error)
	Close() error
}
