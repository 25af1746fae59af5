package kvstore

import (
	"context"
	"fmt"
	"strings"
)

// Options selects and sizes a backend.
type Options struct {
	Driver    string // bbolt, memory or redis
	Path      string
	MaxBytes  int
	RedisAddr string
	RedisPass string
	RedisDB   int
	Namespace string
}

// Open builds the Store named by opts.Driver.
func Open(ctx context.Context, opts Options) (Store, error) {
	switch strings.ToLower(opts.Driver) {
	case "", "memory":
		return NewMemory(opts.MaxBytes), nil
	case "bbolt", "bolt":
		if opts.Path == "" {
			return nil, fmt.Errorf("kvstore: bbolt driver requires a path")
		}
		return OpenBolt(opts.Path, opts.MaxBytes)
	case "redis":
		return NewRedis(ctx, opts.RedisAddr, opts.RedisPass, opts.RedisDB, opts.Namespace)
	default:
		return nil, fmt.Errorf("kvstore: unknown driver %q", opts.Driver)
	}
}
