package shm

import (
	"context"
	"errors"
)

// Attach connects to the server at cfg.Address, starting one in this process
// when nothing is listening there. The returned server is nil when an
// existing one was reused; the caller owns whichever it gets back.
func Attach(ctx context.Context, cfg Config) (*Client, *Server, error) {
	client, err := Connect(ctx, cfg.Address)
	if err == nil {
		return client, nil, nil
	}
	if !errors.Is(err, ErrConnectionRefused) {
		return nil, nil, err
	}

	srv, err := Start(ctx, cfg)
	if err != nil {
		return nil, nil, err
	}
	client, err = Connect(ctx, srv.Addr())
	if err != nil {
		_ = srv.Shutdown()
		return nil, nil, err
	}
	return client, srv, nil
}
