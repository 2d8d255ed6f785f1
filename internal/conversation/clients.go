package conversation

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"
)

// Sender delivers one outbound notification to a client connection.
type Sender interface {
	Send(ctx context.Context, msg any) error
}

type SenderFunc func(ctx context.Context, msg any) error

func (f SenderFunc) Send(ctx context.Context, msg any) error { return f(ctx, msg) }

// Client is one connected participant and the capabilities serving it.
type Client struct {
	UID     string
	Sender  Sender
	Service *ServiceContext
}

// ClientDirectory maps client uids to live connections.
type ClientDirectory struct {
	mu      sync.RWMutex
	clients map[string]*Client
}

func NewClientDirectory() *ClientDirectory {
	return &ClientDirectory{clients: make(map[string]*Client)}
}

func (d *ClientDirectory) Add(c *Client) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.clients[c.UID] = c
}

func (d *ClientDirectory) Remove(uid string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	delete(d.clients, uid)
}

func (d *ClientDirectory) Get(uid string) (*Client, bool) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	c, ok := d.clients[uid]
	return c, ok
}

func (d *ClientDirectory) Len() int {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return len(d.clients)
}

// Broadcast sends msg to every listed member concurrently. Unknown members
// and failed sends are logged; an error is returned only when no member
// received the message.
func (d *ClientDirectory) Broadcast(ctx context.Context, logger zerolog.Logger, members []string, msg any) error {
	if len(members) == 0 {
		return nil
	}
	var delivered atomic.Int32
	var mu sync.Mutex
	var errs []error

	var g errgroup.Group
	for _, uid := range members {
		c, ok := d.Get(uid)
		if !ok {
			logger.Debug().Str("client_uid", uid).Msg("broadcast skipped unknown member")
			continue
		}
		g.Go(func() error {
			if err := c.Sender.Send(ctx, msg); err != nil {
				logger.Warn().Err(err).Str("client_uid", uid).Msg("broadcast send failed")
				mu.Lock()
				errs = append(errs, fmt.Errorf("%s: %w", uid, err))
				mu.Unlock()
				return nil
			}
			delivered.Add(1)
			return nil
		})
	}
	_ = g.Wait()
	if delivered.Load() == 0 && len(errs) > 0 {
		return errors.Join(errs...)
	}
	return nil
}

// broadcastSender fans a group turn's output out to the member set fixed
// at turn start.
type broadcastSender struct {
	dir     *ClientDirectory
	members []string
	logger  zerolog.Logger
}

func (b broadcastSender) Send(ctx context.Context, msg any) error {
	return b.dir.Broadcast(ctx, b.logger, b.members, msg)
}
