package store

import (
	"context"
	"fmt"
	"sync"

	"github.com/rs/zerolog"

	"github.com/droverlabs/drover/pkg/log"
)

// Handler consumes one pub/sub message. Handlers run on the router's
// dispatch goroutine and must not block; hand off long work.
type Handler func(msg Message)

// Router fans one long-lived subscription out to per-channel handlers, so a
// process holds a single pub/sub connection no matter how many components
// listen.
type Router struct {
	store Store

	mu       sync.Mutex
	handlers map[string][]Handler
	started  bool

	sub    Subscription
	doneCh chan struct{}
	logger zerolog.Logger
}

// NewRouter creates a router over the given store.
func NewRouter(s Store) *Router {
	return &Router{
		store:    s,
		handlers: make(map[string][]Handler),
		doneCh:   make(chan struct{}),
		logger:   log.WithComponent("router"),
	}
}

// Handle registers a handler for a channel. All registrations must happen
// before Start.
func (r *Router) Handle(channel string, h Handler) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.started {
		panic("router: Handle called after Start")
	}
	r.handlers[channel] = append(r.handlers[channel], h)
}

// Start subscribes to every registered channel and begins dispatching.
func (r *Router) Start(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.started {
		return fmt.Errorf("router already started")
	}
	if len(r.handlers) == 0 {
		return fmt.Errorf("router has no handlers")
	}

	channels := make([]string, 0, len(r.handlers))
	for ch := range r.handlers {
		channels = append(channels, ch)
	}

	sub, err := r.store.Subscribe(ctx, channels...)
	if err != nil {
		return fmt.Errorf("router subscribe: %w", err)
	}
	r.sub = sub
	r.started = true

	go r.dispatch()
	return nil
}

// Stop closes the subscription and waits for dispatch to drain.
func (r *Router) Stop() {
	r.mu.Lock()
	sub := r.sub
	r.mu.Unlock()
	if sub == nil {
		return
	}
	if err := sub.Close(); err != nil {
		r.logger.Warn().Err(err).Msg("closing subscription")
	}
	<-r.doneCh
}

func (r *Router) dispatch() {
	defer close(r.doneCh)
	for msg := range r.sub.Messages() {
		r.mu.Lock()
		handlers := r.handlers[msg.Channel]
		r.mu.Unlock()
		for _, h := range handlers {
			h(msg)
		}
	}
}
