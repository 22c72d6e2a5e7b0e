// Package session maps a logical session key (tab or job identifier) to a
// cancellable context. One active token exists per key; a cancelled token
// is never handed out again.
package session

import (
	"context"
	"sync"
)

type token struct {
	ctx     context.Context
	cancel  context.CancelFunc
	holders int
}

type Coordinator struct {
	base context.Context

	mu     sync.Mutex
	tokens map[string]*token
}

func NewCoordinator(base context.Context) *Coordinator {
	if base == nil {
		base = context.Background()
	}
	return &Coordinator{
		base:   base,
		tokens: make(map[string]*token),
	}
}

// Acquire returns the context for key, creating one if none is active.
// Every I/O performed on behalf of the session must take this context.
func (c *Coordinator) Acquire(key string) context.Context {
	c.mu.Lock()
	defer c.mu.Unlock()

	if existing, ok := c.tokens[key]; ok && existing.ctx.Err() == nil {
		existing.holders++
		return existing.ctx
	}

	ctx, cancel := context.WithCancel(c.base)
	c.tokens[key] = &token{ctx: ctx, cancel: cancel, holders: 1}
	return ctx
}

// Cancel signals every operation tied to key and removes the token.
func (c *Coordinator) Cancel(key string) {
	c.mu.Lock()
	tok, ok := c.tokens[key]
	delete(c.tokens, key)
	c.mu.Unlock()

	if ok {
		tok.cancel()
	}
}

// Clear releases one hold on key's token, taken by Acquire. Holders call
// it once their operation reaches a terminal outcome; Cancel stays the
// user-abort path. The last release removes the token and cancels its
// context, detaching it from the base context. Earlier releases leave the
// token live for the remaining holders.
func (c *Coordinator) Clear(key string) {
	c.mu.Lock()
	tok, ok := c.tokens[key]
	if !ok {
		c.mu.Unlock()
		return
	}
	tok.holders--
	if tok.holders > 0 {
		c.mu.Unlock()
		return
	}
	delete(c.tokens, key)
	c.mu.Unlock()

	tok.cancel()
}

// Active reports whether key currently holds a live token.
func (c *Coordinator) Active(key string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	tok, ok := c.tokens[key]
	return ok && tok.ctx.Err() == nil
}

// CancelAll signals every active session. Used on shutdown.
func (c *Coordinator) CancelAll() {
	c.mu.Lock()
	all := c.tokens
	c.tokens = make(map[string]*token)
	c.mu.Unlock()

	for _, tok := range all {
		tok.cancel()
	}
}
