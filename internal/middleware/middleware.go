// Package middleware implements the ordered request-interceptor chain run
// by the router around every dispatched request.
package middleware

import (
	"context"
	"encoding/json"
	"sort"
	"sync"
)

// Decision is the outcome of a before-hook for one request.
type Decision struct {
	// Block short-circuits the request; the underlying service is never
	// invoked and Feedback is returned to the caller.
	Block bool
	// Feedback explains a block to the caller.
	Feedback string
	// Params optionally rewrites the request params. Nil leaves the
	// params unchanged.
	Params json.RawMessage
}

// Pass lets the request through unchanged.
func Pass() Decision {
	return Decision{}
}

// Rewrite lets the request through with replacement params.
func Rewrite(params json.RawMessage) Decision {
	return Decision{Params: params}
}

// Block stops the request with feedback for the caller.
func Block(feedback string) Decision {
	return Decision{Block: true, Feedback: feedback}
}

// Middleware is one interceptor in the chain. Lower priority runs first;
// ties preserve insertion order.
type Middleware interface {
	Name() string
	Priority() int

	// Before runs ahead of dispatch and may pass, rewrite params, or
	// block the request.
	Before(ctx context.Context, method string, params json.RawMessage) Decision

	// After runs once dispatch has succeeded. Observation only; it
	// cannot alter the result.
	After(ctx context.Context, method string, params json.RawMessage, result interface{})
}

type entry struct {
	mw    Middleware
	order int
}

// Chain is a priority-sorted middleware sequence. It is populated during
// server setup and read-only afterwards.
type Chain struct {
	mu      sync.RWMutex
	entries []entry
	seq     int
}

// NewChain creates an empty chain.
func NewChain() *Chain {
	return &Chain{}
}

// Add inserts a middleware and re-sorts the chain by ascending priority,
// keeping insertion order for equal priorities.
func (c *Chain) Add(mw Middleware) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.entries = append(c.entries, entry{mw: mw, order: c.seq})
	c.seq++

	sort.SliceStable(c.entries, func(i, j int) bool {
		if c.entries[i].mw.Priority() != c.entries[j].mw.Priority() {
			return c.entries[i].mw.Priority() < c.entries[j].mw.Priority()
		}
		return c.entries[i].order < c.entries[j].order
	})
}

// Len returns the number of installed middlewares.
func (c *Chain) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.entries)
}

// RunBefore iterates the before-hooks in order, threading each hook's
// possibly-rewritten params into the next. The first block stops the walk;
// its feedback is returned with blocked=true. Otherwise the final params
// are returned.
func (c *Chain) RunBefore(ctx context.Context, method string, params json.RawMessage) (json.RawMessage, string, bool) {
	c.mu.RLock()
	entries := c.entries
	c.mu.RUnlock()

	for _, e := range entries {
		d := e.mw.Before(ctx, method, params)
		if d.Block {
			return nil, d.Feedback, true
		}
		if d.Params != nil {
			params = d.Params
		}
	}
	return params, "", false
}

// RunAfter iterates every after-hook unconditionally, in chain order. Only
// invoked after a successful dispatch.
func (c *Chain) RunAfter(ctx context.Context, method string, params json.RawMessage, result interface{}) {
	c.mu.RLock()
	entries := c.entries
	c.mu.RUnlock()

	for _, e := range entries {
		e.mw.After(ctx, method, params, result)
	}
}
