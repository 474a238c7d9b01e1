package ratelimit

import (
	"context"

	"github.com/brainrun/brains/llm"
)

// WrapOptions configures Wrap. Either field may be nil/unset; Wrap composes
// whichever are provided. A Limiter and a Pool address different axes of
// concurrency and are commonly used together: the Pool caps how many calls
// are in flight, the Limiter caps how many tokens/minute they consume in
// aggregate.
type WrapOptions struct {
	Pool    *Pool
	Limiter *Limiter
}

type limitedClient struct {
	next llm.Client
	opts WrapOptions
}

// Wrap returns an llm.Client that enforces opts.Pool and opts.Limiter around
// every GenerateText/GenerateObject call to next.
func Wrap(next llm.Client, opts WrapOptions) llm.Client {
	if next == nil {
		return nil
	}
	if opts.Pool == nil && opts.Limiter == nil {
		return next
	}
	return &limitedClient{next: next, opts: opts}
}

func (c *limitedClient) GenerateText(ctx context.Context, req llm.TextRequest) (llm.TextResponse, error) {
	if err := c.opts.Pool.Acquire(ctx); err != nil {
		return llm.TextResponse{}, err
	}
	defer c.opts.Pool.Release()

	if err := c.opts.Limiter.Wait(ctx, estimateTextTokens(req)); err != nil {
		return llm.TextResponse{}, err
	}

	resp, err := c.next.GenerateText(ctx, req)
	c.opts.Limiter.Observe(err)
	return resp, err
}

func (c *limitedClient) GenerateObject(ctx context.Context, req llm.ObjectRequest) (any, error) {
	if err := c.opts.Pool.Acquire(ctx); err != nil {
		return nil, err
	}
	defer c.opts.Pool.Release()

	if err := c.opts.Limiter.Wait(ctx, estimateObjectTokens(req)); err != nil {
		return nil, err
	}

	out, err := c.next.GenerateObject(ctx, req)
	c.opts.Limiter.Observe(err)
	return out, err
}

// estimateTextTokens computes a cheap heuristic for the number of tokens a
// GenerateText call will consume: characters across every message and tool
// result, converted at a fixed ratio, plus a fixed buffer for system
// framing and provider overhead.
func estimateTextTokens(req llm.TextRequest) int {
	chars := len(req.System)
	for _, m := range req.Messages {
		chars += len(m.Content)
	}
	return charsToTokens(chars)
}

func estimateObjectTokens(req llm.ObjectRequest) int {
	return charsToTokens(len(req.Prompt))
}

func charsToTokens(chars int) int {
	if chars <= 0 {
		// Minimal non-zero estimate so callers still incur limiter costs
		// even for extremely small requests.
		return 500
	}
	tokens := chars / 3
	if tokens < 1 {
		tokens = 1
	}
	return tokens + 500
}
