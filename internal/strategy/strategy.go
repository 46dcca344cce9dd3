// Package strategy normalizes heterogeneous model providers behind one
// contract. A strategy owns its provider's request shape, system prompt
// selection, cache key namespace and response formatting; the pipeline
// only ever sees Process.
package strategy

import (
	"context"

	"github.com/valet-ai/valet/internal/domain"
)

// Registered strategy names.
const (
	NameOpenAI     = "openai"
	NamePerplexity = "perplexity"
)

// CacheOverride optionally replaces the strategy's default cache policy
// for one request. Zero values keep the defaults.
type CacheOverride struct {
	TTLSeconds int
	BaseKey    string
}

// Request carries one turn's inputs. All per-request configuration
// travels here; strategies hold no mutable per-request state.
type Request struct {
	ID     string
	UserID string
	Name   string
	Input  string
	Files  domain.Attachments
	Source domain.Source
	Cache  CacheOverride
}

// Strategy is the shared provider contract.
type Strategy interface {
	Name() string

	// Process runs one end-to-end turn: load history, fold in any text
	// attachment, query the provider, format, persist, return the
	// result. Callers must check Result.Type before treating Response
	// as display text.
	Process(ctx context.Context, req Request) (domain.Result, error)
}
