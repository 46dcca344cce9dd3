package strategy

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/valet-ai/valet/internal/convcache"
	"github.com/valet-ai/valet/internal/domain"
	"github.com/valet-ai/valet/internal/facts"
	"github.com/valet-ai/valet/internal/provider/openai"
	"github.com/valet-ai/valet/internal/tokens"
)

// factsKeyPrefix namespaces the durable fact context apart from rotating
// conversation history, so facts survive their own TTL policy.
const factsKeyPrefix = "internal-facts:"

// responsesAPI is the slice of the OpenAI client this strategy uses.
type responsesAPI interface {
	CreateResponse(ctx context.Context, req *openai.ResponsesRequest) (*openai.Response, error)
	CreateSpeech(ctx context.Context, req *openai.SpeechRequest) ([]byte, error)
}

// FactsSource looks up a user's known facts. Lookup failures are
// recoverable; the strategy logs them and proceeds without facts.
type FactsSource interface {
	Lookup(ctx context.Context, userID string) (string, error)
}

// OpenAIConfig configures the general-purpose strategy.
type OpenAIConfig struct {
	Model       string
	SpeechModel string
	SpeechVoice string

	// SystemPrompt is the generic default; SystemPrompts overrides it
	// per originating platform.
	SystemPrompt  string
	SystemPrompts map[domain.Source]string

	Tools []openai.Tool

	Cache convcache.Config
	// FactsTTL bounds the fact context entries; zero keeps them forever.
	FactsTTL time.Duration

	// HistoryTokenBudget caps loaded history before the provider call.
	// Zero disables trimming.
	HistoryTokenBudget int
}

// OpenAI is the general-purpose assistant strategy: full prior turns as
// context, optional image input, fact reconciliation into the leading
// system turn, and a provider-requested speech side effect.
type OpenAI struct {
	cfg        OpenAIConfig
	client     responsesAPI
	store      *convcache.Store
	history    *convcache.History
	facts      FactsSource
	counter    *tokens.Counter
	httpClient *http.Client
	logger     *slog.Logger
}

// NewOpenAI creates the strategy. factsSource may be nil when no facts
// service is configured. A configured speech model implies the speech
// function tool; without it in the request the model never asks to speak.
func NewOpenAI(cfg OpenAIConfig, client responsesAPI, store *convcache.Store, factsSource FactsSource, counter *tokens.Counter, logger *slog.Logger) *OpenAI {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.SpeechModel != "" && !hasTool(cfg.Tools, openai.SpeechTool().Name) {
		cfg.Tools = append(cfg.Tools, openai.SpeechTool())
	}
	return &OpenAI{
		cfg:        cfg,
		client:     client,
		store:      store,
		history:    convcache.NewHistory(store),
		facts:      factsSource,
		counter:    counter,
		httpClient: http.DefaultClient,
		logger:     logger,
	}
}

func (s *OpenAI) Name() string { return NameOpenAI }

func hasTool(tools []openai.Tool, name string) bool {
	for _, t := range tools {
		if t.Name == name {
			return true
		}
	}
	return false
}

// ParseTools decodes a JSON array of additional tool definitions, e.g.
// remote MCP servers from configuration. Empty input means no tools.
func ParseTools(raw string) ([]openai.Tool, error) {
	if raw == "" {
		return nil, nil
	}
	var tools []openai.Tool
	if err := json.Unmarshal([]byte(raw), &tools); err != nil {
		return nil, fmt.Errorf("parse tools config: %w", err)
	}
	return tools, nil
}

// turnState is the per-request state initialize resolves; nothing on the
// strategy itself mutates between requests.
type turnState struct {
	cacheCfg     convcache.Config
	systemPrompt string
	history      []domain.HistoryItem
}

// initialize applies the request's cache override, resolves the platform
// system prompt, loads history and folds the reconciled fact context into
// the leading system turn.
func (s *OpenAI) initialize(ctx context.Context, req Request) (*turnState, error) {
	cacheCfg := s.cfg.Cache.Merge(req.Cache.TTLSeconds, req.Cache.BaseKey)

	history, err := s.history.Get(cacheCfg.Key(req.ID), nil)
	if err != nil {
		return nil, err
	}

	if req.UserID != "" {
		history = s.reconcileFacts(ctx, req.UserID, history)
	}

	return &turnState{
		cacheCfg:     cacheCfg,
		systemPrompt: s.systemPromptFor(req.Source),
		history:      history,
	}, nil
}

func (s *OpenAI) systemPromptFor(source domain.Source) string {
	if p, ok := s.cfg.SystemPrompts[source]; ok && p != "" {
		return p
	}
	return s.cfg.SystemPrompt
}

// reconcileFacts merges freshly observed facts into the durable fact
// context and installs the result as the leading system turn. The first
// turn is replaced when it is already a system turn, never duplicated.
func (s *OpenAI) reconcileFacts(ctx context.Context, userID string, history []domain.HistoryItem) []domain.HistoryItem {
	key := factsKeyPrefix + userID

	var previous string
	if raw, ok := s.store.Get(key); ok {
		previous = string(raw)
	}

	var observed string
	if s.facts != nil {
		fact, err := s.facts.Lookup(ctx, userID)
		if err != nil {
			s.logger.Error("facts lookup failed",
				slog.String("user_id", userID),
				slog.Any("error", err))
		} else {
			observed = fact
		}
	}

	merged := facts.Reconcile(userID, observed, previous)
	if merged != previous {
		s.store.Set(key, []byte(merged), s.cfg.FactsTTL)
	}
	if merged == "" {
		return history
	}

	systemTurn := domain.HistoryItem{
		Role:    domain.RoleSystem,
		Content: domain.TextContent(merged),
	}
	if len(history) > 0 && history[0].Role == domain.RoleSystem {
		history[0] = systemTurn
		return history
	}
	return append([]domain.HistoryItem{systemTurn}, history...)
}

// Process runs one end-to-end assistant turn.
func (s *OpenAI) Process(ctx context.Context, req Request) (domain.Result, error) {
	state, err := s.initialize(ctx, req)
	if err != nil {
		return domain.Result{}, err
	}

	input, err := appendTextFile(ctx, s.httpClient, req.Input, req.Files.Text)
	if err != nil {
		return domain.Result{}, err
	}

	history := s.counter.TrimToBudget(s.cfg.Model, state.history, s.cfg.HistoryTokenBudget)

	apiInput := make([]openai.InputItem, 0, len(history)+2)
	apiInput = append(apiInput, openai.InputItem{Role: "system", Content: state.systemPrompt})
	for _, item := range history {
		apiInput = append(apiInput, toInputItem(item))
	}
	apiInput = append(apiInput, openai.InputItem{
		Role:    "user",
		Content: userContent(input, req.Files.Image),
	})

	resp, err := s.client.CreateResponse(ctx, &openai.ResponsesRequest{
		Model: s.cfg.Model,
		Input: apiInput,
		Tools: s.cfg.Tools,
	})
	if err != nil {
		return domain.Result{}, err
	}

	answer := s.formatResponse(resp)

	if call, ok := resp.SpeechCall(); ok {
		return s.speak(ctx, state, req, input, call, answer)
	}

	if err := s.saveToCache(state, req, input, answer); err != nil {
		return domain.Result{}, err
	}
	return domain.TextResult(answer), nil
}

// formatResponse extracts the human-readable answer.
func (s *OpenAI) formatResponse(resp *openai.Response) string {
	return resp.Text()
}

// speak executes the provider-requested speech side effect. This is the
// one branch where Process yields a non-text result.
func (s *OpenAI) speak(ctx context.Context, state *turnState, req Request, input string, call *openai.OutputItem, answer string) (domain.Result, error) {
	text := answer
	var args struct {
		Text string `json:"text"`
	}
	if err := json.Unmarshal([]byte(call.Arguments), &args); err == nil && args.Text != "" {
		text = args.Text
	}

	audio, err := s.client.CreateSpeech(ctx, &openai.SpeechRequest{
		Model: s.cfg.SpeechModel,
		Voice: s.cfg.SpeechVoice,
		Input: text,
	})
	if err != nil {
		return domain.Result{}, err
	}

	if err := s.saveToCache(state, req, input, text); err != nil {
		return domain.Result{}, err
	}
	return domain.Result{Type: domain.ResultAudio, Response: text, Audio: audio}, nil
}

func (s *OpenAI) saveToCache(state *turnState, req Request, input, answer string) error {
	return s.history.Set(state.cacheCfg, state.cacheCfg.Key(req.ID), []domain.HistoryItem{
		{Role: domain.RoleUser, Content: domain.MultimodalContent(input, req.Files.Image)},
		{Role: domain.RoleAssistant, Content: domain.TextContent(answer)},
	})
}

func toInputItem(item domain.HistoryItem) openai.InputItem {
	if len(item.Content.Parts) == 0 {
		return openai.InputItem{Role: string(item.Role), Content: item.Content.Text}
	}
	parts := make([]openai.ContentItem, 0, len(item.Content.Parts))
	for _, p := range item.Content.Parts {
		switch p.Type {
		case domain.PartText:
			parts = append(parts, openai.ContentItem{Type: "input_text", Text: p.Text})
		case domain.PartImage:
			parts = append(parts, openai.ContentItem{Type: "input_image", ImageURL: p.ImageURL, Detail: "auto"})
		}
	}
	return openai.InputItem{Role: string(item.Role), Content: parts}
}

func userContent(input, imageURL string) []openai.ContentItem {
	content := []openai.ContentItem{{Type: "input_text", Text: input}}
	if imageURL != "" {
		content = append(content, openai.ContentItem{Type: "input_image", ImageURL: imageURL, Detail: "auto"})
	}
	return content
}

// SetHTTPClient overrides the attachment fetch client. Tests only.
func (s *OpenAI) SetHTTPClient(c *http.Client) { s.httpClient = c }
