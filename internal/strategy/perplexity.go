package strategy

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/valet-ai/valet/internal/convcache"
	"github.com/valet-ai/valet/internal/domain"
	"github.com/valet-ai/valet/internal/provider/perplexity"
	"github.com/valet-ai/valet/internal/tokens"
)

// searchGuidance steers the search-grounded model away from rambling.
const searchGuidance = "Be precise, concise, organized."

// chatAPI is the slice of the Perplexity client this strategy uses.
type chatAPI interface {
	CreateChatCompletion(ctx context.Context, req *perplexity.ChatRequest) (*perplexity.ChatResponse, error)
}

// PerplexityConfig configures the web-search-augmented strategy.
type PerplexityConfig struct {
	Model string

	SystemPrompt  string
	SystemPrompts map[domain.Source]string

	Cache convcache.Config

	HistoryTokenBudget int
}

// Perplexity is the web-search-augmented strategy: no image support,
// citation embedding on format, search-grounding metadata discarded
// beyond the citation list.
type Perplexity struct {
	cfg        PerplexityConfig
	client     chatAPI
	history    *convcache.History
	counter    *tokens.Counter
	httpClient *http.Client
	logger     *slog.Logger
}

// NewPerplexity creates the strategy.
func NewPerplexity(cfg PerplexityConfig, client chatAPI, store *convcache.Store, counter *tokens.Counter, logger *slog.Logger) *Perplexity {
	if logger == nil {
		logger = slog.Default()
	}
	return &Perplexity{
		cfg:        cfg,
		client:     client,
		history:    convcache.NewHistory(store),
		counter:    counter,
		httpClient: http.DefaultClient,
		logger:     logger,
	}
}

func (s *Perplexity) Name() string { return NamePerplexity }

// Process runs one end-to-end web-search turn.
func (s *Perplexity) Process(ctx context.Context, req Request) (domain.Result, error) {
	cacheCfg := s.cfg.Cache.Merge(req.Cache.TTLSeconds, req.Cache.BaseKey)
	key := cacheCfg.Key(req.ID)

	// Perplexity has no multimodal content field; stored structured
	// turns flatten to plain text on the way out.
	history, err := s.history.Get(key, convcache.FlattenContent)
	if err != nil {
		return domain.Result{}, err
	}
	history = s.counter.TrimToBudget(s.cfg.Model, history, s.cfg.HistoryTokenBudget)

	userInput := fmt.Sprintf("Sent by %s: %s", req.Name, req.Input)
	input, err := appendTextFile(ctx, s.httpClient, userInput, req.Files.Text)
	if err != nil {
		return domain.Result{}, err
	}

	messages := make([]perplexity.Message, 0, len(history)+2)
	messages = append(messages, perplexity.Message{
		Role:    string(domain.RoleSystem),
		Content: s.systemPromptFor(req.Source),
	})
	for _, item := range history {
		messages = append(messages, perplexity.Message{
			Role:    string(item.Role),
			Content: item.Content.PlainText(),
		})
	}
	messages = append(messages, perplexity.Message{Role: string(domain.RoleUser), Content: input})

	resp, err := s.client.CreateChatCompletion(ctx, &perplexity.ChatRequest{
		Model:            s.cfg.Model,
		Messages:         messages,
		WebSearchOptions: &perplexity.WebSearchOptions{SearchContextSize: "low"},
	})
	if err != nil {
		return domain.Result{}, err
	}

	answer := s.formatResponse(resp, req.Source)

	if err := s.history.Set(cacheCfg, key, []domain.HistoryItem{
		{Role: domain.RoleUser, Content: domain.TextContent(input)},
		{Role: domain.RoleAssistant, Content: domain.TextContent(answer)},
	}); err != nil {
		return domain.Result{}, err
	}

	return domain.TextResult(answer), nil
}

// formatResponse renders the answer for the originating platform,
// embedding or stripping citation markers as the medium allows.
func (s *Perplexity) formatResponse(resp *perplexity.ChatResponse, source domain.Source) string {
	return FormatterFor(source)(resp.Text(), resp.Citations)
}

func (s *Perplexity) systemPromptFor(source domain.Source) string {
	prompt := s.cfg.SystemPrompt
	if p, ok := s.cfg.SystemPrompts[source]; ok && p != "" {
		prompt = p
	}
	if prompt == "" {
		return searchGuidance
	}
	return searchGuidance + " " + prompt
}

// SetHTTPClient overrides the attachment fetch client. Tests only.
func (s *Perplexity) SetHTTPClient(c *http.Client) { s.httpClient = c }
