package bus

import "github.com/valet-ai/valet/internal/domain"

// RequestData identifies the requester and carries the raw input.
type RequestData struct {
	// ID is the conversation/context identifier (guild, device or user
	// id). It partitions the history cache.
	ID     string
	UserID string
	// Name is the requester's display name, embedded in the prompt.
	Name  string
	Input string
	Files domain.Attachments
}

// CacheOverride optionally replaces the strategy's default cache TTL and
// key namespace for one request. Zero values mean "keep the default".
type CacheOverride struct {
	TTLSeconds int
	BaseKey    string
}

// Query is the business-logic event: the normalized request record that
// decouples front-ends from the orchestration pipeline. The pipeline
// passes Metadata through to the terminal event unmodified.
type Query struct {
	Data   RequestData
	Source domain.Source

	// ReplyKind and ErrorKind name the terminal events for this request.
	// ErrorKind may be empty.
	ReplyKind Kind
	ErrorKind Kind

	// Metadata is the front-end's opaque reply target.
	Metadata map[string]any

	Cache CacheOverride

	kind Kind
}

// AssistantQuery routes q to the general-purpose strategy.
func AssistantQuery(q Query) *Query {
	q.kind = KindAssistantQuery
	return &q
}

// WebQuery routes q to the web-search-augmented strategy.
func WebQuery(q Query) *Query {
	q.kind = KindWebQuery
	return &q
}

func (q *Query) Kind() Kind { return q.kind }

// ProcessInput is a Query annotated with its resolved strategy, emitted by
// the routing handlers and consumed by the processing handler.
type ProcessInput struct {
	Query
	StrategyName string
}

func (p *ProcessInput) Kind() Kind { return KindProcessInput }

// Notice is a transient progress frame for a request still in flight.
// Front-ends that can edit a placeholder message render it; others
// ignore the stream.
type Notice struct {
	Text     string
	Metadata map[string]any
}

func (n *Notice) Kind() Kind { return KindNoticeCreate }

// Reply is the terminal success event. Metadata is the inbound event's
// bag, untouched. Failed marks the fallback reply a failed turn emits so
// front-ends that also watch the error stream see one outcome, whichever
// event lands first.
type Reply struct {
	ReplyKind Kind
	Result    domain.Result
	Failed    bool
	Metadata  map[string]any
}

func (r *Reply) Kind() Kind { return r.ReplyKind }

// ReplyError is the terminal failure event, emitted under the inbound
// event's ErrorKind when one was supplied.
type ReplyError struct {
	ErrKind  Kind
	Err      error
	Metadata map[string]any
}

func (r *ReplyError) Kind() Kind { return r.ErrKind }

// Fault carries an unhandled handler failure to the recovery supervisor.
type Fault struct {
	Origin Kind
	Err    error
}

func (f *Fault) Kind() Kind { return KindFault }
