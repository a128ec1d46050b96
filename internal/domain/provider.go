package domain

import "context"

// ProviderKind identifies one upstream generative-AI API.
type ProviderKind string

const (
	KindGemini     ProviderKind = "gemini"
	KindClaude     ProviderKind = "claude"
	KindOpenAI     ProviderKind = "openai"
	KindPerplexity ProviderKind = "perplexity"
	KindAssistant  ProviderKind = "assistant"
)

// Kinds lists every supported provider in a stable order.
var Kinds = []ProviderKind{KindGemini, KindClaude, KindOpenAI, KindPerplexity, KindAssistant}

// eventNames maps each provider to the inbound/outbound event it owns.
var eventNames = map[ProviderKind]string{
	KindGemini:     "gemini-message",
	KindClaude:     "claude-message",
	KindOpenAI:     "openai-message",
	KindPerplexity: "perplexity-message",
	KindAssistant:  "openaiassistant-message",
}

// EventName returns the event name used for requests to and deltas from kind.
func (k ProviderKind) EventName() string {
	return eventNames[k]
}

// KindForEvent resolves an inbound event name to its provider.
func KindForEvent(event string) (ProviderKind, bool) {
	for k, name := range eventNames {
		if name == event {
			return k, true
		}
	}
	return "", false
}

// Adapter is implemented by every provider.
//
// Open builds the provider payload, issues the upstream call and returns a
// Stream once the provider has accepted the request. An error from Open means
// no delta has been produced.
type Adapter interface {
	Kind() ProviderKind
	Configured() bool
	Open(ctx context.Context, req InboundRequest) (Stream, error)
}

// Stream is a pull-based, finite, non-restartable sequence of deltas.
//
// Next returns io.EOF once the upstream stream has ended normally. The
// response body is only read while Next is being called, so a slow consumer
// applies backpressure to the provider connection. Close releases the network
// resources and may be called more than once.
type Stream interface {
	Next() (Delta, error)
	Close() error
}

// Delta is one incremental fragment of generated text.
type Delta struct {
	Text string
}
