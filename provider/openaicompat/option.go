package openaicompat

// Option mutates a single chat request body. Options set at the provider
// level (via WithOptions) apply to every request; the moderator's
// structured-output schema is layered on top by BuildBody.
type Option func(*ChatRequest)

// WithTemperature sets sampling temperature. Range 0.0-2.0; lower is more
// deterministic, which suits moderator and summarizer nodes.
func WithTemperature(t float64) Option {
	return func(r *ChatRequest) { r.Temperature = &t }
}

// WithTopP sets nucleus sampling top-p (0.0-1.0).
func WithTopP(p float64) Option {
	return func(r *ChatRequest) { r.TopP = &p }
}

// WithMaxTokens caps output tokens per completion.
func WithMaxTokens(n int) Option {
	return func(r *ChatRequest) { r.MaxTokens = n }
}

// WithFrequencyPenalty sets the frequency penalty (-2.0 to 2.0).
func WithFrequencyPenalty(p float64) Option {
	return func(r *ChatRequest) { r.FrequencyPenalty = &p }
}

// WithPresencePenalty sets the presence penalty (-2.0 to 2.0).
func WithPresencePenalty(p float64) Option {
	return func(r *ChatRequest) { r.PresencePenalty = &p }
}

// WithStop adds stop sequences; generation halts when one appears.
func WithStop(s ...string) Option {
	return func(r *ChatRequest) { r.Stop = s }
}

// WithSeed requests deterministic sampling where the backend supports it.
// Useful for reproducing conversation runs.
func WithSeed(s int) Option {
	return func(r *ChatRequest) { r.Seed = &s }
}

// WithToolChoice controls tool selection: "none", "auto", "required", or a
// specific function object like
// map[string]any{"type": "function", "function": map[string]any{"name": "web_search"}}.
func WithToolChoice(choice any) Option {
	return func(r *ChatRequest) { r.ToolChoice = choice }
}
