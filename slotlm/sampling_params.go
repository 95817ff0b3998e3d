package slotlm

import (
	"fmt"

	"nano-slotlm-go/purego/tensor"
)

// SamplingParams holds the per-request sampling parameters
type SamplingParams struct {
	Temperature    float32 // 0 selects greedy decoding
	TopP           float32
	TopK           int // 0 disables top-k
	MaxDecodeSteps int // per-request cap, at most Config.MaxDecodeSteps
	IgnoreEOS      bool
	Seed           int64 // mixed into the request's sampling stream
}

// SamplingOption is a functional option for SamplingParams
type SamplingOption func(*SamplingParams)

// NewSamplingParams creates greedy sampling parameters and applies opts.
// It panics on invalid values.
func NewSamplingParams(opts ...SamplingOption) *SamplingParams {
	sp := &SamplingParams{
		Temperature:    0,
		TopP:           1.0,
		TopK:           1,
		MaxDecodeSteps: 16,
	}
	for _, opt := range opts {
		opt(sp)
	}
	if err := sp.validate(); err != nil {
		panic(err)
	}
	return sp
}

// validate checks if the sampling parameters are valid
func (sp *SamplingParams) validate() error {
	switch {
	case sp.Temperature < 0:
		return fmt.Errorf("%w: temperature %v < 0", ErrInvalidSamplingParams, sp.Temperature)
	case sp.TopP <= 0 || sp.TopP > 1:
		return fmt.Errorf("%w: top_p %v outside (0, 1]", ErrInvalidSamplingParams, sp.TopP)
	case sp.TopK < 0:
		return fmt.Errorf("%w: top_k %d < 0", ErrInvalidSamplingParams, sp.TopK)
	case sp.MaxDecodeSteps < 1:
		return fmt.Errorf("%w: max decode steps %d < 1", ErrInvalidSamplingParams, sp.MaxDecodeSteps)
	}
	return nil
}

func (sp *SamplingParams) sampler() *tensor.SamplingParams {
	return &tensor.SamplingParams{Temperature: sp.Temperature, TopP: sp.TopP, TopK: sp.TopK}
}

// WithTemperature sets the sampling temperature
func WithTemperature(t float32) SamplingOption {
	return func(sp *SamplingParams) { sp.Temperature = t }
}

// WithTopP sets the nucleus mass
func WithTopP(p float32) SamplingOption {
	return func(sp *SamplingParams) { sp.TopP = p }
}

// WithTopK sets the top-k cutoff
func WithTopK(k int) SamplingOption {
	return func(sp *SamplingParams) { sp.TopK = k }
}

// WithMaxTokens sets the maximum number of tokens to generate
func WithMaxTokens(n int) SamplingOption {
	return func(sp *SamplingParams) { sp.MaxDecodeSteps = n }
}

// WithIgnoreEOS sets whether to ignore the EOS token
func WithIgnoreEOS(b bool) SamplingOption {
	return func(sp *SamplingParams) { sp.IgnoreEOS = b }
}

// WithRequestSeed sets the per-request sampling seed. Requests with the same
// prompt and seed sample the same completion.
func WithRequestSeed(seed int64) SamplingOption {
	return func(sp *SamplingParams) { sp.Seed = seed }
}
