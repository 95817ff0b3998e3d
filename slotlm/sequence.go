package slotlm

import (
	"slices"

	"github.com/google/uuid"
)

// SequenceStatus represents the status of a sequence
type SequenceStatus int

const (
	StatusWaiting SequenceStatus = iota
	StatusRunning
	StatusFinished
)

func (s SequenceStatus) String() string {
	switch s {
	case StatusWaiting:
		return "waiting"
	case StatusRunning:
		return "running"
	case StatusFinished:
		return "finished"
	}
	return "unknown"
}

// Sequence represents a single generation request
type Sequence struct {
	RequestID uuid.UUID
	Status    SequenceStatus
	Params    *SamplingParams

	// Slot is the cache slot the sequence decodes in, -1 when it holds none.
	Slot int

	prompt     []int32
	completion []int32
	logprobs   []float32
	hasEOS     bool
}

// NewSequence creates a waiting sequence for prompt. A nil params defers to
// the engine defaults at prefill time.
func NewSequence(prompt []int32, params *SamplingParams) *Sequence {
	return &Sequence{
		RequestID: uuid.New(),
		Status:    StatusWaiting,
		Params:    params,
		Slot:      -1,
		prompt:    slices.Clone(prompt),
	}
}

// IsFinished returns true if the sequence has finished generating
func (s *Sequence) IsFinished() bool {
	return s.Status == StatusFinished
}

// Len returns the number of prompt and completion tokens
func (s *Sequence) Len() int {
	return len(s.prompt) + len(s.completion)
}

// NumPromptTokens returns the number of prompt tokens
func (s *Sequence) NumPromptTokens() int { return len(s.prompt) }

// NumCompletionTokens returns the number of completion tokens
func (s *Sequence) NumCompletionTokens() int { return len(s.completion) }

// PromptTokenIDs returns the prompt token IDs
func (s *Sequence) PromptTokenIDs() []int32 { return s.prompt }

// CompletionTokenIDs returns the completion token IDs, the prefill token
// first.
func (s *Sequence) CompletionTokenIDs() []int32 { return s.completion }

// Logprobs returns the log-probability of each completion token.
func (s *Sequence) Logprobs() []float32 { return s.logprobs }

// HasEOS reports whether generation stopped on the EOS token.
func (s *Sequence) HasEOS() bool { return s.hasEOS }

// LastToken returns the most recent token
func (s *Sequence) LastToken() int32 {
	if len(s.completion) > 0 {
		return s.completion[len(s.completion)-1]
	}
	return s.prompt[len(s.prompt)-1]
}

// AppendToken appends a token to the sequence
func (s *Sequence) AppendToken(tokenID int32, logprob float32) {
	s.completion = append(s.completion, tokenID)
	s.logprobs = append(s.logprobs, logprob)
}

func (s *Sequence) finish(hasEOS bool) {
	s.Status = StatusFinished
	s.hasEOS = hasEOS
	s.Slot = -1
}
