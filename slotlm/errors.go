package slotlm

import "errors"

// Precondition errors. Each is returned before any engine state changes.
var (
	ErrEmptyPrompt           = errors.New("slotlm: empty prompt")
	ErrPromptTooLong         = errors.New("slotlm: prompt longer than input sequence length")
	ErrTokenOutOfRange       = errors.New("slotlm: token id outside vocabulary")
	ErrSlotOutOfRange        = errors.New("slotlm: cache slot out of range")
	ErrPrefixConsumed        = errors.New("slotlm: prefix state already inserted")
	ErrPrefixShape           = errors.New("slotlm: prefix state does not match engine")
	ErrInvalidSamplingParams = errors.New("slotlm: invalid sampling parameters")
	ErrNoTokenizer           = errors.New("slotlm: no tokenizer configured")
)

// ErrInvalidConfig wraps configuration errors detected at construction.
var ErrInvalidConfig = errors.New("slotlm: invalid config")
