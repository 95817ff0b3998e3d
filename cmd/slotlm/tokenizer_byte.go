//go:build !(cgo && hftokenizers)

package main

import (
	"fmt"

	"nano-slotlm-go/purego"
	"nano-slotlm-go/purego/tensor"
	"nano-slotlm-go/slotlm"
)

func loadTokenizer(path string, mcfg *tensor.ModelConfig) (slotlm.Tokenizer, error) {
	if path != "" {
		return nil, fmt.Errorf("--tokenizer needs a build with -tags hftokenizers")
	}
	if mcfg.VocabSize < purego.ByteVocabSize {
		return nil, fmt.Errorf("byte tokenizer needs vocab >= %d, model has %d", purego.ByteVocabSize, mcfg.VocabSize)
	}
	return purego.NewByteTokenizer(false), nil
}
