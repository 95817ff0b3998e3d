//go:build cgo && hftokenizers

package main

import (
	"nano-slotlm-go/purego"
	"nano-slotlm-go/purego/tensor"
	"nano-slotlm-go/slotlm"
)

func loadTokenizer(path string, mcfg *tensor.ModelConfig) (slotlm.Tokenizer, error) {
	if path == "" {
		return purego.NewByteTokenizer(false), nil
	}
	return purego.NewHFTokenizer(path, mcfg.EOSTokenID, mcfg.PadTokenID)
}
