package slotlm

import (
	"context"
	"fmt"
	"io"
	"time"

	"github.com/google/uuid"
	"github.com/schollz/progressbar/v3"
)

// Output represents the output of a generation request
type Output struct {
	RequestID uuid.UUID
	Text      string
	TokenIDs  []int32
	Logprobs  []float32
	HasEOS    bool
}

// LLM runs batches of prompts to completion on an Engine through the
// reference scheduler.
type LLM struct {
	engine    *Engine
	scheduler *Scheduler
	progress  io.Writer
}

// LLMOption configures an LLM
type LLMOption func(*LLM)

// WithProgress draws a progress bar on w while generating
func WithProgress(w io.Writer) LLMOption {
	return func(l *LLM) { l.progress = w }
}

// NewLLM wraps engine. Text prompts need the engine's tokenizer.
func NewLLM(engine *Engine, opts ...LLMOption) *LLM {
	l := &LLM{engine: engine, scheduler: NewScheduler(engine)}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// Scheduler returns the underlying scheduler.
func (l *LLM) Scheduler() *Scheduler { return l.scheduler }

// Generate encodes prompts with the engine tokenizer and runs them to
// completion. A nil params uses the engine defaults.
func (l *LLM) Generate(ctx context.Context, prompts []string, params *SamplingParams) ([]Output, error) {
	if l.engine.tokenizer == nil {
		return nil, ErrNoTokenizer
	}
	rows := make([][]int32, len(prompts))
	for i, p := range prompts {
		ids, err := l.engine.tokenizer.Encode(p)
		if err != nil {
			return nil, fmt.Errorf("failed to encode prompt %d: %w", i, err)
		}
		rows[i] = make([]int32, len(ids))
		for j, id := range ids {
			rows[i][j] = int32(id)
		}
	}
	spList := make([]*SamplingParams, len(prompts))
	for i := range spList {
		spList[i] = params
	}
	return l.GenerateTokens(ctx, rows, spList)
}

// GenerateTokens runs token prompts to completion. params holds one entry
// per prompt. Outputs are returned in prompt order; Text is filled only
// when the engine has a tokenizer.
func (l *LLM) GenerateTokens(ctx context.Context, prompts [][]int32, params []*SamplingParams) ([]Output, error) {
	if len(params) != len(prompts) {
		return nil, fmt.Errorf("number of sampling params must match number of prompts")
	}
	seqs := make([]*Sequence, len(prompts))
	for i, p := range prompts {
		seqs[i] = NewSequence(p, params[i])
		l.scheduler.Add(seqs[i])
	}

	var bar *progressbar.ProgressBar
	if l.progress != nil {
		bar = progressbar.NewOptions(len(prompts),
			progressbar.OptionSetWriter(l.progress),
			progressbar.OptionSetDescription("Generating"),
			progressbar.OptionSetWidth(40),
			progressbar.OptionShowCount(),
			progressbar.OptionShowIts(),
			progressbar.OptionSetTheme(progressbar.Theme{
				Saucer:        "=",
				SaucerHead:    ">",
				SaucerPadding: " ",
				BarStart:      "[",
				BarEnd:        "]",
			}),
		)
	}

	var prefillThroughput, decodeThroughput float64
	for !l.scheduler.IsFinished() {
		start := time.Now()
		finished, stats, err := l.scheduler.Step(ctx)
		if err != nil {
			return nil, err
		}
		elapsed := time.Since(start).Seconds()

		if bar != nil {
			if elapsed > 0 {
				if stats.PrefillTokens > 0 {
					prefillThroughput = float64(stats.PrefillTokens) / elapsed
				}
				if stats.DecodeTokens > 0 {
					decodeThroughput = float64(stats.DecodeTokens) / elapsed
				}
			}
			bar.Describe(fmt.Sprintf("Generating [Prefill: %dtok/s, Decode: %dtok/s]",
				int(prefillThroughput), int(decodeThroughput)))
			_ = bar.Add(len(finished))
		}
	}
	if bar != nil {
		_ = bar.Finish()
	}

	outputs := make([]Output, len(prompts))
	rows := make([][]int32, len(prompts))
	for i, seq := range seqs {
		rows[i] = seq.CompletionTokenIDs()
		outputs[i] = Output{
			RequestID: seq.RequestID,
			TokenIDs:  seq.CompletionTokenIDs(),
			Logprobs:  seq.Logprobs(),
			HasEOS:    seq.HasEOS(),
		}
	}
	if l.engine.tokenizer != nil {
		texts, err := l.engine.Detokenize(rows)
		if err != nil {
			return nil, err
		}
		for i := range outputs {
			outputs[i].Text = texts[i]
		}
	}
	return outputs, nil
}
