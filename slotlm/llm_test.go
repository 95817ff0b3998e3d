package slotlm_test

import (
	"bytes"
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"nano-slotlm-go/purego"
	"nano-slotlm-go/slotlm"
)

func TestLLMGenerateMatchesOneAtATime(t *testing.T) {
	prompts := []string{"one", "two two", "three", "four!", "5"}
	params := slotlm.NewSamplingParams(slotlm.WithMaxTokens(3), slotlm.WithIgnoreEOS(true))
	opts := []slotlm.ConfigOption{slotlm.WithInputSequenceLen(8), slotlm.WithMaxDecodeSteps(4)}

	var progress bytes.Buffer
	batched := slotlm.NewLLM(newEngine(t, append(opts, slotlm.WithNumCacheSlots(2))...), slotlm.WithProgress(&progress))
	outputs, err := batched.Generate(context.Background(), prompts, params)
	require.NoError(t, err)
	require.Len(t, outputs, len(prompts))
	assert.NotZero(t, progress.Len())
	assert.True(t, batched.Scheduler().IsFinished())

	tok := purego.NewByteTokenizer(false)
	for i, p := range prompts {
		single := slotlm.NewLLM(newEngine(t, append(opts, slotlm.WithNumCacheSlots(1))...))
		want, err := single.Generate(context.Background(), []string{p}, params)
		require.NoError(t, err)

		got := outputs[i]
		assert.Equal(t, want[0].TokenIDs, got.TokenIDs, "prompt %q", p)
		assert.InDeltaSlice(t, want[0].Logprobs, got.Logprobs, 1e-5)
		// the prefill token plus one per generate
		assert.Len(t, got.TokenIDs, 4)
		assert.False(t, got.HasEOS)

		ids := make([]int, len(got.TokenIDs))
		for j, id := range got.TokenIDs {
			ids[j] = int(id)
		}
		text, err := tok.Decode(ids)
		require.NoError(t, err)
		assert.Equal(t, text, got.Text)
	}
}

func TestLLMGenerateTokensPerRequestParams(t *testing.T) {
	llm := slotlm.NewLLM(newEngine(t, slotlm.WithNumCacheSlots(2), slotlm.WithInputSequenceLen(4), slotlm.WithMaxDecodeSteps(6)))
	outputs, err := llm.GenerateTokens(context.Background(),
		[][]int32{{10, 11}, {12}, {13, 14, 15}},
		[]*slotlm.SamplingParams{
			slotlm.NewSamplingParams(slotlm.WithMaxTokens(1), slotlm.WithIgnoreEOS(true)),
			slotlm.NewSamplingParams(slotlm.WithMaxTokens(6), slotlm.WithIgnoreEOS(true)),
			slotlm.NewSamplingParams(slotlm.WithMaxTokens(2), slotlm.WithIgnoreEOS(true)),
		})
	require.NoError(t, err)
	assert.Len(t, outputs[0].TokenIDs, 2)
	assert.Len(t, outputs[1].TokenIDs, 7)
	assert.Len(t, outputs[2].TokenIDs, 3)

	_, err = llm.GenerateTokens(context.Background(), [][]int32{{1}}, nil)
	assert.Error(t, err)
}

func TestLLMGenerateNeedsTokenizer(t *testing.T) {
	e, err := slotlm.NewEngine(slotlm.NewConfig(), newModel(t))
	require.NoError(t, err)
	_, err = slotlm.NewLLM(e).Generate(context.Background(), []string{"x"}, nil)
	assert.ErrorIs(t, err, slotlm.ErrNoTokenizer)

	// token prompts work without one and leave Text empty
	outputs, err := slotlm.NewLLM(e).GenerateTokens(context.Background(), [][]int32{{40}},
		[]*slotlm.SamplingParams{slotlm.NewSamplingParams(slotlm.WithMaxTokens(2), slotlm.WithIgnoreEOS(true))})
	require.NoError(t, err)
	assert.Empty(t, outputs[0].Text)
	assert.Len(t, outputs[0].TokenIDs, 3)
}

func TestSchedulerFinishesAtPrefill(t *testing.T) {
	prompt := []int32{50, 51}
	params := slotlm.NewSamplingParams(slotlm.WithMaxTokens(4))
	probe := newEngine(t, slotlm.WithNumCacheSlots(1), slotlm.WithInputSequenceLen(4), slotlm.WithMaxDecodeSteps(4))
	first, err := probe.Prefill(context.Background(), prompt, params)
	require.NoError(t, err)

	e := newEngine(t,
		slotlm.WithNumCacheSlots(1),
		slotlm.WithInputSequenceLen(4),
		slotlm.WithMaxDecodeSteps(4),
		slotlm.WithEOS(int(first.Token)),
	)
	s := slotlm.NewScheduler(e)
	seq := slotlm.NewSequence(prompt, params)
	s.Add(seq)

	finished, stats, err := s.Step(context.Background())
	require.NoError(t, err)
	require.Len(t, finished, 1)
	assert.Same(t, seq, finished[0])
	assert.True(t, seq.HasEOS())
	assert.Equal(t, []int32{first.Token}, seq.CompletionTokenIDs())
	assert.Equal(t, 2, stats.PrefillTokens)
	assert.Zero(t, stats.DecodeTokens)
	assert.Zero(t, e.Occupancy())
	assert.True(t, s.IsFinished())
	assert.Zero(t, e.Programs().Calls["generate"])
}

func TestSchedulerReclaimsSlots(t *testing.T) {
	e := newEngine(t, slotlm.WithNumCacheSlots(2), slotlm.WithInputSequenceLen(4), slotlm.WithMaxDecodeSteps(4))
	s := slotlm.NewScheduler(e)
	params := slotlm.NewSamplingParams(slotlm.WithMaxTokens(2), slotlm.WithIgnoreEOS(true))
	seqs := []*slotlm.Sequence{
		slotlm.NewSequence([]int32{10}, params),
		slotlm.NewSequence([]int32{11}, params),
		slotlm.NewSequence([]int32{12}, params),
	}
	for _, seq := range seqs {
		s.Add(seq)
	}

	_, stats, err := s.Step(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, stats.PrefillTokens)
	assert.Equal(t, 2, stats.DecodeTokens)
	assert.Equal(t, 0, seqs[0].Slot)
	assert.Equal(t, 1, seqs[1].Slot)
	assert.Equal(t, slotlm.StatusWaiting, seqs[2].Status)

	finished, _, err := s.Step(context.Background())
	require.NoError(t, err)
	assert.ElementsMatch(t, seqs[:2], finished)
	assert.Equal(t, 0, e.Occupancy())

	// the freed slot 0 takes the last request
	_, _, err = s.Step(context.Background())
	require.NoError(t, err)
	assert.Equal(t, slotlm.StatusRunning, seqs[2].Status)
	assert.Equal(t, 0, seqs[2].Slot)

	finished, _, err = s.Step(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []*slotlm.Sequence{seqs[2]}, finished)
	assert.True(t, s.IsFinished())
}

func TestSchedulerPrefixCache(t *testing.T) {
	e := newEngine(t,
		slotlm.WithNumCacheSlots(2),
		slotlm.WithInputSequenceLen(8),
		slotlm.WithMaxDecodeSteps(4),
		slotlm.WithPrefixCacheSize(4),
	)
	llm := slotlm.NewLLM(e)
	params := slotlm.NewSamplingParams(slotlm.WithMaxTokens(3), slotlm.WithIgnoreEOS(true))

	outputs, err := llm.Generate(context.Background(), []string{"same", "same", "other"}, params)
	require.NoError(t, err)
	assert.Equal(t, outputs[0].TokenIDs, outputs[1].TokenIDs)
	assert.NotEqual(t, outputs[0].RequestID, outputs[1].RequestID)

	cache := llm.Scheduler().PrefixCache()
	require.NotNil(t, cache)
	hits, misses := cache.Stats()
	assert.Equal(t, 1, hits)
	assert.Equal(t, 2, misses)
	assert.Equal(t, 2, cache.Len())
	assert.Equal(t, 2, e.Programs().Calls["prefill"])

	assert.Nil(t, slotlm.NewScheduler(newEngine(t)).PrefixCache())
}
