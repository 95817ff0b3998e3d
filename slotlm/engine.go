package slotlm

import (
	"context"
	"encoding/binary"
	"fmt"
	"math/rand"
	"slices"

	"github.com/cespare/xxhash/v2"

	"nano-slotlm-go/logger"
	"nano-slotlm-go/purego/tensor"
	"nano-slotlm-go/spmd"
)

// PrefillResult is the outcome of one prefill.
type PrefillResult struct {
	Score  float32
	Token  int32
	Prefix *PrefixState
}

// GenerateResult holds one token per slot. Slots that were already done
// repeat their last token and score.
type GenerateResult struct {
	Scores []float32
	Tokens []int32
	Done   []bool
}

// Engine is a continuous-batching decoder over a fixed set of cache slots.
// It is not safe for concurrent use: callers serialize Insert and Generate.
type Engine struct {
	cfg       *Config
	model     Model
	mcfg      *tensor.ModelConfig
	eos       int32
	tokenizer Tokenizer
	log       logger.Logger
	rep       *spmd.Replicator
	collect   spmd.Collective

	state    *DecodeState
	cache    *tensor.KVCache
	slotRNG  []*rand.Rand
	programs *programCache
}

// EngineOption configures optional engine collaborators.
type EngineOption func(*Engine)

// WithLogger sets the engine logger
func WithLogger(l logger.Logger) EngineOption {
	return func(e *Engine) { e.log = l }
}

// WithTokenizer enables Detokenize
func WithTokenizer(t Tokenizer) EngineOption {
	return func(e *Engine) { e.tokenizer = t }
}

// WithCollective sets the transport that carries replicated input between
// the hosts of a multi-host mesh. Secondary hosts require one.
func WithCollective(c spmd.Collective) EngineOption {
	return func(e *Engine) { e.collect = c }
}

// NewEngine allocates the cache and decode state for cfg and model.
func NewEngine(cfg *Config, model Model, opts ...EngineOption) (*Engine, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	mcfg := model.Config()
	if err := mcfg.Validate(); err != nil {
		return nil, fmt.Errorf("%w: model: %w", ErrInvalidConfig, err)
	}
	if cfg.SeqLen() > mcfg.MaxSeqLen {
		return nil, fmt.Errorf("%w: cache width %d exceeds model max seq len %d", ErrInvalidConfig, cfg.SeqLen(), mcfg.MaxSeqLen)
	}
	eos := mcfg.EOSTokenID
	if cfg.EOS >= 0 {
		eos = cfg.EOS
	}
	if eos >= mcfg.VocabSize {
		return nil, fmt.Errorf("%w: eos %d outside vocab %d", ErrInvalidConfig, eos, mcfg.VocabSize)
	}
	e := &Engine{
		cfg:   cfg,
		model: model,
		mcfg:  mcfg,
		eos:   int32(eos),
		log:   logger.Discard(),
		state: NewDecodeState(cfg.NumCacheSlots, cfg.InputSequenceLen, cfg.MaxDecodeSteps),
		cache: tensor.NewKVCache(mcfg.NumLayers, cfg.NumCacheSlots, cfg.SeqLen(),
			mcfg.NumKVHeads, mcfg.HeadDim, cfg.CacheDType(), mcfg.HasPostRotaryKey()),
		slotRNG: make([]*rand.Rand, cfg.NumCacheSlots),
	}
	for _, opt := range opts {
		opt(e)
	}
	rep, err := spmd.NewReplicator(cfg.Mesh, cfg.HostIndex, cfg.PrimaryHost, e.collect)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidConfig, err)
	}
	e.rep = rep
	e.log = e.log.With("component", "engine")
	e.programs = newProgramCache(e.buildProgram, e.log)

	e.log.Info("engine ready",
		"slots", cfg.NumCacheSlots,
		"seq_len", cfg.SeqLen(),
		"kv_dtype", string(cfg.CacheDType()),
		"kernel", string(cfg.AttentionKernel),
		"cache_bytes", e.cache.Bytes(),
	)

	if cfg.Precompile {
		if err := e.Warmup(context.Background()); err != nil {
			return nil, fmt.Errorf("warmup: %w", err)
		}
	}
	return e, nil
}

func (e *Engine) buildProgram(key programKey) (*program, error) {
	p := &program{key: key}
	quantized := e.cfg.QuantizeKV
	var err error
	switch key.op {
	case opPrefill:
		p.kernel, err = tensor.NewKernel(tensor.KernelStandard, key.seq, 1, quantized)
	case opGenerate:
		kind := e.cfg.AttentionKernel
		if kind == tensor.KernelQuantized {
			kind = tensor.KernelStandard
		}
		p.kernel, err = tensor.NewKernel(kind, key.seq, e.cfg.ChunkedOneStepAttnNumSeqSplit, quantized)
	case opInsert:
	default:
		err = fmt.Errorf("unknown op %v", key.op)
	}
	if err != nil {
		return nil, err
	}
	return p, nil
}

// Config returns the engine configuration.
func (e *Engine) Config() *Config { return e.cfg }

// ModelConfig returns the model shape.
func (e *Engine) ModelConfig() *tensor.ModelConfig { return e.mcfg }

// EOS returns the effective end-of-sequence token.
func (e *Engine) EOS() int32 { return e.eos }

// State returns a copy of the decode state.
func (e *Engine) State() *DecodeState { return e.state.Clone() }

// SlotDone reports whether slot is free or finished.
func (e *Engine) SlotDone(slot int) bool { return e.state.Done[slot] }

// Occupancy is the number of slots still decoding.
func (e *Engine) Occupancy() int {
	n := 0
	for _, d := range e.state.Done {
		if !d {
			n++
		}
	}
	return n
}

// CacheSlot decodes the key and value of one slot of one layer into
// [seq, kv_heads, head_dim] tensors.
func (e *Engine) CacheSlot(layer, slot int) (key, value *tensor.Tensor, err error) {
	l := e.cache.Layer(layer)
	if l == nil {
		return nil, nil, fmt.Errorf("layer %d out of range", layer)
	}
	if slot < 0 || slot >= e.cfg.NumCacheSlots {
		return nil, nil, fmt.Errorf("%w: %d", ErrSlotOutOfRange, slot)
	}
	return l.Key.SlotData(slot), l.Value.SlotData(slot), nil
}

// PostRotaryKeySlot decodes the rotated key of one slot of one layer. It
// returns nil when rotated keys are folded into the key cache.
func (e *Engine) PostRotaryKeySlot(layer, slot int) (*tensor.Tensor, error) {
	if _, _, err := e.CacheSlot(layer, slot); err != nil {
		return nil, err
	}
	l := e.cache.Layer(layer)
	if l.KeyPostRotary == nil {
		return nil, nil
	}
	return l.KeyPostRotary.SlotData(slot), nil
}

// CacheBytes is the storage footprint of the slot cache.
func (e *Engine) CacheBytes() int64 { return e.cache.Bytes() }

// Programs reports program cache activity.
func (e *Engine) Programs() ProgramStats { return e.programs.stats() }

// Reset returns the decode state and cache to their initial values.
func (e *Engine) Reset() {
	e.state.reset(e.cfg.InputSequenceLen, e.cfg.MaxDecodeSteps)
	e.cache.Clear()
	clear(e.slotRNG)
}

func (e *Engine) requestSeed(tokens []int32, seed int64) int64 {
	h := xxhash.New()
	var buf [8]byte
	binary.LittleEndian.PutUint64(buf[:], uint64(e.cfg.Seed))
	h.Write(buf[:])
	binary.LittleEndian.PutUint64(buf[:], uint64(seed))
	h.Write(buf[:])
	for _, t := range tokens {
		binary.LittleEndian.PutUint32(buf[:4], uint32(t))
		h.Write(buf[:4])
	}
	return int64(h.Sum64())
}

// Prefill runs a single prompt into a fresh batch-1 cache, samples its first
// token and returns the prefix state for Insert. It does not modify the
// engine's decode state or cache. A nil params uses the configured defaults.
func (e *Engine) Prefill(ctx context.Context, tokens []int32, params *SamplingParams) (*PrefillResult, error) {
	if params == nil {
		params = e.cfg.defaultParams()
	}
	if err := e.validatePrompt(tokens, params); err != nil {
		return nil, err
	}

	in := &PrefillInput{
		Tokens:   make([]int32, e.cfg.InputSequenceLen),
		Paddings: make([]float32, e.cfg.InputSequenceLen),
	}
	copy(in.Tokens, tokens)
	for i := len(tokens); i < len(in.Paddings); i++ {
		in.Paddings[i] = 1
	}
	return e.prefill(ctx, in, params)
}

// PrefillWithDummy prefills an all-zero prompt of full length with the
// default parameters. Secondary hosts call it to stay in step with the
// primary.
func (e *Engine) PrefillWithDummy(ctx context.Context) (*PrefillResult, error) {
	in := &PrefillInput{
		Tokens:   make([]int32, e.cfg.InputSequenceLen),
		Paddings: make([]float32, e.cfg.InputSequenceLen),
	}
	return e.prefill(ctx, in, e.cfg.defaultParams())
}

func (e *Engine) validatePrompt(tokens []int32, params *SamplingParams) error {
	if len(tokens) == 0 {
		return ErrEmptyPrompt
	}
	if len(tokens) > e.cfg.InputSequenceLen {
		return fmt.Errorf("%w: %d > %d", ErrPromptTooLong, len(tokens), e.cfg.InputSequenceLen)
	}
	for i, t := range tokens {
		if t < 0 || int(t) >= e.mcfg.VocabSize {
			return fmt.Errorf("%w: token %d at %d, vocab %d", ErrTokenOutOfRange, t, i, e.mcfg.VocabSize)
		}
	}
	if err := params.validate(); err != nil {
		return err
	}
	if params.MaxDecodeSteps > e.cfg.MaxDecodeSteps {
		return fmt.Errorf("%w: max decode steps %d > %d", ErrInvalidSamplingParams, params.MaxDecodeSteps, e.cfg.MaxDecodeSteps)
	}
	return nil
}

// replicateInput pushes the host input through the mesh so every device
// sees the primary host's values.
func (e *Engine) replicateInput(ctx context.Context, in *PrefillInput, params *SamplingParams) (*PrefillInput, *SamplingParams, error) {
	tokens, err := spmd.Replicate(ctx, e.rep, in.Tokens)
	if err != nil {
		return nil, nil, err
	}
	paddings, err := spmd.Replicate(ctx, e.rep, in.Paddings)
	if err != nil {
		return nil, nil, err
	}
	floatExtras, err := spmd.Replicate(ctx, e.rep, []float32{params.Temperature, params.TopP})
	if err != nil {
		return nil, nil, err
	}
	ignore := int32(0)
	if params.IgnoreEOS {
		ignore = 1
	}
	intExtras, err := spmd.Replicate(ctx, e.rep, []int32{
		int32(params.TopK), int32(params.MaxDecodeSteps), ignore,
		int32(params.Seed >> 32), int32(uint32(params.Seed)),
	})
	if err != nil {
		return nil, nil, err
	}
	rp := &SamplingParams{
		Temperature:    floatExtras[0],
		TopP:           floatExtras[1],
		TopK:           int(intExtras[0]),
		MaxDecodeSteps: int(intExtras[1]),
		IgnoreEOS:      intExtras[2] != 0,
		Seed:           int64(intExtras[3])<<32 | int64(uint32(intExtras[4])),
	}
	return &PrefillInput{Tokens: tokens, Paddings: paddings}, rp, nil
}

func (e *Engine) prefill(ctx context.Context, host *PrefillInput, params *SamplingParams) (*PrefillResult, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	in, params, err := e.replicateInput(ctx, host, params)
	if err != nil {
		return nil, fmt.Errorf("replicate prefill input: %w", err)
	}
	prefixLen := 0
	for _, p := range in.Paddings {
		if p == 0 {
			prefixLen++
		}
	}

	prog, err := e.programs.get(programKey{op: opPrefill, batch: 1, seq: e.cfg.InputSequenceLen})
	if err != nil {
		return nil, err
	}
	cache := tensor.NewKVCache(e.mcfg.NumLayers, 1, e.cfg.InputSequenceLen,
		e.mcfg.NumKVHeads, e.mcfg.HeadDim, e.cfg.CacheDType(), e.mcfg.HasPostRotaryKey())
	logits, err := e.model.Prefill(ctx, in, cache, prog.kernel)
	if err != nil {
		return nil, fmt.Errorf("prefill: %w", err)
	}
	if len(logits) != e.mcfg.VocabSize {
		return nil, fmt.Errorf("prefill: model returned %d logits, vocab %d", len(logits), e.mcfg.VocabSize)
	}

	prompt := slices.Clone(in.Tokens[:prefixLen])
	seed := e.requestSeed(prompt, params.Seed)
	id, logprob := tensor.Sample(logits, params.sampler(), rand.New(rand.NewSource(seed)))

	st := NewDecodeState(1, e.cfg.InputSequenceLen, e.cfg.MaxDecodeSteps)
	st.PrefixLengths[0] = int32(prefixLen)
	st.PerSampleSteps[0] = int32(prefixLen)
	st.SegmentPos[0] = int32(prefixLen)
	st.DecodeLengths[0] = 0
	st.Temperature[0] = params.Temperature
	st.TopP[0] = params.TopP
	st.TopK[0] = int32(params.TopK)
	st.PerExampleMaxDecodeSteps[0] = int32(params.MaxDecodeSteps)
	st.IgnoreEOS[0] = params.IgnoreEOS
	st.OutputIDs[0] = int32(id)
	st.Logprobs[0] = logprob
	st.HasEOS[0] = int32(id) == e.eos && !params.IgnoreEOS
	st.Done[0] = st.HasEOS[0]

	return &PrefillResult{
		Score: logprob,
		Token: int32(id),
		Prefix: &PrefixState{
			Tokens: prompt,
			State:  st,
			Cache:  cache,
			seed:   seed,
		},
	}, nil
}

// Insert copies prefix into slot, overwriting whatever the slot held.
func (e *Engine) Insert(ctx context.Context, prefix *PrefixState, slot int) error {
	if prefix == nil || prefix.State == nil || prefix.Cache == nil {
		return fmt.Errorf("%w: nil prefix", ErrPrefixShape)
	}
	if prefix.consumed {
		return ErrPrefixConsumed
	}
	if slot < 0 || slot >= e.cfg.NumCacheSlots {
		return fmt.Errorf("%w: %d of %d", ErrSlotOutOfRange, slot, e.cfg.NumCacheSlots)
	}
	if prefix.State.Slots() != 1 || prefix.Cache.Slots != 1 || prefix.Cache.SeqLen != e.cfg.InputSequenceLen {
		return fmt.Errorf("%w: batch %d, width %d", ErrPrefixShape, prefix.Cache.Slots, prefix.Cache.SeqLen)
	}
	if err := e.cache.Compatible(prefix.Cache); err != nil {
		return fmt.Errorf("%w: %w", ErrPrefixShape, err)
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	replicated, err := spmd.Replicate(ctx, e.rep, []int32{int32(slot)})
	if err != nil {
		return fmt.Errorf("replicate slot: %w", err)
	}
	slot = int(replicated[0])

	if _, err := e.programs.get(programKey{op: opInsert, batch: e.cfg.NumCacheSlots, seq: e.cfg.SeqLen()}); err != nil {
		return err
	}
	if err := e.cache.InsertSlot(slot, prefix.Cache); err != nil {
		return fmt.Errorf("%w: %w", ErrPrefixShape, err)
	}
	e.state.copySlot(slot, prefix.State, 0)
	e.slotRNG[slot] = rand.New(rand.NewSource(prefix.seed + 1))
	prefix.consumed = true

	e.log.Info("insert into slot", "slot", slot, "prefix_len", prefix.PrefixLen(), "done", e.state.Done[slot])
	return nil
}

// Generate advances every active slot by one token.
func (e *Engine) Generate(ctx context.Context) (*GenerateResult, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	st := e.state
	leftAlign := st.Step == e.cfg.LeftAlignStep()
	if leftAlign {
		e.log.Info("set left align decode state", "step", st.Step)
	}

	prog, err := e.programs.get(programKey{
		op:        opGenerate,
		batch:     e.cfg.NumCacheSlots,
		seq:       e.cfg.SeqLen(),
		leftAlign: leftAlign,
	})
	if err != nil {
		return nil, err
	}

	in := &StepInput{
		Tokens:     slices.Clone(st.OutputIDs),
		Positions:  slices.Clone(st.PerSampleSteps),
		SegmentPos: slices.Clone(st.SegmentPos),
		Active:     st.Active(),
		TimeStep:   st.Step,
		LeftAlign:  leftAlign,
	}
	out, err := e.model.Step(ctx, in, e.cache, prog.kernel)
	if err != nil {
		return nil, fmt.Errorf("generate: %w", err)
	}
	if out.Logits == nil || len(out.Logits.Shape) != 2 ||
		out.Logits.Shape[0] != e.cfg.NumCacheSlots || out.Logits.Shape[1] != e.mcfg.VocabSize {
		return nil, fmt.Errorf("generate: unexpected logits shape")
	}

	for slot, active := range in.Active {
		if !active {
			continue
		}
		params := &tensor.SamplingParams{
			Temperature: st.Temperature[slot],
			TopP:        st.TopP[slot],
			TopK:        int(st.TopK[slot]),
		}
		rng := e.slotRNG[slot]
		if rng == nil {
			rng = rand.New(rand.NewSource(e.cfg.Seed + int64(slot)))
			e.slotRNG[slot] = rng
		}
		id, logprob := tensor.Sample(out.Logits.Row(slot), params, rng)

		st.OutputIDs[slot] = int32(id)
		st.Logprobs[slot] = logprob
		st.PerSampleSteps[slot]++
		st.SegmentPos[slot]++
		st.DecodeLengths[slot]++
		if int32(id) == e.eos && !st.IgnoreEOS[slot] {
			st.HasEOS[slot] = true
			st.Done[slot] = true
		}
		if st.DecodeLengths[slot] >= st.PerExampleMaxDecodeSteps[slot] {
			st.Done[slot] = true
		}
	}

	if out.Realigned {
		st.Step = out.Step
	} else {
		st.Step++
	}

	return &GenerateResult{
		Scores: slices.Clone(st.Logprobs),
		Tokens: slices.Clone(st.OutputIDs),
		Done:   slices.Clone(st.Done),
	}, nil
}

// Detokenize converts rows of token ids to strings, dropping pad ids.
func (e *Engine) Detokenize(rows [][]int32) ([]string, error) {
	if e.tokenizer == nil {
		return nil, ErrNoTokenizer
	}
	pad := e.tokenizer.PadTokenID()
	out := make([]string, len(rows))
	for i, row := range rows {
		ids := make([]int, 0, len(row))
		for _, t := range row {
			if int(t) != pad {
				ids = append(ids, int(t))
			}
		}
		text, err := e.tokenizer.Decode(ids)
		if err != nil {
			return nil, fmt.Errorf("failed to decode row %d: %w", i, err)
		}
		out[i] = text
	}
	return out, nil
}

// Warmup builds every program bucket by running the full request cycle
// once, including a generate at the left-align boundary, then resets the
// engine to its initial state.
func (e *Engine) Warmup(ctx context.Context) error {
	e.log.Info("start precompile")
	res, err := e.PrefillWithDummy(ctx)
	if err != nil {
		return err
	}
	if err := e.Insert(ctx, res.Prefix, 0); err != nil {
		return err
	}
	if _, err := e.Generate(ctx); err != nil {
		return err
	}
	e.state.Step = e.cfg.LeftAlignStep()
	if _, err := e.Generate(ctx); err != nil {
		return err
	}
	e.Reset()
	e.log.Info("precompile finished", "programs", e.programs.builds)
	return nil
}

// Close releases the cache.
func (e *Engine) Close() error {
	e.cache.Clear()
	return nil
}
