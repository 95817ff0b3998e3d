package purego

import (
	"context"
	"fmt"
	"math"
	"math/rand"
	"runtime"

	"golang.org/x/sync/errgroup"

	"nano-slotlm-go/purego/tensor"
	"nano-slotlm-go/slotlm"
)

// ReferenceModel is a small pre-norm decoder (RMSNorm, grouped-query
// attention with RoPE, SwiGLU MLP, tied LM head) with seeded random
// weights. It runs entirely on the engine's cache and kernels.
type ReferenceModel struct {
	cfg       *tensor.ModelConfig
	embed     *tensor.Tensor // [vocab, hidden]
	blocks    []tensor.TransformerBlock
	finalNorm []float32
	rope      *tensor.RoPECache
}

var _ slotlm.Model = (*ReferenceModel)(nil)

// NewReferenceModel initializes weights deterministically from seed.
func NewReferenceModel(cfg *tensor.ModelConfig, seed int64) (*ReferenceModel, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	rng := rand.New(rand.NewSource(seed))
	randn := func(std float64, shape ...int) *tensor.Tensor {
		t := tensor.NewTensor(shape...)
		for i := range t.Data {
			t.Data[i] = float32(rng.NormFloat64() * std)
		}
		return t
	}
	ones := func(n int) []float32 {
		w := make([]float32, n)
		for i := range w {
			w[i] = 1
		}
		return w
	}

	qDim := cfg.NumHeads * cfg.HeadDim
	kvDim := cfg.NumKVHeads * cfg.HeadDim
	inStd := 1 / math.Sqrt(float64(cfg.Hidden))

	m := &ReferenceModel{
		cfg:       cfg,
		embed:     randn(1, cfg.VocabSize, cfg.Hidden),
		blocks:    make([]tensor.TransformerBlock, cfg.NumLayers),
		finalNorm: ones(cfg.Hidden),
	}
	for l := range m.blocks {
		m.blocks[l] = tensor.TransformerBlock{
			AttnNorm: ones(cfg.Hidden),
			Attn: tensor.AttentionProj{
				Q:   randn(inStd, cfg.Hidden, qDim),
				K:   randn(inStd, cfg.Hidden, kvDim),
				V:   randn(inStd, cfg.Hidden, kvDim),
				Out: randn(1/math.Sqrt(float64(qDim)), qDim, cfg.Hidden),
			},
			MLPNorm: ones(cfg.Hidden),
			FFN: &tensor.FeedForward{
				W1:     randn(inStd, cfg.Hidden, 2*cfg.FFNDim),
				W2:     randn(1/math.Sqrt(float64(cfg.FFNDim)), cfg.FFNDim, cfg.Hidden),
				Hidden: cfg.Hidden,
				FFNDim: cfg.FFNDim,
			},
		}
	}
	if cfg.PositionType == tensor.PositionRoPE {
		m.rope = tensor.NewRoPECache(cfg.HeadDim, cfg.MaxSeqLen, cfg.RoPEBase)
	}
	return m, nil
}

// checkpoint names every weight of m with its expected shape.
func (m *ReferenceModel) checkpoint() map[string]*tensor.Tensor {
	out := map[string]*tensor.Tensor{
		"embed.weight": m.embed,
		"norm.weight":  vector(m.finalNorm),
	}
	for l := range m.blocks {
		blk := &m.blocks[l]
		prefix := fmt.Sprintf("layers.%d.", l)
		out[prefix+"attn_norm.weight"] = vector(blk.AttnNorm)
		out[prefix+"attn.q.weight"] = blk.Attn.Q
		out[prefix+"attn.k.weight"] = blk.Attn.K
		out[prefix+"attn.v.weight"] = blk.Attn.V
		out[prefix+"attn.out.weight"] = blk.Attn.Out
		out[prefix+"mlp_norm.weight"] = vector(blk.MLPNorm)
		out[prefix+"ffn.w1.weight"] = blk.FFN.W1
		out[prefix+"ffn.w2.weight"] = blk.FFN.W2
	}
	return out
}

func vector(w []float32) *tensor.Tensor {
	return &tensor.Tensor{Data: w, Shape: []int{len(w)}}
}

// Save writes the weights as a safetensors file in dtype.
func (m *ReferenceModel) Save(path string, dtype tensor.DType) error {
	return tensor.WriteSafetensors(path, m.checkpoint(), dtype)
}

// LoadReferenceModel builds a model for cfg and replaces its weights with
// the ones stored at path. Every weight must be present with its exact
// shape.
func LoadReferenceModel(cfg *tensor.ModelConfig, path string) (*ReferenceModel, error) {
	m, err := NewReferenceModel(cfg, 0)
	if err != nil {
		return nil, err
	}
	stored, err := tensor.ReadSafetensors(path)
	if err != nil {
		return nil, err
	}
	for name, dst := range m.checkpoint() {
		src, err := tensor.Lookup(stored, name, dst.Shape...)
		if err != nil {
			return nil, fmt.Errorf("load %s: %w", path, err)
		}
		// norm weights alias the model's slices, so copy in place
		copy(dst.Data, src.Data)
	}
	return m, nil
}

// Config returns the model shape.
func (m *ReferenceModel) Config() *tensor.ModelConfig { return m.cfg }

// batchRows is one forward call: row b writes at (slot b, pos[b]).
type batchRows struct {
	tokens     []int32
	positions  []int32
	segmentPos []int32
	write      []bool
	mask       *tensor.Tensor
	timeStep   int
}

// Prefill feeds the prompt one position at a time into slot 0.
func (m *ReferenceModel) Prefill(ctx context.Context, in *slotlm.PrefillInput, cache *tensor.KVCache, kernel tensor.Kernel) ([]float32, error) {
	if len(in.Tokens) != len(in.Paddings) || len(in.Tokens) > cache.SeqLen {
		return nil, fmt.Errorf("prefill input of %d tokens, %d paddings for cache width %d", len(in.Tokens), len(in.Paddings), cache.SeqLen)
	}
	if cache.Slots != 1 {
		return nil, fmt.Errorf("prefill cache must have one slot, got %d", cache.Slots)
	}
	var logits []float32
	for t := range in.Tokens {
		if in.Paddings[t] != 0 {
			continue
		}
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		mask := tensor.NewMask(1, cache.SeqLen)
		for s := 0; s <= t; s++ {
			if in.Paddings[s] == 0 {
				mask.Allow(0, s, s+1)
			}
		}
		out, err := m.forward(ctx, &batchRows{
			tokens:     []int32{in.Tokens[t]},
			positions:  []int32{int32(t)},
			segmentPos: []int32{int32(t)},
			write:      []bool{true},
			mask:       mask,
			timeStep:   t,
		}, cache, kernel)
		if err != nil {
			return nil, err
		}
		logits = out.Row(0)
	}
	if logits == nil {
		return nil, fmt.Errorf("prefill input has no unpadded positions")
	}
	return logits, nil
}

// Step runs one token for every slot. Slots are stored left-aligned from
// position 0, so a left-align request needs no compaction and Step never
// reports a re-alignment. A failed step restores the positions it wrote.
func (m *ReferenceModel) Step(ctx context.Context, in *slotlm.StepInput, cache *tensor.KVCache, kernel tensor.Kernel) (*slotlm.StepOutput, error) {
	n := len(in.Tokens)
	if n != cache.Slots || len(in.Positions) != n || len(in.SegmentPos) != n || len(in.Active) != n {
		return nil, fmt.Errorf("step input for %d slots, cache has %d", n, cache.Slots)
	}
	mask := tensor.NewMask(n, cache.SeqLen)
	for b := 0; b < n; b++ {
		pos := int(in.Positions[b])
		if in.Active[b] && (pos < 0 || pos >= cache.SeqLen) {
			return nil, fmt.Errorf("slot %d position %d outside cache width %d", b, pos, cache.SeqLen)
		}
		mask.Allow(b, 0, min(pos+1, cache.SeqLen))
	}
	undo, err := cache.SavePositions(in.Positions, in.Active)
	if err != nil {
		return nil, err
	}
	logits, err := m.forward(ctx, &batchRows{
		tokens:     in.Tokens,
		positions:  in.Positions,
		segmentPos: in.SegmentPos,
		write:      in.Active,
		mask:       mask,
		timeStep:   in.TimeStep,
	}, cache, kernel)
	if err != nil {
		undo.Restore()
		return nil, err
	}
	return &slotlm.StepOutput{Logits: logits}, nil
}

// forward computes logits [rows, vocab] for one token per row.
func (m *ReferenceModel) forward(ctx context.Context, rows *batchRows, cache *tensor.KVCache, kernel tensor.Kernel) (*tensor.Tensor, error) {
	cfg := m.cfg
	n := len(rows.tokens)
	qDim := cfg.NumHeads * cfg.HeadDim

	x := make([][]float32, n)
	for b, tok := range rows.tokens {
		if tok < 0 || int(tok) >= cfg.VocabSize {
			return nil, fmt.Errorf("token %d outside vocab %d", tok, cfg.VocabSize)
		}
		x[b] = append([]float32(nil), m.embed.Row(int(tok))...)
	}

	for l := range m.blocks {
		blk := &m.blocks[l]
		layer := cache.Layer(l)
		q := tensor.NewTensor(n, cfg.NumHeads, cfg.HeadDim)

		err := m.parallel(ctx, n, func(b int) error {
			h := tensor.RMSNorm(x[b], blk.AttnNorm, cfg.NormEps)
			tensor.MatVecInto(q.Row(b), h, blk.Attn.Q)
			k := tensor.MatVec(h, blk.Attn.K)
			v := tensor.MatVec(h, blk.Attn.V)

			var rotated []float32
			if m.rope != nil {
				// finished slots may sit one past the last position
				seg := min(int(rows.segmentPos[b]), m.rope.MaxSeqLen-1)
				m.rope.Rotate(q.Row(b), cfg.NumHeads, seg)
				rotated = append([]float32(nil), k...)
				m.rope.Rotate(rotated, cfg.NumKVHeads, seg)
			}
			if !rows.write[b] {
				return nil
			}
			pos := int(rows.positions[b])
			for kh := 0; kh < cfg.NumKVHeads; kh++ {
				span := k[kh*cfg.HeadDim : (kh+1)*cfg.HeadDim]
				if rotated != nil {
					if layer.KeyPostRotary != nil {
						layer.KeyPostRotary.WriteRow(b, pos, kh, rotated[kh*cfg.HeadDim:(kh+1)*cfg.HeadDim])
					} else {
						span = rotated[kh*cfg.HeadDim : (kh+1)*cfg.HeadDim]
					}
				}
				layer.Key.WriteRow(b, pos, kh, span)
				layer.Value.WriteRow(b, pos, kh, v[kh*cfg.HeadDim:(kh+1)*cfg.HeadDim])
			}
			return nil
		})
		if err != nil {
			return nil, err
		}

		attn, err := kernel.Compute(q, layer.AttentionKey(), layer.Value, rows.mask, rows.timeStep)
		if err != nil {
			return nil, fmt.Errorf("layer %d attention: %w", l, err)
		}

		err = m.parallel(ctx, n, func(b int) error {
			o := tensor.MatVec(attn.Data[b*qDim:(b+1)*qDim], blk.Attn.Out)
			tensor.AddInPlace(x[b], o)
			h := tensor.RMSNorm(x[b], blk.MLPNorm, cfg.NormEps)
			tensor.AddInPlace(x[b], blk.FFN.Forward(h))
			return nil
		})
		if err != nil {
			return nil, err
		}
	}

	logits := tensor.NewTensor(n, cfg.VocabSize)
	err := m.parallel(ctx, n, func(b int) error {
		h := tensor.RMSNorm(x[b], m.finalNorm, cfg.NormEps)
		out := logits.Row(b)
		for v := range out {
			row := m.embed.Row(v)
			var dot float32
			for i, hv := range h {
				dot += hv * row[i]
			}
			out[v] = dot
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return logits, nil
}

// parallel runs fn for every row, one goroutine per row up to GOMAXPROCS.
// Rows touch disjoint slots of the cache.
func (m *ReferenceModel) parallel(ctx context.Context, n int, fn func(b int) error) error {
	if n == 1 {
		return fn(0)
	}
	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(runtime.GOMAXPROCS(0))
	for b := 0; b < n; b++ {
		g.Go(func() error {
			if err := ctx.Err(); err != nil {
				return err
			}
			return fn(b)
		})
	}
	return g.Wait()
}
