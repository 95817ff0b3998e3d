package tensor

// FeedForward implements the SwiGLU feed-forward network
type FeedForward struct {
	W1     *Tensor // [hidden, 2*ffn_dim], gate then up
	W2     *Tensor // [ffn_dim, hidden]
	Hidden int
	FFNDim int
}

// Forward applies the feed-forward network to a single hidden vector
func (ffn *FeedForward) Forward(x []float32) []float32 {
	gu := MatVec(x, ffn.W1)
	act := make([]float32, ffn.FFNDim)
	for i := range act {
		act[i] = SiLU(gu[i]) * gu[ffn.FFNDim+i]
	}
	return MatVec(act, ffn.W2)
}

// AttentionProj holds the projection weights of one attention layer.
type AttentionProj struct {
	Q   *Tensor // [hidden, heads*head_dim]
	K   *Tensor // [hidden, kv_heads*head_dim]
	V   *Tensor // [hidden, kv_heads*head_dim]
	Out *Tensor // [heads*head_dim, hidden]
}

// TransformerBlock is one pre-norm decoder layer.
type TransformerBlock struct {
	AttnNorm []float32
	Attn     AttentionProj
	MLPNorm  []float32
	FFN      *FeedForward
}
