package slotlm

import (
	"errors"
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"nano-slotlm-go/purego/tensor"
	"nano-slotlm-go/spmd"
)

// Config holds the engine configuration. It is fixed once an engine is built.
type Config struct {
	NumCacheSlots    int `yaml:"num_cache_slots"`
	MaxDecodeSteps   int `yaml:"max_decode_steps"`
	InputSequenceLen int `yaml:"input_sequence_len"`

	QuantizeKV                    bool              `yaml:"quantize_kv"`
	KVDType                       tensor.DType      `yaml:"kv_dtype"`
	AttentionKernel               tensor.KernelType `yaml:"attention_kernel"`
	ChunkedOneStepAttnNumSeqSplit int               `yaml:"chunked_one_step_attn_num_seq_split"`

	// Defaults applied to requests that do not carry their own parameters.
	Temperature float32 `yaml:"temperature"`
	TopP        float32 `yaml:"top_p"`
	TopK        int     `yaml:"top_k"`

	// EOS overrides the model's EOS token when >= 0.
	EOS int `yaml:"eos"`

	Mesh        spmd.Mesh `yaml:"mesh"`
	HostIndex   int       `yaml:"host_index"`
	PrimaryHost int       `yaml:"primary_host"`

	Precompile      bool  `yaml:"precompile"`
	Seed            int64 `yaml:"seed"`
	PrefixCacheSize int   `yaml:"prefix_cache_size"`
}

// ConfigOption is a functional option for Config
type ConfigOption func(*Config)

func defaultConfig() *Config {
	return &Config{
		NumCacheSlots:                 4,
		MaxDecodeSteps:                32,
		InputSequenceLen:              32,
		KVDType:                       tensor.DTypeFloat32,
		AttentionKernel:               tensor.KernelStandard,
		ChunkedOneStepAttnNumSeqSplit: 1,
		Temperature:                   0,
		TopP:                          1,
		TopK:                          1,
		EOS:                           -1,
		Mesh:                          spmd.Mesh{Hosts: 1, DevicesPerHost: 1},
		Seed:                          1234,
		PrefixCacheSize:               0,
	}
}

// NewConfig creates a new Config with default values. It panics if the
// resulting configuration is invalid; use LoadConfig or Validate to get an
// error instead.
func NewConfig(opts ...ConfigOption) *Config {
	c := defaultConfig()
	for _, opt := range opts {
		opt(c)
	}
	if err := c.Validate(); err != nil {
		panic(err)
	}
	return c
}

// LoadConfig reads a YAML file over the defaults and then applies opts.
func LoadConfig(path string, opts ...ConfigOption) (*Config, error) {
	c := defaultConfig()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read config: %w", err)
		}
		if err := yaml.Unmarshal(data, c); err != nil {
			return nil, fmt.Errorf("parse config %s: %w", path, err)
		}
	}
	for _, opt := range opts {
		opt(c)
	}
	if err := c.Validate(); err != nil {
		return nil, err
	}
	return c, nil
}

// SeqLen is the per-slot cache width.
func (c *Config) SeqLen() int {
	return c.InputSequenceLen + c.MaxDecodeSteps
}

// LeftAlignStep is the step value at which generate asks the model to
// left-align the decode state.
func (c *Config) LeftAlignStep() int {
	return c.MaxDecodeSteps + c.InputSequenceLen - 1
}

// CacheDType is the storage dtype after applying QuantizeKV.
func (c *Config) CacheDType() tensor.DType {
	if c.QuantizeKV {
		return tensor.DTypeInt8
	}
	return c.KVDType
}

// Validate checks if the configuration is valid
func (c *Config) Validate() error {
	var errs []error
	if c.NumCacheSlots < 1 {
		errs = append(errs, fmt.Errorf("num_cache_slots must be >= 1, got %d", c.NumCacheSlots))
	}
	if c.InputSequenceLen < 1 {
		errs = append(errs, fmt.Errorf("input_sequence_len must be >= 1, got %d", c.InputSequenceLen))
	}
	if c.MaxDecodeSteps < 1 {
		errs = append(errs, fmt.Errorf("max_decode_steps must be >= 1, got %d", c.MaxDecodeSteps))
	}
	if _, err := tensor.ParseDType(string(c.KVDType)); err != nil {
		errs = append(errs, err)
	}
	if c.QuantizeKV && c.KVDType != tensor.DTypeFloat32 && c.KVDType != tensor.DTypeInt8 && c.KVDType != "" {
		errs = append(errs, fmt.Errorf("quantize_kv conflicts with kv_dtype %s", c.KVDType))
	}
	switch c.AttentionKernel {
	case tensor.KernelStandard, tensor.KernelQuantized, tensor.KernelWide, "":
	case tensor.KernelChunked:
		if c.ChunkedOneStepAttnNumSeqSplit < 1 {
			errs = append(errs, fmt.Errorf("chunked_one_step_attn_num_seq_split must be >= 1"))
		} else if c.SeqLen()%c.ChunkedOneStepAttnNumSeqSplit != 0 {
			errs = append(errs, fmt.Errorf("seq len %d not divisible by chunked_one_step_attn_num_seq_split %d",
				c.SeqLen(), c.ChunkedOneStepAttnNumSeqSplit))
		}
	default:
		errs = append(errs, fmt.Errorf("unknown attention_kernel %q", c.AttentionKernel))
	}
	if c.AttentionKernel == tensor.KernelQuantized && !c.QuantizeKV {
		errs = append(errs, fmt.Errorf("attention_kernel quantized requires quantize_kv"))
	}
	if err := c.defaultParams().validate(); err != nil {
		errs = append(errs, err)
	}
	if err := c.Mesh.Validate(); err != nil {
		errs = append(errs, err)
	}
	if c.HostIndex < 0 || c.HostIndex >= c.Mesh.Hosts || c.PrimaryHost < 0 || c.PrimaryHost >= c.Mesh.Hosts {
		errs = append(errs, fmt.Errorf("host_index %d / primary_host %d outside %d hosts", c.HostIndex, c.PrimaryHost, c.Mesh.Hosts))
	}
	if c.PrefixCacheSize < 0 {
		errs = append(errs, fmt.Errorf("prefix_cache_size must be >= 0"))
	}
	if len(errs) > 0 {
		return fmt.Errorf("%w: %w", ErrInvalidConfig, errors.Join(errs...))
	}
	return nil
}

func (c *Config) defaultParams() *SamplingParams {
	return &SamplingParams{
		Temperature:    c.Temperature,
		TopP:           c.TopP,
		TopK:           c.TopK,
		MaxDecodeSteps: c.MaxDecodeSteps,
	}
}

// WithNumCacheSlots sets the number of concurrent request slots
func WithNumCacheSlots(n int) ConfigOption {
	return func(c *Config) { c.NumCacheSlots = n }
}

// WithMaxDecodeSteps sets the maximum number of generated tokens per slot
func WithMaxDecodeSteps(n int) ConfigOption {
	return func(c *Config) { c.MaxDecodeSteps = n }
}

// WithInputSequenceLen sets the padded prompt length
func WithInputSequenceLen(n int) ConfigOption {
	return func(c *Config) { c.InputSequenceLen = n }
}

// WithQuantizeKV stores the cache as int8 with per-row scales
func WithQuantizeKV(b bool) ConfigOption {
	return func(c *Config) { c.QuantizeKV = b }
}

// WithKVDType sets the cache storage dtype
func WithKVDType(d tensor.DType) ConfigOption {
	return func(c *Config) { c.KVDType = d }
}

// WithAttentionKernel selects the generate attention kernel
func WithAttentionKernel(k tensor.KernelType) ConfigOption {
	return func(c *Config) { c.AttentionKernel = k }
}

// WithChunkedOneStepAttnNumSeqSplit sets the chunk count for the chunked kernel
func WithChunkedOneStepAttnNumSeqSplit(n int) ConfigOption {
	return func(c *Config) { c.ChunkedOneStepAttnNumSeqSplit = n }
}

// WithDefaultSampling sets the default sampling parameters
func WithDefaultSampling(temperature, topP float32, topK int) ConfigOption {
	return func(c *Config) {
		c.Temperature = temperature
		c.TopP = topP
		c.TopK = topK
	}
}

// WithEOS sets the EOS token ID
func WithEOS(id int) ConfigOption {
	return func(c *Config) { c.EOS = id }
}

// WithMesh sets the device mesh and this host's position in it
func WithMesh(m spmd.Mesh, hostIndex, primaryHost int) ConfigOption {
	return func(c *Config) {
		c.Mesh = m
		c.HostIndex = hostIndex
		c.PrimaryHost = primaryHost
	}
}

// WithPrecompile runs warmup when the engine is built
func WithPrecompile(b bool) ConfigOption {
	return func(c *Config) { c.Precompile = b }
}

// WithSeed seeds the sampler
func WithSeed(seed int64) ConfigOption {
	return func(c *Config) { c.Seed = seed }
}

// WithPrefixCacheSize bounds the number of cached prefill results; 0 disables caching
func WithPrefixCacheSize(n int) ConfigOption {
	return func(c *Config) { c.PrefixCacheSize = n }
}
