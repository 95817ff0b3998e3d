package main

import (
	"fmt"
	"os"

	"github.com/urfave/cli/v3"
	"gopkg.in/yaml.v3"

	"nano-slotlm-go/logger"
	"nano-slotlm-go/purego"
	"nano-slotlm-go/purego/tensor"
	"nano-slotlm-go/slotlm"
)

// engineFlags are shared by every command that builds an engine.
func engineFlags() []cli.Flag {
	return []cli.Flag{
		&cli.StringFlag{Name: "config", Aliases: []string{"c"}, Usage: "engine config YAML"},
		&cli.StringFlag{Name: "model-config", Usage: "model shape YAML (default: built-in reference model)"},
		&cli.Int64Flag{Name: "model-seed", Usage: "seed for the reference model weights", Value: 7},
		&cli.StringFlag{Name: "weights", Usage: "safetensors checkpoint of the reference model"},
		&cli.IntFlag{Name: "slots", Usage: "number of cache slots"},
		&cli.IntFlag{Name: "max-decode-steps", Usage: "maximum generated tokens per slot"},
		&cli.IntFlag{Name: "input-len", Usage: "padded prompt length"},
		&cli.BoolFlag{Name: "quantize-kv", Usage: "store the KV cache as int8"},
		&cli.StringFlag{Name: "kv-dtype", Usage: "KV storage dtype (float32, float16, bfloat16, int8)"},
		&cli.StringFlag{Name: "kernel", Usage: "generate attention kernel (standard, quantized, chunked, wide)"},
		&cli.IntFlag{Name: "num-seq-split", Usage: "chunk count of the chunked kernel"},
		&cli.Float64Flag{Name: "temperature", Aliases: []string{"temp", "t"}, Usage: "sampling temperature (0 = greedy)"},
		&cli.Float64Flag{Name: "top-p", Aliases: []string{"top_p"}, Usage: "nucleus sampling mass"},
		&cli.IntFlag{Name: "top-k", Aliases: []string{"top_k"}, Usage: "top-k cutoff (0 = disabled)"},
		&cli.BoolFlag{Name: "precompile", Usage: "warm up every program before serving"},
		&cli.IntFlag{Name: "prefix-cache", Usage: "number of prefill results to cache"},
		&cli.StringFlag{Name: "tokenizer", Usage: "HuggingFace tokenizer.json (needs -tags hftokenizers)"},
		&cli.Int64Flag{Name: "seed", Usage: "sampling seed"},
		&cli.StringFlag{Name: "log-level", Usage: "debug, info, warn or error", Value: "warn"},
		&cli.StringFlag{Name: "log-format", Usage: "text or json", Value: "text"},
	}
}

// configOptions turns explicitly set flags into overrides applied after
// the config file.
func configOptions(c *cli.Command) []slotlm.ConfigOption {
	var opts []slotlm.ConfigOption
	if c.IsSet("slots") {
		opts = append(opts, slotlm.WithNumCacheSlots(c.Int("slots")))
	}
	if c.IsSet("max-decode-steps") {
		opts = append(opts, slotlm.WithMaxDecodeSteps(c.Int("max-decode-steps")))
	}
	if c.IsSet("input-len") {
		opts = append(opts, slotlm.WithInputSequenceLen(c.Int("input-len")))
	}
	if c.IsSet("quantize-kv") {
		opts = append(opts, slotlm.WithQuantizeKV(c.Bool("quantize-kv")))
	}
	if c.IsSet("kv-dtype") {
		opts = append(opts, slotlm.WithKVDType(tensor.DType(c.String("kv-dtype"))))
	}
	if c.IsSet("kernel") {
		opts = append(opts, slotlm.WithAttentionKernel(tensor.KernelType(c.String("kernel"))))
	}
	if c.IsSet("num-seq-split") {
		opts = append(opts, slotlm.WithChunkedOneStepAttnNumSeqSplit(c.Int("num-seq-split")))
	}
	if c.IsSet("temperature") || c.IsSet("top-p") || c.IsSet("top-k") {
		opts = append(opts, func(cfg *slotlm.Config) {
			if c.IsSet("temperature") {
				cfg.Temperature = float32(c.Float("temperature"))
			}
			if c.IsSet("top-p") {
				cfg.TopP = float32(c.Float("top-p"))
			}
			if c.IsSet("top-k") {
				cfg.TopK = c.Int("top-k")
			}
		})
	}
	if c.IsSet("precompile") {
		opts = append(opts, slotlm.WithPrecompile(c.Bool("precompile")))
	}
	if c.IsSet("prefix-cache") {
		opts = append(opts, slotlm.WithPrefixCacheSize(c.Int("prefix-cache")))
	}
	if c.IsSet("seed") {
		opts = append(opts, slotlm.WithSeed(c.Int64("seed")))
	}
	return opts
}

func loadModelConfig(path string) (*tensor.ModelConfig, error) {
	cfg := tensor.NewReferenceConfig()
	if path == "" {
		return cfg, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read model config: %w", err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse model config %s: %w", path, err)
	}
	return cfg, cfg.Validate()
}

// setup resolves configuration and builds the engine, its model and the
// logger for one command.
func setup(c *cli.Command) (*slotlm.Engine, *purego.ReferenceModel, logger.Logger, error) {
	log := logger.Open(os.Stderr, c.String("log-format"), c.String("log-level"))

	cfg, err := slotlm.LoadConfig(c.String("config"), configOptions(c)...)
	if err != nil {
		return nil, nil, nil, err
	}
	mcfg, err := loadModelConfig(c.String("model-config"))
	if err != nil {
		return nil, nil, nil, err
	}
	var model *purego.ReferenceModel
	if path := c.String("weights"); path != "" {
		model, err = purego.LoadReferenceModel(mcfg, path)
	} else {
		model, err = purego.NewReferenceModel(mcfg, c.Int64("model-seed"))
	}
	if err != nil {
		return nil, nil, nil, fmt.Errorf("build model: %w", err)
	}
	tok, err := loadTokenizer(c.String("tokenizer"), mcfg)
	if err != nil {
		return nil, nil, nil, err
	}
	log.Debug("model loaded",
		"model", mcfg.ModelName,
		"attention", string(mcfg.AttentionType()),
		"parameters", mcfg.EstimateParameters(),
	)

	engine, err := slotlm.NewEngine(cfg, model, slotlm.WithLogger(log), slotlm.WithTokenizer(tok))
	if err != nil {
		return nil, nil, nil, err
	}
	return engine, model, log, nil
}
