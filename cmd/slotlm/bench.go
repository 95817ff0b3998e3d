package main

import (
	"context"
	"fmt"
	"math/rand"
	"os"
	"time"

	"github.com/goccy/go-json"
	"github.com/urfave/cli/v3"

	"nano-slotlm-go/slotlm"
)

type benchReport struct {
	Requests        int     `json:"requests"`
	PromptTokens    int     `json:"prompt_tokens"`
	GeneratedTokens int     `json:"generated_tokens"`
	Seconds         float64 `json:"seconds"`
	TokensPerSecond float64 `json:"tokens_per_second"`
	Slots           int     `json:"slots"`
	Kernel          string  `json:"kernel"`
	KVDType         string  `json:"kv_dtype"`
	CacheBytes      int64   `json:"cache_bytes"`
	Programs        int     `json:"programs"`
}

func benchCmd() *cli.Command {
	var (
		requests int
		minLen   int
		asJSON   bool
		quiet    bool
	)
	flags := append(engineFlags(),
		&cli.IntFlag{Name: "requests", Usage: "number of random prompts", Value: 64, Destination: &requests},
		&cli.IntFlag{Name: "min-prompt-len", Usage: "shortest random prompt", Value: 1, Destination: &minLen},
		&cli.BoolFlag{Name: "json", Usage: "print the report as JSON", Destination: &asJSON},
		&cli.BoolFlag{Name: "quiet", Aliases: []string{"q"}, Usage: "hide the progress bar", Destination: &quiet},
	)

	return &cli.Command{
		Name:  "bench",
		Usage: "Run random prompts through the scheduler and report throughput",
		Flags: flags,
		Action: func(ctx context.Context, c *cli.Command) error {
			engine, _, log, err := setup(c)
			if err != nil {
				return err
			}
			defer engine.Close()

			cfg := engine.Config()
			if requests < 1 || minLen < 1 || minLen > cfg.InputSequenceLen {
				return fmt.Errorf("need requests >= 1 and 1 <= min-prompt-len <= %d", cfg.InputSequenceLen)
			}

			rng := rand.New(rand.NewSource(cfg.Seed))
			vocab := engine.ModelConfig().VocabSize
			prompts := make([][]int32, requests)
			params := make([]*slotlm.SamplingParams, requests)
			promptTokens := 0
			for i := range prompts {
				n := minLen + rng.Intn(cfg.InputSequenceLen-minLen+1)
				prompts[i] = make([]int32, n)
				for j := range prompts[i] {
					prompts[i][j] = int32(rng.Intn(vocab))
				}
				promptTokens += n
				params[i] = &slotlm.SamplingParams{
					Temperature:    cfg.Temperature,
					TopP:           cfg.TopP,
					TopK:           cfg.TopK,
					MaxDecodeSteps: 1 + rng.Intn(cfg.MaxDecodeSteps),
					IgnoreEOS:      true,
				}
			}

			var opts []slotlm.LLMOption
			if !quiet {
				opts = append(opts, slotlm.WithProgress(os.Stderr))
			}
			start := time.Now()
			outputs, err := slotlm.NewLLM(engine, opts...).GenerateTokens(ctx, prompts, params)
			if err != nil {
				return err
			}
			elapsed := time.Since(start).Seconds()

			generated := 0
			for _, out := range outputs {
				generated += len(out.TokenIDs)
			}
			report := benchReport{
				Requests:        requests,
				PromptTokens:    promptTokens,
				GeneratedTokens: generated,
				Seconds:         elapsed,
				Slots:           cfg.NumCacheSlots,
				Kernel:          string(cfg.AttentionKernel),
				KVDType:         string(cfg.CacheDType()),
				CacheBytes:      engine.CacheBytes(),
				Programs:        engine.Programs().Builds,
			}
			if elapsed > 0 {
				report.TokensPerSecond = float64(generated) / elapsed
			}
			log.Info("bench finished", "requests", requests, "seconds", elapsed)

			if asJSON {
				return json.NewEncoder(os.Stdout).Encode(report)
			}
			fmt.Println()
			fmt.Printf("Requests:   %d (%d prompt tokens)\n", report.Requests, report.PromptTokens)
			fmt.Printf("Generated:  %d tokens in %.2fs\n", report.GeneratedTokens, report.Seconds)
			fmt.Printf("Throughput: %.1f tok/s\n", report.TokensPerSecond)
			fmt.Printf("Engine:     %d slots, %s kernel, %s cache (%d bytes)\n",
				report.Slots, report.Kernel, report.KVDType, report.CacheBytes)
			return nil
		},
	}
}
