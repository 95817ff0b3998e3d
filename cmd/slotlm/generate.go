package main

import (
	"context"
	"fmt"
	"os"

	"github.com/goccy/go-json"
	"github.com/urfave/cli/v3"

	"nano-slotlm-go/slotlm"
)

type generateResult struct {
	RequestID string    `json:"request_id"`
	Prompt    string    `json:"prompt"`
	Text      string    `json:"text"`
	TokenIDs  []int32   `json:"token_ids"`
	Logprobs  []float32 `json:"logprobs"`
	HasEOS    bool      `json:"has_eos"`
}

func generateCmd() *cli.Command {
	var (
		maxTokens int
		ignoreEOS bool
		asJSON    bool
		progress  bool
		reqSeed   int64
	)
	flags := append(engineFlags(),
		&cli.IntFlag{Name: "max-tokens", Aliases: []string{"n"}, Usage: "tokens to generate per prompt (0 = engine maximum)", Destination: &maxTokens},
		&cli.BoolFlag{Name: "ignore-eos", Usage: "keep generating past EOS", Destination: &ignoreEOS},
		&cli.BoolFlag{Name: "json", Usage: "print results as JSON", Destination: &asJSON},
		&cli.BoolFlag{Name: "progress", Usage: "show a progress bar", Destination: &progress},
		&cli.Int64Flag{Name: "request-seed", Usage: "per-request sampling seed", Destination: &reqSeed},
	)

	return &cli.Command{
		Name:      "generate",
		Usage:     "Generate completions for the given prompts",
		ArgsUsage: "PROMPT...",
		Flags:     flags,
		Action: func(ctx context.Context, c *cli.Command) error {
			prompts := c.Args().Slice()
			if len(prompts) == 0 {
				return fmt.Errorf("at least one prompt is required")
			}
			engine, _, log, err := setup(c)
			if err != nil {
				return err
			}
			defer engine.Close()

			cfg := engine.Config()
			params := &slotlm.SamplingParams{
				Temperature:    cfg.Temperature,
				TopP:           cfg.TopP,
				TopK:           cfg.TopK,
				MaxDecodeSteps: cfg.MaxDecodeSteps,
				IgnoreEOS:      ignoreEOS,
				Seed:           reqSeed,
			}
			if maxTokens > 0 {
				params.MaxDecodeSteps = maxTokens
			}

			var opts []slotlm.LLMOption
			if progress {
				opts = append(opts, slotlm.WithProgress(os.Stderr))
			}
			outputs, err := slotlm.NewLLM(engine, opts...).Generate(ctx, prompts, params)
			if err != nil {
				return err
			}
			log.Info("generation finished", "prompts", len(prompts), "programs", engine.Programs().Builds)

			results := make([]generateResult, len(outputs))
			for i, out := range outputs {
				results[i] = generateResult{
					RequestID: out.RequestID.String(),
					Prompt:    prompts[i],
					Text:      out.Text,
					TokenIDs:  out.TokenIDs,
					Logprobs:  out.Logprobs,
					HasEOS:    out.HasEOS,
				}
			}
			if asJSON {
				enc := json.NewEncoder(os.Stdout)
				enc.SetIndent("", "  ")
				return enc.Encode(results)
			}
			for _, r := range results {
				fmt.Printf("Prompt: %q\n", r.Prompt)
				fmt.Printf("Output: %q\n", r.Text)
				fmt.Printf("Tokens: %d\n\n", len(r.TokenIDs))
			}
			return nil
		},
	}
}
