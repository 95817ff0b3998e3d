package main

import (
	"context"
	"os"

	"github.com/goccy/go-json"
	"github.com/urfave/cli/v3"
	"gopkg.in/yaml.v3"

	"nano-slotlm-go/purego/tensor"
	"nano-slotlm-go/slotlm"
)

type inspectReport struct {
	Engine        *slotlm.Config      `json:"engine" yaml:"engine"`
	Model         *tensor.ModelConfig `json:"model" yaml:"model"`
	Attention     string              `json:"attention" yaml:"attention"`
	Parameters    int64               `json:"parameters" yaml:"parameters"`
	SeqLen        int                 `json:"seq_len" yaml:"seq_len"`
	LeftAlignStep int                 `json:"left_align_step" yaml:"left_align_step"`
	CacheDType    string              `json:"cache_dtype" yaml:"cache_dtype"`
	CacheBytes    int64               `json:"cache_bytes" yaml:"cache_bytes"`
	EOS           int32               `json:"eos" yaml:"eos"`
	Programs      slotlm.ProgramStats `json:"programs" yaml:"programs"`
}

func inspectCmd() *cli.Command {
	var (
		asJSON      bool
		exportPath  string
		exportDType string
	)
	flags := append(engineFlags(),
		&cli.BoolFlag{Name: "json", Usage: "print as JSON instead of YAML", Destination: &asJSON},
		&cli.StringFlag{Name: "export-weights", Usage: "write the model weights to a safetensors file", Destination: &exportPath},
		&cli.StringFlag{Name: "export-dtype", Usage: "dtype of exported weights (float32, float16, bfloat16)", Value: "float32", Destination: &exportDType},
	)

	return &cli.Command{
		Name:  "inspect",
		Usage: "Print the resolved configuration and cache footprint",
		Flags: flags,
		Action: func(ctx context.Context, c *cli.Command) error {
			_ = ctx

			engine, model, log, err := setup(c)
			if err != nil {
				return err
			}
			defer engine.Close()

			if exportPath != "" {
				if err := model.Save(exportPath, tensor.DType(exportDType)); err != nil {
					return err
				}
				log.Info("weights exported", "path", exportPath, "dtype", exportDType)
			}

			cfg := engine.Config()
			mcfg := engine.ModelConfig()
			report := inspectReport{
				Engine:        cfg,
				Model:         mcfg,
				Attention:     string(mcfg.AttentionType()),
				Parameters:    mcfg.EstimateParameters(),
				SeqLen:        cfg.SeqLen(),
				LeftAlignStep: cfg.LeftAlignStep(),
				CacheDType:    string(cfg.CacheDType()),
				CacheBytes:    engine.CacheBytes(),
				EOS:           engine.EOS(),
				Programs:      engine.Programs(),
			}
			if asJSON {
				enc := json.NewEncoder(os.Stdout)
				enc.SetIndent("", "  ")
				return enc.Encode(report)
			}
			enc := yaml.NewEncoder(os.Stdout)
			enc.SetIndent(2)
			defer enc.Close()
			return enc.Encode(report)
		},
	}
}
