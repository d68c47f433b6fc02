package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"patchpilot/internal/config"
	"patchpilot/internal/logging"
	"patchpilot/internal/model"
	"patchpilot/internal/patch"
	"patchpilot/internal/render"
	"patchpilot/internal/sample"
	"patchpilot/internal/store"
	"patchpilot/internal/telemetry"
)

const version = "0.3.0"

var (
	configPath   string
	artifactsDir string
	statusLimit  int
)

// sampleFile is the on-disk format consumed by the run command.
type sampleFile struct {
	Samples []sampleSpec `yaml:"samples"`
}

type sampleSpec struct {
	ID         string `yaml:"id"`
	TargetFile string `yaml:"target_file"`
	Seed       int64  `yaml:"seed"`
	RepoDir    string `yaml:"repo_dir"`
	Prompt     string `yaml:"prompt"`
}

func loadSamples(path string) ([]sample.Sample, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var f sampleFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("parse %s: %w", path, err)
	}
	if len(f.Samples) == 0 {
		return nil, fmt.Errorf("%s: no samples", path)
	}
	out := make([]sample.Sample, 0, len(f.Samples))
	for _, s := range f.Samples {
		out = append(out, sample.Sample{
			ID:         s.ID,
			TargetFile: s.TargetFile,
			Seed:       s.Seed,
			RepoDir:    s.RepoDir,
			Prompt:     s.Prompt,
		})
	}
	return out, nil
}

func signalContext() (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(context.Background())
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigChan
		cancel()
	}()
	return ctx, cancel
}

func openStore(cfg config.Config) (*store.Store, error) {
	return store.New(cfg.StorePath)
}

func newRunCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "run <samples.yaml>",
		Short: "Execute samples: two rollouts each, then verification",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := signalContext()
			defer cancel()

			cfg, err := config.Load(configPath)
			if err != nil {
				return err
			}
			samples, err := loadSamples(args[0])
			if err != nil {
				return err
			}

			logger := logging.New(os.Stderr)
			shutdown, err := telemetry.Init(ctx, telemetry.Config{
				ServiceName:    "patchpilot",
				ServiceVersion: version,
				OTLPEndpoint:   cfg.Telemetry.OTLPEndpoint,
				Insecure:       cfg.Telemetry.Insecure,
			})
			if err != nil {
				return fmt.Errorf("telemetry: %w", err)
			}
			defer func() {
				sctx, scancel := context.WithTimeout(context.Background(), 5*time.Second)
				defer scancel()
				_ = shutdown(sctx)
			}()

			st, err := openStore(cfg)
			if err != nil {
				return err
			}
			defer st.Close()

			client := sample.NewThrottledClient(
				model.NewHTTPClient(cfg.Model.BaseURL, cfg.Model.Name, cfg.Model.APIKey,
					cfg.Model.MaxTokens, cfg.Model.FormatRetries, logger),
				cfg.Model.MaxConcurrent,
			)
			runner := &sample.Runner{
				Cfg:          cfg,
				Model:        client,
				Store:        st,
				Logger:       logger,
				ArtifactsDir: artifactsDir,
			}

			outcomes := runner.RunAll(ctx, samples)
			accepted, failed := 0, 0
			for _, o := range outcomes {
				switch {
				case o.Err != nil:
					failed++
					fmt.Fprintf(cmd.ErrOrStderr(), "%s: %v\n", o.SampleID, o.Err)
				case o.Accepted:
					accepted++
					fmt.Fprintf(cmd.OutOrStdout(), "%s: accepted (recall %.3f)\n", o.SampleID, o.Recall)
				default:
					fmt.Fprintf(cmd.OutOrStdout(), "%s: rejected (recall %.3f)\n", o.SampleID, o.Recall)
				}
			}
			fmt.Fprintf(cmd.OutOrStdout(), "\n%d/%d accepted, %d failed\n", accepted, len(outcomes), failed)
			if failed > 0 {
				return fmt.Errorf("%d samples failed", failed)
			}
			return nil
		},
	}
	cmd.Flags().StringVarP(&artifactsDir, "artifacts", "a", "artifacts", "Directory for transcripts, patches, and events")
	return cmd
}

func newScoreCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "score <reference.diff> <candidate.diff>",
		Short: "Score how much of a reference patch a candidate recalls",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			var sets [2]patch.ChangeSet
			for i, p := range args {
				data, err := os.ReadFile(p)
				if err != nil {
					return err
				}
				cs, err := patch.Parse(string(data))
				if err != nil {
					return fmt.Errorf("%s: %w", p, err)
				}
				sets[i] = cs
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%.4f\n", patch.Score(sets[0], sets[1]))
			return nil
		},
	}
}

func newVerifyCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "verify <sample-id>",
		Short: "Show a sample's verification result",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(configPath)
			if err != nil {
				return err
			}
			st, err := openStore(cfg)
			if err != nil {
				return err
			}
			defer st.Close()

			res, err := st.GetVerification(args[0])
			if err != nil {
				return err
			}
			fmt.Fprint(cmd.OutOrStdout(), render.VerificationSummary(args[0], res))
			return nil
		},
	}
}

func newStatusCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "status",
		Short: "List samples and their pipeline state",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(configPath)
			if err != nil {
				return err
			}
			st, err := openStore(cfg)
			if err != nil {
				return err
			}
			defer st.Close()

			samples, err := st.ListSamples(statusLimit)
			if err != nil {
				return err
			}
			fmt.Fprint(cmd.OutOrStdout(), render.StatusTable(samples))
			return nil
		},
	}
	cmd.Flags().IntVarP(&statusLimit, "limit", "n", 50, "Maximum samples to list")
	return cmd
}

func main() {
	root := &cobra.Command{
		Use:     "patchpilot",
		Short:   "Agent rollout execution and soft-verification pipeline",
		Long:    "patchpilot runs bounded tool-calling rollouts against repository checkouts,\nscores candidate patches against reference patches, and gates acceptance\non size, path, test, and recall policies.",
		Version: version,
	}
	root.PersistentFlags().StringVarP(&configPath, "config", "c", "patchpilot.yaml", "Path to the configuration file")

	root.AddCommand(newRunCmd())
	root.AddCommand(newScoreCmd())
	root.AddCommand(newVerifyCmd())
	root.AddCommand(newStatusCmd())

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
