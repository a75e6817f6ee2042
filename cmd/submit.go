package main

import (
	"context"
	"fmt"
	"os"
	"path"
	"path/filepath"
	"strings"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/sells-group/mof-screen/internal/artifact"
	"github.com/sells-group/mof-screen/internal/config"
	"github.com/sells-group/mof-screen/internal/intake"
	"github.com/sells-group/mof-screen/internal/model"
	"github.com/sells-group/mof-screen/internal/queue"
	"github.com/sells-group/mof-screen/internal/rulegen"
	"github.com/sells-group/mof-screen/internal/store"
	"github.com/sells-group/mof-screen/internal/workflow"
)

var (
	submitName      string
	submitSource    string
	submitPrompt    string
	submitRulesFile string
	submitUpload    string
)

var submitCmd = &cobra.Command{
	Use:   "submit",
	Short: "Create a screening batch",
	Long: `Creates a batch from the CIF files under --source in the artifact store.
Rules come from --rules (YAML) or are generated from --prompt.

With the memory queue driver the batch is processed in this process and the
final report is printed.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()

		env, err := initEnv(ctx, config.ModeSubmit, false)
		if err != nil {
			return err
		}
		defer env.Close()

		if submitUpload != "" {
			n, err := uploadStructures(ctx, env.Artifacts, submitUpload, submitSource)
			if err != nil {
				return err
			}
			zap.L().Info("uploaded structures", zap.Int("count", n), zap.String("source_dir", submitSource))
		}

		req := intake.Request{
			Name:      submitName,
			Prompt:    submitPrompt,
			SourceDir: submitSource,
		}
		if submitRulesFile != "" {
			req.Rules, err = rulegen.LoadFile(submitRulesFile)
			if err != nil {
				return err
			}
		}

		var generator rulegen.Generator
		if len(req.Rules) == 0 {
			generator = initGenerator()
		}

		svc := intake.NewService(env.Store, env.Queue, env.Artifacts, generator)
		batch, err := svc.CreateBatch(ctx, req)
		if err != nil {
			return err
		}

		fmt.Fprintf(os.Stdout, "batch %s accepted (%s)\n", batch.ID, batch.Status)

		mem, ok := env.Queue.(*queue.MemoryBroker)
		if !ok {
			return nil
		}

		summary, err := runLocal(ctx, env, mem, batch.ID)
		if err != nil {
			return err
		}
		return writeSummary(os.Stdout, summary)
	},
}

// runLocal drives a batch to a terminal status with an in-process worker.
func runLocal(ctx context.Context, env *screenEnv, mem *queue.MemoryBroker, batchID string) (model.BatchSummary, error) {
	engine, w := newEngine(env)
	ctrl := workflow.NewController(env.Store, engine.Barrier(), 0)

	for {
		if err := mem.RunUntilIdle(ctx, w.Dispatch); err != nil {
			return model.BatchSummary{}, err
		}
		if _, err := ctrl.Sweep(ctx); err != nil {
			return model.BatchSummary{}, err
		}
		if mem.Pending() > 0 {
			continue
		}

		summary, err := batchSummary(ctx, env.Store, batchID)
		if err != nil {
			return model.BatchSummary{}, err
		}
		if summary.Batch.Status.IsTerminal() {
			return summary, nil
		}
		return summary, eris.Errorf("submit: batch %s stalled at %s", batchID, summary.Batch.Status)
	}
}

// uploadStructures copies the .cif files in dir into the artifact store
// under prefix.
func uploadStructures(ctx context.Context, art artifact.Store, dir, prefix string) (int, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return 0, eris.Wrap(err, "submit: read upload dir")
	}

	n := 0
	for _, e := range entries {
		if e.IsDir() || !strings.EqualFold(filepath.Ext(e.Name()), ".cif") {
			continue
		}
		data, err := os.ReadFile(filepath.Join(dir, e.Name()))
		if err != nil {
			return n, eris.Wrapf(err, "submit: read %s", e.Name())
		}
		if err := artifact.WriteAll(ctx, art, path.Join(prefix, e.Name()), data); err != nil {
			return n, err
		}
		n++
	}
	return n, nil
}

func batchSummary(ctx context.Context, st store.Store, batchID string) (model.BatchSummary, error) {
	batch, err := st.GetBatch(ctx, batchID)
	if err != nil {
		return model.BatchSummary{}, err
	}
	counts, err := st.CountItemsByStatus(ctx, batchID)
	if err != nil {
		return model.BatchSummary{}, err
	}
	return model.Summarize(*batch, counts), nil
}

func init() {
	submitCmd.Flags().StringVar(&submitName, "name", "", "batch name")
	submitCmd.Flags().StringVar(&submitSource, "source", "", "artifact prefix holding the input CIF files (required)")
	submitCmd.Flags().StringVar(&submitPrompt, "prompt", "", "natural-language screening criteria")
	submitCmd.Flags().StringVar(&submitRulesFile, "rules", "", "YAML file of explicit rules; skips rule generation")
	submitCmd.Flags().StringVar(&submitUpload, "upload", "", "local directory of CIF files to copy under --source first")
	_ = submitCmd.MarkFlagRequired("source")
	rootCmd.AddCommand(submitCmd)
}
