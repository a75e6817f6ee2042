package workflow

import (
	"context"
	"path"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/mof-screen/internal/artifact"
	"github.com/sells-group/mof-screen/internal/model"
	"github.com/sells-group/mof-screen/internal/queue"
	"github.com/sells-group/mof-screen/pkg/xtb"
)

// PSDResultKey is the analysis property holding the artifact key of the pore
// size distribution histogram, or an {"error": "..."} marker.
const PSDResultKey = "pore_size_distribution_file"

// Analyze runs structural analysis on the item's source structure:
// PENDING -> ANALYZING -> FIRST_FILTERING. An item already at ANALYZING is
// re-run, which recovers a job redelivered after a worker died mid-stage.
func (e *Engine) Analyze(ctx context.Context, itemID string) error {
	return e.runStage(ctx, stage{
		name:      "analysis",
		entry:     []model.ItemStatus{model.ItemPending, model.ItemAnalyzing},
		running:   model.ItemAnalyzing,
		success:   model.ItemFirstFiltering,
		resultKey: model.ResultAnalysis,
		body:      e.analysisBody,
	}, itemID)
}

func (e *Engine) analysisBody(ctx context.Context, item *model.Item) (*stageOutput, error) {
	cif, err := artifact.ReadAll(ctx, e.artifacts, item.SourcePath)
	if err != nil {
		return nil, eris.Wrap(err, "read source structure")
	}
	props, err := e.analyze(ctx, item, path.Base(item.SourcePath), cif)
	if err != nil {
		return nil, err
	}
	return &stageOutput{result: props}, nil
}

// analyze collects the analysis properties for cif and stores the pore size
// distribution alongside the item's artifacts. A failed distribution download
// is recorded as a marker and does not fail the stage.
func (e *Engine) analyze(ctx context.Context, item *model.Item, filename string, cif []byte) (model.Properties, error) {
	raw, err := e.svc.Zeopp.Properties(ctx, filename, cif)
	if err != nil {
		return nil, eris.Wrap(err, "structural analysis")
	}
	props := model.Properties(raw)

	psd, err := e.svc.Zeopp.PoreSizeDistribution(ctx, filename, cif)
	if err == nil {
		key := artifact.ItemKey(item.BatchID, item.ID, artifact.Stem(filename)+"_psd.txt")
		err = artifact.WriteAll(ctx, e.artifacts, key, psd)
		if err == nil {
			props[PSDResultKey] = key
			return props, nil
		}
	}
	zap.L().Warn("workflow: pore size distribution unavailable",
		zap.String("item_id", item.ID),
		zap.Error(err),
	)
	props[PSDResultKey] = map[string]any{"error": err.Error()}
	return props, nil
}

// Optimize1 converts the source structure to XYZ and relaxes it with MACE:
// OPTIMIZING_1 -> POST_OPT_ANALYZING, then enqueues post-optimization
// analysis.
func (e *Engine) Optimize1(ctx context.Context, itemID string) error {
	return e.runStage(ctx, stage{
		name:      "optimization_1",
		entry:     []model.ItemStatus{model.ItemOptimizing1},
		running:   model.ItemOptimizing1,
		success:   model.ItemPostOptAnalyzing,
		resultKey: model.ResultOptimization1,
		body:      e.optimize1Body,
		next: func(ctx context.Context, item *model.Item) error {
			return e.queue.Enqueue(ctx, queue.NewItemJob(queue.KindPostOptAnalysis, item.BatchID, item.ID))
		},
	}, itemID)
}

func (e *Engine) optimize1Body(ctx context.Context, item *model.Item) (*stageOutput, error) {
	cif, err := artifact.ReadAll(ctx, e.artifacts, item.SourcePath)
	if err != nil {
		return nil, eris.Wrap(err, "read source structure")
	}
	xyz, err := e.svc.Converter.Convert(ctx, path.Base(item.SourcePath), cif)
	if err != nil {
		return nil, eris.Wrap(err, "convert cif to xyz")
	}
	optimized, err := e.svc.MACE.Optimize(ctx, xyz)
	if err != nil {
		return nil, eris.Wrap(err, "mace optimization")
	}

	key := artifact.ItemKey(item.BatchID, item.ID, item.ID+"_opt1.xyz")
	if err := artifact.WriteAll(ctx, e.artifacts, key, optimized); err != nil {
		return nil, eris.Wrap(err, "store optimized structure")
	}
	return &stageOutput{result: model.OptimizationResult{OptimizedPath: key}}, nil
}

// PostOptAnalyze converts the optimized structure back to CIF and re-runs
// analysis: POST_OPT_ANALYZING -> SECOND_FILTERING.
func (e *Engine) PostOptAnalyze(ctx context.Context, itemID string) error {
	return e.runStage(ctx, stage{
		name:      "post_opt_analysis",
		entry:     []model.ItemStatus{model.ItemPostOptAnalyzing},
		running:   model.ItemPostOptAnalyzing,
		success:   model.ItemSecondFiltering,
		resultKey: model.ResultPostOptAnalysis,
		body:      e.postOptBody,
	}, itemID)
}

func (e *Engine) postOptBody(ctx context.Context, item *model.Item) (*stageOutput, error) {
	xyzKey, err := optimizedPath(item)
	if err != nil {
		return nil, err
	}
	xyz, err := artifact.ReadAll(ctx, e.artifacts, xyzKey)
	if err != nil {
		return nil, eris.Wrap(err, "read optimized structure")
	}
	cif, err := e.svc.Converter.Convert(ctx, path.Base(xyzKey), xyz)
	if err != nil {
		return nil, eris.Wrap(err, "convert xyz to cif")
	}

	cifName := item.ID + "_opt1.cif"
	cifKey := artifact.ItemKey(item.BatchID, item.ID, cifName)
	if err := artifact.WriteAll(ctx, e.artifacts, cifKey, cif); err != nil {
		return nil, eris.Wrap(err, "store optimized cif")
	}

	props, err := e.analyze(ctx, item, cifName, cif)
	if err != nil {
		return nil, err
	}
	return &stageOutput{result: model.PostOptAnalysisResult{Properties: props, CIFPath: cifKey}}, nil
}

// Optimize2 runs the final XTB optimization on the first optimization's XYZ
// output: OPTIMIZING_2 -> COMPLETED.
func (e *Engine) Optimize2(ctx context.Context, itemID string) error {
	return e.runStage(ctx, stage{
		name:      "optimization_2",
		entry:     []model.ItemStatus{model.ItemOptimizing2},
		running:   model.ItemOptimizing2,
		success:   model.ItemCompleted,
		resultKey: model.ResultOptimization2,
		body:      e.optimize2Body,
	}, itemID)
}

func (e *Engine) optimize2Body(ctx context.Context, item *model.Item) (*stageOutput, error) {
	xyzKey, err := optimizedPath(item)
	if err != nil {
		return nil, err
	}
	xyz, err := artifact.ReadAll(ctx, e.artifacts, xyzKey)
	if err != nil {
		return nil, eris.Wrap(err, "read optimized structure")
	}

	params := xtb.DefaultParams()
	if e.svc.XTBParams != nil {
		params = *e.svc.XTBParams
	}
	final, err := e.svc.XTB.Optimize(ctx, xyz, params)
	if err != nil {
		return nil, eris.Wrap(err, "xtb optimization")
	}

	key := artifact.ItemKey(item.BatchID, item.ID, item.ID+"_final.xyz")
	if err := artifact.WriteAll(ctx, e.artifacts, key, final); err != nil {
		return nil, eris.Wrap(err, "store final structure")
	}
	return &stageOutput{
		result:    model.FinalOptimizationResult{FinalPath: key},
		finalPath: key,
	}, nil
}

// optimizedPath returns the first optimization's output key.
func optimizedPath(item *model.Item) (string, error) {
	var opt model.OptimizationResult
	found, err := item.Results.Decode(model.ResultOptimization1, &opt)
	if err != nil {
		return "", eris.Wrap(err, "decode optimization_1 result")
	}
	if !found || opt.OptimizedPath == "" {
		return "", eris.New("missing prerequisite: optimization_1.optimized_path")
	}
	return opt.OptimizedPath, nil
}
