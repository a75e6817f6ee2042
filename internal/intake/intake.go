// Package intake accepts screening requests: it finds the source structures,
// obtains the rule set, persists the batch and hands it to the queue.
package intake

import (
	"context"
	"strings"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/sells-group/mof-screen/internal/artifact"
	"github.com/sells-group/mof-screen/internal/model"
	"github.com/sells-group/mof-screen/internal/queue"
	"github.com/sells-group/mof-screen/internal/rulegen"
	"github.com/sells-group/mof-screen/internal/store"
)

// ErrNoMaterials is returned when the source prefix holds no CIF files.
var ErrNoMaterials = eris.New("intake: no cif files found")

// ErrInvalidRequest is returned for requests missing required fields.
var ErrInvalidRequest = eris.New("intake: invalid request")

// RuleGenerationError wraps a failure of the rule generator.
type RuleGenerationError struct {
	Err error
}

func (e *RuleGenerationError) Error() string { return "intake: generate rules: " + e.Err.Error() }

func (e *RuleGenerationError) Unwrap() error { return e.Err }

// Request is a batch submission.
type Request struct {
	Name      string       `json:"name"`
	Prompt    string       `json:"prompt"`
	SourceDir string       `json:"source_dir"`
	Rules     []model.Rule `json:"rules,omitempty"`
}

// Service creates batches.
type Service struct {
	store     store.Store
	queue     queue.Queue
	artifacts artifact.Store
	generator rulegen.Generator
}

// NewService creates an intake Service. generator may be nil when every
// request carries explicit rules.
func NewService(st store.Store, q queue.Queue, art artifact.Store, generator rulegen.Generator) *Service {
	return &Service{store: st, queue: q, artifacts: art, generator: generator}
}

// CreateBatch lists the CIF files under req.SourceDir, resolves the rule set
// and persists one item per file. The batch is PROCESSING once a launch job
// is enqueued; if enqueueing fails the batch is marked FAILED.
func (s *Service) CreateBatch(ctx context.Context, req Request) (*model.Batch, error) {
	req.Prompt = strings.TrimSpace(req.Prompt)
	req.SourceDir = strings.Trim(strings.TrimSpace(req.SourceDir), "/")
	if req.SourceDir == "" {
		return nil, eris.Wrap(ErrInvalidRequest, "source_dir is required")
	}
	if req.Prompt == "" && len(req.Rules) == 0 {
		return nil, eris.Wrap(ErrInvalidRequest, "prompt or rules are required")
	}

	log := zap.L().With(zap.String("source_dir", req.SourceDir))

	var (
		keys  []string
		rules []model.Rule
	)
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		var err error
		keys, err = s.listStructures(gctx, req.SourceDir)
		return err
	})
	g.Go(func() error {
		var err error
		rules, err = s.resolveRules(gctx, req)
		return err
	})
	if err := g.Wait(); err != nil {
		return nil, err
	}

	items := make([]store.NewItem, len(keys))
	for i, key := range keys {
		items[i] = store.NewItem{Name: artifact.Stem(key), SourcePath: key}
	}

	batch, _, err := s.store.CreateBatch(ctx, model.Batch{
		Name:      req.Name,
		Prompt:    req.Prompt,
		SourceDir: req.SourceDir,
		Rules:     rules,
	}, items)
	if err != nil {
		return nil, eris.Wrap(err, "intake: create batch")
	}
	log = log.With(zap.String("batch_id", batch.ID))

	if _, err := s.store.TransitionBatch(ctx, batch.ID,
		[]model.BatchStatus{model.BatchPending}, model.BatchProcessing); err != nil {
		return nil, eris.Wrap(err, "intake: mark batch processing")
	}
	batch.Status = model.BatchProcessing

	if err := s.queue.Enqueue(ctx, queue.NewBatchJob(queue.KindLaunch, batch.ID)); err != nil {
		log.Error("intake: failed to enqueue launch", zap.Error(err))
		if _, ferr := s.store.TransitionBatch(context.WithoutCancel(ctx), batch.ID,
			[]model.BatchStatus{model.BatchProcessing}, model.BatchFailed); ferr != nil {
			log.Error("intake: failed to mark batch failed", zap.Error(ferr))
		}
		return nil, eris.Wrap(err, "intake: enqueue launch")
	}

	log.Info("intake: batch accepted", zap.Int("items", len(items)), zap.Int("rules", len(rules)))
	return batch, nil
}

func (s *Service) listStructures(ctx context.Context, prefix string) ([]string, error) {
	keys, err := s.artifacts.List(ctx, prefix)
	if err != nil {
		return nil, eris.Wrapf(err, "intake: list %s", prefix)
	}
	cifs := make([]string, 0, len(keys))
	for _, k := range keys {
		if strings.HasSuffix(strings.ToLower(k), ".cif") {
			cifs = append(cifs, k)
		}
	}
	if len(cifs) == 0 {
		return nil, eris.Wrapf(ErrNoMaterials, "intake: %s", prefix)
	}
	return cifs, nil
}

func (s *Service) resolveRules(ctx context.Context, req Request) ([]model.Rule, error) {
	if len(req.Rules) > 0 {
		if err := rulegen.Validate(req.Rules); err != nil {
			return nil, eris.Wrap(ErrInvalidRequest, err.Error())
		}
		return req.Rules, nil
	}
	if s.generator == nil {
		return nil, eris.Wrap(ErrInvalidRequest, "rule generation is not configured; pass explicit rules")
	}
	rules, err := s.generator.Generate(ctx, req.Prompt)
	if err != nil {
		return nil, &RuleGenerationError{Err: err}
	}
	return rules, nil
}
