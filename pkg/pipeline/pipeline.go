// Package pipeline composes the feature encoder and the isolation forest
// over a batch of transactions and produces alert candidates.
package pipeline

import (
	"context"
	"fmt"
	"sort"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/hed1ad/txguard/pkg/alerts"
	"github.com/hed1ad/txguard/pkg/detectors"
	"github.com/hed1ad/txguard/pkg/detectors/iforest"
	"github.com/hed1ad/txguard/pkg/features"
)

// Pipeline scores transaction batches. It has no side effects: persisting
// artifacts and candidates is left to the caller.
type Pipeline struct {
	forestOpts []iforest.Option
	log        zerolog.Logger
	newRunID   func() string
}

// Option configures a Pipeline.
type Option func(*Pipeline)

// WithForestOptions sets the options used when a forest has to be trained.
func WithForestOptions(opts ...iforest.Option) Option {
	return func(p *Pipeline) {
		p.forestOpts = append(p.forestOpts, opts...)
	}
}

// WithLogger sets the logger.
func WithLogger(log zerolog.Logger) Option {
	return func(p *Pipeline) {
		p.log = log
	}
}

// WithRunID overrides the run identifier generator.
func WithRunID(fn func() string) Option {
	return func(p *Pipeline) {
		p.newRunID = fn
	}
}

// New creates a Pipeline.
func New(opts ...Option) *Pipeline {
	p := &Pipeline{
		log:      zerolog.Nop(),
		newRunID: uuid.NewString,
	}
	for _, opt := range opts {
		opt(p)
	}
	p.log = p.log.With().Str("component", "pipeline").Logger()
	return p
}

// Result is the outcome of one scoring run.
type Result struct {
	RunID string
	// Candidates holds one entry per flagged transaction, highest score first.
	Candidates []alerts.Candidate
	Params     *features.Params
	// Detector scored the batch. Forest is set only when this run fitted it.
	Detector detectors.Detector
	Forest   *iforest.IsolationForest
	// Scores and Flags are aligned with the input batch.
	Scores []float64
	Flags  []bool
	// Trained reports whether params or forest were fitted during the run.
	Trained bool
}

// Run scores txs. A nil params or detector is fitted from txs (training
// mode, with an isolation forest); otherwise the given ones are reused
// unchanged (serving mode).
func (p *Pipeline) Run(txs []features.Transaction, params *features.Params, detector detectors.Detector, rate float64) (*Result, error) {
	if len(txs) == 0 {
		return nil, fmt.Errorf("score batch: %w", detectors.ErrEmptyInput)
	}
	if err := detectors.ValidateRate(rate); err != nil {
		return nil, fmt.Errorf("score batch: %w", err)
	}

	res := &Result{RunID: p.newRunID(), Params: params, Detector: detector}
	log := p.log.With().Str("run_id", res.RunID).Logger()

	if res.Params == nil {
		fitted, err := features.Fit(txs)
		if err != nil {
			return nil, err
		}
		res.Params, res.Trained = fitted, true
		log.Debug().Int("fields", len(fitted.Fields)).Int("categories", len(fitted.Categories)).Msg("Encoder fitted")
	}

	vectors := res.Params.TransformAll(txs)

	if res.Detector == nil {
		opts := append([]iforest.Option{iforest.WithContamination(rate)}, p.forestOpts...)
		fitted := iforest.New(opts...)
		if err := fitted.Fit(vectors); err != nil {
			return nil, err
		}
		res.Detector, res.Forest, res.Trained = fitted, fitted, true
		log.Debug().Int("dim", fitted.Dim()).Msg("Isolation forest fitted")
	}

	scores, err := res.Detector.Predict(vectors)
	if err != nil {
		return nil, fmt.Errorf("score batch: %w", err)
	}
	flags, err := detectors.Classify(scores, rate)
	if err != nil {
		return nil, err
	}
	res.Scores, res.Flags = scores, flags

	for i, tx := range txs {
		if !flags[i] {
			continue
		}
		res.Candidates = append(res.Candidates, alerts.Candidate{
			TransactionID: tx.ID,
			Score:         scores[i],
			RunID:         res.RunID,
			Fields:        tx.Fields,
		})
	}
	sort.SliceStable(res.Candidates, func(i, j int) bool {
		a, b := res.Candidates[i], res.Candidates[j]
		if a.Score != b.Score {
			return a.Score > b.Score
		}
		return a.TransactionID < b.TransactionID
	})

	log.Info().
		Int("transactions", len(txs)).
		Int("flagged", len(res.Candidates)).
		Bool("trained", res.Trained).
		Float64("contamination", rate).
		Msg("Scoring run complete")

	return res, nil
}

// Scored is a transaction scored by Stream.
type Scored struct {
	Transaction features.Transaction
	Score       float64
	IsAnomaly   bool
}

// Stream scores transactions from in one at a time against a trained
// encoder and detector, flagging by the detector's own threshold. It
// returns when in is closed or ctx is done.
func (p *Pipeline) Stream(ctx context.Context, params *features.Params, detector detectors.StreamDetector,
	in <-chan features.Transaction, out chan<- Scored) error {
	if params == nil || detector == nil || !detector.Trained() {
		return detectors.ErrNotTrained
	}
	if params.Dim() != detector.Dim() {
		return fmt.Errorf("encoder width %d, detector width %d: %w", params.Dim(), detector.Dim(), detectors.ErrDimensionMismatch)
	}

	g, ctx := errgroup.WithContext(ctx)
	vectors := make(chan []float64)
	scores := make(chan detectors.Score)
	// Scores come back in input order, so a FIFO pairs them with their source.
	pending := make(chan features.Transaction, 16)

	g.Go(func() error {
		defer close(vectors)
		for {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case tx, ok := <-in:
				if !ok {
					return nil
				}
				select {
				case pending <- tx:
				case <-ctx.Done():
					return ctx.Err()
				}
				select {
				case vectors <- params.Transform(tx):
				case <-ctx.Done():
					return ctx.Err()
				}
			}
		}
	})

	g.Go(func() error {
		defer close(scores)
		return detector.PredictStream(ctx, vectors, scores)
	})

	g.Go(func() error {
		for s := range scores {
			if s.Err != nil {
				return s.Err
			}
			tx := <-pending
			select {
			case out <- Scored{Transaction: tx, Score: s.Value, IsAnomaly: s.IsAnomaly}:
			case <-ctx.Done():
				return ctx.Err()
			}
		}
		return nil
	})

	return g.Wait()
}
