package main

import (
	"fmt"
	"strings"
	"time"

	"gonum.org/v1/gonum/mat"
	"gonum.org/v1/gonum/stat/distuv"
)

// PrecisionModel is the ground truth for one simulated run: a sparse precision
// matrix Omega (unit diagonal, 0.5 coupling between index-adjacent variables)
// and its covariance Sigma = Omega^-1 used to sample data. Both matrices are
// built once per run and never mutated.
type PrecisionModel struct {
	Omega *mat.SymDense
	Sigma *mat.SymDense
}

// PassResult is one completed data table produced by a single imputation pass,
// together with the regularization strength the pass settled on.
// SelectedIndex is -1 for passes that never ran the sparsity estimator
// (the plain chained-equation baselines).
type PassResult struct {
	Completed     *mat.Dense
	SelectedIndex int
	SelectedRho   float64
}

// ROCPoint is a single operating point of the recovery sweep: the false and
// true positive rates of the binary structure estimate at strength Rho.
type ROCPoint struct {
	Rho float64
	FPR float64
	TPR float64
}

// ROCCurve collects one point per usable regularization strength, ordered by
// ascending false positive rate.
type ROCCurve []ROCPoint

// Run record status values.
const (
	StatusOK      = "ok"
	StatusSkipped = "skipped"
)

// RunRecord logs the outcome of one (run, method) cell of the comparison.
// Records are append-only; a skipped record names the phase that failed.
type RunRecord struct {
	Run         int
	Method      string
	Status      string
	Phase       string
	ImputeTime  time.Duration
	VoteTime    time.Duration
	EvalTime    time.Duration
	SelectedRho float64 // NaN when the method performs no strength selection
	AUC         float64
	Err         string
}

// MethodSummary aggregates completed runs of one method.
type MethodSummary struct {
	Method     string
	Completed  int
	Skipped    int
	MeanAUC    float64
	StdAUC     float64
	MeanImpute time.Duration
	MeanVote   time.Duration
	MeanEval   time.Duration
}

// ComparisonResult is everything RunComparison produces: the shared
// regularization path, the per-run records, the per-method summaries, and the
// most recent completed ROC curve per method (for plots and CSV output).
type ComparisonResult struct {
	Path      []float64
	Records   []RunRecord
	Summaries []MethodSummary
	Curves    map[string]ROCCurve
}

// ImputationMode selects how the chained-equation imputer fits each column.
type ImputationMode int

const (
	// ImputeNorm regresses each column on its allowed predictors by least
	// squares and draws the fill from the fitted value plus residual noise.
	ImputeNorm ImputationMode = iota
	// ImputeLasso fits each column with an L1-penalized regression instead.
	ImputeLasso
)

// ScoreRule controls the direction of the BIC-style strength selection.
// The default picks the maximum of logdet(Theta) - tr(S*Theta) - nnz*log(n);
// SelectMinScore is kept so the opposite convention can be tried without
// touching the estimator.
type ScoreRule int

const (
	SelectMaxScore ScoreRule = iota
	SelectMinScore
)

// MethodKind tags one imputation-and-recovery strategy of the comparison
// harness. The strategy is chosen once per run, not rebranched mid-pipeline.
type MethodKind int

const (
	// MethodGlassoVote is the full pipeline: graphical-lasso-guided chained
	// imputation, repeated passes, majority vote across the completed tables.
	MethodGlassoVote MethodKind = iota
	// MethodChainedDefault imputes with unrestricted chained equations
	// (no sparsity guidance) and votes across the passes.
	MethodChainedDefault
	// MethodChainedLasso is MethodChainedDefault with lasso column fits.
	MethodChainedLasso
	// MethodSingle runs one guided pass and skips voting.
	MethodSingle
	// MethodCompleteData sweeps the pre-missingness table; reference upper bound.
	MethodCompleteData
)

func (m MethodKind) String() string {
	switch m {
	case MethodGlassoVote:
		return "glasso-vote"
	case MethodChainedDefault:
		return "chained-default"
	case MethodChainedLasso:
		return "chained-lasso"
	case MethodSingle:
		return "single"
	case MethodCompleteData:
		return "complete-data"
	}
	return fmt.Sprintf("method(%d)", int(m))
}

// ParseMethods turns a comma-separated list of method labels into MethodKinds.
func ParseMethods(s string) ([]MethodKind, error) {
	all := []MethodKind{
		MethodGlassoVote, MethodChainedDefault, MethodChainedLasso,
		MethodSingle, MethodCompleteData,
	}
	var out []MethodKind
	for _, tok := range strings.Split(s, ",") {
		tok = strings.TrimSpace(tok)
		if tok == "" {
			continue
		}
		found := false
		for _, m := range all {
			if tok == m.String() {
				out = append(out, m)
				found = true
				break
			}
		}
		if !found {
			return nil, fmt.Errorf("unknown method %q; options: glasso-vote, chained-default, chained-lasso, single, complete-data", tok)
		}
	}
	if len(out) == 0 {
		return nil, fmt.Errorf("no methods selected")
	}
	return out, nil
}

// GlassoOptions tunes the graphical lasso solver and the BIC-style selection.
type GlassoOptions struct {
	// MaxSweeps caps the outer block-coordinate sweeps before the solve is
	// declared non-convergent.
	MaxSweeps int
	// LassoIterations caps the coordinate-descent iterations of each column's
	// inner lasso.
	LassoIterations int
	// ConvergenceTol stops the outer sweeps once the mean absolute change of
	// the working covariance, relative to the off-diagonal scale of S, falls
	// below it.
	ConvergenceTol float64
	// LassoTol stops the inner coordinate descent.
	LassoTol float64
	// ZeroTol is the magnitude below which an entry counts as zero when
	// binarizing estimates and counting nonzeros for the BIC penalty.
	ZeroTol float64
	// Rule is the direction of the BIC-style selection.
	Rule ScoreRule
}

func (o GlassoOptions) withDefaults() GlassoOptions {
	if o.MaxSweeps <= 0 {
		o.MaxSweeps = 100
	}
	if o.LassoIterations <= 0 {
		o.LassoIterations = 100
	}
	if o.ConvergenceTol <= 0 {
		o.ConvergenceTol = 1e-4
	}
	if o.LassoTol <= 0 {
		o.LassoTol = 1e-4
	}
	if o.ZeroTol <= 0 {
		o.ZeroTol = 1e-8
	}
	return o
}

// RunOptions is the full configuration surface of the simulation study.
// Zero values are backfilled with the study defaults; MissingProb is the one
// field where zero is meaningful (no missingness) and is left alone.
type RunOptions struct {
	Samples         int     // rows per simulated dataset (n)
	Variables       int     // columns per simulated dataset (p)
	MissingProb     float64 // per-cell Bernoulli missingness probability
	RhoMax          float64 // largest strength on the regularization path
	RhoStep         float64 // spacing of the path
	InnerIterations int     // impute/re-estimate alternations per pass
	PassCount       int     // independent passes per run
	Runs            int     // simulation runs
	Seed            uint64  // master seed; 0 means time-based
	Workers         int     // worker goroutines for pools; 0 means NumCPU
	LassoPenalty    float64 // penalty for ImputeLasso column fits

	// VoteZeroDiagonal zeroes the diagonal of every voted structure.
	VoteZeroDiagonal bool
	// EvalIncludeDiagonal scores the diagonal cells against ground truth too;
	// by default only the off-diagonal (conditional-dependence) cells count.
	EvalIncludeDiagonal bool

	Methods []MethodKind
	Glasso  GlassoOptions
}

func (cfg RunOptions) withDefaults() RunOptions {
	if cfg.Samples <= 0 {
		cfg.Samples = 100
	}
	if cfg.Variables <= 0 {
		cfg.Variables = 20
	}
	if cfg.RhoMax <= 0 {
		cfg.RhoMax = 10
	}
	if cfg.RhoStep <= 0 {
		cfg.RhoStep = 0.05
	}
	if cfg.InnerIterations <= 0 {
		cfg.InnerIterations = 5
	}
	if cfg.PassCount <= 0 {
		cfg.PassCount = 5
	}
	if cfg.Runs <= 0 {
		cfg.Runs = 10
	}
	if cfg.Seed == 0 {
		cfg.Seed = uint64(time.Now().UnixNano())
	}
	if cfg.LassoPenalty <= 0 {
		cfg.LassoPenalty = 0.1
	}
	if len(cfg.Methods) == 0 {
		cfg.Methods = []MethodKind{
			MethodGlassoVote, MethodChainedDefault, MethodChainedLasso,
			MethodSingle, MethodCompleteData,
		}
	}
	cfg.Glasso = cfg.Glasso.withDefaults()
	return cfg
}

// ChainedImputer fills missing cells one column at a time, conditioning each
// column on the predictors a mask allows. It owns a private normal stream so
// concurrent passes never share randomness.
type ChainedImputer struct {
	Mode    ImputationMode
	Penalty float64
	noise   distuv.Normal
}

// --- ERROR TAXONOMY ---

// SingularMatrixError reports a matrix that cannot be factorized or inverted.
// It is fatal for the run: without a valid covariance there is nothing to
// sample or estimate from.
type SingularMatrixError struct {
	Op  string
	Dim int
	err error
}

func (e *SingularMatrixError) Error() string {
	msg := fmt.Sprintf("%s: %dx%d matrix is singular or not positive definite", e.Op, e.Dim, e.Dim)
	if e.err != nil {
		msg += ": " + e.err.Error()
	}
	return msg
}

func (e *SingularMatrixError) Unwrap() error { return e.err }

// NonConvergentSolveError reports a failed regularized solve at one strength.
// It is recoverable: that strength is skipped and the sweep continues.
type NonConvergentSolveError struct {
	Rho    float64
	Sweeps int
	err    error
}

func (e *NonConvergentSolveError) Error() string {
	if e.err != nil {
		return fmt.Sprintf("regularized solve failed at rho=%g: %v", e.Rho, e.err)
	}
	return fmt.Sprintf("graphical lasso did not converge at rho=%g after %d sweeps", e.Rho, e.Sweeps)
}

func (e *NonConvergentSolveError) Unwrap() error { return e.err }

// DegenerateMaskError reports a predictor mask with no nonzero entries, which
// happens when every off-diagonal coefficient shrinks to zero at a high
// strength. Recoverable: the imputer falls back to unconditional per-column
// draws for that iteration.
type DegenerateMaskError struct {
	Iteration int
}

func (e *DegenerateMaskError) Error() string {
	return fmt.Sprintf("predictor mask has no nonzero entries (iteration %d)", e.Iteration)
}

// ImputationFailure reports a column the imputer could not complete, e.g. a
// rank-deficient conditioning set. The sweep retries the column once without
// predictor constraints before propagating it.
type ImputationFailure struct {
	Column int
	err    error
}

func (e *ImputationFailure) Error() string {
	return fmt.Sprintf("imputation failed for column %d: %v", e.Column, e.err)
}

func (e *ImputationFailure) Unwrap() error { return e.err }
