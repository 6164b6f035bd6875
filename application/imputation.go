package main

import (
	"errors"
	"fmt"
	"log"
	"math"
	"math/rand/v2"
	"runtime"
	"sync"

	"gonum.org/v1/gonum/mat"
	"gonum.org/v1/gonum/stat"
	"gonum.org/v1/gonum/stat/distuv"
)

const (
	lassoFitIterations = 100
	lassoFitTol        = 1e-4
)

// NewChainedImputer builds an imputer with its own normal stream. penalty
// only matters for ImputeLasso and falls back to 0.1 when unset.
func NewChainedImputer(mode ImputationMode, penalty float64, src rand.Source) *ChainedImputer {
	if penalty <= 0 {
		penalty = 0.1
	}
	return &ChainedImputer{
		Mode:    mode,
		Penalty: penalty,
		noise:   distuv.Normal{Mu: 0, Sigma: 1, Src: src},
	}
}

// InitialFill seeds every missing cell with its column's observed mean so the
// first sweep starts from a complete table. Columns with nothing observed are
// seeded with zero. Observed cells are never touched.
func (imp *ChainedImputer) InitialFill(table *mat.Dense, miss [][]bool) {
	n, p := table.Dims()
	for j := 0; j < p; j++ {
		sum, count := 0.0, 0
		for i := 0; i < n; i++ {
			if !miss[i][j] {
				sum += table.At(i, j)
				count++
			}
		}
		mu := 0.0
		if count > 0 {
			mu = sum / float64(count)
		}
		for i := 0; i < n; i++ {
			if miss[i][j] {
				table.Set(i, j, mu)
			}
		}
	}
}

// Sweep re-imputes every originally missing cell column by column, each
// column conditioned on the predictors pmask allows (row j of pmask marks the
// predictors of variable j; nil means all predictors). A column whose fit
// fails is retried once without predictor constraints before the sweep gives
// up. The table is modified in place; observed cells are never written.
func (imp *ChainedImputer) Sweep(table *mat.Dense, miss [][]bool, pmask *mat.Dense) error {
	n, p := table.Dims()
	if len(miss) != n {
		return fmt.Errorf("sweep: mask has %d rows, table has %d", len(miss), n)
	}
	for j := 0; j < p; j++ {
		preds := predictorsFor(j, p, pmask)
		err := imp.imputeColumn(table, miss, j, preds)
		if err == nil {
			continue
		}
		var impErr *ImputationFailure
		if !errors.As(err, &impErr) {
			return err
		}
		full := predictorsFor(j, p, nil)
		if len(preds) == len(full) {
			return err
		}
		if err := imp.imputeColumn(table, miss, j, full); err != nil {
			return fmt.Errorf("unconstrained retry: %w", err)
		}
	}
	return nil
}

// imputeColumn refits column j on its allowed predictors over the observed
// rows and redraws the missing rows from the fit plus residual noise. With no
// usable predictors the fill degrades to unconditional draws around the
// observed mean.
func (imp *ChainedImputer) imputeColumn(table *mat.Dense, miss [][]bool, j int, preds []int) error {
	n, _ := table.Dims()
	var obsRows, missRows []int
	for i := 0; i < n; i++ {
		if miss[i][j] {
			missRows = append(missRows, i)
		} else {
			obsRows = append(obsRows, i)
		}
	}
	if len(missRows) == 0 {
		return nil
	}
	if len(obsRows) == 0 {
		// Nothing observed in the column at all; draw standard normals.
		for _, i := range missRows {
			table.Set(i, j, imp.noise.Rand())
		}
		return nil
	}
	if len(preds) == 0 {
		mu, sd := columnMoments(table, obsRows, j)
		for _, i := range missRows {
			table.Set(i, j, mu+sd*imp.noise.Rand())
		}
		return nil
	}

	X := mat.NewDense(len(obsRows), len(preds), nil)
	y := make([]float64, len(obsRows))
	for r, i := range obsRows {
		y[r] = table.At(i, j)
		for c, k := range preds {
			X.Set(r, c, table.At(i, k))
		}
	}

	var beta []float64
	var err error
	switch imp.Mode {
	case ImputeLasso:
		beta, err = lassoFit(X, y, imp.Penalty)
	default:
		beta, err = leastSquaresFit(X, y)
	}
	if err != nil {
		return &ImputationFailure{Column: j, err: err}
	}
	for _, b := range beta {
		if math.IsNaN(b) || math.IsInf(b, 0) {
			return &ImputationFailure{Column: j, err: fmt.Errorf("non-finite coefficients")}
		}
	}

	rss := 0.0
	for r, i := range obsRows {
		d := y[r] - predictAt(table, i, preds, beta)
		rss += d * d
	}
	dof := len(obsRows) - (len(preds) + 1)
	if dof <= 0 {
		dof = len(obsRows)
	}
	sd := math.Sqrt(rss / float64(dof))
	if math.IsNaN(sd) || math.IsInf(sd, 0) {
		sd = 0
	}
	for _, i := range missRows {
		table.Set(i, j, predictAt(table, i, preds, beta)+sd*imp.noise.Rand())
	}
	return nil
}

// predictAt evaluates the fitted column model at row i. beta holds the
// intercept first, then one coefficient per predictor in preds order.
func predictAt(table *mat.Dense, i int, preds []int, beta []float64) float64 {
	v := beta[0]
	for m, k := range preds {
		v += beta[m+1] * table.At(i, k)
	}
	return v
}

// predictorsFor lists the predictor columns of variable j: everything except
// j itself when pmask is nil, otherwise the columns row j of pmask marks.
func predictorsFor(j, p int, pmask *mat.Dense) []int {
	preds := make([]int, 0, p-1)
	for k := 0; k < p; k++ {
		if k == j {
			continue
		}
		if pmask == nil || pmask.At(j, k) != 0 {
			preds = append(preds, k)
		}
	}
	return preds
}

func columnMoments(table *mat.Dense, rows []int, j int) (mu, sd float64) {
	vals := make([]float64, len(rows))
	for r, i := range rows {
		vals[r] = table.At(i, j)
	}
	mu = stat.Mean(vals, nil)
	if len(vals) > 1 {
		sd = stat.StdDev(vals, nil)
	}
	return mu, sd
}

// leastSquaresFit solves the intercept-augmented normal equations for one
// column, falling back to a minimum-norm SVD solve when X'X is too close to
// singular to invert.
func leastSquaresFit(X *mat.Dense, y []float64) ([]float64, error) {
	n, k := X.Dims()
	design := mat.NewDense(n, k+1, nil)
	for i := 0; i < n; i++ {
		design.Set(i, 0, 1)
		for c := 0; c < k; c++ {
			design.Set(i, c+1, X.At(i, c))
		}
	}
	Y := mat.NewDense(n, 1, y)

	var beta mat.Dense
	var xtx, xtxInv mat.Dense
	xtx.Mul(design.T(), design)
	if err := xtxInv.Inverse(&xtx); err == nil {
		var xty mat.Dense
		xty.Mul(design.T(), Y)
		beta.Mul(&xtxInv, &xty)
	} else {
		var svd mat.SVD
		if !svd.Factorize(design, mat.SVDThin) {
			return nil, fmt.Errorf("SVD factorization failed")
		}
		svd.SolveTo(&beta, Y, svd.Rank(1e-12))
	}

	out := make([]float64, k+1)
	for c := 0; c <= k; c++ {
		out[c] = beta.At(c, 0)
	}
	return out, nil
}

// lassoFit runs coordinate descent on the standardized predictors and maps
// the solution back to the original scale, intercept included. Constant
// predictor columns simply keep a zero coefficient.
func lassoFit(X *mat.Dense, y []float64, lambda float64) ([]float64, error) {
	n, k := X.Dims()
	muX := make([]float64, k)
	sdX := make([]float64, k)
	Z := mat.NewDense(n, k, nil)
	col := make([]float64, n)
	for c := 0; c < k; c++ {
		mat.Col(col, c, X)
		muX[c] = stat.Mean(col, nil)
		sd := stat.StdDev(col, nil)
		if math.IsNaN(sd) || sd == 0 {
			sd = 1
		}
		sdX[c] = sd
		for i := 0; i < n; i++ {
			Z.Set(i, c, (col[i]-muX[c])/sd)
		}
	}
	muY := stat.Mean(y, nil)
	resid := make([]float64, n)
	for i := range resid {
		resid[i] = y[i] - muY
	}
	colSq := make([]float64, k)
	for c := 0; c < k; c++ {
		s := 0.0
		for i := 0; i < n; i++ {
			z := Z.At(i, c)
			s += z * z
		}
		colSq[c] = s / float64(n)
	}

	b := make([]float64, k)
	for it := 0; it < lassoFitIterations; it++ {
		maxShift := 0.0
		for c := 0; c < k; c++ {
			if colSq[c] == 0 {
				continue
			}
			v := 0.0
			for i := 0; i < n; i++ {
				v += Z.At(i, c) * resid[i]
			}
			v = v/float64(n) + colSq[c]*b[c]
			next := softThreshold(v, lambda) / colSq[c]
			if next != b[c] {
				d := next - b[c]
				for i := 0; i < n; i++ {
					resid[i] -= Z.At(i, c) * d
				}
				if shift := math.Abs(d); shift > maxShift {
					maxShift = shift
				}
				b[c] = next
			}
		}
		if maxShift <= lassoFitTol {
			break
		}
	}

	out := make([]float64, k+1)
	out[0] = muY
	for c := 0; c < k; c++ {
		coef := b[c] / sdX[c]
		out[c+1] = coef
		out[0] -= coef * muX[c]
	}
	return out, nil
}

// checkMask surfaces an all-zero predictor mask as a DegenerateMaskError so
// the caller can log the fallback. The sweep itself already copes: a row with
// no allowed predictors degrades to unconditional draws.
func checkMask(pmask *mat.Dense, iteration int) error {
	if pmask == nil || !maskIsDegenerate(pmask) {
		return nil
	}
	return &DegenerateMaskError{Iteration: iteration}
}

// estimateMask sweeps the regularization path against the covariance of the
// current completed table, picks a strength by BIC, and binarizes the winning
// estimate into the next predictor mask.
func estimateMask(working *mat.Dense, path []float64, cfg RunOptions) (*mat.Dense, int, error) {
	n, _ := working.Dims()
	var cov mat.SymDense
	stat.CovarianceMatrix(&cov, working, nil)
	estimates, _ := GraphicalLassoPath(&cov, path, cfg.Glasso)
	idx, _, err := SelectByBIC(&cov, estimates, n, cfg.Glasso)
	if err != nil {
		return nil, -1, err
	}
	pmask, err := PredictorMaskFromEstimate(estimates[idx], cfg.Glasso.ZeroTol)
	if err != nil {
		return nil, -1, err
	}
	return pmask, idx, nil
}

// RunImputationPass produces one pseudo-complete table from a partial one:
// mean-fill, one unrestricted seed sweep, then cfg.InnerIterations rounds of
// mask-guided re-imputation alternating with a fresh path sweep and BIC
// selection. The partial table is never modified; every pass restarts from
// it. The returned result carries the strength the final selection settled
// on.
func RunImputationPass(partial *mat.Dense, miss [][]bool, path []float64, cfg RunOptions, src rand.Source) (PassResult, error) {
	cfg = cfg.withDefaults()
	if partial == nil {
		return PassResult{}, fmt.Errorf("imputation pass: no data table")
	}
	n, _ := partial.Dims()
	if len(miss) != n {
		return PassResult{}, fmt.Errorf("imputation pass: mask has %d rows, table has %d", len(miss), n)
	}
	if len(path) == 0 {
		return PassResult{}, fmt.Errorf("imputation pass: empty regularization path")
	}

	working := mat.DenseCopyOf(partial)
	imp := NewChainedImputer(ImputeNorm, cfg.LassoPenalty, src)
	imp.InitialFill(working, miss)
	if err := imp.Sweep(working, miss, nil); err != nil {
		return PassResult{}, fmt.Errorf("seed imputation: %w", err)
	}
	pmask, selected, err := estimateMask(working, path, cfg)
	if err != nil {
		return PassResult{}, fmt.Errorf("initial structure estimate: %w", err)
	}

	for it := 1; it <= cfg.InnerIterations; it++ {
		if err := checkMask(pmask, it); err != nil {
			log.Printf("imputation pass: %v; falling back to unconditional draws", err)
		}
		if err := imp.Sweep(working, miss, pmask); err != nil {
			return PassResult{}, fmt.Errorf("iteration %d: %w", it, err)
		}
		pmask, selected, err = estimateMask(working, path, cfg)
		if err != nil {
			return PassResult{}, fmt.Errorf("iteration %d structure estimate: %w", it, err)
		}
	}
	return PassResult{Completed: working, SelectedIndex: selected, SelectedRho: path[selected]}, nil
}

type passOutcome struct {
	pass int
	res  PassResult
	err  error
}

// runPasses fans count passes out over a small worker pool. Each pass gets a
// private generator seeded ahead of time, so results depend only on the
// master seed, never on scheduling or worker count. A failed set reports the
// lowest failing pass index for the same reason.
func runPasses(count, workers int, seeds [][2]uint64, passFn func(pass int, src rand.Source) (PassResult, error)) ([]PassResult, error) {
	if workers <= 0 {
		workers = runtime.NumCPU()
	}
	if workers > count {
		workers = count
	}
	jobs := make(chan int)
	results := make(chan passOutcome, count)
	var wg sync.WaitGroup
	wg.Add(workers)
	for w := 0; w < workers; w++ {
		go func() {
			defer wg.Done()
			for b := range jobs {
				res, err := passFn(b, rand.NewPCG(seeds[b][0], seeds[b][1]))
				results <- passOutcome{pass: b, res: res, err: err}
			}
		}()
	}
	go func() {
		for b := 0; b < count; b++ {
			jobs <- b
		}
		close(jobs)
	}()

	out := make([]PassResult, count)
	failed := -1
	var passErr error
	for i := 0; i < count; i++ {
		r := <-results
		if r.err != nil && (failed == -1 || r.pass < failed) {
			failed, passErr = r.pass, r.err
		}
		out[r.pass] = r.res
	}
	wg.Wait()
	if failed != -1 {
		return nil, fmt.Errorf("pass %d: %w", failed, passErr)
	}
	return out, nil
}

func derivePassSeeds(masterSeed uint64, count int) [][2]uint64 {
	master := rand.New(rand.NewPCG(masterSeed, masterSeed))
	seeds := make([][2]uint64, count)
	for i := range seeds {
		seeds[i] = [2]uint64{master.Uint64(), master.Uint64()}
	}
	return seeds
}

// BuildPseudoCompleteSet runs cfg.PassCount independent guided imputation
// passes against the same partial table and returns them in pass order. Any
// failed pass fails the whole set; the caller records the run as skipped.
func BuildPseudoCompleteSet(partial *mat.Dense, miss [][]bool, path []float64, cfg RunOptions, masterSeed uint64) ([]PassResult, error) {
	cfg = cfg.withDefaults()
	seeds := derivePassSeeds(masterSeed, cfg.PassCount)
	return runPasses(cfg.PassCount, cfg.Workers, seeds, func(pass int, src rand.Source) (PassResult, error) {
		return RunImputationPass(partial, miss, path, cfg, src)
	})
}

// BuildBaselineSet is the unguided counterpart: cfg.PassCount passes of plain
// chained-equation imputation (norm or lasso column fits) with no sparsity
// guidance and no strength selection.
func BuildBaselineSet(partial *mat.Dense, miss [][]bool, cfg RunOptions, mode ImputationMode, masterSeed uint64) ([]PassResult, error) {
	cfg = cfg.withDefaults()
	n, _ := partial.Dims()
	if len(miss) != n {
		return nil, fmt.Errorf("baseline set: mask has %d rows, table has %d", len(miss), n)
	}
	seeds := derivePassSeeds(masterSeed, cfg.PassCount)
	return runPasses(cfg.PassCount, cfg.Workers, seeds, func(pass int, src rand.Source) (PassResult, error) {
		working := mat.DenseCopyOf(partial)
		imp := NewChainedImputer(mode, cfg.LassoPenalty, src)
		imp.InitialFill(working, miss)
		for it := 1; it <= cfg.InnerIterations; it++ {
			if err := imp.Sweep(working, miss, nil); err != nil {
				return PassResult{}, fmt.Errorf("sweep %d: %w", it, err)
			}
		}
		return PassResult{Completed: working, SelectedIndex: -1, SelectedRho: math.NaN()}, nil
	})
}
