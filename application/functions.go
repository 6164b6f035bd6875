package main

import (
	"fmt"
	"math"
	"math/rand/v2"

	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/mat"
	"gonum.org/v1/gonum/stat/distmv"
	"gonum.org/v1/gonum/stat/distuv"
)

// offDiagCoupling is the precision-matrix entry tying each variable to its
// index neighbors in the simulated ground truth.
const offDiagCoupling = 0.5

// --- GROUND TRUTH AND SAMPLING ---

// BuildPrecisionModel constructs the p-variable ground truth: a precision
// matrix with ones on the diagonal and 0.5 at |i-j| = 1, plus its inverse as
// the sampling covariance. The banded structure keeps the matrix positive
// definite for every p.
func BuildPrecisionModel(p int) (*PrecisionModel, error) {
	if p < 2 {
		return nil, fmt.Errorf("precision model: need at least 2 variables, got %d", p)
	}
	omega := mat.NewSymDense(p, nil)
	for i := 0; i < p; i++ {
		omega.SetSym(i, i, 1)
		if i+1 < p {
			omega.SetSym(i, i+1, offDiagCoupling)
		}
	}
	var chol mat.Cholesky
	if !chol.Factorize(omega) {
		return nil, &SingularMatrixError{Op: "factorize precision matrix", Dim: p}
	}
	sigma := mat.NewSymDense(p, nil)
	if err := chol.InverseTo(sigma); err != nil {
		return nil, &SingularMatrixError{Op: "invert precision matrix", Dim: p, err: err}
	}
	return &PrecisionModel{Omega: omega, Sigma: sigma}, nil
}

// SampleDataset draws n rows from the model's zero-mean multivariate normal.
// The returned table is n x p with rows as observations.
func (m *PrecisionModel) SampleDataset(n int, src rand.Source) (*mat.Dense, error) {
	if n <= 0 {
		return nil, fmt.Errorf("sample dataset: need a positive sample count, got %d", n)
	}
	p := m.Sigma.SymmetricDim()
	normal, ok := distmv.NewNormal(make([]float64, p), m.Sigma, src)
	if !ok {
		return nil, &SingularMatrixError{Op: "factorize sampling covariance", Dim: p}
	}
	data := mat.NewDense(n, p, nil)
	row := make([]float64, p)
	for i := 0; i < n; i++ {
		normal.Rand(row)
		data.SetRow(i, row)
	}
	return data, nil
}

// TruthAdjacency binarizes the model's precision matrix into the 0/1 ground
// truth the evaluator scores against. The diagonal is zeroed unless
// includeDiagonal is set, since self-edges carry no dependence information.
func TruthAdjacency(m *PrecisionModel, includeDiagonal bool) *mat.Dense {
	p := m.Omega.SymmetricDim()
	truth := mat.NewDense(p, p, nil)
	for i := 0; i < p; i++ {
		for j := 0; j < p; j++ {
			if i == j {
				if includeDiagonal {
					truth.Set(i, j, 1)
				}
				continue
			}
			if math.Abs(m.Omega.At(i, j)) > 0 {
				truth.Set(i, j, 1)
			}
		}
	}
	return truth
}

// --- MISSINGNESS ---

// InjectMissing hides each cell of data independently with probability pi and
// returns a copy with NaN in the hidden cells plus the boolean mask of what
// was hidden. The input table is never modified and the mask is fixed for the
// rest of the run. pi must lie in [0, 1); pi = 0 yields an untouched copy.
func InjectMissing(data *mat.Dense, pi float64, src rand.Source) (*mat.Dense, [][]bool, error) {
	if data == nil {
		return nil, nil, fmt.Errorf("inject missing: no data table")
	}
	if pi < 0 || pi >= 1 {
		return nil, nil, fmt.Errorf("inject missing: probability %g outside [0, 1)", pi)
	}
	n, p := data.Dims()
	partial := mat.DenseCopyOf(data)
	mask := make([][]bool, n)
	bern := distuv.Bernoulli{P: pi, Src: src}
	for i := 0; i < n; i++ {
		mask[i] = make([]bool, p)
		for j := 0; j < p; j++ {
			if bern.Rand() == 1 {
				mask[i][j] = true
				partial.Set(i, j, math.NaN())
			}
		}
	}
	return partial, mask, nil
}

// --- REGULARIZATION PATH ---

// BuildRegularizationPath returns the evenly spaced strengths 0, step, ...,
// max used across the whole pipeline. The study default 0..10 at 0.05 gives
// 201 strengths.
func BuildRegularizationPath(max, step float64) []float64 {
	if max <= 0 || step <= 0 {
		max, step = 10, 0.05
	}
	count := int(math.Round(max/step)) + 1
	if count < 2 {
		return []float64{0, max}
	}
	return floats.Span(make([]float64, count), 0, max)
}

// --- GRAPHICAL LASSO ---

// GraphicalLasso estimates a sparse inverse covariance from S at strength rho
// by block coordinate descent: the working covariance starts at S + rho*I and
// each column is refreshed by a soft-thresholded lasso against the others
// until the off-diagonal updates settle. rho = 0 degenerates to a direct
// inverse of S. A solve that fails or exhausts its sweeps returns a
// NonConvergentSolveError so callers can skip that strength.
func GraphicalLasso(S *mat.SymDense, rho float64, opts GlassoOptions) (*mat.SymDense, error) {
	opts = opts.withDefaults()
	if S == nil {
		return nil, fmt.Errorf("graphical lasso: no covariance")
	}
	p := S.SymmetricDim()
	if p < 2 {
		return nil, fmt.Errorf("graphical lasso: need at least 2 variables, got %d", p)
	}
	if rho < 0 {
		return nil, fmt.Errorf("graphical lasso: negative strength %g", rho)
	}
	if rho == 0 {
		return invertCovariance(S)
	}

	// Working covariance, warm-started at S + rho*I. The diagonal is fixed.
	W := mat.NewDense(p, p, nil)
	for i := 0; i < p; i++ {
		for j := 0; j < p; j++ {
			W.Set(i, j, S.At(i, j))
		}
		W.Set(i, i, S.At(i, i)+rho)
	}
	// Column j of B holds the lasso coefficients of variable j on the rest.
	B := mat.NewDense(p, p, nil)

	// Convergence is judged against the off-diagonal scale of S.
	thresh := opts.ConvergenceTol * offDiagonalAbsMean(S)
	if thresh == 0 {
		thresh = opts.ConvergenceTol
	}

	converged := false
	for sweep := 0; sweep < opts.MaxSweeps && !converged; sweep++ {
		totalShift := 0.0
		for j := 0; j < p; j++ {
			lassoColumn(W, B, S, j, rho, opts)
			// Write w12 = W11 * beta back into row and column j.
			for k := 0; k < p; k++ {
				if k == j {
					continue
				}
				w := 0.0
				for l := 0; l < p; l++ {
					if l == j {
						continue
					}
					w += W.At(k, l) * B.At(l, j)
				}
				totalShift += math.Abs(w - W.At(k, j))
				W.Set(k, j, w)
				W.Set(j, k, w)
			}
		}
		if totalShift/float64(p*(p-1)) <= thresh {
			converged = true
		}
	}
	if !converged {
		return nil, &NonConvergentSolveError{Rho: rho, Sweeps: opts.MaxSweeps}
	}

	// Back out the precision estimate column by column:
	// theta_jj = 1/(w_jj - w12'beta_j), theta_12 = -theta_jj * beta_j.
	dense := mat.NewDense(p, p, nil)
	for j := 0; j < p; j++ {
		dot := 0.0
		for k := 0; k < p; k++ {
			if k != j {
				dot += W.At(k, j) * B.At(k, j)
			}
		}
		den := W.At(j, j) - dot
		if den <= 0 || math.IsNaN(den) {
			return nil, &NonConvergentSolveError{Rho: rho, Sweeps: opts.MaxSweeps}
		}
		tjj := 1 / den
		dense.Set(j, j, tjj)
		for k := 0; k < p; k++ {
			if k != j {
				dense.Set(k, j, -B.At(k, j)*tjj)
			}
		}
	}
	// The two column-wise values of each off-diagonal pair agree up to solver
	// noise; average them into a symmetric result.
	theta := mat.NewSymDense(p, nil)
	for i := 0; i < p; i++ {
		for j := i; j < p; j++ {
			theta.SetSym(i, j, 0.5*(dense.At(i, j)+dense.At(j, i)))
		}
	}
	return theta, nil
}

// lassoColumn runs the inner coordinate descent for column j: minimize
// 0.5*beta'W11*beta - beta's12 + rho*|beta|_1 over the coefficients in B[:,j].
func lassoColumn(W, B *mat.Dense, S *mat.SymDense, j int, rho float64, opts GlassoOptions) {
	p, _ := W.Dims()
	for it := 0; it < opts.LassoIterations; it++ {
		maxShift := 0.0
		for k := 0; k < p; k++ {
			if k == j {
				continue
			}
			r := S.At(k, j)
			for l := 0; l < p; l++ {
				if l == j || l == k {
					continue
				}
				r -= W.At(k, l) * B.At(l, j)
			}
			next := softThreshold(r, rho) / W.At(k, k)
			if shift := math.Abs(next - B.At(k, j)); shift > maxShift {
				maxShift = shift
			}
			B.Set(k, j, next)
		}
		if maxShift <= opts.LassoTol {
			break
		}
	}
}

// softThreshold is the lasso shrinkage operator sign(x)*max(|x|-lambda, 0).
func softThreshold(x, lambda float64) float64 {
	switch {
	case x > lambda:
		return x - lambda
	case x < -lambda:
		return x + lambda
	}
	return 0
}

// invertCovariance is the rho = 0 branch: a plain inverse of S, preferring the
// Cholesky route and falling back to a general inverse for indefinite input.
func invertCovariance(S *mat.SymDense) (*mat.SymDense, error) {
	p := S.SymmetricDim()
	var chol mat.Cholesky
	if chol.Factorize(S) {
		inv := mat.NewSymDense(p, nil)
		if err := chol.InverseTo(inv); err == nil {
			return inv, nil
		}
	}
	var inv mat.Dense
	if err := inv.Inverse(S); err != nil {
		return nil, &NonConvergentSolveError{Rho: 0, err: err}
	}
	sym := mat.NewSymDense(p, nil)
	for i := 0; i < p; i++ {
		for j := i; j < p; j++ {
			sym.SetSym(i, j, 0.5*(inv.At(i, j)+inv.At(j, i)))
		}
	}
	return sym, nil
}

func offDiagonalAbsMean(S *mat.SymDense) float64 {
	p := S.SymmetricDim()
	sum := 0.0
	for i := 0; i < p; i++ {
		for j := 0; j < p; j++ {
			if i != j {
				sum += math.Abs(S.At(i, j))
			}
		}
	}
	return sum / float64(p*(p-1))
}

// GraphicalLassoPath solves every strength of the path against the same
// covariance. Slot k of the estimates is nil exactly when slot k of the
// errors is non-nil; one failed strength never aborts the sweep.
func GraphicalLassoPath(S *mat.SymDense, path []float64, opts GlassoOptions) ([]*mat.SymDense, []error) {
	estimates := make([]*mat.SymDense, len(path))
	errs := make([]error, len(path))
	for k, rho := range path {
		estimates[k], errs[k] = GraphicalLasso(S, rho, opts)
	}
	return estimates, errs
}

// --- MODEL SELECTION ---

// SelectByBIC scores every estimate on the path with
//
//	logdet(Theta) - tr(S*Theta) - nnzOffDiag(Theta)*log(n)
//
// and returns the index picked by the configured rule together with the full
// score slice. Failed strengths (nil estimate, or one that cannot be
// factorized) score -Inf and are never selected. An error is returned only
// when no strength is scoreable at all.
func SelectByBIC(S *mat.SymDense, estimates []*mat.SymDense, n int, opts GlassoOptions) (int, []float64, error) {
	opts = opts.withDefaults()
	if S == nil {
		return 0, nil, fmt.Errorf("select strength: no covariance")
	}
	if n <= 0 {
		return 0, nil, fmt.Errorf("select strength: need a positive sample count, got %d", n)
	}
	p := S.SymmetricDim()
	logN := math.Log(float64(n))
	scores := make([]float64, len(estimates))
	best := -1
	for k, est := range estimates {
		scores[k] = math.Inf(-1)
		if est == nil || est.SymmetricDim() != p {
			continue
		}
		var chol mat.Cholesky
		if !chol.Factorize(est) {
			continue
		}
		fit := chol.LogDet() - traceProduct(S, est)
		scores[k] = fit - float64(nonzeroOffDiagonal(est, opts.ZeroTol))*logN
		if best == -1 {
			best = k
			continue
		}
		switch opts.Rule {
		case SelectMinScore:
			if scores[k] < scores[best] {
				best = k
			}
		default:
			if scores[k] > scores[best] {
				best = k
			}
		}
	}
	if best == -1 {
		return 0, scores, fmt.Errorf("select strength: no strength produced a scoreable estimate")
	}
	return best, scores, nil
}

// traceProduct computes tr(A*B) for symmetric A and B of equal order.
func traceProduct(a, b *mat.SymDense) float64 {
	p := a.SymmetricDim()
	sum := 0.0
	for i := 0; i < p; i++ {
		for j := 0; j < p; j++ {
			sum += a.At(i, j) * b.At(i, j)
		}
	}
	return sum
}

func nonzeroOffDiagonal(est *mat.SymDense, tol float64) int {
	p := est.SymmetricDim()
	count := 0
	for i := 0; i < p; i++ {
		for j := 0; j < p; j++ {
			if i != j && math.Abs(est.At(i, j)) > tol {
				count++
			}
		}
	}
	return count
}

// --- MASKS ---

// PredictorMaskFromEstimate binarizes a precision estimate into the 0/1
// predictor mask the imputer conditions on: entry (i, j) is 1 when variable j
// may predict variable i. The diagonal is always 0. Binarizing an already
// binary matrix reproduces it, so re-deriving a mask from itself is a no-op.
func PredictorMaskFromEstimate(est mat.Matrix, tol float64) (*mat.Dense, error) {
	if est == nil {
		return nil, fmt.Errorf("predictor mask: no estimate")
	}
	r, c := est.Dims()
	if r != c {
		return nil, fmt.Errorf("predictor mask: estimate must be square, got %dx%d", r, c)
	}
	mask := mat.NewDense(r, c, nil)
	for i := 0; i < r; i++ {
		for j := 0; j < c; j++ {
			if i != j && math.Abs(est.At(i, j)) > tol {
				mask.Set(i, j, 1)
			}
		}
	}
	return mask, nil
}

// binarizeMatrix maps |entry| > tol to 1, diagonal included. The voting stage
// uses it on precision estimates before counting agreement.
func binarizeMatrix(m mat.Matrix, tol float64) *mat.Dense {
	r, c := m.Dims()
	out := mat.NewDense(r, c, nil)
	for i := 0; i < r; i++ {
		for j := 0; j < c; j++ {
			if math.Abs(m.At(i, j)) > tol {
				out.Set(i, j, 1)
			}
		}
	}
	return out
}

// maskIsDegenerate reports whether a predictor mask allows no predictors at
// all. A nil mask means "unrestricted" and is not degenerate.
func maskIsDegenerate(mask *mat.Dense) bool {
	if mask == nil {
		return false
	}
	r, c := mask.Dims()
	for i := 0; i < r; i++ {
		for j := 0; j < c; j++ {
			if mask.At(i, j) != 0 {
				return false
			}
		}
	}
	return true
}
