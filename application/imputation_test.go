package main

import (
	"errors"
	"math"
	"math/rand/v2"
	"strings"
	"testing"

	"gonum.org/v1/gonum/mat"
)

// shortOptions is the test configuration: the study scenario shrunk to a
// 5-strength path so the guided passes stay fast.
func shortOptions() RunOptions {
	return RunOptions{
		Samples:         100,
		Variables:       20,
		MissingProb:     0.10,
		RhoMax:          2,
		RhoStep:         0.5,
		InnerIterations: 5,
		PassCount:       5,
		Runs:            1,
		Seed:            100,
	}
}

// makePartial samples one dataset from the banded truth and hides cells at the
// given rate, all from fixed seeds.
func makePartial(t *testing.T, n, p int, pi float64) (complete, partial *mat.Dense, miss [][]bool) {
	t.Helper()
	model, err := BuildPrecisionModel(p)
	if err != nil {
		t.Fatalf("BuildPrecisionModel returned error: %v", err)
	}
	complete, err = model.SampleDataset(n, rand.NewPCG(100, 100))
	if err != nil {
		t.Fatalf("SampleDataset returned error: %v", err)
	}
	partial, miss, err = InjectMissing(complete, pi, rand.NewPCG(101, 101))
	if err != nil {
		t.Fatalf("InjectMissing returned error: %v", err)
	}
	return complete, partial, miss
}

// --- Initial fill tests ---

// The mean fill writes each column's observed mean into that column's missing
// cells and leaves observed cells bit-identical.
func TestInitialFill_ObservedColumnMean(t *testing.T) {
	table := mat.NewDense(4, 2, []float64{
		1, 10,
		3, math.NaN(),
		math.NaN(), 30,
		5, math.NaN(),
	})
	miss := [][]bool{
		{false, false},
		{false, true},
		{true, false},
		{false, true},
	}

	imp := NewChainedImputer(ImputeNorm, 0, rand.NewPCG(1, 1))
	imp.InitialFill(table, miss)

	// Column 0: observed 1, 3, 5 -> mean 3 at row 2.
	if got := table.At(2, 0); !almostEqual(got, 3, 1e-12) {
		t.Errorf("filled cell (2,0) = %v, want 3", got)
	}
	// Column 1: observed 10, 30 -> mean 20 at rows 1 and 3.
	for _, i := range []int{1, 3} {
		if got := table.At(i, 1); !almostEqual(got, 20, 1e-12) {
			t.Errorf("filled cell (%d,1) = %v, want 20", i, got)
		}
	}
	if table.At(0, 0) != 1 || table.At(0, 1) != 10 || table.At(1, 0) != 3 {
		t.Errorf("observed cells were modified")
	}
}

// A column with nothing observed still gets filled (with zeros) so the first
// covariance estimate can be formed.
func TestInitialFill_AllMissingColumn(t *testing.T) {
	table := mat.NewDense(3, 2, []float64{
		1, math.NaN(),
		2, math.NaN(),
		3, math.NaN(),
	})
	miss := [][]bool{{false, true}, {false, true}, {false, true}}

	imp := NewChainedImputer(ImputeNorm, 0, rand.NewPCG(2, 2))
	imp.InitialFill(table, miss)
	for i := 0; i < 3; i++ {
		if got := table.At(i, 1); got != 0 {
			t.Errorf("all-missing column cell (%d,1) = %v, want 0", i, got)
		}
	}
}

// --- Sweep tests ---

// A sweep writes every originally missing cell and nothing else.
func TestSweep_WritesOnlyMissingCells(t *testing.T) {
	complete, partial, miss := makePartial(t, 60, 6, 0.2)

	working := mat.DenseCopyOf(partial)
	imp := NewChainedImputer(ImputeNorm, 0, rand.NewPCG(3, 3))
	imp.InitialFill(working, miss)
	if err := imp.Sweep(working, miss, nil); err != nil {
		t.Fatalf("Sweep returned error: %v", err)
	}

	for i := 0; i < 60; i++ {
		for j := 0; j < 6; j++ {
			got := working.At(i, j)
			if miss[i][j] {
				if math.IsNaN(got) {
					t.Errorf("missing cell (%d,%d) still NaN after sweep", i, j)
				}
				continue
			}
			if got != complete.At(i, j) {
				t.Errorf("observed cell (%d,%d) changed from %v to %v", i, j, complete.At(i, j), got)
			}
		}
	}
}

// Row j of the predictor mask gates which columns may predict variable j; a
// row with no allowed predictors degrades to unconditional draws but must
// still fill the column.
func TestSweep_RespectsPredictorMask(t *testing.T) {
	_, partial, miss := makePartial(t, 50, 4, 0.25)

	// Variable 0 may use only variable 2; variables 1-3 get no predictors.
	pmask := mat.NewDense(4, 4, nil)
	pmask.Set(0, 2, 1)

	working := mat.DenseCopyOf(partial)
	imp := NewChainedImputer(ImputeNorm, 0, rand.NewPCG(4, 4))
	imp.InitialFill(working, miss)
	if err := imp.Sweep(working, miss, pmask); err != nil {
		t.Fatalf("Sweep returned error: %v", err)
	}
	for i := 0; i < 50; i++ {
		for j := 0; j < 4; j++ {
			if math.IsNaN(working.At(i, j)) {
				t.Errorf("cell (%d,%d) left NaN under a restrictive mask", i, j)
			}
		}
	}
}

// A predictor carrying an infinity defeats both the masked fit and the
// unconstrained retry, so the sweep surfaces an ImputationFailure naming the
// broken column with the retry recorded in the chain. Observed cells stay
// untouched even then.
func TestSweep_RetryThenImputationFailure(t *testing.T) {
	n, p := 8, 3
	table := mat.NewDense(n, p, nil)
	miss := make([][]bool, n)
	for i := 0; i < n; i++ {
		miss[i] = make([]bool, p)
		x := float64(i)
		table.Set(i, 0, 1+2*x)
		table.Set(i, 1, x)
		table.Set(i, 2, 3-x)
	}
	miss[2][0] = true
	table.Set(2, 0, 0)           // seed value for the one missing cell
	table.Set(4, 1, math.Inf(1)) // observed but unusable predictor

	// Variable 0 may use only the broken predictor; the retry widens to all
	// predictors, which still include it.
	pmask := mat.NewDense(p, p, nil)
	pmask.Set(0, 1, 1)

	imp := NewChainedImputer(ImputeNorm, 0, rand.NewPCG(6, 6))
	err := imp.Sweep(table, miss, pmask)
	if err == nil {
		t.Fatalf("sweep succeeded against a non-finite predictor")
	}
	var impErr *ImputationFailure
	if !errors.As(err, &impErr) {
		t.Fatalf("error = %v (%T), want an ImputationFailure", err, err)
	}
	if impErr.Column != 0 {
		t.Errorf("failure names column %d, want 0", impErr.Column)
	}
	if !strings.Contains(err.Error(), "unconstrained retry") {
		t.Errorf("error %q does not record the retry", err)
	}
	if got := table.At(4, 1); !math.IsInf(got, 1) {
		t.Errorf("observed cell (4,1) changed to %v", got)
	}
}

func TestPredictorsFor(t *testing.T) {
	if got := predictorsFor(1, 4, nil); len(got) != 3 {
		t.Errorf("nil mask predictors = %v, want the 3 other columns", got)
	}
	pmask := mat.NewDense(4, 4, nil)
	pmask.Set(1, 0, 1)
	pmask.Set(1, 3, 1)
	got := predictorsFor(1, 4, pmask)
	if len(got) != 2 || got[0] != 0 || got[1] != 3 {
		t.Errorf("masked predictors = %v, want [0 3]", got)
	}
	// The variable itself is never its own predictor, whatever the mask says.
	pmask.Set(1, 1, 1)
	for _, k := range predictorsFor(1, 4, pmask) {
		if k == 1 {
			t.Errorf("variable 1 listed as its own predictor")
		}
	}
}

// --- Column fit tests ---

// Exact linear data y = 2 + 3x must be recovered by the least-squares fit.
func TestLeastSquaresFit_ExactLine(t *testing.T) {
	n := 10
	X := mat.NewDense(n, 1, nil)
	y := make([]float64, n)
	for i := 0; i < n; i++ {
		x := float64(i)
		X.Set(i, 0, x)
		y[i] = 2 + 3*x
	}
	beta, err := leastSquaresFit(X, y)
	if err != nil {
		t.Fatalf("leastSquaresFit returned error: %v", err)
	}
	if !almostEqual(beta[0], 2, 1e-8) || !almostEqual(beta[1], 3, 1e-8) {
		t.Errorf("beta = %v, want [2 3]", beta)
	}
}

// A constant regressor makes X'X singular; the SVD fallback must still return
// finite coefficients that reproduce the fitted values.
func TestLeastSquaresFit_SingularFallback(t *testing.T) {
	n := 8
	X := mat.NewDense(n, 2, nil)
	y := make([]float64, n)
	for i := 0; i < n; i++ {
		X.Set(i, 0, 1) // collinear with the intercept
		X.Set(i, 1, float64(i))
		y[i] = 5 + 2*float64(i)
	}
	beta, err := leastSquaresFit(X, y)
	if err != nil {
		t.Fatalf("leastSquaresFit returned error: %v", err)
	}
	for c, b := range beta {
		if math.IsNaN(b) || math.IsInf(b, 0) {
			t.Fatalf("beta[%d] = %v, want finite", c, b)
		}
	}
	for i := 0; i < n; i++ {
		fit := beta[0] + beta[1]*X.At(i, 0) + beta[2]*X.At(i, 1)
		if !almostEqual(fit, y[i], 1e-6) {
			t.Errorf("fitted[%d] = %v, want %v", i, fit, y[i])
		}
	}
}

// A penalty far above the signal scale shrinks every lasso coefficient to
// zero, leaving the intercept at the response mean.
func TestLassoFit_HeavyPenaltyKillsCoefficients(t *testing.T) {
	n := 12
	X := mat.NewDense(n, 2, nil)
	y := make([]float64, n)
	for i := 0; i < n; i++ {
		X.Set(i, 0, float64(i))
		X.Set(i, 1, float64(i*i))
		y[i] = 1 + 0.5*float64(i)
	}
	beta, err := lassoFit(X, y, 1e6)
	if err != nil {
		t.Fatalf("lassoFit returned error: %v", err)
	}
	muY := 0.0
	for _, v := range y {
		muY += v
	}
	muY /= float64(n)
	if !almostEqual(beta[0], muY, 1e-8) {
		t.Errorf("intercept = %v, want response mean %v", beta[0], muY)
	}
	if beta[1] != 0 || beta[2] != 0 {
		t.Errorf("coefficients = %v %v, want 0 0", beta[1], beta[2])
	}
}

// With a tiny penalty the lasso fit approaches the least-squares line.
func TestLassoFit_SmallPenaltyNearOLS(t *testing.T) {
	n := 20
	X := mat.NewDense(n, 1, nil)
	y := make([]float64, n)
	for i := 0; i < n; i++ {
		x := float64(i) / 2
		X.Set(i, 0, x)
		y[i] = 1 + 3*x
	}
	beta, err := lassoFit(X, y, 1e-6)
	if err != nil {
		t.Fatalf("lassoFit returned error: %v", err)
	}
	if !almostEqual(beta[0], 1, 1e-3) || !almostEqual(beta[1], 3, 1e-3) {
		t.Errorf("beta = %v, want approx [1 3]", beta)
	}
}

func TestCheckMask(t *testing.T) {
	if err := checkMask(nil, 1); err != nil {
		t.Errorf("nil mask flagged: %v", err)
	}
	ok := mat.NewDense(3, 3, nil)
	ok.Set(0, 1, 1)
	if err := checkMask(ok, 1); err != nil {
		t.Errorf("usable mask flagged: %v", err)
	}
	err := checkMask(mat.NewDense(3, 3, nil), 4)
	if err == nil {
		t.Fatalf("all-zero mask not flagged")
	}
	var maskErr *DegenerateMaskError
	if !errors.As(err, &maskErr) {
		t.Fatalf("error = %v (%T), want a DegenerateMaskError", err, err)
	}
	if maskErr.Iteration != 4 {
		t.Errorf("flagged iteration %d, want 4", maskErr.Iteration)
	}
}

// --- Guided pass tests ---

// The study scenario (p=20, n=100, pi=0.10, seed 100): a full guided pass must
// never alter an observed cell and must leave no NaN behind.
func TestRunImputationPass_ObservedInvariant(t *testing.T) {
	cfg := shortOptions()
	complete, partial, miss := makePartial(t, cfg.Samples, cfg.Variables, cfg.MissingProb)
	path := BuildRegularizationPath(cfg.RhoMax, cfg.RhoStep)

	res, err := RunImputationPass(partial, miss, path, cfg, rand.NewPCG(cfg.Seed, cfg.Seed))
	if err != nil {
		t.Fatalf("RunImputationPass returned error: %v", err)
	}

	n, p := res.Completed.Dims()
	if n != cfg.Samples || p != cfg.Variables {
		t.Fatalf("completed dims = %dx%d, want %dx%d", n, p, cfg.Samples, cfg.Variables)
	}
	for i := 0; i < n; i++ {
		for j := 0; j < p; j++ {
			got := res.Completed.At(i, j)
			if miss[i][j] {
				if math.IsNaN(got) {
					t.Errorf("missing cell (%d,%d) still NaN after the pass", i, j)
				}
				continue
			}
			if got != complete.At(i, j) {
				t.Errorf("observed cell (%d,%d) changed from %v to %v", i, j, complete.At(i, j), got)
			}
		}
	}
	if res.SelectedIndex < 0 || res.SelectedIndex >= len(path) {
		t.Errorf("SelectedIndex = %d, want a path index", res.SelectedIndex)
	}
	if !almostEqual(res.SelectedRho, path[res.SelectedIndex], 1e-12) {
		t.Errorf("SelectedRho = %v, path[%d] = %v", res.SelectedRho, res.SelectedIndex, path[res.SelectedIndex])
	}
	// The input must survive untouched: NaNs exactly where the mask says.
	for i := 0; i < n; i++ {
		for j := 0; j < p; j++ {
			if miss[i][j] != math.IsNaN(partial.At(i, j)) {
				t.Fatalf("partial table mutated at (%d,%d)", i, j)
			}
		}
	}
}

// --- Pseudo-complete set tests ---

// Same master seed, same set; different worker counts must not change the
// outcome because every pass owns a pre-derived stream.
func TestBuildPseudoCompleteSet_DeterministicAcrossWorkers(t *testing.T) {
	cfg := shortOptions()
	cfg.Variables = 8
	cfg.Samples = 60
	cfg.InnerIterations = 2
	cfg.PassCount = 3
	_, partial, miss := makePartial(t, cfg.Samples, cfg.Variables, cfg.MissingProb)
	path := BuildRegularizationPath(cfg.RhoMax, cfg.RhoStep)

	cfg.Workers = 1
	serial, err := BuildPseudoCompleteSet(partial, miss, path, cfg, 42)
	if err != nil {
		t.Fatalf("BuildPseudoCompleteSet returned error: %v", err)
	}
	cfg.Workers = 4
	pooled, err := BuildPseudoCompleteSet(partial, miss, path, cfg, 42)
	if err != nil {
		t.Fatalf("BuildPseudoCompleteSet returned error: %v", err)
	}

	if len(serial) != cfg.PassCount || len(pooled) != cfg.PassCount {
		t.Fatalf("set sizes %d/%d, want %d", len(serial), len(pooled), cfg.PassCount)
	}
	for b := range serial {
		if !mat.Equal(serial[b].Completed, pooled[b].Completed) {
			t.Errorf("pass %d differs between worker counts", b)
		}
		if serial[b].SelectedIndex != pooled[b].SelectedIndex {
			t.Errorf("pass %d selection differs: %d vs %d", b, serial[b].SelectedIndex, pooled[b].SelectedIndex)
		}
	}
}

// Passes within a set are independent draws: with missing cells present, at
// least two of them must disagree somewhere.
func TestBuildPseudoCompleteSet_PassesAreIndependent(t *testing.T) {
	cfg := shortOptions()
	cfg.Variables = 8
	cfg.Samples = 60
	cfg.InnerIterations = 2
	cfg.PassCount = 3
	_, partial, miss := makePartial(t, cfg.Samples, cfg.Variables, cfg.MissingProb)
	path := BuildRegularizationPath(cfg.RhoMax, cfg.RhoStep)

	set, err := BuildPseudoCompleteSet(partial, miss, path, cfg, 7)
	if err != nil {
		t.Fatalf("BuildPseudoCompleteSet returned error: %v", err)
	}
	allEqual := true
	for b := 1; b < len(set); b++ {
		if !mat.Equal(set[0].Completed, set[b].Completed) {
			allEqual = false
			break
		}
	}
	if allEqual {
		t.Errorf("all passes produced identical tables; streams look shared")
	}
}

// When passes fail, the reported pass must not depend on scheduling either:
// the set drains every outcome and surfaces the lowest failing index, so the
// error reads the same under any worker count.
func TestBuildPseudoCompleteSet_ReportsLowestFailingPass(t *testing.T) {
	n, p := 12, 3
	partial := mat.NewDense(n, p, nil)
	miss := make([][]bool, n)
	for i := 0; i < n; i++ {
		miss[i] = make([]bool, p)
		x := float64(i)
		partial.Set(i, 0, 0.5*x)
		partial.Set(i, 1, 2-x)
		partial.Set(i, 2, x*x/10)
	}
	miss[3][0] = true
	partial.Set(3, 0, math.NaN())
	partial.Set(5, 1, math.Inf(1)) // breaks every pass's seed sweep

	cfg := shortOptions()
	cfg.Samples, cfg.Variables = n, p
	cfg.PassCount = 5
	path := BuildRegularizationPath(cfg.RhoMax, cfg.RhoStep)

	cfg.Workers = 4
	_, pooledErr := BuildPseudoCompleteSet(partial, miss, path, cfg, 13)
	if pooledErr == nil {
		t.Fatalf("set built despite a non-finite predictor")
	}
	if !strings.HasPrefix(pooledErr.Error(), "pass 0:") {
		t.Errorf("pooled error = %q, want the lowest failing pass reported", pooledErr)
	}
	var impErr *ImputationFailure
	if !errors.As(pooledErr, &impErr) || impErr.Column != 0 {
		t.Errorf("error chain = %v, want an ImputationFailure for column 0", pooledErr)
	}

	cfg.Workers = 1
	_, serialErr := BuildPseudoCompleteSet(partial, miss, path, cfg, 13)
	if serialErr == nil || serialErr.Error() != pooledErr.Error() {
		t.Errorf("worker counts disagree: %q vs %q", serialErr, pooledErr)
	}
}

// The baselines run plain chained sweeps: tables complete, observed cells
// untouched, and no strength ever selected.
func TestBuildBaselineSet_CompletesWithoutSelection(t *testing.T) {
	cfg := shortOptions()
	cfg.Variables = 6
	cfg.Samples = 50
	cfg.InnerIterations = 2
	cfg.PassCount = 3
	complete, partial, miss := makePartial(t, cfg.Samples, cfg.Variables, cfg.MissingProb)

	for _, mode := range []ImputationMode{ImputeNorm, ImputeLasso} {
		set, err := BuildBaselineSet(partial, miss, cfg, mode, 9)
		if err != nil {
			t.Fatalf("BuildBaselineSet(mode=%d) returned error: %v", mode, err)
		}
		if len(set) != cfg.PassCount {
			t.Fatalf("set size = %d, want %d", len(set), cfg.PassCount)
		}
		for b, pass := range set {
			if pass.SelectedIndex != -1 || !math.IsNaN(pass.SelectedRho) {
				t.Errorf("baseline pass %d carries a selection (%d, %v)", b, pass.SelectedIndex, pass.SelectedRho)
			}
			for i := 0; i < cfg.Samples; i++ {
				for j := 0; j < cfg.Variables; j++ {
					got := pass.Completed.At(i, j)
					if miss[i][j] {
						if math.IsNaN(got) {
							t.Errorf("mode %d pass %d: cell (%d,%d) still NaN", mode, b, i, j)
						}
					} else if got != complete.At(i, j) {
						t.Errorf("mode %d pass %d: observed cell (%d,%d) changed", mode, b, i, j)
					}
				}
			}
		}
	}
}
