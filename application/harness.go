package main

import (
	"fmt"
	"log"
	"math"
	"math/rand/v2"
	"runtime"
	"sort"
	"sync"
	"time"

	"gonum.org/v1/gonum/integrate"
	"gonum.org/v1/gonum/mat"
	"gonum.org/v1/gonum/stat"
)

// --- MAJORITY VOTE ---

// VoteStructures produces one voted 0/1 structure per path strength. At each
// strength every completed table is solved at that fixed rho, the estimates
// are binarized, and a cell survives only when strictly more than half of the
// solved tables mark it nonzero. Slot k of the result is nil exactly when
// slot k of the errors is non-nil, which happens only if every table fails at
// that strength. Strengths are processed by a worker pool; slots are disjoint
// so no locking is needed.
func VoteStructures(tables []*mat.Dense, path []float64, cfg RunOptions) ([]*mat.Dense, []error) {
	cfg = cfg.withDefaults()
	voted := make([]*mat.Dense, len(path))
	errs := make([]error, len(path))
	if len(tables) == 0 {
		for k := range errs {
			errs[k] = fmt.Errorf("vote: no completed tables")
		}
		return voted, errs
	}

	covs := make([]*mat.SymDense, len(tables))
	for t, table := range tables {
		var cov mat.SymDense
		stat.CovarianceMatrix(&cov, table, nil)
		covs[t] = &cov
	}

	workers := cfg.Workers
	if workers <= 0 {
		workers = runtime.NumCPU()
	}
	if workers > len(path) {
		workers = len(path)
	}
	jobs := make(chan int)
	var wg sync.WaitGroup
	wg.Add(workers)
	for w := 0; w < workers; w++ {
		go func() {
			defer wg.Done()
			for k := range jobs {
				voted[k], errs[k] = voteAtStrength(covs, path[k], cfg)
			}
		}()
	}
	for k := range path {
		jobs <- k
	}
	close(jobs)
	wg.Wait()
	return voted, errs
}

// voteAtStrength solves every table's covariance at one fixed strength and
// votes over the binarized estimates. Tables whose solve fails at this
// strength drop out of the vote base.
func voteAtStrength(covs []*mat.SymDense, rho float64, cfg RunOptions) (*mat.Dense, error) {
	bins := make([]*mat.Dense, 0, len(covs))
	var firstErr error
	for _, cov := range covs {
		est, err := GraphicalLasso(cov, rho, cfg.Glasso)
		if err != nil {
			if firstErr == nil {
				firstErr = err
			}
			continue
		}
		bins = append(bins, binarizeMatrix(est, cfg.Glasso.ZeroTol))
	}
	if len(bins) == 0 {
		return nil, fmt.Errorf("vote at rho=%g: every solve failed: %w", rho, firstErr)
	}
	v := voteBinaries(bins)
	if cfg.VoteZeroDiagonal {
		p, _ := v.Dims()
		for i := 0; i < p; i++ {
			v.Set(i, i, 0)
		}
	}
	return v, nil
}

// voteBinaries keeps a cell only on a strict majority: an exact half split
// votes it out. With a single input the vote is the input.
func voteBinaries(bins []*mat.Dense) *mat.Dense {
	r, c := bins[0].Dims()
	need := len(bins)/2 + 1
	out := mat.NewDense(r, c, nil)
	for i := 0; i < r; i++ {
		for j := 0; j < c; j++ {
			count := 0
			for _, b := range bins {
				if b.At(i, j) != 0 {
					count++
				}
			}
			if count >= need {
				out.Set(i, j, 1)
			}
		}
	}
	return out
}

// --- EVALUATION ---

// EvaluateROC scores one binary structure per strength against the ground
// truth and returns the per-strength operating points sorted by ascending
// false positive rate, plus the trapezoidal area under the curve anchored at
// (0,0) and (1,1). Nil estimates (failed strengths) are skipped; the curve
// then simply carries fewer points. Only when nothing is scoreable does the
// evaluation fail. Diagonal cells are ignored unless includeDiagonal is set.
func EvaluateROC(estimates []*mat.Dense, truth *mat.Dense, path []float64, includeDiagonal bool) (ROCCurve, float64, error) {
	if truth == nil {
		return nil, 0, fmt.Errorf("evaluate: no ground truth")
	}
	if len(estimates) != len(path) {
		return nil, 0, fmt.Errorf("evaluate: %d estimates for %d strengths", len(estimates), len(path))
	}
	tr, tc := truth.Dims()
	if tr != tc {
		return nil, 0, fmt.Errorf("evaluate: ground truth must be square, got %dx%d", tr, tc)
	}

	curve := make(ROCCurve, 0, len(path))
	for k, est := range estimates {
		if est == nil {
			continue
		}
		er, ec := est.Dims()
		if er != tr || ec != tc {
			return nil, 0, fmt.Errorf("evaluate: estimate at rho=%g is %dx%d, truth is %dx%d", path[k], er, ec, tr, tc)
		}
		tp, fp, tn, fn := confusionCounts(est, truth, includeDiagonal)
		curve = append(curve, ROCPoint{
			Rho: path[k],
			FPR: safeRate(fp, fp+tn),
			TPR: safeRate(tp, tp+fn),
		})
	}
	if len(curve) == 0 {
		return nil, 0, fmt.Errorf("evaluate: no usable structure estimates")
	}

	sort.Slice(curve, func(i, j int) bool {
		if curve[i].FPR != curve[j].FPR {
			return curve[i].FPR < curve[j].FPR
		}
		return curve[i].TPR < curve[j].TPR
	})

	xs := make([]float64, 0, len(curve)+2)
	ys := make([]float64, 0, len(curve)+2)
	xs = append(xs, 0)
	ys = append(ys, 0)
	for _, pt := range curve {
		xs = append(xs, pt.FPR)
		ys = append(ys, pt.TPR)
	}
	xs = append(xs, 1)
	ys = append(ys, 1)
	return curve, integrate.Trapezoidal(xs, ys), nil
}

func confusionCounts(est, truth *mat.Dense, includeDiagonal bool) (tp, fp, tn, fn int) {
	r, c := truth.Dims()
	for i := 0; i < r; i++ {
		for j := 0; j < c; j++ {
			if i == j && !includeDiagonal {
				continue
			}
			predicted := est.At(i, j) != 0
			actual := truth.At(i, j) != 0
			switch {
			case predicted && actual:
				tp++
			case predicted && !actual:
				fp++
			case !predicted && actual:
				fn++
			default:
				tn++
			}
		}
	}
	return tp, fp, tn, fn
}

func safeRate(num, den int) float64 {
	if den == 0 {
		return 0
	}
	return float64(num) / float64(den)
}

// --- COMPARISON HARNESS ---

// RunComparison executes the full simulation study: cfg.Runs independent
// datasets, each pushed through every configured method, with per-phase
// timings and AUC logged per (run, method). A run that cannot even be set up
// (singular model, failed sampling) is logged and recorded as skipped for
// every method; a method failure skips only that cell. Summaries aggregate
// the completed records per method.
func RunComparison(cfg RunOptions) (*ComparisonResult, error) {
	cfg = cfg.withDefaults()
	path := BuildRegularizationPath(cfg.RhoMax, cfg.RhoStep)
	master := rand.New(rand.NewPCG(cfg.Seed, cfg.Seed))
	res := &ComparisonResult{Path: path, Curves: make(map[string]ROCCurve)}

	for run := 0; run < cfg.Runs; run++ {
		runSrc := rand.NewPCG(master.Uint64(), master.Uint64())

		model, err := BuildPrecisionModel(cfg.Variables)
		if err != nil {
			skipRun(res, cfg, run, "structure", err)
			continue
		}
		complete, err := model.SampleDataset(cfg.Samples, runSrc)
		if err != nil {
			skipRun(res, cfg, run, "sample", err)
			continue
		}
		partial, miss, err := InjectMissing(complete, cfg.MissingProb, runSrc)
		if err != nil {
			skipRun(res, cfg, run, "inject", err)
			continue
		}
		truth := TruthAdjacency(model, cfg.EvalIncludeDiagonal)

		for _, method := range cfg.Methods {
			methodSeed := master.Uint64()
			rec, curve := runMethod(run, method, complete, partial, miss, truth, path, cfg, methodSeed)
			res.Records = append(res.Records, rec)
			if rec.Status == StatusOK {
				res.Curves[method.String()] = curve
				log.Printf("run %d %s: AUC %.4f (impute %v, vote %v, eval %v)",
					run, method, rec.AUC, rec.ImputeTime.Round(time.Millisecond),
					rec.VoteTime.Round(time.Millisecond), rec.EvalTime.Round(time.Millisecond))
			} else {
				log.Printf("run %d %s: skipped in %s phase: %s", run, method, rec.Phase, rec.Err)
			}
		}
	}

	res.Summaries = SummarizeRuns(res.Records)
	return res, nil
}

func skipRun(res *ComparisonResult, cfg RunOptions, run int, phase string, err error) {
	log.Printf("run %d skipped in %s phase: %v", run, phase, err)
	for _, method := range cfg.Methods {
		res.Records = append(res.Records, RunRecord{
			Run:         run,
			Method:      method.String(),
			Status:      StatusSkipped,
			Phase:       phase,
			SelectedRho: math.NaN(),
			AUC:         math.NaN(),
			Err:         err.Error(),
		})
	}
}

// runMethod pushes one dataset through one strategy: build the completed
// tables, vote them into per-strength structures, score against the truth.
func runMethod(run int, method MethodKind, complete, partial *mat.Dense, miss [][]bool, truth *mat.Dense, path []float64, cfg RunOptions, seed uint64) (RunRecord, ROCCurve) {
	rec := RunRecord{
		Run:         run,
		Method:      method.String(),
		Status:      StatusOK,
		SelectedRho: math.NaN(),
		AUC:         math.NaN(),
	}

	var tables []*mat.Dense
	start := time.Now()
	switch method {
	case MethodGlassoVote:
		set, err := BuildPseudoCompleteSet(partial, miss, path, cfg, seed)
		if err != nil {
			return skipped(rec, "impute", err, time.Since(start)), nil
		}
		tables = completedTables(set)
		rec.SelectedRho = consensusRho(set, path)
	case MethodChainedDefault:
		set, err := BuildBaselineSet(partial, miss, cfg, ImputeNorm, seed)
		if err != nil {
			return skipped(rec, "impute", err, time.Since(start)), nil
		}
		tables = completedTables(set)
	case MethodChainedLasso:
		set, err := BuildBaselineSet(partial, miss, cfg, ImputeLasso, seed)
		if err != nil {
			return skipped(rec, "impute", err, time.Since(start)), nil
		}
		tables = completedTables(set)
	case MethodSingle:
		pass, err := RunImputationPass(partial, miss, path, cfg, rand.NewPCG(seed, seed))
		if err != nil {
			return skipped(rec, "impute", err, time.Since(start)), nil
		}
		tables = []*mat.Dense{pass.Completed}
		if pass.SelectedIndex >= 0 {
			rec.SelectedRho = pass.SelectedRho
		}
	case MethodCompleteData:
		// No imputation; sweep the table the missingness was cut from.
		tables = []*mat.Dense{complete}
	default:
		return skipped(rec, "impute", fmt.Errorf("unknown method %v", method), time.Since(start)), nil
	}
	rec.ImputeTime = time.Since(start)

	start = time.Now()
	voted, voteErrs := VoteStructures(tables, path, cfg)
	rec.VoteTime = time.Since(start)
	for k, err := range voteErrs {
		if err != nil {
			log.Printf("run %d %s: strength rho=%g dropped: %v", run, method, path[k], err)
		}
	}

	start = time.Now()
	curve, auc, err := EvaluateROC(voted, truth, path, cfg.EvalIncludeDiagonal)
	rec.EvalTime = time.Since(start)
	if err != nil {
		return skipped(rec, "evaluate", err, rec.EvalTime), nil
	}
	rec.AUC = auc
	return rec, curve
}

func skipped(rec RunRecord, phase string, err error, elapsed time.Duration) RunRecord {
	rec.Status = StatusSkipped
	rec.Phase = phase
	rec.Err = err.Error()
	switch phase {
	case "impute":
		rec.ImputeTime = elapsed
	case "evaluate":
		rec.EvalTime = elapsed
	}
	return rec
}

func completedTables(set []PassResult) []*mat.Dense {
	tables := make([]*mat.Dense, len(set))
	for i, pass := range set {
		tables[i] = pass.Completed
	}
	return tables
}

// consensusRho is the strength most passes settled on; ties break toward the
// smaller strength. NaN when no pass made a selection.
func consensusRho(set []PassResult, path []float64) float64 {
	counts := make(map[int]int)
	for _, pass := range set {
		if pass.SelectedIndex >= 0 {
			counts[pass.SelectedIndex]++
		}
	}
	best, bestCount := -1, 0
	for k := range path {
		if counts[k] > bestCount {
			best, bestCount = k, counts[k]
		}
	}
	if best < 0 {
		return math.NaN()
	}
	return path[best]
}

// SummarizeRuns aggregates records per method in first-appearance order.
// Skipped records are counted but never pollute the means; a method with one
// completed run reports a zero standard deviation.
func SummarizeRuns(records []RunRecord) []MethodSummary {
	var order []string
	aucs := make(map[string][]float64)
	sums := make(map[string]*MethodSummary)
	var imputeTotal, voteTotal, evalTotal map[string]time.Duration
	imputeTotal = make(map[string]time.Duration)
	voteTotal = make(map[string]time.Duration)
	evalTotal = make(map[string]time.Duration)

	for _, rec := range records {
		s, seen := sums[rec.Method]
		if !seen {
			s = &MethodSummary{Method: rec.Method}
			sums[rec.Method] = s
			order = append(order, rec.Method)
		}
		if rec.Status != StatusOK {
			s.Skipped++
			continue
		}
		s.Completed++
		aucs[rec.Method] = append(aucs[rec.Method], rec.AUC)
		imputeTotal[rec.Method] += rec.ImputeTime
		voteTotal[rec.Method] += rec.VoteTime
		evalTotal[rec.Method] += rec.EvalTime
	}

	out := make([]MethodSummary, 0, len(order))
	for _, name := range order {
		s := sums[name]
		if s.Completed > 0 {
			vals := aucs[name]
			s.MeanAUC = stat.Mean(vals, nil)
			if len(vals) > 1 {
				s.StdAUC = stat.StdDev(vals, nil)
			}
			n := time.Duration(s.Completed)
			s.MeanImpute = imputeTotal[name] / n
			s.MeanVote = voteTotal[name] / n
			s.MeanEval = evalTotal[name] / n
		} else {
			s.MeanAUC = math.NaN()
			s.StdAUC = math.NaN()
		}
		out = append(out, *s)
	}
	return out
}

// --- SINGLE-DATASET RECOVERY ---

// RecoverAdjacency runs the full guided pipeline against one partial table
// (typically loaded from CSV) and returns the voted structure at the
// consensus strength together with that strength. Used when there is no
// ground truth to sweep an ROC against.
func RecoverAdjacency(partial *mat.Dense, miss [][]bool, path []float64, cfg RunOptions) (*mat.Dense, float64, error) {
	cfg = cfg.withDefaults()
	set, err := BuildPseudoCompleteSet(partial, miss, path, cfg, cfg.Seed)
	if err != nil {
		return nil, 0, err
	}
	rho := consensusRho(set, path)
	if math.IsNaN(rho) {
		return nil, 0, fmt.Errorf("recover adjacency: no pass selected a strength")
	}
	idx := 0
	for k, r := range path {
		if r == rho {
			idx = k
			break
		}
	}
	voted, errs := VoteStructures(completedTables(set), path, cfg)
	if voted[idx] == nil {
		return nil, 0, fmt.Errorf("recover adjacency: consensus strength rho=%g unsolvable: %w", rho, errs[idx])
	}
	return voted[idx], rho, nil
}
