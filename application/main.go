package main

import (
	"flag"
	"fmt"
	"log"
	"os"
	"path/filepath"
)

func main() {
	n := flag.Int("n", 100, "samples per simulated dataset")
	p := flag.Int("p", 20, "variables per dataset")
	pi := flag.Float64("pi", 0.10, "probability a cell goes missing")
	rhoMax := flag.Float64("rho-max", 10.0, "largest regularization strength on the path")
	rhoStep := flag.Float64("rho-step", 0.05, "spacing between path strengths")
	inner := flag.Int("inner", 5, "imputation iterations per pass")
	passes := flag.Int("passes", 5, "independent imputation passes per run")
	runs := flag.Int("runs", 10, "number of simulation runs")
	seed := flag.Uint64("seed", 100, "master random seed (0 = time-based)")
	workers := flag.Int("workers", 0, "worker goroutines for pools (0 = NumCPU)")
	lassoPenalty := flag.Float64("lasso-penalty", 0.1, "penalty for the lasso imputation baseline")
	methods := flag.String("methods", "glasso-vote,chained-default,chained-lasso,single,complete-data",
		"comma-separated methods to compare")
	outDir := flag.String("out", "output", "directory for CSV and plot output")
	dataPath := flag.String("data", "",
		"optional CSV with NA cells; recovers structure from it instead of simulating")
	scoreMin := flag.Bool("score-min", false, "pick the minimum BIC score instead of the maximum")
	voteZeroDiag := flag.Bool("vote-zero-diag", false, "zero the diagonal of voted structures")
	evalDiag := flag.Bool("eval-diag", false, "score diagonal cells against ground truth too")
	flag.Parse()

	// 1. Assemble the configuration
	methodList, err := ParseMethods(*methods)
	if err != nil {
		log.Fatalf("parse methods: %v", err)
	}
	cfg := RunOptions{
		Samples:             *n,
		Variables:           *p,
		MissingProb:         *pi,
		RhoMax:              *rhoMax,
		RhoStep:             *rhoStep,
		InnerIterations:     *inner,
		PassCount:           *passes,
		Runs:                *runs,
		Seed:                *seed,
		Workers:             *workers,
		LassoPenalty:        *lassoPenalty,
		VoteZeroDiagonal:    *voteZeroDiag,
		EvalIncludeDiagonal: *evalDiag,
		Methods:             methodList,
	}
	if *scoreMin {
		cfg.Glasso.Rule = SelectMinScore
	}

	// 2. Prepare the output directory
	if err := os.MkdirAll(*outDir, 0o755); err != nil {
		log.Fatalf("create output directory: %v", err)
	}

	// 3. Real-data mode: recover one structure from a CSV with NA cells
	if *dataPath != "" {
		fmt.Printf("Recovering structure from %s\n", *dataPath)
		table, miss, names, err := LoadCSVDataTable(*dataPath)
		if err != nil {
			log.Fatalf("load data: %v", err)
		}
		rows, cols := table.Dims()
		fmt.Printf("Loaded %d rows x %d variables\n", rows, cols)

		path := BuildRegularizationPath(cfg.RhoMax, cfg.RhoStep)
		adj, rho, err := RecoverAdjacency(table, miss, path, cfg)
		if err != nil {
			log.Fatalf("recover adjacency: %v", err)
		}
		PrintAdjacency(adj, rho)

		adjPath := filepath.Join(*outDir, "adjacency.csv")
		if err := WriteAdjacencyCSV(adjPath, adj, names); err != nil {
			log.Fatalf("write adjacency: %v", err)
		}
		fmt.Printf("\nVoted structure written to %s\n", adjPath)
		return
	}

	// 4. Simulation mode: run the full method comparison
	PrintRunSummary(cfg, BuildRegularizationPath(cfg.RhoMax, cfg.RhoStep))
	res, err := RunComparison(cfg)
	if err != nil {
		log.Fatalf("comparison: %v", err)
	}

	// 5. Report
	PrintMethodComparison(res.Summaries)

	// 6. Persist records, summaries, curves
	recPath := filepath.Join(*outDir, "run_records.csv")
	if err := WriteRunRecordsCSV(recPath, res.Records); err != nil {
		log.Fatalf("write records: %v", err)
	}
	sumPath := filepath.Join(*outDir, "method_summary.csv")
	if err := WriteMethodSummariesCSV(sumPath, res.Summaries); err != nil {
		log.Fatalf("write summaries: %v", err)
	}
	rocPath := filepath.Join(*outDir, "roc_curves.csv")
	if err := WriteROCCurvesCSV(rocPath, res.Curves); err != nil {
		log.Fatalf("write curves: %v", err)
	}

	// 7. Plot the last completed curve per method
	plotPath := filepath.Join(*outDir, "roc_curves.png")
	if len(res.Curves) > 0 {
		if err := PlotROCCurves(plotPath, res.Curves); err != nil {
			log.Fatalf("plot curves: %v", err)
		}
	}

	fmt.Printf("\nResults written to %s\n", *outDir)
}
