package main

import (
	"encoding/csv"
	"fmt"
	"image/color"
	"io"
	"math"
	"os"
	"sort"
	"strconv"
	"strings"

	"gonum.org/v1/gonum/mat"
	"gonum.org/v1/plot"
	"gonum.org/v1/plot/plotter"
	"gonum.org/v1/plot/vg"
)

// LoadCSVDataTable reads a CSV file into a partial data table:
//
//   - The first row is a header with variable names
//   - All remaining rows are numeric values
//   - Empty cells and the tokens NA / NaN (any case) mark missing values
//
// Missing cells are stored as NaN in the returned matrix and flagged true in
// the returned mask, so the file plugs straight into the imputation pipeline.
func LoadCSVDataTable(path string) (*mat.Dense, [][]bool, []string, error) {
	// 1. Open file
	f, err := os.Open(path)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("open %s: %w", path, err)
	}
	defer f.Close()

	// 2. Make CSV reader
	r := csv.NewReader(f)
	r.TrimLeadingSpace = true

	// 3. Read header row
	header, err := r.Read()
	if err != nil {
		return nil, nil, nil, fmt.Errorf("read header: %w", err)
	}
	if len(header) == 0 {
		return nil, nil, nil, fmt.Errorf("empty header in %s", path)
	}
	p := len(header) // number of variables

	var (
		data []float64 // flat data for mat.Dense
		mask [][]bool  // per-cell missingness
		row  int       // row counter
	)

	// 4. Read each data row
	for {
		record, err := r.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, nil, nil, fmt.Errorf("read row %d: %w", row+2, err) // +2 for header + 1-based
		}

		// Skip completely empty lines
		if len(record) == 1 && record[0] == "" {
			continue
		}

		if len(record) != p {
			return nil, nil, nil, fmt.Errorf(
				"row %d: expected %d columns, got %d",
				row+2, p, len(record),
			)
		}

		maskRow := make([]bool, p)
		for j, s := range record {
			switch strings.ToLower(strings.TrimSpace(s)) {
			case "", "na", "nan":
				maskRow[j] = true
				data = append(data, math.NaN())
				continue
			}
			v, err := strconv.ParseFloat(strings.TrimSpace(s), 64)
			if err != nil {
				return nil, nil, nil, fmt.Errorf(
					"parse float at row %d col %d (%q): %w",
					row+2, j+1, s, err,
				)
			}
			data = append(data, v)
		}
		mask = append(mask, maskRow)
		row++
	}

	if row == 0 {
		return nil, nil, nil, fmt.Errorf("no data rows in %s", path)
	}

	// 5. Build mat.Dense
	table := mat.NewDense(row, p, data)

	return table, mask, header, nil
}

// WriteRunRecordsCSV dumps one row per (run, method) record.
func WriteRunRecordsCSV(path string, records []RunRecord) error {
	file, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("create %s: %w", path, err)
	}
	defer file.Close()

	writer := csv.NewWriter(file)
	defer writer.Flush()

	header := []string{
		"run", "method", "status", "phase",
		"impute_seconds", "vote_seconds", "eval_seconds",
		"selected_rho", "auc", "error",
	}
	if err := writer.Write(header); err != nil {
		return fmt.Errorf("write header: %w", err)
	}
	for _, rec := range records {
		row := []string{
			strconv.Itoa(rec.Run),
			rec.Method,
			rec.Status,
			rec.Phase,
			fmt.Sprintf("%.4f", rec.ImputeTime.Seconds()),
			fmt.Sprintf("%.4f", rec.VoteTime.Seconds()),
			fmt.Sprintf("%.4f", rec.EvalTime.Seconds()),
			fmt.Sprintf("%g", rec.SelectedRho),
			fmt.Sprintf("%.6f", rec.AUC),
			rec.Err,
		}
		if err := writer.Write(row); err != nil {
			return fmt.Errorf("write record: %w", err)
		}
	}
	return nil
}

// WriteMethodSummariesCSV dumps the per-method aggregates.
func WriteMethodSummariesCSV(path string, summaries []MethodSummary) error {
	file, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("create %s: %w", path, err)
	}
	defer file.Close()

	writer := csv.NewWriter(file)
	defer writer.Flush()

	header := []string{
		"method", "completed", "skipped", "mean_auc", "std_auc",
		"mean_impute_seconds", "mean_vote_seconds", "mean_eval_seconds",
	}
	if err := writer.Write(header); err != nil {
		return fmt.Errorf("write header: %w", err)
	}
	for _, s := range summaries {
		row := []string{
			s.Method,
			strconv.Itoa(s.Completed),
			strconv.Itoa(s.Skipped),
			fmt.Sprintf("%.6f", s.MeanAUC),
			fmt.Sprintf("%.6f", s.StdAUC),
			fmt.Sprintf("%.4f", s.MeanImpute.Seconds()),
			fmt.Sprintf("%.4f", s.MeanVote.Seconds()),
			fmt.Sprintf("%.4f", s.MeanEval.Seconds()),
		}
		if err := writer.Write(row); err != nil {
			return fmt.Errorf("write summary: %w", err)
		}
	}
	return nil
}

// WriteROCCurvesCSV dumps every method's curve in long format
// (method, rho, fpr, tpr), methods in name order.
func WriteROCCurvesCSV(path string, curves map[string]ROCCurve) error {
	file, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("create %s: %w", path, err)
	}
	defer file.Close()

	writer := csv.NewWriter(file)
	defer writer.Flush()

	if err := writer.Write([]string{"method", "rho", "fpr", "tpr"}); err != nil {
		return fmt.Errorf("write header: %w", err)
	}
	names := make([]string, 0, len(curves))
	for name := range curves {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		for _, pt := range curves[name] {
			row := []string{
				name,
				fmt.Sprintf("%g", pt.Rho),
				fmt.Sprintf("%.6f", pt.FPR),
				fmt.Sprintf("%.6f", pt.TPR),
			}
			if err := writer.Write(row); err != nil {
				return fmt.Errorf("write point: %w", err)
			}
		}
	}
	return nil
}

// WriteAdjacencyCSV dumps a 0/1 structure with variable names as the header.
// Falls back to V1..Vp when no names are supplied.
func WriteAdjacencyCSV(path string, adj *mat.Dense, varNames []string) error {
	r, c := adj.Dims()
	if len(varNames) != c {
		varNames = make([]string, c)
		for j := range varNames {
			varNames[j] = fmt.Sprintf("V%d", j+1)
		}
	}
	file, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("create %s: %w", path, err)
	}
	defer file.Close()

	writer := csv.NewWriter(file)
	defer writer.Flush()

	if err := writer.Write(varNames); err != nil {
		return fmt.Errorf("write header: %w", err)
	}
	for i := 0; i < r; i++ {
		row := make([]string, c)
		for j := 0; j < c; j++ {
			row[j] = strconv.Itoa(int(adj.At(i, j)))
		}
		if err := writer.Write(row); err != nil {
			return fmt.Errorf("write row: %w", err)
		}
	}
	return nil
}

// PlotROCCurves renders every method's curve into one PNG, anchored to the
// unit square with the chance diagonal dashed underneath.
func PlotROCCurves(path string, curves map[string]ROCCurve) error {
	p := plot.New()
	p.Title.Text = "Structure recovery ROC"
	p.X.Label.Text = "False positive rate"
	p.Y.Label.Text = "True positive rate"
	p.X.Min, p.X.Max = 0, 1
	p.Y.Min, p.Y.Max = 0, 1
	p.Add(plotter.NewGrid())

	diag, err := plotter.NewLine(plotter.XYs{{X: 0, Y: 0}, {X: 1, Y: 1}})
	if err != nil {
		return fmt.Errorf("diagonal line: %w", err)
	}
	diag.Color = color.RGBA{R: 150, G: 150, B: 150, A: 255}
	diag.Dashes = []vg.Length{vg.Points(4), vg.Points(3)}
	p.Add(diag)

	palette := []color.RGBA{
		{R: 31, G: 119, B: 180, A: 255},
		{R: 255, G: 127, B: 14, A: 255},
		{R: 44, G: 160, B: 44, A: 255},
		{R: 214, G: 39, B: 40, A: 255},
		{R: 148, G: 103, B: 189, A: 255},
	}

	names := make([]string, 0, len(curves))
	for name := range curves {
		names = append(names, name)
	}
	sort.Strings(names)
	for i, name := range names {
		curve := curves[name]
		xys := make(plotter.XYs, 0, len(curve)+2)
		xys = append(xys, plotter.XY{X: 0, Y: 0})
		for _, pt := range curve {
			xys = append(xys, plotter.XY{X: pt.FPR, Y: pt.TPR})
		}
		xys = append(xys, plotter.XY{X: 1, Y: 1})
		line, err := plotter.NewLine(xys)
		if err != nil {
			return fmt.Errorf("curve %s: %w", name, err)
		}
		line.Color = palette[i%len(palette)]
		line.Width = vg.Points(1.5)
		p.Add(line)
		p.Legend.Add(name, line)
	}

	if err := p.Save(6*vg.Inch, 6*vg.Inch, path); err != nil {
		return fmt.Errorf("save plot: %w", err)
	}
	return nil
}

// PrintRunSummary writes the study configuration to stdout before the runs
// start.
func PrintRunSummary(cfg RunOptions, path []float64) {
	fmt.Println("      Sparse Structure Recovery Study      ")
	fmt.Printf("Samples per dataset (n):  %d\n", cfg.Samples)
	fmt.Printf("Variables (p):            %d\n", cfg.Variables)
	fmt.Printf("Missing probability:      %.2f\n", cfg.MissingProb)
	fmt.Printf("Regularization path:      %d strengths, 0 to %g\n", len(path), path[len(path)-1])
	fmt.Printf("Inner iterations:         %d\n", cfg.InnerIterations)
	fmt.Printf("Passes per run:           %d\n", cfg.PassCount)
	fmt.Printf("Runs:                     %d\n", cfg.Runs)
	fmt.Printf("Master seed:              %d\n", cfg.Seed)

	names := make([]string, len(cfg.Methods))
	for i, m := range cfg.Methods {
		names[i] = m.String()
	}
	fmt.Printf("Methods:                  %s\n", strings.Join(names, ", "))
	fmt.Println()
}

// PrintMethodComparison writes the aggregate table to stdout.
func PrintMethodComparison(summaries []MethodSummary) {
	fmt.Println("\n=== Method Comparison ===")
	fmt.Printf("%-16s | %8s | %8s | %4s | %4s | %10s | %10s | %10s\n",
		"Method", "Mean AUC", "Std AUC", "OK", "Skip", "Impute", "Vote", "Eval")
	fmt.Println("--------------------------------------------------------------------------------------------")
	for _, s := range summaries {
		fmt.Printf("%-16s | %8.4f | %8.4f | %4d | %4d | %9.2fs | %9.2fs | %9.2fs\n",
			s.Method, s.MeanAUC, s.StdAUC, s.Completed, s.Skipped,
			s.MeanImpute.Seconds(), s.MeanVote.Seconds(), s.MeanEval.Seconds())
	}
}

// PrintAdjacency prints a voted structure.
func PrintAdjacency(adj *mat.Dense, rho float64) {
	fmt.Printf("\n=== Voted Structure (rho = %g) ===\n", rho)
	fmt.Printf("%v\n", mat.Formatted(adj, mat.Prefix(" ")))
}
