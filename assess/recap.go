package assess

import (
	"encoding/csv"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"

	"gonum.org/v1/gonum/stat"
)

// RecapHeader is the header row of the batch recap CSV
var RecapHeader = append([]string{"batch"}, MetricsHeader...)

// RecapRow is the ALL row of one metrics file
type RecapRow struct {
	Batch   string
	Metrics Metrics
}

// RecapTable gathers the ALL rows of many assessment runs
type RecapTable struct {
	Rows []RecapRow

	MeanF1    float64
	StdDevF1  float64
	BestBatch string
	BestF1    float64
}

// FindMetricsFiles walks root and returns every .csv file, sorted by path.
// Files whose absolute path equals one of skip are ignored.
func FindMetricsFiles(root string, skip ...string) ([]string, error) {
	skipped := make(map[string]bool, len(skip))
	for _, s := range skip {
		if abs, err := filepath.Abs(s); err == nil {
			skipped[abs] = true
		}
	}

	var files []string
	err := filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() || !strings.EqualFold(filepath.Ext(path), ".csv") {
			return nil
		}
		if abs, err := filepath.Abs(path); err == nil && skipped[abs] {
			return nil
		}
		files = append(files, path)
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("walking %s: %w", root, err)
	}
	sort.Strings(files)
	return files, nil
}

// Recap reads the ALL row of each metrics CSV, labelled by file name, and
// computes summary statistics of F1 across batches
func Recap(paths []string) (*RecapTable, error) {
	t := &RecapTable{Rows: make([]RecapRow, 0, len(paths))}
	for _, p := range paths {
		m, err := readAllRow(p)
		if err != nil {
			return nil, err
		}
		t.Rows = append(t.Rows, RecapRow{Batch: filepath.Base(p), Metrics: m})
	}
	if len(t.Rows) == 0 {
		return t, nil
	}

	f1 := make([]float64, len(t.Rows))
	for i, r := range t.Rows {
		f1[i] = r.Metrics.F1
		if i == 0 || r.Metrics.F1 > t.BestF1 {
			t.BestF1 = r.Metrics.F1
			t.BestBatch = r.Batch
		}
	}
	if len(f1) > 1 {
		t.MeanF1, t.StdDevF1 = stat.MeanStdDev(f1, nil)
	} else {
		t.MeanF1 = f1[0]
	}
	return t, nil
}

// readAllRow returns the ALL row of a metrics CSV, or its first data row
// when no row is labelled ALL
func readAllRow(path string) (Metrics, error) {
	f, err := os.Open(path)
	if err != nil {
		return Metrics{}, fmt.Errorf("opening %s: %w", path, err)
	}
	defer f.Close()

	r := csv.NewReader(f)
	header, err := r.Read()
	if err != nil {
		return Metrics{}, fmt.Errorf("%s: reading header: %w", path, err)
	}
	cols := make(map[string]int, len(header))
	for i, h := range header {
		cols[strings.TrimSpace(h)] = i
	}
	// Older files abbreviate precision and recall
	aliases := map[string]string{"p": "precision", "r": "recall"}
	for short, long := range aliases {
		if i, ok := cols[short]; ok {
			if _, taken := cols[long]; !taken {
				cols[long] = i
			}
		}
	}
	for _, need := range MetricsHeader[:7] {
		if _, ok := cols[need]; !ok {
			return Metrics{}, fmt.Errorf("%s: missing column %q", path, need)
		}
	}

	var first []string
	for {
		rec, err := r.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			return Metrics{}, fmt.Errorf("%s: %w", path, err)
		}
		if first == nil {
			first = rec
		}
		if rec[cols["sector"]] == AllSectors {
			return parseMetricsRecord(path, rec, cols)
		}
	}
	if first == nil {
		return Metrics{}, fmt.Errorf("%s: no metrics rows", path)
	}
	return parseMetricsRecord(path, first, cols)
}

func parseMetricsRecord(path string, rec []string, cols map[string]int) (Metrics, error) {
	m := Metrics{Sector: rec[cols["sector"]]}
	ints := []struct {
		col string
		dst *int
	}{{"TP", &m.TP}, {"FP", &m.FP}, {"FN", &m.FN}}
	for _, c := range ints {
		v, err := strconv.Atoi(strings.TrimSpace(rec[cols[c.col]]))
		if err != nil {
			return Metrics{}, fmt.Errorf("%s: column %s: %w", path, c.col, err)
		}
		*c.dst = v
	}
	floats := []struct {
		col string
		dst *float64
	}{{"precision", &m.Precision}, {"recall", &m.Recall}, {"f1", &m.F1}}
	for _, c := range floats {
		v, err := strconv.ParseFloat(strings.TrimSpace(rec[cols[c.col]]), 64)
		if err != nil {
			return Metrics{}, fmt.Errorf("%s: column %s: %w", path, c.col, err)
		}
		*c.dst = v
	}
	return m, nil
}

// WriteRecapCSV writes one line per batch
func WriteRecapCSV(path string, t *RecapTable) error {
	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return fmt.Errorf("creating output directory: %w", err)
		}
	}
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("creating %s: %w", path, err)
	}
	defer f.Close()

	w := csv.NewWriter(f)
	if err := w.Write(RecapHeader); err != nil {
		return err
	}
	for _, row := range t.Rows {
		if err := w.Write(append([]string{row.Batch}, metricsRecord(row.Metrics)...)); err != nil {
			return err
		}
	}
	w.Flush()
	if err := w.Error(); err != nil {
		return fmt.Errorf("writing %s: %w", path, err)
	}
	return f.Close()
}
