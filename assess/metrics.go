package assess

import (
	"log"
	"sort"
)

// safeDiv returns 0 instead of NaN when the denominator is zero
func safeDiv(num, den float64) float64 {
	if den == 0 {
		return 0
	}
	return num / den
}

// NewMetrics derives precision, recall and F1 from raw counts
func NewMetrics(sector string, tp, fp, fn int) Metrics {
	p := safeDiv(float64(tp), float64(tp+fp))
	r := safeDiv(float64(tp), float64(tp+fn))
	return Metrics{
		Sector:    sector,
		TP:        tp,
		FP:        fp,
		FN:        fn,
		Precision: p,
		Recall:    r,
		F1:        safeDiv(2*p*r, p+r),
	}
}

// Assess computes metrics over a pair of tagged collections.
// TP is counted on the ground-truth side; a different count on the
// detection side only happens with many-to-many matches and is logged.
func Assess(gt, det *Collection) Metrics {
	return assessLabel(AllSectors, gt, det)
}

func assessLabel(label string, gt, det *Collection) Metrics {
	tp := gt.CountTag(TruePositive)
	if detTP := det.CountTag(TruePositive); detTP != tp {
		log.Printf("Warning: sector %s: %d ground-truth true positives but %d detection true positives", label, tp, detTP)
	}
	return NewMetrics(label, tp, det.CountTag(FalsePositive), gt.CountTag(FalseNegative))
}

// AssessBySector returns the ALL row followed by one row per sector, in
// label order. Labels come from the given sector list plus any label found
// on the records themselves.
func AssessBySector(gt, det *Collection, sectors []string) []Metrics {
	seen := make(map[string]bool)
	var labels []string
	add := func(l string) {
		if l != "" && !seen[l] {
			seen[l] = true
			labels = append(labels, l)
		}
	}
	for _, l := range sectors {
		add(l)
	}
	for _, l := range gt.Sectors() {
		add(l)
	}
	for _, l := range det.Sectors() {
		add(l)
	}
	sort.Strings(labels)

	rows := make([]Metrics, 0, len(labels)+1)
	rows = append(rows, Assess(gt, det))
	for _, l := range labels {
		rows = append(rows, assessLabel(l, gt.InSector(l), det.InSector(l)))
	}
	return rows
}
