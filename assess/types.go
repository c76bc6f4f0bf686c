package assess

import (
	"sort"

	"github.com/paulmach/orb"
)

// Tag classifies a record after matching
type Tag string

const (
	Untagged      Tag = "untagged"
	TruePositive  Tag = "true_positive"
	FalsePositive Tag = "false_positive"
	FalseNegative Tag = "false_negative"
)

// Source identifies which input collection a record belongs to.
// Ground truth and detections carry different attribute sets, and the
// source decides which tags a record may end up with.
type Source int

const (
	GroundTruth Source = iota
	Detection
)

func (s Source) String() string {
	switch s {
	case GroundTruth:
		return "ground_truth"
	case Detection:
		return "detection"
	}
	return "unknown"
}

// Allows reports whether tag t is a valid final tag for this source
func (s Source) Allows(t Tag) bool {
	switch t {
	case TruePositive:
		return true
	case FalseNegative:
		return s == GroundTruth
	case FalsePositive:
		return s == Detection
	}
	return false
}

// MissTag is the tag given to a record that found no partner
func (s Source) MissTag() Tag {
	if s == GroundTruth {
		return FalseNegative
	}
	return FalsePositive
}

// Record is one labelled geometry (a ground-truth tree or a detection)
type Record struct {
	ID         string
	Source     Source
	Sector     string
	Geometry   orb.Geometry
	Geohash    string
	Tag        Tag
	Matches    []string // IDs in the opposite collection, nearest first
	Properties map[string]interface{}
}

// MatchedID returns the nearest matched record ID, or "" when unmatched
func (r *Record) MatchedID() string {
	if len(r.Matches) == 0 {
		return ""
	}
	return r.Matches[0]
}

// Collection is an ordered set of records sharing one CRS
type Collection struct {
	CRS     CRS
	Source  Source
	Records []Record
}

// Len returns the number of records
func (c *Collection) Len() int {
	if c == nil {
		return 0
	}
	return len(c.Records)
}

// derive returns an empty collection with the same CRS and source
func (c *Collection) derive(capacity int) *Collection {
	return &Collection{
		CRS:     c.CRS,
		Source:  c.Source,
		Records: make([]Record, 0, capacity),
	}
}

// CountTag counts records carrying tag t
func (c *Collection) CountTag(t Tag) int {
	n := 0
	for i := range c.Records {
		if c.Records[i].Tag == t {
			n++
		}
	}
	return n
}

// InSector returns the records whose sector equals label
func (c *Collection) InSector(label string) *Collection {
	out := c.derive(0)
	for _, r := range c.Records {
		if r.Sector == label {
			out.Records = append(out.Records, r)
		}
	}
	return out
}

// Sectors returns the distinct non-empty sector labels, sorted
func (c *Collection) Sectors() []string {
	seen := make(map[string]bool)
	var labels []string
	for _, r := range c.Records {
		if r.Sector == "" || seen[r.Sector] {
			continue
		}
		seen[r.Sector] = true
		labels = append(labels, r.Sector)
	}
	sort.Strings(labels)
	return labels
}

// clone copies a record so later stages never share slices or maps with earlier ones
func (r Record) clone() Record {
	out := r
	if r.Matches != nil {
		out.Matches = append([]string(nil), r.Matches...)
	}
	if r.Properties != nil {
		out.Properties = make(map[string]interface{}, len(r.Properties))
		for k, v := range r.Properties {
			out.Properties[k] = v
		}
	}
	if r.Geometry != nil {
		out.Geometry = orb.Clone(r.Geometry)
	}
	return out
}

// SectorPolygon is a labelled ground-truth sector
type SectorPolygon struct {
	Label    string
	Geometry orb.Geometry
	Buffered orb.Geometry
}

// Metrics is one row of the assessment table
type Metrics struct {
	Sector    string  `json:"sector"`
	TP        int     `json:"TP"`
	FP        int     `json:"FP"`
	FN        int     `json:"FN"`
	Precision float64 `json:"precision"`
	Recall    float64 `json:"recall"`
	F1        float64 `json:"f1"`
}

// TPPlusFN is the number of ground-truth trees considered
func (m Metrics) TPPlusFN() int { return m.TP + m.FN }

// TPPlusFP is the number of detections considered
func (m Metrics) TPPlusFP() int { return m.TP + m.FP }

// AllSectors labels the global metrics row
const AllSectors = "ALL"

// InputFiles lists the vector files to load
type InputFiles struct {
	GTSectors  []string `yaml:"gt_sectors"`
	GTTrees    []string `yaml:"gt_trees"`
	Detections []string `yaml:"detections"`
}

// OutputFiles lists the files to produce
type OutputFiles struct {
	TaggedGTTrees    string `yaml:"tagged_gt_trees"`
	TaggedDetections string `yaml:"tagged_detections"`
	Metrics          string `yaml:"metrics"`
	MetricsChart     string `yaml:"metrics_chart,omitempty"` // Optional PNG bar chart
	Preview          string `yaml:"preview,omitempty"`       // Optional .svg or .png map preview
	HistoryDB        string `yaml:"history_db,omitempty"`    // Optional SQLite run history
}

// Settings holds the numeric and CRS parameters of a run
type Settings struct {
	BufferSizeM      float64 `yaml:"gt_sectors_buffer_size_in_meters"`
	ToleranceM       float64 `yaml:"tolerance_in_meters"`
	CRS              string  `yaml:"crs_dft"`
	SectorField      string  `yaml:"sector_field,omitempty"`
	GeohashPrecision int     `yaml:"geohash_precision,omitempty"`
	MatchPolicy      string  `yaml:"match_policy,omitempty"`
}

// PublishConfig holds optional MQTT publishing settings
type PublishConfig struct {
	Broker   string `yaml:"broker"`
	Prefix   string `yaml:"prefix,omitempty"`
	ClientID string `yaml:"client_id,omitempty"`
	Username string `yaml:"username,omitempty"`
	Password string `yaml:"password,omitempty"`
	RunName  string `yaml:"run_name,omitempty"`
	QoS      *int   `yaml:"qos,omitempty"`
	Retain   *bool  `yaml:"retain,omitempty"`
}

// Config is the assessment configuration file
type Config struct {
	InputFiles  InputFiles     `yaml:"input_files"`
	OutputFiles OutputFiles    `yaml:"output_files"`
	Settings    Settings       `yaml:"settings"`
	Publish     *PublishConfig `yaml:"publish,omitempty"`
}

// CompareInputFiles lists the two detection runs to compare
type CompareInputFiles struct {
	RunA []string `yaml:"run_A_detections"`
	RunB []string `yaml:"run_B_detections"`
}

// CompareOutputFiles lists the four split outputs of a comparison
type CompareOutputFiles struct {
	MatchedA   string `yaml:"matched_run_A_detections"`
	MatchedB   string `yaml:"matched_run_B_detections"`
	UnmatchedA string `yaml:"unmatched_run_A_detections"`
	UnmatchedB string `yaml:"unmatched_run_B_detections"`
}

// CompareSettings holds the comparison parameters
type CompareSettings struct {
	ToleranceM float64 `yaml:"tolerance_in_meters"`
}

// CompareConfig is the run-vs-run comparison configuration file
type CompareConfig struct {
	InputFiles  CompareInputFiles  `yaml:"input_files"`
	OutputFiles CompareOutputFiles `yaml:"output_files"`
	Settings    CompareSettings    `yaml:"settings"`
}
