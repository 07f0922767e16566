package ranker

import (
	"context"
	"math"
	"regexp"
	"sort"
	"strconv"
	"strings"
)

// Metric labels used in weight configuration.
const (
	MetricServicePrice  = "service_price"
	MetricServiceVolume = "service_volume"
	MetricSiteSize      = "site_size"
)

// DefaultRank is assigned when no threshold is met.
const DefaultRank = "D"

// Threshold maps a minimum total weight onto a rank label.
type Threshold struct {
	Label string  `json:"label"`
	Value float64 `json:"value"`
}

// ScoreConfig weights the metrics and lists the rank thresholds.
type ScoreConfig struct {
	PriceWeight    float64
	VolumeWeight   float64
	SiteSizeWeight float64
	Thresholds     []Threshold
}

// DefaultScoreConfig weighs all metrics equally and ranks A/B/C above 20/15/10.
func DefaultScoreConfig() ScoreConfig {
	return ScoreConfig{
		PriceWeight:    1,
		VolumeWeight:   1,
		SiteSizeWeight: 1,
		Thresholds: []Threshold{
			{Label: "A", Value: 20},
			{Label: "B", Value: 15},
			{Label: "C", Value: 10},
		},
	}
}

// Signals are the raw facts a site yields for scoring.
type Signals struct {
	PriceYen     int
	Keywords     []string
	SearchVolume int
	SiteSize     int
}

// Score is the weighted result for one site.
type Score struct {
	Rank          string  `json:"rank"`
	TotalWeight   float64 `json:"total_weight"`
	PriceScore    float64 `json:"price_score"`
	VolumeScore   float64 `json:"volume_score"`
	SiteSizeScore float64 `json:"site_size_score"`
}

// Scorer turns signals into a rank.
type Scorer interface {
	Score(Signals) Score
}

// VolumeSource reports the combined monthly search volume for keywords.
type VolumeSource interface {
	SearchVolume(ctx context.Context, keywords []string) (int, error)
}

// WeightedScorer sums weighted metric scores and picks the highest threshold
// the total reaches.
type WeightedScorer struct {
	cfg        ScoreConfig
	thresholds []Threshold
}

var _ Scorer = (*WeightedScorer)(nil)

// NewWeightedScorer sorts thresholds by value descending, label ascending on
// ties. Unlabelled and NaN thresholds are dropped; the first entry per label wins.
func NewWeightedScorer(cfg ScoreConfig) *WeightedScorer {
	seen := make(map[string]bool, len(cfg.Thresholds))
	var thresholds []Threshold
	for _, t := range cfg.Thresholds {
		if t.Label == "" || math.IsNaN(t.Value) || seen[t.Label] {
			continue
		}
		seen[t.Label] = true
		thresholds = append(thresholds, t)
	}
	sort.SliceStable(thresholds, func(i, j int) bool {
		if thresholds[i].Value != thresholds[j].Value {
			return thresholds[i].Value > thresholds[j].Value
		}
		return thresholds[i].Label < thresholds[j].Label
	})
	return &WeightedScorer{cfg: cfg, thresholds: thresholds}
}

// Score implements Scorer.
func (s *WeightedScorer) Score(sig Signals) Score {
	out := Score{
		PriceScore:    ServicePriceScore(sig.PriceYen),
		VolumeScore:   LogScore(sig.SearchVolume),
		SiteSizeScore: LogScore(sig.SiteSize),
	}
	out.TotalWeight = s.cfg.PriceWeight*out.PriceScore +
		s.cfg.VolumeWeight*out.VolumeScore +
		s.cfg.SiteSizeWeight*out.SiteSizeScore
	out.Rank = s.Label(out.TotalWeight)
	return out
}

// Label returns the first threshold label whose value weight reaches.
func (s *WeightedScorer) Label(weight float64) string {
	for _, t := range s.thresholds {
		if weight >= t.Value {
			return t.Label
		}
	}
	return DefaultRank
}

// ServicePriceScore bands the expected revenue per deal, in yen, into five levels.
func ServicePriceScore(yen int) float64 {
	switch {
	case yen >= 100_000:
		return 10
	case yen >= 60_000:
		return 7.5
	case yen >= 30_000:
		return 5
	case yen >= 10_000:
		return 2.5
	default:
		return 0
	}
}

// LogScore maps a count onto 0-10: 10 or fewer scores 0, a million or more scores 10.
func LogScore(v int) float64 {
	if v <= 0 {
		return 0
	}
	const minLog, maxLog = 1.0, 6.0
	score := (math.Log10(float64(v)) - minLog) / (maxLog - minLog) * 10
	return math.Max(0, math.Min(score, 10))
}

var (
	yenPrefixed = regexp.MustCompile(`[¥￥]\s*([0-9][0-9,]*)`)
	yenSuffixed = regexp.MustCompile(`([0-9][0-9,]*(?:\.[0-9]+)?)\s*(万)?\s*円`)
	emailRe     = regexp.MustCompile(`[A-Za-z0-9._%+\-]+@[A-Za-z0-9.\-]+\.[A-Za-z]{2,}`)
	phoneRe     = regexp.MustCompile(`\+?[0-9]{1,4}-[0-9]{1,4}-[0-9]{3,4}`)
)

// PriceYen returns the largest yen amount quoted in text, or zero.
func PriceYen(text string) int {
	best := 0.0
	for _, m := range yenPrefixed.FindAllStringSubmatch(text, -1) {
		best = math.Max(best, parseAmount(m[1]))
	}
	for _, m := range yenSuffixed.FindAllStringSubmatch(text, -1) {
		v := parseAmount(m[1])
		if m[2] != "" {
			v *= 10_000
		}
		best = math.Max(best, v)
	}
	if best > math.MaxInt32 {
		return math.MaxInt32
	}
	return int(best)
}

func parseAmount(raw string) float64 {
	v, err := strconv.ParseFloat(strings.ReplaceAll(raw, ",", ""), 64)
	if err != nil {
		return 0
	}
	return v
}

// Contacts lists the distinct email addresses and phone numbers in text, in order.
func Contacts(text string) (emails, phones []string) {
	return distinct(emailRe.FindAllString(text, -1)), distinct(phoneRe.FindAllString(text, -1))
}

func distinct(in []string) []string {
	var out []string
	seen := make(map[string]bool, len(in))
	for _, s := range in {
		if seen[s] {
			continue
		}
		seen[s] = true
		out = append(out, s)
	}
	return out
}
