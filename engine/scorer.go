package engine

import (
	"math"
	"regexp"
	"strings"
	"time"

	"github.com/mstanton/engram/store"
)

// Factor weights. Consolidation and archival thresholds depend on scores
// produced with exactly these weights, so they are constants rather than
// configuration.
const (
	weightContent     = 0.30
	weightRecency     = 0.20
	weightAccess      = 0.20
	weightEntities    = 0.20
	weightCommitments = 0.10
)

// lifeEventKeywords mark critical facts that should never decay quickly.
var lifeEventKeywords = []string{
	"wedding", "married", "divorce", "born", "birth", "died", "death",
	"funeral", "graduation", "diagnosed", "surgery", "emergency",
	"accident", "hospital", "fired", "hired", "promoted", "retirement",
}

// highImportanceKeywords signal actionable or consequential content.
var highImportanceKeywords = []string{
	"meeting", "deadline", "interview", "contract", "budget", "salary",
	"appointment", "doctor", "flight", "payment", "invoice", "project",
	"exam", "presentation", "launch", "decision", "offer", "anniversary",
	"birthday", "moving", "lease", "mortgage",
}

// lowValueKeywords cap the content factor regardless of other bonuses.
var lowValueKeywords = []string{
	"just thinking", "random thought", "nevermind", "never mind",
	"test", "testing", "lol", "asdf",
}

// commitmentKeywords trigger the flat commitment factor.
var commitmentKeywords = []string{
	"will", "promise", "deadline", "due", "schedule", "meeting",
	"follow up", "remind", "need to", "must", "should",
}

var (
	emailPattern    = regexp.MustCompile(`[A-Za-z0-9._%+-]+@[A-Za-z0-9.-]+\.[A-Za-z]{2,}`)
	currencyPattern = regexp.MustCompile(`(?i)([$€£¥]\s?\d)|(\d+(\.\d+)?\s?(dollars|usd|eur|gbp))`)
	digitPattern    = regexp.MustCompile(`\d`)
	capWordPattern  = regexp.MustCompile(`\b[A-Z][a-z]+`)
)

// ScoreContext supplies the read-only lookups scoring depends on.
type ScoreContext struct {
	Now          time.Time
	AccessCount  int
	LastAccessed *time.Time
}

// ScoreFactors breaks the final score into its weighted inputs.
type ScoreFactors struct {
	Content     float64 `json:"content"`
	Recency     float64 `json:"recency"`
	Access      float64 `json:"access"`
	Entities    float64 `json:"entities"`
	Commitments float64 `json:"commitments"`
}

// ScoreResult is the scored importance plus its factor breakdown.
type ScoreResult struct {
	Score   float64      `json:"score"`
	Factors ScoreFactors `json:"factors"`
}

// ScoreMemory computes importance for a memory given its linked entities.
// Deterministic and purely computational: same inputs, same output.
func ScoreMemory(m *store.Memory, linked []*store.Entity, sc ScoreContext) ScoreResult {
	if sc.Now.IsZero() {
		sc.Now = time.Now()
	}

	factors := ScoreFactors{
		Content:     contentFactor(m.Content),
		Recency:     recencyFactor(m.CreatedAt, sc.Now),
		Access:      accessFactor(sc),
		Entities:    entityFactor(linked),
		Commitments: commitmentFactor(m.Content),
	}

	score := weightContent*factors.Content +
		weightRecency*factors.Recency +
		weightAccess*factors.Access +
		weightEntities*factors.Entities +
		weightCommitments*factors.Commitments

	return ScoreResult{Score: clamp01(score), Factors: factors}
}

// contentFactor is a rule-based lexical scan. No model calls: it has to
// stay sub-millisecond because it runs on every write and decay sweep.
func contentFactor(content string) float64 {
	lower := strings.ToLower(content)

	for _, kw := range lowValueKeywords {
		if strings.Contains(lower, kw) {
			return 0.3
		}
	}

	score := 0.4
	if containsAny(lower, lifeEventKeywords) {
		score = 0.95
	} else {
		switch hits := countHits(lower, highImportanceKeywords); {
		case hits >= 3:
			score = 0.85
		case hits == 2:
			score = 0.75
		case hits == 1:
			score = 0.65
		}
	}

	switch {
	case len(content) > 500:
		score += 0.10
	case len(content) > 200:
		score += 0.05
	}
	if strings.Count(content, "?") >= 2 {
		score += 0.05
	}
	if digitPattern.MatchString(content) {
		score += 0.05
	}
	if len(capWordPattern.FindAllString(content, 4)) >= 3 {
		score += 0.05
	}
	if emailPattern.MatchString(content) {
		score += 0.05
	}
	if currencyPattern.MatchString(content) {
		score += 0.05
	}

	return clamp01(score)
}

// recencyFactor decays exponentially with a 30-day half-life, floored so
// old memories keep a nonzero pulse.
func recencyFactor(createdAt, now time.Time) float64 {
	ageDays := now.Sub(createdAt).Hours() / 24
	if ageDays < 0 {
		ageDays = 0
	}
	return math.Max(0.1, math.Pow(2, -ageDays/30))
}

func accessFactor(sc ScoreContext) float64 {
	if sc.AccessCount == 0 && sc.LastAccessed == nil {
		return 0.1
	}
	score := math.Log10(float64(sc.AccessCount)+1) / math.Log10(100)
	if sc.LastAccessed != nil {
		since := sc.Now.Sub(*sc.LastAccessed)
		switch {
		case since < 7*24*time.Hour:
			score += 0.2
		case since < 30*24*time.Hour:
			score += 0.1
		}
	}
	return clamp01(math.Max(score, 0.1))
}

func entityFactor(linked []*store.Entity) float64 {
	if len(linked) == 0 {
		return 0.1
	}
	var sum float64
	important := 0
	for _, e := range linked {
		sum += e.ImportanceScore
		if e.ImportanceScore > 0.7 {
			important++
		}
	}
	score := sum / float64(len(linked))
	if important > 1 {
		score += 0.2
	}
	return clamp01(score)
}

func commitmentFactor(content string) float64 {
	if containsAny(strings.ToLower(content), commitmentKeywords) {
		return 0.3
	}
	return 0
}

func containsAny(s string, keywords []string) bool {
	for _, kw := range keywords {
		if strings.Contains(s, kw) {
			return true
		}
	}
	return false
}

func countHits(s string, keywords []string) int {
	hits := 0
	for _, kw := range keywords {
		if strings.Contains(s, kw) {
			hits++
		}
	}
	return hits
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}
