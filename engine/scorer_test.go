package engine

import (
	"testing"
	"time"

	"github.com/mstanton/engram/store"
)

func scoreContent(content string, createdAt time.Time, linked []*store.Entity, sc ScoreContext) ScoreResult {
	m := &store.Memory{Content: content, CreatedAt: createdAt}
	return ScoreMemory(m, linked, sc)
}

func TestScoreMemoryDeterministic(t *testing.T) {
	now := time.Date(2026, 3, 20, 12, 0, 0, 0, time.UTC)
	created := now.Add(-48 * time.Hour)
	sc := ScoreContext{Now: now, AccessCount: 2}

	a := scoreContent("Meeting with the doctor next week", created, nil, sc)
	b := scoreContent("Meeting with the doctor next week", created, nil, sc)
	if a.Score != b.Score || a.Factors != b.Factors {
		t.Errorf("same inputs produced different scores: %+v vs %+v", a, b)
	}
}

func TestScoreMemoryRange(t *testing.T) {
	now := time.Now()
	contents := []string{
		"",
		"lol",
		"wedding anniversary dinner, flight booked, $2,400 budget, email sarah.chen@acme.com??",
		"Meeting Interview Deadline Contract Budget Salary all at once on 2026-03-15",
	}
	for _, content := range contents {
		got := scoreContent(content, now.Add(-400*24*time.Hour), nil, ScoreContext{Now: now})
		if got.Score < 0 || got.Score > 1 {
			t.Errorf("score for %q = %v, out of [0,1]", content, got.Score)
		}
	}
}

func TestContentFactorTiers(t *testing.T) {
	cases := []struct {
		content string
		min     float64
		max     float64
	}{
		{"she was diagnosed yesterday", 0.95, 1.0},            // life event
		{"quarterly budget planning meeting", 0.75, 1.0},      // two high-importance hits
		{"the deadline is close", 0.65, 0.75},                 // one hit
		{"walked around the park", 0.35, 0.45},                // base
		{"just a random thought about meetings", 0.3, 0.3},    // low-value cap
		{"testing the deadline for the big launch", 0.3, 0.3}, // cap beats keyword hits
	}
	for _, c := range cases {
		got := contentFactor(c.content)
		if got < c.min || got > c.max {
			t.Errorf("contentFactor(%q) = %v, want in [%v, %v]", c.content, got, c.min, c.max)
		}
	}
}

func TestRecencyFactorDecaysWithFloor(t *testing.T) {
	now := time.Now()
	fresh := recencyFactor(now, now)
	if fresh < 0.99 {
		t.Errorf("fresh recency = %v, want ~1", fresh)
	}
	month := recencyFactor(now.Add(-30*24*time.Hour), now)
	if month < 0.49 || month > 0.51 {
		t.Errorf("30-day recency = %v, want ~0.5", month)
	}
	ancient := recencyFactor(now.Add(-10*365*24*time.Hour), now)
	if ancient != 0.1 {
		t.Errorf("ancient recency = %v, want floor 0.1", ancient)
	}
	if month <= ancient || fresh <= month {
		t.Error("recency must decrease monotonically with age")
	}
}

func TestEntityFactor(t *testing.T) {
	if got := entityFactor(nil); got != 0.1 {
		t.Errorf("no entities = %v, want 0.1", got)
	}
	one := []*store.Entity{{ImportanceScore: 0.6}}
	if got := entityFactor(one); got != 0.6 {
		t.Errorf("single entity = %v, want its score", got)
	}
	// Mean 0.85 plus the multi-entity bonus, clamped.
	two := []*store.Entity{{ImportanceScore: 0.8}, {ImportanceScore: 0.9}}
	if got := entityFactor(two); got != 1.0 {
		t.Errorf("two important entities = %v, want clamped 1.0", got)
	}
}

func TestMeetingMemoryScoresHigh(t *testing.T) {
	now := time.Date(2026, 3, 16, 9, 0, 0, 0, time.UTC)
	linked := []*store.Entity{{Name: "Sarah Chen", EntityType: store.EntityPerson, ImportanceScore: 0.83}}

	got := scoreContent(
		"Meeting with Sarah Chen on March 15 to discuss budget",
		now.Add(-1*time.Hour),
		linked,
		ScoreContext{Now: now},
	)
	if got.Score < 0.65 {
		t.Errorf("score = %v (factors %+v), want >= 0.65", got.Score, got.Factors)
	}
	if got.Factors.Commitments != 0.3 {
		t.Errorf("commitment factor = %v, want 0.3 for a meeting", got.Factors.Commitments)
	}
}
