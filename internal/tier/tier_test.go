package tier

import (
	"errors"
	"math/rand"
	"testing"

	"github.com/stakeholder/tokensim/internal/model"
)

var defaultWeights = Weights{Hot: 6, Warm: 3, Mid: 2, Cold: 1}

func newManager(t *testing.T, seed int64) (*Manager, *rand.Rand) {
	t.Helper()
	rng := rand.New(rand.NewSource(seed))
	m, err := New(134, 10, 30, 30, defaultWeights, rng)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	return m, rng
}

// assertDisjoint checks that every token is in exactly one tier and the
// membership lists agree with the lookup table.
func assertDisjoint(t *testing.T, m *Manager) {
	t.Helper()
	seen := make(map[int]model.Tier)
	for _, tt := range []model.Tier{model.TierHot, model.TierWarm, model.TierMid, model.TierCold} {
		for _, tok := range m.Members(tt) {
			if prev, ok := seen[tok]; ok {
				t.Fatalf("token %d in both %s and %s", tok, prev, tt)
			}
			seen[tok] = tt
			if m.Tier(tok) != tt {
				t.Fatalf("token %d listed as %s but Tier() says %s", tok, tt, m.Tier(tok))
			}
		}
	}
	if len(seen) != 134 {
		t.Fatalf("expected 134 tokens across tiers, got %d", len(seen))
	}
}

func TestNew_InitialSizes(t *testing.T) {
	m, _ := newManager(t, 1)
	if n := len(m.Members(model.TierHot)); n != 10 {
		t.Errorf("expected 10 hot, got %d", n)
	}
	if n := len(m.Members(model.TierWarm)); n != 30 {
		t.Errorf("expected 30 warm, got %d", n)
	}
	if n := len(m.Members(model.TierMid)); n != 30 {
		t.Errorf("expected 30 mid, got %d", n)
	}
	if n := len(m.Members(model.TierCold)); n != 64 {
		t.Errorf("expected 64 cold, got %d", n)
	}
	assertDisjoint(t, m)
}

func TestNew_Invalid(t *testing.T) {
	rng := rand.New(rand.NewSource(1))
	if _, err := New(10, 5, 5, 5, defaultWeights, rng); !errors.Is(err, ErrInvalidTiers) {
		t.Errorf("expected ErrInvalidTiers, got %v", err)
	}
	if _, err := New(10, 1, 1, 1, Weights{Hot: 1, Warm: 1, Mid: 0, Cold: 1}, rng); !errors.Is(err, ErrInvalidWeights) {
		t.Errorf("expected ErrInvalidWeights, got %v", err)
	}
}

func TestRotate_KeepsTiersDisjoint(t *testing.T) {
	m, rng := newManager(t, 2)
	for week := 0; week < 50; week++ {
		r := m.Rotate(rng)
		assertDisjoint(t, m)
		if r.ColdToWarm < 0 || r.WarmToHot < 0 || r.HotToWarm < 0 || r.WarmToCold < 0 {
			t.Fatalf("week %d: no step should be skipped with populated tiers: %+v", week, r)
		}
	}
}

func TestRotate_SizesStable(t *testing.T) {
	// Each rotation moves one token into warm and one out of warm; hot gains
	// one and loses one. Sizes stay put.
	m, rng := newManager(t, 3)
	m.Rotate(rng)
	if n := len(m.Members(model.TierHot)); n != 10 {
		t.Errorf("expected 10 hot after rotation, got %d", n)
	}
	if n := len(m.Members(model.TierWarm)); n != 30 {
		t.Errorf("expected 30 warm after rotation, got %d", n)
	}
	if n := len(m.Members(model.TierMid)); n != 30 {
		t.Errorf("mid must not change, got %d", n)
	}
}

func TestRotate_EmptyTiersSkip(t *testing.T) {
	rng := rand.New(rand.NewSource(4))
	// All tokens mid: no cold, warm, or hot.
	m, err := New(3, 0, 0, 3, defaultWeights, rng)
	if err != nil {
		t.Fatal(err)
	}
	r := m.Rotate(rng)
	want := Rotation{ColdToWarm: -1, WarmToHot: -1, HotToWarm: -1, WarmToCold: -1}
	if r != want {
		t.Errorf("expected all steps skipped, got %+v", r)
	}
}

func TestRotate_SingleColdToken(t *testing.T) {
	rng := rand.New(rand.NewSource(5))
	m, err := New(1, 0, 0, 0, defaultWeights, rng)
	if err != nil {
		t.Fatal(err)
	}
	r := m.Rotate(rng)
	// cold→warm, warm→hot, hot→warm, warm→cold: the token makes the full trip.
	if r.ColdToWarm != 0 || r.WarmToHot != 0 || r.HotToWarm != 0 || r.WarmToCold != 0 {
		t.Errorf("unexpected rotation %+v", r)
	}
	if m.Tier(0) != model.TierCold {
		t.Errorf("expected token back in cold, got %s", m.Tier(0))
	}
}

func TestWeights_ByTier(t *testing.T) {
	m, _ := newManager(t, 6)
	w := m.Weights()
	for tok, x := range w {
		var want float64
		switch m.Tier(tok) {
		case model.TierHot:
			want = 6
		case model.TierWarm:
			want = 3
		case model.TierMid:
			want = 2
		default:
			want = 1
		}
		if x != want {
			t.Errorf("token %d (%s): expected weight %g, got %g", tok, m.Tier(tok), want, x)
		}
	}
}

func TestWeights_TrendingBoost(t *testing.T) {
	m, rng := newManager(t, 7)
	m.WithTrending(5, 2)
	m.Rotate(rng)

	w := m.Weights()
	trending := 0
	for tok := range w {
		base := defaultWeights.of(m.Tier(tok))
		if m.Trending(tok) {
			trending++
			if w[tok] != base*2 {
				t.Errorf("trending token %d: expected %g, got %g", tok, base*2, w[tok])
			}
		} else if w[tok] != base {
			t.Errorf("token %d: expected %g, got %g", tok, base, w[tok])
		}
	}
	if trending != 5 {
		t.Errorf("expected 5 trending tokens, got %d", trending)
	}
}

func TestPick_FavoursHotTokens(t *testing.T) {
	m, rng := newManager(t, 8)
	counts := make(map[model.Tier]int)
	const draws = 20000
	for i := 0; i < draws; i++ {
		counts[m.Tier(m.Pick(rng))]++
	}
	// Expected shares: hot 60/304, cold 64/304.
	hotShare := float64(counts[model.TierHot]) / draws
	if hotShare < 0.17 || hotShare > 0.23 {
		t.Errorf("hot share %.3f outside expected ~0.197", hotShare)
	}
	perHot := float64(counts[model.TierHot]) / 10
	perCold := float64(counts[model.TierCold]) / 64
	if perHot < 4*perCold {
		t.Errorf("hot tokens should be drawn ~6x as often as cold: hot=%.1f cold=%.1f", perHot, perCold)
	}
}

func TestPick_Deterministic(t *testing.T) {
	m1, rng1 := newManager(t, 9)
	m2, rng2 := newManager(t, 9)
	for i := 0; i < 100; i++ {
		if a, b := m1.Pick(rng1), m2.Pick(rng2); a != b {
			t.Fatalf("draw %d diverged: %d vs %d", i, a, b)
		}
	}
}

func TestClone_Independent(t *testing.T) {
	m, rng := newManager(t, 10)
	c := m.Clone()
	for i := 0; i < 5; i++ {
		m.Rotate(rng)
	}
	assertDisjoint(t, c)
	same := true
	for tok := 0; tok < 134; tok++ {
		if m.Tier(tok) != c.Tier(tok) {
			same = false
		}
	}
	if same {
		t.Error("rotating the original should not affect the clone")
	}
}
