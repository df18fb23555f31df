package ho

import (
	"math"
	"math/rand"
	"strconv"
	"strings"
)

// randomAttempts bounds the draws spent looking for an untried point before
// falling back to a scan.
const randomAttempts = 64

// scanLimit is the largest search space scanned exhaustively for an untried
// point.
const scanLimit = 1 << 20

// point is a position in the search space: one grid index per parameter.
type point []int64

func (p point) key() string {
	var b strings.Builder
	for i, k := range p {
		if i > 0 {
			b.WriteByte(',')
		}
		b.WriteString(strconv.FormatInt(k, 10))
	}
	return b.String()
}

// sampler proposes the next point to try and learns from finished trials.
// Implementations are not safe for concurrent use; the campaign loop owns them.
type sampler interface {
	// Suggest returns the next point, or false once the strategy has nothing
	// left to propose.
	Suggest() (point, bool)

	// Observe feeds back the loss (lower is better) of a completed point.
	Observe(p point, loss float64)
}

func newSampler(strategy Strategy, space searchSpace, cfg OptimizationConfig, rng *rand.Rand) sampler {
	switch strategy {
	case StrategyRandom:
		return &randomSampler{space: space, rng: rng, seen: make(map[string]struct{})}
	case StrategyGrid:
		return &gridSampler{space: space}
	default:
		return newBayesianSampler(space, cfg, rng)
	}
}

// searchSpace is the product of the parameter grids.
type searchSpace struct {
	params []Parameter
	points []int64
}

func newSearchSpace(params []Parameter) searchSpace {
	s := searchSpace{params: params, points: make([]int64, len(params))}
	for i, p := range params {
		s.points[i] = p.Points()
	}
	return s
}

// size returns the number of points, saturating at math.MaxInt64.
func (s searchSpace) size() int64 {
	if len(s.points) == 0 {
		return 0
	}
	total := int64(1)
	for _, n := range s.points {
		if n <= 0 {
			return 0
		}
		if total > math.MaxInt64/n {
			return math.MaxInt64
		}
		total *= n
	}
	return total
}

func (s searchSpace) exhausted(tried int) bool {
	return int64(tried) >= s.size()
}

func (s searchSpace) random(rng *rand.Rand) point {
	p := make(point, len(s.points))
	for i, n := range s.points {
		p[i] = rng.Int63n(n)
	}
	return p
}

// randomUnseen draws a point not in seen.
func (s searchSpace) randomUnseen(rng *rand.Rand, seen map[string]struct{}) (point, bool) {
	if s.exhausted(len(seen)) {
		return nil, false
	}
	for i := 0; i < randomAttempts; i++ {
		p := s.random(rng)
		if _, ok := seen[p.key()]; !ok {
			return p, true
		}
	}

	size := s.size()
	if size > scanLimit {
		return nil, false
	}
	start := rng.Int63n(size)
	for i := int64(0); i < size; i++ {
		p := s.decode((start + i) % size)
		if _, ok := seen[p.key()]; !ok {
			return p, true
		}
	}
	return nil, false
}

// decode maps a linear index to a point. The last parameter varies fastest.
func (s searchSpace) decode(idx int64) point {
	p := make(point, len(s.points))
	for i := len(s.points) - 1; i >= 0; i-- {
		p[i] = idx % s.points[i]
		idx /= s.points[i]
	}
	return p
}

// normalize maps a point into the unit hypercube for the surrogate model.
func (s searchSpace) normalize(p point) []float64 {
	x := make([]float64, len(p))
	for i, k := range p {
		if s.points[i] <= 1 {
			x[i] = 0.5
			continue
		}
		x[i] = float64(k) / float64(s.points[i]-1)
	}
	return x
}

// values renders a point as parameter overrides.
func (s searchSpace) values(p point) map[string]string {
	v := make(map[string]string, len(p))
	for i, k := range p {
		v[s.params[i].ParamName()] = s.params[i].Format(k)
	}
	return v
}

// randomSampler draws untried points uniformly.
type randomSampler struct {
	space searchSpace
	rng   *rand.Rand
	seen  map[string]struct{}
}

func (s *randomSampler) Suggest() (point, bool) {
	p, ok := s.space.randomUnseen(s.rng, s.seen)
	if !ok {
		return nil, false
	}
	s.seen[p.key()] = struct{}{}
	return p, true
}

func (s *randomSampler) Observe(point, float64) {}

// gridSampler walks the full product in odometer order.
type gridSampler struct {
	space searchSpace
	next  int64
}

func (s *gridSampler) Suggest() (point, bool) {
	if s.next >= s.space.size() {
		return nil, false
	}
	p := s.space.decode(s.next)
	s.next++
	return p, true
}

func (s *gridSampler) Observe(point, float64) {}
