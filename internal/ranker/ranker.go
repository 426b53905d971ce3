package ranker

import (
	"sort"
	"sync"

	"github.com/example/care-matching/internal/geo"
	"github.com/example/care-matching/internal/models"
)

// Weights control the blend of the three normalized scoring factors.
type Weights struct {
	Proximity float64
	Rating    float64
	Price     float64
}

func DefaultWeights() Weights {
	return Weights{Proximity: 0.4, Rating: 0.4, Price: 0.2}
}

// neutralScore is used where a factor carries no signal: nurses without
// reviews, and price when the candidate set has no price spread.
const neutralScore = 0.5

type Ranker struct {
	Weights Weights
}

func New(w Weights) *Ranker {
	if w.Proximity == 0 && w.Rating == 0 && w.Price == 0 {
		w = DefaultWeights()
	}
	return &Ranker{Weights: w}
}

// Rank scores the candidate set and returns a restartable ordered sequence.
// The order is total: ties are broken lexicographically by nurse ID so runs
// are reproducible.
func (r *Ranker) Rank(origin models.Coord, radiusKm float64, nurses []models.Nurse, service string) *Sequence {
	if radiusKm <= 0 {
		radiusKm = geo.DefaultRadiusKm
	}
	minPrice, maxPrice := priceRange(nurses, service)

	cands := make([]models.Candidate, 0, len(nurses))
	for _, n := range nurses {
		price, _ := n.Offers(service)
		dist := geo.HaversineKm(origin.Lat, origin.Lon, n.Loc.Lat, n.Loc.Lon)

		prox := 1 - dist/radiusKm
		if prox < 0 {
			prox = 0
		}

		rating := neutralScore
		if n.TotalReviews > 0 {
			rating = n.AverageRating / 5
		}

		priceScore := neutralScore
		if maxPrice > minPrice {
			priceScore = 1 - (price-minPrice)/(maxPrice-minPrice)
		}

		score := r.Weights.Proximity*prox + r.Weights.Rating*rating + r.Weights.Price*priceScore
		cands = append(cands, models.Candidate{Nurse: n, DistanceKm: dist, Price: price, Score: score})
	}

	sort.Slice(cands, func(i, j int) bool {
		if cands[i].Score != cands[j].Score {
			return cands[i].Score > cands[j].Score
		}
		return cands[i].Nurse.ID < cands[j].Nurse.ID
	})
	return &Sequence{candidates: cands, excluded: make(map[string]bool)}
}

func priceRange(nurses []models.Nurse, service string) (min, max float64) {
	first := true
	for _, n := range nurses {
		p, ok := n.Offers(service)
		if !ok {
			continue
		}
		if first {
			min, max = p, p
			first = false
			continue
		}
		if p < min {
			min = p
		}
		if p > max {
			max = p
		}
	}
	return min, max
}

// Sequence is a finite, restartable cursor over ranked candidates. The
// coordinator stops consuming after the first acceptance; a nurse who
// rejected the request is excluded for good.
type Sequence struct {
	mu         sync.Mutex
	candidates []models.Candidate
	excluded   map[string]bool
	pos        int
}

// Next returns the next non-excluded candidate, or false when exhausted.
func (s *Sequence) Next() (models.Candidate, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for s.pos < len(s.candidates) {
		c := s.candidates[s.pos]
		s.pos++
		if s.excluded[c.Nurse.ID] {
			continue
		}
		return c, true
	}
	return models.Candidate{}, false
}

// Reset rewinds the cursor. Exclusions survive a reset.
func (s *Sequence) Reset() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.pos = 0
}

// Exclude removes a nurse from this request's candidate pool permanently.
func (s *Sequence) Exclude(nurseID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.excluded[nurseID] = true
}

// Promote moves the nurse's candidate to the front of the order, keeping
// the rest stable. Used for requests targeted at a specific nurse. Returns
// false if the nurse is not in the sequence.
func (s *Sequence) Promote(nurseID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i, c := range s.candidates {
		if c.Nurse.ID == nurseID {
			copy(s.candidates[1:i+1], s.candidates[:i])
			s.candidates[0] = c
			s.pos = 0
			return true
		}
	}
	return false
}

// Prepend inserts a candidate at the front and rewinds the cursor.
func (s *Sequence) Prepend(c models.Candidate) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.candidates = append([]models.Candidate{c}, s.candidates...)
	s.pos = 0
}

// Excluded lists the nurses removed from this sequence's pool.
func (s *Sequence) Excluded() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, 0, len(s.excluded))
	for id := range s.excluded {
		out = append(out, id)
	}
	return out
}

// Remaining counts candidates not yet consumed or excluded.
func (s *Sequence) Remaining() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for i := s.pos; i < len(s.candidates); i++ {
		if !s.excluded[s.candidates[i].Nurse.ID] {
			n++
		}
	}
	return n
}
