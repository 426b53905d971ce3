package geo

import (
	"context"
	"math"
	"sort"
	"sync"
	"time"

	"github.com/example/care-matching/internal/models"
)

const (
	DefaultRadiusKm = 10.0
	MinRadiusKm     = 1.0
	MaxRadiusKm     = 50.0
)

// Query is a proximity search with optional filters. All filters must hold
// for a nurse to be returned.
type Query struct {
	Center        models.Coord
	RadiusKm      float64 // 0 means DefaultRadiusKm; clamped to [Min,Max]
	Service       string  // empty matches any offered category
	MinRating     float64
	MaxPrice      float64 // 0 means no ceiling; prices are per category, so it only applies with Service set
	AvailableOnly bool
}

// Clamped returns the effective search radius for the query.
func (q Query) Clamped() float64 {
	r := q.RadiusKm
	if r == 0 {
		r = DefaultRadiusKm
	}
	return math.Min(math.Max(r, MinRadiusKm), MaxRadiusKm)
}

// Geo is the minimal interface required by the coordinator and handlers.
// Search is read-only and returns an empty slice, not an error, when no
// nurse qualifies.
type Geo interface {
	Search(ctx context.Context, q Query) ([]models.Nurse, error)
	Upsert(ctx context.Context, n models.Nurse) error
	SetAvailability(ctx context.Context, nurseID string, available bool) error
}

// Index is the in-memory implementation: a full scan over versioned nurse
// records. Location updates replace the whole record, never patch it.
type Index struct {
	mu     sync.RWMutex
	nurses map[string]models.Nurse
}

func NewIndex() *Index {
	return &Index{nurses: make(map[string]models.Nurse)}
}

func (g *Index) Upsert(_ context.Context, n models.Nurse) error {
	if err := models.ValidateCoord(n.Loc); err != nil {
		return err
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	n.Updated = time.Now()
	g.nurses[n.ID] = n
	return nil
}

func (g *Index) SetAvailability(_ context.Context, nurseID string, available bool) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	n, ok := g.nurses[nurseID]
	if !ok {
		return nil
	}
	n.Available = available
	n.Updated = time.Now()
	g.nurses[nurseID] = n
	return nil
}

func (g *Index) Search(_ context.Context, q Query) ([]models.Nurse, error) {
	if err := models.ValidateCoord(q.Center); err != nil {
		return nil, err
	}
	radius := q.Clamped()
	g.mu.RLock()
	defer g.mu.RUnlock()
	out := make([]models.Nurse, 0, len(g.nurses))
	for _, n := range g.nurses {
		if !Matches(n, q) {
			continue
		}
		if HaversineKm(q.Center.Lat, q.Center.Lon, n.Loc.Lat, n.Loc.Lon) > radius {
			continue
		}
		out = append(out, n)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

// Matches applies the non-spatial filters.
func Matches(n models.Nurse, q Query) bool {
	if q.AvailableOnly && !n.Available {
		return false
	}
	price, ok := n.Offers(q.Service)
	if !ok {
		return false
	}
	if q.MaxPrice > 0 && q.Service != "" && price > q.MaxPrice {
		return false
	}
	if q.MinRating > 0 && n.AverageRating < q.MinRating {
		return false
	}
	return true
}

// HaversineKm is the great-circle distance in kilometers.
func HaversineKm(lat1, lon1, lat2, lon2 float64) float64 {
	const R = 6371.0
	dLat := (lat2 - lat1) * math.Pi / 180
	dLon := (lon2 - lon1) * math.Pi / 180
	a := math.Sin(dLat/2)*math.Sin(dLat/2) + math.Cos(lat1*math.Pi/180)*math.Cos(lat2*math.Pi/180)*math.Sin(dLon/2)*math.Sin(dLon/2)
	c := 2 * math.Atan2(math.Sqrt(a), math.Sqrt(1-a))
	return R * c
}
