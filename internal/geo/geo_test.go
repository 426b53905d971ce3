package geo

import (
	"context"
	"testing"

	"github.com/example/care-matching/internal/models"
)

func TestHaversineZero(t *testing.T) {
	if d := HaversineKm(0, 0, 0, 0); d != 0 {
		t.Fatalf("expected 0, got %f", d)
	}
}

func TestHaversineKnownDistance(t *testing.T) {
	// Lima city center toward Callao, roughly 8 km.
	d := HaversineKm(-12.0464, -77.0428, -12.0566, -77.1181)
	if d < 7 || d > 10 {
		t.Fatalf("unexpected distance %f", d)
	}
}

func nurseAt(id string, lat, lon float64) models.Nurse {
	return models.Nurse{
		ID:        id,
		Loc:       models.Coord{Lat: lat, Lon: lon},
		Services:  map[string]float64{"injection": 50},
		Available: true,
	}
}

func TestSearchRadiusProperty(t *testing.T) {
	ctx := context.Background()
	idx := NewIndex()
	center := models.Coord{Lat: -12.0464, Lon: -77.0428}
	// ~0.009 degrees latitude per km
	near := nurseAt("near", center.Lat+0.02, center.Lon) // ~2.2 km
	far := nurseAt("far", center.Lat+0.2, center.Lon)    // ~22 km
	for _, n := range []models.Nurse{near, far} {
		if err := idx.Upsert(ctx, n); err != nil {
			t.Fatalf("upsert: %v", err)
		}
	}

	got, err := idx.Search(ctx, Query{Center: center, RadiusKm: 10})
	if err != nil {
		t.Fatalf("search: %v", err)
	}
	if len(got) != 1 || got[0].ID != "near" {
		t.Fatalf("expected only near nurse, got %v", got)
	}
	for _, n := range got {
		if d := HaversineKm(center.Lat, center.Lon, n.Loc.Lat, n.Loc.Lon); d > 10 {
			t.Fatalf("nurse %s outside radius: %f km", n.ID, d)
		}
	}
}

func TestSearchFilters(t *testing.T) {
	ctx := context.Background()
	idx := NewIndex()
	center := models.Coord{Lat: 0, Lon: 0}

	a := nurseAt("a", 0.01, 0)
	a.AverageRating, a.TotalReviews = 4.5, 10
	b := nurseAt("b", 0.01, 0)
	b.AverageRating, b.TotalReviews = 3.0, 4
	c := nurseAt("c", 0.01, 0)
	c.Services = map[string]float64{"wound_care": 80}
	d := nurseAt("d", 0.01, 0)
	d.Available = false
	e := nurseAt("e", 0.01, 0)
	e.Services = map[string]float64{"injection": 200}
	for _, n := range []models.Nurse{a, b, c, d, e} {
		if err := idx.Upsert(ctx, n); err != nil {
			t.Fatalf("upsert: %v", err)
		}
	}

	got, err := idx.Search(ctx, Query{
		Center:        center,
		Service:       "injection",
		MinRating:     4.0,
		MaxPrice:      100,
		AvailableOnly: true,
	})
	if err != nil {
		t.Fatalf("search: %v", err)
	}
	if len(got) != 1 || got[0].ID != "a" {
		t.Fatalf("expected only nurse a, got %v", got)
	}
}

func TestSearchEmptyResultIsNotError(t *testing.T) {
	got, err := NewIndex().Search(context.Background(), Query{Center: models.Coord{Lat: 1, Lon: 1}})
	if err != nil {
		t.Fatalf("empty index search should not error: %v", err)
	}
	if len(got) != 0 {
		t.Fatalf("expected empty set, got %v", got)
	}
}

func TestSearchRejectsMalformedCoords(t *testing.T) {
	idx := NewIndex()
	for _, c := range []models.Coord{{Lat: 91, Lon: 0}, {Lat: -91, Lon: 0}, {Lat: 0, Lon: 181}, {Lat: 0, Lon: -181}} {
		if _, err := idx.Search(context.Background(), Query{Center: c}); err == nil {
			t.Fatalf("expected validation error for %v", c)
		}
	}
}

func TestRadiusClamping(t *testing.T) {
	cases := []struct{ in, want float64 }{
		{0, DefaultRadiusKm},
		{0.5, MinRadiusKm},
		{100, MaxRadiusKm},
		{25, 25},
	}
	for _, c := range cases {
		if got := (Query{RadiusKm: c.in}).Clamped(); got != c.want {
			t.Fatalf("radius %f: expected %f got %f", c.in, c.want, got)
		}
	}
}

func TestSetAvailability(t *testing.T) {
	ctx := context.Background()
	idx := NewIndex()
	n := nurseAt("n1", 0.01, 0)
	if err := idx.Upsert(ctx, n); err != nil {
		t.Fatalf("upsert: %v", err)
	}
	if err := idx.SetAvailability(ctx, "n1", false); err != nil {
		t.Fatalf("set availability: %v", err)
	}
	got, err := idx.Search(ctx, Query{Center: models.Coord{}, AvailableOnly: true})
	if err != nil {
		t.Fatalf("search: %v", err)
	}
	if len(got) != 0 {
		t.Fatalf("expected nurse hidden after going unavailable, got %v", got)
	}
}
