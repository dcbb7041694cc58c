package geo

import (
	"math"
	"testing"

	"missiontrack/internal/model"
)

func TestDistanceMeters(t *testing.T) {
	paris := model.GeoPoint{Lat: 48.8566, Lng: 2.3522}
	lyon := model.GeoPoint{Lat: 45.7640, Lng: 4.8357}
	cases := []struct {
		name string
		a, b model.GeoPoint
		want float64
		tol  float64
	}{
		{"same point", paris, paris, 0, 1e-9},
		{"paris-lyon", paris, lyon, 391500, 1500},
		{"one degree latitude", model.GeoPoint{}, model.GeoPoint{Lat: 1}, 111195, 1},
	}
	for _, tc := range cases {
		got := DistanceMeters(tc.a, tc.b)
		if math.Abs(got-tc.want) > tc.tol {
			t.Fatalf("%s: got %.1f want %.1f±%.1f", tc.name, got, tc.want, tc.tol)
		}
	}
}

func TestContainsBoundaryInclusive(t *testing.T) {
	center := model.GeoPoint{Lat: 48.8566, Lng: 2.3522}
	edge := OffsetNorth(center, 200)
	d := DistanceMeters(center, edge)
	if !Contains(center, d, edge) {
		t.Fatalf("point at exactly radius %.6f must be inside", d)
	}
	if Contains(center, d-0.01, edge) {
		t.Fatalf("point beyond radius must be outside")
	}
	if !Contains(center, 0, center) {
		t.Fatalf("center must be inside a zero radius zone")
	}
}

func TestOffsetNorthDistance(t *testing.T) {
	p := model.GeoPoint{Lat: 10, Lng: 20}
	q := OffsetNorth(p, 500)
	if got := DistanceMeters(p, q); math.Abs(got-500) > 0.001 {
		t.Fatalf("offset distance %.4f", got)
	}
}

func TestInterpolateEndpointsAndClamp(t *testing.T) {
	a := model.GeoPoint{Lat: 48, Lng: 2}
	b := model.GeoPoint{Lat: 49, Lng: 3}
	if got := Interpolate(a, b, 0); got != a {
		t.Fatalf("f=0 gave %+v", got)
	}
	if got := Interpolate(a, b, 1.5); got != b {
		t.Fatalf("f>1 gave %+v", got)
	}
	mid := Interpolate(a, b, 0.5)
	if math.Abs(mid.Lat-48.5) > 1e-9 || math.Abs(mid.Lng-2.5) > 1e-9 {
		t.Fatalf("midpoint %+v", mid)
	}
}
