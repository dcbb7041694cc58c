package geo

import (
	"math"

	"missiontrack/internal/model"
)

// EarthRadiusMeters is the WGS84 mean radius.
const EarthRadiusMeters = 6371000.0

// DistanceMeters returns the great-circle distance between two points.
func DistanceMeters(a, b model.GeoPoint) float64 {
	return HaversineMeters(a.Lat, a.Lng, b.Lat, b.Lng)
}

func HaversineMeters(lat1, lon1, lat2, lon2 float64) float64 {
	dLat := (lat2 - lat1) * math.Pi / 180
	dLon := (lon2 - lon1) * math.Pi / 180
	a := math.Sin(dLat/2)*math.Sin(dLat/2) + math.Cos(lat1*math.Pi/180)*math.Cos(lat2*math.Pi/180)*math.Sin(dLon/2)*math.Sin(dLon/2)
	c := 2 * math.Atan2(math.Sqrt(a), math.Sqrt(1-a))
	return EarthRadiusMeters * c
}

// Contains reports whether p lies within radius of center. The boundary is inside.
func Contains(center model.GeoPoint, radiusMeters float64, p model.GeoPoint) bool {
	return DistanceMeters(center, p) <= radiusMeters
}

// OffsetNorth returns the point d meters due north of p along the meridian.
func OffsetNorth(p model.GeoPoint, d float64) model.GeoPoint {
	return model.GeoPoint{Lat: p.Lat + (d/EarthRadiusMeters)*180/math.Pi, Lng: p.Lng}
}

// Interpolate returns the point a fraction f of the way from a to b in
// coordinate space. Fine for the short hops of a simulated drive.
func Interpolate(a, b model.GeoPoint, f float64) model.GeoPoint {
	f = math.Max(0, math.Min(1, f))
	return model.GeoPoint{Lat: a.Lat + (b.Lat-a.Lat)*f, Lng: a.Lng + (b.Lng-a.Lng)*f}
}
