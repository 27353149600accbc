// Package geo computes great-circle distances between WGS84 coordinates.
package geo

import "math"

// EarthRadiusMetres is the mean Earth radius used by the haversine formula.
const EarthRadiusMetres = 6371000.0

// HaversineMetres returns the great-circle distance in metres between two
// points given in decimal degrees.
func HaversineMetres(lat1, lon1, lat2, lon2 float64) float64 {
	phi1 := lat1 * math.Pi / 180
	phi2 := lat2 * math.Pi / 180
	dPhi := (lat2 - lat1) * math.Pi / 180
	dLambda := (lon2 - lon1) * math.Pi / 180

	a := math.Sin(dPhi/2)*math.Sin(dPhi/2) +
		math.Cos(phi1)*math.Cos(phi2)*math.Sin(dLambda/2)*math.Sin(dLambda/2)
	if a > 1 {
		a = 1
	}
	return 2 * EarthRadiusMetres * math.Asin(math.Sqrt(a))
}

// HaversineKm is HaversineMetres in kilometres.
func HaversineKm(lat1, lon1, lat2, lon2 float64) float64 {
	return HaversineMetres(lat1, lon1, lat2, lon2) / 1000
}
