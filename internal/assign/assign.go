// Package assign implements nearest-available-driver selection. Selection is
// a pure function over a snapshot of responder rows so it can be tested
// without a database or clock.
package assign

import (
	"math"
	"sort"

	"github.com/emergance/emergance/internal/store"
)

const (
	// earthRadiusM is the mean Earth radius used by the haversine distance.
	earthRadiusM = 6_371_000

	// MaxFixAgeMs is how old a responder's location fix may be before the
	// responder is ineligible for new offers.
	MaxFixAgeMs = 20_000

	// MinBatteryPct is the battery floor below which a responder is not
	// offered new work.
	MinBatteryPct = 15

	// AckTimeoutMs is how long a driver has to accept an offer.
	AckTimeoutMs = 15_000
)

// HaversineMeters returns the great-circle distance between two points.
func HaversineMeters(lat1, lng1, lat2, lng2 float64) float64 {
	toRad := func(deg float64) float64 { return deg * math.Pi / 180 }

	dLat := toRad(lat2 - lat1)
	dLng := toRad(lng2 - lng1)
	a := math.Sin(dLat/2)*math.Sin(dLat/2) +
		math.Cos(toRad(lat1))*math.Cos(toRad(lat2))*math.Sin(dLng/2)*math.Sin(dLng/2)
	return earthRadiusM * 2 * math.Atan2(math.Sqrt(a), math.Sqrt(1-a))
}

// Candidate pairs a responder with its distance to the incident.
type Candidate struct {
	Responder store.Responder
	DistanceM float64
}

// Eligible reports whether a responder may receive an offer at nowMs:
// AVAILABLE, location fix fresh, battery above the floor.
func Eligible(r *store.Responder, nowMs int64) bool {
	if r.Status != store.ResponderAvailable {
		return false
	}
	if r.FixAtMs == 0 || nowMs-r.FixAtMs > MaxFixAgeMs {
		return false
	}
	if r.BatteryPct < MinBatteryPct {
		return false
	}
	return true
}

// ChooseDriver picks the best responder for an incident location, or nil if
// none is eligible. Ranking: nearest first, then fewest active assignments,
// then least recently assigned so offers rotate under ties.
func ChooseDriver(responders []store.Responder, lat, lng float64, nowMs int64) *Candidate {
	var candidates []Candidate
	for _, r := range responders {
		if !Eligible(&r, nowMs) {
			continue
		}
		candidates = append(candidates, Candidate{
			Responder: r,
			DistanceM: HaversineMeters(lat, lng, r.Lat, r.Lng),
		})
	}
	if len(candidates) == 0 {
		return nil
	}

	sort.Slice(candidates, func(i, j int) bool {
		a, b := candidates[i], candidates[j]
		if a.DistanceM != b.DistanceM {
			return a.DistanceM < b.DistanceM
		}
		if a.Responder.ActiveAssignments != b.Responder.ActiveAssignments {
			return a.Responder.ActiveAssignments < b.Responder.ActiveAssignments
		}
		return a.Responder.LastAssignedAtMs < b.Responder.LastAssignedAtMs
	})
	return &candidates[0]
}
