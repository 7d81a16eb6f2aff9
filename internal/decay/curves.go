// Package decay scores how stale a knowledge item is from its age, its
// knowledge type and an optional hard expiry.
package decay

import (
	"math"
	"time"

	"github.com/knowledge-engine/backend/internal/storage/models"
)

type Type string

const (
	Stable     Type = "stable"
	Technical  Type = "technical"
	Market     Type = "market"
	Event      Type = "event"
	Procedural Type = "procedural"
	Reference  Type = "reference"
)

type Function int

const (
	Exponential Function = iota
	Linear
	Step
)

type Curve struct {
	HalfLifeDays float64
	MinValid     float64
	Function     Function
}

// statusBuffer is the band above MinValid reported as decaying.
const statusBuffer = 0.2

var Curves = map[Type]Curve{
	Stable:     {HalfLifeDays: 1095, MinValid: 0.3, Function: Exponential},
	Technical:  {HalfLifeDays: 365, MinValid: 0.4, Function: Exponential},
	Market:     {HalfLifeDays: 90, MinValid: 0.5, Function: Exponential},
	Event:      {HalfLifeDays: 30, MinValid: 0.3, Function: Exponential},
	Procedural: {HalfLifeDays: 548, MinValid: 0.5, Function: Step},
	Reference:  {HalfLifeDays: 730, MinValid: 0.4, Function: Linear},
}

// CurveFor returns the curve of t. Unknown types decay like reference material.
func CurveFor(t Type) Curve {
	if c, ok := Curves[t]; ok {
		return c
	}
	return Curves[Reference]
}

type Score struct {
	Value  float64
	Status models.DecayStatus
}

// Calculate scores an item last updated at lastUpdated. A validUntil in the
// past expires the item regardless of age. Status is judged on the unrounded
// score; Value is rounded to two decimals.
func Calculate(lastUpdated time.Time, t Type, validUntil *time.Time, now time.Time) Score {
	if validUntil != nil && now.After(*validUntil) {
		return Score{Value: 0, Status: models.DecayExpired}
	}

	curve := CurveFor(t)
	ageDays := now.Sub(lastUpdated).Hours() / 24

	var score float64
	switch curve.Function {
	case Exponential:
		score = math.Pow(0.5, ageDays/curve.HalfLifeDays)
	case Linear:
		score = math.Max(0, 1-(0.5/curve.HalfLifeDays)*ageDays)
	case Step:
		score = 1
		if ageDays > curve.HalfLifeDays {
			score = 0
		}
	}
	// future timestamps (clock skew) count as brand new
	score = math.Min(score, 1)

	status := models.DecayFresh
	switch {
	case score < curve.MinValid:
		status = models.DecayExpired
	case score < curve.MinValid+statusBuffer:
		status = models.DecayDecaying
	}

	return Score{Value: math.Round(score*100) / 100, Status: status}
}
