package service

import (
	"context"
	"math"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/voltgrid/csms/internal/db"
)

// TariffEngine turns (tariff, energy, session window) into a cost breakdown.
// Computation is pure given the loaded tariff: the caller supplies explicit
// start/end times, so identical inputs always produce identical costs.
type TariffEngine struct {
	store db.Store
}

// NewTariffEngine creates a new tariff engine
func NewTariffEngine(store db.Store) *TariffEngine {
	return &TariffEngine{store: store}
}

// CostBreakdown explains how a session cost was computed.
type CostBreakdown struct {
	TariffName    string  `json:"tariffName,omitempty"`
	EnergyKWh     float64 `json:"energyKWh"`
	FixedStartFee float64 `json:"fixedStartFee,omitempty"`
	EnergyCost    float64 `json:"energyCost"`
	Rate          float64 `json:"rate,omitempty"`
	RateType      string  `json:"rateType,omitempty"` // flat, daytime, nighttime
	Reason        string  `json:"reason,omitempty"`
	TotalCost     float64 `json:"totalCost"`
}

// Cost computes the total cost for a session. A missing or disabled tariff,
// or non-positive energy, yields zero with an explanatory breakdown.
func (e *TariffEngine) Cost(ctx context.Context, tariffID int, energyKWh float64, start, end time.Time) (float64, CostBreakdown) {
	if tariffID == 0 || energyKWh <= 0 {
		return 0, CostBreakdown{EnergyKWh: energyKWh, Reason: "no tariff or zero energy"}
	}

	tariff, found, err := e.store.GetTariff(ctx, tariffID)
	if err != nil {
		logrus.WithError(err).WithField("tariffID", tariffID).Error("Failed to load tariff")
		return 0, CostBreakdown{EnergyKWh: energyKWh, Reason: "tariff lookup failed"}
	}
	if !found || !tariff.Enabled {
		logrus.WithField("tariffID", tariffID).Warn("Tariff not found or disabled")
		return 0, CostBreakdown{EnergyKWh: energyKWh, Reason: "tariff not found or disabled"}
	}

	breakdown := CostBreakdown{TariffName: tariff.Name, EnergyKWh: energyKWh}
	total := 0.0

	if tariff.FixedStartFee != nil {
		total += *tariff.FixedStartFee
		breakdown.FixedStartFee = *tariff.FixedStartFee
	}

	switch {
	case tariff.RateDaytime != nil && tariff.RateNighttime != nil &&
		tariff.DaytimeFrom != "" && tariff.DaytimeTo != "":
		// Time-of-use billing. The session's start time alone selects the
		// rate for all of the energy; sessions crossing the window boundary
		// are not prorated.
		from, okFrom := parseClock(tariff.DaytimeFrom)
		to, okTo := parseClock(tariff.DaytimeTo)
		rate := *tariff.RateNighttime
		rateType := "nighttime"
		if okFrom && okTo && inDaytimeWindow(clockMinutes(start), from, to) {
			rate = *tariff.RateDaytime
			rateType = "daytime"
		}
		breakdown.EnergyCost = energyKWh * rate
		breakdown.Rate = rate
		breakdown.RateType = rateType
		total += breakdown.EnergyCost

	case tariff.RateDaytime != nil:
		breakdown.EnergyCost = energyKWh * *tariff.RateDaytime
		breakdown.Rate = *tariff.RateDaytime
		breakdown.RateType = "flat"
		total += breakdown.EnergyCost

	default:
		breakdown.Reason = "no rate configured"
	}

	total = round2(total)
	breakdown.TotalCost = total
	return total, breakdown
}

// inDaytimeWindow checks window containment in minutes-of-day, handling
// windows that wrap past midnight (e.g. 22:00-06:00).
func inDaytimeWindow(t, from, to int) bool {
	if from <= to {
		return from <= t && t <= to
	}
	return !(to < t && t < from)
}

// parseClock parses an "HH:MM" or "HH:MM:SS" clock string into
// minutes-of-day.
func parseClock(s string) (int, bool) {
	for _, layout := range []string{"15:04", "15:04:05"} {
		if t, err := time.Parse(layout, s); err == nil {
			return t.Hour()*60 + t.Minute(), true
		}
	}
	return 0, false
}

func clockMinutes(t time.Time) int {
	return t.Hour()*60 + t.Minute()
}

func round2(v float64) float64 {
	return math.Round(v*100) / 100
}
