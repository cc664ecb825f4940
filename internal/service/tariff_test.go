package service

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/voltgrid/csms/internal/db"
	"github.com/voltgrid/csms/internal/db/models"
)

func floatPtr(v float64) *float64 { return &v }

func TestCostFlatRate(t *testing.T) {
	store := db.NewMemoryStore()
	store.AddTariff(models.Tariff{
		ID:            1,
		Name:          "flat",
		Enabled:       true,
		RateDaytime:   floatPtr(2.50),
		FixedStartFee: floatPtr(5.00),
	})
	engine := NewTariffEngine(store)

	start := time.Date(2026, 3, 10, 14, 0, 0, 0, time.UTC)
	cost, breakdown := engine.Cost(context.Background(), 1, 10.0, start, start.Add(time.Hour))

	assert.Equal(t, 30.0, cost)
	assert.Equal(t, "flat", breakdown.RateType)
	assert.Equal(t, 5.0, breakdown.FixedStartFee)
	assert.Equal(t, 25.0, breakdown.EnergyCost)
}

func TestCostDaytimeWindowSelectedByStartTime(t *testing.T) {
	store := db.NewMemoryStore()
	store.AddTariff(models.Tariff{
		ID:            1,
		Name:          "time-of-use",
		Enabled:       true,
		RateDaytime:   floatPtr(3.00),
		RateNighttime: floatPtr(1.50),
		DaytimeFrom:   "06:00",
		DaytimeTo:     "22:00",
	})
	engine := NewTariffEngine(store)

	day := time.Date(2026, 3, 10, 9, 30, 0, 0, time.UTC)
	cost, breakdown := engine.Cost(context.Background(), 1, 4.0, day, day.Add(time.Hour))
	assert.Equal(t, 12.0, cost)
	assert.Equal(t, "daytime", breakdown.RateType)

	// A session starting at night keeps the night rate even if it runs
	// into the daytime window.
	night := time.Date(2026, 3, 10, 23, 15, 0, 0, time.UTC)
	cost, breakdown = engine.Cost(context.Background(), 1, 4.0, night, night.Add(8*time.Hour))
	assert.Equal(t, 6.0, cost)
	assert.Equal(t, "nighttime", breakdown.RateType)
}

func TestCostWindowWrappingMidnight(t *testing.T) {
	store := db.NewMemoryStore()
	store.AddTariff(models.Tariff{
		ID:            1,
		Name:          "inverted",
		Enabled:       true,
		RateDaytime:   floatPtr(2.00),
		RateNighttime: floatPtr(1.00),
		DaytimeFrom:   "22:00",
		DaytimeTo:     "06:00",
	})
	engine := NewTariffEngine(store)

	inside := time.Date(2026, 3, 10, 23, 0, 0, 0, time.UTC)
	_, breakdown := engine.Cost(context.Background(), 1, 1.0, inside, inside)
	assert.Equal(t, "daytime", breakdown.RateType)

	alsoInside := time.Date(2026, 3, 10, 3, 0, 0, 0, time.UTC)
	_, breakdown = engine.Cost(context.Background(), 1, 1.0, alsoInside, alsoInside)
	assert.Equal(t, "daytime", breakdown.RateType)

	outside := time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC)
	_, breakdown = engine.Cost(context.Background(), 1, 1.0, outside, outside)
	assert.Equal(t, "nighttime", breakdown.RateType)
}

func TestCostZeroForMissingTariffOrEnergy(t *testing.T) {
	store := db.NewMemoryStore()
	engine := NewTariffEngine(store)
	now := time.Now()

	cost, breakdown := engine.Cost(context.Background(), 0, 5.0, now, now)
	assert.Zero(t, cost)
	assert.NotEmpty(t, breakdown.Reason)

	cost, _ = engine.Cost(context.Background(), 42, 5.0, now, now)
	assert.Zero(t, cost)

	store.AddTariff(models.Tariff{ID: 7, Enabled: false, RateDaytime: floatPtr(2.0)})
	cost, _ = engine.Cost(context.Background(), 7, 5.0, now, now)
	assert.Zero(t, cost)

	store.AddTariff(models.Tariff{ID: 8, Enabled: true, RateDaytime: floatPtr(2.0)})
	cost, _ = engine.Cost(context.Background(), 8, 0, now, now)
	assert.Zero(t, cost)
}

func TestCostRounding(t *testing.T) {
	store := db.NewMemoryStore()
	store.AddTariff(models.Tariff{
		ID:          1,
		Enabled:     true,
		RateDaytime: floatPtr(0.333),
	})
	engine := NewTariffEngine(store)

	now := time.Now()
	cost, _ := engine.Cost(context.Background(), 1, 10.0, now, now)
	assert.Equal(t, 3.33, cost)
}
