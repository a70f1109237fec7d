package domain

import "math"

// DriverSharePercent is the driver's part of the rider price; the platform
// keeps the rest.
const DriverSharePercent = 60

// MaxPriceCents bounds trip prices so fare arithmetic stays within int64.
const MaxPriceCents = math.MaxInt64 / 100

type FareSplit struct {
	FareCents           int64
	DriverAmountCents   int64
	PlatformAmountCents int64
}

// SplitFare divides a rider price between driver and platform. The driver
// share is rounded half up to the cent and the platform takes the remainder,
// so the two parts always sum to the fare. Whole units and the sub-100
// remainder are scaled separately so no intermediate product overflows.
func SplitFare(priceCents int64) FareSplit {
	whole, rest := priceCents/100, priceCents%100
	driver := whole*DriverSharePercent + (rest*DriverSharePercent+50)/100
	return FareSplit{
		FareCents:           priceCents,
		DriverAmountCents:   driver,
		PlatformAmountCents: priceCents - driver,
	}
}
