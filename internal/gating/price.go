package gating

// legacyPriceThreshold separates the two marker price encoding eras. Markers
// published before prices moved to whole display units carry milli-units;
// nothing in the marker itself says which era it belongs to, so any value
// above this threshold is assumed legacy. The cutoff is inherited from the
// original marker convention and must not be changed while unmigrated
// markers remain in circulation.
const legacyPriceThreshold = 10_000

// DisplayPrice interprets a marker's raw price value as whole display units
// (sats). With migrated=false, values above legacyPriceThreshold are treated
// as legacy milli-units and converted. Operators that have confirmed full
// marker migration set gating.legacy_price_migrated to read every value
// literally instead.
func DisplayPrice(priceValue int64, migrated bool) int64 {
	if !migrated && priceValue > legacyPriceThreshold {
		return milliToDisplay(priceValue)
	}
	return priceValue
}

// milliToDisplay converts milli-units to display units, rounding up so a
// price never rounds to free.
func milliToDisplay(milli int64) int64 {
	return (milli + 999) / 1000
}
