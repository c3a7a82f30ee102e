package spatial

const geohashAlphabet = "0123456789bcdefghjkmnpqrstuvwxyz"

// Approximate cell edge in meters at the equator, indexed by precision - 1
var geohashCellSizes = [12]float64{
	5000000, 625000, 123000, 19500, 3900, 610, 120, 19, 3.7, 0.6, 0.12, 0.019,
}

// EncodeGeohash encodes a coordinate into a geohash of 1-12 characters
func EncodeGeohash(lat, lon float64, precision int) string {
	precision = min(max(precision, 1), 12)

	latLo, latHi := -90.0, 90.0
	lonLo, lonHi := -180.0, 180.0

	hash := make([]byte, 0, precision)
	ch, bits := 0, 0
	for even := true; len(hash) < precision; even = !even {
		ch <<= 1
		if even {
			if mid := (lonLo + lonHi) / 2; lon > mid {
				ch |= 1
				lonLo = mid
			} else {
				lonHi = mid
			}
		} else {
			if mid := (latLo + latHi) / 2; lat > mid {
				ch |= 1
				latLo = mid
			} else {
				latHi = mid
			}
		}

		if bits++; bits == 5 {
			hash = append(hash, geohashAlphabet[ch])
			ch, bits = 0, 0
		}
	}
	return string(hash)
}

// GeohashCellSize returns the approximate cell edge in meters, or 0 for an
// invalid precision
func GeohashCellSize(precision int) float64 {
	if precision < 1 || precision > 12 {
		return 0
	}
	return geohashCellSizes[precision-1]
}

// GeohashPrecisionForDistance returns the coarsest precision whose cells are
// no larger than distanceMeters
func GeohashPrecisionForDistance(distanceMeters float64) int {
	for precision := 1; precision <= 12; precision++ {
		if GeohashCellSize(precision) <= distanceMeters {
			return precision
		}
	}
	return 12
}
