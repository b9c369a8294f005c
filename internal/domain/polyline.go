package domain

// DecodePolyline reverses the standard encoded-polyline algorithm: each
// coordinate component is a delta from the previous one, zig-zag signed,
// split into 5-bit chunks, each chunk offset by 63 into printable ASCII,
// with the continuation bit at 0x20. Values are scaled by 1e5.
//
// The wire order is (lat, lon) pairs; the returned coordinates are
// (lon, lat) per GeoJSON convention. Returns nil for empty or truncated
// input.
func DecodePolyline(encoded string) [][]float64 {
	if encoded == "" {
		return nil
	}

	var coords [][]float64
	var lat, lon int64
	index := 0

	for index < len(encoded) {
		dLat, next, ok := decodeChunk(encoded, index)
		if !ok {
			return nil
		}
		lat += dLat

		dLon, next2, ok := decodeChunk(encoded, next)
		if !ok {
			return nil
		}
		lon += dLon
		index = next2

		coords = append(coords, []float64{float64(lon) / 1e5, float64(lat) / 1e5})
	}

	return normalizeLineCoords(coords)
}

// decodeChunk reads one varint-encoded delta starting at index, returning
// the signed delta and the index past it.
func decodeChunk(encoded string, index int) (int64, int, bool) {
	var result int64
	var shift uint

	for {
		if index >= len(encoded) {
			return 0, index, false
		}
		b := int64(encoded[index]) - 63
		index++
		result |= (b & 0x1f) << shift
		shift += 5
		if b < 0x20 {
			break
		}
	}

	// Zig-zag: the low bit is the sign.
	if result&1 != 0 {
		return ^(result >> 1), index, true
	}
	return result >> 1, index, true
}

// normalizeLineCoords corrects lat/lon-swapped line coordinates. A first
// pair whose leading component fits latitude (<= 90) while the second does
// not look like one (> 90) is taken as evidence the whole line arrived as
// (lat, lon).
func normalizeLineCoords(coords [][]float64) [][]float64 {
	if len(coords) == 0 || len(coords[0]) < 2 {
		return coords
	}
	a, b := coords[0][0], coords[0][1]
	looksSwapped := abs(a) <= 90 && abs(b) > 90
	if !looksSwapped {
		return coords
	}
	swapped := make([][]float64, len(coords))
	for i, c := range coords {
		swapped[i] = []float64{c[1], c[0]}
	}
	return swapped
}

func abs(v float64) float64 {
	if v < 0 {
		return -v
	}
	return v
}
