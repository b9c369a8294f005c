package domain_test

import (
	"math"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/couchcryptid/traffic-feed-service/internal/domain"
)

// encodePolyline is the inverse of the decoder, used to build test input.
// It takes (lat, lon) pairs, matching the wire order.
func encodePolyline(latLon [][]float64) string {
	var sb strings.Builder
	var prevLat, prevLon int64
	for _, pair := range latLon {
		lat := int64(math.Round(pair[0] * 1e5))
		lon := int64(math.Round(pair[1] * 1e5))
		encodeValue(&sb, lat-prevLat)
		encodeValue(&sb, lon-prevLon)
		prevLat, prevLon = lat, lon
	}
	return sb.String()
}

func encodeValue(sb *strings.Builder, v int64) {
	u := v << 1
	if v < 0 {
		u = ^u
	}
	for u >= 0x20 {
		sb.WriteByte(byte((u&0x1f)|0x20) + 63)
		u >>= 5
	}
	sb.WriteByte(byte(u) + 63)
}

func TestDecodePolylineRoundTrip(t *testing.T) {
	latLon := [][]float64{
		{44.92000, -93.25000},
		{44.92110, -93.25340},
		{44.92500, -93.26010},
		{44.91880, -93.26550},
	}

	decoded := domain.DecodePolyline(encodePolyline(latLon))
	require.Len(t, decoded, len(latLon))

	for i, pair := range latLon {
		assert.InDelta(t, pair[1], decoded[i][0], 1e-5, "lon at %d", i)
		assert.InDelta(t, pair[0], decoded[i][1], 1e-5, "lat at %d", i)
	}
}

func TestDecodePolylineKnownValue(t *testing.T) {
	// The canonical example from the encoded-polyline algorithm docs:
	// (38.5, -120.2), (40.7, -120.95), (43.252, -126.453).
	decoded := domain.DecodePolyline("_p~iF~ps|U_ulLnnqC_mqNvxq`@")
	require.Len(t, decoded, 3)
	assert.InDelta(t, -120.2, decoded[0][0], 1e-5)
	assert.InDelta(t, 38.5, decoded[0][1], 1e-5)
	assert.InDelta(t, -126.453, decoded[2][0], 1e-5)
	assert.InDelta(t, 43.252, decoded[2][1], 1e-5)
}

func TestDecodePolylineEmptyAndTruncated(t *testing.T) {
	assert.Nil(t, domain.DecodePolyline(""))
	// A single continuation byte promises more chunks that never arrive.
	assert.Nil(t, domain.DecodePolyline("_"))
}

func TestBBoxOverlaps(t *testing.T) {
	base := domain.BBox{MinLon: -93.5, MinLat: 44.5, MaxLon: -93.0, MaxLat: 45.0}

	tests := []struct {
		name string
		o    domain.BBox
		want bool
	}{
		{"identical", base, true},
		{"contained", domain.BBox{MinLon: -93.4, MinLat: 44.6, MaxLon: -93.1, MaxLat: 44.9}, true},
		{"containing", domain.BBox{MinLon: -94.0, MinLat: 44.0, MaxLon: -92.0, MaxLat: 46.0}, true},
		{"partial overlap", domain.BBox{MinLon: -93.2, MinLat: 44.8, MaxLon: -92.8, MaxLat: 45.2}, true},
		{"touching edge", domain.BBox{MinLon: -93.0, MinLat: 44.5, MaxLon: -92.5, MaxLat: 45.0}, true},
		{"touching corner", domain.BBox{MinLon: -93.0, MinLat: 45.0, MaxLon: -92.5, MaxLat: 45.5}, true},
		{"east of", domain.BBox{MinLon: -92.9, MinLat: 44.5, MaxLon: -92.5, MaxLat: 45.0}, false},
		{"north of", domain.BBox{MinLon: -93.5, MinLat: 45.1, MaxLon: -93.0, MaxLat: 45.5}, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, base.Overlaps(tt.o))
			assert.Equal(t, tt.want, tt.o.Overlaps(base))
		})
	}
}

func TestBBoxCenter(t *testing.T) {
	b := domain.BBox{MinLon: -94.0, MinLat: 44.0, MaxLon: -93.0, MaxLat: 45.0}
	lon, lat := b.Center()
	assert.InDelta(t, -93.5, lon, 1e-9)
	assert.InDelta(t, 44.5, lat, 1e-9)
}
