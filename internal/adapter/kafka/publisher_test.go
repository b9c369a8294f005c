package kafka

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/couchcryptid/traffic-feed-service/internal/domain"
)

func TestSerializeToMessage(t *testing.T) {
	e := domain.Entity{
		ID:            "EVT-1",
		Kind:          domain.KindEvent,
		Title:         "Crash reported",
		Category:      domain.CategoryCrash,
		Status:        domain.StatusActive,
		Source:        "MN 511",
		SourceVersion: 3,
	}

	msg, err := serializeToMessage(e)
	require.NoError(t, err)

	assert.Equal(t, []byte("EVT-1"), msg.Key)
	assert.Contains(t, string(msg.Value), `"category":"CRASH"`)
	require.Len(t, msg.Headers, 2)
	assert.Equal(t, "kind", msg.Headers[0].Key)
	assert.Equal(t, []byte("event"), msg.Headers[0].Value)
	assert.Equal(t, "source_version", msg.Headers[1].Key)
	assert.Equal(t, []byte("3"), msg.Headers[1].Value)
}
