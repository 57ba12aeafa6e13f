package internal

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// TestParseInt64 測試寬容整數解析
func TestParseInt64(t *testing.T) {
	tests := []struct {
		name     string
		input    any
		expected int64
	}{
		{"nil", nil, 0},
		{"int64", int64(42), 42},
		{"float64 from json", float64(15), 15},
		{"numeric string", "123", 123},
		{"negative string", "-7", -7},
		{"empty string", "", 0},
		{"garbage string", "abc", 0},
		{"float string", "1.5", 0},
		{"bool", true, 0},
		{"map", map[string]any{}, 0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.expected, parseInt64(tt.input))
		})
	}
}

// TestParseTime 測試寬容時間解析
func TestParseTime(t *testing.T) {
	t.Run("rfc3339nano", func(t *testing.T) {
		want := time.Date(2025, 3, 14, 9, 26, 53, 589793000, time.UTC)
		got := parseTime(want.Format(timeLayout))
		assert.True(t, got.Equal(want))
	})

	t.Run("legacy format without zone", func(t *testing.T) {
		got := parseTime("2025-03-14T09:26:53.5")
		assert.Equal(t, 2025, got.Year())
		assert.Equal(t, time.March, got.Month())
		assert.Equal(t, 9, got.Hour())
	})

	t.Run("unparseable defaults to now", func(t *testing.T) {
		before := time.Now()
		got := parseTime("not-a-timestamp")
		after := time.Now()
		assert.False(t, got.Before(before))
		assert.False(t, got.After(after))
	})

	t.Run("nil defaults to now", func(t *testing.T) {
		before := time.Now()
		got := parseTime(nil)
		assert.False(t, got.Before(before))
	})
}

// TestDecodeReconcilePayload 測試佇列 payload 解碼
func TestDecodeReconcilePayload(t *testing.T) {
	t.Run("full message roundtrip", func(t *testing.T) {
		msg := &ReconcileMessage{
			NoteID:         7,
			Views:          15,
			Likes:          3,
			LastActivityAt: "2025-06-01T12:00:00Z",
			Version:        "3",
		}
		data, err := msg.Encode()
		require.NoError(t, err)

		raw, err := decodeReconcilePayload(data)
		require.NoError(t, err)

		assert.Equal(t, int64(7), parseInt64(raw["note_id"]))
		assert.Equal(t, int64(15), parseInt64(raw["views"]))
		assert.Equal(t, int64(3), parseInt64(raw["version"]))
	})

	t.Run("string encoded note id still parses", func(t *testing.T) {
		raw, err := decodeReconcilePayload([]byte(`{"note_id":"42","views":"10"}`))
		require.NoError(t, err)
		assert.Equal(t, int64(42), parseInt64(raw["note_id"]))
		assert.Equal(t, int64(10), parseInt64(raw["views"]))
	})

	t.Run("non numeric note id parses to sentinel zero", func(t *testing.T) {
		raw, err := decodeReconcilePayload([]byte(`{"note_id":"oops"}`))
		require.NoError(t, err)
		assert.Equal(t, int64(0), parseInt64(raw["note_id"]))
	})

	t.Run("invalid json is an error", func(t *testing.T) {
		_, err := decodeReconcilePayload([]byte("{not json"))
		assert.Error(t, err)
	})
}

// TestValidField 測試計數器欄位名檢查
func TestValidField(t *testing.T) {
	for _, field := range []string{FieldViews, FieldLikes, FieldFavorites, FieldComments} {
		assert.True(t, validField(field), field)
	}
	assert.False(t, validField("version"))
	assert.False(t, validField("last_activity_at"))
	assert.False(t, validField(""))
	assert.False(t, validField("shares"))
}

// TestClampDelta 測試增量箝位
func TestClampDelta(t *testing.T) {
	assert.Equal(t, int64(0), clampDelta(-5))
	assert.Equal(t, int64(0), clampDelta(0))
	assert.Equal(t, int64(3), clampDelta(3))
}
