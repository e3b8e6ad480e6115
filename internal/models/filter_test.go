package models

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFilterDescriptor(t *testing.T) {
	createdDesc := OrderBy{Field: "createdAt", Direction: SortDesc}

	t.Run("marshals to listing filter format", func(t *testing.T) {
		f, err := NewFilterDescriptor(createdDesc, 100,
			[]Relation{RelationDevice, RelationGeolocs},
			[]Predicate{{Field: "deviceId", Value: "D1"}})
		require.NoError(t, err)

		data, err := json.Marshal(f)
		require.NoError(t, err)
		assert.JSONEq(t,
			`{"order":"createdAt DESC","limit":100,"include":["Device","Geolocs"],"where":{"and":[{"deviceId":"D1"}]}}`,
			string(data))
	})

	t.Run("omits where without predicates", func(t *testing.T) {
		f, err := NewFilterDescriptor(createdDesc, 500, []Relation{RelationDevice}, nil)
		require.NoError(t, err)

		data, err := json.Marshal(f)
		require.NoError(t, err)
		assert.JSONEq(t, `{"order":"createdAt DESC","limit":500,"include":["Device"]}`, string(data))
	})

	t.Run("rejects non-positive limit", func(t *testing.T) {
		_, err := NewFilterDescriptor(createdDesc, 0, nil, nil)
		assert.ErrorIs(t, err, ErrInvalidLimit)
	})

	t.Run("rejects unknown relation", func(t *testing.T) {
		_, err := NewFilterDescriptor(createdDesc, 10, []Relation{"Devices"}, nil)
		assert.ErrorIs(t, err, ErrUnknownRelation)
	})

	t.Run("WithLimit returns a new value", func(t *testing.T) {
		where := []Predicate{{Field: "deviceId", Value: "D1"}}
		orig, err := NewFilterDescriptor(createdDesc, 100, []Relation{RelationDevice}, where)
		require.NoError(t, err)

		changed, err := orig.WithLimit(1000)
		require.NoError(t, err)

		assert.Equal(t, 100, orig.Limit())
		assert.Equal(t, 1000, changed.Limit())
		assert.False(t, orig.Equal(changed))

		where[0].Value = "mutated"
		got, ok := orig.WhereValue("deviceId")
		assert.True(t, ok)
		assert.Equal(t, "D1", got)
	})

	t.Run("accessors return copies", func(t *testing.T) {
		f, err := NewFilterDescriptor(createdDesc, 100, []Relation{RelationDevice}, nil)
		require.NoError(t, err)

		inc := f.Includes()
		inc[0] = RelationGeolocs
		assert.Equal(t, []Relation{RelationDevice}, f.Includes())
	})
}

func TestScope(t *testing.T) {
	assert.NoError(t, UserScope("u1").Validate())
	assert.NoError(t, OrganizationScope("o1").Validate())
	assert.ErrorIs(t, UserScope("  ").Validate(), ErrEmptyScopeID)
	assert.ErrorIs(t, Scope{Kind: "team", ID: "x"}.Validate(), ErrInvalidScope)
	assert.True(t, OrganizationScope("o1").IsOrganization())
	assert.Equal(t, "user:u1", UserScope("u1").String())
}

func TestDecodePushFrame(t *testing.T) {
	t.Run("decodes create", func(t *testing.T) {
		ev, ok := DecodePushFrame([]byte(`{"payload":{"action":"CREATE","message":{"id":"m4","deviceId":"D1"}}}`))
		require.True(t, ok)
		assert.Equal(t, PushActionCreate, ev.Action)
		assert.Equal(t, "m4", ev.Message.ID)
		assert.Equal(t, "D1", ev.Message.DeviceID)
	})

	t.Run("decodes delete by id", func(t *testing.T) {
		ev, ok := DecodePushFrame([]byte(`{"payload":{"action":"DELETE","message":{"id":"m2"}}}`))
		require.True(t, ok)
		assert.Equal(t, PushActionDelete, ev.Action)
		assert.Equal(t, "m2", ev.Message.ID)
	})

	t.Run("delete only needs the id", func(t *testing.T) {
		ev, ok := DecodePushFrame([]byte(`{"payload":{"action":"DELETE","message":{"id":"m2","seqNumber":"12"}}}`))
		require.True(t, ok)
		assert.Equal(t, PushActionDelete, ev.Action)
		assert.Equal(t, Message{ID: "m2"}, ev.Message)
	})

	t.Run("create keeps the fields that decode", func(t *testing.T) {
		frames := map[string]string{
			"string RSSI": `{"payload":{"action":"CREATE","message":{"id":"m5","deviceId":"D1","reception":[{"id":"S1","RSSI":"-120.00"}]}}}`,
			"string time": `{"payload":{"action":"CREATE","message":{"id":"m5","deviceId":"D1","time":"2017-10-01T10:00:00Z"}}}`,
		}
		for name, frame := range frames {
			t.Run(name, func(t *testing.T) {
				ev, ok := DecodePushFrame([]byte(frame))
				require.True(t, ok)
				assert.Equal(t, PushActionCreate, ev.Action)
				assert.Equal(t, "m5", ev.Message.ID)
				assert.Equal(t, "D1", ev.Message.DeviceID)
			})
		}
	})

	malformed := map[string]string{
		"not json":        `{"payload":`,
		"no payload":      `{"other":true}`,
		"no message":      `{"payload":{"action":"CREATE"}}`,
		"unknown action":  `{"payload":{"action":"UPDATE","message":{"id":"m1"}}}`,
		"empty action":    `{"payload":{"message":{"id":"m1"}}}`,
		"empty id":        `{"payload":{"action":"CREATE","message":{"id":""}}}`,
		"null message":    `{"payload":{"action":"DELETE","message":null}}`,
		"scalar message":  `{"payload":{"action":"DELETE","message":"m1"}}`,
		"numeric id":      `{"payload":{"action":"DELETE","message":{"id":7}}}`,
		"array frame":     `[1,2,3]`,
		"lowercase verbs": `{"payload":{"action":"create","message":{"id":"m1"}}}`,
	}
	for name, frame := range malformed {
		t.Run("ignores "+name, func(t *testing.T) {
			_, ok := DecodePushFrame([]byte(frame))
			assert.False(t, ok)
		})
	}

	t.Run("encode round trips through decode", func(t *testing.T) {
		data, err := EncodePushFrame(PushEvent{Action: PushActionCreate, Message: Message{ID: "m9"}})
		require.NoError(t, err)
		ev, ok := DecodePushFrame(data)
		require.True(t, ok)
		assert.Equal(t, "m9", ev.Message.ID)
	})
}
