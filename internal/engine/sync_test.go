package engine

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
)

const syncFixture = `{
	"next_batch": "s100_200",
	"presence": {"events": [{"type": "m.presence", "content": {"huge": ["ignored", {"deeply": "nested"}]}}]},
	"device_one_time_keys_count": {"signed_curve25519": 7, "other_alg": 99},
	"device_lists": {"changed": ["@a:hs", "@b:hs"], "left": ["@c:hs"]},
	"to_device": {
		"events": [
			{"type": "m.room_key", "sender": "@bot:hs", "content": {"room_id": "!r:hs", "session_id": "sess"}},
			{"type": "m.key.verification.request", "sender": "@me:hs", "content": {"transaction_id": "t"}}
		]
	},
	"rooms": {
		"invite": {"!other:hs": {"invite_state": {"events": [{"type": "m.room.member"}]}}},
		"join": {
			"!r:hs": {
				"state": {
					"events": [
						{"type": "m.room.member", "state_key": "@a:hs", "content": {"membership": "join", "displayname": "Ann"}},
						{"type": "m.room.power_levels", "content": {"users_default": 0}}
					]
				},
				"timeline": {
					"events": [
						{"type": "m.room.message", "event_id": "$1", "sender": "@a:hs", "content": {"body": "hi"}},
						{"type": "m.reaction", "event_id": "$2", "content": {}},
						{"type": "m.room.encrypted", "event_id": "$3", "sender": "@bot:hs", "content": {"algorithm": "m.megolm.v1.aes-sha2"}}
					]
				}
			}
		}
	}
}`

func TestParseSync(t *testing.T) {
	res, err := parseSync(strings.NewReader(syncFixture))
	require.NoError(t, err)

	require.Equal(t, "s100_200", res.NextBatch)
	require.Equal(t, int64(7), res.OTKCount)
	require.Equal(t, []string{"@a:hs", "@b:hs"}, res.Changed)
	require.Equal(t, []string{"@c:hs"}, res.Left)

	require.Len(t, res.ToDevice, 2)
	require.Equal(t, "m.room_key", res.ToDevice[0].Type)
	require.Equal(t, "@bot:hs", res.ToDevice[0].Sender)
	require.Equal(t, "m.key.verification.request", res.ToDevice[1].Type)

	events := res.Rooms["!r:hs"]
	require.Len(t, events, 3, "power_levels and reaction must be filtered")
	require.Equal(t, "m.room.member", events[0].Type)
	require.Equal(t, "@a:hs", events[0].StateKey)
	require.Equal(t, "m.room.message", events[1].Type)
	require.Equal(t, "$1", events[1].EventID)
	require.Equal(t, "m.room.encrypted", events[2].Type)

	_, ok := res.Rooms["!other:hs"]
	require.False(t, ok, "invited rooms are not walked")
}

func TestParseSyncMinimal(t *testing.T) {
	res, err := parseSync(strings.NewReader(`{"next_batch": "b"}`))
	require.NoError(t, err)
	require.Equal(t, "b", res.NextBatch)
	require.Equal(t, int64(-1), res.OTKCount)
	require.Empty(t, res.ToDevice)
	require.Empty(t, res.Rooms)
}

// Field order inside an event is not guaranteed: content arriving
// before type must still be captured for interesting events and the
// event dropped otherwise.
func TestParseSyncContentBeforeType(t *testing.T) {
	fixture := `{"next_batch":"b","rooms":{"join":{"!r:hs":{"timeline":{"events":[
		{"content":{"body":"hi"},"event_id":"$1","sender":"@a:hs","type":"m.room.message"},
		{"content":{"huge":"blob"},"type":"m.reaction"}
	]}}}}}`
	res, err := parseSync(strings.NewReader(fixture))
	require.NoError(t, err)

	events := res.Rooms["!r:hs"]
	require.Len(t, events, 1)
	require.Equal(t, "$1", events[0].EventID)
	require.JSONEq(t, `{"body":"hi"}`, string(events[0].Content))
}

func TestParseSyncTruncated(t *testing.T) {
	_, err := parseSync(strings.NewReader(`{"next_batch": "b", "rooms": {"join": {"!r:hs"`))
	require.Error(t, err)
}
