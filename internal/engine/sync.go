package engine

import (
	"encoding/json"
	"fmt"
	"io"

	"github.com/peregrine-im/matrix-go/internal/jstream"
	"github.com/peregrine-im/matrix-go/internal/roomstate"
)

// toDeviceEvent is one captured to-device event.
type toDeviceEvent struct {
	Type    string          `json:"type"`
	Sender  string          `json:"sender"`
	Content json.RawMessage `json:"content"`
}

// syncResult is everything a sync response contributes, in arrival order
// within each category.
type syncResult struct {
	NextBatch string
	OTKCount  int64 // signed_curve25519 count, -1 when absent
	Changed   []string
	Left      []string
	ToDevice  []toDeviceEvent
	Rooms     map[string][]roomstate.Event
}

// capturedTypes are the room event types worth materializing; everything
// else in a timeline or state array is skipped without buffering.
func captureRoomEvent(evType string) bool {
	switch evType {
	case "m.room.name", "m.room.canonical_alias", "m.room.member",
		"m.room.message", "m.room.encrypted", "m.bridge":
		return true
	}
	return false
}

// parseSync walks one sync response incrementally. Only the fields the
// engine acts on are materialized; unknown keys are skipped structurally
// and their bytes released as parsing advances.
func parseSync(r io.Reader) (*syncResult, error) {
	res := &syncResult{OTKCount: -1, Rooms: map[string][]roomstate.Event{}}
	s := jstream.NewScanner(r)

	err := s.Object(func(key string) error {
		defer s.Release()
		switch key {
		case "next_batch":
			var err error
			res.NextBatch, err = s.String()
			return err
		case "device_one_time_keys_count":
			return s.Object(func(alg string) error {
				if alg != "signed_curve25519" {
					return s.SkipValue()
				}
				var err error
				res.OTKCount, err = s.Int()
				return err
			})
		case "device_lists":
			raw, err := s.CaptureValue()
			if err != nil {
				return err
			}
			var lists struct {
				Changed []string `json:"changed"`
				Left    []string `json:"left"`
			}
			if err := json.Unmarshal(raw, &lists); err != nil {
				return fmt.Errorf("engine: device_lists: %w", err)
			}
			res.Changed = lists.Changed
			res.Left = lists.Left
			return nil
		case "to_device":
			return s.Object(func(inner string) error {
				if inner != "events" {
					return s.SkipValue()
				}
				return s.Array(func() error {
					raw, err := s.CaptureValue()
					if err != nil {
						return err
					}
					var ev toDeviceEvent
					if err := json.Unmarshal(raw, &ev); err != nil {
						return fmt.Errorf("engine: to-device event: %w", err)
					}
					res.ToDevice = append(res.ToDevice, ev)
					s.Release()
					return nil
				})
			})
		case "rooms":
			return s.Object(func(membership string) error {
				if membership != "join" {
					return s.SkipValue()
				}
				return s.Object(func(roomID string) error {
					return parseJoinedRoom(s, res, roomID)
				})
			})
		default:
			return s.SkipValue()
		}
	})
	if err != nil {
		return nil, err
	}
	return res, nil
}

func parseJoinedRoom(s *jstream.Scanner, res *syncResult, roomID string) error {
	return s.Object(func(section string) error {
		if section != "timeline" && section != "state" {
			return s.SkipValue()
		}
		return s.Object(func(inner string) error {
			if inner != "events" {
				return s.SkipValue()
			}
			return s.Array(func() error {
				ev, err := parseRoomEvent(s)
				if err != nil {
					return err
				}
				if captureRoomEvent(ev.Type) {
					res.Rooms[roomID] = append(res.Rooms[roomID], ev)
				}
				s.Release()
				return nil
			})
		})
	})
}

// parseRoomEvent walks one event object field by field. Once the type
// is known to be uninteresting the content value is skipped without
// buffering; servers put "content" after "type" in practice, so
// reaction spam and rich state never get captured at all.
func parseRoomEvent(s *jstream.Scanner) (roomstate.Event, error) {
	var ev roomstate.Event
	typeKnown := false
	err := s.Object(func(field string) error {
		var err error
		switch field {
		case "type":
			ev.Type, err = s.String()
			typeKnown = true
		case "event_id":
			ev.EventID, err = s.String()
		case "sender":
			ev.Sender, err = s.String()
		case "state_key":
			ev.StateKey, err = s.String()
		case "content":
			if typeKnown && !captureRoomEvent(ev.Type) {
				return s.SkipValue()
			}
			var raw []byte
			raw, err = s.CaptureValue()
			if err == nil {
				ev.Content = append(json.RawMessage(nil), raw...)
			}
		default:
			return s.SkipValue()
		}
		if err != nil {
			return fmt.Errorf("engine: room event %q: %w", field, err)
		}
		return nil
	})
	return ev, err
}
