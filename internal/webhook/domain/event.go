package domain

import (
	"encoding/json"
	"strconv"
	"strings"
	"time"
)

type ObjectType string

const (
	ObjectActivity ObjectType = "activity"
	ObjectAthlete  ObjectType = "athlete"
	ObjectUnknown  ObjectType = "unknown"
)

func ParseObjectType(raw string) ObjectType {
	switch ObjectType(strings.ToLower(strings.TrimSpace(raw))) {
	case ObjectActivity:
		return ObjectActivity
	case ObjectAthlete:
		return ObjectAthlete
	default:
		return ObjectUnknown
	}
}

func (t *ObjectType) UnmarshalJSON(b []byte) error {
	var raw string
	if err := json.Unmarshal(b, &raw); err != nil {
		return err
	}
	*t = ParseObjectType(raw)
	return nil
}

type AspectType string

const (
	AspectCreate  AspectType = "create"
	AspectUpdate  AspectType = "update"
	AspectDelete  AspectType = "delete"
	AspectUnknown AspectType = "unknown"
)

func ParseAspectType(raw string) AspectType {
	switch AspectType(strings.ToLower(strings.TrimSpace(raw))) {
	case AspectCreate:
		return AspectCreate
	case AspectUpdate:
		return AspectUpdate
	case AspectDelete:
		return AspectDelete
	default:
		return AspectUnknown
	}
}

func (t *AspectType) UnmarshalJSON(b []byte) error {
	var raw string
	if err := json.Unmarshal(b, &raw); err != nil {
		return err
	}
	*t = ParseAspectType(raw)
	return nil
}

// Event is a platform webhook notification. Field names follow the
// platform's payload.
type Event struct {
	ObjectType     ObjectType     `json:"object_type"`
	ObjectID       int64          `json:"object_id"`
	AspectType     AspectType     `json:"aspect_type"`
	OwnerID        int64          `json:"owner_id"`
	SubscriptionID int64          `json:"subscription_id"`
	EventTime      int64          `json:"event_time"`
	Updates        map[string]any `json:"updates,omitempty"`
}

// UnmarshalJSON decodes absent or null enum fields as their unknown variant.
func (e *Event) UnmarshalJSON(b []byte) error {
	type wire Event
	w := wire{ObjectType: ObjectUnknown, AspectType: AspectUnknown}
	if err := json.Unmarshal(b, &w); err != nil {
		return err
	}
	*e = Event(w)
	return nil
}

func (e Event) EventTimeUTC() time.Time {
	return time.Unix(e.EventTime, 0).UTC()
}

func (e Event) SourceID() string {
	return strconv.FormatInt(e.ObjectID, 10)
}

func (e Event) OwnerKey() string {
	return strconv.FormatInt(e.OwnerID, 10)
}

// IsActivityCreate reports whether the event announces a new activity, the
// only event that feeds scoring.
func (e Event) IsActivityCreate() bool {
	return e.ObjectType == ObjectActivity && e.AspectType == AspectCreate
}
