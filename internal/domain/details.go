package domain

import (
	"encoding/json"
	"fmt"
)

// Detail event types with a known payload shape. Anything else is carried
// as an opaque key-value map for forward compatibility.
const (
	EventTypeNavigation = "navigation"
	EventTypeQueue      = "queue"
	EventTypeCheckout   = "checkout"
)

// EventDetails is a tagged union over the known detail shapes. Exactly one
// of the typed members is set, or Extra holds the raw payload.
type EventDetails struct {
	Navigation *NavigationDetails `json:"navigation,omitempty"`
	Queue      *QueueDetails      `json:"queue,omitempty"`
	Checkout   *CheckoutDetails   `json:"checkout,omitempty"`
	Extra      map[string]any     `json:"extra,omitempty"`
}

type NavigationDetails struct {
	URL        string `json:"url"`
	StatusCode int    `json:"status_code,omitempty"`
	LoadTimeMS int64  `json:"load_time_ms,omitempty"`
}

type QueueDetails struct {
	Position  int   `json:"position,omitempty"`
	WaitMS    int64 `json:"wait_ms,omitempty"`
	Bypassed  bool  `json:"bypassed"`
	QueueSeen bool  `json:"queue_seen"`
}

type CheckoutDetails struct {
	Stage    string  `json:"stage"`
	CartSize int     `json:"cart_size,omitempty"`
	Total    float64 `json:"total,omitempty"`
}

// DecodeDetails interprets a raw payload according to the event type,
// falling back to the opaque map for unknown types or mismatched shapes.
func DecodeDetails(eventType string, raw map[string]any) EventDetails {
	data, err := json.Marshal(raw)
	if err != nil {
		return EventDetails{Extra: raw}
	}
	switch eventType {
	case EventTypeNavigation:
		var d NavigationDetails
		if json.Unmarshal(data, &d) == nil {
			return EventDetails{Navigation: &d}
		}
	case EventTypeQueue:
		var d QueueDetails
		if json.Unmarshal(data, &d) == nil {
			return EventDetails{Queue: &d}
		}
	case EventTypeCheckout:
		var d CheckoutDetails
		if json.Unmarshal(data, &d) == nil {
			return EventDetails{Checkout: &d}
		}
	}
	return EventDetails{Extra: raw}
}

// Raw flattens the union back into the payload map stored in the backend.
func (d EventDetails) Raw() (map[string]any, error) {
	var src any
	switch {
	case d.Navigation != nil:
		src = d.Navigation
	case d.Queue != nil:
		src = d.Queue
	case d.Checkout != nil:
		src = d.Checkout
	case d.Extra != nil:
		return d.Extra, nil
	default:
		return map[string]any{}, nil
	}
	data, err := json.Marshal(src)
	if err != nil {
		return nil, fmt.Errorf("marshal event details: %w", err)
	}
	var out map[string]any
	if err := json.Unmarshal(data, &out); err != nil {
		return nil, err
	}
	return out, nil
}
