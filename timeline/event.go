// Package timeline implements a multi-relay query and subscription engine for
// Nostr events: connection pooling, query fan-out, result aggregation with
// deduplication, progressive EOSE resolution with adaptive timeouts, live
// update delivery and cursor-based backfill pagination.
package timeline

import (
	"encoding/json"
)

// Event represents a Nostr event (NIP-01)
type Event struct {
	ID         string     `json:"id"`
	PubKey     string     `json:"pubkey"`
	CreatedAt  int64      `json:"created_at"`
	Kind       int        `json:"kind"`
	Tags       [][]string `json:"tags"`
	Content    string     `json:"content"`
	Sig        string     `json:"sig"`
	RelaysSeen []string   `json:"-"`
}

// TagValues returns all values of the given tag name, e.g. TagValues("e")
// returns the event IDs this event references.
func (e *Event) TagValues(name string) []string {
	var values []string
	for _, tag := range e.Tags {
		if len(tag) >= 2 && tag[0] == name {
			values = append(values, tag[1])
		}
	}
	return values
}

// Filter represents a subscription filter (NIP-01). Filters are treated as
// immutable value objects; Clone before mutating a stored one.
type Filter struct {
	IDs     []string
	Authors []string
	Kinds   []int
	Tags    map[string][]string // tag name (without '#') -> accepted values
	Since   *int64
	Until   *int64
	Limit   int
	Search  string // NIP-50, relay support varies
}

// Clone returns a deep copy of the filter.
func (f Filter) Clone() Filter {
	c := f
	c.IDs = append([]string(nil), f.IDs...)
	c.Authors = append([]string(nil), f.Authors...)
	c.Kinds = append([]int(nil), f.Kinds...)
	if f.Since != nil {
		since := *f.Since
		c.Since = &since
	}
	if f.Until != nil {
		until := *f.Until
		c.Until = &until
	}
	if f.Tags != nil {
		c.Tags = make(map[string][]string, len(f.Tags))
		for name, vals := range f.Tags {
			c.Tags[name] = append([]string(nil), vals...)
		}
	}
	return c
}

// wire builds the JSON object sent inside a REQ message.
func (f Filter) wire() map[string]interface{} {
	req := map[string]interface{}{}
	if len(f.IDs) > 0 {
		req["ids"] = f.IDs
	}
	if len(f.Authors) > 0 {
		req["authors"] = f.Authors
	}
	if len(f.Kinds) > 0 {
		req["kinds"] = f.Kinds
	}
	for name, vals := range f.Tags {
		if len(vals) > 0 {
			req["#"+name] = vals
		}
	}
	if f.Since != nil {
		req["since"] = *f.Since
	}
	if f.Until != nil {
		req["until"] = *f.Until
	}
	if f.Limit > 0 {
		req["limit"] = f.Limit
	}
	if f.Search != "" {
		req["search"] = f.Search
	}
	return req
}

// RelayGroup is a named set of relay addresses queried with one filter.
type RelayGroup struct {
	Name      string
	Addresses []string
	Filter    Filter
}

// parseEvent converts raw websocket payload data to an Event without
// re-encoding through JSON text. Returns false when the payload is not an
// event object or carries no ID.
func parseEvent(data interface{}) (Event, bool) {
	m, ok := data.(map[string]interface{})
	if !ok {
		return Event{}, false
	}

	evt := Event{}
	if id, ok := m["id"].(string); ok {
		evt.ID = id
	}
	if pk, ok := m["pubkey"].(string); ok {
		evt.PubKey = pk
	}
	if createdAt, ok := m["created_at"].(float64); ok {
		evt.CreatedAt = int64(createdAt)
	}
	if kind, ok := m["kind"].(float64); ok {
		evt.Kind = int(kind)
	}
	if content, ok := m["content"].(string); ok {
		evt.Content = content
	}
	if sig, ok := m["sig"].(string); ok {
		evt.Sig = sig
	}

	if tags, ok := m["tags"].([]interface{}); ok {
		evt.Tags = make([][]string, 0, len(tags))
		for _, tag := range tags {
			tagArr, ok := tag.([]interface{})
			if !ok {
				continue
			}
			strTag := make([]string, 0, len(tagArr))
			for _, elem := range tagArr {
				if s, ok := elem.(string); ok {
					strTag = append(strTag, s)
				}
			}
			evt.Tags = append(evt.Tags, strTag)
		}
	}

	return evt, evt.ID != ""
}

// MarshalWire renders the event as it travels inside an EVENT message.
func (e *Event) MarshalWire() (json.RawMessage, error) {
	return json.Marshal(e)
}

// shortID truncates an ID/pubkey to 12 chars for logging.
func shortID(id string) string {
	if len(id) >= 12 {
		return id[:12]
	}
	return id
}
