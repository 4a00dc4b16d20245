package profile

import (
	"encoding/json"
	"fmt"
	"strings"
)

// Values holds every value recorded for one profile field, in mention order.
// A single value serialises as a plain JSON string, more than one as an array.
type Values []string

// MarshalJSON implements json.Marshaler.
func (v Values) MarshalJSON() ([]byte, error) {
	if len(v) == 1 {
		return json.Marshal(v[0])
	}
	return json.Marshal([]string(v))
}

// UnmarshalJSON accepts either a JSON string or an array of strings.
func (v *Values) UnmarshalJSON(data []byte) error {
	trimmed := strings.TrimSpace(string(data))
	if trimmed == "null" {
		*v = nil
		return nil
	}
	if strings.HasPrefix(trimmed, "\"") {
		var single string
		if err := json.Unmarshal(data, &single); err != nil {
			return err
		}
		*v = Values{single}
		return nil
	}

	var list []string
	if err := json.Unmarshal(data, &list); err != nil {
		return fmt.Errorf("profile values must be a string or a list of strings: %w", err)
	}
	*v = Values(list)
	return nil
}

// Single returns the only value when exactly one exists.
func (v Values) Single() (string, bool) {
	if len(v) != 1 {
		return "", false
	}
	return v[0], true
}

// Profile maps category -> field -> values.
type Profile map[string]map[string]Values

// New returns an empty, non-nil profile.
func New() Profile {
	return make(Profile)
}

// Add appends values to category/field, creating both on first use.
func (p Profile) Add(category, field string, values ...string) {
	if len(values) == 0 {
		return
	}
	fields, ok := p[category]
	if !ok {
		fields = make(map[string]Values)
		p[category] = fields
	}
	fields[field] = append(fields[field], values...)
}

// Empty reports whether the profile holds no fields.
func (p Profile) Empty() bool {
	for _, fields := range p {
		if len(fields) > 0 {
			return false
		}
	}
	return true
}

// Entry is one flattened profile record, as stored by long-term backends.
type Entry struct {
	Topic    string `json:"topic"`
	SubTopic string `json:"sub_topic"`
	Content  string `json:"content"`
}

// FromEntries folds flat entries into a Profile, preserving order.
func FromEntries(entries []Entry) Profile {
	p := New()
	for _, e := range entries {
		topic := strings.TrimSpace(e.Topic)
		sub := strings.TrimSpace(e.SubTopic)
		content := strings.TrimSpace(e.Content)
		if topic == "" || sub == "" || content == "" {
			continue
		}
		p.Add(topic, sub, content)
	}
	return p
}
