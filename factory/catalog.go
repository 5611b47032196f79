/*
Package factory converts activity catalog documents into timeline activities.

PURPOSE:
  The activity catalog (which filings exist, how often they recur, which
  fields they collect) is maintained as data, not code. The factory turns
  JSON or YAML definitions into timeline.Activity values, validating every
  recurrence rule on the way in so a broken definition is rejected at load
  time instead of at generation time.

JSON SCHEMA:
  {
    "id": "gst",
    "name": "GST Returns",
    "subactivities": [
      {
        "id": "gstr1",
        "name": "GSTR-1",
        "frequency": "monthly",
        "frequencyConfig": {"dayOfMonth": 11, "time": "10:00 AM"},
        "fields": [{"key": "arn", "label": "ARN", "type": "text", "required": true}]
      }
    ]
  }

  A catalog file wraps a list of these under "activities". YAML files use the
  same keys.

USAGE:
  f := NewCatalogFactory()
  activity, err := f.ParseActivity(jsonString)

  activities, err := LoadCatalogFile("catalog.yaml")

SEE ALSO:
  - timeline/types.go: Activity and Subactivity
  - recurrence/spec.go: frequency + frequencyConfig decoding
*/
package factory

import (
	"bytes"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/warp/obligation-engine/recurrence"
	"github.com/warp/obligation-engine/timeline"
	"gopkg.in/yaml.v3"
)

// =============================================================================
// JSON SCHEMA TYPES
// =============================================================================

// ActivityJSON is the document form of an activity.
type ActivityJSON struct {
	ID            string            `json:"id" yaml:"id"`
	Name          string            `json:"name" yaml:"name"`
	Subactivities []SubactivityJSON `json:"subactivities,omitempty" yaml:"subactivities,omitempty"`
}

// SubactivityJSON is the document form of a subactivity. FrequencyConfig is
// kept generic so the same type decodes from JSON and YAML.
type SubactivityJSON struct {
	ID              string           `json:"id" yaml:"id"`
	Name            string           `json:"name" yaml:"name"`
	Frequency       string           `json:"frequency,omitempty" yaml:"frequency,omitempty"`
	FrequencyConfig any              `json:"frequencyConfig,omitempty" yaml:"frequencyConfig,omitempty"`
	Fields          []timeline.Field `json:"fields,omitempty" yaml:"fields,omitempty"`
}

// CatalogJSON is a catalog file.
type CatalogJSON struct {
	Activities []ActivityJSON `json:"activities" yaml:"activities"`
}

// =============================================================================
// CATALOG FACTORY
// =============================================================================

// CatalogFactory converts catalog documents to activities.
type CatalogFactory struct{}

// NewCatalogFactory creates a new catalog factory.
func NewCatalogFactory() *CatalogFactory {
	return &CatalogFactory{}
}

// ParseActivity parses a single activity from a JSON string.
func (f *CatalogFactory) ParseActivity(jsonStr string) (timeline.Activity, error) {
	var doc ActivityJSON
	if err := json.Unmarshal([]byte(jsonStr), &doc); err != nil {
		return timeline.Activity{}, &timeline.ValidationError{Field: "activity", Reason: fmt.Sprintf("invalid JSON: %v", err)}
	}
	return FromJSON(doc)
}

// FromJSON validates doc and converts it to an activity.
func FromJSON(doc ActivityJSON) (timeline.Activity, error) {
	if strings.TrimSpace(doc.ID) == "" {
		return timeline.Activity{}, &timeline.ValidationError{Field: "id", Reason: "required"}
	}

	activity := timeline.Activity{
		ID:   timeline.ActivityID(doc.ID),
		Name: doc.Name,
	}

	seen := make(map[string]bool)
	for i, s := range doc.Subactivities {
		field := fmt.Sprintf("subactivities[%d]", i)
		if strings.TrimSpace(s.ID) == "" {
			return timeline.Activity{}, &timeline.ValidationError{Field: field + ".id", Reason: "required"}
		}
		if seen[s.ID] {
			return timeline.Activity{}, &timeline.ValidationError{Field: field + ".id", Reason: fmt.Sprintf("duplicate subactivity %q", s.ID)}
		}
		seen[s.ID] = true

		spec, err := specOf(s)
		if err != nil {
			return timeline.Activity{}, &timeline.ValidationError{Field: field + ".frequencyConfig", Reason: err.Error()}
		}
		sub := timeline.Subactivity{
			ID:         timeline.SubactivityID(s.ID),
			Name:       s.Name,
			Recurrence: spec,
			Fields:     s.Fields,
		}
		if _, err := sub.Rule(); err != nil {
			return timeline.Activity{}, fmt.Errorf("activity %s: %w", doc.ID, err)
		}
		activity.Subactivities = append(activity.Subactivities, sub)
	}
	return activity, nil
}

// ToJSON converts an activity back to its document form.
func ToJSON(activity timeline.Activity) ActivityJSON {
	doc := ActivityJSON{
		ID:   string(activity.ID),
		Name: activity.Name,
	}
	for _, s := range activity.Subactivities {
		sj := SubactivityJSON{
			ID:        string(s.ID),
			Name:      s.Name,
			Frequency: string(s.Recurrence.Frequency),
			Fields:    s.Fields,
		}
		if raw := bytes.TrimSpace(s.Recurrence.Config); len(raw) > 0 {
			var cfg any
			if err := json.Unmarshal(raw, &cfg); err == nil {
				sj.FrequencyConfig = cfg
			}
		}
		doc.Subactivities = append(doc.Subactivities, sj)
	}
	return doc
}

func specOf(s SubactivityJSON) (recurrence.Spec, error) {
	spec := recurrence.Spec{Frequency: recurrence.Frequency(s.Frequency)}
	if s.FrequencyConfig == nil {
		return spec, nil
	}
	raw, err := json.Marshal(s.FrequencyConfig)
	if err != nil {
		return spec, fmt.Errorf("frequencyConfig is not representable as JSON: %w", err)
	}
	spec.Config = raw
	return spec, nil
}

// =============================================================================
// CATALOG FILES
// =============================================================================

// ParseCatalog decodes a catalog document. format is "json" or "yaml".
func ParseCatalog(data []byte, format string) ([]timeline.Activity, error) {
	var doc CatalogJSON
	switch strings.ToLower(format) {
	case "json":
		if err := json.Unmarshal(data, &doc); err != nil {
			return nil, &timeline.ValidationError{Field: "catalog", Reason: fmt.Sprintf("invalid JSON: %v", err)}
		}
	case "yaml", "yml":
		if err := yaml.Unmarshal(data, &doc); err != nil {
			return nil, &timeline.ValidationError{Field: "catalog", Reason: fmt.Sprintf("invalid YAML: %v", err)}
		}
	default:
		return nil, &timeline.ValidationError{Field: "catalog", Reason: fmt.Sprintf("unsupported format %q", format)}
	}

	activities := make([]timeline.Activity, 0, len(doc.Activities))
	for _, a := range doc.Activities {
		activity, err := FromJSON(a)
		if err != nil {
			return nil, err
		}
		activities = append(activities, activity)
	}
	return activities, nil
}

// LoadCatalogFile reads a .json, .yaml or .yml catalog file.
func LoadCatalogFile(path string) ([]timeline.Activity, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read catalog %s: %w", path, err)
	}
	format := strings.TrimPrefix(filepath.Ext(path), ".")
	activities, err := ParseCatalog(data, format)
	if err != nil {
		return nil, fmt.Errorf("parse catalog %s: %w", path, err)
	}
	return activities, nil
}
