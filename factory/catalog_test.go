package factory_test

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/warp/obligation-engine/factory"
	"github.com/warp/obligation-engine/recurrence"
	"github.com/warp/obligation-engine/timeline"
)

const gstJSON = `{
	"id": "gst",
	"name": "GST Returns",
	"subactivities": [
		{
			"id": "gstr1",
			"name": "GSTR-1",
			"frequency": "monthly",
			"frequencyConfig": {"dayOfMonth": 11, "time": "10:00 AM"},
			"fields": [{"key": "arn", "label": "ARN", "type": "text", "required": true}]
		},
		{
			"id": "gstr1q",
			"name": "GSTR-1-Q",
			"frequency": "quarterly",
			"frequencyConfig": {"dayOfMonth": 13}
		}
	]
}`

const catalogYAML = `
activities:
  - id: itr
    name: Income Tax
    subactivities:
      - id: itr-filing
        name: ITR Filing
        frequency: yearly
        frequencyConfig:
          month: July
          dayOfMonth: 31
          time: "05:00 PM"
        fields:
          - key: ack
            label: Acknowledgement
            type: text
            required: true
  - id: incorporation
    name: Company Incorporation
`

func TestParseActivity(t *testing.T) {
	activity, err := factory.NewCatalogFactory().ParseActivity(gstJSON)
	require.NoError(t, err)

	assert.Equal(t, timeline.ActivityID("gst"), activity.ID)
	require.Len(t, activity.Subactivities, 2)

	rule, err := activity.Subactivities[0].Rule()
	require.NoError(t, err)
	assert.Equal(t, recurrence.MonthlyRule{DayOfMonth: 11, At: recurrence.TimeOfDay{Hour: 10}}, rule)
	assert.Equal(t, []timeline.Field{{Key: "arn", Label: "ARN", Type: "text", Required: true}}, activity.Subactivities[0].Fields)
}

func TestParseActivity_RejectsInvalidDefinitions(t *testing.T) {
	f := factory.NewCatalogFactory()

	tests := map[string]string{
		"missing id":         `{"name": "x"}`,
		"bad json":           `{"id": `,
		"duplicate sub":      `{"id": "a", "subactivities": [{"id": "s"}, {"id": "s"}]}`,
		"missing sub id":     `{"id": "a", "subactivities": [{"name": "s"}]}`,
		"unknown frequency":  `{"id": "a", "subactivities": [{"id": "s", "frequency": "biweekly"}]}`,
		"bad config key":     `{"id": "a", "subactivities": [{"id": "s", "frequency": "monthly", "frequencyConfig": {"weekday": 1}}]}`,
		"bad hour interval":  `{"id": "a", "subactivities": [{"id": "s", "frequency": "hourly", "frequencyConfig": {"hourInterval": 48}}]}`,
	}
	for name, doc := range tests {
		t.Run(name, func(t *testing.T) {
			_, err := f.ParseActivity(doc)
			require.Error(t, err)
			assert.True(t, timeline.IsValidation(err), err.Error())
		})
	}
}

func TestToJSON_RoundTrip(t *testing.T) {
	activity, err := factory.NewCatalogFactory().ParseActivity(gstJSON)
	require.NoError(t, err)

	again, err := factory.FromJSON(factory.ToJSON(activity))
	require.NoError(t, err)

	for i := range activity.Subactivities {
		want, err := activity.Subactivities[i].Rule()
		require.NoError(t, err)
		got, err := again.Subactivities[i].Rule()
		require.NoError(t, err)
		assert.Equal(t, want, got)
	}
}

func TestParseCatalog_YAML(t *testing.T) {
	activities, err := factory.ParseCatalog([]byte(catalogYAML), "yaml")
	require.NoError(t, err)
	require.Len(t, activities, 2)

	itr := activities[0]
	rule, err := itr.Subactivities[0].Rule()
	require.NoError(t, err)
	assert.Equal(t, recurrence.YearlyRule{Month: time.July, DayOfMonth: 31, At: recurrence.TimeOfDay{Hour: 17}}, rule)
	assert.Equal(t, "ack", itr.Subactivities[0].Fields[0].Key)
	assert.True(t, itr.Subactivities[0].Fields[0].Required)

	assert.True(t, activities[1].IsFlat())
}

func TestLoadCatalogFile(t *testing.T) {
	dir := t.TempDir()

	yamlPath := filepath.Join(dir, "catalog.yml")
	require.NoError(t, os.WriteFile(yamlPath, []byte(catalogYAML), 0o644))
	activities, err := factory.LoadCatalogFile(yamlPath)
	require.NoError(t, err)
	assert.Len(t, activities, 2)

	jsonPath := filepath.Join(dir, "catalog.json")
	require.NoError(t, os.WriteFile(jsonPath, []byte(`{"activities": [`+gstJSON+`]}`), 0o644))
	activities, err = factory.LoadCatalogFile(jsonPath)
	require.NoError(t, err)
	assert.Len(t, activities, 1)

	_, err = factory.LoadCatalogFile(filepath.Join(dir, "catalog.toml"))
	assert.Error(t, err)
}
