package scenario

import (
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bfsim/bfsim/sim"
	"github.com/bfsim/bfsim/sim/internal/testutil"
)

const inlineScenario = `
start_time: "2024-01-01 08:00"
areas:
  - name: office
    capacity: 500
    initial_temperature: 18
    facilities:
      - type: HVAC
        parameters: {cool_max_power: 2, heat_max_power: 1, cool_cop: 3, heat_cop: 3}
      - type: ES
        parameters: {charge_power: 6, discharge_power: 6, capacity: 10}
    environment:
      - {people: 2, heat_source: 100}
      - {people: 3, heat_source: 150}
      - {people: 0, heat_source: 0}
  - name: roof
    initial_temperature: 10
    facilities:
      - type: PV
        parameters: {max_power: 5}
external_environment:
  - {solar_radiation: 0, temperature: 10, electric_price_unit: 0.2}
  - {solar_radiation: 100, temperature: 11, electric_price_unit: 0.2}
  - {solar_radiation: 200, temperature: 12, electric_price_unit: 0.3}
  - {solar_radiation: 300, temperature: 13, electric_price_unit: 0.3}
`

func TestBuild_InlineSeries(t *testing.T) {
	s, err := Parse([]byte(inlineScenario))
	require.NoError(t, err)

	built, err := s.Build()
	require.NoError(t, err)

	// THEN the series is zipped to the shorter area series
	require.Len(t, built.Environment, 3)
	assert.Equal(t, time.Date(2024, 1, 1, 8, 0, 0, 0, time.UTC), built.StartTime)

	require.Len(t, built.Areas, 2)
	office, roof := built.Areas[0], built.Areas[1]
	assert.True(t, office.SimulatesTemperature())
	assert.False(t, roof.SimulatesTemperature())
	assert.Equal(t, []sim.Kind{sim.KindHVAC, sim.KindStorage}, kindsOf(office))

	env := built.Environment[1]
	assert.Equal(t, 11.0, env.External.Temperature)
	require.NotNil(t, env.Area(0))
	assert.Equal(t, 3, env.Area(0).People)
	assert.Nil(t, env.Area(1), "roof declares no series")

	// widths follow the topology: HVAC 2 + ES 1 + PV 0
	assert.Equal(t, 3, sim.ActionWidthOf(built.Areas))
}

func TestBuild_AreasAreFreshPerCall(t *testing.T) {
	s, err := Parse([]byte(inlineScenario))
	require.NoError(t, err)
	a, err := s.Build()
	require.NoError(t, err)
	b, err := s.Build()
	require.NoError(t, err)
	a.Areas[0].Temperature = 99
	assert.Equal(t, 18.0, b.Areas[0].Temperature)
}

func TestLoadScenario_CSVSeriesRelativeToFile(t *testing.T) {
	dir := t.TempDir()
	testutil.WriteFile(t, dir, "data/outside.csv",
		"temperature,solar_radiation,electric_price_unit\n5,0,0.1\n6,10,0.1\n7,20,0.2\n")
	testutil.WriteFile(t, dir, "data/office.csv", "people, heat_source\n1,50\n2,60\n3,70\n")
	path := testutil.WriteFile(t, dir, "building.yaml", `
areas:
  - name: office
    capacity: 100
    initial_temperature: 20
    facilities: []
    environment_csv: data/office.csv
external_environment_csv: data/outside.csv
`)

	s, err := LoadScenario(path)
	require.NoError(t, err)
	built, err := s.Build()
	require.NoError(t, err)

	require.Len(t, built.Environment, 3)
	assert.Equal(t, sim.ExternalEnvironment{SolarRadiation: 20, Temperature: 7, ElectricPriceUnit: 0.2}, built.Environment[2].External)
	assert.Equal(t, sim.AreaEnvironment{People: 2, HeatSource: 60}, *built.Environment[1].Area(0))
	assert.True(t, built.StartTime.IsZero())
}

func TestLoadScenario_AcceptsJSON(t *testing.T) {
	path := testutil.WriteFile(t, t.TempDir(), "building.json", `{
  "areas": [{"name": "a", "initial_temperature": 20, "facilities": [{"type": "PV", "parameters": {"max_power": 1}}]}],
  "external_environment": [{"solar_radiation": 1000, "temperature": 5, "electric_price_unit": 0}]
}`)
	s, err := LoadScenario(path)
	require.NoError(t, err)
	built, err := s.Build()
	require.NoError(t, err)
	assert.Len(t, built.Environment, 1)
}

func TestParse_RejectsUnknownField(t *testing.T) {
	_, err := Parse([]byte("areas: []\nexternal_enviroment: []\n"))
	require.Error(t, err)
}

func TestValidate_Errors(t *testing.T) {
	tests := []struct {
		name    string
		doc     string
		wantErr string
	}{
		{
			name:    "no areas",
			doc:     "external_environment: [{temperature: 1}]",
			wantErr: "at least one area",
		},
		{
			name: "no external environment",
			doc: `
areas: [{name: a, initial_temperature: 1, facilities: []}]`,
			wantErr: "exactly one of external_environment",
		},
		{
			name: "unknown facility",
			doc: `
areas: [{name: a, initial_temperature: 1, facilities: [{type: WIND, parameters: {}}]}]
external_environment: [{temperature: 1}]`,
			wantErr: "unknown facility type",
		},
		{
			name: "missing parameter",
			doc: `
areas: [{name: a, initial_temperature: 1, facilities: [{type: PV, parameters: {}}]}]
external_environment: [{temperature: 1}]`,
			wantErr: "max_power",
		},
		{
			name: "duplicate area",
			doc: `
areas: [{name: a, initial_temperature: 1, facilities: []}, {name: a, initial_temperature: 1, facilities: []}]
external_environment: [{temperature: 1}]`,
			wantErr: "duplicate name",
		},
		{
			name: "non-positive capacity",
			doc: `
areas: [{name: a, capacity: 0, initial_temperature: 1, facilities: []}]
external_environment: [{temperature: 1}]`,
			wantErr: "capacity must be positive",
		},
		{
			name: "bad start time",
			doc: `
start_time: yesterday
areas: [{name: a, initial_temperature: 1, facilities: []}]
external_environment: [{temperature: 1}]`,
			wantErr: "start_time",
		},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			s, err := Parse([]byte(tc.doc))
			require.NoError(t, err)
			err = s.Validate()
			require.Error(t, err)
			assert.True(t, strings.Contains(err.Error(), tc.wantErr), "error %q does not mention %q", err, tc.wantErr)
		})
	}
}

func TestReadExternalCSV_MissingColumn(t *testing.T) {
	path := testutil.WriteFile(t, t.TempDir(), "outside.csv", "temperature,solar_radiation\n1,2\n")
	_, err := ReadExternalCSV(path)
	assert.ErrorContains(t, err, "electric_price_unit")
}

func TestParseTime(t *testing.T) {
	want := time.Date(2024, 3, 5, 6, 7, 0, 0, time.UTC)
	for _, v := range []string{"2024-03-05T06:07:00Z", "2024-03-05 06:07:00", "2024-03-05 06:07"} {
		got, err := ParseTime(v)
		require.NoError(t, err, v)
		assert.True(t, want.Equal(got), "%s parsed as %v", v, got)
	}
}

func kindsOf(a *sim.Area) []sim.Kind {
	out := make([]sim.Kind, len(a.Facilities))
	for i, f := range a.Facilities {
		out[i] = f.Kind()
	}
	return out
}
