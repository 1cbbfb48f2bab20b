package routing

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	apperrors "data-router/internal/common/errors"
	"data-router/internal/transform"
)

const sampleRouteFile = `
route:
  id: orders
  enabled: true
  transformations:
    - type: filter
      params:
        field: total
        operator: ">"
        value: 0
  rules:
    - id: big
      enabled: true
      priority: 10
      condition: "total >= 100"
      destinations: [archive]
  error_handling:
    mode: fail
    error_destination: dead
destinations:
  - id: archive
    type: file
    enabled: true
    config:
      path: /tmp/archive
      format: csv
    delivery:
      batch_size: 50
      initial_backoff: 250ms
  - id: dead
    type: file
    enabled: true
    config:
      path: "-"
connectors:
  customers:
    rows:
      - {id: 1, name: ada}
      - {id: 2, name: grace}
  regions:
    type: file
    path: regions.jsonl
`

func TestParseRouteFile(t *testing.T) {
	f, err := ParseRouteFile([]byte(sampleRouteFile))
	require.NoError(t, err)

	assert.Equal(t, "orders", f.Route.ID)
	assert.True(t, f.Route.Enabled)
	require.Len(t, f.Route.Transformations, 1)
	assert.Equal(t, "total", f.Route.Transformations[0].Params["field"])

	_, err = transform.Compile(f.Route.Transformations)
	require.NoError(t, err)
	require.Len(t, f.Route.Rules, 1)
	assert.Equal(t, 10, f.Route.Rules[0].Priority)
	assert.Equal(t, []string{"archive"}, f.Route.Rules[0].Destinations)
	assert.Equal(t, ErrorModeFail, f.Route.ErrorHandling.Mode)
	assert.Equal(t, "dead", f.Route.ErrorHandling.ErrorDestination)

	require.Len(t, f.Destinations, 2)
	archive := f.Destinations[0]
	assert.Equal(t, "csv", archive.Config["format"])
	require.NotNil(t, archive.Delivery)
	require.NotNil(t, archive.Delivery.BatchSize)
	assert.Equal(t, 50, *archive.Delivery.BatchSize)
	require.NotNil(t, archive.Delivery.InitialBackoff)
	assert.Equal(t, 250*time.Millisecond, *archive.Delivery.InitialBackoff)
}

func TestParseRouteFileJSON(t *testing.T) {
	f, err := ParseRouteFile([]byte(`{"route":{"id":"r1","enabled":true,"rules":[]},"destinations":[]}`))
	require.NoError(t, err)
	assert.Equal(t, "r1", f.Route.ID)
}

func TestParseRouteFileErrors(t *testing.T) {
	_, err := ParseRouteFile([]byte("route: [not, a, map]"))
	require.Error(t, err)
	assert.True(t, apperrors.IsType(err, apperrors.ErrTypeConfig))

	_, err = ParseRouteFile([]byte("destinations: []"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "route.id")
}

func TestParseRouteFileRequiresEnabled(t *testing.T) {
	tests := []struct {
		name    string
		data    string
		wantErr string
	}{
		{
			name:    "route",
			data:    `{"route":{"id":"r1","rules":[]},"destinations":[]}`,
			wantErr: "route.enabled",
		},
		{
			name:    "rule",
			data:    `{"route":{"id":"r1","enabled":true,"rules":[{"id":"all","destinations":["a"]}]},"destinations":[]}`,
			wantErr: `rule "all"`,
		},
		{
			name:    "destination",
			data:    `{"route":{"id":"r1","enabled":true,"rules":[]},"destinations":[{"id":"a","type":"file"}]}`,
			wantErr: `destination "a"`,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := ParseRouteFile([]byte(tt.data))
			require.Error(t, err)
			assert.True(t, apperrors.IsType(err, apperrors.ErrTypeConfig))
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}

	f, err := ParseRouteFile([]byte(`{"route":{"id":"r1","enabled":false,"rules":[]},"destinations":[]}`))
	require.NoError(t, err)
	assert.False(t, f.Route.Enabled)
}

func TestRouteFileBuildConnectors(t *testing.T) {
	dir := t.TempDir()
	regions := filepath.Join(dir, "regions.jsonl")
	require.NoError(t, os.WriteFile(regions, []byte(`{"code":"eu"}`+"\n"), 0o644))

	f, err := ParseRouteFile([]byte(sampleRouteFile))
	require.NoError(t, err)
	f.Connectors["regions"] = ConnectorConfig{Type: "file", Path: regions}

	reg, err := f.BuildConnectors()
	require.NoError(t, err)
	assert.Equal(t, []string{"customers", "regions"}, reg.IDs())

	rows, err := reg.Fetch(context.Background(), "customers", nil)
	require.NoError(t, err)
	require.Len(t, rows, 2)
	assert.Equal(t, float64(1), rows[0]["id"])

	rows, err = reg.Fetch(context.Background(), "regions", nil)
	require.NoError(t, err)
	assert.Equal(t, "eu", rows[0]["code"])

	f.Connectors["bad"] = ConnectorConfig{Type: "ftp"}
	_, err = f.BuildConnectors()
	assert.Error(t, err)
}

func TestReadRouteFileMissing(t *testing.T) {
	_, err := ReadRouteFile(filepath.Join(t.TempDir(), "nope.yaml"))
	assert.Error(t, err)
}
