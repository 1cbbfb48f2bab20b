package destinations

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	apperrors "data-router/internal/common/errors"
	"data-router/internal/common/logging"
	"data-router/internal/delivery"
	"data-router/internal/record"
	"data-router/internal/routing"
)

func newTestRegistry() *Registry {
	return NewRegistry(logging.NewNopLogger(), WithRegisterer(prometheus.NewRegistry()))
}

func TestRegistryTypes(t *testing.T) {
	types := newTestRegistry().Types()

	assert.Equal(t, []string{
		"email", "file", "kafka", "postgres", "prometheus", "pubsub", "rabbitmq",
		"redis", "s3", "slack", "sns", "sqlite", "sqs", "webhook",
	}, types)
}

func TestRegistryBuild(t *testing.T) {
	r := newTestRegistry()
	ctx := context.Background()

	t.Run("unknown type", func(t *testing.T) {
		_, err := r.Build(ctx, routing.DestinationConfig{ID: "d1", Type: "carrier-pigeon"})
		require.Error(t, err)
		assert.True(t, errors.Is(err, routing.ErrUnknownDestinationType))
		assert.Contains(t, err.Error(), "carrier-pigeon")
	})

	t.Run("invalid config", func(t *testing.T) {
		_, err := r.Build(ctx, routing.DestinationConfig{
			ID:     "d1",
			Type:   "webhook",
			Config: map[string]interface{}{"url": "not a url"},
		})
		require.Error(t, err)
		assert.True(t, apperrors.IsType(err, apperrors.ErrTypeConfig))
		assert.Contains(t, err.Error(), "webhook destination d1")
	})

	t.Run("file", func(t *testing.T) {
		dest, err := r.Build(ctx, routing.DestinationConfig{
			ID:     "archive",
			Type:   "file",
			Config: map[string]interface{}{"path": t.TempDir()},
		})
		require.NoError(t, err)

		f, ok := dest.(*File)
		require.True(t, ok)
		assert.Equal(t, "jsonl", f.config.Format)
		assert.Equal(t, defaultFilenameTemplate, f.config.FilenameTemplate)
	})

	t.Run("custom builder", func(t *testing.T) {
		called := false
		r.Register("custom", func(_ context.Context, cfg routing.DestinationConfig, deps Deps) (delivery.Destination, error) {
			called = true
			assert.NotNil(t, deps.Logger)
			assert.NotNil(t, deps.Registerer)
			return delivery.DestinationFunc(func(context.Context, []record.Record) (int, error) {
				return 0, nil
			}), nil
		})

		_, err := r.Build(ctx, routing.DestinationConfig{ID: "c", Type: "custom"})
		require.NoError(t, err)
		assert.True(t, called)
	})
}

func TestDurationDecode(t *testing.T) {
	tests := []struct {
		name    string
		input   string
		want    time.Duration
		wantErr bool
	}{
		{name: "string", input: `{"timeout":"1.5s"}`, want: 1500 * time.Millisecond},
		{name: "seconds", input: `{"timeout":2}`, want: 2 * time.Second},
		{name: "fractional seconds", input: `{"timeout":0.25}`, want: 250 * time.Millisecond},
		{name: "null", input: `{"timeout":null}`, want: 0},
		{name: "bad string", input: `{"timeout":"soon"}`, wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var v struct {
				Timeout Duration `json:"timeout"`
			}
			err := record.Unmarshal([]byte(tt.input), &v)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, time.Duration(v.Timeout))
		})
	}
}

func TestDurationStd(t *testing.T) {
	assert.Equal(t, 5*time.Second, Duration(0).Std(5*time.Second))
	assert.Equal(t, time.Second, Duration(time.Second).Std(5*time.Second))
}

func TestStringField(t *testing.T) {
	r := record.Record{
		"name":  "ada",
		"count": float64(3),
		"none":  nil,
		"user":  map[string]interface{}{"id": "u1"},
	}

	assert.Equal(t, "ada", stringField(r, "name"))
	assert.Equal(t, "3", stringField(r, "count"))
	assert.Equal(t, "u1", stringField(r, "user.id"))
	assert.Equal(t, "", stringField(r, "none"))
	assert.Equal(t, "", stringField(r, "missing"))
	assert.Equal(t, "", stringField(r, ""))
}
