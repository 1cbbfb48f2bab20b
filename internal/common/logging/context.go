package logging

import "context"

type contextKey string

const (
	routeIDKey       contextKey = "route_id"
	executionIDKey   contextKey = "execution_id"
	destinationIDKey contextKey = "destination_id"
)

// contextKeys lists the keys WithContext lifts into log fields, in output order
var contextKeys = []contextKey{routeIDKey, executionIDKey, destinationIDKey}

// WithRouteID returns a context carrying the route id for log correlation
func WithRouteID(ctx context.Context, routeID string) context.Context {
	return context.WithValue(ctx, routeIDKey, routeID)
}

// WithExecutionID returns a context carrying the execution id
func WithExecutionID(ctx context.Context, executionID string) context.Context {
	return context.WithValue(ctx, executionIDKey, executionID)
}

// WithDestinationID returns a context carrying the destination id
func WithDestinationID(ctx context.Context, destinationID string) context.Context {
	return context.WithValue(ctx, destinationIDKey, destinationID)
}

// ExecutionID returns the execution id stored in ctx, if any
func ExecutionID(ctx context.Context) string {
	id, _ := ctx.Value(executionIDKey).(string)
	return id
}

func contextFields(ctx context.Context) []Field {
	if ctx == nil {
		return nil
	}

	var fields []Field
	for _, key := range contextKeys {
		if v, ok := ctx.Value(key).(string); ok && v != "" {
			fields = append(fields, Field{Key: string(key), Value: v})
		}
	}
	return fields
}
