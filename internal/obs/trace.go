package obs

import (
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"
)

// Tracer returns a named tracer from the globally registered provider.
func Tracer(name string) trace.Tracer {
	return otel.Tracer("coursegate.org/" + name)
}
