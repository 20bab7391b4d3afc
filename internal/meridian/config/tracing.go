package config

import (
	"io"

	opentracing "github.com/opentracing/opentracing-go"
	log "github.com/sirupsen/logrus"
	jaegercfg "github.com/uber/jaeger-client-go/config"
)

type nopCloser struct{}

func (nopCloser) Close() error { return nil }

// ConfigureTracing configures the global tracer from the JAEGER_*
// environment. The returned closer flushes buffered spans on shutdown and
// is never nil.
func ConfigureTracing() io.Closer {
	traceCfg, err := jaegercfg.FromEnv()
	if err != nil {
		log.WithError(err).Info("Skipping jaeger configuration step")
		return nopCloser{}
	}

	traceCfg.ServiceName = "meridian"
	tracer, closer, err := traceCfg.NewTracer()
	if err != nil {
		log.WithError(err).Warn("Could not initialize jaeger tracer")
		return nopCloser{}
	}

	opentracing.SetGlobalTracer(tracer)
	return closer
}
