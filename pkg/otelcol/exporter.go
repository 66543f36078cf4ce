package otelcol

import (
	"context"
	"net/url"
	"strings"
	"time"

	"questledger/pkg/config"

	"go.opentelemetry.io/otel/exporters/otlp/otlptrace"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
)

const exporterStartTimeout = 10 * time.Second

// collector is where spans go. OTEL.ADDR is either host:port or a full URL;
// an https URL turns transport security on and its path replaces the
// default /v1/traces for the http protocol.
type collector struct {
	protocol string
	endpoint string
	path     string
	secure   bool
}

func parseCollector(protocol, addr string) collector {
	c := collector{protocol: "http", endpoint: addr}
	if strings.EqualFold(protocol, "grpc") {
		c.protocol = "grpc"
	}
	if !strings.Contains(addr, "://") {
		return c
	}
	u, err := url.Parse(addr)
	if err != nil || u.Host == "" {
		return c
	}
	c.endpoint = u.Host
	c.secure = u.Scheme == "https"
	if p := strings.TrimRight(u.Path, "/"); p != "" {
		c.path = p
	}
	return c
}

func newExporter(cfg *config.Config) (*otlptrace.Exporter, error) {
	ctx, cancel := context.WithTimeout(context.Background(), exporterStartTimeout)
	defer cancel()

	c := parseCollector(cfg.Otel.Protocol, cfg.Otel.Addr)
	if c.protocol == "grpc" {
		opts := []otlptracegrpc.Option{
			otlptracegrpc.WithEndpoint(c.endpoint),
			otlptracegrpc.WithCompressor("gzip"),
		}
		if !c.secure {
			opts = append(opts, otlptracegrpc.WithInsecure())
		}
		return otlptrace.New(ctx, otlptracegrpc.NewClient(opts...))
	}

	opts := []otlptracehttp.Option{
		otlptracehttp.WithEndpoint(c.endpoint),
		otlptracehttp.WithCompression(otlptracehttp.GzipCompression),
	}
	if !c.secure {
		opts = append(opts, otlptracehttp.WithInsecure())
	}
	if c.path != "" {
		opts = append(opts, otlptracehttp.WithURLPath(c.path))
	}
	return otlptrace.New(ctx, otlptracehttp.NewClient(opts...))
}
