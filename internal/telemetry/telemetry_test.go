package telemetry

import (
	"context"
	"testing"

	"github.com/nextlevelbuilder/chatrelay/internal/config"
)

func TestInitDisabled(t *testing.T) {
	shutdown, err := Init(context.Background(), config.TelemetryConfig{}, "test")
	if err != nil {
		t.Fatalf("disabled init must not fail: %v", err)
	}
	if err := shutdown(context.Background()); err != nil {
		t.Errorf("noop shutdown: %v", err)
	}
}

func TestInitUnknownProtocol(t *testing.T) {
	_, err := Init(context.Background(), config.TelemetryConfig{
		Enabled:  true,
		Endpoint: "localhost:4317",
		Protocol: "carrier-pigeon",
	}, "test")
	if err == nil {
		t.Fatal("unknown protocol must fail")
	}
}

func TestProtocolDefault(t *testing.T) {
	if got := protocolName(""); got != "grpc" {
		t.Errorf("default protocol = %q", got)
	}
}
