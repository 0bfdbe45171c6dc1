package main

import (
	"bytes"
	"context"
	"log/slog"
	"strings"
	"testing"
	"time"

	"shadownexus/internal/registry"
)

func TestRunMetricsLogsOnTick(t *testing.T) {
	reg := registry.New()
	reg.Register(fakeMetricsSender{"alice"})

	var buf bytes.Buffer
	log := slog.New(slog.NewTextHandler(&buf, nil))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		runMetrics(ctx, reg, log, 20*time.Millisecond)
		close(done)
	}()

	time.Sleep(80 * time.Millisecond)
	cancel()
	<-done

	output := buf.String()
	if !strings.Contains(output, "connected_users=1") {
		t.Errorf("expected connected_users=1 in output, got: %q", output)
	}
}

func TestRunMetricsStopsOnCancel(t *testing.T) {
	reg := registry.New()
	log := slog.New(slog.NewTextHandler(&bytes.Buffer{}, nil))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		runMetrics(ctx, reg, log, 20*time.Millisecond)
		close(done)
	}()

	cancel()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("runMetrics did not exit after cancel")
	}
}

type fakeMetricsSender struct{ name string }

func (f fakeMetricsSender) Send([]byte) error { return nil }
func (f fakeMetricsSender) Username() string  { return f.name }
func (f fakeMetricsSender) IsSystem() bool    { return false }
