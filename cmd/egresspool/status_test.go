package main

import (
	"bytes"
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/spf13/cobra"

	"github.com/hazz-dev/egresspool/internal/registry"
)

type mockSnapshotStore struct {
	eps []registry.Endpoint
	err error
}

func (m *mockSnapshotStore) LoadSnapshot(_ context.Context) ([]registry.Endpoint, error) {
	return m.eps, m.err
}

func TestExecuteStatus_EmptyDB(t *testing.T) {
	cmd := &cobra.Command{}
	var buf bytes.Buffer
	cmd.SetOut(&buf)

	if err := executeStatus(cmd, &mockSnapshotStore{}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !strings.Contains(buf.String(), "No pool snapshot") {
		t.Errorf("expected 'No pool snapshot' message, got:\n%s", buf.String())
	}
}

func TestExecuteStatus_WithEndpoints(t *testing.T) {
	fast, _ := registry.ParseKey("10.0.0.1:3128")
	dead, _ := registry.ParseKey("socks5://10.0.0.2:1080")
	store := &mockSnapshotStore{eps: []registry.Endpoint{
		{Key: fast, Score: 100, LatencyMs: 42, LastCheckedAt: time.Now()},
		{Key: dead, Score: 20, ConsecutiveFailures: 4},
	}}

	cmd := &cobra.Command{}
	var buf bytes.Buffer
	cmd.SetOut(&buf)

	if err := executeStatus(cmd, store); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	output := buf.String()
	for _, want := range []string{
		"ENDPOINT", "http://10.0.0.1:3128", "42ms", "socks5://10.0.0.2:1080", "never",
		"2 endpoints: 1 excellent, 0 good, 1 poor", "fastest http://10.0.0.1:3128",
	} {
		if !strings.Contains(output, want) {
			t.Errorf("expected %q in output, got:\n%s", want, output)
		}
	}
}

func TestExecuteStatus_StoreError(t *testing.T) {
	cmd := &cobra.Command{}
	cmd.SetOut(&bytes.Buffer{})

	err := executeStatus(cmd, &mockSnapshotStore{err: errors.New("db locked")})
	if err == nil || !strings.Contains(err.Error(), "db locked") {
		t.Errorf("expected wrapped store error, got %v", err)
	}
}
