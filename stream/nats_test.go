package stream

import (
	"errors"
	"testing"

	"github.com/nats-io/nats.go/jetstream"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
)

func TestSubjectFor(t *testing.T) {
	tests := []struct {
		base   string
		camera int
		want   string
	}{
		{"video.cameras", 0, "video.cameras.0"},
		{"video.cameras", 12, "video.cameras.12"},
		{"video.grid", 3, "video.grid.3"},
	}
	for _, tt := range tests {
		if got := SubjectFor(tt.base, tt.camera); got != tt.want {
			t.Errorf("SubjectFor(%q, %d) = %q, want %q", tt.base, tt.camera, got, tt.want)
		}
	}
}

// settleMsg records how a message was settled
type settleMsg struct {
	jetstream.Msg
	err    error
	acked  bool
	termed bool
}

func (m *settleMsg) Ack() error      { m.acked = true; return m.err }
func (m *settleMsg) Term() error     { m.termed = true; return m.err }
func (m *settleMsg) Subject() string { return "video.cameras.1" }

func TestSettleLogsFailures(t *testing.T) {
	tests := []struct {
		name     string
		ack      bool
		err      error
		wantLogs int
	}{
		{name: "ack", ack: true},
		{name: "term", ack: false},
		{name: "ack fails", ack: true, err: errors.New("nats: connection closed"), wantLogs: 1},
		{name: "term fails", ack: false, err: errors.New("nats: timeout"), wantLogs: 1},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			core, logs := observer.New(zapcore.WarnLevel)
			l := &NATSLog{logger: zap.New(core)}
			msg := &settleMsg{err: tt.err}

			l.settle(msg, tt.ack)

			if msg.acked != tt.ack || msg.termed == tt.ack {
				t.Errorf("acked=%v termed=%v, want ack=%v", msg.acked, msg.termed, tt.ack)
			}
			if logs.Len() != tt.wantLogs {
				t.Fatalf("got %d warnings, want %d", logs.Len(), tt.wantLogs)
			}
			if tt.wantLogs > 0 {
				entry := logs.All()[0]
				if entry.ContextMap()["subject"] != "video.cameras.1" {
					t.Errorf("subject field = %v", entry.ContextMap()["subject"])
				}
			}
		})
	}
}
