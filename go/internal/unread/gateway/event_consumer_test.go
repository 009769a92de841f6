package gateway

import (
	"os"
	"strings"
	"testing"
)

func TestReplicaConsumerName(t *testing.T) {
	tests := []struct {
		name      string
		base      string
		replicaID string
		want      string
	}{
		{"plain replica", "unread-gateway", "gw-1", "unread-gateway-gw-1"},
		{"dotted hostname", "unread-gateway", "gw-1.us-east.internal", "unread-gateway-gw-1-us-east-internal"},
		{"wildcards and spaces", "unread-gateway", "a*b>c d", "unread-gateway-a-b-c-d"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := replicaConsumerName(tt.base, tt.replicaID); got != tt.want {
				t.Fatalf("got %q, want %q", got, tt.want)
			}
		})
	}
}

func TestReplicasGetDistinctDurables(t *testing.T) {
	cfg := DefaultJetStreamConsumerConfig()
	first := replicaConsumerName(cfg.ConsumerName, "gw-1")
	second := replicaConsumerName(cfg.ConsumerName, "gw-2")
	if first == second {
		t.Fatalf("replicas share durable %q", first)
	}
}

func TestReplicaConsumerNameDefaultsToHostname(t *testing.T) {
	got := replicaConsumerName("unread-gateway", "")
	if !strings.HasPrefix(got, "unread-gateway-") || len(got) == len("unread-gateway-") {
		t.Fatalf("got %q, want a replica suffix", got)
	}
	if strings.ContainsAny(got, ".*> ") {
		t.Fatalf("got %q with characters JetStream rejects", got)
	}
	if host, err := os.Hostname(); err == nil && host != "" && !strings.Contains(host, ".") {
		if want := "unread-gateway-" + host; got != want {
			t.Fatalf("got %q, want %q", got, want)
		}
	}
}
