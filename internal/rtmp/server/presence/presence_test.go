package presence

import "testing"

func TestStreamKeyNamespacesByAppAndStream(t *testing.T) {
	got := streamKey("live", "foo")
	want := "rtmp:presence:live/foo"
	if got != want {
		t.Fatalf("streamKey() = %q, want %q", got, want)
	}
}

func TestDefaultConfigSetsTTL(t *testing.T) {
	cfg := DefaultConfig()
	if cfg.TTL <= 0 {
		t.Fatalf("expected positive default TTL, got %v", cfg.TTL)
	}
}

func TestNewTrackerUsesConfiguredTTL(t *testing.T) {
	tr := NewTracker(Config{RedisAddr: "127.0.0.1:6379", InstanceID: "inst-1", TTL: 0})
	if tr.ttl <= 0 {
		t.Fatalf("expected TTL to default when zero, got %v", tr.ttl)
	}
	if tr.instanceID != "inst-1" {
		t.Fatalf("instanceID = %q, want inst-1", tr.instanceID)
	}
}
