package ratelimit_test

import (
	"context"
	"testing"
	"time"

	"github.com/unstuckgg/gate-go/ratelimit"
)

func TestMemoryStats_Record(t *testing.T) {
	s := ratelimit.NewMemoryStats()
	ctx := context.Background()

	events := []ratelimit.StatsEvent{
		{Key: "rate_limit:user:u1", Allowed: true, Method: "POST", Path: "/v1/chat", At: time.Now()},
		{Key: "rate_limit:user:u1", Allowed: true, Method: "POST", Path: "/v1/chat", At: time.Now()},
		{Key: "rate_limit:user:u2", Allowed: false, Method: "GET", Path: "/v1/builds", At: time.Now()},
	}
	for _, ev := range events {
		if err := s.Record(ctx, ev); err != nil {
			t.Fatalf("Record() error: %v", err)
		}
	}

	total := s.Total()
	if total.Allowed != 2 || total.Denied != 1 {
		t.Errorf("Total() = %+v, want {Allowed:2 Denied:1}", total)
	}

	routes := s.ByRoute()
	if c := routes["POST /v1/chat"]; c.Allowed != 2 || c.Denied != 0 {
		t.Errorf("POST /v1/chat = %+v, want {Allowed:2}", c)
	}
	if c := routes["GET /v1/builds"]; c.Denied != 1 {
		t.Errorf("GET /v1/builds = %+v, want {Denied:1}", c)
	}
}

func TestMemoryStats_TrackKeys(t *testing.T) {
	ctx := context.Background()

	off := ratelimit.NewMemoryStats()
	_ = off.Record(ctx, ratelimit.StatsEvent{Key: "k1", Allowed: true})
	if len(off.ByKey()) != 0 {
		t.Error("per-key counters should be off by default")
	}

	on := ratelimit.NewMemoryStats(ratelimit.WithTrackKeys(true))
	_ = on.Record(ctx, ratelimit.StatsEvent{Key: "k1", Allowed: true})
	_ = on.Record(ctx, ratelimit.StatsEvent{Key: "k1", Allowed: false})
	if c := on.ByKey()["k1"]; c.Allowed != 1 || c.Denied != 1 {
		t.Errorf("ByKey()[k1] = %+v, want {Allowed:1 Denied:1}", c)
	}
}
