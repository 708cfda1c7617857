package session

import (
	"context"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
)

// newTestStore creates a Store connected to a local Redis instance and removes
// the test keys when the test finishes. Tests that call this helper require a
// running Redis on localhost:6379.
func newTestStore(t *testing.T) *Store {
	t.Helper()
	client := redis.NewClient(&redis.Options{Addr: "localhost:6379"})
	ctx := context.Background()
	if err := client.Ping(ctx).Err(); err != nil {
		t.Skipf("redis not available: %v", err)
	}
	t.Cleanup(func() {
		for _, prefix := range []string{ConnPrefix + "test_*", UserConnsPrefix + "test_*"} {
			iter := client.Scan(ctx, 0, prefix, 100).Iterator()
			for iter.Next(ctx) {
				client.Del(ctx, iter.Val())
			}
		}
		client.Close()
	})
	return NewStoreWithClient(client, "gw-test")
}

func TestAddGetRemove(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	if err := s.Add(ctx, "test_c1", "test_u1"); err != nil {
		t.Fatalf("Add() error: %v", err)
	}
	if err := s.Add(ctx, "test_c2", "test_u1"); err != nil {
		t.Fatalf("Add() error: %v", err)
	}

	rec, err := s.Get(ctx, "test_c1")
	if err != nil {
		t.Fatalf("Get() error: %v", err)
	}
	if rec == nil || rec.UserID != "test_u1" || rec.Server != "gw-test" {
		t.Fatalf("unexpected record %+v", rec)
	}

	ids, err := s.UserConnections(ctx, "test_u1")
	if err != nil {
		t.Fatalf("UserConnections() error: %v", err)
	}
	if len(ids) != 2 {
		t.Fatalf("expected 2 connections, got %v", ids)
	}

	if err := s.Remove(ctx, "test_c1", "test_u1"); err != nil {
		t.Fatalf("Remove() error: %v", err)
	}
	rec, _ = s.Get(ctx, "test_c1")
	if rec != nil {
		t.Fatalf("expected record to be gone, got %+v", rec)
	}
	ids, _ = s.UserConnections(ctx, "test_u1")
	if len(ids) != 1 || ids[0] != "test_c2" {
		t.Fatalf("expected only test_c2, got %v", ids)
	}
}

func TestGet_Missing(t *testing.T) {
	s := newTestStore(t)
	rec, err := s.Get(context.Background(), "test_missing")
	if err != nil {
		t.Fatalf("Get() error: %v", err)
	}
	if rec != nil {
		t.Fatalf("expected nil, got %+v", rec)
	}
}

func TestTouch_RefreshesBothKeys(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	if err := s.Add(ctx, "test_c9", "test_u9"); err != nil {
		t.Fatalf("Add() error: %v", err)
	}
	short := time.Minute
	s.client.Expire(ctx, ConnPrefix+"test_c9", short)
	s.client.Expire(ctx, UserConnsPrefix+"test_u9", short)

	if err := s.Touch(ctx, "test_c9", "test_u9"); err != nil {
		t.Fatalf("Touch() error: %v", err)
	}

	for _, key := range []string{ConnPrefix + "test_c9", UserConnsPrefix + "test_u9"} {
		ttl, err := s.client.TTL(ctx, key).Result()
		if err != nil {
			t.Fatalf("TTL(%s) error: %v", key, err)
		}
		if ttl <= short {
			t.Fatalf("TTL(%s) = %v, want refreshed to about %v", key, ttl, ConnTTL)
		}
	}
}
