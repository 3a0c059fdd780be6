package services

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strconv"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/go-redis/redis/v8"
	"github.com/osvaldoandrade/podflow/internal/clock"
	"github.com/osvaldoandrade/podflow/internal/ratelimit"
)

func TestDeliverSignsAndRetries(t *testing.T) {
	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		n := atomic.AddInt32(&calls, 1)
		body, _ := io.ReadAll(r.Body)
		ts, err := strconv.ParseInt(r.Header.Get(HeaderTimestamp), 10, 64)
		if err != nil {
			t.Errorf("timestamp header: %v", err)
		}
		if got, want := r.Header.Get(HeaderSignature), Signature("s3cret", ts, body); got != want {
			t.Errorf("signature = %q, want %q", got, want)
		}
		var env map[string]any
		if err := json.Unmarshal(body, &env); err != nil || env["kind"] != KindGeneration {
			t.Errorf("envelope = %s", body)
		}
		if n < 3 {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	clk := clock.NewFake(time.Unix(1700000000, 0))
	svc := NewResultCallbackService(nil, CallbackOptions{
		Secret:      "s3cret",
		MaxAttempts: 5,
		BaseDelay:   time.Second,
		MaxDelay:    time.Minute,
		Clock:       clk,
	})
	if err := svc.Deliver(context.Background(), KindGeneration, srv.URL, map[string]string{"id": "job-1"}); err != nil {
		t.Fatalf("Deliver() error = %v", err)
	}
	if got := atomic.LoadInt32(&calls); got != 3 {
		t.Fatalf("calls = %d, want 3", got)
	}
	sleeps := clk.Sleeps()
	if len(sleeps) != 2 || sleeps[0] != time.Second || sleeps[1] != 2*time.Second {
		t.Fatalf("sleeps = %v", sleeps)
	}
}

func TestDeliverGivesUpAfterMaxAttempts(t *testing.T) {
	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	svc := NewResultCallbackService(nil, CallbackOptions{MaxAttempts: 2, Clock: clock.NewFake(time.Unix(0, 0))})
	if err := svc.Deliver(context.Background(), KindRun, srv.URL, nil); err == nil {
		t.Fatal("expected error")
	}
	if got := atomic.LoadInt32(&calls); got != 2 {
		t.Fatalf("calls = %d, want 2", got)
	}
}

func TestDeliverUnsignedWithoutSecret(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get(HeaderSignature) != "" {
			t.Errorf("unexpected signature header")
		}
	}))
	defer srv.Close()

	svc := NewResultCallbackService(nil, CallbackOptions{Clock: clock.NewFake(time.Unix(0, 0))})
	if err := svc.Deliver(context.Background(), KindRun, srv.URL, nil); err != nil {
		t.Fatalf("Deliver() error = %v", err)
	}
}

func TestDeliverWaitsForWebhookBucket(t *testing.T) {
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer rdb.Close()

	clk := clock.NewFake(time.Unix(1700000000, 0))
	limiter := ratelimit.NewTokenBucketLimiter(rdb, ratelimit.WithNow(clk.Now))

	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
	}))
	defer srv.Close()

	svc := NewResultCallbackService(nil, CallbackOptions{
		Limiter: limiter,
		Bucket:  ratelimit.Bucket{RequestsPerMinute: 60, BurstSize: 1},
		Clock:   clk,
	})
	for i := 0; i < 2; i++ {
		if err := svc.Deliver(context.Background(), KindRun, srv.URL, i); err != nil {
			t.Fatalf("Deliver(%d) error = %v", i, err)
		}
	}
	if got := atomic.LoadInt32(&calls); got != 2 {
		t.Fatalf("calls = %d, want 2", got)
	}
	if len(clk.Sleeps()) == 0 {
		t.Fatal("second delivery should have waited for a token")
	}
}

func TestSendSkipsBlankURL(t *testing.T) {
	svc := NewResultCallbackService(nil, CallbackOptions{})
	svc.Send(context.Background(), KindRun, "  ", nil)
	svc.Wait()
}
