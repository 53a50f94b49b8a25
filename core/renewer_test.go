package core

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"
)

type countingProvider struct {
	calls    int32
	tokens   func(n int32) (SecurityToken, error)
}

func (p *countingProvider) GetToken(_ context.Context, audience string, _ time.Duration) (SecurityToken, error) {
	n := atomic.AddInt32(&p.calls, 1)
	return p.tokens(n)
}

func TestTokenRenewer_StartFetchesImmediately(t *testing.T) {
	p := &countingProvider{tokens: func(n int32) (SecurityToken, error) {
		return SecurityToken{Token: "tok", Audience: "sb://x/y", Expiry: time.Now().Add(time.Hour)}, nil
	}}
	r := NewTokenRenewer(p, "sb://x/y", time.Hour, nil)
	defer r.Close()

	tok, err := r.Start(context.Background())
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	if tok.Token != "tok" {
		t.Errorf("unexpected token: %s", tok.Token)
	}
	if atomic.LoadInt32(&p.calls) != 1 {
		t.Errorf("expected exactly one GetToken call, got %d", p.calls)
	}

	select {
	case ev := <-r.Events():
		if ev.Token.Token != "tok" {
			t.Errorf("unexpected event token: %s", ev.Token.Token)
		}
	default:
		t.Fatal("expected a RenewalEvent after Start")
	}
}

func TestTokenRenewer_StartPropagatesFailure(t *testing.T) {
	wantErr := errors.New("boom")
	p := &countingProvider{tokens: func(n int32) (SecurityToken, error) {
		return SecurityToken{}, wantErr
	}}
	r := NewTokenRenewer(p, "sb://x/y", time.Hour, nil)
	defer r.Close()

	if _, err := r.Start(context.Background()); !errors.Is(err, wantErr) {
		t.Fatalf("expected wrapped provider error, got %v", err)
	}

	select {
	case ev := <-r.Events():
		if ev.Err == nil {
			t.Error("expected a failed RenewalEvent")
		}
	default:
		t.Fatal("expected a RenewalEvent after a failed Start")
	}
}

func TestTokenRenewer_FloorsScheduleAtMinRefreshInterval(t *testing.T) {
	p := &countingProvider{tokens: func(n int32) (SecurityToken, error) {
		// Expiry arrives almost immediately; scheduleNext must still floor
		// the next refresh at MinRefreshInterval rather than refiring hot.
		return SecurityToken{Token: "tok", Expiry: time.Now().Add(time.Second)}, nil
	}}
	r := NewTokenRenewer(p, "sb://x/y", time.Second, nil)
	defer r.Close()

	if _, err := r.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}

	time.Sleep(50 * time.Millisecond)
	if atomic.LoadInt32(&p.calls) != 1 {
		t.Errorf("expected no refresh before MinRefreshInterval elapses, got %d calls", p.calls)
	}
}

func TestTokenRenewer_CloseStopsTimer(t *testing.T) {
	p := &countingProvider{tokens: func(n int32) (SecurityToken, error) {
		return SecurityToken{Token: "tok", Expiry: time.Now().Add(10 * time.Millisecond)}, nil
	}}
	r := NewTokenRenewer(p, "sb://x/y", 10*time.Millisecond, nil)
	if _, err := r.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	r.Close()
	r.Close() // idempotent

	callsAtClose := atomic.LoadInt32(&p.calls)
	time.Sleep(MinRefreshInterval/2 + 50*time.Millisecond)
	if atomic.LoadInt32(&p.calls) != callsAtClose {
		t.Error("expected no further refreshes after Close")
	}
}
