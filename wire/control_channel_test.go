package wire_test

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/hcrelay/hcrelay/core"
	"github.com/hcrelay/hcrelay/wire"
	"github.com/hcrelay/hcrelay/wire/wiretest"
)

func TestControlChannel_ConnectsAndDispatchesAccept(t *testing.T) {
	server := wiretest.NewMockRelayServer()
	defer server.Close()

	var accepted []wire.AcceptPayload
	acceptCh := make(chan wire.AcceptPayload, 1)

	statuses := make(chan wire.Status, 8)
	cc := wire.NewControlChannel(wire.ControlChannelConfig{
		BuildListenURL: func() string {
			return fmt.Sprintf("wss://%s/$hc/myhub?sb-hc-action=listen&sb-hc-id=test", server.Host())
		},
		AuthHeader: func(ctx context.Context) (string, error) { return "SharedAccessSignature sr=x&sig=y&se=1&skn=z", nil },
		Renewals:   make(chan core.RenewalEvent),
		OnAccept: func(p wire.AcceptPayload) {
			accepted = append(accepted, p)
			acceptCh <- p
		},
		OnStatus: func(s wire.Status) { statuses <- s },
		Dialer:   server.Dialer(),
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go cc.Run(ctx)

	conn, ok := server.WaitForListen("myhub", 2*time.Second)
	if !ok {
		t.Fatal("listener never connected")
	}

	if err := server.PushAccept(conn, "rendezvous-1", nil); err != nil {
		t.Fatalf("PushAccept: %v", err)
	}

	select {
	case p := <-acceptCh:
		if p.ID != "rendezvous-1" {
			t.Errorf("unexpected accept id: %s", p.ID)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("OnAccept never invoked")
	}

	sawOnline := false
	for !sawOnline {
		select {
		case s := <-statuses:
			if s.State == wire.StateOnline {
				sawOnline = true
			}
		case <-time.After(2 * time.Second):
			t.Fatal("never observed StateOnline")
		}
	}

	_ = accepted
}

func TestControlChannel_PushesRenewedToken(t *testing.T) {
	server := wiretest.NewMockRelayServer()
	defer server.Close()

	renewals := make(chan core.RenewalEvent, 1)
	cc := wire.NewControlChannel(wire.ControlChannelConfig{
		BuildListenURL: func() string {
			return fmt.Sprintf("wss://%s/$hc/myhub?sb-hc-action=listen&sb-hc-id=test", server.Host())
		},
		AuthHeader: func(ctx context.Context) (string, error) { return "initial-token", nil },
		Renewals:   renewals,
		OnAccept:   func(wire.AcceptPayload) {},
		Dialer:     server.Dialer(),
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go cc.Run(ctx)

	if _, ok := server.WaitForListen("myhub", 2*time.Second); !ok {
		t.Fatal("listener never connected")
	}

	renewals <- core.RenewalEvent{Token: core.SecurityToken{Token: "renewed-token-123"}}

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		toks := server.RenewedTokens("myhub")
		if len(toks) == 1 && toks[0] == "renewed-token-123" {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("relay never observed the renewed token")
}

func TestControlChannel_FatalAuthErrorStopsReconnecting(t *testing.T) {
	cc := wire.NewControlChannel(wire.ControlChannelConfig{
		BuildListenURL: func() string { return "wss://127.0.0.1:1/$hc/myhub?sb-hc-action=listen" },
		AuthHeader:     func(ctx context.Context) (string, error) { return "", errors.New("no credentials") },
		Renewals:       make(chan core.RenewalEvent),
		OnAccept:       func(wire.AcceptPayload) {},
	})

	err := cc.Run(context.Background())
	if err == nil {
		t.Fatal("expected Run to return the fatal auth error")
	}
	relayErr, ok := core.AsError(err)
	if !ok || relayErr.Kind != core.KindAuthorizationFailed {
		t.Fatalf("expected KindAuthorizationFailed, got %v", err)
	}
	if cc.State() != wire.StateClosed {
		t.Errorf("expected StateClosed after a fatal error, got %s", cc.State())
	}
}

func TestControlChannel_CloseStopsRun(t *testing.T) {
	server := wiretest.NewMockRelayServer()
	defer server.Close()

	cc := wire.NewControlChannel(wire.ControlChannelConfig{
		BuildListenURL: func() string {
			return fmt.Sprintf("wss://%s/$hc/myhub?sb-hc-action=listen&sb-hc-id=test", server.Host())
		},
		AuthHeader: func(ctx context.Context) (string, error) { return "tok", nil },
		Renewals:   make(chan core.RenewalEvent),
		OnAccept:   func(wire.AcceptPayload) {},
		Dialer:     server.Dialer(),
	})

	doneCh := make(chan error, 1)
	go func() { doneCh <- cc.Run(context.Background()) }()

	server.WaitForListen("myhub", 2*time.Second)
	cc.Close()

	select {
	case <-doneCh:
	case <-time.After(2 * time.Second):
		t.Fatal("Run never returned after Close")
	}
	if cc.State() != wire.StateClosed {
		t.Errorf("expected StateClosed, got %s", cc.State())
	}
}
