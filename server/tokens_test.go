// server/tokens_test.go
// Copyright(c) 2024-2026 vacs contributors, licensed under the GNU Public License, Version 3.
// SPDX: GPL-3.0-only

package server

import (
	"testing"
	"time"
)

func TestTokenStoreSingleUse(t *testing.T) {
	ts := NewTokenStore(time.Minute)
	token := ts.Generate("1000001")

	clientId, err := ts.Verify(token)
	if err != nil {
		t.Fatalf("Verify: %v", err)
	}
	if clientId != "1000001" {
		t.Errorf("got client id %q, want 1000001", clientId)
	}

	if _, err := ts.Verify(token); err != ErrInvalidToken {
		t.Errorf("second Verify: got %v, want ErrInvalidToken", err)
	}
}

func TestTokenStoreUnknown(t *testing.T) {
	ts := NewTokenStore(time.Minute)
	if _, err := ts.Verify("not-a-token"); err != ErrInvalidToken {
		t.Errorf("got %v, want ErrInvalidToken", err)
	}
}

func TestTokenStoreExpiry(t *testing.T) {
	ts := NewTokenStore(10 * time.Millisecond)
	token := ts.Generate("1000001")

	time.Sleep(50 * time.Millisecond)
	if _, err := ts.Verify(token); err != ErrInvalidToken {
		t.Errorf("got %v, want ErrInvalidToken after expiry", err)
	}
}

func TestTokenStoreIndependentTokens(t *testing.T) {
	ts := NewTokenStore(time.Minute)
	t1 := ts.Generate("1000001")
	t2 := ts.Generate("1000002")
	if t1 == t2 {
		t.Fatal("tokens collide")
	}

	if clientId, err := ts.Verify(t2); err != nil || clientId != "1000002" {
		t.Errorf("Verify(t2): got (%q, %v)", clientId, err)
	}
	if clientId, err := ts.Verify(t1); err != nil || clientId != "1000001" {
		t.Errorf("Verify(t1): got (%q, %v)", clientId, err)
	}
}
