// server/calls_test.go
// Copyright(c) 2024-2026 vacs contributors, licensed under the GNU Public License, Version 3.
// SPDX: GPL-3.0-only

package server

import (
	"sync"
	"testing"

	"github.com/MorpheusXAUT/vacs-server/protocol"
)

func newTestCallManager() *CallManager {
	return NewCallManager(NewMetrics(), nil)
}

func notifiedSet(clients ...protocol.ClientId) map[protocol.ClientId]struct{} {
	set := make(map[protocol.ClientId]struct{}, len(clients))
	for _, c := range clients {
		set[c] = struct{}{}
	}
	return set
}

func startTestCall(t *testing.T, cm *CallManager, caller protocol.ClientId,
	notified ...protocol.ClientId) protocol.CallId {
	t.Helper()

	callId := protocol.NewCallId()
	target := protocol.CallTarget{Station: "LOVV_CTR"}
	if err := cm.StartCallAttempt(callId, caller, target, notifiedSet(notified...), false); err != nil {
		t.Fatalf("StartCallAttempt: %v", err)
	}
	return callId
}

func TestStartCallAttemptCallerBusy(t *testing.T) {
	cm := newTestCallManager()
	startTestCall(t, cm, "1000001", "1000002")

	err := cm.StartCallAttempt(protocol.NewCallId(), "1000001", protocol.CallTarget{Client: "1000003"},
		notifiedSet("1000003"), false)
	if err != ErrCallerBusy {
		t.Errorf("second attempt: got %v, want ErrCallerBusy", err)
	}

	// A different caller is unaffected.
	if err := cm.StartCallAttempt(protocol.NewCallId(), "1000002", protocol.CallTarget{Client: "1000003"},
		notifiedSet("1000003"), false); err != nil {
		t.Errorf("other caller: got %v, want nil", err)
	}
}

func TestStartCallAttemptIdInUse(t *testing.T) {
	cm := newTestCallManager()
	callId := startTestCall(t, cm, "1000001", "1000002")

	err := cm.StartCallAttempt(callId, "1000003", protocol.CallTarget{Client: "1000002"},
		notifiedSet("1000002"), false)
	if err != ErrCallIdInUse {
		t.Errorf("reused ringing id: got %v, want ErrCallIdInUse", err)
	}

	// Same for an id that has moved to an active call.
	if cm.AcceptCall(callId, "1000002") == nil {
		t.Fatal("AcceptCall returned nil")
	}
	err = cm.StartCallAttempt(callId, "1000003", protocol.CallTarget{Client: "1000004"},
		notifiedSet("1000004"), false)
	if err != ErrCallIdInUse {
		t.Errorf("reused active id: got %v, want ErrCallIdInUse", err)
	}
}

func TestRejectCallAggregation(t *testing.T) {
	cm := newTestCallManager()
	callId := startTestCall(t, cm, "1000001", "1000002", "1000003")

	term, call := cm.RejectCall(callId, "1000002")
	if term != CallTerminationContinued || call != nil {
		t.Errorf("first reject: got (%v, %v), want (Continued, nil)", term, call)
	}
	if cm.RingingCall(callId) == nil {
		t.Error("call no longer ringing after first reject")
	}

	term, call = cm.RejectCall(callId, "1000003")
	if term != CallTerminationFailed {
		t.Fatalf("last reject: got %v, want Failed", term)
	}
	if call == nil || call.CallerId != "1000001" {
		t.Fatalf("last reject returned call %+v", call)
	}
	if cm.RingingCall(callId) != nil {
		t.Error("call still ringing after exhaustion")
	}
	if cm.HasOutgoingCall("1000001") {
		t.Error("caller still has an outgoing call")
	}
}

func TestRejectCallNotFound(t *testing.T) {
	cm := newTestCallManager()

	term, call := cm.RejectCall(protocol.NewCallId(), "1000002")
	if term != CallTerminationNotFound || call != nil {
		t.Errorf("got (%v, %v), want (NotFound, nil)", term, call)
	}
}

func TestRejectCallNotNotified(t *testing.T) {
	cm := newTestCallManager()
	callId := startTestCall(t, cm, "1000001", "1000002")

	term, call := cm.RejectCall(callId, "1000009")
	if term != CallTerminationNotNotified || call != nil {
		t.Errorf("got (%v, %v), want (NotNotified, nil)", term, call)
	}
	// The attempt itself is unaffected.
	if cm.RingingCall(callId) == nil {
		t.Error("call no longer ringing")
	}
}

func TestMarkCallErrorMixedExhaustion(t *testing.T) {
	cm := newTestCallManager()
	callId := startTestCall(t, cm, "1000001", "1000002", "1000003")

	term, _ := cm.RejectCall(callId, "1000002")
	if term != CallTerminationContinued {
		t.Fatalf("reject: got %v, want Continued", term)
	}
	term, call := cm.MarkCallError(callId, "1000003", protocol.CallErrorWebrtcFailure)
	if term != CallTerminationFailed || call == nil {
		t.Fatalf("error: got (%v, %v), want (Failed, call)", term, call)
	}
}

func TestAcceptCall(t *testing.T) {
	cm := newTestCallManager()
	callId := startTestCall(t, cm, "1000001", "1000002", "1000003")

	call := cm.AcceptCall(callId, "1000002")
	if call == nil {
		t.Fatal("AcceptCall returned nil")
	}
	if call.CallerId != "1000001" || len(call.NotifiedClients) != 2 {
		t.Errorf("unexpected snapshot %+v", call)
	}

	if cm.RingingCall(callId) != nil {
		t.Error("call still ringing after accept")
	}
	if !cm.HasActiveCall(callId, "1000001") || !cm.HasActiveCall(callId, "1000002") {
		t.Error("call not active for both parties")
	}
	if cm.HasActiveCall(callId, "1000003") {
		t.Error("call active for a client that did not accept")
	}
	if cm.HasOutgoingCall("1000001") {
		t.Error("caller still has an outgoing attempt")
	}

	// A second accept loses.
	if cm.AcceptCall(callId, "1000003") != nil {
		t.Error("second accept succeeded")
	}
}

func TestAcceptCallNotNotified(t *testing.T) {
	cm := newTestCallManager()
	callId := startTestCall(t, cm, "1000001", "1000002")

	if cm.AcceptCall(callId, "1000009") != nil {
		t.Error("accept by uninvolved client succeeded")
	}
	if cm.RingingCall(callId) == nil {
		t.Error("call no longer ringing")
	}
}

func TestEndRingingCallCallerOnly(t *testing.T) {
	cm := newTestCallManager()
	callId := startTestCall(t, cm, "1000001", "1000002")

	if cm.EndRingingCall(callId, "1000002") != nil {
		t.Error("callee ended the caller's attempt")
	}
	call := cm.EndRingingCall(callId, "1000001")
	if call == nil {
		t.Fatal("caller could not end own attempt")
	}
	if cm.RingingCall(callId) != nil {
		t.Error("call still ringing")
	}
	if cm.HasOutgoingCall("1000001") {
		t.Error("caller still has an outgoing attempt")
	}
}

func TestCancelRingingCall(t *testing.T) {
	cm := newTestCallManager()
	callId := startTestCall(t, cm, "1000001", "1000002")

	if cm.CancelRingingCall(callId, "1000009", callOutcomeCancelled) != nil {
		t.Error("uninvolved client cancelled the call")
	}
	if cm.CancelRingingCall(callId, "1000001", callOutcomeCancelled) == nil {
		t.Error("caller could not cancel")
	}
	// Already resolved.
	if cm.CancelRingingCall(callId, "1000001", callOutcomeCancelled) != nil {
		t.Error("second cancel succeeded")
	}
}

func TestEndActiveCall(t *testing.T) {
	cm := newTestCallManager()
	callId := startTestCall(t, cm, "1000001", "1000002")
	if cm.AcceptCall(callId, "1000002") == nil {
		t.Fatal("AcceptCall returned nil")
	}

	if cm.EndActiveCall(callId, "1000009") != nil {
		t.Error("uninvolved client ended the call")
	}
	call := cm.EndActiveCall(callId, "1000002")
	if call == nil {
		t.Fatal("EndActiveCall returned nil")
	}
	if peer, ok := call.Peer("1000002"); !ok || peer != "1000001" {
		t.Errorf("Peer: got (%v, %v), want (1000001, true)", peer, ok)
	}
	if cm.EndActiveCall(callId, "1000001") != nil {
		t.Error("second end succeeded")
	}

	// Both parties are free for new calls.
	startTestCall(t, cm, "1000001", "1000003")
	startTestCall(t, cm, "1000002", "1000003")
}

func TestCleanupClientCallsOutgoing(t *testing.T) {
	cm := newTestCallManager()
	callId := startTestCall(t, cm, "1000001", "1000002", "1000003")

	ringing, active := cm.CleanupClientCalls("1000001")
	if len(ringing) != 1 || active != nil {
		t.Fatalf("got (%d ringing, %v), want (1, nil)", len(ringing), active)
	}
	if ringing[0].CallId != callId || ringing[0].CallerId != "1000001" {
		t.Errorf("unexpected ended call %+v", ringing[0])
	}
	if cm.RingingCall(callId) != nil {
		t.Error("call still ringing")
	}
	// The notified clients can reject without effect now.
	if term, _ := cm.RejectCall(callId, "1000002"); term != CallTerminationNotFound {
		t.Errorf("reject after cleanup: got %v, want NotFound", term)
	}
}

func TestCleanupClientCallsIncoming(t *testing.T) {
	cm := newTestCallManager()
	soleCall := startTestCall(t, cm, "1000001", "1000005")
	sharedCall := startTestCall(t, cm, "1000002", "1000005", "1000006")

	ringing, active := cm.CleanupClientCalls("1000005")
	if active != nil {
		t.Fatalf("unexpected active call %v", active)
	}
	// The attempt only ringing for the departing client is exhausted;
	// the shared one keeps ringing for the other notified client.
	if len(ringing) != 1 || ringing[0].CallId != soleCall {
		t.Fatalf("got %v, want just the sole-target call", ringing)
	}
	call := cm.RingingCall(sharedCall)
	if call == nil {
		t.Fatal("shared call no longer ringing")
	}
	if _, ok := call.NotifiedClients["1000005"]; ok {
		t.Error("departed client still notified")
	}
	if cm.AcceptCall(sharedCall, "1000006") == nil {
		t.Error("remaining client could not accept")
	}
}

func TestCleanupClientCallsIncomingAfterReject(t *testing.T) {
	cm := newTestCallManager()
	callId := startTestCall(t, cm, "1000001", "1000002", "1000003")

	if term, _ := cm.RejectCall(callId, "1000002"); term != CallTerminationContinued {
		t.Fatal("reject did not continue")
	}
	// The last still-ringing client disconnecting exhausts the attempt.
	ringing, _ := cm.CleanupClientCalls("1000003")
	if len(ringing) != 1 || ringing[0].CallId != callId {
		t.Fatalf("got %v, want the exhausted call", ringing)
	}
}

func TestCleanupClientCallsActive(t *testing.T) {
	cm := newTestCallManager()
	callId := startTestCall(t, cm, "1000001", "1000002")
	if cm.AcceptCall(callId, "1000002") == nil {
		t.Fatal("AcceptCall returned nil")
	}

	ringing, active := cm.CleanupClientCalls("1000002")
	if len(ringing) != 0 || active == nil {
		t.Fatalf("got (%d ringing, %v), want (0, active)", len(ringing), active)
	}
	if active.CallId != callId || active.CallerId != "1000001" || active.CalleeId != "1000002" {
		t.Errorf("unexpected active call %+v", active)
	}
	if cm.HasActiveCall(callId, "1000001") {
		t.Error("peer still in the call")
	}
	// The peer is free again.
	startTestCall(t, cm, "1000001", "1000003")
}

func TestCleanupClientCallsIdle(t *testing.T) {
	cm := newTestCallManager()
	ringing, active := cm.CleanupClientCalls("1000001")
	if len(ringing) != 0 || active != nil {
		t.Errorf("got (%d ringing, %v), want (0, nil)", len(ringing), active)
	}
}

func TestCleanupClientCallsAll(t *testing.T) {
	// A client with an outgoing attempt, an incoming attempt, and an
	// active call all at once.
	cm := newTestCallManager()
	activeId := startTestCall(t, cm, "1000001", "1000002")
	if cm.AcceptCall(activeId, "1000002") == nil {
		t.Fatal("AcceptCall returned nil")
	}
	outgoingId := startTestCall(t, cm, "1000002", "1000003")
	incomingId := startTestCall(t, cm, "1000004", "1000002")

	ringing, active := cm.CleanupClientCalls("1000002")
	if active == nil || active.CallId != activeId {
		t.Errorf("active: got %v, want %v", active, activeId)
	}
	if len(ringing) != 2 {
		t.Fatalf("got %d ringing calls, want 2", len(ringing))
	}
	seen := make(map[protocol.CallId]protocol.ClientId)
	for _, call := range ringing {
		seen[call.CallId] = call.CallerId
	}
	if seen[outgoingId] != "1000002" {
		t.Errorf("outgoing call caller: got %v, want 1000002", seen[outgoingId])
	}
	if seen[incomingId] != "1000004" {
		t.Errorf("incoming call caller: got %v, want 1000004", seen[incomingId])
	}
}

func TestAcceptRaceSingleWinner(t *testing.T) {
	// Two notified clients race to accept; exactly one may win.
	for range 50 {
		cm := newTestCallManager()
		callId := startTestCall(t, cm, "1000001", "1000002", "1000003")

		var wg sync.WaitGroup
		results := make([]*RingingCall, 2)
		for i, client := range []protocol.ClientId{"1000002", "1000003"} {
			wg.Add(1)
			go func() {
				defer wg.Done()
				results[i] = cm.AcceptCall(callId, client)
			}()
		}
		wg.Wait()

		winners := 0
		for _, r := range results {
			if r != nil {
				winners++
			}
		}
		if winners != 1 {
			t.Fatalf("got %d accept winners, want 1", winners)
		}
	}
}

func TestAcceptEndRaceSingleTerminal(t *testing.T) {
	// The caller hanging up races an accept; the call must end up either
	// active or gone, never both, and only the winner gets a snapshot.
	for range 50 {
		cm := newTestCallManager()
		callId := startTestCall(t, cm, "1000001", "1000002")

		var wg sync.WaitGroup
		var accepted, ended *RingingCall
		wg.Add(2)
		go func() {
			defer wg.Done()
			accepted = cm.AcceptCall(callId, "1000002")
		}()
		go func() {
			defer wg.Done()
			ended = cm.EndRingingCall(callId, "1000001")
		}()
		wg.Wait()

		if (accepted == nil) == (ended == nil) {
			t.Fatalf("accept=%v end=%v, want exactly one", accepted, ended)
		}
		if accepted != nil && !cm.HasActiveCall(callId, "1000002") {
			t.Fatal("accept won but call not active")
		}
		if ended != nil && cm.HasActiveCall(callId, "1000002") {
			t.Fatal("end won but call active")
		}
	}
}
