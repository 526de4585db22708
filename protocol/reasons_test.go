// protocol/reasons_test.go
// Copyright(c) 2024-2026 vacs contributors, licensed under the GNU Public License, Version 3.
// SPDX: GPL-3.0-only

package protocol

import (
	"encoding/json"
	"slices"
	"testing"
)

func TestCallCancelReasonJSON(t *testing.T) {
	type test struct {
		reason CallCancelReason
		json   string
	}
	for _, c := range []test{
		test{reason: CallerCancelled(), json: `"callerCancelled"`},
		test{reason: AllRejected(), json: `"allRejected"`},
		test{reason: AnsweredElsewhere("1000001"), json: `{"answeredElsewhere":"1000001"}`},
	} {
		b, err := json.Marshal(c.reason)
		if err != nil {
			t.Errorf("marshal %v: %v", c.reason, err)
			continue
		}
		if string(b) != c.json {
			t.Errorf("marshal %v: got %s, expected %s", c.reason, b, c.json)
		}

		var back CallCancelReason
		if err := json.Unmarshal([]byte(c.json), &back); err != nil {
			t.Errorf("unmarshal %s: %v", c.json, err)
		} else if back != c.reason {
			t.Errorf("round trip %s: got %+v, expected %+v", c.json, back, c.reason)
		}
	}

	var r CallCancelReason
	if err := json.Unmarshal([]byte(`{"bogus":"x"}`), &r); err == nil {
		t.Errorf("expected error for unknown cancel reason payload")
	}
}

func TestLoginFailureReasonJSON(t *testing.T) {
	type test struct {
		reason LoginFailureReason
		json   string
	}
	for _, c := range []test{
		test{reason: LoginFailed(LoginFailureUnauthorized), json: `"unauthorized"`},
		test{reason: LoginFailed(LoginFailureDuplicateId), json: `"duplicateId"`},
		test{reason: LoginFailed(LoginFailureTimeout), json: `"timeout"`},
		test{reason: LoginFailed(LoginFailureIncompatibleProtocol), json: `"incompatibleProtocolVersion"`},
		test{reason: LoginFailed(LoginFailureNoActiveVatsimConnection), json: `"noActiveVatsimConnection"`},
	} {
		b, err := json.Marshal(c.reason)
		if err != nil {
			t.Errorf("marshal %v: %v", c.reason, err)
			continue
		}
		if string(b) != c.json {
			t.Errorf("marshal %v: got %s, expected %s", c.reason, b, c.json)
		}
	}

	amb := LoginFailedAmbiguous([]PositionId{"LOWW_TWR", "LOWW_APP"})
	b, err := json.Marshal(amb)
	if err != nil {
		t.Fatalf("marshal ambiguous: %v", err)
	}
	want := `{"ambiguousVatsimPosition":["LOWW_TWR","LOWW_APP"]}`
	if string(b) != want {
		t.Errorf("marshal ambiguous: got %s, expected %s", b, want)
	}

	var back LoginFailureReason
	if err := json.Unmarshal(b, &back); err != nil {
		t.Fatalf("unmarshal ambiguous: %v", err)
	}
	if back.Kind != LoginFailureAmbiguousVatsimPosition ||
		!slices.Equal(back.AmbiguousPositions, amb.AmbiguousPositions) {
		t.Errorf("ambiguous round trip: got %+v", back)
	}

	// Candidates must encode as a list even when empty.
	b, err = json.Marshal(LoginFailureReason{Kind: LoginFailureAmbiguousVatsimPosition})
	if err != nil {
		t.Fatalf("marshal empty ambiguous: %v", err)
	}
	if string(b) != `{"ambiguousVatsimPosition":[]}` {
		t.Errorf("empty candidate list should encode as []: got %s", b)
	}
}

func TestDisconnectReasonJSON(t *testing.T) {
	type test struct {
		reason DisconnectReason
		json   string
		label  string
	}
	for _, c := range []test{
		test{reason: DisconnectedFor(DisconnectTerminated), json: `"terminated"`, label: "terminated"},
		test{reason: DisconnectedFor(DisconnectNoActiveVatsimConnection), json: `"noActiveVatsimConnection"`, label: "no_active_vatsim_connection"},
		test{reason: DisconnectedAmbiguous([]PositionId{"LOWW_TWR"}), json: `{"ambiguousVatsimPosition":["LOWW_TWR"]}`, label: "ambiguous_vatsim_position"},
	} {
		b, err := json.Marshal(c.reason)
		if err != nil {
			t.Errorf("marshal %v: %v", c.reason, err)
			continue
		}
		if string(b) != c.json {
			t.Errorf("marshal %v: got %s, expected %s", c.reason, b, c.json)
		}
		if got := c.reason.MetricLabel(); got != c.label {
			t.Errorf("metric label for %v: got %q, expected %q", c.reason, got, c.label)
		}

		var back DisconnectReason
		if err := json.Unmarshal([]byte(c.json), &back); err != nil {
			t.Errorf("unmarshal %s: %v", c.json, err)
		} else if back.Kind != c.reason.Kind {
			t.Errorf("round trip %s: got kind %q, expected %q", c.json, back.Kind, c.reason.Kind)
		}
	}
}

func TestErrorReasonJSON(t *testing.T) {
	type test struct {
		reason ErrorReason
		json   string
	}
	for _, c := range []test{
		test{reason: MalformedMessage(), json: `"malformedMessage"`},
		test{reason: PeerConnectionError(), json: `"peerConnection"`},
		test{reason: ClientNotFound(), json: `"clientNotFound"`},
		test{reason: InternalError("database gone"), json: `{"internal":"database gone"}`},
		test{reason: UnexpectedMessage("callAccept"), json: `{"unexpectedMessage":"callAccept"}`},
		test{reason: RateLimited(12), json: `{"rateLimited":{"retryAfterSecs":12}}`},
	} {
		b, err := json.Marshal(c.reason)
		if err != nil {
			t.Errorf("marshal %v: %v", c.reason, err)
			continue
		}
		if string(b) != c.json {
			t.Errorf("marshal %v: got %s, expected %s", c.reason, b, c.json)
		}

		var back ErrorReason
		if err := json.Unmarshal([]byte(c.json), &back); err != nil {
			t.Errorf("unmarshal %s: %v", c.json, err)
		} else if back != c.reason {
			t.Errorf("round trip %s: got %+v, expected %+v", c.json, back, c.reason)
		}
	}

	var r ErrorReason
	if err := json.Unmarshal([]byte(`{"mystery":"x"}`), &r); err == nil {
		t.Errorf("expected error for unknown error reason payload")
	}
	if err := json.Unmarshal([]byte(`12`), &r); err == nil {
		t.Errorf("expected error for numeric error reason")
	}
}
