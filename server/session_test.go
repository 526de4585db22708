// server/session_test.go
// Copyright(c) 2024-2026 vacs contributors, licensed under the GNU Public License, Version 3.
// SPDX: GPL-3.0-only

package server

import (
	"testing"

	"github.com/MorpheusXAUT/vacs-server/protocol"
	"github.com/MorpheusXAUT/vacs-server/vatsim"
)

func newTestSession(profile protocol.ActiveProfile) *Session {
	info := protocol.ClientInfo{
		Id:          "1000001",
		DisplayName: "LOVV_CTR",
		Frequency:   "134.350",
		PositionId:  "LOVV_CTR",
	}
	return NewSession(info, profile, testLogger())
}

func TestSessionSendMessage(t *testing.T) {
	sess := newTestSession(protocol.NoProfile())

	if err := sess.SendMessage(protocol.ClientList{}); err != nil {
		t.Fatalf("SendMessage: %v", err)
	}
	if msg := nextMessage[protocol.ClientList](t, sess); msg.Clients != nil {
		t.Errorf("unexpected message contents %+v", msg)
	}
}

func TestSessionSendMessageChannelFull(t *testing.T) {
	sess := newTestSession(protocol.NoProfile())

	for i := 0; i < clientChannelCapacity; i++ {
		if err := sess.SendMessage(protocol.ClientList{}); err != nil {
			t.Fatalf("SendMessage %d: %v", i, err)
		}
	}

	// The overflowing send fails and tears the session down instead of
	// blocking.
	if err := sess.SendMessage(protocol.ClientList{}); err != ErrClientChannelFull {
		t.Errorf("overflow send: got %v, want ErrClientChannelFull", err)
	}
	select {
	case <-sess.Done():
	default:
		t.Error("session not shut down after overflow")
	}
	if err := sess.SendMessage(protocol.ClientList{}); err != ErrSessionClosed {
		t.Errorf("send after close: got %v, want ErrSessionClosed", err)
	}
}

func TestSessionDisconnect(t *testing.T) {
	sess := newTestSession(protocol.NoProfile())

	first := protocol.DisconnectedFor(protocol.DisconnectNoActiveVatsimConnection)
	second := protocol.DisconnectedFor(protocol.DisconnectTerminated)
	sess.Disconnect(&first)
	sess.Disconnect(&second)

	select {
	case <-sess.Done():
	default:
		t.Fatal("session not shut down")
	}
	if got := sess.DisconnectReason(); got == nil || got.Kind != protocol.DisconnectNoActiveVatsimConnection {
		t.Errorf("got disconnect reason %+v, expected the first one to stick", got)
	}
}

func TestSessionDisconnectWithoutReason(t *testing.T) {
	sess := newTestSession(protocol.NoProfile())

	sess.Disconnect(nil)
	if sess.DisconnectReason() != nil {
		t.Errorf("got disconnect reason %+v, expected none", sess.DisconnectReason())
	}

	// A reason arriving after an anonymous close is still recorded; the
	// write pump may not have drained yet.
	late := protocol.DisconnectedFor(protocol.DisconnectTerminated)
	sess.Disconnect(&late)
	if got := sess.DisconnectReason(); got == nil || got.Kind != protocol.DisconnectTerminated {
		t.Errorf("got disconnect reason %+v, expected terminated", got)
	}
}

func TestSessionUpdateClientInfo(t *testing.T) {
	sess := newTestSession(protocol.NoProfile())

	unchanged := vatsim.ControllerInfo{Cid: "1000001", Callsign: "LOVV_CTR", Frequency: "134.350",
		Facility: vatsim.FacilityEnroute}
	if sess.updateClientInfo(unchanged) {
		t.Error("identical controller info reported as changed")
	}

	retuned := vatsim.ControllerInfo{Cid: "1000001", Callsign: "LOVV_CTR", Frequency: "132.500",
		Facility: vatsim.FacilityEnroute}
	if !sess.updateClientInfo(retuned) {
		t.Error("frequency change not reported")
	}
	if info := sess.Info(); info.Frequency != "132.500" {
		t.Errorf("got frequency %s, expected 132.500", info.Frequency)
	}

	renamed := vatsim.ControllerInfo{Cid: "1000001", Callsign: "LOVV_N_CTR", Frequency: "132.500",
		Facility: vatsim.FacilityEnroute}
	if !sess.updateClientInfo(renamed) {
		t.Error("callsign change not reported")
	}
	if info := sess.Info(); info.DisplayName != "LOVV_N_CTR" {
		t.Errorf("got display name %s, expected LOVV_N_CTR", info.DisplayName)
	}
}

func TestSessionUpdateActiveProfile(t *testing.T) {
	network := testNetwork(t)
	lovvAll := specificProfile(t, network, "LOVV_ALL")

	for _, test := range []struct {
		name        string
		initial     protocol.ActiveProfile
		profileId   protocol.ProfileId
		wantChanged bool
		wantKind    protocol.ProfileKind
	}{
		{name: "same specific profile",
			initial: lovvAll, profileId: "LOVV_ALL",
			wantChanged: false},
		{name: "different specific profile",
			initial: lovvAll, profileId: "LOWW_TOWER",
			wantChanged: true, wantKind: protocol.ProfileSpecific},
		{name: "specific to none",
			initial: lovvAll, profileId: "",
			wantChanged: true, wantKind: protocol.ProfileNone},
		{name: "missing profile falls back to none",
			initial: lovvAll, profileId: "XXXX_NOPE",
			wantChanged: true, wantKind: protocol.ProfileNone},
		{name: "custom never overridden",
			initial: protocol.CustomProfile(), profileId: "LOVV_ALL",
			wantChanged: false},
		{name: "custom stays without position profile",
			initial: protocol.CustomProfile(), profileId: "",
			wantChanged: false},
		{name: "none stays none",
			initial: protocol.NoProfile(), profileId: "",
			wantChanged: false},
		{name: "none to specific",
			initial: protocol.NoProfile(), profileId: "LOWW_TOWER",
			wantChanged: true, wantKind: protocol.ProfileSpecific},
	} {
		t.Run(test.name, func(t *testing.T) {
			sess := newTestSession(test.initial)

			result := sess.updateActiveProfile(test.profileId, network)
			if result.Changed != test.wantChanged {
				t.Fatalf("got changed %v, expected %v", result.Changed, test.wantChanged)
			}
			if !test.wantChanged {
				if sess.ActiveProfile() != test.initial {
					t.Errorf("profile changed despite unchanged result: %+v", sess.ActiveProfile())
				}
				return
			}
			if result.Profile.Kind != test.wantKind {
				t.Errorf("got kind %v, expected %v", result.Profile.Kind, test.wantKind)
			}
			if test.wantKind == protocol.ProfileSpecific && result.Profile.ProfileId() != test.profileId {
				t.Errorf("got profile %s, expected %s", result.Profile.ProfileId(), test.profileId)
			}
			if sess.ActiveProfile() != result.Profile {
				t.Errorf("session profile %+v does not match result %+v", sess.ActiveProfile(), result.Profile)
			}
		})
	}
}
