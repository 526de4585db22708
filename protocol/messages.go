// protocol/messages.go
// Copyright(c) 2024-2026 vacs contributors, licensed under the GNU Public License, Version 3.
// SPDX: GPL-3.0-only

package protocol

import (
	"encoding/json"
	"fmt"
	"log/slog"
)

// Wire messages are JSON objects tagged by a "type" field; the remaining
// fields of the tagged message live alongside it in the same object:
//
//	{"type":"callAccept","callId":"...","acceptingClientId":"1000001"}
//
// Message type tags, client to server.
const (
	TypeLogin              = "login"
	TypeLogout             = "logout"
	TypeDisconnect         = "disconnect"
	TypeListClients        = "listClients"
	TypeListStations       = "listStations"
	TypeCallInvite         = "callInvite"
	TypeCallAccept         = "callAccept"
	TypeCallReject         = "callReject"
	TypeCallEnd            = "callEnd"
	TypeCallError          = "callError"
	TypeWebrtcOffer        = "webrtcOffer"
	TypeWebrtcAnswer       = "webrtcAnswer"
	TypeWebrtcIceCandidate = "webrtcIceCandidate"
	TypeError              = "error"
)

// Message type tags, server to client.
const (
	TypeLoginFailure       = "loginFailure"
	TypeSessionInfo        = "sessionInfo"
	TypeClientInfo         = "clientInfo"
	TypeClientConnected    = "clientConnected"
	TypeClientDisconnected = "clientDisconnected"
	TypeClientList         = "clientList"
	TypeStationList        = "stationList"
	TypeStationChanges     = "stationChanges"
	TypeCallCancelled      = "callCancelled"
	TypeDisconnected       = "disconnected"
)

// ClientMessage is implemented by every message a client can send to the
// server.
type ClientMessage interface {
	ClientMessageType() string
}

// ServerMessage is implemented by every message the server can send to a
// client.
type ServerMessage interface {
	ServerMessageType() string
}

///////////////////////////////////////////////////////////////////////////
// Encoding and decoding

// MarshalClientMessage encodes m with its type tag spliced into the
// object.
func MarshalClientMessage(m ClientMessage) ([]byte, error) {
	return marshalTagged(m.ClientMessageType(), m)
}

// MarshalServerMessage encodes m with its type tag spliced into the
// object.
func MarshalServerMessage(m ServerMessage) ([]byte, error) {
	return marshalTagged(m.ServerMessageType(), m)
}

func marshalTagged(tag string, v any) ([]byte, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	if len(b) < 2 || b[0] != '{' {
		return nil, fmt.Errorf("%s: message did not encode as an object", tag)
	}

	out := make([]byte, 0, len(b)+len(tag)+10)
	out = append(out, `{"type":"`...)
	out = append(out, tag...)
	out = append(out, '"')
	if len(b) > 2 {
		out = append(out, ',')
		out = append(out, b[1:]...)
	} else {
		out = append(out, '}')
	}
	return out, nil
}

func unmarshalType(b []byte) (string, error) {
	var tag struct {
		Type string `json:"type"`
	}
	if err := json.Unmarshal(b, &tag); err != nil {
		return "", err
	}
	if tag.Type == "" {
		return "", fmt.Errorf("message has no type tag")
	}
	return tag.Type, nil
}

// UnmarshalClientMessage decodes a client-sent message by its type tag.
func UnmarshalClientMessage(b []byte) (ClientMessage, error) {
	tag, err := unmarshalType(b)
	if err != nil {
		return nil, err
	}

	var m ClientMessage
	switch tag {
	case TypeLogin:
		m = &Login{}
	case TypeLogout:
		m = &Logout{}
	case TypeDisconnect:
		m = &Disconnect{}
	case TypeListClients:
		m = &ListClients{}
	case TypeListStations:
		m = &ListStations{}
	case TypeCallInvite:
		m = &CallInvite{}
	case TypeCallAccept:
		m = &CallAccept{}
	case TypeCallReject:
		m = &CallReject{}
	case TypeCallEnd:
		m = &CallEnd{}
	case TypeCallError:
		m = &CallError{}
	case TypeWebrtcOffer:
		m = &WebrtcOffer{}
	case TypeWebrtcAnswer:
		m = &WebrtcAnswer{}
	case TypeWebrtcIceCandidate:
		m = &WebrtcIceCandidate{}
	case TypeError:
		m = &Error{}
	default:
		return nil, fmt.Errorf("%s: unknown client message type", tag)
	}

	if err := json.Unmarshal(b, m); err != nil {
		return nil, err
	}
	return m, nil
}

// UnmarshalServerMessage decodes a server-sent message by its type tag.
func UnmarshalServerMessage(b []byte) (ServerMessage, error) {
	tag, err := unmarshalType(b)
	if err != nil {
		return nil, err
	}

	var m ServerMessage
	switch tag {
	case TypeLoginFailure:
		m = &LoginFailure{}
	case TypeSessionInfo:
		m = &SessionInfo{}
	case TypeClientInfo:
		m = &ClientInfo{}
	case TypeClientConnected:
		m = &ClientConnected{}
	case TypeClientDisconnected:
		m = &ClientDisconnected{}
	case TypeClientList:
		m = &ClientList{}
	case TypeStationList:
		m = &StationList{}
	case TypeStationChanges:
		m = &StationChanges{}
	case TypeCallInvite:
		m = &CallInvite{}
	case TypeCallAccept:
		m = &CallAccept{}
	case TypeCallCancelled:
		m = &CallCancelled{}
	case TypeCallEnd:
		m = &CallEnd{}
	case TypeCallError:
		m = &CallError{}
	case TypeWebrtcOffer:
		m = &WebrtcOffer{}
	case TypeWebrtcAnswer:
		m = &WebrtcAnswer{}
	case TypeWebrtcIceCandidate:
		m = &WebrtcIceCandidate{}
	case TypeDisconnected:
		m = &Disconnected{}
	case TypeError:
		m = &Error{}
	default:
		return nil, fmt.Errorf("%s: unknown server message type", tag)
	}

	if err := json.Unmarshal(b, m); err != nil {
		return nil, err
	}
	return m, nil
}

///////////////////////////////////////////////////////////////////////////
// Session management messages

type Login struct {
	Token           string      `json:"token"`
	ProtocolVersion string      `json:"protocolVersion"`
	CustomProfile   bool        `json:"customProfile"`
	PositionId      *PositionId `json:"positionId"`
}

func (Login) ClientMessageType() string { return TypeLogin }

type Logout struct{}

func (Logout) ClientMessageType() string { return TypeLogout }

type Disconnect struct{}

func (Disconnect) ClientMessageType() string { return TypeDisconnect }

type ListClients struct{}

func (ListClients) ClientMessageType() string { return TypeListClients }

type ListStations struct{}

func (ListStations) ClientMessageType() string { return TypeListStations }

type LoginFailure struct {
	Reason LoginFailureReason `json:"reason"`
}

func (LoginFailure) ServerMessageType() string { return TypeLoginFailure }

// ClientInfo describes one connected client as shared with its peers.
// It doubles as a standalone message pushed to everyone when a client's
// VATSIM data (callsign, frequency, position) changes mid-session.
type ClientInfo struct {
	Id          ClientId   `json:"id"`
	DisplayName string     `json:"displayName"`
	Frequency   string     `json:"frequency"`
	PositionId  PositionId `json:"positionId,omitempty"`
}

func (ClientInfo) ServerMessageType() string { return TypeClientInfo }

type SessionInfo struct {
	Client  ClientInfo     `json:"client"`
	Profile SessionProfile `json:"profile"`
}

func (SessionInfo) ServerMessageType() string { return TypeSessionInfo }

type ClientConnected struct {
	Client ClientInfo `json:"client"`
}

func (ClientConnected) ServerMessageType() string { return TypeClientConnected }

type ClientDisconnected struct {
	ClientId ClientId `json:"clientId"`
}

func (ClientDisconnected) ServerMessageType() string { return TypeClientDisconnected }

type ClientList struct {
	Clients []ClientInfo `json:"clients"`
}

func (ClientList) ServerMessageType() string { return TypeClientList }

// StationInfo is one entry of a stationList reply; Own marks stations
// controlled by the receiving client's own position.
type StationInfo struct {
	Id  StationId `json:"id"`
	Own bool      `json:"own"`
}

type StationList struct {
	Stations []StationInfo `json:"stations"`
}

func (StationList) ServerMessageType() string { return TypeStationList }

type StationChanges struct {
	Changes []StationChange `json:"changes"`
}

func (StationChanges) ServerMessageType() string { return TypeStationChanges }

type Disconnected struct {
	Reason DisconnectReason `json:"reason"`
}

func (Disconnected) ServerMessageType() string { return TypeDisconnected }

///////////////////////////////////////////////////////////////////////////
// Call signaling messages

// CallSource identifies who is calling; position and station are set when
// the caller wants to present itself as the holder of one.
type CallSource struct {
	ClientId   ClientId   `json:"clientId"`
	PositionId PositionId `json:"positionId,omitempty"`
	StationId  StationId  `json:"stationId,omitempty"`
}

// CallTarget addresses a call: exactly one of the three fields is set.
type CallTarget struct {
	Client   ClientId   `json:"client,omitempty"`
	Position PositionId `json:"position,omitempty"`
	Station  StationId  `json:"station,omitempty"`
}

func (t CallTarget) IsZero() bool {
	return t.Client == "" && t.Position == "" && t.Station == ""
}

func (t CallTarget) String() string {
	switch {
	case t.Client != "":
		return "client " + string(t.Client)
	case t.Position != "":
		return "position " + string(t.Position)
	case t.Station != "":
		return "station " + string(t.Station)
	default:
		return "unset"
	}
}

type CallInvite struct {
	CallId CallId     `json:"callId"`
	Source CallSource `json:"source"`
	Target CallTarget `json:"target"`
	Prio   bool       `json:"prio"`
}

func (CallInvite) ClientMessageType() string { return TypeCallInvite }
func (CallInvite) ServerMessageType() string { return TypeCallInvite }

type CallAccept struct {
	CallId            CallId   `json:"callId"`
	AcceptingClientId ClientId `json:"acceptingClientId"`
}

func (CallAccept) ClientMessageType() string { return TypeCallAccept }
func (CallAccept) ServerMessageType() string { return TypeCallAccept }

type CallReject struct {
	CallId            CallId           `json:"callId"`
	RejectingClientId ClientId         `json:"rejectingClientId"`
	Reason            CallRejectReason `json:"reason,omitempty"`
}

func (CallReject) ClientMessageType() string { return TypeCallReject }

type CallEnd struct {
	CallId         CallId   `json:"callId"`
	EndingClientId ClientId `json:"endingClientId"`
}

func (CallEnd) ClientMessageType() string { return TypeCallEnd }
func (CallEnd) ServerMessageType() string { return TypeCallEnd }

type CallError struct {
	CallId  CallId          `json:"callId"`
	Reason  CallErrorReason `json:"reason"`
	Message string          `json:"message,omitempty"`
}

func (CallError) ClientMessageType() string { return TypeCallError }
func (CallError) ServerMessageType() string { return TypeCallError }

type CallCancelled struct {
	CallId CallId           `json:"callId"`
	Reason CallCancelReason `json:"reason"`
}

func (CallCancelled) ServerMessageType() string { return TypeCallCancelled }

///////////////////////////////////////////////////////////////////////////
// WebRTC signaling relay

type WebrtcOffer struct {
	CallId       CallId   `json:"callId"`
	FromClientId ClientId `json:"fromClientId"`
	ToClientId   ClientId `json:"toClientId"`
	Sdp          string   `json:"sdp"`
}

func (WebrtcOffer) ClientMessageType() string { return TypeWebrtcOffer }
func (WebrtcOffer) ServerMessageType() string { return TypeWebrtcOffer }

// LogValue elides the sdp payload; session descriptions run to multiple
// kilobytes and can carry addresses we don't want in the logs.
func (o WebrtcOffer) LogValue() slog.Value {
	return slog.GroupValue(
		slog.String("call_id", o.CallId.String()),
		slog.String("from", string(o.FromClientId)),
		slog.String("to", string(o.ToClientId)),
		slog.Int("sdp_len", len(o.Sdp)))
}

type WebrtcAnswer struct {
	CallId       CallId   `json:"callId"`
	FromClientId ClientId `json:"fromClientId"`
	ToClientId   ClientId `json:"toClientId"`
	Sdp          string   `json:"sdp"`
}

func (WebrtcAnswer) ClientMessageType() string { return TypeWebrtcAnswer }
func (WebrtcAnswer) ServerMessageType() string { return TypeWebrtcAnswer }

func (a WebrtcAnswer) LogValue() slog.Value {
	return slog.GroupValue(
		slog.String("call_id", a.CallId.String()),
		slog.String("from", string(a.FromClientId)),
		slog.String("to", string(a.ToClientId)),
		slog.Int("sdp_len", len(a.Sdp)))
}

type WebrtcIceCandidate struct {
	CallId       CallId   `json:"callId"`
	FromClientId ClientId `json:"fromClientId"`
	ToClientId   ClientId `json:"toClientId"`
	Candidate    string   `json:"candidate"`
}

func (WebrtcIceCandidate) ClientMessageType() string { return TypeWebrtcIceCandidate }
func (WebrtcIceCandidate) ServerMessageType() string { return TypeWebrtcIceCandidate }

///////////////////////////////////////////////////////////////////////////
// Error reporting

type Error struct {
	Reason   ErrorReason `json:"reason"`
	ClientId ClientId    `json:"clientId,omitempty"`
	CallId   *CallId     `json:"callId,omitempty"`
}

func (Error) ClientMessageType() string { return TypeError }
func (Error) ServerMessageType() string { return TypeError }
