// protocol/reasons.go
// Copyright(c) 2024-2026 vacs contributors, licensed under the GNU Public License, Version 3.
// SPDX: GPL-3.0-only

package protocol

import (
	"encoding/json"
	"fmt"
)

// The reason enums below follow the same JSON convention: variants
// without a payload encode as a bare string, variants with a payload as a
// single-key object:
//
//	"callerCancelled"
//	{"answeredElsewhere":"1000001"}

///////////////////////////////////////////////////////////////////////////
// Call reject and error reasons

type CallRejectReason string

const (
	CallRejectBusy CallRejectReason = "busy"
)

type CallErrorReason string

const (
	CallErrorTargetNotFound   CallErrorReason = "targetNotFound"
	CallErrorCallActive       CallErrorReason = "callActive"
	CallErrorWebrtcFailure    CallErrorReason = "webrtcFailure"
	CallErrorAudioFailure     CallErrorReason = "audioFailure"
	CallErrorCallFailure      CallErrorReason = "callFailure"
	CallErrorSignalingFailure CallErrorReason = "signalingFailure"
	CallErrorAutoHangup       CallErrorReason = "autoHangup"
	CallErrorOther            CallErrorReason = "other"
)

///////////////////////////////////////////////////////////////////////////
// Call cancellation

type CallCancelKind string

const (
	CallCancelAnsweredElsewhere CallCancelKind = "answeredElsewhere"
	CallCancelCallerCancelled   CallCancelKind = "callerCancelled"
	CallCancelAllRejected       CallCancelKind = "allRejected"
)

// CallCancelReason reports why a ringing call stopped ringing; AnsweredBy
// is set for answeredElsewhere.
type CallCancelReason struct {
	Kind       CallCancelKind
	AnsweredBy ClientId
}

func AnsweredElsewhere(by ClientId) CallCancelReason {
	return CallCancelReason{Kind: CallCancelAnsweredElsewhere, AnsweredBy: by}
}

func CallerCancelled() CallCancelReason {
	return CallCancelReason{Kind: CallCancelCallerCancelled}
}

func AllRejected() CallCancelReason {
	return CallCancelReason{Kind: CallCancelAllRejected}
}

func (r CallCancelReason) MarshalJSON() ([]byte, error) {
	if r.Kind == CallCancelAnsweredElsewhere {
		return json.Marshal(map[CallCancelKind]ClientId{r.Kind: r.AnsweredBy})
	}
	return json.Marshal(string(r.Kind))
}

func (r *CallCancelReason) UnmarshalJSON(b []byte) error {
	if len(b) > 0 && b[0] == '"' {
		var s string
		if err := json.Unmarshal(b, &s); err != nil {
			return err
		}
		*r = CallCancelReason{Kind: CallCancelKind(s)}
		return nil
	}

	var aux struct {
		AnsweredBy *ClientId `json:"answeredElsewhere"`
	}
	if err := json.Unmarshal(b, &aux); err != nil {
		return err
	}
	if aux.AnsweredBy == nil {
		return fmt.Errorf("unknown call cancel reason %s", string(b))
	}
	*r = AnsweredElsewhere(*aux.AnsweredBy)
	return nil
}

///////////////////////////////////////////////////////////////////////////
// Login failures

type LoginFailureKind string

const (
	LoginFailureUnauthorized             LoginFailureKind = "unauthorized"
	LoginFailureDuplicateId              LoginFailureKind = "duplicateId"
	LoginFailureInvalidCredentials       LoginFailureKind = "invalidCredentials"
	LoginFailureNoActiveVatsimConnection LoginFailureKind = "noActiveVatsimConnection"
	LoginFailureAmbiguousVatsimPosition  LoginFailureKind = "ambiguousVatsimPosition"
	LoginFailureInvalidVatsimPosition    LoginFailureKind = "invalidVatsimPosition"
	LoginFailureTimeout                  LoginFailureKind = "timeout"
	LoginFailureIncompatibleProtocol     LoginFailureKind = "incompatibleProtocolVersion"
)

// LoginFailureReason reports why a login was denied; AmbiguousPositions
// carries the candidate position ids for ambiguousVatsimPosition.
type LoginFailureReason struct {
	Kind               LoginFailureKind
	AmbiguousPositions []PositionId
}

func LoginFailed(kind LoginFailureKind) LoginFailureReason {
	return LoginFailureReason{Kind: kind}
}

func LoginFailedAmbiguous(positions []PositionId) LoginFailureReason {
	if positions == nil {
		positions = []PositionId{}
	}
	return LoginFailureReason{Kind: LoginFailureAmbiguousVatsimPosition, AmbiguousPositions: positions}
}

func (r LoginFailureReason) MarshalJSON() ([]byte, error) {
	if r.Kind == LoginFailureAmbiguousVatsimPosition {
		positions := r.AmbiguousPositions
		if positions == nil {
			positions = []PositionId{}
		}
		return json.Marshal(map[LoginFailureKind][]PositionId{r.Kind: positions})
	}
	return json.Marshal(string(r.Kind))
}

func (r *LoginFailureReason) UnmarshalJSON(b []byte) error {
	if len(b) > 0 && b[0] == '"' {
		var s string
		if err := json.Unmarshal(b, &s); err != nil {
			return err
		}
		*r = LoginFailureReason{Kind: LoginFailureKind(s)}
		return nil
	}

	var aux struct {
		Positions []PositionId `json:"ambiguousVatsimPosition"`
	}
	if err := json.Unmarshal(b, &aux); err != nil {
		return err
	}
	if aux.Positions == nil {
		return fmt.Errorf("unknown login failure reason %s", string(b))
	}
	*r = LoginFailedAmbiguous(aux.Positions)
	return nil
}

///////////////////////////////////////////////////////////////////////////
// Disconnect reasons

type DisconnectKind string

const (
	DisconnectTerminated               DisconnectKind = "terminated"
	DisconnectNoActiveVatsimConnection DisconnectKind = "noActiveVatsimConnection"
	DisconnectAmbiguousVatsimPosition  DisconnectKind = "ambiguousVatsimPosition"
)

// DisconnectReason is sent with a disconnected message when the server
// drops a session.
type DisconnectReason struct {
	Kind               DisconnectKind
	AmbiguousPositions []PositionId
}

func DisconnectedFor(kind DisconnectKind) DisconnectReason {
	return DisconnectReason{Kind: kind}
}

func DisconnectedAmbiguous(positions []PositionId) DisconnectReason {
	if positions == nil {
		positions = []PositionId{}
	}
	return DisconnectReason{Kind: DisconnectAmbiguousVatsimPosition, AmbiguousPositions: positions}
}

// MetricLabel returns the snake_case form used for metric label values.
func (r DisconnectReason) MetricLabel() string {
	switch r.Kind {
	case DisconnectNoActiveVatsimConnection:
		return "no_active_vatsim_connection"
	case DisconnectAmbiguousVatsimPosition:
		return "ambiguous_vatsim_position"
	default:
		return "terminated"
	}
}

func (r DisconnectReason) MarshalJSON() ([]byte, error) {
	if r.Kind == DisconnectAmbiguousVatsimPosition {
		positions := r.AmbiguousPositions
		if positions == nil {
			positions = []PositionId{}
		}
		return json.Marshal(map[DisconnectKind][]PositionId{r.Kind: positions})
	}
	return json.Marshal(string(r.Kind))
}

func (r *DisconnectReason) UnmarshalJSON(b []byte) error {
	if len(b) > 0 && b[0] == '"' {
		var s string
		if err := json.Unmarshal(b, &s); err != nil {
			return err
		}
		*r = DisconnectReason{Kind: DisconnectKind(s)}
		return nil
	}

	var aux struct {
		Positions []PositionId `json:"ambiguousVatsimPosition"`
	}
	if err := json.Unmarshal(b, &aux); err != nil {
		return err
	}
	if aux.Positions == nil {
		return fmt.Errorf("unknown disconnect reason %s", string(b))
	}
	*r = DisconnectedAmbiguous(aux.Positions)
	return nil
}

///////////////////////////////////////////////////////////////////////////
// Generic error reasons

type ErrorKind string

const (
	ErrorKindMalformedMessage  ErrorKind = "malformedMessage"
	ErrorKindInternal          ErrorKind = "internal"
	ErrorKindPeerConnection    ErrorKind = "peerConnection"
	ErrorKindUnexpectedMessage ErrorKind = "unexpectedMessage"
	ErrorKindRateLimited       ErrorKind = "rateLimited"
	ErrorKindClientNotFound    ErrorKind = "clientNotFound"
)

// ErrorReason describes a protocol-level error; Message is set for
// internal and unexpectedMessage, RetryAfterSecs for rateLimited.
type ErrorReason struct {
	Kind           ErrorKind
	Message        string
	RetryAfterSecs uint64
}

func MalformedMessage() ErrorReason {
	return ErrorReason{Kind: ErrorKindMalformedMessage}
}

func InternalError(message string) ErrorReason {
	return ErrorReason{Kind: ErrorKindInternal, Message: message}
}

func PeerConnectionError() ErrorReason {
	return ErrorReason{Kind: ErrorKindPeerConnection}
}

func UnexpectedMessage(messageType string) ErrorReason {
	return ErrorReason{Kind: ErrorKindUnexpectedMessage, Message: messageType}
}

func RateLimited(retryAfterSecs uint64) ErrorReason {
	return ErrorReason{Kind: ErrorKindRateLimited, RetryAfterSecs: retryAfterSecs}
}

func ClientNotFound() ErrorReason {
	return ErrorReason{Kind: ErrorKindClientNotFound}
}

func (r ErrorReason) MarshalJSON() ([]byte, error) {
	switch r.Kind {
	case ErrorKindInternal, ErrorKindUnexpectedMessage:
		return json.Marshal(map[ErrorKind]string{r.Kind: r.Message})
	case ErrorKindRateLimited:
		aux := struct {
			RetryAfterSecs uint64 `json:"retryAfterSecs"`
		}{r.RetryAfterSecs}
		return json.Marshal(map[ErrorKind]any{r.Kind: aux})
	default:
		return json.Marshal(string(r.Kind))
	}
}

func (r *ErrorReason) UnmarshalJSON(b []byte) error {
	if len(b) > 0 && b[0] == '"' {
		var s string
		if err := json.Unmarshal(b, &s); err != nil {
			return err
		}
		*r = ErrorReason{Kind: ErrorKind(s)}
		return nil
	}

	var obj map[string]json.RawMessage
	if err := json.Unmarshal(b, &obj); err != nil {
		return err
	}
	if raw, ok := obj[string(ErrorKindInternal)]; ok {
		r.Kind = ErrorKindInternal
		return json.Unmarshal(raw, &r.Message)
	}
	if raw, ok := obj[string(ErrorKindUnexpectedMessage)]; ok {
		r.Kind = ErrorKindUnexpectedMessage
		return json.Unmarshal(raw, &r.Message)
	}
	if raw, ok := obj[string(ErrorKindRateLimited)]; ok {
		var aux struct {
			RetryAfterSecs uint64 `json:"retryAfterSecs"`
		}
		if err := json.Unmarshal(raw, &aux); err != nil {
			return err
		}
		*r = RateLimited(aux.RetryAfterSecs)
		return nil
	}
	return fmt.Errorf("unknown error reason %s", string(b))
}
