package transport

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/ethsig/signalhub/internal/v1/auth"
	"github.com/ethsig/signalhub/internal/v1/logging"
)

// ClientID is the per-connection identifier exposed on the wire:
// "<userId>_<epochMillis>" once authenticated, "pending_<epochMillis>"
// before.
type ClientID string

// RoomID identifies a room; stable strings from configuration.
type RoomID string

// Frame type strings used by the protocol.
const (
	frameAuthChallenge = "auth-challenge"
	frameAuthResponse  = "auth-response"
	frameAuthSuccess   = "auth-success"
	frameAuthFailed    = "auth-failed"
	frameError         = "error"
	frameJoin          = "join"
	frameLeave         = "leave"
	frameCustom        = "custom"
)

// closeCodeAuthFailure is the application close code for a failed
// handshake; the close reason carries the failure string.
const closeCodeAuthFailure = 4001

// authRequiredError is sent for any frame other than auth-response while
// a connection is still pending.
const authRequiredError = "Authentication required. Send auth-response with signature and address."

// inboundFrame is the slice of any client frame the server inspects.
// Everything else in the payload rides through untouched.
type inboundFrame struct {
	Type      string `json:"type"`
	RoomID    string `json:"roomId"`
	TargetID  string `json:"targetId"`
	Signature string `json:"signature"`
	Address   string `json:"address"`
}

// parseFrame extracts the routable fields. Anything that is not a JSON
// object counts as an opaque custom frame, as does an object without a
// type.
func parseFrame(raw []byte) inboundFrame {
	var f inboundFrame
	if err := json.Unmarshal(raw, &f); err != nil {
		return inboundFrame{Type: frameCustom}
	}
	if f.Type == "" {
		f.Type = frameCustom
	}
	return f
}

type challengeFrame struct {
	Type    string `json:"type"`
	Method  string `json:"method"`
	Token   string `json:"token"`
	Message string `json:"message"`
	Expiry  int64  `json:"expiry"`
}

type authSuccessFrame struct {
	Type     string `json:"type"`
	Address  string `json:"address"`
	ClientID string `json:"clientId"`
}

type authFailedFrame struct {
	Type   string `json:"type"`
	Reason string `json:"reason"`
}

type errorFrame struct {
	Type  string `json:"type"`
	Error string `json:"error"`
}

// marshalFrame serializes a server frame. The frame structs cannot
// actually fail to marshal; the guard keeps a future field honest.
func marshalFrame(v any) []byte {
	data, err := json.Marshal(v)
	if err != nil {
		logging.Error(context.Background(), "Failed to marshal server frame", zap.Error(err))
		return nil
	}
	return data
}

func newChallengeFrame(ch auth.Challenge) []byte {
	return marshalFrame(challengeFrame{
		Type:    frameAuthChallenge,
		Method:  "ethereum-handshake",
		Token:   ch.Token,
		Message: ch.Message,
		Expiry:  ch.Expiry,
	})
}

func newAuthSuccessFrame(address string, id ClientID) []byte {
	return marshalFrame(authSuccessFrame{Type: frameAuthSuccess, Address: address, ClientID: string(id)})
}

func newAuthFailedFrame(reason string) []byte {
	return marshalFrame(authFailedFrame{Type: frameAuthFailed, Reason: reason})
}

func newErrorFrame(msg string) []byte {
	return marshalFrame(errorFrame{Type: frameError, Error: msg})
}

func pendingClientID(at time.Time) ClientID {
	return ClientID(fmt.Sprintf("pending_%d", at.UnixMilli()))
}

func clientIDFor(userID string, at time.Time) ClientID {
	return ClientID(fmt.Sprintf("%s_%d", userID, at.UnixMilli()))
}
