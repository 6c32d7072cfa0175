package mtproto

import (
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/mtgram/mtgo/tl"
)

var (
	ErrMalformedWire        = tl.ErrMalformed
	ErrHandshakeFailed      = errors.New("handshake failed")
	ErrAuthenticationFailed = errors.New("message authentication failed")
	ErrConnectionLost       = errors.New("connection lost")
	ErrDeltaTimeDrift       = errors.New("message id time correction did not converge")
	ErrOperationExpired     = errors.New("operation expired")
	ErrNoDcOption           = errors.New("no dc option for connection spec")
	ErrConfigFetch          = errors.New("failed to fetch dc configuration")
	ErrNoActiveConnections  = errors.New("no active connections")
	ErrManagerClosed        = errors.New("manager is closed")
	ErrNoTransport          = errors.New("transport is not configured")
)

// RPCError is an error reported by the server in rpc_error.
// For messages like FLOOD_WAIT_30 the number is split into Argument.
type RPCError struct {
	Code     int
	Message  string
	Type     string
	Argument int
}

func NewRPCError(code int, message string) *RPCError {
	e := &RPCError{
		Code:    code,
		Message: message,
		Type:    message,
	}

	if i := strings.LastIndexByte(message, '_'); i > 0 && i < len(message)-1 {
		if arg, err := strconv.Atoi(message[i+1:]); err == nil {
			e.Type = message[:i]
			e.Argument = arg
		}
	}
	return e
}

func (e *RPCError) Error() string {
	return fmt.Sprintf("rpc error code %d: %s", e.Code, e.Message)
}

// IsRedirect reports whether the request has to be repeated on the DC from Argument.
func (e *RPCError) IsRedirect() bool {
	if e.Code != 303 {
		return false
	}

	switch e.Type {
	case "PHONE_MIGRATE", "NETWORK_MIGRATE", "USER_MIGRATE", "FILE_MIGRATE", "STATS_MIGRATE":
		return e.Argument > 0
	}
	return false
}

// MovesHome reports whether the redirect also changes the account's home DC.
func (e *RPCError) MovesHome() bool {
	switch e.Type {
	case "PHONE_MIGRATE", "NETWORK_MIGRATE", "USER_MIGRATE":
		return e.IsRedirect()
	}
	return false
}

// BadMessageError is a bad_msg_notification the session cannot recover from.
type BadMessageError struct {
	Code  int
	MsgID uint64
}

func (e *BadMessageError) Error() string {
	return fmt.Sprintf("bad message %d: %s (code %d)", e.MsgID, badMsgDescription(e.Code), e.Code)
}

func badMsgDescription(code int) string {
	switch code {
	case 16:
		return "msg_id too low"
	case 17:
		return "msg_id too high"
	case 18:
		return "incorrect two lower order msg_id bits"
	case 19:
		return "container msg_id is the same as msg_id of a previously received message"
	case 20:
		return "message too old"
	case 32:
		return "msg_seqno too low"
	case 33:
		return "msg_seqno too high"
	case 34:
		return "an even msg_seqno expected"
	case 35:
		return "odd msg_seqno expected"
	case 48:
		return "incorrect server salt"
	case 64:
		return "invalid container"
	}
	return "unknown error"
}
