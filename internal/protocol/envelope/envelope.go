// Package envelope owns the client-facing message model and its binary codec.
//
// Every transport message carries exactly one envelope: a frame header whose
// message_type is the envelope kind, followed by the kind's TLV fields.
package envelope

import (
	"fmt"

	"github.com/danmuck/playermesh/internal/protocol/schema"
)

// Kind discriminates envelope bodies.
type Kind uint32

const (
	KindLogin               = Kind(schema.MsgLogin)
	KindLoginResult         = Kind(schema.MsgLoginResult)
	KindSendMessage         = Kind(schema.MsgSendMessage)
	KindReceiveNotification = Kind(schema.MsgReceiveNotification)
	KindError               = Kind(schema.MsgError)
)

func (k Kind) String() string {
	switch k {
	case KindLogin:
		return "login"
	case KindLoginResult:
		return "login_result"
	case KindSendMessage:
		return "send_message"
	case KindReceiveNotification:
		return "receive_notification"
	case KindError:
		return "error"
	default:
		return fmt.Sprintf("kind(%d)", uint32(k))
	}
}

// ClientOriginated reports whether clients may send this kind to a node.
func (k Kind) ClientOriginated() bool {
	return k == KindLogin || k == KindSendMessage
}

// Body is implemented only by the envelope payload types in this package.
type Body interface {
	Kind() Kind
	sealed()
}

// Envelope is one decoded wire message.
type Envelope struct {
	MessageID uint64
	Body      Body
}

func (e Envelope) Kind() Kind {
	if e.Body == nil {
		return 0
	}
	return e.Body.Kind()
}

type Login struct {
	Username string
}

type LoginResult struct {
	Success   bool
	Message   string
	UserID    string
	Timestamp int64
}

type SendMessage struct {
	From    string
	To      string
	Content string
}

type ReceiveNotification struct {
	From      string
	To        string
	Content   string
	MessageID string
	Timestamp int64
}

type Error struct {
	Code   ErrorCode
	Detail string
}

func (Login) Kind() Kind               { return KindLogin }
func (LoginResult) Kind() Kind         { return KindLoginResult }
func (SendMessage) Kind() Kind         { return KindSendMessage }
func (ReceiveNotification) Kind() Kind { return KindReceiveNotification }
func (Error) Kind() Kind               { return KindError }

func (Login) sealed()               {}
func (LoginResult) sealed()         {}
func (SendMessage) sealed()         {}
func (ReceiveNotification) sealed() {}
func (Error) sealed()               {}

// ErrorCode is the client-visible failure category carried by Error envelopes.
type ErrorCode string

const (
	CodeDecodeError       ErrorCode = "DecodeError"
	CodeProtocolViolation ErrorCode = "ProtocolViolation"
	CodeUnknownRecipient  ErrorCode = "UnknownRecipient"
	CodeDeliveryTimeout   ErrorCode = "DeliveryTimeout"
	CodeDeliveryFailed    ErrorCode = "DeliveryFailed"
	CodeSessionEvicted    ErrorCode = "SessionEvicted"
	CodeRateLimited       ErrorCode = "RateLimited"
)

func (c ErrorCode) Valid() bool {
	switch c {
	case CodeDecodeError, CodeProtocolViolation, CodeUnknownRecipient, CodeDeliveryTimeout,
		CodeDeliveryFailed, CodeSessionEvicted, CodeRateLimited:
		return true
	}
	return false
}

// Errorf builds an Error body.
func Errorf(code ErrorCode, format string, args ...any) Error {
	return Error{Code: code, Detail: fmt.Sprintf(format, args...)}
}
