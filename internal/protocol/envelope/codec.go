package envelope

import (
	"errors"
	"fmt"
	"unicode/utf8"

	"github.com/danmuck/playermesh/internal/protocol/frame"
	"github.com/danmuck/playermesh/internal/protocol/schema"
	"github.com/danmuck/playermesh/internal/protocol/tlv"
)

var ErrNilBody = errors.New("envelope: nil body")

// DecodeError reports why raw bytes could not be turned into an Envelope.
type DecodeError struct {
	Reason      string
	MessageType uint32
	Err         error
}

func (e *DecodeError) Error() string {
	if e.Err == nil {
		return "envelope: decode: " + e.Reason
	}
	return fmt.Sprintf("envelope: decode: %s: %v", e.Reason, e.Err)
}

func (e *DecodeError) Unwrap() error {
	return e.Err
}

// EncodeError reports a body that cannot be put on the wire.
type EncodeError struct {
	Reason      string
	MessageType uint32
	FieldID     uint16
	Err         error
}

func (e *EncodeError) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("envelope: encode: message_type=%d field=%d: %s", e.MessageType, e.FieldID, e.Reason)
	}
	return fmt.Sprintf("envelope: encode: message_type=%d field=%d: %s: %v", e.MessageType, e.FieldID, e.Reason, e.Err)
}

func (e *EncodeError) Unwrap() error {
	return e.Err
}

// DefaultLimits bounds client frames.
func DefaultLimits() frame.Limits {
	return frame.Limits{MaxPayloadBytes: 64 * 1024}
}

// Encode renders e as one binary frame.
func Encode(e Envelope) ([]byte, error) {
	return EncodeLimited(e, DefaultLimits())
}

func EncodeLimited(e Envelope, limits frame.Limits) ([]byte, error) {
	if e.Body == nil {
		return nil, ErrNilBody
	}
	fields := EncodeFields(e.Body)
	mt := uint32(e.Body.Kind())
	// Decode rejects string fields that are not UTF-8, so refuse them here.
	for _, f := range fields {
		if f.Type == tlv.TypeString && !utf8.Valid(f.Value) {
			return nil, &EncodeError{Reason: "invalid string", MessageType: mt, FieldID: f.ID, Err: tlv.ErrInvalidUTF8}
		}
	}
	return frame.Marshal(frame.Frame{
		Header: frame.Header{
			MessageID:   e.MessageID,
			MessageType: mt,
		},
		Payload: tlv.EncodeFields(fields),
	}, limits)
}

// Decode parses one binary frame. It never panics; malformed input yields a *DecodeError.
func Decode(raw []byte) (Envelope, error) {
	return DecodeLimited(raw, DefaultLimits())
}

func DecodeLimited(raw []byte, limits frame.Limits) (Envelope, error) {
	fr, err := frame.Unmarshal(raw, limits)
	if err != nil {
		return Envelope{}, &DecodeError{Reason: "malformed frame", Err: err}
	}
	mt := fr.Header.MessageType
	switch Kind(mt) {
	case KindLogin, KindLoginResult, KindSendMessage, KindReceiveNotification, KindError:
	default:
		return Envelope{}, &DecodeError{Reason: "unknown kind", MessageType: mt}
	}
	fields, err := tlv.DecodeFields(fr.Payload)
	if err != nil {
		return Envelope{}, &DecodeError{Reason: "malformed payload", MessageType: mt, Err: err}
	}
	body, err := DecodeBody(mt, fields)
	if err != nil {
		return Envelope{}, &DecodeError{Reason: "invalid fields", MessageType: mt, Err: err}
	}
	return Envelope{MessageID: fr.Header.MessageID, Body: body}, nil
}

// EncodeFields returns the TLV fields for one body.
func EncodeFields(b Body) []tlv.Field {
	switch v := b.(type) {
	case Login:
		return []tlv.Field{tlv.String(schema.FieldUsername, v.Username)}
	case LoginResult:
		return []tlv.Field{
			tlv.Bool(schema.FieldSuccess, v.Success),
			tlv.String(schema.FieldMessage, v.Message),
			tlv.String(schema.FieldUserID, v.UserID),
			tlv.U64(schema.FieldTimestampMS, uint64(v.Timestamp)),
		}
	case SendMessage:
		return []tlv.Field{
			tlv.String(schema.FieldFrom, v.From),
			tlv.String(schema.FieldTo, v.To),
			tlv.String(schema.FieldContent, v.Content),
		}
	case ReceiveNotification:
		return NotificationFields(v)
	case Error:
		return []tlv.Field{
			tlv.String(schema.FieldErrorCode, string(v.Code)),
			tlv.String(schema.FieldErrorDetail, v.Detail),
		}
	}
	return nil
}

// NotificationFields is shared with the peer Deliver message.
func NotificationFields(n ReceiveNotification) []tlv.Field {
	return []tlv.Field{
		tlv.String(schema.FieldFrom, n.From),
		tlv.String(schema.FieldTo, n.To),
		tlv.String(schema.FieldContent, n.Content),
		tlv.String(schema.FieldMessageID, n.MessageID),
		tlv.U64(schema.FieldTimestampMS, uint64(n.Timestamp)),
	}
}

// DecodeBody validates fields against the kind's contract and builds the body.
func DecodeBody(messageType uint32, fields []tlv.Field) (Body, error) {
	if err := schema.Validate(messageType, fields); err != nil {
		return nil, err
	}
	r := fieldReader{fields: fields}
	var body Body
	switch Kind(messageType) {
	case KindLogin:
		body = Login{Username: r.str(schema.FieldUsername)}
	case KindLoginResult:
		body = LoginResult{
			Success:   r.boolean(schema.FieldSuccess),
			Message:   r.str(schema.FieldMessage),
			UserID:    r.str(schema.FieldUserID),
			Timestamp: int64(r.u64(schema.FieldTimestampMS)),
		}
	case KindSendMessage:
		body = SendMessage{
			From:    r.str(schema.FieldFrom),
			To:      r.str(schema.FieldTo),
			Content: r.str(schema.FieldContent),
		}
	case KindReceiveNotification:
		body = r.notification()
	case KindError:
		body = Error{
			Code:   ErrorCode(r.str(schema.FieldErrorCode)),
			Detail: r.str(schema.FieldErrorDetail),
		}
	default:
		return nil, schema.ValidationError{MessageType: messageType, Reason: "not an envelope kind"}
	}
	if r.err != nil {
		return nil, r.err
	}
	return body, nil
}

// DecodeNotification reads the notification fields out of a peer payload.
func DecodeNotification(fields []tlv.Field) (ReceiveNotification, error) {
	r := fieldReader{fields: fields}
	n := r.notification()
	return n, r.err
}

// fieldReader keeps the first conversion error so callers can read a whole
// body before checking.
type fieldReader struct {
	fields []tlv.Field
	err    error
}

func (r *fieldReader) field(id uint16) (tlv.Field, bool) {
	if r.err != nil {
		return tlv.Field{}, false
	}
	f, ok := tlv.GetField(r.fields, id)
	if !ok {
		r.err = fmt.Errorf("envelope: missing field %d", id)
	}
	return f, ok
}

func (r *fieldReader) str(id uint16) string {
	f, ok := r.field(id)
	if !ok {
		return ""
	}
	v, err := tlv.StringValue(f)
	if err != nil {
		r.err = err
	}
	return v
}

func (r *fieldReader) u64(id uint16) uint64 {
	f, ok := r.field(id)
	if !ok {
		return 0
	}
	v, err := tlv.U64Value(f)
	if err != nil {
		r.err = err
	}
	return v
}

func (r *fieldReader) boolean(id uint16) bool {
	f, ok := r.field(id)
	if !ok {
		return false
	}
	v, err := tlv.BoolValue(f)
	if err != nil {
		r.err = err
	}
	return v
}

func (r *fieldReader) notification() ReceiveNotification {
	return ReceiveNotification{
		From:      r.str(schema.FieldFrom),
		To:        r.str(schema.FieldTo),
		Content:   r.str(schema.FieldContent),
		MessageID: r.str(schema.FieldMessageID),
		Timestamp: int64(r.u64(schema.FieldTimestampMS)),
	}
}
