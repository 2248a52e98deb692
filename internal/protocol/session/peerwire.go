package session

import (
	"fmt"
	"strings"

	"github.com/danmuck/playermesh/internal/protocol/envelope"
	"github.com/danmuck/playermesh/internal/protocol/frame"
	"github.com/danmuck/playermesh/internal/protocol/schema"
	"github.com/danmuck/playermesh/internal/protocol/tlv"
)

const (
	ReplyAck  = "ack"
	ReplyNack = "nack"

	ReasonUnknownRecipient = "unknown_recipient"
	ReasonForwardFailed    = "forward_failed"
	ReasonBadRequest       = "bad_request"
	ReasonSuperseded       = "superseded"
	ReasonKickFailed       = "kick_failed"
)

// Deliver carries one notification toward the node holding Target.
type Deliver struct {
	Target       string
	Hops         uint32
	Notification envelope.ReceiveNotification
}

func (d Deliver) Validate() error {
	if strings.TrimSpace(d.Target) == "" {
		return fmt.Errorf("deliver missing target")
	}
	if strings.TrimSpace(d.Notification.MessageID) == "" {
		return fmt.Errorf("deliver missing message_id")
	}
	return nil
}

// Resolve asks whether a node holds a live session for PlayerID.
type Resolve struct {
	PlayerID string
}

// Claim tells the owner node that session Session on Holder now serves
// PlayerID. The owner acks only after every other session it knows of has
// been evicted. A Refresh claim re-registers an existing session after a
// membership change and never displaces another holder.
type Claim struct {
	PlayerID string
	Holder   string
	Session  string
	Refresh  bool
}

func (c Claim) Validate() error {
	if strings.TrimSpace(c.PlayerID) == "" || strings.TrimSpace(c.Holder) == "" {
		return fmt.Errorf("claim missing player_id or holder")
	}
	if strings.TrimSpace(c.Session) == "" {
		return fmt.Errorf("claim missing session")
	}
	return nil
}

// Release withdraws a Claim.
type Release struct {
	PlayerID string
	Holder   string
	Session  string
}

// Kick asks a node to evict Session, its local session for PlayerID.
// Holder names the node that took the player over.
type Kick struct {
	PlayerID string
	Session  string
	Holder   string
}

func (k Kick) Validate() error {
	if strings.TrimSpace(k.PlayerID) == "" || strings.TrimSpace(k.Session) == "" {
		return fmt.Errorf("kick missing player_id or session")
	}
	return nil
}

// Reply answers every peer request.
type Reply struct {
	Status  string
	Reason  string
	Present bool
	Holder  string
}

func (r Reply) Acked() bool {
	return r.Status == ReplyAck
}

func Ack() Reply {
	return Reply{Status: ReplyAck}
}

func Nack(reason string) Reply {
	return Reply{Status: ReplyNack, Reason: reason}
}

func EncodeDeliverFrame(messageID uint64, d Deliver) ([]byte, error) {
	if err := d.Validate(); err != nil {
		return nil, err
	}
	fields := append([]tlv.Field{
		tlv.String(schema.FieldPlayerID, d.Target),
		tlv.U32(schema.FieldHops, d.Hops),
	}, envelope.NotificationFields(d.Notification)...)
	return encodeRequest(messageID, schema.MsgPeerDeliver, fields)
}

func DecodeDeliver(f frame.Frame) (Deliver, error) {
	fields, err := decodeFields(f, schema.MsgPeerDeliver)
	if err != nil {
		return Deliver{}, err
	}
	n, err := envelope.DecodeNotification(fields)
	if err != nil {
		return Deliver{}, err
	}
	hops, err := u32Field(fields, schema.FieldHops)
	if err != nil {
		return Deliver{}, err
	}
	return Deliver{
		Target:       stringField(fields, schema.FieldPlayerID),
		Hops:         hops,
		Notification: n,
	}, nil
}

func EncodeResolveFrame(messageID uint64, r Resolve) ([]byte, error) {
	return encodeRequest(messageID, schema.MsgPeerResolve, []tlv.Field{
		tlv.String(schema.FieldPlayerID, r.PlayerID),
	})
}

func DecodeResolve(f frame.Frame) (Resolve, error) {
	fields, err := decodeFields(f, schema.MsgPeerResolve)
	if err != nil {
		return Resolve{}, err
	}
	return Resolve{PlayerID: stringField(fields, schema.FieldPlayerID)}, nil
}

func EncodeClaimFrame(messageID uint64, c Claim) ([]byte, error) {
	if err := c.Validate(); err != nil {
		return nil, err
	}
	fields := []tlv.Field{
		tlv.String(schema.FieldPlayerID, c.PlayerID),
		tlv.String(schema.FieldHolder, c.Holder),
		tlv.String(schema.FieldSession, c.Session),
	}
	if c.Refresh {
		fields = append(fields, tlv.Bool(schema.FieldRefresh, true))
	}
	return encodeRequest(messageID, schema.MsgPeerClaim, fields)
}

func DecodeClaim(f frame.Frame) (Claim, error) {
	fields, err := decodeFields(f, schema.MsgPeerClaim)
	if err != nil {
		return Claim{}, err
	}
	c := Claim{
		PlayerID: stringField(fields, schema.FieldPlayerID),
		Holder:   stringField(fields, schema.FieldHolder),
		Session:  stringField(fields, schema.FieldSession),
	}
	if rf, ok := tlv.GetField(fields, schema.FieldRefresh); ok {
		v, err := tlv.BoolValue(rf)
		if err != nil {
			return Claim{}, err
		}
		c.Refresh = v
	}
	return c, nil
}

func EncodeReleaseFrame(messageID uint64, r Release) ([]byte, error) {
	return encodeRequest(messageID, schema.MsgPeerRelease, []tlv.Field{
		tlv.String(schema.FieldPlayerID, r.PlayerID),
		tlv.String(schema.FieldHolder, r.Holder),
		tlv.String(schema.FieldSession, r.Session),
	})
}

func DecodeRelease(f frame.Frame) (Release, error) {
	fields, err := decodeFields(f, schema.MsgPeerRelease)
	if err != nil {
		return Release{}, err
	}
	return Release{
		PlayerID: stringField(fields, schema.FieldPlayerID),
		Holder:   stringField(fields, schema.FieldHolder),
		Session:  stringField(fields, schema.FieldSession),
	}, nil
}

func EncodeKickFrame(messageID uint64, k Kick) ([]byte, error) {
	if err := k.Validate(); err != nil {
		return nil, err
	}
	fields := []tlv.Field{
		tlv.String(schema.FieldPlayerID, k.PlayerID),
		tlv.String(schema.FieldSession, k.Session),
	}
	if k.Holder != "" {
		fields = append(fields, tlv.String(schema.FieldHolder, k.Holder))
	}
	return encodeRequest(messageID, schema.MsgPeerKick, fields)
}

func DecodeKick(f frame.Frame) (Kick, error) {
	fields, err := decodeFields(f, schema.MsgPeerKick)
	if err != nil {
		return Kick{}, err
	}
	return Kick{
		PlayerID: stringField(fields, schema.FieldPlayerID),
		Session:  stringField(fields, schema.FieldSession),
		Holder:   stringField(fields, schema.FieldHolder),
	}, nil
}

func EncodeReplyFrame(messageID uint64, r Reply) ([]byte, error) {
	fields := []tlv.Field{tlv.String(schema.FieldStatus, r.Status)}
	if r.Reason != "" {
		fields = append(fields, tlv.String(schema.FieldReason, r.Reason))
	}
	if r.Present {
		fields = append(fields, tlv.Bool(schema.FieldPresent, true))
	}
	if r.Holder != "" {
		fields = append(fields, tlv.String(schema.FieldHolder, r.Holder))
	}
	flags := frame.FlagIsResponse
	if r.Status != ReplyAck {
		flags |= frame.FlagIsError
	}
	return frame.Marshal(frame.Frame{
		Header: frame.Header{
			MessageID:   messageID,
			MessageType: schema.MsgPeerReply,
			Flags:       flags,
		},
		Payload: tlv.EncodeFields(fields),
	}, frame.DefaultLimits())
}

func DecodeReply(f frame.Frame) (Reply, error) {
	fields, err := decodeFields(f, schema.MsgPeerReply)
	if err != nil {
		return Reply{}, err
	}
	reply := Reply{
		Status: stringField(fields, schema.FieldStatus),
		Reason: stringField(fields, schema.FieldReason),
		Holder: stringField(fields, schema.FieldHolder),
	}
	if pf, ok := tlv.GetField(fields, schema.FieldPresent); ok {
		v, err := tlv.BoolValue(pf)
		if err != nil {
			return Reply{}, err
		}
		reply.Present = v
	}
	if reply.Status != ReplyAck && reply.Status != ReplyNack {
		return Reply{}, fmt.Errorf("session: reply has invalid status %q", reply.Status)
	}
	return reply, nil
}

func encodeRequest(messageID uint64, messageType uint32, fields []tlv.Field) ([]byte, error) {
	if err := schema.Validate(messageType, fields); err != nil {
		return nil, err
	}
	return frame.Marshal(frame.Frame{
		Header: frame.Header{
			MessageID:   messageID,
			MessageType: messageType,
		},
		Payload: tlv.EncodeFields(fields),
	}, frame.DefaultLimits())
}

func decodeFields(f frame.Frame, messageType uint32) ([]tlv.Field, error) {
	if f.Header.MessageType != messageType {
		return nil, fmt.Errorf("session: message_type=%d want %d", f.Header.MessageType, messageType)
	}
	fields, err := tlv.DecodeFields(f.Payload)
	if err != nil {
		return nil, err
	}
	if err := schema.Validate(messageType, fields); err != nil {
		return nil, err
	}
	return fields, nil
}

// stringField reads an optional or already validated string field.
func stringField(fields []tlv.Field, id uint16) string {
	f, ok := tlv.GetField(fields, id)
	if !ok {
		return ""
	}
	v, _ := tlv.StringValue(f)
	return v
}

func u32Field(fields []tlv.Field, id uint16) (uint32, error) {
	f, ok := tlv.GetField(fields, id)
	if !ok {
		return 0, fmt.Errorf("session: missing field %d", id)
	}
	return tlv.U32Value(f)
}
