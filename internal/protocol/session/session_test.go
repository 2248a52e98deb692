package session

import (
	"bufio"
	"bytes"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/danmuck/playermesh/internal/protocol/envelope"
	"github.com/danmuck/playermesh/internal/protocol/frame"
	"github.com/danmuck/playermesh/internal/protocol/schema"
	"github.com/danmuck/playermesh/internal/testutil/testlog"
)

func TestNextBackoffDelayDeterministicNoJitter(t *testing.T) {
	testlog.Start(t)
	cfg := BackoffConfig{
		InitialDelay: 250 * time.Millisecond,
		Multiplier:   2.0,
		MaxDelay:     5 * time.Second,
		Jitter:       false,
	}
	if got := NextBackoffDelay(cfg, 1, nil); got != 250*time.Millisecond {
		t.Fatalf("attempt1 got=%v", got)
	}
	if got := NextBackoffDelay(cfg, 2, nil); got != 500*time.Millisecond {
		t.Fatalf("attempt2 got=%v", got)
	}
	if got := NextBackoffDelay(cfg, 3, nil); got != time.Second {
		t.Fatalf("attempt3 got=%v", got)
	}
	if got := NextBackoffDelay(cfg, 6, nil); got != 5*time.Second {
		t.Fatalf("attempt6 got=%v", got)
	}
}

func TestNextBackoffDelayJitterWithoutRNGHalves(t *testing.T) {
	testlog.Start(t)
	cfg := BackoffConfig{InitialDelay: 100 * time.Millisecond, Multiplier: 2, Jitter: true}
	if got := NextBackoffDelay(cfg, 2, nil); got != 100*time.Millisecond {
		t.Fatalf("got=%v", got)
	}
}

func TestHelloRoundTrip(t *testing.T) {
	testlog.Start(t)
	var buf bytes.Buffer
	if err := WriteHello(&buf, Hello{NodeID: "node-a", MembershipVersion: 3}); err != nil {
		t.Fatalf("write hello: %v", err)
	}
	got, err := ReadHello(bufio.NewReader(&buf))
	if err != nil {
		t.Fatalf("read hello: %v", err)
	}
	if got.NodeID != "node-a" || got.MembershipVersion != 3 {
		t.Fatalf("unexpected hello: %+v", got)
	}
}

func TestHelloAckRoundTrip(t *testing.T) {
	testlog.Start(t)
	ack := HelloAck{
		Status:      AckStatusAccepted,
		Message:     "ok",
		NodeID:      "node-b",
		TimestampMS: 1700000000000,
	}
	var buf bytes.Buffer
	if err := WriteHelloAck(&buf, ack); err != nil {
		t.Fatalf("write ack: %v", err)
	}
	got, err := ReadHelloAck(bufio.NewReader(&buf))
	if err != nil {
		t.Fatalf("read ack: %v", err)
	}
	if got != ack {
		t.Fatalf("unexpected ack: %+v", got)
	}
}

func TestHelloRejectsMissingNodeID(t *testing.T) {
	testlog.Start(t)
	var buf bytes.Buffer
	if err := WriteHello(&buf, Hello{}); !errors.Is(err, ErrInvalidHello) {
		t.Fatalf("expected ErrInvalidHello, got %v", err)
	}
	buf.WriteString(`{"type":"node.hello.ack"}` + "\n")
	if _, err := ReadHello(bufio.NewReader(&buf)); !errors.Is(err, ErrInvalidHello) {
		t.Fatalf("expected ErrInvalidHello on wrong type, got %v", err)
	}
}

func TestControlLineTooLarge(t *testing.T) {
	testlog.Start(t)
	line := `{"type":"node.hello","hello":{"node_id":"` + strings.Repeat("x", maxControlLine) + `"}}` + "\n"
	if _, err := ReadHello(bufio.NewReader(strings.NewReader(line))); !errors.Is(err, ErrControlMessageTooLarge) {
		t.Fatalf("expected ErrControlMessageTooLarge, got %v", err)
	}
}

func TestDeliverFrameRoundTrip(t *testing.T) {
	testlog.Start(t)
	in := Deliver{
		Target: "bob",
		Hops:   1,
		Notification: envelope.ReceiveNotification{
			From: "alice", To: "bob", Content: "hi", MessageID: "m-1", Timestamp: 1700000000001,
		},
	}
	raw, err := EncodeDeliverFrame(11, in)
	if err != nil {
		t.Fatalf("encode deliver: %v", err)
	}
	fr, err := frame.ReadFrame(bytes.NewReader(raw), frame.DefaultLimits())
	if err != nil {
		t.Fatalf("read frame: %v", err)
	}
	if fr.Header.MessageType != schema.MsgPeerDeliver || fr.Header.MessageID != 11 {
		t.Fatalf("unexpected header: %+v", fr.Header)
	}
	got, err := DecodeDeliver(fr)
	if err != nil {
		t.Fatalf("decode deliver: %v", err)
	}
	if got != in {
		t.Fatalf("deliver mismatch: got=%+v want=%+v", got, in)
	}
}

func TestPresenceFramesRoundTrip(t *testing.T) {
	testlog.Start(t)
	raw, err := EncodeClaimFrame(1, Claim{PlayerID: "bob", Holder: "node-b", Session: "s-1"})
	if err != nil {
		t.Fatalf("encode claim: %v", err)
	}
	fr, _ := frame.Unmarshal(raw, frame.DefaultLimits())
	claim, err := DecodeClaim(fr)
	if err != nil || claim != (Claim{PlayerID: "bob", Holder: "node-b", Session: "s-1"}) {
		t.Fatalf("claim=%+v err=%v", claim, err)
	}

	raw, _ = EncodeClaimFrame(1, Claim{PlayerID: "bob", Holder: "node-b", Session: "s-1", Refresh: true})
	fr, _ = frame.Unmarshal(raw, frame.DefaultLimits())
	if claim, err = DecodeClaim(fr); err != nil || !claim.Refresh {
		t.Fatalf("refresh claim=%+v err=%v", claim, err)
	}

	raw, _ = EncodeReleaseFrame(2, Release{PlayerID: "bob", Holder: "node-b", Session: "s-1"})
	fr, _ = frame.Unmarshal(raw, frame.DefaultLimits())
	rel, err := DecodeRelease(fr)
	if err != nil || rel.Holder != "node-b" || rel.Session != "s-1" {
		t.Fatalf("release=%+v err=%v", rel, err)
	}

	raw, _ = EncodeKickFrame(3, Kick{PlayerID: "bob", Session: "s-1", Holder: "node-c"})
	fr, _ = frame.Unmarshal(raw, frame.DefaultLimits())
	kick, err := DecodeKick(fr)
	if err != nil || kick != (Kick{PlayerID: "bob", Session: "s-1", Holder: "node-c"}) {
		t.Fatalf("kick=%+v err=%v", kick, err)
	}

	// A kick must name the session it evicts.
	if _, err := EncodeKickFrame(4, Kick{PlayerID: "bob"}); err == nil {
		t.Fatalf("expected kick without session to be rejected")
	}

	raw, _ = EncodeResolveFrame(4, Resolve{PlayerID: "bob"})
	fr, _ = frame.Unmarshal(raw, frame.DefaultLimits())
	if _, err := DecodeKick(fr); err == nil {
		t.Fatalf("expected message type mismatch")
	}
	res, err := DecodeResolve(fr)
	if err != nil || res.PlayerID != "bob" {
		t.Fatalf("resolve=%+v err=%v", res, err)
	}
}

func TestReplyFrameFlags(t *testing.T) {
	testlog.Start(t)
	raw, err := EncodeReplyFrame(9, Reply{Status: ReplyNack, Reason: ReasonUnknownRecipient})
	if err != nil {
		t.Fatalf("encode reply: %v", err)
	}
	fr, err := frame.Unmarshal(raw, frame.DefaultLimits())
	if err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if fr.Header.Flags&frame.FlagIsResponse == 0 || fr.Header.Flags&frame.FlagIsError == 0 {
		t.Fatalf("unexpected flags: %x", fr.Header.Flags)
	}
	got, err := DecodeReply(fr)
	if err != nil || got.Acked() || got.Reason != ReasonUnknownRecipient {
		t.Fatalf("reply=%+v err=%v", got, err)
	}

	raw, _ = EncodeReplyFrame(10, Reply{Status: ReplyAck, Present: true, Holder: "node-c"})
	fr, _ = frame.Unmarshal(raw, frame.DefaultLimits())
	got, err = DecodeReply(fr)
	if err != nil || !got.Acked() || !got.Present || got.Holder != "node-c" {
		t.Fatalf("reply=%+v err=%v", got, err)
	}
}

func TestValidateDialerProductionRequiresTLSMTLS(t *testing.T) {
	testlog.Start(t)
	cfg := DefaultConfig()
	cfg.SecurityMode = SecurityModeProduction
	if err := cfg.ValidateDialer(); !errors.Is(err, ErrTLSRequired) {
		t.Fatalf("expected ErrTLSRequired, got %v", err)
	}
	cfg.TLS.Enabled = true
	if err := cfg.ValidateDialer(); !errors.Is(err, ErrMTLSRequired) {
		t.Fatalf("expected ErrMTLSRequired, got %v", err)
	}
	cfg.TLS.Mutual = true
	if err := cfg.ValidateDialer(); !errors.Is(err, ErrTLSCAFileRequired) {
		t.Fatalf("expected ErrTLSCAFileRequired, got %v", err)
	}
	cfg.TLS.CAFile = "/tmp/ca.pem"
	if err := cfg.ValidateDialer(); !errors.Is(err, ErrTLSCertFileRequired) {
		t.Fatalf("expected ErrTLSCertFileRequired, got %v", err)
	}
	cfg.TLS.CertFile = "/tmp/node.pem"
	if err := cfg.ValidateDialer(); !errors.Is(err, ErrTLSKeyFileRequired) {
		t.Fatalf("expected ErrTLSKeyFileRequired, got %v", err)
	}
	cfg.TLS.KeyFile = "/tmp/node.key"
	if err := cfg.ValidateDialer(); err != nil {
		t.Fatalf("expected valid dialer config, got %v", err)
	}
}

func TestValidateListenerRequiresKeyMaterial(t *testing.T) {
	testlog.Start(t)
	cfg := DefaultConfig()
	if err := cfg.ValidateListener(); err != nil {
		t.Fatalf("development without tls should pass: %v", err)
	}
	cfg.TLS.Enabled = true
	if err := cfg.ValidateListener(); !errors.Is(err, ErrTLSCertFileRequired) {
		t.Fatalf("expected ErrTLSCertFileRequired, got %v", err)
	}
	cfg.SecurityMode = "staging"
	if err := cfg.ValidateListener(); !errors.Is(err, ErrInvalidSecurityMode) {
		t.Fatalf("expected ErrInvalidSecurityMode, got %v", err)
	}
}

func TestConfigWithDefaults(t *testing.T) {
	testlog.Start(t)
	cfg := Config{RequestTimeout: 5 * time.Second}.WithDefaults()
	if cfg.RequestTimeout != 5*time.Second || cfg.DialTimeout != DefaultConfig().DialTimeout {
		t.Fatalf("unexpected config: %+v", cfg)
	}
	if cfg.Backoff.InitialDelay == 0 || cfg.SecurityMode != SecurityModeDevelopment {
		t.Fatalf("expected default backoff and mode: %+v", cfg)
	}
}
