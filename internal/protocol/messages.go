package protocol

import "ardents/p2pcore/internal/capability"

// Signed is implemented by every message that travels on the wire. Author is the peer
// id whose key must have produced the signature.
type Signed interface {
	Author() string
	Sig() []byte
	SetSig(sig []byte)
}

type IdentityRequest struct {
	Requester string `json:"requester"`
	Timestamp int64  `json:"timestamp"`
	Signature []byte `json:"signature,omitempty"`
}

// IdentityResponse is the signed profile snapshot of the responding node. ListenAddrs
// lets the requester learn addresses for its address book.
type IdentityResponse struct {
	PeerID             string   `json:"peer_id"`
	SigningPublicKey   []byte   `json:"signing_public_key"`
	AgreementPublicKey []byte   `json:"agreement_public_key"`
	DisplayName        string   `json:"display_name"`
	Bio                string   `json:"bio,omitempty"`
	AvatarHash         string   `json:"avatar_hash,omitempty"`
	ListenAddrs        []string `json:"listen_addrs,omitempty"`
	Timestamp          int64    `json:"timestamp"`
	Signature          []byte   `json:"signature,omitempty"`
}

type DirectMessage struct {
	ID        string `json:"id"`
	Sender    string `json:"sender"`
	Recipient string `json:"recipient"`
	Body      []byte `json:"body"`
	Encrypted bool   `json:"encrypted,omitempty"`
	Timestamp int64  `json:"timestamp"`
	Signature []byte `json:"signature,omitempty"`
}

// DirectMessageAck acknowledges a stored message. Duplicate is set when the message id
// had already been stored with identical content.
type DirectMessageAck struct {
	MessageID string `json:"message_id"`
	Sender    string `json:"sender"`
	Recipient string `json:"recipient"`
	Duplicate bool   `json:"duplicate,omitempty"`
	Timestamp int64  `json:"timestamp"`
	Signature []byte `json:"signature,omitempty"`
}

type ManifestRequest struct {
	Requester string           `json:"requester"`
	Owner     string           `json:"owner"`
	Proof     capability.Proof `json:"proof"`
	Timestamp int64            `json:"timestamp"`
	Signature []byte           `json:"signature,omitempty"`
}

type PostSummary struct {
	ID         string `json:"id"`
	Hash       string `json:"hash"`
	Timestamp  int64  `json:"timestamp"`
	Visibility string `json:"visibility"`
}

type ManifestResponse struct {
	Owner     string        `json:"owner"`
	Requester string        `json:"requester"`
	Posts     []PostSummary `json:"posts"`
	Timestamp int64         `json:"timestamp"`
	Signature []byte        `json:"signature,omitempty"`
}

// MediaRequest addresses content by its digest. Proof may be empty for public content.
type MediaRequest struct {
	Requester string           `json:"requester"`
	Owner     string           `json:"owner"`
	Hash      string           `json:"hash"`
	Proof     capability.Proof `json:"proof"`
	Timestamp int64            `json:"timestamp"`
	Signature []byte           `json:"signature,omitempty"`
}

type MediaResponse struct {
	Owner     string `json:"owner"`
	Hash      string `json:"hash"`
	MimeType  string `json:"mime_type"`
	Data      []byte `json:"data"`
	Timestamp int64  `json:"timestamp"`
	Signature []byte `json:"signature,omitempty"`
}

type SignalType string

const (
	SignalOffer        SignalType = "offer"
	SignalAnswer       SignalType = "answer"
	SignalICECandidate SignalType = "ice-candidate"
	SignalHangup       SignalType = "hangup"
)

func (t SignalType) Valid() bool {
	switch t {
	case SignalOffer, SignalAnswer, SignalICECandidate, SignalHangup:
		return true
	default:
		return false
	}
}

// SignalMessage carries one step of call negotiation. Payload is opaque to this layer
// (SDP or an ICE candidate line).
type SignalMessage struct {
	SessionID string     `json:"session_id"`
	Type      SignalType `json:"type"`
	Sender    string     `json:"sender"`
	Recipient string     `json:"recipient"`
	Payload   string     `json:"payload,omitempty"`
	Timestamp int64      `json:"timestamp"`
	Signature []byte     `json:"signature,omitempty"`
}

type SignalAck struct {
	SessionID string     `json:"session_id"`
	Type      SignalType `json:"type"`
	Sender    string     `json:"sender"`
	State     string     `json:"state"`
	Timestamp int64      `json:"timestamp"`
	Signature []byte     `json:"signature,omitempty"`
}

func (m *IdentityRequest) Author() string     { return m.Requester }
func (m *IdentityRequest) Sig() []byte        { return m.Signature }
func (m *IdentityRequest) SetSig(sig []byte)  { m.Signature = sig }
func (m *IdentityResponse) Author() string    { return m.PeerID }
func (m *IdentityResponse) Sig() []byte       { return m.Signature }
func (m *IdentityResponse) SetSig(sig []byte) { m.Signature = sig }
func (m *DirectMessage) Author() string       { return m.Sender }
func (m *DirectMessage) Sig() []byte          { return m.Signature }
func (m *DirectMessage) SetSig(sig []byte)    { m.Signature = sig }
func (m *DirectMessageAck) Author() string    { return m.Sender }
func (m *DirectMessageAck) Sig() []byte       { return m.Signature }
func (m *DirectMessageAck) SetSig(sig []byte) { m.Signature = sig }
func (m *ManifestRequest) Author() string     { return m.Requester }
func (m *ManifestRequest) Sig() []byte        { return m.Signature }
func (m *ManifestRequest) SetSig(sig []byte)  { m.Signature = sig }
func (m *ManifestResponse) Author() string    { return m.Owner }
func (m *ManifestResponse) Sig() []byte       { return m.Signature }
func (m *ManifestResponse) SetSig(sig []byte) { m.Signature = sig }
func (m *MediaRequest) Author() string        { return m.Requester }
func (m *MediaRequest) Sig() []byte           { return m.Signature }
func (m *MediaRequest) SetSig(sig []byte)     { m.Signature = sig }
func (m *MediaResponse) Author() string       { return m.Owner }
func (m *MediaResponse) Sig() []byte          { return m.Signature }
func (m *MediaResponse) SetSig(sig []byte)    { m.Signature = sig }
func (m *SignalMessage) Author() string       { return m.Sender }
func (m *SignalMessage) Sig() []byte          { return m.Signature }
func (m *SignalMessage) SetSig(sig []byte)    { m.Signature = sig }
func (m *SignalAck) Author() string           { return m.Sender }
func (m *SignalAck) Sig() []byte              { return m.Signature }
func (m *SignalAck) SetSig(sig []byte)        { m.Signature = sig }

// NewRequest returns an empty request value for kind, ready to be decoded into.
func NewRequest(kind Kind) (Signed, bool) {
	switch kind {
	case KindIdentity:
		return &IdentityRequest{}, true
	case KindDirectMessage:
		return &DirectMessage{}, true
	case KindManifest:
		return &ManifestRequest{}, true
	case KindMedia:
		return &MediaRequest{}, true
	case KindSignal:
		return &SignalMessage{}, true
	default:
		return nil, false
	}
}

func NewResponse(kind Kind) (Signed, bool) {
	switch kind {
	case KindIdentity:
		return &IdentityResponse{}, true
	case KindDirectMessage:
		return &DirectMessageAck{}, true
	case KindManifest:
		return &ManifestResponse{}, true
	case KindMedia:
		return &MediaResponse{}, true
	case KindSignal:
		return &SignalAck{}, true
	default:
		return nil, false
	}
}
