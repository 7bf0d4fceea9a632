package models

import "time"

type Visibility string

const (
	VisibilityPublic   Visibility = "public"
	VisibilityContacts Visibility = "contacts"
	VisibilityPrivate  Visibility = "private"
)

func (v Visibility) Valid() bool {
	switch v {
	case VisibilityPublic, VisibilityContacts, VisibilityPrivate:
		return true
	default:
		return false
	}
}

type Profile struct {
	PeerID             string    `json:"peer_id"`
	DisplayName        string    `json:"display_name"`
	Bio                string    `json:"bio,omitempty"`
	AvatarHash         string    `json:"avatar_hash,omitempty"`
	SigningPublicKey   []byte    `json:"signing_public_key"`
	AgreementPublicKey []byte    `json:"agreement_public_key"`
	UpdatedAt          time.Time `json:"updated_at"`
}

type PostSummary struct {
	ID         string     `json:"id"`
	Owner      string     `json:"owner"`
	Hash       string     `json:"hash"`
	Timestamp  time.Time  `json:"timestamp"`
	Visibility Visibility `json:"visibility"`
}

type Content struct {
	Owner      string     `json:"owner"`
	Hash       string     `json:"hash"`
	MimeType   string     `json:"mime_type"`
	Data       []byte     `json:"data"`
	Visibility Visibility `json:"visibility"`
}

const (
	DirectionIn  = "in"
	DirectionOut = "out"
)

type Message struct {
	ID        string    `json:"id"`
	Sender    string    `json:"sender"`
	Recipient string    `json:"recipient"`
	Body      []byte    `json:"body"`
	Encrypted bool      `json:"encrypted,omitempty"`
	Timestamp time.Time `json:"timestamp"`
	Direction string    `json:"direction"`
}

type Ack struct {
	MessageID  string    `json:"message_id"`
	From       string    `json:"from"`
	To         string    `json:"to"`
	Duplicate  bool      `json:"duplicate,omitempty"`
	ReceivedAt time.Time `json:"received_at"`
}
