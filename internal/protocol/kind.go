// Package protocol defines the request/response protocols a node speaks: their wire
// identifiers, signed message types, framing, and the error taxonomy carried in
// responses.
package protocol

import "strings"

const Namespace = "ardents"

// Kind is the closed set of protocols. Adding a protocol means adding a Kind and a
// method on the handler interface that dispatches it.
type Kind uint8

const (
	KindIdentity Kind = iota + 1
	KindDirectMessage
	KindManifest
	KindMedia
	KindSignal
)

var kindNames = map[Kind]string{
	KindIdentity:      "identity",
	KindDirectMessage: "dm",
	KindManifest:      "manifest",
	KindMedia:         "media",
	KindSignal:        "signal",
}

const protocolVersion = "1.0.0"

func Kinds() []Kind {
	return []Kind{KindIdentity, KindDirectMessage, KindManifest, KindMedia, KindSignal}
}

func (k Kind) String() string {
	if name, ok := kindNames[k]; ok {
		return name
	}
	return "unknown"
}

func (k Kind) Valid() bool {
	_, ok := kindNames[k]
	return ok
}

// ProtocolID returns the versioned wire identifier, e.g. /ardents/dm/1.0.0.
func (k Kind) ProtocolID() string {
	return "/" + Namespace + "/" + k.String() + "/" + protocolVersion
}

func KindFromProtocolID(id string) (Kind, bool) {
	parts := strings.Split(strings.TrimPrefix(id, "/"), "/")
	if len(parts) != 3 || parts[0] != Namespace || parts[2] != protocolVersion {
		return 0, false
	}
	for k, name := range kindNames {
		if name == parts[1] {
			return k, true
		}
	}
	return 0, false
}
