// Package privacylog wraps an slog handler so peer identifiers never reach log sinks in
// the clear and secrets never reach them at all.
package privacylog

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"log/slog"
	"strings"
)

const redactedValue = "[REDACTED]"

var (
	bootNonce = randomNonce()
	// Identifier keys are replaced with a per-process fingerprint, so log lines within
	// one run still correlate.
	identifierKeys = map[string]struct{}{
		"peer_id":     {},
		"remote_peer": {},
		"message_id":  {},
		"session_id":  {},
		"grant_id":    {},
		"grantee":     {},
		"grantor":     {},
		"requester":   {},
		"owner":       {},
	}
	addressKeys       = map[string]struct{}{"addr": {}, "peer_addr": {}, "relay_addr": {}}
	sensitiveKeyParts = []string{"passphrase", "password", "mnemonic", "seed", "private_key", "secret", "token"}
)

type SanitizingHandler struct {
	next slog.Handler
}

func WrapHandler(next slog.Handler) slog.Handler {
	if next == nil {
		return nil
	}
	return &SanitizingHandler{next: next}
}

func (h *SanitizingHandler) Enabled(ctx context.Context, level slog.Level) bool {
	return h.next.Enabled(ctx, level)
}

func (h *SanitizingHandler) Handle(ctx context.Context, rec slog.Record) error {
	out := slog.NewRecord(rec.Time, rec.Level, rec.Message, rec.PC)
	rec.Attrs(func(attr slog.Attr) bool {
		out.AddAttrs(SanitizeAttr(attr))
		return true
	})
	return h.next.Handle(ctx, out)
}

func (h *SanitizingHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	return &SanitizingHandler{next: h.next.WithAttrs(sanitizeAttrs(attrs))}
}

func (h *SanitizingHandler) WithGroup(name string) slog.Handler {
	return &SanitizingHandler{next: h.next.WithGroup(name)}
}

func SanitizeAttr(attr slog.Attr) slog.Attr {
	key := strings.TrimSpace(attr.Key)
	lowerKey := strings.ToLower(key)
	switch {
	case isSensitiveKey(lowerKey):
		return slog.String(key, redactedValue)
	case isIdentifierKey(lowerKey):
		return slog.String(key+"_fp", FingerprintID(valueToString(attr.Value)))
	case isAddressKey(lowerKey):
		return slog.String(key, SanitizeAddr(valueToString(attr.Value)))
	case attr.Value.Kind() == slog.KindGroup:
		return slog.Attr{Key: key, Value: slog.GroupValue(sanitizeAttrs(attr.Value.Group())...)}
	}
	return attr
}

func FingerprintID(value string) string {
	trimmed := strings.TrimSpace(value)
	if trimmed == "" {
		return ""
	}
	sum := sha256.Sum256([]byte(trimmed + "|" + bootNonce))
	return "fp_" + hex.EncodeToString(sum[:8])
}

// SanitizeAddr fingerprints the peer id components of a multiaddr, keeping the
// transport part readable, e.g. /ip4/1.2.3.4/tcp/4001/p2p/fp_....
func SanitizeAddr(addr string) string {
	parts := strings.Split(addr, "/")
	for i := 0; i+1 < len(parts); i++ {
		if parts[i] == "p2p" || parts[i] == "ipfs" {
			parts[i+1] = FingerprintID(parts[i+1])
			i++
		}
	}
	return strings.Join(parts, "/")
}

func sanitizeAttrs(attrs []slog.Attr) []slog.Attr {
	out := make([]slog.Attr, 0, len(attrs))
	for _, attr := range attrs {
		out = append(out, SanitizeAttr(attr))
	}
	return out
}

func isIdentifierKey(key string) bool {
	_, ok := identifierKeys[key]
	return ok
}

func isAddressKey(key string) bool {
	_, ok := addressKeys[key]
	return ok
}

func isSensitiveKey(key string) bool {
	for _, part := range sensitiveKeyParts {
		if strings.Contains(key, part) {
			return true
		}
	}
	return false
}

func valueToString(v slog.Value) string {
	if v.Kind() == slog.KindString {
		return v.String()
	}
	return fmt.Sprint(v.Resolve().Any())
}

func randomNonce() string {
	buf := make([]byte, 16)
	if _, err := rand.Read(buf); err != nil {
		return "fallback_nonce"
	}
	return hex.EncodeToString(buf)
}
