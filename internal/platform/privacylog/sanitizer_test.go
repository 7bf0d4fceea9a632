package privacylog

import (
	"bytes"
	"context"
	"encoding/json"
	"log/slog"
	"strings"
	"testing"
	"time"
)

func TestSanitizingHandlerFingerprintsAndRedacts(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(WrapHandler(slog.NewJSONHandler(&buf, nil)))
	logger.Info("dial", "peer_id", "12D3KooWabc", "passphrase", "hunter2", "private_key_hex", "00ff", "protocol", "/ardents/dm/1.0.0")

	var payload map[string]any
	if err := json.Unmarshal(buf.Bytes(), &payload); err != nil {
		t.Fatalf("decode log json: %v", err)
	}
	if _, ok := payload["peer_id"]; ok {
		t.Fatal("peer_id should not be logged in the clear")
	}
	fp, _ := payload["peer_id_fp"].(string)
	if !strings.HasPrefix(fp, "fp_") {
		t.Fatalf("expected fingerprint, got %q", fp)
	}
	if got, _ := payload["passphrase"].(string); got != redactedValue {
		t.Fatalf("expected redacted passphrase, got %q", got)
	}
	if got, _ := payload["private_key_hex"].(string); got != redactedValue {
		t.Fatalf("expected redacted key, got %q", got)
	}
	if got, _ := payload["protocol"].(string); got != "/ardents/dm/1.0.0" {
		t.Fatalf("expected untouched protocol attr, got %q", got)
	}
	if strings.Contains(buf.String(), "hunter2") || strings.Contains(buf.String(), "12D3KooWabc") {
		t.Fatalf("sensitive values leaked: %s", buf.String())
	}
}

func TestFingerprintStableWithinProcess(t *testing.T) {
	if FingerprintID("peer") != FingerprintID(" peer ") {
		t.Fatal("fingerprint should ignore surrounding whitespace")
	}
	if FingerprintID("peer-a") == FingerprintID("peer-b") {
		t.Fatal("distinct ids must not share a fingerprint")
	}
	if FingerprintID("") != "" {
		t.Fatal("empty id should stay empty")
	}
}

func TestSanitizeAddr(t *testing.T) {
	addr := "/ip4/10.0.0.1/tcp/4001/p2p/12D3KooWrelay/p2p-circuit/p2p/12D3KooWtarget"
	got := SanitizeAddr(addr)
	if strings.Contains(got, "12D3KooW") {
		t.Fatalf("peer ids should be fingerprinted: %s", got)
	}
	if !strings.HasPrefix(got, "/ip4/10.0.0.1/tcp/4001/p2p/fp_") || !strings.Contains(got, "/p2p-circuit/p2p/fp_") {
		t.Fatalf("transport components should survive: %s", got)
	}
}

func TestSanitizingHandlerWithAttrsAndGroups(t *testing.T) {
	var buf bytes.Buffer
	h := WrapHandler(slog.NewJSONHandler(&buf, nil)).WithAttrs([]slog.Attr{slog.String("session_id", "s1")})
	rec := slog.NewRecord(time.Now().UTC(), slog.LevelInfo, "msg", 0)
	rec.AddAttrs(slog.Group("call", slog.String("remote_peer", "p"), slog.String("token", "t")))
	if err := h.Handle(context.Background(), rec); err != nil {
		t.Fatalf("handle failed: %v", err)
	}
	out := buf.String()
	if !strings.Contains(out, "session_id_fp") || !strings.Contains(out, "remote_peer_fp") {
		t.Fatalf("expected nested identifiers to be fingerprinted, got %s", out)
	}
	if !strings.Contains(out, redactedValue) {
		t.Fatalf("expected nested token redacted, got %s", out)
	}
}
