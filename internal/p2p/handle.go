package p2p

import (
	"context"
	"errors"
	"fmt"

	"ardents/p2pcore/internal/capability"
	"ardents/p2pcore/internal/crypto"
	"ardents/p2pcore/internal/identity"
	"ardents/p2pcore/internal/protocol"
	"ardents/p2pcore/pkg/models"

	"github.com/google/uuid"
	"github.com/libp2p/go-libp2p/core/peer"
)

// Handle is the application's view of a running Service. Every operation blocks until
// it completes, fails, or ctx ends, and resolves to one of the protocol error kinds.
type Handle struct {
	s *Service
}

func (s *Service) Handle() *Handle {
	return &Handle{s: s}
}

type PeerInfo struct {
	PeerID string
	State  PeerState
	Addrs  []string
}

func (h *Handle) PeerID() string {
	return h.s.session.PeerID()
}

func (h *Handle) Status() Status {
	return h.s.Status()
}

func (h *Handle) Subscribe(ctx context.Context) (<-chan Event, error) {
	return h.s.Subscribe(ctx)
}

// Connect dials peerID, first adding addrs to its known addresses, and returns the
// resulting connection state.
func (h *Handle) Connect(ctx context.Context, peerID string, addrs ...string) (PeerState, error) {
	if err := h.checkPeer(peerID); err != nil {
		return PeerDisconnected, err
	}
	if !h.s.isRunning() {
		return PeerDisconnected, protocol.ErrServiceStopped
	}
	return h.s.connect(ctx, peerID, addrs)
}

func (h *Handle) Peers(ctx context.Context) ([]PeerInfo, error) {
	if !h.s.isRunning() {
		return nil, protocol.ErrServiceStopped
	}
	var out []PeerInfo
	err := h.s.call(ctx, func() {
		for id, r := range h.s.peers.byPeer {
			out = append(out, PeerInfo{PeerID: id, State: r.state, Addrs: h.s.book.addrs(id)})
		}
	})
	return out, err
}

// ExchangeIdentity fetches peerID's signed profile. Addresses it advertises are added
// to the address book.
func (h *Handle) ExchangeIdentity(ctx context.Context, peerID string) (protocol.IdentityResponse, error) {
	req := &protocol.IdentityRequest{Requester: h.PeerID(), Timestamp: h.s.now().UnixMilli()}
	resp, err := h.exchange(ctx, peerID, protocol.KindIdentity, req)
	if err != nil {
		return protocol.IdentityResponse{}, err
	}
	out := resp.(*protocol.IdentityResponse)
	if ok, err := identity.VerifyPeerID(out.PeerID, out.SigningPublicKey); err != nil || !ok {
		return protocol.IdentityResponse{}, fmt.Errorf("%w: signing key does not match peer id", protocol.ErrInvalidSignature)
	}
	if len(out.ListenAddrs) > 0 {
		addrs := append([]string(nil), out.ListenAddrs...)
		_ = h.s.send(ctx, func() {
			now := h.s.now()
			for _, addr := range addrs {
				h.s.learnAddr(peerID, addr, SourceExchange, now)
			}
		})
	}
	return *out, nil
}

// NewDirectMessage builds and signs a message with a fresh id. The same value can be
// delivered repeatedly; the recipient stores it once.
func (h *Handle) NewDirectMessage(recipient string, body []byte, encrypted bool) (protocol.DirectMessage, error) {
	msg := protocol.DirectMessage{
		ID:        uuid.NewString(),
		Sender:    h.PeerID(),
		Recipient: recipient,
		Body:      body,
		Encrypted: encrypted,
		Timestamp: h.s.now().UnixMilli(),
	}
	if err := protocol.Seal(h.s.session, &msg); err != nil {
		return protocol.DirectMessage{}, err
	}
	return msg, nil
}

func (h *Handle) DeliverDirectMessage(ctx context.Context, msg protocol.DirectMessage) (protocol.DirectMessageAck, error) {
	if msg.Sender != h.PeerID() {
		return protocol.DirectMessageAck{}, fmt.Errorf("%w: message sender is not this node", protocol.ErrUnauthorized)
	}
	if len(msg.Signature) == 0 {
		if err := protocol.Seal(h.s.session, &msg); err != nil {
			return protocol.DirectMessageAck{}, err
		}
	}
	resp, err := h.send(ctx, msg.Recipient, protocol.KindDirectMessage, &msg)
	if err != nil {
		return protocol.DirectMessageAck{}, err
	}
	ack := resp.(*protocol.DirectMessageAck)
	if ack.MessageID != msg.ID || ack.Recipient != msg.Sender {
		return protocol.DirectMessageAck{}, fmt.Errorf("%w: ack does not match message %s", protocol.ErrEncoding, msg.ID)
	}
	record := models.Ack{
		MessageID:  ack.MessageID,
		From:       ack.Sender,
		To:         ack.Recipient,
		Duplicate:  ack.Duplicate,
		ReceivedAt: h.s.now().UTC(),
	}
	if err := h.s.store.SaveAck(ctx, record); err != nil {
		h.s.logger.Warn("saving ack failed", "message_id", ack.MessageID, "error", err)
	}
	return *ack, nil
}

// SendDirectMessage stores an outbound copy and delivers it.
func (h *Handle) SendDirectMessage(ctx context.Context, recipient string, body []byte) (protocol.DirectMessageAck, error) {
	msg, err := h.NewDirectMessage(recipient, body, false)
	if err != nil {
		return protocol.DirectMessageAck{}, err
	}
	return h.storeAndDeliver(ctx, msg)
}

// SendEncryptedDirectMessage looks up the recipient's agreement key through an identity
// exchange and sends plaintext sealed to it.
func (h *Handle) SendEncryptedDirectMessage(ctx context.Context, recipient string, plaintext []byte) (protocol.DirectMessageAck, error) {
	remote, err := h.ExchangeIdentity(ctx, recipient)
	if err != nil {
		return protocol.DirectMessageAck{}, err
	}
	priv, err := h.s.session.AgreementPrivateKey()
	if err != nil {
		return protocol.DirectMessageAck{}, err
	}
	defer clear(priv)

	msg := protocol.DirectMessage{
		ID:        uuid.NewString(),
		Sender:    h.PeerID(),
		Recipient: recipient,
		Encrypted: true,
		Timestamp: h.s.now().UnixMilli(),
	}
	msg.Body, err = crypto.SealBody(priv, remote.AgreementPublicKey, msg.Sender, msg.Recipient, msg.ID, plaintext)
	if err != nil {
		return protocol.DirectMessageAck{}, fmt.Errorf("%w: %w", protocol.ErrEncoding, err)
	}
	if err := protocol.Seal(h.s.session, &msg); err != nil {
		return protocol.DirectMessageAck{}, err
	}
	return h.storeAndDeliver(ctx, msg)
}

// OpenDirectMessage returns the plaintext of a stored message. peerAgreementKey is the
// other party's agreement public key, as returned by ExchangeIdentity.
func (h *Handle) OpenDirectMessage(msg models.Message, peerAgreementKey []byte) ([]byte, error) {
	if !msg.Encrypted {
		return msg.Body, nil
	}
	priv, err := h.s.session.AgreementPrivateKey()
	if err != nil {
		return nil, err
	}
	defer clear(priv)
	plain, err := crypto.OpenBody(priv, peerAgreementKey, msg.Sender, msg.Recipient, msg.ID, msg.Body)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", protocol.ErrEncoding, err)
	}
	return plain, nil
}

func (h *Handle) storeAndDeliver(ctx context.Context, msg protocol.DirectMessage) (protocol.DirectMessageAck, error) {
	if _, err := h.s.store.SaveMessage(ctx, models.Message{
		ID:        msg.ID,
		Sender:    msg.Sender,
		Recipient: msg.Recipient,
		Body:      msg.Body,
		Encrypted: msg.Encrypted,
		Timestamp: h.s.now().UTC(),
		Direction: models.DirectionOut,
	}); err != nil {
		return protocol.DirectMessageAck{}, fmt.Errorf("save outbound message: %w", err)
	}
	return h.DeliverDirectMessage(ctx, msg)
}

// FetchManifest asks owner for its post list, presenting the grants owner issued to
// this node.
func (h *Handle) FetchManifest(ctx context.Context, owner string) ([]protocol.PostSummary, error) {
	proof, err := h.proofFor(ctx, owner)
	if err != nil {
		return nil, err
	}
	req := &protocol.ManifestRequest{Requester: h.PeerID(), Owner: owner, Proof: proof, Timestamp: h.s.now().UnixMilli()}
	resp, err := h.exchange(ctx, owner, protocol.KindManifest, req)
	if err != nil {
		return nil, err
	}
	out := resp.(*protocol.ManifestResponse)
	if out.Requester != h.PeerID() {
		return nil, fmt.Errorf("%w: manifest issued for another requester", protocol.ErrInvalidSignature)
	}
	return out.Posts, nil
}

// FetchMedia downloads content by hash. Bytes that do not hash to the requested value
// are reported as not found.
func (h *Handle) FetchMedia(ctx context.Context, owner, hash string) (protocol.MediaResponse, error) {
	if !protocol.ValidContentHash(hash) {
		return protocol.MediaResponse{}, fmt.Errorf("%w: malformed content hash", protocol.ErrEncoding)
	}
	proof, err := h.proofFor(ctx, owner)
	if err != nil {
		return protocol.MediaResponse{}, err
	}
	req := &protocol.MediaRequest{Requester: h.PeerID(), Owner: owner, Hash: hash, Proof: proof, Timestamp: h.s.now().UnixMilli()}
	resp, err := h.exchange(ctx, owner, protocol.KindMedia, req)
	if err != nil {
		return protocol.MediaResponse{}, err
	}
	out := resp.(*protocol.MediaResponse)
	if out.Hash != hash || !protocol.VerifyContentHash(hash, out.Data) {
		h.s.logger.Warn("media failed integrity check", "owner", owner)
		return protocol.MediaResponse{}, protocol.ErrNotFound
	}
	return *out, nil
}

func (h *Handle) NewCallSessionID() string {
	return uuid.NewString()
}

// SendSignal delivers one call negotiation step. The local session state only
// advances once the remote side has accepted the step.
func (h *Handle) SendSignal(ctx context.Context, recipient, sessionID string, typ protocol.SignalType, payload string) (protocol.SignalAck, error) {
	if !typ.Valid() {
		return protocol.SignalAck{}, fmt.Errorf("%w: unknown signal type %q", protocol.ErrEncoding, typ)
	}
	if !h.s.isRunning() {
		return protocol.SignalAck{}, protocol.ErrServiceStopped
	}
	var checkErr error
	if err := h.s.call(ctx, func() { checkErr = h.s.tracker.Check(recipient, sessionID, typ) }); err != nil {
		return protocol.SignalAck{}, err
	}
	if checkErr != nil {
		return protocol.SignalAck{}, checkErr
	}

	msg := &protocol.SignalMessage{
		SessionID: sessionID,
		Type:      typ,
		Sender:    h.PeerID(),
		Recipient: recipient,
		Payload:   payload,
		Timestamp: h.s.now().UnixMilli(),
	}
	resp, err := h.exchange(ctx, recipient, protocol.KindSignal, msg)
	if err != nil {
		return protocol.SignalAck{}, err
	}
	ack := resp.(*protocol.SignalAck)
	if ack.SessionID != sessionID || ack.Type != typ {
		return protocol.SignalAck{}, fmt.Errorf("%w: ack does not match signal", protocol.ErrEncoding)
	}

	var applyErr error
	if err := h.s.call(ctx, func() { _, applyErr = h.s.tracker.Apply(recipient, sessionID, typ) }); err != nil {
		return protocol.SignalAck{}, err
	}
	if applyErr != nil {
		return protocol.SignalAck{}, applyErr
	}
	return *ack, nil
}

// CallState reports the local view of a call session with remote.
func (h *Handle) CallState(ctx context.Context, remote, sessionID string) (string, bool, error) {
	if !h.s.isRunning() {
		return "", false, protocol.ErrServiceStopped
	}
	var (
		state string
		ok    bool
	)
	err := h.s.call(ctx, func() {
		st, found := h.s.tracker.State(remote, sessionID)
		state, ok = string(st), found
	})
	return state, ok, err
}

func (h *Handle) proofFor(ctx context.Context, owner string) (capability.Proof, error) {
	grants, err := h.s.store.Grants(ctx, owner, h.PeerID())
	if err != nil {
		return capability.Proof{}, fmt.Errorf("load grants: %w", err)
	}
	return capability.Proof{Grants: grants}, nil
}

// exchange seals req and sends it.
func (h *Handle) exchange(ctx context.Context, peerID string, kind protocol.Kind, req protocol.Signed) (protocol.Signed, error) {
	if err := protocol.Seal(h.s.session, req); err != nil {
		return nil, err
	}
	return h.send(ctx, peerID, kind, req)
}

// send performs one round trip with an already signed request and verifies that the
// response was signed by peerID.
func (h *Handle) send(ctx context.Context, peerID string, kind protocol.Kind, req protocol.Signed) (resp protocol.Signed, err error) {
	defer func() { h.s.metrics.Request(kind.String(), outcomeOf(err)) }()

	if err := h.checkPeer(peerID); err != nil {
		return nil, err
	}
	payload, err := protocol.EncodeRequest(req)
	if err != nil {
		return nil, err
	}
	raw, err := h.s.request(ctx, peerID, kind, payload)
	if err != nil {
		return nil, err
	}
	resp, err = protocol.DecodeResponse(kind, raw)
	if err != nil {
		return nil, err
	}
	if err := protocol.OpenFrom(resp, peerID); err != nil {
		return nil, err
	}
	return resp, nil
}

var errSelfDial = errors.New("cannot dial self")

func (h *Handle) checkPeer(peerID string) error {
	if _, err := peer.Decode(peerID); err != nil {
		return fmt.Errorf("%w: invalid peer id: %v", protocol.ErrPeerUnreachable, err)
	}
	if peerID == h.PeerID() {
		return fmt.Errorf("%w: %w", protocol.ErrPeerUnreachable, errSelfDial)
	}
	return nil
}
