package p2p

import (
	"context"
	"errors"
	"fmt"
	"time"

	"ardents/p2pcore/internal/capability"
	"ardents/p2pcore/internal/platform/ratelimiter"
	"ardents/p2pcore/internal/protocol"
	"ardents/p2pcore/pkg/models"
)

// handleInbound is the transport entry point for every inbound request. It decodes and
// verifies the request, serves it, and returns a signed response frame or an error
// frame.
func (s *Service) handleInbound(ctx context.Context, from string, kind protocol.Kind, payload []byte) []byte {
	body, err := s.serveInbound(ctx, from, kind, payload)
	s.metrics.Inbound(kind.String(), outcomeOf(err))
	if err != nil {
		if protocol.CodeOf(err) == protocol.CodeInternal {
			s.logger.Warn("inbound request failed", "remote_peer", from, "protocol", kind.String(), "error", err)
		} else {
			s.logger.Debug("inbound request rejected", "remote_peer", from, "protocol", kind.String(), "error", err)
		}
	}
	out, encErr := protocol.EncodeResponse(body, err)
	if encErr != nil {
		s.logger.Warn("encoding response failed", "remote_peer", from, "protocol", kind.String(), "error", encErr)
		out, _ = protocol.EncodeResponse(nil, protocol.ErrInternal)
	}
	return out
}

func (s *Service) serveInbound(ctx context.Context, from string, kind protocol.Kind, payload []byte) (protocol.Signed, error) {
	if !s.limiter.Allow(ratelimiter.Key{Peer: from, Protocol: kind.String()}, s.now()) {
		return nil, protocol.ErrRateLimited
	}
	if len(payload) > s.cfg.MaxMessageSize {
		return nil, fmt.Errorf("%w: request exceeds %d bytes", protocol.ErrEncoding, s.cfg.MaxMessageSize)
	}
	req, err := protocol.DecodeRequest(kind, payload)
	if err != nil {
		return nil, err
	}
	if err := protocol.OpenFrom(req, from); err != nil {
		return nil, err
	}
	_ = s.send(ctx, func() { s.peers.touch(from, s.now()) })

	var resp protocol.Signed
	switch m := req.(type) {
	case *protocol.IdentityRequest:
		resp, err = s.serveIdentity(ctx)
	case *protocol.DirectMessage:
		resp, err = s.serveDirectMessage(ctx, from, m)
	case *protocol.ManifestRequest:
		resp, err = s.serveManifest(ctx, from, m)
	case *protocol.MediaRequest:
		resp, err = s.serveMedia(ctx, from, m)
	case *protocol.SignalMessage:
		resp, err = s.serveSignal(ctx, from, m)
	default:
		return nil, protocol.ErrUnsupportedProtocol
	}
	if err != nil {
		return nil, err
	}
	if err := protocol.Seal(s.session, resp); err != nil {
		return nil, fmt.Errorf("sign response: %w", err)
	}
	return resp, nil
}

func (s *Service) serveIdentity(ctx context.Context) (protocol.Signed, error) {
	id := s.session.Identity()
	resp := &protocol.IdentityResponse{
		PeerID:             id.PeerID,
		SigningPublicKey:   id.SigningPublicKey,
		AgreementPublicKey: id.AgreementPublicKey,
		DisplayName:        id.DisplayName,
		Bio:                id.Bio,
		AvatarHash:         id.AvatarHash,
		ListenAddrs:        s.tr.ListenAddrs(),
		Timestamp:          s.now().UnixMilli(),
	}
	profile, ok, err := s.store.Profile(ctx, id.PeerID)
	if err != nil {
		return nil, fmt.Errorf("load profile: %w", err)
	}
	if ok {
		if profile.DisplayName != "" {
			resp.DisplayName = profile.DisplayName
		}
		resp.Bio = profile.Bio
		resp.AvatarHash = profile.AvatarHash
	}
	return resp, nil
}

func (s *Service) serveDirectMessage(ctx context.Context, from string, m *protocol.DirectMessage) (protocol.Signed, error) {
	self := s.session.PeerID()
	if m.Recipient != self {
		return nil, fmt.Errorf("%w: message addressed to another peer", protocol.ErrUnauthorized)
	}
	if m.ID == "" {
		return nil, fmt.Errorf("%w: message id is required", protocol.ErrEncoding)
	}
	msg := models.Message{
		ID:        m.ID,
		Sender:    from,
		Recipient: self,
		Body:      m.Body,
		Encrypted: m.Encrypted,
		Timestamp: time.UnixMilli(m.Timestamp).UTC(),
		Direction: models.DirectionIn,
	}
	duplicate, err := s.store.SaveMessage(ctx, msg)
	if err != nil {
		return nil, fmt.Errorf("save message: %w", err)
	}
	if !duplicate {
		_ = s.send(ctx, func() { s.emit(Event{Kind: EventMessage, Peer: from, Message: &msg}) })
	}
	return &protocol.DirectMessageAck{
		MessageID: m.ID,
		Sender:    self,
		Recipient: from,
		Duplicate: duplicate,
		Timestamp: s.now().UnixMilli(),
	}, nil
}

// serveManifest lists the owner's posts. A requester without a valid view-posts proof
// gets an empty list instead of an error so the manifest does not reveal whether
// restricted posts exist.
func (s *Service) serveManifest(ctx context.Context, from string, m *protocol.ManifestRequest) (protocol.Signed, error) {
	self := s.session.PeerID()
	if m.Owner != self {
		return nil, fmt.Errorf("%w: no manifest for %s", protocol.ErrNotFound, m.Owner)
	}
	authorized, err := s.authorized(ctx, from, m.Proof)
	if err != nil {
		return nil, err
	}
	posts, err := s.store.PostSummaries(ctx, self)
	if err != nil {
		return nil, fmt.Errorf("load posts: %w", err)
	}

	resp := &protocol.ManifestResponse{
		Owner:     self,
		Requester: from,
		Posts:     []protocol.PostSummary{},
		Timestamp: s.now().UnixMilli(),
	}
	for _, p := range posts {
		switch p.Visibility {
		case models.VisibilityPublic:
		case models.VisibilityContacts:
			if !authorized {
				continue
			}
		default:
			continue
		}
		resp.Posts = append(resp.Posts, protocol.PostSummary{
			ID:         p.ID,
			Hash:       p.Hash,
			Timestamp:  p.Timestamp.UnixMilli(),
			Visibility: string(p.Visibility),
		})
	}
	return resp, nil
}

func (s *Service) serveMedia(ctx context.Context, from string, m *protocol.MediaRequest) (protocol.Signed, error) {
	self := s.session.PeerID()
	if !protocol.ValidContentHash(m.Hash) {
		return nil, fmt.Errorf("%w: malformed content hash", protocol.ErrEncoding)
	}
	if m.Owner != self {
		return nil, fmt.Errorf("%w: no content for %s", protocol.ErrNotFound, m.Owner)
	}
	content, ok, err := s.store.Content(ctx, self, m.Hash)
	if err != nil {
		return nil, fmt.Errorf("load content: %w", err)
	}
	if !ok {
		return nil, protocol.ErrNotFound
	}

	switch content.Visibility {
	case models.VisibilityPublic:
	case models.VisibilityContacts:
		authorized, err := s.authorized(ctx, from, m.Proof)
		if err != nil {
			return nil, err
		}
		if !authorized {
			return nil, protocol.ErrUnauthorized
		}
	default:
		return nil, protocol.ErrUnauthorized
	}

	if !protocol.VerifyContentHash(m.Hash, content.Data) {
		s.logger.Warn("stored content failed integrity check", "owner", self)
		return nil, protocol.ErrNotFound
	}
	return &protocol.MediaResponse{
		Owner:     self,
		Hash:      m.Hash,
		MimeType:  content.MimeType,
		Data:      content.Data,
		Timestamp: s.now().UnixMilli(),
	}, nil
}

func (s *Service) serveSignal(ctx context.Context, from string, m *protocol.SignalMessage) (protocol.Signed, error) {
	self := s.session.PeerID()
	if m.Recipient != self {
		return nil, fmt.Errorf("%w: signal addressed to another peer", protocol.ErrUnauthorized)
	}
	if !m.Type.Valid() {
		return nil, fmt.Errorf("%w: unknown signal type %q", protocol.ErrEncoding, m.Type)
	}

	msg := *m
	var (
		state    string
		applyErr error
	)
	if err := s.call(ctx, func() {
		st, err := s.tracker.Apply(from, msg.SessionID, msg.Type)
		if err != nil {
			applyErr = err
			return
		}
		state = string(st)
		kind := EventSignal
		if msg.Type == protocol.SignalOffer {
			kind = EventIncomingCall
		}
		s.emit(Event{Kind: kind, Peer: from, Signal: &msg})
	}); err != nil {
		return nil, err
	}
	if applyErr != nil {
		return nil, applyErr
	}
	return &protocol.SignalAck{
		SessionID: m.SessionID,
		Type:      m.Type,
		Sender:    self,
		State:     state,
		Timestamp: s.now().UnixMilli(),
	}, nil
}

// authorized checks a presented view-posts proof against the revokes this node holds
// for the requester.
func (s *Service) authorized(ctx context.Context, requester string, proof capability.Proof) (bool, error) {
	revokes, err := s.store.Revokes(ctx, s.session.PeerID(), requester)
	if err != nil {
		return false, fmt.Errorf("load revokes: %w", err)
	}
	err = capability.VerifyProof(proof, requester, s.session.PeerID(), capability.ViewPosts, revokes, s.now())
	if err != nil {
		if errors.Is(err, capability.ErrUnauthorized) {
			return false, nil
		}
		return false, err
	}
	return true, nil
}
