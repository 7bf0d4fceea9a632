package p2p

import (
	"context"

	"ardents/p2pcore/internal/capability"
	"ardents/p2pcore/pkg/models"
)

// ProfileStore resolves profiles by peer id.
type ProfileStore interface {
	Profile(ctx context.Context, peerID string) (models.Profile, bool, error)
}

// ContentStore serves an owner's post summaries and content bytes by hash.
type ContentStore interface {
	PostSummaries(ctx context.Context, owner string) ([]models.PostSummary, error)
	Content(ctx context.Context, owner, hash string) (models.Content, bool, error)
}

// MessageStore persists received messages and acks. SaveMessage must be idempotent on
// the message id and report duplicate for an identical re-submission.
type MessageStore interface {
	SaveMessage(ctx context.Context, msg models.Message) (duplicate bool, err error)
	SaveAck(ctx context.Context, ack models.Ack) error
}

// GrantStore looks up capability records by (grantor, grantee).
type GrantStore interface {
	Grants(ctx context.Context, grantor, grantee string) ([]capability.Grant, error)
	Revokes(ctx context.Context, grantor, grantee string) ([]capability.Revoke, error)
}

type Store interface {
	ProfileStore
	ContentStore
	MessageStore
	GrantStore
}
