package mls

import "context"

// Handle identifies a group session inside a Provider.
type Handle uint64

// SessionParams describe the group a session joins.
type SessionParams struct {
	ProtocolVersion uint16
	GuildID         string
	ChannelID       string
	SessionID       string
	UserID          string
}

// ProposalOp is the operation carried by an MlsProposals message.
type ProposalOp uint8

const (
	ProposalAppend ProposalOp = 0
	ProposalRevoke ProposalOp = 1
)

// CommitWelcome is the local commit for a set of proposals, plus a welcome
// for any members it adds.
type CommitWelcome struct {
	Commit  []byte
	Welcome []byte
}

// RosterUpdate maps user ids to key material. An empty key means the
// provider reports no key for that user.
type RosterUpdate map[string][]byte

// Provider is the external group key-exchange engine. Implementations wrap
// errors for rejected commits and welcomes with errs.ErrInvalidCommitWelcome;
// any other error is treated as unrecoverable for the session.
//
// Dispose is called exactly once per handle.
type Provider interface {
	CreateSession(ctx context.Context, params SessionParams) (Handle, error)
	SetExternalSender(ctx context.Context, h Handle, externalSender []byte) error
	KeyPackage(ctx context.Context, h Handle) ([]byte, error)
	ProcessProposals(ctx context.Context, h Handle, op ProposalOp, proposals []byte, recognizedUserIDs []string) (*CommitWelcome, error)
	ProcessCommit(ctx context.Context, h Handle, commit []byte) (RosterUpdate, error)
	ProcessWelcome(ctx context.Context, h Handle, welcome []byte, recognizedUserIDs []string) (RosterUpdate, error)
	SenderSecret(ctx context.Context, h Handle, userID string) ([]byte, error)
	EpochAuthenticator(ctx context.Context, h Handle) ([]byte, error)
	Dispose(h Handle) error
}
