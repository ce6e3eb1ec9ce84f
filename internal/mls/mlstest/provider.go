// Package mlstest provides a deterministic in-memory mls.Provider for
// tests. It performs no cryptography.
//
// Messages are plain text:
//
//	proposals  "alice,bob"            users to add (append) or remove (revoke)
//	commit     "commit:+alice,-bob"   adds alice, removes bob
//	welcome    "welcome:alice,bob"    members; a leading "!" yields an empty key
//
// Any commit or welcome containing "reject" is refused as invalid, and any
// containing "explode" fails as an internal provider error.
package mlstest

import (
	"context"
	"crypto/sha256"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/glizzus/voicecore/internal/errs"
	"github.com/glizzus/voicecore/internal/mls"
)

// ErrInternal is returned for messages containing "explode".
var ErrInternal = errors.New("mlstest: internal provider error")

type group struct {
	params         mls.SessionParams
	externalSender []byte
	epoch          uint64
	members        map[string]bool
}

// Provider is safe for concurrent use.
type Provider struct {
	mu       sync.Mutex
	next     mls.Handle
	groups   map[mls.Handle]*group
	disposed map[mls.Handle]int

	KeyPackages int
}

var _ mls.Provider = (*Provider)(nil)

func New() *Provider {
	return &Provider{
		groups:   make(map[mls.Handle]*group),
		disposed: make(map[mls.Handle]int),
	}
}

// Key is the key material the provider reports for userID.
func Key(userID string) []byte {
	return []byte("key:" + userID)
}

// Secret is the sender secret for userID at a group epoch. Two providers
// at the same epoch agree on it.
func Secret(userID string, epoch uint64) []byte {
	sum := sha256.Sum256([]byte(fmt.Sprintf("secret|%s|%d", userID, epoch)))
	return sum[:]
}

func (p *Provider) get(h mls.Handle) (*group, error) {
	g, ok := p.groups[h]
	if !ok {
		return nil, fmt.Errorf("mlstest: unknown handle %d", h)
	}
	return g, nil
}

func (p *Provider) CreateSession(_ context.Context, params mls.SessionParams) (mls.Handle, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.next++
	p.groups[p.next] = &group{
		params:  params,
		members: map[string]bool{params.UserID: true},
	}
	return p.next, nil
}

func (p *Provider) SetExternalSender(_ context.Context, h mls.Handle, externalSender []byte) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	g, err := p.get(h)
	if err != nil {
		return err
	}
	g.externalSender = append([]byte(nil), externalSender...)
	return nil
}

func (p *Provider) KeyPackage(_ context.Context, h mls.Handle) ([]byte, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	g, err := p.get(h)
	if err != nil {
		return nil, err
	}
	p.KeyPackages++
	return []byte("keypackage:" + g.params.UserID), nil
}

func check(msg []byte) error {
	switch {
	case strings.Contains(string(msg), "reject"):
		return fmt.Errorf("mlstest: refused %q: %w", msg, errs.ErrInvalidCommitWelcome)
	case strings.Contains(string(msg), "explode"):
		return ErrInternal
	}
	return nil
}

// split returns the non-empty entries of a comma separated list.
func split(list string) []string {
	var out []string
	for _, entry := range strings.Split(list, ",") {
		if entry != "" {
			out = append(out, entry)
		}
	}
	return out
}

func (p *Provider) ProcessProposals(_ context.Context, h mls.Handle, op mls.ProposalOp, proposals []byte, _ []string) (*mls.CommitWelcome, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if _, err := p.get(h); err != nil {
		return nil, err
	}
	if err := check(proposals); err != nil {
		return nil, err
	}
	users := split(string(proposals))
	if len(users) == 0 {
		return nil, nil
	}
	sign := "+"
	if op == mls.ProposalRevoke {
		sign = "-"
	}
	var changes []string
	for _, u := range users {
		changes = append(changes, sign+u)
	}
	cw := &mls.CommitWelcome{Commit: []byte("commit:" + strings.Join(changes, ","))}
	if op == mls.ProposalAppend {
		cw.Welcome = []byte("welcome:" + string(proposals))
	}
	return cw, nil
}

func (p *Provider) ProcessCommit(_ context.Context, h mls.Handle, commit []byte) (mls.RosterUpdate, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	g, err := p.get(h)
	if err != nil {
		return nil, err
	}
	if err := check(commit); err != nil {
		return nil, err
	}
	body, ok := strings.CutPrefix(string(commit), "commit:")
	if !ok {
		return nil, fmt.Errorf("mlstest: not a commit %q: %w", commit, errs.ErrInvalidCommitWelcome)
	}
	update := make(mls.RosterUpdate)
	// the committer's own key is always part of the update
	update[g.params.UserID] = Key(g.params.UserID)
	for _, change := range split(body) {
		user := change[1:]
		if change[0] == '-' {
			delete(g.members, user)
			update[user] = nil
			continue
		}
		g.members[user] = true
	}
	for user := range g.members {
		update[user] = Key(user)
	}
	g.epoch++
	return update, nil
}

func (p *Provider) ProcessWelcome(_ context.Context, h mls.Handle, welcome []byte, _ []string) (mls.RosterUpdate, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	g, err := p.get(h)
	if err != nil {
		return nil, err
	}
	if err := check(welcome); err != nil {
		return nil, err
	}
	body, ok := strings.CutPrefix(string(welcome), "welcome:")
	if !ok {
		return nil, fmt.Errorf("mlstest: not a welcome %q: %w", welcome, errs.ErrInvalidCommitWelcome)
	}
	update := make(mls.RosterUpdate)
	update[g.params.UserID] = Key(g.params.UserID)
	for _, user := range split(body) {
		if name, empty := strings.CutPrefix(user, "!"); empty {
			update[name] = []byte{}
			continue
		}
		g.members[user] = true
		update[user] = Key(user)
	}
	g.epoch++
	return update, nil
}

func (p *Provider) SenderSecret(_ context.Context, h mls.Handle, userID string) ([]byte, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	g, err := p.get(h)
	if err != nil {
		return nil, err
	}
	return Secret(userID, g.epoch), nil
}

func (p *Provider) EpochAuthenticator(_ context.Context, h mls.Handle) ([]byte, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	g, err := p.get(h)
	if err != nil {
		return nil, err
	}
	sum := sha256.Sum256([]byte(fmt.Sprintf("auth|%s|%d", g.params.ChannelID, g.epoch)))
	return sum[:], nil
}

func (p *Provider) Dispose(h mls.Handle) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.disposed[h]++
	if p.disposed[h] > 1 {
		return fmt.Errorf("mlstest: handle %d disposed %d times", h, p.disposed[h])
	}
	delete(p.groups, h)
	return nil
}

// Disposals returns how many times h was disposed.
func (p *Provider) Disposals(h mls.Handle) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.disposed[h]
}

// Live returns the number of handles not yet disposed.
func (p *Provider) Live() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.groups)
}
