package mlstest_test

import (
	"context"
	"sort"
	"testing"

	"github.com/google/go-cmp/cmp"

	"github.com/glizzus/voicecore/internal/mls"
	"github.com/glizzus/voicecore/internal/mls/mlstest"
)

func TestEmptyListEntriesAreSkipped(t *testing.T) {
	ctx := context.Background()
	tests := []struct {
		name string
		run  func(p *mlstest.Provider, h mls.Handle) (mls.RosterUpdate, error)
		want []string
	}{
		{
			name: "commit",
			run: func(p *mlstest.Provider, h mls.Handle) (mls.RosterUpdate, error) {
				return p.ProcessCommit(ctx, h, []byte("commit:+200,,+300,"))
			},
			want: []string{"100", "200", "300"},
		},
		{
			name: "commit with only separators",
			run: func(p *mlstest.Provider, h mls.Handle) (mls.RosterUpdate, error) {
				return p.ProcessCommit(ctx, h, []byte("commit:,,"))
			},
			want: []string{"100"},
		},
		{
			name: "welcome",
			run: func(p *mlstest.Provider, h mls.Handle) (mls.RosterUpdate, error) {
				return p.ProcessWelcome(ctx, h, []byte("welcome:,200,,"), nil)
			},
			want: []string{"100", "200"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p := mlstest.New()
			h, err := p.CreateSession(ctx, mls.SessionParams{ProtocolVersion: 1, UserID: "100"})
			if err != nil {
				t.Fatalf("CreateSession returned error: %v", err)
			}
			update, err := tt.run(p, h)
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			var got []string
			for user := range update {
				got = append(got, user)
			}
			sort.Strings(got)
			if diff := cmp.Diff(tt.want, got); diff != "" {
				t.Errorf("roster update mismatch (-want +got):\n%s", diff)
			}
		})
	}
}

func TestEmptyProposalListProducesNoCommit(t *testing.T) {
	ctx := context.Background()
	p := mlstest.New()
	h, err := p.CreateSession(ctx, mls.SessionParams{ProtocolVersion: 1, UserID: "100"})
	if err != nil {
		t.Fatalf("CreateSession returned error: %v", err)
	}
	cw, err := p.ProcessProposals(ctx, h, mls.ProposalAppend, []byte(",,"), nil)
	if err != nil {
		t.Fatalf("ProcessProposals returned error: %v", err)
	}
	if cw != nil {
		t.Errorf("ProcessProposals = %+v; want nil", cw)
	}
}
