package paymentqueue

import (
	"testing"

	"github.com/google/uuid"
	"github.com/kiwari-pos/ledger/internal/ledger"
)

func TestNormalizeSender(t *testing.T) {
	tests := []struct {
		in, want string
	}{
		{"Lena Ruiz", "lena ruiz"},
		{"  LENA   RUIZ ", "lena ruiz"},
		{"J. Smith-Jones", "j smith jones"},
		{"ACME, Inc. #42", "acme inc 42"},
		{"", ""},
		{"...", ""},
	}
	for _, tt := range tests {
		if got := NormalizeSender(tt.in); got != tt.want {
			t.Errorf("NormalizeSender(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

func TestMatcher(t *testing.T) {
	lena := ledger.Contact{ID: uuid.New(), Name: "Lena Ruiz"}
	lucas := ledger.Contact{ID: uuid.New(), Name: "Lucas Ruiz"}
	kai := ledger.Contact{ID: uuid.New(), Name: "Kai Web"}
	m := NewMatcher([]ledger.Contact{lena, lucas, kai})

	tests := []struct {
		name       string
		sender     string
		wantStatus MatchStatus
		wantID     uuid.UUID
		wantCount  int
	}{
		{"exact name", "LENA RUIZ", Matched, lena.ID, 2},
		{"unique token", "Kai", Matched, kai.ID, 1},
		{"shared surname", "Ruiz", Ambiguous, uuid.Nil, 2},
		{"no overlap", "Maya Lestari", Unmatched, uuid.Nil, 0},
		{"empty sender", "  ", Unmatched, uuid.Nil, 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			res := m.Match(tt.sender)
			if res.Status != tt.wantStatus {
				t.Fatalf("status: got %s, want %s", res.Status, tt.wantStatus)
			}
			if len(res.Candidates) != tt.wantCount {
				t.Errorf("candidates: got %d, want %d", len(res.Candidates), tt.wantCount)
			}
			if tt.wantStatus == Matched {
				if res.Contact == nil || res.Contact.ContactID != tt.wantID {
					t.Errorf("contact: got %+v, want %s", res.Contact, tt.wantID)
				}
			} else if res.Contact != nil {
				t.Errorf("contact: got %+v, want nil", res.Contact)
			}
		})
	}
}

func TestMatcherRanksByScore(t *testing.T) {
	full := ledger.Contact{ID: uuid.New(), Name: "J Smith"}
	partial := ledger.Contact{ID: uuid.New(), Name: "Anna Smith"}
	m := NewMatcher([]ledger.Contact{partial, full})

	res := m.Match("J Smith")
	if res.Status != Matched || res.Contact.ContactID != full.ID {
		t.Fatalf("got %+v, want J Smith matched", res)
	}
	// exact 10 + token 2 + initial 1, against a single shared token
	if res.Candidates[0].Score != 13 || res.Candidates[1].Score != 2 {
		t.Errorf("scores: got %d and %d, want 13 and 2", res.Candidates[0].Score, res.Candidates[1].Score)
	}
}
