package paymentqueue

import (
	"sort"
	"strings"
	"unicode"

	"github.com/google/uuid"
	"github.com/kiwari-pos/ledger/internal/ledger"
)

// MatchStatus is the outcome of matching a sender name against contacts.
type MatchStatus int

const (
	Matched MatchStatus = iota
	Ambiguous
	Unmatched
)

func (s MatchStatus) String() string {
	switch s {
	case Matched:
		return "matched"
	case Ambiguous:
		return "ambiguous"
	case Unmatched:
		return "unmatched"
	default:
		return "unknown"
	}
}

func (s MatchStatus) MarshalText() ([]byte, error) { return []byte(s.String()), nil }

// Candidate is a contact that shares name tokens with a sender.
type Candidate struct {
	ContactID uuid.UUID `json:"contact_id"`
	Name      string    `json:"name"`
	Score     int       `json:"score"`
	Alias     bool      `json:"alias,omitempty"`
}

// MatchResult ranks contacts for one sender name. Contact is set when the
// status is Matched.
type MatchResult struct {
	Status     MatchStatus `json:"status"`
	Contact    *Candidate  `json:"contact,omitempty"`
	Candidates []Candidate `json:"candidates"`
}

// Matcher scores contacts by the name tokens they share with a sender.
type Matcher struct {
	contacts []ledger.Contact
	tokens   [][]string
}

const (
	exactWeight = 10
	tokenWeight = 2
	// initials like "J" in "J Smith" count for less than full tokens
	initialWeight = 1
)

// NewMatcher pre-tokenizes contact names.
func NewMatcher(contacts []ledger.Contact) *Matcher {
	m := &Matcher{contacts: contacts, tokens: make([][]string, len(contacts))}
	for i, c := range contacts {
		m.tokens[i] = strings.Fields(NormalizeSender(c.Name))
	}
	return m
}

// Match ranks contacts for sender. A single top scorer is Matched, ties at
// the top are Ambiguous, and no shared token is Unmatched.
func (m *Matcher) Match(sender string) MatchResult {
	normalized := NormalizeSender(sender)
	input := strings.Fields(normalized)
	if len(input) == 0 {
		return MatchResult{Status: Unmatched}
	}
	inputSet := make(map[string]bool, len(input))
	for _, tok := range input {
		inputSet[tok] = true
	}

	var scored []Candidate
	for i, c := range m.contacts {
		score := 0
		if strings.Join(m.tokens[i], " ") == normalized {
			score += exactWeight
		}
		for _, tok := range m.tokens[i] {
			switch {
			case inputSet[tok] && len(tok) == 1:
				score += initialWeight
			case inputSet[tok]:
				score += tokenWeight
			}
		}
		if score > 0 {
			scored = append(scored, Candidate{ContactID: c.ID, Name: c.Name, Score: score})
		}
	}
	if len(scored) == 0 {
		return MatchResult{Status: Unmatched}
	}

	sort.SliceStable(scored, func(i, j int) bool {
		if scored[i].Score != scored[j].Score {
			return scored[i].Score > scored[j].Score
		}
		return scored[i].Name < scored[j].Name
	})

	res := MatchResult{Candidates: scored}
	if len(scored) == 1 || scored[0].Score > scored[1].Score {
		res.Status = Matched
		res.Contact = &scored[0]
		return res
	}
	res.Status = Ambiguous
	return res
}

// NormalizeSender lowercases s, replaces anything that is not a letter or
// digit with a space and collapses runs of spaces. Sender aliases are keyed
// by this form.
func NormalizeSender(s string) string {
	var sb strings.Builder
	sb.Grow(len(s))
	for _, r := range s {
		if unicode.IsLetter(r) || unicode.IsDigit(r) {
			sb.WriteRune(unicode.ToLower(r))
		} else {
			sb.WriteRune(' ')
		}
	}
	return strings.Join(strings.Fields(sb.String()), " ")
}
