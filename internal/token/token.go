// Package token handles token identifier formatting and parsing.
// Tokens are addressed by index inside the engine and by identifier
// (Team_{n}) everywhere a human or the presentation layer sees them.
package token

import (
	"errors"
	"fmt"
	"regexp"
	"strconv"
)

// Prefix is the identifier prefix; each token represents one team.
const Prefix = "Team"

// idRegex matches: Team_{index}
// Example: Team_42
var idRegex = regexp.MustCompile(`^Team_(0|[1-9][0-9]*)$`)

var (
	ErrInvalidID  = errors.New("token: invalid token identifier")
	ErrOutOfRange = errors.New("token: token index out of range")
)

// ID returns the identifier of the token at index i.
func ID(i int) string {
	return fmt.Sprintf("%s_%d", Prefix, i)
}

// IDs returns identifiers for tokens 0..n-1.
func IDs(n int) []string {
	ids := make([]string, n)
	for i := range ids {
		ids[i] = ID(i)
	}
	return ids
}

// Parse parses and validates an identifier against a universe of n tokens.
// Format: Team_{index}
func Parse(id string, n int) (int, error) {
	matches := idRegex.FindStringSubmatch(id)
	if matches == nil {
		return 0, fmt.Errorf("%w: %q (expected %s_{index})", ErrInvalidID, id, Prefix)
	}

	idx, err := strconv.Atoi(matches[1])
	if err != nil {
		return 0, fmt.Errorf("%w: %q", ErrInvalidID, id)
	}
	if idx >= n {
		return 0, fmt.Errorf("%w: %s (have %d tokens)", ErrOutOfRange, id, n)
	}
	return idx, nil
}
