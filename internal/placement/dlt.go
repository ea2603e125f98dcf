package placement

import (
	"fmt"
	"sort"
)

// DLT maps every token to the ordered list of nodes responsible for it.
// A DLT is immutable once installed into a Table.
type DLT struct {
	Version      Version    `json:"version"`
	BitsPerToken uint       `json:"bits_per_token"`
	Tokens       [][]string `json:"tokens"`
}

// NewDLT creates an empty table.
func NewDLT(version Version, bitsPerToken uint) (*DLT, error) {
	if bitsPerToken > MaxBitsPerToken {
		return nil, fmt.Errorf("invalid bits per token: %d", bitsPerToken)
	}
	return &DLT{
		Version:      version,
		BitsPerToken: bitsPerToken,
		Tokens:       make([][]string, TokenCount(bitsPerToken)),
	}, nil
}

// SetOwners assigns the node list of a token.
func (d *DLT) SetOwners(token Token, nodes ...string) error {
	if int(token) >= len(d.Tokens) {
		return fmt.Errorf("invalid token: %d", token)
	}
	d.Tokens[token] = append([]string(nil), nodes...)
	return nil
}

// AssignRange assigns tokens [start, end] to nodes.
func (d *DLT) AssignRange(start, end Token, nodes ...string) error {
	for t := start; t <= end; t++ {
		if err := d.SetOwners(t, nodes...); err != nil {
			return err
		}
	}
	return nil
}

// Owners returns the nodes of a token, primary first.
func (d *DLT) Owners(token Token) []string {
	if int(token) >= len(d.Tokens) {
		return nil
	}
	return d.Tokens[token]
}

// IsOwner reports whether node is in the token's node list.
func (d *DLT) IsOwner(token Token, node string) bool {
	for _, n := range d.Owners(token) {
		if n == node {
			return true
		}
	}
	return false
}

// NodeTokens returns the tokens a node is responsible for.
func (d *DLT) NodeTokens(node string) []Token {
	var tokens []Token
	for i := range d.Tokens {
		if d.IsOwner(Token(i), node) {
			tokens = append(tokens, Token(i))
		}
	}
	return tokens
}

// TokenOf maps an object id into this table.
func (d *DLT) TokenOf(objectID string) Token {
	return TokenOf(objectID, d.BitsPerToken)
}

// Clone returns a deep copy with the given version.
func (d *DLT) Clone(version Version) *DLT {
	c := &DLT{
		Version:      version,
		BitsPerToken: d.BitsPerToken,
		Tokens:       make([][]string, len(d.Tokens)),
	}
	for i, nodes := range d.Tokens {
		c.Tokens[i] = append([]string(nil), nodes...)
	}
	return c
}

// Plan lists the tokens a node must acquire to move to a target table and
// the nodes that currently hold each one.
type Plan struct {
	TargetVersion Version
	Entries       []PlanEntry
}

// PlanEntry is one token to acquire.
type PlanEntry struct {
	Token   Token
	Sources []string
}

// Tokens returns the planned tokens in plan order.
func (p *Plan) Tokens() []Token {
	tokens := make([]Token, len(p.Entries))
	for i, e := range p.Entries {
		tokens[i] = e.Token
	}
	return tokens
}

// ComputePlan diffs two tables from the point of view of node self. A token
// is acquired when self is an owner in next but not in cur. Its sources are
// the cur owners that remain reachable (primary first); only the primary is
// used unless allSources is set.
func ComputePlan(cur, next *DLT, self string, allSources bool) (*Plan, error) {
	if cur.BitsPerToken != next.BitsPerToken {
		return nil, fmt.Errorf("token width changed from %d to %d", cur.BitsPerToken, next.BitsPerToken)
	}
	if next.Version <= cur.Version {
		return nil, fmt.Errorf("target version %d not newer than %d", next.Version, cur.Version)
	}

	plan := &Plan{TargetVersion: next.Version}
	for i := range next.Tokens {
		t := Token(i)
		if !next.IsOwner(t, self) || cur.IsOwner(t, self) {
			continue
		}
		var sources []string
		for _, n := range cur.Owners(t) {
			if n != self {
				sources = append(sources, n)
			}
		}
		if len(sources) == 0 {
			// Unowned before: nothing to copy.
			continue
		}
		if !allSources {
			sources = sources[:1]
		}
		plan.Entries = append(plan.Entries, PlanEntry{Token: t, Sources: sources})
	}
	sort.SliceStable(plan.Entries, func(i, j int) bool { return plan.Entries[i].Token < plan.Entries[j].Token })
	return plan, nil
}
