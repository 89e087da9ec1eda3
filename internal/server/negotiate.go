package server

import (
	"fmt"

	"github.com/Masterminds/semver/v3"
)

// Negotiator decides whether a client's protocol version can be served.
type Negotiator struct {
	version    *semver.Version
	constraint *semver.Constraints
}

func NewNegotiator(version, constraint string) (*Negotiator, error) {
	v, err := semver.NewVersion(version)
	if err != nil {
		return nil, fmt.Errorf("server protocol version: %w", err)
	}
	n := &Negotiator{version: v}
	if constraint != "" {
		c, err := semver.NewConstraint(constraint)
		if err != nil {
			return nil, fmt.Errorf("protocol constraint: %w", err)
		}
		n.constraint = c
	}
	return n, nil
}

// Version is the protocol version the server speaks.
func (n *Negotiator) Version() string {
	return n.version.String()
}

// Accept checks the version a client asked for. Clients that do not state
// one are served the current version.
func (n *Negotiator) Accept(requested string) error {
	if requested == "" || n.constraint == nil {
		return nil
	}
	v, err := semver.NewVersion(requested)
	if err != nil {
		return fmt.Errorf("%w: %q: %v", ErrProtocolVersion, requested, err)
	}
	if ok, errs := n.constraint.Validate(v); !ok {
		return fmt.Errorf("%w: %s does not satisfy %s: %v", ErrProtocolVersion, v, n.constraint, errs)
	}
	return nil
}
