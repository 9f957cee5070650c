package discovery

import (
	"context"
	"errors"
)

// Multi merges the peers of several backends. A backend that fails is
// skipped as long as another one answers.
type Multi []Discovery

var _ Discovery = Multi(nil)

// FindPeers returns the union of all backends, deduplicated by address.
func (m Multi) FindPeers(ctx context.Context) ([]Peer, error) {
	var (
		peers []Peer
		errs  []error
		seen  = make(map[string]bool)
	)
	for _, d := range m {
		if d == nil {
			continue
		}
		found, err := d.FindPeers(ctx)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		for _, p := range found {
			if seen[p.Address] {
				continue
			}
			seen[p.Address] = true
			peers = append(peers, p)
		}
	}
	if len(peers) == 0 && len(errs) > 0 {
		return nil, errors.Join(errs...)
	}
	return peers, nil
}
