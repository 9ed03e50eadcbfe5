package doc

import (
	"encoding/json"
	"fmt"

	"github.com/roach88/eventsync/internal/ir"
)

// Update is a full snapshot of one container as pushed to replicas.
// Updates produced by one commit carry the same Seq.
type Update struct {
	Seq       int64           `json:"seq"`
	Container string          `json:"container"`
	Kind      Kind            `json:"kind"`
	Value     json.RawMessage `json:"value"`
}

// Updates returns one Update per container changed by commit, in commit
// order. Containers that no longer exist are skipped.
func (d *Document) Updates(commit Commit, seq int64) ([]Update, error) {
	out := make([]Update, 0, len(commit.Changes))
	for _, name := range commit.Containers() {
		u, ok, err := d.Update(name, seq)
		if err != nil {
			return nil, err
		}
		if ok {
			out = append(out, u)
		}
	}
	return out, nil
}

// Update returns the current state of container name as an Update.
func (d *Document) Update(name string, seq int64) (Update, bool, error) {
	kind, ok := d.Kind(name)
	if !ok {
		return Update{}, false, nil
	}
	v, ok := d.Snapshot(name)
	if !ok {
		return Update{}, false, nil
	}
	data, err := ir.MarshalValue(v)
	if err != nil {
		return Update{}, false, fmt.Errorf("encode container %q: %w", name, err)
	}
	return Update{Seq: seq, Container: name, Kind: kind, Value: data}, true, nil
}

// Apply restores the container carried by u into d.
func (u Update) Apply(d *Document) error {
	v, err := ir.UnmarshalValue(u.Value)
	if err != nil {
		return fmt.Errorf("decode container %q: %w", u.Container, err)
	}
	return d.Restore(u.Container, u.Kind, v)
}
