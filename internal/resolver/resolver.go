// Package resolver turns configured destinations into validated live channel
// handles and matches names for auto-discovery.
package resolver

import (
	"context"
	"fmt"
	"regexp"

	"cadence/internal/transport"
	"cadence/pkg/logx"
)

// Destination is either an identifier to look up or an already live handle.
type Destination struct {
	ID      transport.ID
	Channel *transport.Channel
}

func IDs(ids ...transport.ID) []Destination {
	out := make([]Destination, 0, len(ids))
	for _, id := range ids {
		out = append(out, Destination{ID: id})
	}
	return out
}

func Handles(chs ...transport.Channel) []Destination {
	out := make([]Destination, 0, len(chs))
	for i := range chs {
		ch := chs[i]
		out = append(out, Destination{ID: ch.ID, Channel: &ch})
	}
	return out
}

// NameFilter matches names against include/exclude patterns.
// A nil Include matches everything; a nil Exclude excludes nothing.
type NameFilter struct {
	Include *regexp.Regexp
	Exclude *regexp.Regexp
}

// CompileNameFilter compiles the two patterns; empty strings leave the side unset.
func CompileNameFilter(include, exclude string) (NameFilter, error) {
	var f NameFilter
	var err error
	if include != "" {
		if f.Include, err = regexp.Compile(include); err != nil {
			return NameFilter{}, fmt.Errorf("include: %w", err)
		}
	}
	if exclude != "" {
		if f.Exclude, err = regexp.Compile(exclude); err != nil {
			return NameFilter{}, fmt.Errorf("exclude: %w", err)
		}
	}
	return f, nil
}

func (f NameFilter) Match(name string) bool {
	if f.Include != nil && !f.Include.MatchString(name) {
		return false
	}
	if f.Exclude != nil && f.Exclude.MatchString(name) {
		return false
	}
	return true
}

// ChannelFilter selects channels of one kind inside a group by name.
type ChannelFilter struct {
	NameFilter
	Kind transport.ChannelKind
}

type Resolver struct {
	dir transport.Directory
	log logx.Logger
}

func New(dir transport.Directory, log logx.Logger) *Resolver {
	return &Resolver{dir: dir, log: log.With(logx.Component("resolver"))}
}

// Group looks up a group by id.
func (r *Resolver) Group(ctx context.Context, id transport.ID) (transport.Group, bool, error) {
	return r.dir.ResolveGroup(ctx, id)
}

// Channels validates dests for a message of the given kind living in group.
// Duplicates collapse to the first occurrence; unknown, foreign or wrong-kind
// entries are dropped with a warning. The result may be empty.
func (r *Resolver) Channels(ctx context.Context, group transport.Group, kind transport.ChannelKind, dests []Destination) ([]transport.Channel, error) {
	seen := make(map[transport.ID]struct{}, len(dests))
	out := make([]transport.Channel, 0, len(dests))
	for _, d := range dests {
		key := d.ID
		if d.Channel != nil {
			key = d.Channel.ID
		}
		// Coalesce before asking the directory.
		if _, dup := seen[key]; dup {
			continue
		}
		seen[key] = struct{}{}

		var ch transport.Channel
		if d.Channel != nil {
			ch = *d.Channel
		} else {
			found, ok, err := r.dir.ResolveChannel(ctx, d.ID)
			if err != nil {
				return nil, fmt.Errorf("resolve channel %s: %w", d.ID, err)
			}
			if !ok {
				r.log.Warn("channel not found, dropping", logx.String("channel", string(d.ID)))
				continue
			}
			ch = found
		}
		if _, dup := seen[ch.ID]; dup && ch.ID != key {
			continue
		}
		seen[ch.ID] = struct{}{}
		if ch.Kind != kind {
			r.log.Warn("channel kind mismatch, dropping",
				logx.String("channel", string(ch.ID)),
				logx.String("kind", ch.Kind.String()),
				logx.String("want", kind.String()))
			continue
		}
		if group.ID != "" && ch.GroupID != "" && ch.GroupID != group.ID {
			r.log.Warn("channel belongs to another group, dropping",
				logx.String("channel", string(ch.ID)),
				logx.String("channel_group", string(ch.GroupID)),
				logx.String("group", string(group.ID)))
			continue
		}
		out = append(out, ch)
	}
	return out, nil
}

// Match lists the channels of group that pass f, in directory order.
func (r *Resolver) Match(ctx context.Context, group transport.Group, f ChannelFilter) ([]transport.Channel, error) {
	all, err := r.dir.ListChannelsOf(ctx, group)
	if err != nil {
		return nil, fmt.Errorf("list channels of %s: %w", group.ID, err)
	}
	out := make([]transport.Channel, 0, len(all))
	for _, ch := range all {
		if ch.Kind == f.Kind && f.Match(ch.Name) {
			out = append(out, ch)
		}
	}
	return out, nil
}

// Groups lists visible groups whose names pass f, in directory order.
func (r *Resolver) Groups(ctx context.Context, f NameFilter) ([]transport.Group, error) {
	all, err := r.dir.ListVisibleGroups(ctx)
	if err != nil {
		return nil, fmt.Errorf("list groups: %w", err)
	}
	out := make([]transport.Group, 0, len(all))
	for _, g := range all {
		if f.Match(g.Name) {
			out = append(out, g)
		}
	}
	return out, nil
}
