package app

import (
	"context"
	"fmt"
	"strings"
	"time"

	"cadence/internal/config"
	"cadence/internal/group"
	"cadence/internal/message"
	"cadence/internal/payload"
	"cadence/internal/period"
	"cadence/internal/resolver"
	"cadence/internal/scheduler"
	kit "cadence/internal/transport"
)

// BuildUnits turns the group and auto group sections into scheduler units,
// in config order. cfg must have passed config.Validate.
func BuildUnits(cfg *config.Config) ([]scheduler.Unit, error) {
	rescan, err := config.ParseDurationOrDefault("scheduler.rescan", cfg.Scheduler.Rescan, message.DefaultRescan)
	if err != nil {
		return nil, err
	}

	units := make([]scheduler.Unit, 0, len(cfg.Groups)+len(cfg.AutoGroups))
	for i, gc := range cfg.Groups {
		path := fmt.Sprintf("groups[%d]", i)
		msgs, err := buildMessages(path, gc.Messages, rescan)
		if err != nil {
			return nil, err
		}
		units = append(units, group.New(group.Config{
			ID:       kit.ID(strings.TrimSpace(gc.ID)),
			Logging:  gc.Logging,
			Messages: msgs,
		}))
	}
	for i, ac := range cfg.AutoGroups {
		path := fmt.Sprintf("auto_groups[%d]", i)
		msgs, err := buildMessages(path, ac.Messages, rescan)
		if err != nil {
			return nil, err
		}
		filter, err := resolver.CompileNameFilter(ac.Include, ac.Exclude)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", path, err)
		}
		every, err := config.ParseDurationOrDefault(path+".rescan", ac.Rescan, rescan)
		if err != nil {
			return nil, err
		}
		units = append(units, group.NewAuto(group.AutoConfig{
			Name:      ac.Name,
			Filter:    filter,
			Rescan:    every,
			Logging:   ac.Logging,
			Templates: msgs,
		}))
	}
	return units, nil
}

func buildMessages(parent string, in []config.MessageConfig, rescan time.Duration) ([]*message.Message, error) {
	out := make([]*message.Message, 0, len(in))
	for i, mc := range in {
		m, err := buildMessage(fmt.Sprintf("%s.messages[%d]", parent, i), mc, rescan)
		if err != nil {
			return nil, err
		}
		out = append(out, m)
	}
	return out, nil
}

func buildMessage(path string, mc config.MessageConfig, rescan time.Duration) (*message.Message, error) {
	policy, err := period.Parse(mc.Period)
	if err != nil {
		return nil, fmt.Errorf("%s.period: %w", path, err)
	}
	mode, err := message.ParseMode(mc.Mode)
	if err != nil {
		return nil, fmt.Errorf("%s.mode: %w", path, err)
	}
	kind := kit.ParseChannelKind(mc.Kind)

	mcfg := message.Config{
		ID:       mc.ID,
		Kind:     kind,
		Period:   policy,
		StartNow: mc.StartNow,
		Mode:     mode,
		Payload:  buildPayload(mc.Content),
	}

	if mc.ChannelFilter != nil {
		nf, err := resolver.CompileNameFilter(mc.ChannelFilter.Include, mc.ChannelFilter.Exclude)
		if err != nil {
			return nil, fmt.Errorf("%s.channel_filter: %w", path, err)
		}
		mcfg.Filter = &resolver.ChannelFilter{NameFilter: nf, Kind: kind}
		if mcfg.Rescan, err = config.ParseDurationOrDefault(path+".rescan", mc.Rescan, rescan); err != nil {
			return nil, err
		}
	} else {
		ids := make([]kit.ID, 0, len(mc.Channels))
		for _, c := range mc.Channels {
			ids = append(ids, kit.ID(strings.TrimSpace(c)))
		}
		mcfg.Destinations = resolver.IDs(ids...)
	}

	if ra := mc.RemoveAfter; ra != nil {
		mcfg.RemoveAfter.Count = ra.Count
		if ra.At != "" {
			at, err := config.ParseInstant(path+".remove_after.at", ra.At)
			if err != nil {
				return nil, err
			}
			mcfg.RemoveAfter.Deadline = at
		}
	}
	return message.New(mcfg), nil
}

// buildPayload is static unless text_file is set, in which case the file
// is re-read on every send and the other parts are appended unchanged.
func buildPayload(c config.ContentConfig) payload.Source {
	var fixed payload.Value
	if c.Text != "" {
		fixed = append(fixed, payload.Text(c.Text))
	}
	if e := c.Embed; e != nil {
		em := payload.Embed{
			Title:       e.Title,
			Description: e.Description,
			URL:         e.URL,
			Color:       e.Color,
			ImageURL:    e.ImageURL,
			Footer:      e.Footer,
		}
		for _, f := range e.Fields {
			em.Fields = append(em.Fields, payload.EmbedField{Name: f.Name, Value: f.Value, Inline: f.Inline})
		}
		fixed = append(fixed, em)
	}
	for _, p := range c.Files {
		fixed = append(fixed, payload.Attachment{Path: p})
	}
	if c.Audio != "" {
		fixed = append(fixed, payload.Audio{Attachment: payload.Attachment{Path: c.Audio}})
	}

	if c.TextFile == "" {
		return payload.Static(fixed)
	}
	read := payload.FileText(c.TextFile)
	return payload.Dynamic(func(ctx context.Context) (payload.Value, error) {
		v, err := read(ctx)
		if err != nil {
			return nil, err
		}
		return append(v, fixed...), nil
	})
}
