package moderation

import (
	"context"
	"fmt"
	"strings"

	"melutils/internal/features"
	"melutils/internal/platform"
	"melutils/internal/router"
	"melutils/internal/storage"
)

type idSetting struct {
	route string
	alias string
	field storage.Field
	label string
	parse func(string) (platform.ID, error)
	// check validates the parsed id against the guild; nil accepts anything.
	check func(ctx context.Context, req *router.Request, id platform.ID) error
	show  func(platform.ID) string
}

func (m *Module) settingsCommands() []router.Command {
	settings := []idSetting{
		{
			route: "config modlogchannel", alias: "modlogchannel",
			field: storage.FieldModlogChannel, label: "modlog channel",
			parse: router.ParseChannel, check: m.checkChannel(platform.ChannelText),
			show: platform.ID.ChannelMention,
		},
		{
			route: "config modrole", alias: "modrole",
			field: storage.FieldModRole, label: "moderator role",
			parse: router.ParseRole, show: platform.ID.RoleMention,
		},
		{
			route: "config birthdaycategory", alias: "birthdaycategory",
			field: storage.FieldBirthdayCategory, label: "birthday category",
			parse: router.ParseChannel, check: m.checkChannel(platform.ChannelCategory),
			show: func(id platform.ID) string { return "`" + id.String() + "`" },
		},
		{
			route: "config thinicerole", alias: "thinicerole",
			field: storage.FieldThinIceRole, label: "thin ice role",
			parse: router.ParseRole, show: platform.ID.RoleMention,
		},
	}
	cmds := []router.Command{{
		Route:       "config show",
		Description: "show this server's settings",
		Usage:       "config show",
		Access:      router.AccessMod,
		GuildOnly:   true,
		Handle:      m.showConfig,
	}}
	for _, s := range settings {
		cmds = append(cmds, router.Command{
			Route:       s.route,
			Aliases:     []string{s.alias},
			Description: "set the server " + s.label + ", or clear it with no argument",
			Usage:       s.route + " [" + strings.ReplaceAll(s.label, " ", "-") + "]",
			Access:      router.AccessManageGuild,
			GuildOnly:   true,
			Handle:      func(ctx context.Context, req *router.Request) error { return m.setID(ctx, req, s) },
		})
	}
	return cmds
}

func (m *Module) setID(ctx context.Context, req *router.Request, s idSetting) error {
	if len(req.Args) == 0 {
		if err := m.store.SetServerConfig(ctx, req.Guild, s.field, platform.ID(0)); err != nil {
			return err
		}
		return features.Done(ctx, req, "Removed server "+s.label+".")
	}
	id, err := s.parse(req.Args[0])
	if err != nil {
		return err
	}
	if s.check != nil {
		if err := s.check(ctx, req, id); err != nil {
			return err
		}
	}
	if err := m.store.SetServerConfig(ctx, req.Guild, s.field, id); err != nil {
		return err
	}
	return features.Done(ctx, req, fmt.Sprintf("Set server %s to **%s**", s.label, s.show(id)))
}

func (m *Module) checkChannel(want platform.ChannelType) func(context.Context, *router.Request, platform.ID) error {
	return func(ctx context.Context, req *router.Request, id platform.ID) error {
		ch, err := m.client.Channel(ctx, id)
		if platform.IsNotFound(err) || (err == nil && ch.GuildID != req.Guild) {
			return router.Errorf("I can't find that channel in this server.")
		}
		if err != nil {
			return err
		}
		if ch.Type != want {
			if want == platform.ChannelCategory {
				return router.Errorf("%s is not a category.", ch.Mention())
			}
			return router.Errorf("%s is not a text channel.", ch.Mention())
		}
		return nil
	}
}

func (m *Module) showConfig(ctx context.Context, req *router.Request) error {
	cfg, _, err := m.store.ServerConfig(ctx, req.Guild)
	if err != nil {
		return err
	}
	orNone := func(id platform.ID, show func(platform.ID) string) string {
		if id == 0 {
			return "not set"
		}
		return show(id)
	}
	text := cfg.VerificationText
	if text == "" {
		text = "default"
	}
	lines := []string{
		"**Server settings**",
		"Modlog channel: " + orNone(cfg.ModlogChannel, platform.ID.ChannelMention),
		"Moderator role: " + orNone(cfg.ModRole, platform.ID.RoleMention),
		"Verified role: " + orNone(cfg.VerifiedRole, platform.ID.RoleMention),
		"Verification channel: " + orNone(cfg.VerificationChannel, platform.ID.ChannelMention),
		"Verification text: " + text,
		"Birthday category: " + orNone(cfg.BirthdayCategory, platform.ID.String),
		"Thin ice role: " + orNone(cfg.ThinIceRole, platform.ID.RoleMention),
		fmt.Sprintf("XP cooldown: %s, XP per level step: %g", cfg.TimeBetweenXP, cfg.XPChangePerLevel),
	}
	return req.Reply(ctx, strings.Join(lines, "\n"))
}
