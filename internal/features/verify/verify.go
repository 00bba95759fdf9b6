// Package verify gates new members behind a per-member thread that a
// moderator closes with the verify command.
package verify

import (
	"context"
	"fmt"

	"melutils/internal/features"
	"melutils/internal/modlog"
	"melutils/internal/platform"
	"melutils/internal/router"
	"melutils/internal/storage"
	logx "melutils/pkg/logx"
)

// featurePrivateThreads is the guild feature that allows private threads.
const featurePrivateThreads = "PRIVATE_THREADS"

type Store interface {
	ServerConfig(ctx context.Context, guild platform.ID) (storage.ServerConfig, bool, error)
	SetServerConfig(ctx context.Context, guild platform.ID, field storage.Field, value any) error
	PutPendingVerification(ctx context.Context, guild, member, thread platform.ID) error
	VerificationThread(ctx context.Context, guild, member platform.ID) (platform.ID, bool, error)
	MemberForThread(ctx context.Context, guild, thread platform.ID) (platform.ID, bool, error)
	DeletePendingVerification(ctx context.Context, guild, member platform.ID) error
}

type Module struct {
	client platform.Client
	store  Store
	modlog features.Modlog
	log    logx.Logger
}

func New(client platform.Client, store Store, ml features.Modlog, log logx.Logger) *Module {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Module{client: client, store: store, modlog: ml, log: log.With(logx.String("comp", "verify"))}
}

func (m *Module) Name() string { return "verify" }

func (m *Module) Commands() []router.Command {
	return []router.Command{
		{
			Route:       "verify",
			Description: "verify the member whose verification thread this is",
			Usage:       "verify",
			Access:      router.AccessMod,
			GuildOnly:   true,
			Handle:      m.verify,
		},
		{
			Route:       "config verificationchannel",
			Aliases:     []string{"verificationchannel"},
			Description: "channel new members get a verification thread in; no argument turns verification off",
			Usage:       "config verificationchannel [channel]",
			Access:      router.AccessManageGuild,
			GuildOnly:   true,
			Handle:      m.setChannel,
		},
		{
			Route:       "config verificationtext",
			Aliases:     []string{"verificationtext"},
			Description: "text posted in each verification thread",
			Usage:       "config verificationtext [text]",
			Access:      router.AccessManageGuild,
			GuildOnly:   true,
			Handle:      m.setText,
		},
		{
			Route:       "config verifiedrole",
			Aliases:     []string{"verifiedrole"},
			Description: "role given to verified members",
			Usage:       "config verifiedrole [role]",
			Access:      router.AccessManageGuild,
			GuildOnly:   true,
			Handle:      m.setRole,
		},
	}
}

func (m *Module) Listeners() []router.Listener {
	return []router.Listener{
		{Kind: platform.UpdateMemberJoin, Handle: m.onJoin},
		{Kind: platform.UpdateMemberLeave, Handle: m.onLeave},
	}
}

func (m *Module) onJoin(ctx context.Context, up platform.Update) error {
	if up.Member == nil || up.Member.User.Bot {
		return nil
	}
	member := *up.Member
	cfg, _, err := m.store.ServerConfig(ctx, up.GuildID)
	if err != nil || cfg.VerificationChannel == 0 {
		return err
	}
	guild, err := m.client.Guild(ctx, up.GuildID)
	if err != nil {
		return err
	}
	thread, err := m.client.CreateThread(ctx, cfg.VerificationChannel, platform.ThreadOptions{
		Name:    "Verification for " + member.User.Tag(),
		Private: guild.HasFeature(featurePrivateThreads),
		Reason:  "Automatic verification for " + member.User.Tag(),
	})
	if err != nil {
		return fmt.Errorf("verification thread: %w", err)
	}
	if err := m.store.PutPendingVerification(ctx, guild.ID, member.User.ID, thread.ID); err != nil {
		return err
	}
	ping := guild.OwnerID.UserMention()
	if cfg.ModRole != 0 {
		ping = cfg.ModRole.RoleMention()
	}
	text := cfg.VerificationText
	if text == "" {
		text = storage.DefaultVerificationText
	}
	_, err = m.client.SendMessage(ctx, thread.ID, ping+" "+member.User.Mention()+"\n"+text,
		&platform.SendOptions{Mentions: platform.MentionAll})
	if err != nil {
		return fmt.Errorf("verification greeting: %w", err)
	}
	m.log.Info("verification thread opened", logx.Snowflake("guild", guild.ID),
		logx.Snowflake("member", member.User.ID), logx.Snowflake("thread", thread.ID))
	return nil
}

// onLeave removes the member's thread, or locks it when it cannot be deleted.
func (m *Module) onLeave(ctx context.Context, up platform.Update) error {
	if up.Member == nil {
		return nil
	}
	user := up.Member.User.ID
	thread, ok, err := m.store.VerificationThread(ctx, up.GuildID, user)
	if err != nil || !ok {
		return err
	}
	if err := m.client.DeleteChannel(ctx, thread, "Member left before verification"); err != nil && !platform.IsNotFound(err) {
		m.log.Warn("delete verification thread failed, locking", logx.Snowflake("thread", thread), logx.Err(err))
		if _, err := m.client.SendMessage(ctx, thread, "User left, locking thread.", nil); err != nil {
			m.log.Warn("post to verification thread failed", logx.Err(err))
		}
		if err := m.client.ArchiveThread(ctx, thread, true); err != nil {
			m.log.Warn("lock verification thread failed", logx.Err(err))
		}
	}
	return m.store.DeletePendingVerification(ctx, up.GuildID, user)
}

func (m *Module) verify(ctx context.Context, req *router.Request) error {
	memberID, ok, err := m.store.MemberForThread(ctx, req.Guild, req.Channel)
	if err != nil {
		return err
	}
	if !ok {
		return router.Errorf("Unable to verify. Are you sending this inside the member's verification thread?")
	}
	cfg, _, err := m.store.ServerConfig(ctx, req.Guild)
	if err != nil {
		return err
	}
	if cfg.VerifiedRole == 0 {
		return router.Errorf("Server has no verified role. Set one with `%sverifiedrole`.", router.DefaultPrefix)
	}
	member, err := m.client.Member(ctx, req.Guild, memberID)
	if platform.IsNotFound(err) {
		return router.Errorf("That member already left.")
	}
	if err != nil {
		return err
	}
	if _, err := m.client.SendMessage(ctx, req.Channel, member.User.Mention()+" has been verified.", nil); err != nil {
		return err
	}
	if err := m.client.AddRole(ctx, req.Guild, member.User.ID, cfg.VerifiedRole); err != nil {
		return fmt.Errorf("add verified role: %w", err)
	}
	if err := m.client.RemoveThreadMember(ctx, req.Channel, member.User.ID); err != nil {
		req.Logger.Warn("remove from verification thread failed", logx.Err(err))
	}
	if err := m.client.ArchiveThread(ctx, req.Channel, true); err != nil {
		req.Logger.Warn("lock verification thread failed", logx.Err(err))
	}
	err = m.modlog.Log(ctx, modlog.Entry{
		Guild: req.Guild, Target: member.User.ID, Moderator: req.Author.ID,
		Text: fmt.Sprintf("%s (@%s) verified %s (@%s)", req.Author.Mention(), req.Author.Tag(), member.User.Mention(), member.User.Tag()),
	})
	if err != nil {
		req.Logger.Warn("modlog failed", logx.Err(err))
	}
	return m.store.DeletePendingVerification(ctx, req.Guild, member.User.ID)
}

func (m *Module) setChannel(ctx context.Context, req *router.Request) error {
	if len(req.Args) == 0 {
		if err := m.store.SetServerConfig(ctx, req.Guild, storage.FieldVerificationChannel, platform.ID(0)); err != nil {
			return err
		}
		return features.Done(ctx, req, "Removed server verification channel.")
	}
	id, err := router.ParseChannel(req.Args[0])
	if err != nil {
		return err
	}
	ch, err := m.client.Channel(ctx, id)
	if platform.IsNotFound(err) || (err == nil && ch.GuildID != req.Guild) {
		return router.Errorf("I can't find that channel in this server.")
	}
	if err != nil {
		return err
	}
	if ch.Type != platform.ChannelText {
		return router.Errorf("%s is not a text channel.", ch.Mention())
	}
	if err := m.store.SetServerConfig(ctx, req.Guild, storage.FieldVerificationChannel, id); err != nil {
		return err
	}
	return features.Done(ctx, req, "Set server verification channel to **"+ch.Mention()+"**")
}

func (m *Module) setText(ctx context.Context, req *router.Request) error {
	text := req.Rest(0)
	if err := m.store.SetServerConfig(ctx, req.Guild, storage.FieldVerificationText, text); err != nil {
		return err
	}
	if text == "" {
		return features.Done(ctx, req, "Set server verification text to default.")
	}
	return features.Done(ctx, req, "Set server verification text to `"+text+"`")
}

func (m *Module) setRole(ctx context.Context, req *router.Request) error {
	if len(req.Args) == 0 {
		if err := m.store.SetServerConfig(ctx, req.Guild, storage.FieldVerifiedRole, platform.ID(0)); err != nil {
			return err
		}
		return features.Done(ctx, req, "Removed server verified role.")
	}
	id, err := router.ParseRole(req.Args[0])
	if err != nil {
		return err
	}
	if err := m.store.SetServerConfig(ctx, req.Guild, storage.FieldVerifiedRole, id); err != nil {
		return err
	}
	return features.Done(ctx, req, "Set server verified role to **"+id.RoleMention()+"**")
}
