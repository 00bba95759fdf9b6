package discord

import (
	"strconv"

	"github.com/bwmarrin/discordgo"

	"melutils/internal/platform"
)

func parseID(s string) platform.ID {
	v, _ := strconv.ParseUint(s, 10, 64)
	return platform.ID(v)
}

func sid(id platform.ID) string { return id.String() }

func toUser(u *discordgo.User) platform.User {
	if u == nil {
		return platform.User{}
	}
	return platform.User{ID: parseID(u.ID), Username: u.Username, Bot: u.Bot}
}

func toMember(m *discordgo.Member) platform.Member {
	out := platform.Member{User: toUser(m.User), GuildID: parseID(m.GuildID), Nick: m.Nick}
	for _, r := range m.Roles {
		out.Roles = append(out.Roles, parseID(r))
	}
	return out
}

func toGuild(g *discordgo.Guild) platform.Guild {
	out := platform.Guild{ID: parseID(g.ID), Name: g.Name, OwnerID: parseID(g.OwnerID)}
	for _, f := range g.Features {
		out.Features = append(out.Features, string(f))
	}
	return out
}

func toChannelType(t discordgo.ChannelType) platform.ChannelType {
	switch t {
	case discordgo.ChannelTypeGuildText, discordgo.ChannelTypeGuildNews:
		return platform.ChannelText
	case discordgo.ChannelTypeDM, discordgo.ChannelTypeGroupDM:
		return platform.ChannelDM
	case discordgo.ChannelTypeGuildCategory:
		return platform.ChannelCategory
	case discordgo.ChannelTypeGuildForum:
		return platform.ChannelForum
	case discordgo.ChannelTypeGuildPublicThread, discordgo.ChannelTypeGuildNewsThread:
		return platform.ChannelPublicThread
	case discordgo.ChannelTypeGuildPrivateThread:
		return platform.ChannelPrivateThread
	}
	return platform.ChannelOther
}

func toChannel(c *discordgo.Channel) platform.Channel {
	return platform.Channel{
		ID:       parseID(c.ID),
		GuildID:  parseID(c.GuildID),
		ParentID: parseID(c.ParentID),
		Name:     c.Name,
		Type:     toChannelType(c.Type),
	}
}

func toEmoji(e *discordgo.Emoji) platform.Emoji {
	return platform.Emoji{ID: parseID(e.ID), Name: e.Name, Animated: e.Animated}
}

func toMessage(m *discordgo.Message) platform.Message {
	return platform.Message{
		ID:        parseID(m.ID),
		ChannelID: parseID(m.ChannelID),
		GuildID:   parseID(m.GuildID),
		Author:    toUser(m.Author),
		Content:   m.Content,
		CreatedAt: m.Timestamp,
	}
}

func allowedMentions(m platform.Mentions) *discordgo.MessageAllowedMentions {
	switch m {
	case platform.MentionAll:
		return &discordgo.MessageAllowedMentions{Parse: []discordgo.AllowedMentionType{
			discordgo.AllowedMentionTypeUsers, discordgo.AllowedMentionTypeRoles, discordgo.AllowedMentionTypeEveryone,
		}}
	case platform.MentionUsers:
		return &discordgo.MessageAllowedMentions{Parse: []discordgo.AllowedMentionType{discordgo.AllowedMentionTypeUsers}}
	}
	return &discordgo.MessageAllowedMentions{Parse: []discordgo.AllowedMentionType{}}
}
