package router

import (
	"context"
	"fmt"
	"slices"

	"melutils/internal/platform"
)

func (r *Router) mwAccess(cmd Command) Middleware {
	return func(next HandlerFunc) HandlerFunc {
		return func(ctx context.Context, req *Request) error {
			if err := r.authorize(ctx, cmd, req); err != nil {
				return err
			}
			return next(ctx, req)
		}
	}
}

func (r *Router) authorize(ctx context.Context, cmd Command, req *Request) error {
	if (cmd.GuildOnly || cmd.Access == AccessMod || cmd.Access == AccessManageGuild) && req.Guild == 0 {
		return Errorf("This command only works in a server.")
	}
	if cmd.Access == AccessEveryone || r.isOwner(req.Author.ID) {
		return nil
	}
	if cmd.Access == AccessOwner {
		return Errorf("Only the bot owner can use this command.")
	}

	perms, err := r.client.MemberPermissions(ctx, req.Guild, req.Channel, req.Author.ID)
	if err != nil {
		return fmt.Errorf("permissions: %w", err)
	}
	if perms&(platform.PermAdministrator|platform.PermManageGuild) != 0 {
		return nil
	}
	if cmd.Access == AccessManageGuild {
		return Errorf("You need the Manage Server permission to use this command.")
	}

	ok, err := r.hasModRole(ctx, req)
	if err != nil {
		return err
	}
	if !ok {
		return Errorf("You need to be a moderator to use this command.")
	}
	return nil
}

func (r *Router) hasModRole(ctx context.Context, req *Request) (bool, error) {
	if r.settings == nil {
		return false, nil
	}
	cfg, ok, err := r.settings.ServerConfig(ctx, req.Guild)
	if err != nil {
		return false, fmt.Errorf("server config: %w", err)
	}
	if !ok || cfg.ModRole == 0 {
		return false, nil
	}
	member, err := r.client.Member(ctx, req.Guild, req.Author.ID)
	if err != nil {
		return false, fmt.Errorf("member: %w", err)
	}
	return member.HasRole(cfg.ModRole), nil
}

func (r *Router) isOwner(id platform.ID) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return slices.Contains(r.owners, id)
}
