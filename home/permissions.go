package home

import (
	"context"
	"fmt"
	"strings"

	"github.com/disgoorg/snowflake/v2"
	"github.com/leeineian/jukebox/proc"
	"github.com/leeineian/jukebox/sys"
	"github.com/samber/lo"
)

// isOwner is true for the configured bot owners and the guild owner.
func (r *Router) isOwner(c Caller) bool {
	if c.GuildOwnerID != 0 && c.UserID == c.GuildOwnerID {
		return true
	}
	return lo.Contains(r.owners, c.UserID)
}

func elevatedBy(perms sys.GuildPerms, c Caller) bool {
	if lo.Contains(perms.UserIDs, c.UserID) {
		return true
	}
	return len(lo.Intersect(perms.RoleIDs, c.RoleIDs)) > 0
}

// authorize applies the channel restriction and the command's access level.
// Settings are read on every check so list edits apply immediately.
func (r *Router) authorize(ctx context.Context, c Caller, level access) error {
	if r.isOwner(c) {
		return nil
	}
	if level == accessOwner {
		return &proc.PermissionError{Msg: "only the server owner can do that"}
	}

	settings, err := r.settings.Load(ctx, c.GuildID)
	if err != nil {
		return err
	}
	elevated := elevatedBy(settings.Perms, c)

	if len(settings.Perms.Channels) > 0 && !elevated && !lo.Contains(settings.Perms.Channels, c.ChannelID) {
		return &proc.PermissionError{Msg: "commands are not allowed in this channel"}
	}
	if level == accessElevated && !elevated {
		return &proc.PermissionError{}
	}
	return nil
}

// perms handles "perms list" and "perms add|remove user|role|channel <id>".
func (r *Router) perms(ctx context.Context, c Caller, args []string) (string, error) {
	usage := r.commands["perms"].usage
	if len(args) == 0 {
		return "", &proc.SyntaxError{Usage: usage}
	}

	switch strings.ToLower(args[0]) {
	case "list":
		settings, err := r.settings.Load(ctx, c.GuildID)
		if err != nil {
			return "", err
		}
		return formatPerms(settings.Perms), nil
	case "add", "remove":
		if len(args) != 3 {
			return "", &proc.SyntaxError{Usage: usage}
		}
	default:
		return "", &proc.SyntaxError{Usage: usage}
	}

	add := strings.EqualFold(args[0], "add")
	kind := strings.ToLower(args[1])
	if kind != "user" && kind != "role" && kind != "channel" {
		return "", &proc.SyntaxError{Usage: usage}
	}
	id, err := sys.ParseSnowflake(args[2])
	if err != nil {
		return "", &proc.SyntaxError{Usage: usage}
	}

	var changed bool
	_, err = r.settings.Update(ctx, c.GuildID, func(g *sys.GuildSettings) {
		var list *[]snowflake.ID
		switch kind {
		case "user":
			list = &g.Perms.UserIDs
		case "role":
			list = &g.Perms.RoleIDs
		default:
			list = &g.Perms.Channels
		}
		changed = editList(list, id, add)
	})
	if err != nil {
		return "", err
	}

	verb := "Added"
	if !add {
		verb = "Removed"
	}
	if !changed {
		if add {
			return fmt.Sprintf("That %s is already on the list.", kind), nil
		}
		return fmt.Sprintf("That %s is not on the list.", kind), nil
	}
	return fmt.Sprintf("%s %s %s.", verb, kind, id), nil
}

// editList adds or removes id, reporting whether the list changed.
func editList(list *[]snowflake.ID, id snowflake.ID, add bool) bool {
	has := lo.Contains(*list, id)
	switch {
	case add && !has:
		*list = append(*list, id)
		return true
	case !add && has:
		*list = lo.Without(*list, id)
		return true
	}
	return false
}

func formatPerms(p sys.GuildPerms) string {
	join := func(ids []snowflake.ID, wrap func(snowflake.ID) string) string {
		if len(ids) == 0 {
			return "none"
		}
		return strings.Join(lo.Map(ids, func(id snowflake.ID, _ int) string { return wrap(id) }), ", ")
	}
	return fmt.Sprintf("Users: %s\nRoles: %s\nChannels: %s",
		join(p.UserIDs, func(id snowflake.ID) string { return "<@" + id.String() + ">" }),
		join(p.RoleIDs, func(id snowflake.ID) string { return "<@&" + id.String() + ">" }),
		join(p.Channels, func(id snowflake.ID) string { return "<#" + id.String() + ">" }),
	)
}
