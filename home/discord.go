package home

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/disgoorg/disgo/bot"
	"github.com/disgoorg/disgo/discord"
	"github.com/disgoorg/disgo/events"
	"github.com/disgoorg/omit"
	"github.com/disgoorg/snowflake/v2"
	"github.com/leeineian/jukebox/proc"
	"github.com/leeineian/jukebox/sys"
)

const commandTimeout = 2 * time.Minute

// Register wires the router into the Discord client: the /music, /roll,
// /stats and /perms slash commands, play autocomplete, prefix messages and
// the bot's own voice state.
func Register(r *Router, sugg *proc.Suggester, prefix string) {
	sys.RegisterCommand(musicCommand(), func(event *events.ApplicationCommandInteractionCreate) {
		data := event.SlashCommandInteractionData()
		if data.SubCommandName == nil {
			return
		}
		line := *data.SubCommandName
		switch line {
		case "play":
			q, _ := data.OptString("query")
			line += " " + q
		case "bump", "remove":
			n, _ := data.OptInt("position")
			line += fmt.Sprintf(" %d", n)
		case "volume":
			if v, ok := data.OptInt("level"); ok {
				line += fmt.Sprintf(" %d", v)
			}
		case "idle":
			if m, ok := data.OptInt("minutes"); ok {
				line += fmt.Sprintf(" %d", m)
			}
		}
		respond(r, event, line)
	})

	sys.RegisterCommand(discord.SlashCommandCreate{
		Name:        "roll",
		Description: "Roll dice",
		Options: []discord.ApplicationCommandOption{
			discord.ApplicationCommandOptionString{
				Name:        "dice",
				Description: "Dice expression like 2d20 (default 1d6)",
				Required:    false,
			},
		},
	}, func(event *events.ApplicationCommandInteractionCreate) {
		expr, _ := event.SlashCommandInteractionData().OptString("dice")
		respond(r, event, "roll "+expr)
	})

	sys.RegisterCommand(discord.SlashCommandCreate{
		Name:        "stats",
		Description: "Look up game statistics for a player",
		Options: []discord.ApplicationCommandOption{
			discord.ApplicationCommandOptionString{
				Name:        "player",
				Description: "Player name",
				Required:    true,
			},
		},
	}, func(event *events.ApplicationCommandInteractionCreate) {
		player, _ := event.SlashCommandInteractionData().OptString("player")
		respond(r, event, "stats "+player)
	})

	sys.RegisterCommand(permsCommand(), func(event *events.ApplicationCommandInteractionCreate) {
		data := event.SlashCommandInteractionData()
		if data.SubCommandName == nil {
			return
		}
		line := "perms " + *data.SubCommandName
		if *data.SubCommandName != "list" {
			kind, _ := data.OptString("kind")
			target, _ := data.OptString("target")
			line += " " + kind + " " + target
		}
		respond(r, event, line)
	})

	sys.RegisterAutocompleteHandler("music", func(event *events.AutocompleteInteractionCreate) {
		focused := event.Data.Focused()
		if focused.Name != "query" {
			return
		}
		results := sugg.Suggest(sys.AppContext, focused.String())

		var choices []discord.AutocompleteChoice
		for _, s := range results {
			if len(s.URL) > 100 {
				continue
			}
			choices = append(choices, discord.AutocompleteChoiceString{
				Name:  sys.Truncate(s.Title, 100),
				Value: s.URL,
			})
		}
		_ = event.AutocompleteResult(choices)
	})

	sys.RegisterMessageCreateHandler(func(event *events.MessageCreate) {
		if event.GuildID == nil || prefix == "" || !strings.HasPrefix(event.Message.Content, prefix) {
			return
		}
		line := strings.TrimSpace(strings.TrimPrefix(event.Message.Content, prefix))
		if line == "" {
			return
		}

		var roles []snowflake.ID
		if event.Message.Member != nil {
			roles = event.Message.Member.RoleIDs
		}
		c := callerFrom(event.Client(), *event.GuildID, event.ChannelID, event.Message.Author.ID, roles)

		ctx, cancel := context.WithTimeout(sys.AppContext, commandTimeout)
		defer cancel()
		reply := r.Dispatch(ctx, c, line)
		if err := sys.SendMessage(ctx, event.Client(), event.ChannelID, reply); err != nil {
			sys.LogDebug("Failed to send reply: %v", err)
		}
	})

	sys.RegisterVoiceStateUpdateHandler(func(event *events.GuildVoiceStateUpdate) {
		if event.VoiceState.UserID != event.Client().ID() {
			return
		}
		r.music.BotVoiceStateChanged(sys.AppContext, event.VoiceState.GuildID, event.VoiceState.ChannelID)
	})
}

// respond defers the interaction, runs the line and edits the reply in.
func respond(r *Router, event *events.ApplicationCommandInteractionCreate, line string) {
	if event.GuildID() == nil {
		_ = event.CreateMessage(guildOnlyMessage())
		return
	}
	_ = event.DeferCreateMessage(false)

	var roles []snowflake.ID
	if m := event.Member(); m != nil {
		roles = m.RoleIDs
	}
	c := callerFrom(event.Client(), *event.GuildID(), event.Channel().ID(), event.User().ID, roles)

	ctx, cancel := context.WithTimeout(sys.AppContext, commandTimeout)
	defer cancel()
	reply := r.Dispatch(ctx, c, line)

	_, _ = event.Client().Rest.UpdateInteractionResponse(event.ApplicationID(), event.Token(), replyUpdate(reply))
}

func guildOnlyMessage() discord.MessageCreate {
	return discord.NewMessageCreate().
		WithContent("This command only works in a server.").
		WithEphemeral(true)
}

// replyUpdate fills the deferred response, capped at Discord's message length.
func replyUpdate(reply string) discord.MessageUpdate {
	return discord.NewMessageUpdate().WithContent(sys.Truncate(reply, 2000))
}

func callerFrom(client *bot.Client, guildID, channelID, userID snowflake.ID, roles []snowflake.ID) Caller {
	c := Caller{
		GuildID:   guildID,
		ChannelID: channelID,
		UserID:    userID,
		RoleIDs:   roles,
	}
	if guild, ok := client.Caches.Guild(guildID); ok {
		c.GuildOwnerID = guild.OwnerID
	}
	if vs, ok := client.Caches.VoiceState(guildID, userID); ok && vs.ChannelID != nil {
		id := *vs.ChannelID
		c.VoiceChannelID = &id
	}
	return c
}

func musicCommand() discord.SlashCommandCreate {
	position := func(desc string) []discord.ApplicationCommandOption {
		return []discord.ApplicationCommandOption{
			discord.ApplicationCommandOptionInt{
				Name:        "position",
				Description: desc,
				Required:    true,
				MinValue:    sys.IntPtr(1),
			},
		}
	}
	sub := func(name, desc string, opts ...discord.ApplicationCommandOption) discord.ApplicationCommandOption {
		return discord.ApplicationCommandOptionSubCommand{Name: name, Description: desc, Options: opts}
	}

	return discord.SlashCommandCreate{
		Name:        "music",
		Description: "Music playback",
		Contexts: []discord.InteractionContextType{
			discord.InteractionContextTypeGuild,
		},
		Options: []discord.ApplicationCommandOption{
			sub("play", "Play a song or playlist", discord.ApplicationCommandOptionString{
				Name:         "query",
				Description:  "Search terms or a link",
				Required:     true,
				Autocomplete: true,
			}),
			sub("queue", "Show the queue"),
			sub("nowplaying", "Show the current track"),
			discord.ApplicationCommandOptionSubCommand{Name: "bump", Description: "Move a queued track to the front", Options: position("Queue position to move")},
			discord.ApplicationCommandOptionSubCommand{Name: "remove", Description: "Remove a queued track", Options: position("Queue position to remove")},
			sub("skip", "Skip the current track"),
			sub("repeat", "Toggle repeat"),
			sub("shuffle", "Toggle shuffle"),
			sub("clear", "Empty the queue"),
			sub("volume", "Show or set the volume", discord.ApplicationCommandOptionInt{
				Name:        "level",
				Description: "Volume from 0 to 100",
				Required:    false,
				MinValue:    sys.IntPtr(0),
				MaxValue:    sys.IntPtr(100),
			}),
			sub("idle", "Show or set the idle timeout", discord.ApplicationCommandOptionInt{
				Name:        "minutes",
				Description: "Minutes from 1 to 30",
				Required:    false,
				MinValue:    sys.IntPtr(1),
				MaxValue:    sys.IntPtr(30),
			}),
			sub("join", "Join your voice channel"),
			sub("leave", "Stop and leave voice"),
		},
	}
}

func permsCommand() discord.SlashCommandCreate {
	managePerm := discord.PermissionManageGuild
	edit := []discord.ApplicationCommandOption{
		discord.ApplicationCommandOptionString{
			Name:        "kind",
			Description: "What to allow",
			Required:    true,
			Choices: []discord.ApplicationCommandOptionChoiceString{
				{Name: "User", Value: "user"},
				{Name: "Role", Value: "role"},
				{Name: "Channel", Value: "channel"},
			},
		},
		discord.ApplicationCommandOptionString{
			Name:        "target",
			Description: "ID or mention",
			Required:    true,
		},
	}
	return discord.SlashCommandCreate{
		Name:                     "perms",
		Description:              "Manage who may control playback",
		DefaultMemberPermissions: omit.New(&managePerm),
		Contexts: []discord.InteractionContextType{
			discord.InteractionContextTypeGuild,
		},
		Options: []discord.ApplicationCommandOption{
			discord.ApplicationCommandOptionSubCommand{Name: "list", Description: "Show the allow lists"},
			discord.ApplicationCommandOptionSubCommand{Name: "add", Description: "Allow a user, role or channel", Options: edit},
			discord.ApplicationCommandOptionSubCommand{Name: "remove", Description: "Revoke a user, role or channel", Options: edit},
		},
	}
}
