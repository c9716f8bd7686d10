package gateway

import (
	"fmt"

	"github.com/disgoorg/disgo/discord"
	"github.com/disgoorg/snowflake/v2"
)

type ActionType int

const (
	ActionCreateMessage ActionType = iota
	ActionEditMessage
	ActionAddReaction
	ActionDeleteMessage
)

func (t ActionType) String() string {
	switch t {
	case ActionCreateMessage:
		return "create_message"
	case ActionEditMessage:
		return "edit_message"
	case ActionAddReaction:
		return "add_reaction"
	case ActionDeleteMessage:
		return "delete_message"
	}
	return "unknown"
}

// Action is one outbound request to the platform.
type Action struct {
	Type      ActionType
	ChannelID snowflake.ID
	MessageID snowflake.ID
	// ReplyTo makes a created message a reply to that message.
	ReplyTo snowflake.ID
	Content string
	Embeds  []discord.Embed
	Emoji   string
}

func (a Action) Validate() error {
	if a.ChannelID == 0 {
		return fmt.Errorf("%w: %s without channel", ErrInvalidAction, a.Type)
	}
	switch a.Type {
	case ActionCreateMessage:
		if a.Content == "" && len(a.Embeds) == 0 {
			return fmt.Errorf("%w: empty message", ErrInvalidAction)
		}
	case ActionEditMessage:
		if a.MessageID == 0 {
			return fmt.Errorf("%w: edit without message", ErrInvalidAction)
		}
	case ActionAddReaction:
		if a.MessageID == 0 || a.Emoji == "" {
			return fmt.Errorf("%w: reaction without message or emoji", ErrInvalidAction)
		}
	case ActionDeleteMessage:
		if a.MessageID == 0 {
			return fmt.Errorf("%w: delete without message", ErrInvalidAction)
		}
	default:
		return fmt.Errorf("%w: unknown type %d", ErrInvalidAction, a.Type)
	}
	return nil
}

// Message builds a create-message action.
func Message(channelID snowflake.ID, content string) Action {
	return Action{Type: ActionCreateMessage, ChannelID: channelID, Content: content}
}

// Reply builds a create-message action that references messageID.
func Reply(channelID snowflake.ID, messageID snowflake.ID, content string) Action {
	return Action{Type: ActionCreateMessage, ChannelID: channelID, ReplyTo: messageID, Content: content}
}
