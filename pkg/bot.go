package pkg

import (
	"raffle-bot/pkg/activity"
	"raffle-bot/pkg/db"
)

// Bot holds the state shared by every command handler.
type Bot struct {
	DB         *db.DB
	Activities *activity.Board
}
