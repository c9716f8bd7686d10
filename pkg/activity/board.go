package activity

import (
	"errors"
	"sync"

	"github.com/disgoorg/snowflake/v2"
)

var ErrAlreadyRunning = errors.New("already running")

// Board tracks the active raffle and prediction of each guild. A guild runs at most one of each
// at a time.
type Board struct {
	mu          sync.Mutex
	raffles     map[snowflake.ID]*Raffle
	predictions map[snowflake.ID]*Prediction
}

func NewBoard() *Board {
	return &Board{
		raffles:     make(map[snowflake.ID]*Raffle),
		predictions: make(map[snowflake.ID]*Prediction),
	}
}

// StartRaffle installs r unless the guild already has a running raffle.
func (b *Board) StartRaffle(guildID snowflake.ID, r *Raffle) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if current, ok := b.raffles[guildID]; ok && current.Running() {
		return ErrAlreadyRunning
	}
	b.raffles[guildID] = r
	return nil
}

// Raffle returns the guild's latest raffle, running or not.
func (b *Board) Raffle(guildID snowflake.ID) (*Raffle, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	r, ok := b.raffles[guildID]
	return r, ok
}

func (b *Board) StartPrediction(guildID snowflake.ID, p *Prediction) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if current, ok := b.predictions[guildID]; ok && current.Running() {
		return ErrAlreadyRunning
	}
	b.predictions[guildID] = p
	return nil
}

func (b *Board) Prediction(guildID snowflake.ID) (*Prediction, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	p, ok := b.predictions[guildID]
	return p, ok
}

// RunningPredictions returns every running prediction keyed by guild, used to refund stakes on shutdown.
func (b *Board) RunningPredictions() map[snowflake.ID]*Prediction {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make(map[snowflake.ID]*Prediction)
	for guildID, p := range b.predictions {
		if p.Running() {
			out[guildID] = p
		}
	}
	return out
}
