package activity

import (
	"errors"
	"math/rand/v2"
	"raffle-bot/pkg/config"
	"slices"
	"sync"
	"time"

	"github.com/disgoorg/snowflake/v2"
	"github.com/google/uuid"
)

const (
	BaseTickets    = 100
	LossMultiplier = 5
)

var (
	ErrNotRunning     = errors.New("not running")
	ErrAlreadyEntered = errors.New("already entered")
	ErrEntriesClosed  = errors.New("not accepting entries")
	ErrNoEntrants     = errors.New("no entrants")
)

// Tickets is the number of raffle tickets an entrant receives.
func Tickets(losses int, tier config.Tier) int {
	return BaseTickets + tier.Bonus() + losses*LossMultiplier
}

// Raffle draws weighted winners among its entrants. Every entrant is in at most once.
type Raffle struct {
	ID          uuid.UUID
	Description string
	WinnerSlots int
	StartedAt   time.Time

	mu       sync.RWMutex
	running  bool
	canEnter bool
	entries  map[snowflake.ID]int
	order    []snowflake.ID
	rand     *rand.Rand
}

func NewRaffle(description string, winnerSlots int) *Raffle {
	if winnerSlots < 1 {
		winnerSlots = 1
	}
	return &Raffle{
		ID:          uuid.New(),
		Description: description,
		WinnerSlots: winnerSlots,
		StartedAt:   time.Now(),
		running:     true,
		canEnter:    true,
		entries:     make(map[snowflake.ID]int),
		rand:        rand.New(rand.NewPCG(rand.Uint64(), rand.Uint64())),
	}
}

func (r *Raffle) Running() bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.running
}

// Enter adds the member with tickets based on their losses and tier and returns the ticket count.
func (r *Raffle) Enter(userID snowflake.ID, losses int, tier config.Tier) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if !r.running {
		return 0, ErrNotRunning
	}
	if !r.canEnter {
		return 0, ErrEntriesClosed
	}
	if _, ok := r.entries[userID]; ok {
		return 0, ErrAlreadyEntered
	}
	tickets := Tickets(losses, tier)
	r.entries[userID] = tickets
	r.order = append(r.order, userID)
	return tickets, nil
}

// CloseEntries stops new entries while keeping the raffle running.
func (r *Raffle) CloseEntries() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.canEnter = false
}

func (r *Raffle) TicketsOf(userID snowflake.ID) (int, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	n, ok := r.entries[userID]
	return n, ok
}

func (r *Raffle) TotalTickets() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	total := 0
	for _, n := range r.entries {
		total += n
	}
	return total
}

// Participants returns the entrants in entry order.
func (r *Raffle) Participants() []snowflake.ID {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return slices.Clone(r.order)
}

// End stops the raffle and draws up to WinnerSlots distinct winners, each draw weighted by
// tickets among those not yet drawn.
func (r *Raffle) End() ([]snowflake.ID, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if !r.running {
		return nil, ErrNotRunning
	}
	r.running = false
	if len(r.order) == 0 {
		return nil, ErrNoEntrants
	}

	remaining := slices.Clone(r.order)
	total := 0
	for _, id := range remaining {
		total += r.entries[id]
	}
	slots := min(r.WinnerSlots, len(remaining))
	winners := make([]snowflake.ID, 0, slots)
	for len(winners) < slots && total > 0 {
		pick := r.rand.IntN(total)
		for i, id := range remaining {
			pick -= r.entries[id]
			if pick < 0 {
				winners = append(winners, id)
				total -= r.entries[id]
				remaining = slices.Delete(remaining, i, i+1)
				break
			}
		}
	}
	return winners, nil
}

// Reset clears all entries of a running raffle.
func (r *Raffle) Reset() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if !r.running {
		return ErrNotRunning
	}
	clear(r.entries)
	r.order = nil
	r.canEnter = true
	return nil
}
