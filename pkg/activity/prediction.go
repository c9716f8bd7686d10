package activity

import (
	"errors"
	"fmt"
	"math"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/disgoorg/snowflake/v2"
	"github.com/google/uuid"
)

var (
	ErrInvalidBet         = errors.New("bet must be greater than zero")
	ErrInsufficientTokens = errors.New("insufficient tokens")
	ErrOptionLocked       = errors.New("cannot change option after betting")
	ErrUnknownOption      = errors.New("unknown option")
	ErrNoWinningBets      = errors.New("nobody picked that option")
	ErrTooFewOptions      = errors.New("a prediction needs at least two distinct options")
)

// Prediction is a parimutuel pool: winners split every bet in proportion to their stake.
type Prediction struct {
	ID        uuid.UUID
	Options   []string
	StartedAt time.Time

	mu      sync.RWMutex
	running bool
	bets    map[snowflake.ID]int
	picks   map[snowflake.ID]string
}

func NewPrediction(options ...string) (*Prediction, error) {
	var distinct []string
	for _, option := range options {
		option = strings.TrimSpace(option)
		if option == "" || slices.ContainsFunc(distinct, func(o string) bool { return strings.EqualFold(o, option) }) {
			continue
		}
		distinct = append(distinct, option)
	}
	if len(distinct) < 2 {
		return nil, ErrTooFewOptions
	}
	return &Prediction{
		ID:        uuid.New(),
		Options:   distinct,
		StartedAt: time.Now(),
		running:   true,
		bets:      make(map[snowflake.ID]int),
		picks:     make(map[snowflake.ID]string),
	}, nil
}

func (p *Prediction) Running() bool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.running
}

// Option returns the canonical spelling of option, matched case-insensitively.
func (p *Prediction) Option(option string) (string, bool) {
	for _, o := range p.Options {
		if strings.EqualFold(o, option) {
			return o, true
		}
	}
	return "", false
}

// Bet stakes tokens on option for a member holding balance tokens. Repeated bets on the same
// option accumulate. The caller debits the balance first and credits it back when Bet fails.
func (p *Prediction) Bet(userID snowflake.ID, balance int, tokens int, option string) (int, error) {
	canonical, ok := p.Option(option)
	if !ok {
		return 0, fmt.Errorf("%w %q", ErrUnknownOption, option)
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.running {
		return 0, ErrNotRunning
	}
	if tokens <= 0 {
		return 0, ErrInvalidBet
	}
	if tokens > balance {
		return 0, fmt.Errorf("%w: %d > %d", ErrInsufficientTokens, tokens, balance)
	}
	if pick, ok := p.picks[userID]; ok && pick != canonical {
		return 0, ErrOptionLocked
	}
	p.picks[userID] = canonical
	p.bets[userID] += tokens
	return p.bets[userID], nil
}

func (p *Prediction) BetOf(userID snowflake.ID) (int, string) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.bets[userID], p.picks[userID]
}

func (p *Prediction) Total() int {
	p.mu.RLock()
	defer p.mu.RUnlock()
	total := 0
	for _, n := range p.bets {
		total += n
	}
	return total
}

// Totals returns the amount staked per option.
func (p *Prediction) Totals() map[string]int {
	p.mu.RLock()
	defer p.mu.RUnlock()
	totals := make(map[string]int, len(p.Options))
	for _, o := range p.Options {
		totals[o] = 0
	}
	for id, n := range p.bets {
		totals[p.picks[id]] += n
	}
	return totals
}

func (p *Prediction) Participants() int {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return len(p.bets)
}

// End settles the prediction on winning. Each winner receives round(total * bet / winningBets).
// Ending on an option nobody picked fails and leaves the prediction running.
func (p *Prediction) End(winning string) (map[snowflake.ID]int, error) {
	canonical, ok := p.Option(winning)
	if !ok {
		return nil, fmt.Errorf("%w %q", ErrUnknownOption, winning)
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.running {
		return nil, ErrNotRunning
	}
	total, winningBets := 0, 0
	for id, n := range p.bets {
		total += n
		if p.picks[id] == canonical {
			winningBets += n
		}
	}
	if winningBets == 0 {
		return nil, ErrNoWinningBets
	}
	p.running = false

	payouts := make(map[snowflake.ID]int)
	for id, n := range p.bets {
		if p.picks[id] != canonical {
			continue
		}
		payouts[id] = int(math.Round(float64(total) * float64(n) / float64(winningBets)))
	}
	return payouts, nil
}

// Reset clears every bet of a running prediction and returns the stakes to refund.
func (p *Prediction) Reset() (map[snowflake.ID]int, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.running {
		return nil, ErrNotRunning
	}
	refunds := p.bets
	p.bets = make(map[snowflake.ID]int)
	clear(p.picks)
	return refunds, nil
}

// Cancel stops the prediction and returns the stakes to refund.
func (p *Prediction) Cancel() map[snowflake.ID]int {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.running = false
	refunds := p.bets
	p.bets = make(map[snowflake.ID]int)
	clear(p.picks)
	return refunds
}
