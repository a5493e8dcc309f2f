package round

import (
	"errors"
	"math/rand"

	"github.com/tokenscomedyclub/arena/engine/store"
)

// ErrInsufficientRoleCoverage is returned when the active catalog cannot
// fill all three roles per §4.3.1.
var ErrInsufficientRoleCoverage = errors.New("insufficient role coverage")

// Participants is one round's cast, chosen per §4.3.1.
type Participants struct {
	Prompter    store.Model
	Contestants [2]store.Model
	Voters      []store.Model
}

// shuffled returns a uniformly-permuted copy of models (Fisher-Yates).
func shuffled(models []store.Model) []store.Model {
	out := make([]store.Model, len(models))
	copy(out, models)
	rand.Shuffle(len(out), func(i, j int) { out[i], out[j] = out[j], out[i] })
	return out
}

// SelectParticipants picks a prompter, two distinct answer-capable
// contestants excluding the prompter, and every remaining vote-capable
// model excluding the two contestants.
func SelectParticipants(models []store.Model) (Participants, error) {
	pool := shuffled(models)

	var prompters []store.Model
	for _, m := range pool {
		if m.CanPrompt {
			prompters = append(prompters, m)
		}
	}
	if len(prompters) == 0 {
		return Participants{}, ErrInsufficientRoleCoverage
	}
	prompter := prompters[0]

	answerPool := shuffled(models)
	var answerable []store.Model
	for _, m := range answerPool {
		if m.CanAnswer && m.ID != prompter.ID {
			answerable = append(answerable, m)
		}
	}
	if len(answerable) < 2 {
		return Participants{}, ErrInsufficientRoleCoverage
	}
	contestants := [2]store.Model{answerable[0], answerable[1]}

	votePool := shuffled(models)
	var voters []store.Model
	for _, m := range votePool {
		if !m.CanVote {
			continue
		}
		if m.ID == contestants[0].ID || m.ID == contestants[1].ID {
			continue
		}
		voters = append(voters, m)
	}
	if len(voters) == 0 {
		return Participants{}, ErrInsufficientRoleCoverage
	}

	return Participants{Prompter: prompter, Contestants: contestants, Voters: voters}, nil
}
