package routing

import (
	"fmt"

	"github.com/ashureev/dailybot/internal/domain"
	"github.com/ashureev/dailybot/internal/specialist"
)

// DefaultMaxRounds bounds a multi-turn exchange.
const DefaultMaxRounds = 10

// None means the exchange is over.
const None specialist.Tag = ""

// Turn is one message in an exchange transcript.
type Turn struct {
	Speaker specialist.Tag `json:"speaker"`
	Text    string         `json:"text"`
}

// NextSpeaker decides who speaks after transcript. The sequence is fixed:
// coordinator, the one specialist matched on the coordinator's message,
// coordinator again, then None.
//
// A speaker repeated back to back yields domain.ErrProtocolViolation. A
// transcript that has used maxRounds turns without ending yields
// domain.ErrRoundCeiling.
func (r *Router) NextSpeaker(transcript []Turn, maxRounds int) (specialist.Tag, error) {
	if maxRounds <= 0 {
		maxRounds = DefaultMaxRounds
	}

	n := len(transcript)
	if n >= 2 && transcript[n-1].Speaker == transcript[n-2].Speaker {
		return None, fmt.Errorf("%w: %q spoke twice in a row", domain.ErrProtocolViolation, transcript[n-1].Speaker)
	}

	next, err := r.next(transcript)
	if err != nil {
		return None, err
	}
	if next != None && n >= maxRounds {
		return None, fmt.Errorf("%w: %d turns", domain.ErrRoundCeiling, n)
	}
	return next, nil
}

func (r *Router) next(transcript []Turn) (specialist.Tag, error) {
	if len(transcript) == 0 {
		return specialist.TagCoordinator, nil
	}

	last := transcript[len(transcript)-1]
	switch {
	case last.Speaker == specialist.TagCoordinator:
		if specialistSpoke(transcript) {
			return None, nil
		}
		return r.SelectOne(last.Text), nil
	case r.known(last.Speaker):
		return specialist.TagCoordinator, nil
	default:
		return None, fmt.Errorf("%w: unknown speaker %q", domain.ErrProtocolViolation, last.Speaker)
	}
}

func specialistSpoke(transcript []Turn) bool {
	for _, t := range transcript {
		if t.Speaker != specialist.TagCoordinator {
			return true
		}
	}
	return false
}
