package campaign

import "time"

var transitions = map[Status][]Status{
	StatusDraft:     {StatusScheduled, StatusCancelled},
	StatusScheduled: {StatusSent, StatusCancelled},
	StatusSent:      {},
	StatusCancelled: {},
}

func (s Status) Valid() bool {
	_, ok := transitions[s]
	return ok
}

func (s Status) Terminal() bool {
	return s.Valid() && len(transitions[s]) == 0
}

func CanTransition(from, to Status) bool {
	for _, next := range transitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// Transition moves c to the requested status. On error c is left unchanged.
// Entering sent stamps SentAt with now.
func Transition(c *Campaign, to Status, now time.Time) error {
	if !CanTransition(c.Status, to) {
		return &InvalidTransitionError{From: c.Status, To: to}
	}
	c.Status = to
	c.UpdatedAt = now
	if to == StatusSent {
		t := now
		c.SentAt = &t
	}
	return nil
}
