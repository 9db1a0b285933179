package store

import (
	"github.com/redis/go-redis/v9"
)

// PatternSubscription is a live pattern subscription over a dedicated
// connection. Messages closes when the subscription is closed or the link
// drops; the owner decides whether to resubscribe.
type PatternSubscription struct {
	ps  *redis.PubSub
	out chan Message
}

func newPatternSubscription(ps *redis.PubSub) *PatternSubscription {
	sub := &PatternSubscription{
		ps:  ps,
		out: make(chan Message, 64),
	}
	go sub.pump()
	return sub
}

func (s *PatternSubscription) pump() {
	defer close(s.out)
	for msg := range s.ps.Channel() {
		s.out <- Message{
			Pattern: msg.Pattern,
			Channel: msg.Channel,
			Payload: msg.Payload,
		}
	}
}

// Messages returns the delivery channel.
func (s *PatternSubscription) Messages() <-chan Message {
	return s.out
}

// Close tears down the subscription and drains the delivery channel so the
// pump goroutine can finish even if the owner stopped reading.
func (s *PatternSubscription) Close() error {
	err := s.ps.Close()
	go func() {
		for range s.out {
		}
	}()
	return err
}
