package transport

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"
)

// DefaultPollInterval is how long each candidate is listened to per round.
const DefaultPollInterval = 100 * time.Millisecond

// Select waits for the connect byte on any of candidates, polling them
// round-robin for poll each. The winner is answered with ack and returned;
// every other candidate is shut down. Select gives up only when ctx ends.
func Select(ctx context.Context, connect, ack byte, poll time.Duration, log logrus.FieldLogger, candidates ...Transport) (Transport, error) {
	if len(candidates) == 0 {
		return nil, errors.New("no transports to select from")
	}
	if log == nil {
		log = logrus.StandardLogger()
	}
	if poll <= 0 {
		poll = DefaultPollInterval
	}

	live := append([]Transport(nil), candidates...)
	for {
		for i := 0; i < len(live); i++ {
			if err := ctx.Err(); err != nil {
				return nil, err
			}

			t := live[i]
			b, err := t.ReceiveByte(poll)
			switch {
			case err == nil && b == connect:
				if err := t.SendByte(ack); err != nil {
					return nil, fmt.Errorf("acknowledge on %s: %w", t.Name(), err)
				}
				for _, other := range candidates {
					if other == t {
						continue
					}
					if err := other.Shutdown(); err != nil {
						log.WithField("transport", other.Name()).WithError(err).Warn("Shutdown failed")
					}
				}
				log.WithField("transport", t.Name()).Info("Transport selected")
				return t, nil
			case err == nil, errors.Is(err, ErrTimeout):
				// Noise or silence; keep polling.
			default:
				log.WithField("transport", t.Name()).WithError(err).Warn("Transport dropped from selection")
				live = append(live[:i], live[i+1:]...)
				i--
				if len(live) == 0 {
					return nil, fmt.Errorf("every transport failed, last: %w", err)
				}
			}
		}
	}
}
