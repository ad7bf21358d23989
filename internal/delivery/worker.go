package delivery

import (
	"context"
	"fmt"
	"time"
)

func (p *Pool) runWorker(ctx context.Context, id int) {
	log := p.log.With().Int("worker", id).Logger()
	for {
		select {
		case <-p.stop:
			return
		case <-ctx.Done():
			return
		case eventID := <-p.queue:
			p.process(ctx, eventID)
			log.Debug().Str("event_id", eventID).Msg("worker finished event")
		}
	}
}

func (p *Pool) process(ctx context.Context, eventID string) {
	defer p.done(eventID)
	defer func() {
		if r := recover(); r != nil {
			// The pending attempt stays open and is abandoned by a later sweep.
			p.log.Error().Str("event_id", eventID).Str("panic", fmt.Sprint(r)).Msg("worker recovered from panic")
		}
	}()

	start := time.Now()
	if err := p.proc.Process(ctx, eventID); err != nil {
		p.log.Error().Err(err).Str("event_id", eventID).Msg("processing failed")
		return
	}
	p.log.Debug().Str("event_id", eventID).Dur("took", time.Since(start)).Msg("processing pass complete")
}
