package collector

import (
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/adred-codev/odin-ingest/internal/monitoring"
)

// fallbackLoop polls order books over REST while the streaming path is
// out of budget. Every cycle first probes the socket: a successful dial
// ends fallback and hands the live connection back to the connect path.
// Otherwise the active symbols are polled and the snapshots hydrate the
// ring exactly like streamed frames (dedup included). Poll failures back
// off exponentially up to MaxRestBackoff; a good poll resets the pace.
//
// Returns nil when the collector is stopping or failed fatally.
func (c *Collector) fallbackLoop() Conn {
	c.logger.Warn().
		Dur("rest_interval", c.cfg.RestInterval).
		Msg("entering REST fallback")

	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = c.cfg.RestInterval
	bo.Multiplier = 2
	bo.RandomizationFactor = 0
	bo.MaxInterval = c.cfg.MaxRestBackoff
	bo.MaxElapsedTime = 0
	bo.Reset()

	delay := c.cfg.RestInterval
	for {
		select {
		case <-time.After(delay):
		case <-c.ctx.Done():
			return nil
		}

		if conn, err := c.dial(c.cfg.ConnectionTimeout); err == nil {
			if !c.toState(StateConnecting, "stream recovered") {
				conn.Close()
				return nil
			}
			c.logger.Info().Msg("leaving REST fallback, stream recovered")
			return conn
		}

		if err := c.pollOnce(); err != nil {
			if c.ctx.Err() != nil {
				return nil
			}
			delay = bo.NextBackOff()
			c.deps.Reporter.Report(monitoring.NewError(
				monitoring.CodeNetwork, monitoring.SeverityRecoverable, c.id, "REST poll failed", err))
			c.logger.Warn().Err(err).Dur("next_poll", delay).Msg("REST poll failed")
			continue
		}
		bo.Reset()
		delay = c.cfg.RestInterval
	}
}

// pollOnce fetches a snapshot for every active symbol. Partial success
// counts as success; a cycle where nothing could be fetched is a
// failure and feeds the poll backoff.
func (c *Collector) pollOnce() error {
	symbols := c.activeSymbols()
	if len(symbols) == 0 {
		return nil
	}

	var lastErr error
	polled := 0
	for _, sym := range symbols {
		if err := c.ctx.Err(); err != nil {
			return err
		}
		rec, err := c.fetchSnapshot(sym)
		if err != nil {
			lastErr = err
			continue
		}
		c.handleRecord(rec)
		polled++
	}
	if polled == 0 {
		return lastErr
	}
	return nil
}

// activeSymbols returns the SUBSCRIBED and PENDING symbols in
// declaration order without touching their states.
func (c *Collector) activeSymbols() []string {
	c.subMu.Lock()
	defer c.subMu.Unlock()

	out := make([]string, 0, len(c.symbols))
	for _, sym := range c.symbols {
		sub, ok := c.subs[sym]
		if !ok {
			continue
		}
		if sub.state == SubSubscribed || sub.state == SubPending {
			out = append(out, sym)
		}
	}
	return out
}
