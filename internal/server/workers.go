package server

import (
	"context"
	"log"
	"time"

	"github.com/skinvault-gg/skinvault/internal/escrow"
	"github.com/skinvault-gg/skinvault/internal/metrics"
	"github.com/skinvault-gg/skinvault/internal/pool"
)

// StartWorkers launches all background goroutines. Call with a cancellable
// context for graceful shutdown.
func (s *Server) StartWorkers(ctx context.Context) {
	s.recoverPaidTrades(ctx)
	go s.queue.Run(ctx)
	go s.pool.RunHealthLoop(ctx)
	go s.runEventConsumer(ctx)
	go s.runGauges(ctx)
}

// recoverPaidTrades re-enqueues trades that were paid but not dispatched
// before the last shutdown. Dispatch jobs live in memory, so without this
// sweep a restart would strand them in PAYMENT_RECEIVED forever.
func (s *Server) recoverPaidTrades(ctx context.Context) {
	trades, err := s.db.ListTradesByStatus(ctx, escrow.StatusPaymentReceived)
	if err != nil {
		log.Printf("[worker] recover paid trades: %v", err)
		return
	}
	for i := range trades {
		t := &trades[i]
		s.trackJob(t.ID, s.queue.Enqueue(dispatchRequest(t)))
	}
	if len(trades) > 0 {
		log.Printf("[worker] re-enqueued %d paid trade(s) after restart", len(trades))
	}
}

// --- Session Event Consumer ---

// runEventConsumer drains the pool's tagged session events into the log and
// the login counters.
func (s *Server) runEventConsumer(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev := <-s.pool.Events():
			switch ev.Kind {
			case pool.EventLoginSucceeded:
				metrics.AgentLogins.WithLabelValues("success").Inc()
			case pool.EventLoginFailed:
				metrics.AgentLogins.WithLabelValues("failure").Inc()
			}
			log.Printf("[worker] %v", ev)
		}
	}
}

// --- Gauge Refresh Worker ---

// runGauges refreshes the queue-depth and online-agent gauges (every 5 seconds).
func (s *Server) runGauges(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-time.After(5 * time.Second):
			s.pruneJobs()
			metrics.QueueDepth.Set(float64(s.queue.Depth()))

			online := 0
			for _, a := range s.pool.Agents() {
				if a.Status == pool.StatusOnline && a.Ready {
					online++
				}
			}
			metrics.AgentsOnline.Set(float64(online))
		}
	}
}
