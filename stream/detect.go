package stream

import (
	"context"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/maxpert/cdcrelay/capture"
	"github.com/maxpert/cdcrelay/telemetry"
)

func (r *Registry) detectLoop(ctx context.Context, stopCh, doneCh chan struct{}) {
	defer close(doneCh)

	interval := r.cfg.DetectInterval
	if interval <= 0 {
		interval = 2 * time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			r.Detect()
		case <-stopCh:
			return
		case <-ctx.Done():
			return
		}
	}
}

// Detect runs one garbage collection round:
//  1. sources whose lease expired are torn down
//  2. sinks still waiting for a source after the init timeout are torn down
//  3. capture processes no source claims are stopped once older than the init timeout
//  4. working directories with no binding are cleaned once older than the retention
func (r *Registry) Detect() {
	telemetry.DetectRoundsTotal.Inc()
	now := r.cfg.Now()

	if r.cfg.SourceLease > 0 {
		var expired []string
		r.sources.Range(func(connID string, s *SourceMeta) bool {
			if now.Sub(s.LastHeartbeat()) >= r.cfg.SourceLease {
				expired = append(expired, connID)
			}
			return true
		})
		for _, connID := range expired {
			log.Warn().Str("conn_id", connID).Dur("lease", r.cfg.SourceLease).Msg("Source lease expired")
			r.teardownSource(connID, ReasonLeaseExpired)
		}
	}

	if r.cfg.InitTimeout > 0 {
		var stale []string
		r.sinks.Range(func(connID string, s *SinkMeta) bool {
			if _, bound := r.sourcesByClient.Load(s.ClientID); bound {
				return true
			}
			if now.Sub(s.RegisterTime) >= r.cfg.InitTimeout {
				stale = append(stale, connID)
			}
			return true
		})
		for _, connID := range stale {
			log.Warn().Str("conn_id", connID).Dur("init_timeout", r.cfg.InitTimeout).Msg("No source arrived for sink")
			r.teardownSink(connID, ReasonInitTimeout)
		}
	}

	for _, inv := range r.cfg.Capture.All() {
		r.stopWildProcesses(inv, now)
		r.cleanStalePaths(inv, now)
	}
}

func (r *Registry) stopWildProcesses(inv capture.Invoker, now time.Time) {
	procs, err := inv.ListProcesses()
	if err != nil {
		log.Warn().Err(err).Msg("Failed to list capture processes")
		return
	}

	claimed := make(map[string]bool)
	r.sources.Range(func(_ string, s *SourceMeta) bool {
		claimed[s.ProcessID] = true
		return true
	})

	for _, proc := range procs {
		if claimed[proc.PID] || now.Sub(proc.StartTime) < r.cfg.InitTimeout {
			continue
		}
		log.Warn().Str("pid", proc.PID).Str("path", proc.Path).Msg("Stopping unclaimed capture process")
		if err := inv.Stop(proc); err != nil {
			log.Warn().Err(err).Str("pid", proc.PID).Msg("Failed to stop unclaimed capture process")
		}
	}
}

func (r *Registry) cleanStalePaths(inv capture.Invoker, now time.Time) {
	if r.cfg.PathRetain <= 0 {
		return
	}
	paths, err := inv.ListWorkingDirs()
	if err != nil {
		log.Warn().Err(err).Msg("Failed to list capture working directories")
		return
	}

	for _, p := range paths {
		id := ClientID(p.ClientID)
		if _, ok := r.sourcesByClient.Load(id); ok {
			continue
		}
		if _, ok := r.pipelines.Load(id); ok {
			continue
		}
		if now.Sub(p.LastModified) < r.cfg.PathRetain {
			continue
		}
		log.Info().Str("path", p.Path).Str("client_id", p.ClientID).Msg("Cleaning stale capture directory")
		if err := inv.Clean(p); err != nil {
			log.Warn().Err(err).Str("path", p.Path).Msg("Failed to clean capture directory")
		}
	}
}
