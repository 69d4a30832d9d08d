package service

import (
	"context"
	"time"

	"go.uber.org/zap"

	"wotscan/internal/netopt"
)

const rediscoverTimeout = 2 * time.Minute

// startRediscover periodically discovers the configured endpoints so their
// well-known documents and Thing Descriptions stay warm in the cache.
func (s *Service) startRediscover() {
	endpoints := s.cfg.Discovery.Endpoints
	if len(endpoints) == 0 {
		return
	}

	initDelay := s.cfg.InitialDelay()
	period := s.cfg.RediscoverEvery()

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()

		if initDelay > 0 {
			select {
			case <-s.stopCh:
				return
			case <-time.After(initDelay):
			}
		}

		runOnce := func() {
			ctx, cancel := context.WithTimeout(context.Background(), rediscoverTimeout)
			defer cancel()
			s.rediscoverOnce(ctx, endpoints)
		}

		runOnce()
		if period <= 0 {
			return
		}

		t := time.NewTicker(period)
		defer t.Stop()
		for {
			select {
			case <-s.stopCh:
				return
			case <-t.C:
				runOnce()
			}
		}
	}()
}

func (s *Service) rediscoverOnce(ctx context.Context, endpoints []string) {
	res, err := s.engine.DiscoverThings(ctx, endpoints, nil)
	if err != nil {
		s.log.Warn("rediscover failed", zap.Error(err))
		return
	}
	queued := s.engine.PrefetchPlaceholders(res.Discovered)
	s.log.Info("rediscover",
		zap.Int("endpoints", len(endpoints)),
		zap.Int("discovered", len(res.Discovered)),
		zap.Int("errors", len(res.Errors)),
		zap.Int("prefetch_queued", queued),
		zap.Bool("cancelled", res.Cancelled),
	)
	for _, e := range res.Errors {
		s.log.Debug("rediscover endpoint failed", zap.String("url", e.URL), zap.String("error", e.Message))
	}
}

func (s *Service) statsLoop(every time.Duration) {
	t := time.NewTicker(every)
	defer t.Stop()
	for {
		select {
		case <-s.stopCh:
			return
		case <-t.C:
			s.logStats()
		}
	}
}

func (s *Service) logStats() {
	st := s.opt.Stats()
	diskEntries, diskBytes := s.opt.DiskUsage()
	fields := []zap.Field{
		zap.String("network", st.String()),
		zap.Int("cache_entries", s.opt.Cache().Len()),
		zap.Int("disk_entries", diskEntries),
		zap.String("disk_usage", netopt.FormatBytes(uint64(diskBytes))),
		zap.Int("pending", s.opt.PendingCount()),
	}
	if mem, ok := processMemory(); ok {
		fields = append(fields, zap.String("rss", netopt.FormatBytes(mem.RSS)))
		if mem.Anonymous > 0 {
			fields = append(fields,
				zap.String("rss_anon", netopt.FormatBytes(mem.Anonymous)),
				zap.String("rss_file", netopt.FormatBytes(mem.FileBacked)),
			)
		}
	}
	s.log.Info("stats", fields...)
}
