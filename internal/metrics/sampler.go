package metrics

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/gluk-w/cbash/internal/logging"
	"github.com/gluk-w/cbash/internal/store"
	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"
	"github.com/shirou/gopsutil/v4/cpu"
	"github.com/shirou/gopsutil/v4/disk"
	"github.com/shirou/gopsutil/v4/load"
	"github.com/shirou/gopsutil/v4/mem"
)

const (
	// DefaultSchedule samples every ten seconds.
	DefaultSchedule = "@every 10s"
	// HistoryCap is the number of samples kept in the store.
	HistoryCap = 1000
	historyKey = "metrics:system"
	// freshFor is how long Current reuses the last scheduled sample.
	freshFor = 30 * time.Second
)

// Sample is one reading of host load.
type Sample struct {
	Timestamp     time.Time `json:"timestamp"`
	CPUPercent    float64   `json:"cpu_percent"`
	MemoryPercent float64   `json:"memory_percent"`
	MemoryUsed    uint64    `json:"memory_used"`
	MemoryTotal   uint64    `json:"memory_total"`
	DiskPercent   float64   `json:"disk_percent"`
	Load1         float64   `json:"load1"`
}

// Sampler reads host statistics via gopsutil. Scheduled ticks publish to
// the recorder and append to the store history; request handlers read the
// latest sample and never wait for a tick.
type Sampler struct {
	rec      *Recorder
	store    store.Store
	diskPath string
	log      zerolog.Logger

	mu     sync.RWMutex
	latest Sample
	has    bool
}

// NewSampler creates a Sampler. rec and st may be nil.
func NewSampler(rec *Recorder, st store.Store) *Sampler {
	return &Sampler{
		rec:      rec,
		store:    st,
		diskPath: "/",
		log:      logging.For("metrics"),
	}
}

// Collect reads the host statistics now. Individual read failures are
// logged and leave the field at zero.
func (s *Sampler) Collect(ctx context.Context) Sample {
	out := Sample{Timestamp: time.Now().UTC()}

	if pcts, err := cpu.PercentWithContext(ctx, 0, false); err != nil {
		s.log.Debug().Err(err).Msg("cpu read failed")
	} else if len(pcts) > 0 {
		out.CPUPercent = pcts[0]
	}
	if vm, err := mem.VirtualMemoryWithContext(ctx); err != nil {
		s.log.Debug().Err(err).Msg("memory read failed")
	} else {
		out.MemoryPercent = vm.UsedPercent
		out.MemoryUsed = vm.Used
		out.MemoryTotal = vm.Total
	}
	if du, err := disk.UsageWithContext(ctx, s.diskPath); err != nil {
		s.log.Debug().Err(err).Msg("disk read failed")
	} else {
		out.DiskPercent = du.UsedPercent
	}
	if avg, err := load.AvgWithContext(ctx); err != nil {
		s.log.Debug().Err(err).Msg("load read failed")
	} else {
		out.Load1 = avg.Load1
	}
	return out
}

// Tick takes one sample and publishes it.
func (s *Sampler) Tick(ctx context.Context) Sample {
	sample := s.Collect(ctx)

	s.mu.Lock()
	s.latest = sample
	s.has = true
	s.mu.Unlock()

	if s.rec != nil {
		s.rec.SetSystem(sample)
	}
	if s.store != nil {
		data, err := json.Marshal(sample)
		if err == nil {
			err = s.store.PushCapped(ctx, historyKey, data, HistoryCap)
		}
		if err != nil {
			s.log.Warn().Err(err).Msg("failed to persist system sample")
		}
	}
	return sample
}

// Latest returns the most recent scheduled sample.
func (s *Sampler) Latest() (Sample, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.latest, s.has
}

// Current returns the latest sample if it is recent, otherwise a fresh one.
func (s *Sampler) Current(ctx context.Context) Sample {
	if latest, ok := s.Latest(); ok && time.Since(latest.Timestamp) < freshFor {
		return latest
	}
	return s.Collect(ctx)
}

// History returns up to n stored samples, oldest first.
func (s *Sampler) History(ctx context.Context, n int) ([]Sample, error) {
	if s.store == nil {
		return []Sample{}, nil
	}
	raw, err := s.store.Range(ctx, historyKey, n)
	if err != nil {
		return nil, err
	}
	out := make([]Sample, 0, len(raw))
	for i := len(raw) - 1; i >= 0; i-- {
		var sample Sample
		if err := json.Unmarshal(raw[i], &sample); err != nil {
			continue
		}
		out = append(out, sample)
	}
	return out, nil
}

// Schedule registers the sampler on c. An empty spec selects
// DefaultSchedule.
func (s *Sampler) Schedule(c *cron.Cron, spec string) (cron.EntryID, error) {
	if spec == "" {
		spec = DefaultSchedule
	}
	return c.AddFunc(spec, func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		s.Tick(ctx)
	})
}
