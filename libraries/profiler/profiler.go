// Package profiler periodically samples CPU usage and logs the hottest
// functions, so long sync runs can be diagnosed from their logs alone.
package profiler

import (
	"bytes"
	"fmt"
	"io"
	"runtime"
	"runtime/pprof"
	"sort"
	"time"

	"github.com/google/pprof/profile"
	"github.com/greymass/dualsink/libraries/logger"
)

type Config struct {
	Name     string        // Label for the log header (e.g., "dualsink")
	Interval time.Duration // Length of each sampled window (default: 60s)
	TopN     int           // Functions listed per window (default: 20)
	Category string        // Log category (default: "profiler")
}

type Profiler struct {
	cfg  Config
	stop chan struct{}
	done chan struct{}
}

// Start samples back-to-back windows of cfg.Interval until Stop.
func Start(cfg Config) *Profiler {
	if cfg.Interval <= 0 {
		cfg.Interval = 60 * time.Second
	}
	if cfg.TopN <= 0 {
		cfg.TopN = 20
	}
	if cfg.Category == "" {
		cfg.Category = "profiler"
	}
	p := &Profiler{cfg: cfg, stop: make(chan struct{}), done: make(chan struct{})}
	logger.Printf(cfg.Category, "Starting periodic CPU profiling every %v", cfg.Interval)
	go p.loop()
	return p
}

func (p *Profiler) Stop() {
	select {
	case <-p.stop:
	default:
		close(p.stop)
	}
	<-p.done
}

func (p *Profiler) loop() {
	defer close(p.done)
	for {
		sum, err := p.sample()
		if err != nil {
			logger.Printf(p.cfg.Category, "CPU profile failed: %v", err)
		} else if sum != nil {
			sum.Log(p.cfg.Category, p.cfg.Name, p.cfg.TopN)
		}
		select {
		case <-p.stop:
			return
		default:
		}
	}
}

// sample records one window. A window cut short by Stop is still reported.
func (p *Profiler) sample() (*Summary, error) {
	var buf bytes.Buffer
	if err := pprof.StartCPUProfile(&buf); err != nil {
		return nil, err
	}
	start := time.Now()
	t := time.NewTimer(p.cfg.Interval)
	select {
	case <-t.C:
	case <-p.stop:
		t.Stop()
	}
	pprof.StopCPUProfile()

	if buf.Len() == 0 {
		return nil, nil
	}
	sum, err := Summarize(&buf)
	if err != nil {
		return nil, err
	}
	sum.Window = time.Since(start)
	return sum, nil
}

type FuncSample struct {
	Name string
	Flat time.Duration
	Pct  float64
}

// Summary is a flat (self time) view of one CPU profile.
type Summary struct {
	Window    time.Duration
	Total     time.Duration
	Functions []FuncSample
}

// Summarize attributes each sample to its leaf function and sorts functions
// by self time, highest first.
func Summarize(r io.Reader) (*Summary, error) {
	prof, err := profile.Parse(r)
	if err != nil {
		return nil, fmt.Errorf("parse profile: %w", err)
	}

	period := int64(time.Millisecond)
	if len(prof.SampleType) > 0 && prof.SampleType[0].Unit == "nanoseconds" && prof.Period > 0 {
		period = prof.Period
	}
	// CPU profiles carry a nanoseconds value. Count-only profiles are scaled
	// by the period.
	valueIndex, isTime := 0, false
	for i, st := range prof.SampleType {
		if st.Unit == "nanoseconds" {
			valueIndex, isTime = i, true
		}
	}

	flat := make(map[string]int64)
	var total int64
	for _, s := range prof.Sample {
		if len(s.Value) <= valueIndex {
			continue
		}
		v := s.Value[valueIndex]
		if !isTime {
			v *= period
		}
		total += v
		if len(s.Location) == 0 || len(s.Location[0].Line) == 0 || s.Location[0].Line[0].Function == nil {
			continue
		}
		flat[s.Location[0].Line[0].Function.Name] += v
	}

	sum := &Summary{Total: time.Duration(total)}
	for name, v := range flat {
		fs := FuncSample{Name: name, Flat: time.Duration(v)}
		if total > 0 {
			fs.Pct = float64(v) / float64(total) * 100
		}
		sum.Functions = append(sum.Functions, fs)
	}
	sort.Slice(sum.Functions, func(i, j int) bool {
		a, b := sum.Functions[i], sum.Functions[j]
		if a.Flat != b.Flat {
			return a.Flat > b.Flat
		}
		return a.Name < b.Name
	})
	return sum, nil
}

func (s *Summary) Log(category, name string, topN int) {
	var m runtime.MemStats
	runtime.ReadMemStats(&m)

	logger.Printf(category, "CPU profile %s: %v sampled over %v | goroutines %d | heap %s | gc %d",
		name, s.Total.Round(time.Millisecond), s.Window.Round(time.Millisecond),
		runtime.NumGoroutine(), logger.FormatBytes(int64(m.Alloc)), m.NumGC)
	var cum float64
	for i, fn := range s.Functions {
		if i == topN {
			break
		}
		cum += fn.Pct
		logger.Printf(category, "%10v %6.2f%% %6.2f%%  %s", fn.Flat.Round(time.Microsecond), fn.Pct, cum, fn.Name)
	}
}
