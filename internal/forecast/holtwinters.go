// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0

// Package forecast implements an online additive Holt-Winters model with an
// exogenous net-rate regressor, sampled at one-minute granularity. The model
// owns its mutex and is never called while the space lock is held.
package forecast

import (
	"math"
	"sync"
	"time"

	"github.com/ManuGH/spacegate/internal/metrics"
	"github.com/ManuGH/spacegate/internal/occupancy/model"
)

// Config holds the smoothing constants.
type Config struct {
	Alpha        float64 // level
	Gamma        float64 // trend
	Delta        float64 // seasonal
	Eta          float64 // exogenous weight learning rate
	SeasonLength int     // seasonal cycle in minutes
	Window       int     // retained observations for the outlier guard
}

// DefaultConfig returns the standard smoothing constants: a one-hour
// seasonal cycle with a 500-observation outlier window.
func DefaultConfig() Config {
	return Config{
		Alpha:        0.3,
		Gamma:        0.1,
		Delta:        0.3,
		Eta:          0.01,
		SeasonLength: 60,
		Window:       500,
	}
}

// Point is one forecast step.
type Point struct {
	Minute     time.Time `json:"minute"`
	Occupancy  int       `json:"occupancy"`
	Confidence float64   `json:"confidence"`
}

// State is a snapshot of the model internals, exposed to operators.
type State struct {
	Level        float64   `json:"level"`
	Trend        float64   `json:"trend"`
	Beta         float64   `json:"beta"`
	Season       []float64 `json:"season"`
	Observations int       `json:"observations"`
	LastNetRate  float64   `json:"last_net_rate"`
}

// Model is the online forecaster. Sub-minute observations collapse into the
// latest value of their minute bucket; a bucket is committed through the
// update equations when a later bucket arrives.
type Model struct {
	mu  sync.Mutex
	cfg Config

	level       float64
	trend       float64
	beta        float64
	season      []float64
	lastX       float64
	n           int
	initialized bool

	recent []float64 // committed clipped observations, capped at cfg.Window

	pendingMinute time.Time
	pendingY      float64
	pendingX      float64
	hasPending    bool
}

// New returns an empty model.
func New(cfg Config) *Model {
	if cfg.SeasonLength <= 0 {
		cfg.SeasonLength = 60
	}
	if cfg.Window <= 0 {
		cfg.Window = 500
	}
	return &Model{
		cfg:    cfg,
		season: make([]float64, cfg.SeasonLength),
	}
}

// Observe records an occupancy sample with its net rate. maxCap bounds the
// outlier clipping.
func (m *Model) Observe(t time.Time, occupancy, netRate float64, maxCap int) {
	m.mu.Lock()
	defer m.mu.Unlock()

	bucket := t.Truncate(time.Minute)
	if m.hasPending && bucket.After(m.pendingMinute) {
		m.commitLocked(m.pendingMinute, m.pendingY, m.pendingX, maxCap)
	}
	m.pendingMinute = bucket
	m.pendingY = occupancy
	m.pendingX = netRate
	m.hasPending = true
}

// Forecast returns k one-minute steps ahead of now. It first commits a
// pending bucket whose minute has passed so forecasts reflect the newest
// committed state.
func (m *Model) Forecast(now time.Time, k int, maxCap int) []Point {
	if k < 1 {
		k = 1
	}
	if k > 60 {
		k = 60
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if m.hasPending && now.Truncate(time.Minute).After(m.pendingMinute) {
		m.commitLocked(m.pendingMinute, m.pendingY, m.pendingX, maxCap)
		m.hasPending = false
	}

	out := make([]Point, 0, k)
	for j := 1; j <= k; j++ {
		at := now.Add(time.Duration(j) * time.Minute)
		v := m.level + float64(j)*m.trend + m.season[m.seasonIndex(at)] + m.beta*m.lastX
		if v < 0 {
			v = 0
		}
		if v > float64(maxCap) {
			v = float64(maxCap)
		}
		out = append(out, Point{
			Minute:     at.Truncate(time.Minute),
			Occupancy:  int(math.Round(v)),
			Confidence: math.Max(0.1, math.Exp(-float64(j)/30)),
		})
	}
	return out
}

// WarmStart resets the model and replays a batch of historical observations:
// level from the mean of the first ten, trend from the overall slope,
// seasonal terms from mean deviations, then every observation through the
// update rule. Returns the number of observations replayed.
func (m *Model) WarmStart(obs []model.Observation, maxCap int) int {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.level, m.trend, m.beta, m.lastX = 0, 0, 0, 0
	m.season = make([]float64, m.cfg.SeasonLength)
	m.recent = nil
	m.n = 0
	m.hasPending = false
	m.initialized = false

	if len(obs) == 0 {
		return 0
	}

	head := len(obs)
	if head > 10 {
		head = 10
	}
	var sum float64
	for _, o := range obs[:head] {
		sum += o.Occupancy
	}
	m.level = sum / float64(head)
	m.trend = (obs[len(obs)-1].Occupancy - obs[0].Occupancy) / float64(len(obs))

	devSum := make([]float64, m.cfg.SeasonLength)
	devCount := make([]int, m.cfg.SeasonLength)
	for _, o := range obs {
		i := m.seasonIndex(o.Minute)
		devSum[i] += o.Occupancy - m.level
		devCount[i]++
	}
	for i := range m.season {
		if devCount[i] > 0 {
			m.season[i] = devSum[i] / float64(devCount[i])
		}
	}
	m.initialized = true

	for _, o := range obs {
		m.commitLocked(o.Minute, o.Occupancy, o.NetRate(), maxCap)
	}
	return len(obs)
}

// State returns a copy of the model internals.
func (m *Model) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return State{
		Level:        m.level,
		Trend:        m.trend,
		Beta:         m.beta,
		Season:       append([]float64(nil), m.season...),
		Observations: m.n,
		LastNetRate:  m.lastX,
	}
}

func (m *Model) seasonIndex(t time.Time) int {
	idx := int((t.Unix() / 60) % int64(m.cfg.SeasonLength))
	if idx < 0 {
		idx += m.cfg.SeasonLength
	}
	return idx
}

func (m *Model) commitLocked(minute time.Time, y, x float64, maxCap int) {
	yc := m.clipLocked(y, maxCap)

	if !m.initialized {
		m.level = yc
		m.initialized = true
		m.retainLocked(yc)
		m.lastX = x
		m.n++
		metrics.ForecastUpdatesTotal.Inc()
		return
	}

	i := m.seasonIndex(minute)
	prevLevel := m.level
	predicted := m.level + m.trend + m.season[i] + m.beta*x
	err := yc - predicted

	m.level = m.cfg.Alpha*(yc-m.season[i]-m.beta*x) + (1-m.cfg.Alpha)*(prevLevel+m.trend)
	m.trend = m.cfg.Gamma*(m.level-prevLevel) + (1-m.cfg.Gamma)*m.trend
	m.season[i] = m.cfg.Delta*(yc-m.level-m.beta*x) + (1-m.cfg.Delta)*m.season[i]
	m.beta = clamp(m.beta+m.cfg.Eta*err*x, 0, 1)

	m.lastX = x
	m.retainLocked(yc)
	m.n++
	metrics.ForecastUpdatesTotal.Inc()
	metrics.ForecastBeta.Set(m.beta)
}

// clipLocked applies the outlier guard: with at least 10 retained
// observations the sample is clipped to mean±3σ intersected with
// [0, maxCap], otherwise just to [0, maxCap].
func (m *Model) clipLocked(y float64, maxCap int) float64 {
	lo, hi := 0.0, float64(maxCap)
	if len(m.recent) >= 10 {
		mean, sigma := meanStddev(m.recent)
		if l := mean - 3*sigma; l > lo {
			lo = l
		}
		if h := mean + 3*sigma; h < hi {
			hi = h
		}
	}
	clipped := clamp(y, lo, hi)
	if clipped != y {
		metrics.ForecastClippedTotal.Inc()
	}
	return clipped
}

func (m *Model) retainLocked(y float64) {
	m.recent = append(m.recent, y)
	if len(m.recent) > m.cfg.Window {
		m.recent = m.recent[len(m.recent)-m.cfg.Window:]
	}
}

func meanStddev(xs []float64) (float64, float64) {
	var sum float64
	for _, x := range xs {
		sum += x
	}
	mean := sum / float64(len(xs))
	var sq float64
	for _, x := range xs {
		d := x - mean
		sq += d * d
	}
	return mean, math.Sqrt(sq / float64(len(xs)))
}

func clamp(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
