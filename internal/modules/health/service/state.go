package service

import (
	"sync/atomic"
	"time"
)

// State — атомарный снимок состояния для health-эндпоинтов, обновляется
// циклами раннера.
type State struct {
	ready     atomic.Bool
	startedAt time.Time

	pairsTracked atomic.Int64
	openTrades   atomic.Int64
	lastTickUnix atomic.Int64 // unix seconds
}

func NewState() *State {
	s := &State{startedAt: time.Now()}
	s.ready.Store(false)
	return s
}

func (s *State) SetReady(v bool) { s.ready.Store(v) }
func (s *State) Ready() bool     { return s.ready.Load() }

func (s *State) SetPairsTracked(n int) { s.pairsTracked.Store(int64(n)) }
func (s *State) PairsTracked() int     { return int(s.pairsTracked.Load()) }

func (s *State) SetOpenTrades(n int) { s.openTrades.Store(int64(n)) }
func (s *State) OpenTrades() int     { return int(s.openTrades.Load()) }

func (s *State) TouchTick(t time.Time) { s.lastTickUnix.Store(t.Unix()) }
func (s *State) LastTick() time.Time {
	u := s.lastTickUnix.Load()
	if u == 0 {
		return time.Time{}
	}
	return time.Unix(u, 0)
}

func (s *State) Uptime() time.Duration { return time.Since(s.startedAt) }
