// Package gateway holds the two callback slots the decoder drives: level
// reports and sentence fragments.
package gateway

import "sync"

// LevelFunc receives one signal level report. level is in percent.
type LevelFunc func(level float32, channel int, tooHigh bool)

// SentenceFunc receives one decoded fragment. total is the declared fragment
// count and index the 1-based position; only text[:length] is payload.
type SentenceFunc func(text string, length uint, total, index uint8)

// Gateway is the sole inbound interface from the decoder into the relay.
// Each slot holds at most one handler; registering again replaces it and a
// nil handler empties the slot. Deliveries are serialized, so handlers run
// one at a time in call order and must not block indefinitely.
type Gateway struct {
	slotMu   sync.RWMutex
	level    LevelFunc
	sentence SentenceFunc

	callMu sync.Mutex
}

// New returns a gateway with both slots empty.
func New() *Gateway { return &Gateway{} }

// OnLevel registers the level handler.
func (g *Gateway) OnLevel(fn LevelFunc) { g.slotMu.Lock(); g.level = fn; g.slotMu.Unlock() }

// OnSentence registers the fragment handler.
func (g *Gateway) OnSentence(fn SentenceFunc) { g.slotMu.Lock(); g.sentence = fn; g.slotMu.Unlock() }

// Level delivers a level report. It reports whether a handler was registered.
func (g *Gateway) Level(level float32, channel int, tooHigh bool) bool {
	g.slotMu.RLock()
	fn := g.level
	g.slotMu.RUnlock()
	if fn == nil {
		return false
	}
	g.callMu.Lock()
	defer g.callMu.Unlock()
	fn(level, channel, tooHigh)
	return true
}

// Sentence delivers a fragment. It reports whether a handler was registered.
func (g *Gateway) Sentence(text string, length uint, total, index uint8) bool {
	g.slotMu.RLock()
	fn := g.sentence
	g.slotMu.RUnlock()
	if fn == nil {
		return false
	}
	g.callMu.Lock()
	defer g.callMu.Unlock()
	fn(text, length, total, index)
	return true
}
