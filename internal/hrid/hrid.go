// Package hrid draws short display ids for runs from a configured pool.
// Ids are not unique; they exist for display and grouping only.
package hrid

import (
	"math/rand"
)

// Pool picks from a client-specific pool when one exists, falling back to
// the global pool, and finally to a fixed placeholder.
type Pool struct {
	global    []string
	perClient map[string][]string
}

func NewPool(global []string, perClient map[string][]string) *Pool {
	return &Pool{global: global, perClient: perClient}
}

// Draw returns a random id for the named client.
func (p *Pool) Draw(client string) string {
	pool := p.global
	if ids, ok := p.perClient[client]; ok && len(ids) > 0 {
		pool = ids
	}
	if len(pool) == 0 {
		return "run"
	}
	return pool[rand.Intn(len(pool))]
}
