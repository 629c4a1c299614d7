package aggregator

import (
	"sort"

	"quoteflow/models"
)

type candidate struct {
	accountID string
	priority  int
}

// route is the routing table entry for one symbol: the priority-ordered
// candidate accounts and the subset currently accepted to forward. Every
// healthy candidate is accepted concurrently; acceptance is recomputed on
// each health transition, never per tick.
type route struct {
	symbol     string
	candidates []candidate
	accepted   map[string]bool
	dedup      *dedupWindow

	// starved marks that a no-healthy-source condition was signaled and
	// not yet cleared by a recovery.
	starved bool
}

func (r *route) recompute(healthy map[string]bool) {
	accepted := make(map[string]bool, len(r.candidates))
	for _, c := range r.candidates {
		if healthy[c.accountID] {
			accepted[c.accountID] = true
		}
	}
	r.accepted = accepted
}

func (r *route) hasCandidate(accountID string) bool {
	for _, c := range r.candidates {
		if c.accountID == accountID {
			return true
		}
	}
	return false
}

func (r *route) snapshot() models.RouteSnapshot {
	snap := models.RouteSnapshot{
		Symbol:     r.symbol,
		Candidates: make([]string, 0, len(r.candidates)),
		Accepted:   make([]string, 0, len(r.accepted)),
	}
	for _, c := range r.candidates {
		snap.Candidates = append(snap.Candidates, c.accountID)
	}
	for accountID := range r.accepted {
		snap.Accepted = append(snap.Accepted, accountID)
	}
	sort.Strings(snap.Accepted)
	return snap
}

// buildRoutes folds the account list into one route per subscribed symbol,
// candidates ordered by priority (ties broken by account id for a stable
// order).
func buildRoutes(accounts []models.Account, newWindow func() *dedupWindow) map[string]*route {
	routes := make(map[string]*route)
	for _, account := range accounts {
		if !account.Enabled {
			continue
		}
		for _, symbol := range account.Symbols {
			r, ok := routes[symbol]
			if !ok {
				r = &route{
					symbol:   symbol,
					accepted: make(map[string]bool),
					dedup:    newWindow(),
				}
				routes[symbol] = r
			}
			r.candidates = append(r.candidates, candidate{accountID: account.ID, priority: account.Priority})
		}
	}
	for _, r := range routes {
		sort.Slice(r.candidates, func(i, j int) bool {
			if r.candidates[i].priority != r.candidates[j].priority {
				return r.candidates[i].priority < r.candidates[j].priority
			}
			return r.candidates[i].accountID < r.candidates[j].accountID
		})
	}
	return routes
}
