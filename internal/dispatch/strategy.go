package dispatch

import (
	"fmt"
	"hash/fnv"

	"github.com/quantaxis/qamd/internal/upstream"
)

// Strategy selects which available connection takes a new subscription.
type Strategy int

const (
	RoundRobin Strategy = iota
	LeastConnections
	ConnectionQuality
	HashBased
)

func (s Strategy) String() string {
	switch s {
	case RoundRobin:
		return "round_robin"
	case LeastConnections:
		return "least_connections"
	case ConnectionQuality:
		return "connection_quality"
	case HashBased:
		return "hash_based"
	default:
		return "unknown"
	}
}

// ParseStrategy maps the config string to a Strategy.
func ParseStrategy(s string) (Strategy, error) {
	switch s {
	case "round_robin":
		return RoundRobin, nil
	case "least_connections":
		return LeastConnections, nil
	case "connection_quality":
		return ConnectionQuality, nil
	case "hash_based":
		return HashBased, nil
	default:
		return 0, fmt.Errorf("unknown load balance strategy %q", s)
	}
}

// pick chooses among the available connections. counter is the
// dispatcher's monotonic round-robin counter, incremented by the caller.
func (s Strategy) pick(available []*upstream.Connection, instrumentID string, counter uint64) *upstream.Connection {
	if len(available) == 0 {
		return nil
	}

	switch s {
	case RoundRobin:
		return available[counter%uint64(len(available))]

	case LeastConnections:
		best := available[0]
		for _, conn := range available[1:] {
			if conn.SubscriptionCount() < best.SubscriptionCount() {
				best = conn
			}
		}
		return best

	case HashBased:
		h := fnv.New32a()
		h.Write([]byte(instrumentID))
		return available[h.Sum32()%uint32(len(available))]

	default: // ConnectionQuality
		best := available[0]
		bestScore := qualityScore(best)
		for _, conn := range available[1:] {
			if score := qualityScore(conn); score > bestScore {
				best, bestScore = conn, score
			}
		}
		return best
	}
}

// qualityScore refines the raw quality value with load headroom and
// error pressure. Clamped at zero.
func qualityScore(conn *upstream.Connection) int {
	score := conn.Quality()

	subs := conn.SubscriptionCount()
	maxSubs := conn.Config().MaxSubscriptions
	if subs < maxSubs/2 {
		score += 20
	} else if subs > maxSubs*8/10 {
		score -= 30
	}

	penalty := conn.ErrorCount() * 5
	if penalty > 40 {
		penalty = 40
	}
	score -= penalty

	if score < 0 {
		score = 0
	}
	return score
}
