package server

import (
	"encoding/json"

	"github.com/quantaxis/qamd/internal/jsondiff"
	"github.com/quantaxis/qamd/internal/metrics"
)

type rtnMeta struct {
	AccountID     string `json:"account_id"`
	InsList       string `json:"ins_list"`
	MdhisMoreData bool   `json:"mdhis_more_data"`
}

type rtnFrame struct {
	Aid  string `json:"aid"`
	Data []any  `json:"data"`
}

type fullQuotes struct {
	Quotes map[string]json.RawMessage `json:"quotes"`
}

type diffQuotes struct {
	Quotes map[string]any `json:"quotes"`
}

// handlePeek answers one peek_message. The first answer for a session
// is a full snapshot of its subscribed quotes; afterwards only changed
// fields are sent. When nothing changed the session is parked and the
// next fresh tick re-runs the peek.
//
// Parking must not lose a tick that lands between the cache snapshot
// and the park: the wakeup path only wakes sessions already in pending.
// The park therefore re-checks the cache sequence under s.mu, which the
// wakeup path also takes; a tick before the check forces a re-peek, a
// tick after it finds the session parked.
func (s *Server) handlePeek(sess *session) {
	subs := sess.subscriptions()
	if len(subs) == 0 {
		return
	}

	displays := make([]string, 0, len(subs))
	for _, display := range subs {
		displays = append(displays, display)
	}

	for {
		cached, version := s.cache.SnapshotVersioned(displays)
		if len(cached) == 0 {
			s.sendEmptyRtnData(sess)
			return
		}

		newQuotes := make(map[string]any, len(cached))
		for display, raw := range cached {
			obj, err := jsondiff.Parse(raw)
			if err != nil {
				s.logger.Warn("cached quote unparseable", "instrument", display, "error", err)
				continue
			}
			newQuotes[display] = obj
		}
		if len(newQuotes) == 0 {
			s.sendEmptyRtnData(sess)
			return
		}

		s.mu.Lock()
		old, hasOld := s.lastSent[sess.id]
		s.mu.Unlock()

		if !hasOld {
			s.sendFull(sess, cached, newQuotes)
			return
		}

		diff := jsondiff.Diff(old, newQuotes)
		if len(diff) > 0 {
			frame, err := json.Marshal(rtnFrame{
				Aid:  "rtn_data",
				Data: []any{diffQuotes{Quotes: diff}, rtnMeta{}},
			})
			if err != nil {
				s.logger.Error("marshal diff frame failed", "session_id", sess.id, "error", err)
				return
			}
			sess.enqueue("diff", frame)

			s.mu.Lock()
			s.lastSent[sess.id] = newQuotes
			s.mu.Unlock()
			return
		}

		if s.beforePark != nil {
			s.beforePark()
		}

		s.mu.Lock()
		if s.cache.Version(displays) != version {
			// An update landed after the snapshot; its wakeup cannot have
			// seen us parked, so peek again instead of parking.
			s.mu.Unlock()
			continue
		}
		if _, parked := s.pending[sess.id]; !parked {
			s.pending[sess.id] = struct{}{}
			metrics.PeeksParked.Inc()
		}
		s.mu.Unlock()
		s.logger.Debug("peek parked, no market data change", "session_id", sess.id)
		return
	}
}

// sendFull splices the cached quote bytes straight into the frame, so
// clients see quote fields in their canonical order. The parsed form is
// kept as the diff baseline for the next peek.
func (s *Server) sendFull(sess *session, cached map[string]json.RawMessage, parsed map[string]any) {
	frame, err := json.Marshal(rtnFrame{
		Aid:  "rtn_data",
		Data: []any{fullQuotes{Quotes: cached}, rtnMeta{}},
	})
	if err != nil {
		s.logger.Error("marshal full frame failed", "session_id", sess.id, "error", err)
		return
	}
	sess.enqueue("full", frame)

	s.mu.Lock()
	s.lastSent[sess.id] = parsed
	s.mu.Unlock()
}

// sendEmptyRtnData answers a peek that has subscriptions but no cached
// data yet. The diff baseline is left untouched.
func (s *Server) sendEmptyRtnData(sess *session) {
	frame, err := json.Marshal(rtnFrame{
		Aid:  "rtn_data",
		Data: []any{fullQuotes{Quotes: map[string]json.RawMessage{}}, rtnMeta{}},
	})
	if err != nil {
		s.logger.Error("marshal empty frame failed", "session_id", sess.id, "error", err)
		return
	}
	sess.enqueue("empty", frame)
}
