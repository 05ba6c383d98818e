package server

import (
	"encoding/json"
	"strings"
	"time"
)

type welcomeFrame struct {
	Type         string `json:"type"`
	Message      string `json:"message"`
	SessionID    string `json:"session_id"`
	CTPConnected bool   `json:"ctp_connected"`
	Timestamp    int64  `json:"timestamp"`
}

type subscribeQuoteAck struct {
	Aid    string `json:"aid"`
	Status string `json:"status"`
}

type subscriptionResponse struct {
	Type            string `json:"type"`
	Status          string `json:"status"`
	SubscribedCount int    `json:"subscribed_count"`
}

type instrumentListResponse struct {
	Type        string   `json:"type"`
	Instruments []string `json:"instruments"`
	Count       int      `json:"count"`
}

type searchResultResponse struct {
	Type        string   `json:"type"`
	Pattern     string   `json:"pattern"`
	Instruments []string `json:"instruments"`
	Count       int      `json:"count"`
}

type errorFrame struct {
	Type      string `json:"type"`
	Message   string `json:"message"`
	Timestamp int64  `json:"timestamp"`
}

func (s *Server) sendWelcome(sess *session) {
	s.sendJSON(sess, "welcome", welcomeFrame{
		Type:         "welcome",
		Message:      "Connected to QuantAxis MarketData Server",
		SessionID:    sess.id,
		CTPConnected: s.pool.ActiveCount() > 0,
		Timestamp:    time.Now().UnixMilli(),
	})
}

func (s *Server) sendError(sess *session, message string) {
	s.sendJSON(sess, "error", errorFrame{
		Type:      "error",
		Message:   message,
		Timestamp: time.Now().UnixMilli(),
	})
}

func (s *Server) sendJSON(sess *session, kind string, v any) {
	frame, err := json.Marshal(v)
	if err != nil {
		s.logger.Error("marshal frame failed", "kind", kind, "error", err)
		return
	}
	sess.enqueue(kind, frame)
}

// handleMessage routes one inbound message. Messages carrying an "aid"
// use the mdservice protocol; everything else needs an "action".
func (s *Server) handleMessage(sess *session, data []byte) {
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(data, &fields); err != nil {
		s.sendError(sess, "Invalid JSON format")
		return
	}

	if raw, ok := fields["aid"]; ok {
		var aid string
		if json.Unmarshal(raw, &aid) == nil {
			switch aid {
			case "subscribe_quote":
				s.handleSubscribeQuote(sess, fields)
				return
			case "peek_message":
				s.handlePeek(sess)
				return
			}
		}
	}

	actionRaw, ok := fields["action"]
	var action string
	if !ok || json.Unmarshal(actionRaw, &action) != nil {
		s.sendError(sess, "Missing or invalid 'action' field")
		return
	}

	switch action {
	case "subscribe":
		s.handleSubscribe(sess, fields)
	case "unsubscribe":
		s.handleUnsubscribe(sess, fields)
	case "list_instruments":
		s.handleListInstruments(sess)
	case "search_instruments":
		s.handleSearchInstruments(sess, fields)
	default:
		s.sendError(sess, "Unknown action: "+action)
	}
}

// handleSubscribeQuote serves the mdservice subscription: a comma
// separated ins_list of exchange-prefixed ids. The prefix is stripped
// before the upstream subscribe and remembered so ticks come back under
// the name the client used. The set is additive across requests.
func (s *Server) handleSubscribeQuote(sess *session, fields map[string]json.RawMessage) {
	raw, ok := fields["ins_list"]
	var insList string
	if !ok || json.Unmarshal(raw, &insList) != nil {
		s.sendError(sess, "Missing or invalid 'ins_list' field")
		return
	}

	for _, display := range strings.Split(insList, ",") {
		if display == "" {
			continue
		}
		rawID := display
		if i := strings.Index(display, "."); i >= 0 {
			rawID = display[i+1:]
		}

		sess.subscribe(rawID, display)

		s.mu.Lock()
		s.displays[rawID] = display
		if s.subscribers[display] == nil {
			s.subscribers[display] = make(map[string]struct{})
		}
		s.subscribers[display][sess.id] = struct{}{}
		s.mu.Unlock()

		s.addUpstream(sess, rawID)
	}

	s.sendJSON(sess, "ack", subscribeQuoteAck{Aid: "subscribe_quote", Status: "ok"})
}

func (s *Server) handleSubscribe(sess *session, fields map[string]json.RawMessage) {
	ids, ok := instrumentsField(fields)
	if !ok {
		s.sendError(sess, "Missing or invalid 'instruments' field")
		return
	}

	for _, id := range ids {
		sess.subscribe(id, id)

		s.mu.Lock()
		if s.subscribers[id] == nil {
			s.subscribers[id] = make(map[string]struct{})
		}
		s.subscribers[id][sess.id] = struct{}{}
		s.mu.Unlock()

		s.addUpstream(sess, id)
	}

	s.sendJSON(sess, "response", subscriptionResponse{
		Type:            "subscribe_response",
		Status:          "success",
		SubscribedCount: sess.subscriptionCount(),
	})
}

func (s *Server) handleUnsubscribe(sess *session, fields map[string]json.RawMessage) {
	ids, ok := instrumentsField(fields)
	if !ok {
		s.sendError(sess, "Missing or invalid 'instruments' field")
		return
	}

	for _, id := range ids {
		display, had := sess.unsubscribe(id)
		if !had {
			continue
		}

		s.mu.Lock()
		if set, ok := s.subscribers[display]; ok {
			delete(set, sess.id)
			if len(set) == 0 {
				delete(s.subscribers, display)
			}
		}
		s.mu.Unlock()

		s.dispatcher.RemoveSubscription(sess.id, id)
	}

	s.sendJSON(sess, "response", subscriptionResponse{
		Type:            "unsubscribe_response",
		Status:          "success",
		SubscribedCount: sess.subscriptionCount(),
	})
}

func (s *Server) handleListInstruments(sess *session) {
	ids := make([]string, 0)
	if s.catalogue != nil {
		ids = append(ids, s.catalogue.List()...)
	}
	s.sendJSON(sess, "response", instrumentListResponse{
		Type:        "instrument_list",
		Instruments: ids,
		Count:       len(ids),
	})
}

func (s *Server) handleSearchInstruments(sess *session, fields map[string]json.RawMessage) {
	raw, ok := fields["pattern"]
	var pattern string
	if !ok || json.Unmarshal(raw, &pattern) != nil {
		s.sendError(sess, "Missing or invalid 'pattern' field")
		return
	}

	ids := make([]string, 0)
	if s.catalogue != nil {
		ids = append(ids, s.catalogue.Search(pattern)...)
	}
	s.sendJSON(sess, "response", searchResultResponse{
		Type:        "search_result",
		Pattern:     pattern,
		Instruments: ids,
		Count:       len(ids),
	})
}

// addUpstream forwards one subscription to the dispatcher. A rejection
// is logged, not surfaced: the dispatcher retries on its own and the
// client keeps its local subscription either way.
func (s *Server) addUpstream(sess *session, rawID string) {
	if err := s.dispatcher.AddSubscription(sess.id, rawID); err != nil {
		s.logger.Warn("upstream subscribe deferred", "instrument", rawID, "session_id", sess.id, "error", err)
	}
}

// instrumentsField extracts the instruments array, tolerating non-string
// entries the way the wire protocol always has.
func instrumentsField(fields map[string]json.RawMessage) ([]string, bool) {
	raw, ok := fields["instruments"]
	if !ok {
		return nil, false
	}
	var entries []any
	if json.Unmarshal(raw, &entries) != nil {
		return nil, false
	}
	ids := make([]string, 0, len(entries))
	for _, e := range entries {
		if id, ok := e.(string); ok {
			ids = append(ids, id)
		}
	}
	return ids, true
}
