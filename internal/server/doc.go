// Package server is the client-facing WebSocket front of the market
// data service. Each session speaks two protocols over one connection:
// the mdservice protocol ("aid": subscribe_quote / peek_message /
// rtn_data) and the action protocol ("action": subscribe, unsubscribe,
// list_instruments, search_instruments).
//
// Delivery is peek-driven. A session asks for data with peek_message;
// the first answer is a full snapshot of its subscribed quotes, later
// answers carry only the fields that changed since the last frame. A
// peek that finds nothing changed is parked until a fresh tick for one
// of the session's instruments wakes it up.
package server
