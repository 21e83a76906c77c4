// Package server is the network edge of roomchat.
//
// It upgrades browser connections to websockets, turns each one into a
// Client whose read pump decodes {"event","data"} frames into session calls
// and whose write pump drains frames queued by the dispatch hub. Alongside
// the websocket endpoint it serves a small read-only JSON API over rooms,
// rosters and history, health endpoints and a browser test page.
//
// Configuration comes from defaults, an optional YAML file and environment
// variables, in that order.
package server
