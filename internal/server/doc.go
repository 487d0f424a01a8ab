// Package server implements the HTTP and WebSocket surface of nexushub.
//
// Three WebSocket namespaces share one hub: the chat namespace carries global
// chat and channel events, and the two stats namespaces carry periodic
// snapshots. Inbound events are decoded into envelopes and run by the
// Dispatcher against the identity, chat log and channel stores; store change
// hooks publish the resulting broadcasts through the Hub.
package server
