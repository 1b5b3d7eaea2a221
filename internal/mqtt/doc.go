// Package mqtt mirrors MIMIR's operational events to an MQTT broker so
// dashboards and home automation can follow what the assistant is
// doing: when a turn starts and ends, which tools run, how many tokens
// the day has used.
//
// The publisher uses Eclipse Paho v2's [autopaho] package for
// connection management with automatic reconnection. On every
// (re-)connect it publishes a retained "online" birth message to the
// availability topic; a will message flips it to "offline" on unexpected
// disconnects. Events are published as they happen and a retained
// state summary is refreshed periodically.
package mqtt
