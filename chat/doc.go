// Package chat owns the Twitch chat session.
//
// Manager wraps a Transport (go-twitch-irc in production) and is the only
// place that binds transport callbacks. The binding happens once per Manager,
// no matter how many times Connect is called, so a reconnect can never make a
// single chat line reach the Handler twice.
//
// Inbound messages are routed to per-channel lanes: each joined channel gets a
// buffered queue drained by one goroutine, so a channel's messages are handled
// in the order the transport delivered them while different channels proceed
// concurrently. Messages from the bot itself are dropped before routing.
//
// Moderation (ban/unban) is fire-and-forget: the action runs in the background
// with a bounded timeout and its outcome is logged and counted.
package chat
