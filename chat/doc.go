// Package chat runs the bot's Twitch chat session.
//
// A Manager validates credentials, connects through a Transport (go-twitch-irc in
// production) and joins the configured channels. Join, part, message, host and
// hosted notifications are normalized into Event values, queued in arrival order
// and handed to a Sink on tracked goroutines so a slow sink never stalls the
// connection. When the server rejects the token and a refresher is configured, the
// Manager refreshes and reconnects a bounded number of times.
package chat
