// Package remote implements the daemon's administrative control channel.
//
// The channel is a unix socket carrying newline terminated JSON. On connect
// the server sends {"version": "..."}; each request line
// {"command": name, "params": {...}} is answered with
// {"status": "ok", "response": {...}} or {"status": "failed", "error": ...}.
package remote
