// Package kephasgate provides a resumable client for JSON websocket gateways.
//
// A Gateway keeps one long-lived session alive across transport failures. It
// performs the Hello/Identify handshake, sends heartbeats, republishes every
// decoded frame on a channel and recovers from dropped connections by
// resuming the session where possible and re-identifying otherwise.
//
// # Quick Start
//
//	import (
//	    "github.com/luciancaetano/kephasgate/ws"
//	)
//
//	cfg := ws.DefaultConfig(token, ws.IntentGuilds|ws.IntentGuildMessages)
//	gw := ws.New(cfg)
//
//	if err := gw.Connect(ctx, ws.GatewayURL("wss://gateway.example"), nil); err != nil {
//	    log.Fatal(err)
//	}
//	defer gw.Disconnect(ctx)
//
//	for p := range gw.Events() {
//	    if p.Event == "MESSAGE_CREATE" {
//	        // p.Raw holds the event body
//	    }
//	}
//
// # Protocol Format
//
// Every frame is a JSON object:
//
//	{"op": int, "d": any, "s": int|null, "t": string|null}
//
// The first frame on a connection is Hello (op 10) with the heartbeat
// interval. The client answers with Identify (op 2), or with Resume (op 6)
// when it reconnects to a resume_gateway_url announced by READY.
//
// # Recovery
//
// Close codes 4000-4003 and 4005-4009 and abnormal closures resume the
// session. 4004 and 4010-4014 are final: the Gateway stops and Events is
// closed. Everything else re-identifies on the original URL.
//
// A heartbeat that is still unacknowledged when the next one is due marks
// the connection as a zombie and triggers a resume.
//
// # Rate Limiting
//
// All outbound frames (heartbeats, Identify, Resume, presence updates and
// Write calls) share one budget of 120 frames per 60 second window. Writers
// block until the next window instead of being rejected. Identify is
// additionally spaced by ws.Config.IdentifyInterval.
//
// # Important
//
//   - Outbound frames above 4096 bytes are rejected with ErrPayloadTooLarge
//   - Hooks run on their own goroutines (no ordering guarantee)
//   - Disconnect is terminal; create a new Gateway to connect again
package kephasgate
