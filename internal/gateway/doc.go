// Package gateway orchestrates the parley-gateway server components.
//
// # Overview
//
// The gateway package wires the chat engines to the network. It owns the
// store, the user directory, the message and presence engines, the token
// verifier, the send de-duplication cache and both servers.
//
// # HTTP API
//
// Public endpoints:
//
//   - POST /api/register - Create an account and return a token
//   - POST /api/login - Exchange email and password for a token
//   - GET /health - Liveness check
//   - GET /health/ready - Readiness check (pings the store)
//
// Endpoints requiring a bearer token:
//
//   - GET /api/users - Directory of everyone except the caller
//   - GET /api/conversations/{key}/messages - Ordered history; ?format=html adds rendered markdown
//   - POST /api/conversations/{key}/messages - Send; client_message_id makes retries safe
//   - POST /api/conversations/{key}/read - Mark a received message read
//   - GET /api/conversations/{key}/events - SSE stream of snapshots and typing
//   - GET /ws - Websocket session (token may be passed as ?token=)
//
// Errors are JSON objects with code, message and retryable fields. Codes
// come from the chaterr package.
//
// # SSE Streaming
//
// The events stream starts with the current snapshot and typing state:
//
//	event: messages
//	data: {"type":"messages","conversation_key":"a_b","messages":[...]}
//
//	event: typing
//	data: {"type":"typing","conversation_key":"a_b","typing":true,"user_id":"b"}
//
// A closed event is the last one when the token expires.
//
// # Websocket Frames
//
// Client frames: bind, unbind, send, typing, mark_read and sign_out. Server
// frames: bound, unbound, messages, typing, ack, error and closed. Every
// snapshot frame carries the full conversation, so a client only keeps the
// latest one.
//
// # gRPC
//
// The gRPC listener serves grpc.health.v1. Status turns NOT_SERVING while
// the store fails to answer pings.
//
// # Tailscale
//
// With tailscale.enabled the gateway joins the tailnet through tsnet and
// listens there instead of on TCP: gRPC on :50051 and HTTP on :80, or :443
// with https or funnel.
package gateway
