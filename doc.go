// Package amppsdk is a Go client SDK for the AMPP platform notification
// fabric: authentication, push and polled notification transports, topic
// routing, and request/response correlation over fire-and-forget messaging.
//
// # Architecture
//
// The SDK is layered around a single delivery pipeline:
//
//	┌─────────────────────────────────────┐
//	│        auth.Session                 │  Token lifecycle,
//	│  (login, refresh, bearer tokens)    │  scheduled refresh
//	└─────────────────────────────────────┘
//	           ↓ authenticates
//	┌─────────────────────────────────────┐
//	│   pushchannel  │  mailbox           │  SignalR websocket push,
//	│  (primary)     │  (polled fallback) │  REST mailbox polling
//	└─────────────────────────────────────┘
//	           ↓ deliver into
//	┌─────────────────────────────────────┐
//	│      notification.Router            │  Topic parsing, multimessage
//	│  (dispatch, unbundle, classify)     │  unbundling, family routing
//	└─────────────────────────────────────┘
//	           ↓ fans out to
//	┌─────────────────────────────────────┐
//	│  notification.Registry  │ correlation.Registry │
//	│  (listeners per family) │ (pending request keys)│
//	└─────────────────────────────────────┘
//
// # Packages
//
//   - auth: client-credentials session against the identity service with
//     proactive token refresh.
//   - platform: authenticated REST client shared by every HTTP-facing
//     package.
//   - pushchannel: SignalR JSON hub over websocket with automatic
//     reconnect and subscription replay.
//   - mailbox: polled REST mailbox used where websockets cannot reach.
//   - notification: topic model, dispatch records, listener registry, and
//     the router both transports deliver into.
//   - correlation: blocking await/resolve registry turning fire-and-forget
//     notifications into request/response calls.
//   - renewal: periodic re-registration for subscriptions the platform
//     expires (keyframes, audio probes).
//   - amppcontrol: workload control surface (commands, macros, schemas,
//     ping).
//   - routing: fabric, producer, consumer, and salvo operations against
//     the matrix service.
//   - keyframes: JPEG preview frame subscriptions per flow.
//   - audiometer: sound probe registration and level updates.
//   - bridge: optional forwarder republishing notifications onto NATS
//     (core or JetStream).
//   - config, metric, errors, pkg/retry: configuration, Prometheus
//     metrics, error classification, and retry support shared by the rest.
//
// cmd/amppctl wires the full stack into a demo CLI.
package amppsdk
