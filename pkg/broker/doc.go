/*
Package broker provides Conveyor's pub/sub gateway and the key/value
side-channel used for job-state persistence.

Two implementations back the same Broker interface:

	┌────────────────────── BROKER ──────────────────────┐
	│                                                     │
	│  Memory                  Server + Client            │
	│  ──────                  ───────────────            │
	│  in-process fan-out      standalone broker process  │
	│  map KV                  websocket frame protocol   │
	│  single-process mode     bbolt-backed KV            │
	│  and tests               multi-process deployments  │
	│                                                     │
	└─────────────────────────────────────────────────────┘

Guarantees are identical in both: at-most-once delivery within a single
subscription, per-channel ordering, no replay after resubscribe. A slow
subscriber is dropped rather than allowed to stall the channel for everyone
else. SetNX is the atomic create both ingress paths rely on to de-duplicate
job submissions.

The websocket protocol is a stream of JSON frames. Clients send publish,
subscribe, unsubscribe, set, get and setnx ops; the server pushes message
frames for subscribed channels and result frames correlated to key/value
requests by a client-chosen id.
*/
package broker
