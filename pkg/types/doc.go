/*
Package types defines the shared data model carried between Conveyor's
components: the JobState record that flows through the pipeline, the
submission request, and the wire envelopes exchanged over the broker.

All payloads on the wire are UTF-8 JSON. Timestamps are UTC and serialize as
RFC 3339. JobState.Metadata is an open map merged with RFC 7386 merge-patch
semantics so each worker can contribute results under its own top-level key
without disturbing its siblings.
*/
package types
