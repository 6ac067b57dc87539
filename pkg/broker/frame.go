package broker

// Frame ops understood by the websocket broker protocol. Client-initiated
// ops carry an id when they expect a correlated result frame.
const (
	opPublish     = "publish"
	opSubscribe   = "subscribe"
	opUnsubscribe = "unsubscribe"
	opSet         = "set"
	opGet         = "get"
	opSetNX       = "setnx"

	// Server-initiated ops
	opMessage = "message" // delivery on a subscribed channel
	opResult  = "result"  // reply to a set/get/setnx request
)

// frame is the single JSON envelope exchanged on a broker connection.
// Payload is base64-encoded on the wire by encoding/json.
type frame struct {
	Op      string `json:"op"`
	ID      uint64 `json:"id,omitempty"`
	Channel string `json:"channel,omitempty"`
	Key     string `json:"key,omitempty"`
	Payload []byte `json:"payload,omitempty"`
	Found   bool   `json:"found,omitempty"`
	OK      bool   `json:"ok,omitempty"`
	Error   string `json:"error,omitempty"`
}
