package conn

// Message is an application-facing inbound payload (spec §4.G, §6).
type Message struct {
	// Ordered is true when data arrived over a reliable stream; false when
	// it was reassembled from unreliable datagram fragments.
	Ordered bool
	Data    []byte
}
