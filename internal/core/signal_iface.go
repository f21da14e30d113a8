package core

// Message is a raw serialized signaling payload.
type Message []byte

// SignalConnection abstracts for a system messaging transport
// Owned by the adapter; the adapter must Close() it.
type SignalConnection interface {
	TrySend(Message) error
	Close()
}
