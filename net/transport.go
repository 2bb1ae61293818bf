package net

import "context"

// Transport is the lifecycle of a packet transport.
type Transport interface {
	// Start begins accepting connections and delivering their packets to r.
	Start(r Receiver) error

	// Stop closes every connection and releases the transport.
	Stop() error
}

// SendBackFunc writes a value back on the connection a packet came from.
type SendBackFunc func(ctx context.Context, v any) error

// Delivery is a decoded packet together with the way back to its sender.
type Delivery struct {
	Session  *Session
	Packet   *Packet
	SendBack SendBackFunc
}

// Reply answers the packet, reusing its id so a waiting Request on the
// other side picks it up.
func (d *Delivery) Reply(ctx context.Context, payload any) error {
	resp := &Packet{ID: d.Packet.ID, Pattern: d.Packet.Pattern, Payload: payload}
	return d.SendBack(ctx, resp)
}

// Receiver handles packets delivered by a transport.
type Receiver interface {
	OnPacket(d *Delivery) error
}

// ReceiverFunc adapts a function to Receiver.
type ReceiverFunc func(d *Delivery) error

// OnPacket calls f.
func (f ReceiverFunc) OnPacket(d *Delivery) error { return f(d) }
