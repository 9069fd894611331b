package ipc

import "firestige.xyz/nanoagent/internal/packet"

// SendPacket ships p to the peer in the packet wire encoding.
func (c *IPC) SendPacket(p *packet.Packet) error {
	return c.SendChunked(packet.Encode(p)...)
}

// ReceivePacket decodes and pops the oldest message. A message that does not
// decode is popped as well and its error returned, so one bad message cannot
// stall the channel.
func (c *IPC) ReceivePacket(ps *packet.Parser) (*packet.Packet, error) {
	msg, err := c.Receive()
	if err != nil {
		return nil, err
	}
	pkt, decodeErr := ps.Unmarshal(msg)
	if err := c.Pop(); err != nil {
		return nil, err
	}
	return pkt, decodeErr
}
