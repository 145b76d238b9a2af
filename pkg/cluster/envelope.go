package cluster

import (
	"fmt"

	"github.com/vmihailenco/msgpack/v5"

	"github.com/fgodino/socket.io-redis/pkg/adapter"
)

// envelope is the wire form of one broadcast: the ordered triple of origin
// node id, packet, and broadcast options, msgpack-encoded as an array.
type envelope struct {
	_msgpack struct{} `msgpack:",as_array"`

	UID    string
	Packet *adapter.Packet
	Opts   adapter.BroadcastOptions
}

func encodeEnvelope(uid string, pkt *adapter.Packet, opts adapter.BroadcastOptions) ([]byte, error) {
	data, err := msgpack.Marshal(&envelope{UID: uid, Packet: pkt, Opts: opts})
	if err != nil {
		return nil, fmt.Errorf("encode envelope: %w", err)
	}
	return data, nil
}

func decodeEnvelope(data []byte) (*envelope, error) {
	var env envelope
	if err := msgpack.Unmarshal(data, &env); err != nil {
		return nil, fmt.Errorf("decode envelope: %w", err)
	}
	if env.Packet == nil {
		env.Packet = &adapter.Packet{}
	}
	// An absent namespace means the root namespace.
	if env.Packet.Nsp == "" {
		env.Packet.Nsp = "/"
	}
	return &env, nil
}

// clientsRequest asks every node of a namespace for its local members of
// the listed rooms. No rooms means all local sessions.
type clientsRequest struct {
	TransactionID string   `json:"transactionid"`
	Rooms         []string `json:"rooms,omitempty"`
}

// clientsResponse carries one node's local matches back to the requester.
type clientsResponse struct {
	Clients []string `json:"clients"`
}
