// Package wire defines the JSON request/reply message bodies exchanged
// between KV Engines (§6.3), and the encoding of a Paxos-proposed value
// as it flows through the Paxos Driver.
package wire

import (
	"encoding/json"
	"fmt"
)

// Header types, used as the discriminant of an inbound request.
const (
	HeaderProposeValue   = "propose_value"
	HeaderQueryValue     = "query_value"
	HeaderCatchupRequest = "catchup_request"
	HeaderCatchupData    = "catchup_data"
)

// Envelope is the minimal shape every inbound message shares: enough to
// route on header_type before fully decoding. Unknown header types are
// MalformedMessage (§7) and are discarded without reply.
type Envelope struct {
	HeaderType string `json:"header_type"`
}

// ProposeValueRequest is a client->server propose (§6.3).
type ProposeValueRequest struct {
	HeaderType string `json:"header_type"`
	Key        string `json:"key"`
	Value      string `json:"value"`
}

// ProposeValueResponse answers ProposeValueRequest.
type ProposeValueResponse struct {
	Proposed bool   `json:"proposed"`
	Message  string `json:"message,omitempty"`
}

// QueryValueRequest is a client->server point lookup (§6.3).
type QueryValueRequest struct {
	HeaderType string `json:"header_type"`
	Key        string `json:"key"`
}

// QueryValueResponse answers QueryValueRequest. Value is nil when the
// key is absent; Error is set instead of Value on AccessDenied.
type QueryValueResponse struct {
	Value *string `json:"value,omitempty"`
	Error string  `json:"error,omitempty"`
}

// CatchupRequest is a server->peer request for a bounded batch of
// missed (key, value, instance) triples (§6.3).
type CatchupRequest struct {
	HeaderType   string `json:"header_type"`
	LastKnownSeq int64  `json:"last_known_seq"`
}

// KeyValSeq is one (key, value, instance) triple, serialized as a JSON
// 3-tuple per §6.3's key_val_seq_list.
type KeyValSeq struct {
	Key   string
	Value string
	Seq   int64
}

// MarshalJSON encodes a KeyValSeq as the ordered array [key, value, seq].
func (k KeyValSeq) MarshalJSON() ([]byte, error) {
	return json.Marshal([3]interface{}{k.Key, k.Value, k.Seq})
}

// UnmarshalJSON decodes a KeyValSeq from the ordered array [key, value, seq].
func (k *KeyValSeq) UnmarshalJSON(data []byte) error {
	var tuple [3]json.RawMessage
	if err := json.Unmarshal(data, &tuple); err != nil {
		return fmt.Errorf("wire: key_val_seq: %w", err)
	}
	if err := json.Unmarshal(tuple[0], &k.Key); err != nil {
		return fmt.Errorf("wire: key_val_seq key: %w", err)
	}
	if err := json.Unmarshal(tuple[1], &k.Value); err != nil {
		return fmt.Errorf("wire: key_val_seq value: %w", err)
	}
	if err := json.Unmarshal(tuple[2], &k.Seq); err != nil {
		return fmt.Errorf("wire: key_val_seq seq: %w", err)
	}
	return nil
}

// CatchupData answers CatchupRequest with up to catchup_num_items
// triples in ascending resolution order.
type CatchupData struct {
	Type          string      `json:"type"`
	FromSeq       int64       `json:"from_seq"`
	KeyValSeqList []KeyValSeq `json:"key_val_seq_list"`
}

// ProposedPair is the JSON-encoded ordered pair [key, value] that a
// value takes as it is proposed to, and resolved by, the Paxos Driver.
type ProposedPair struct {
	Key   string
	Value string
}

// EncodeProposedPair encodes (key, value) as the wire's [key, value] pair.
func EncodeProposedPair(key, value string) ([]byte, error) {
	return json.Marshal([2]string{key, value})
}

// DecodeProposedPair decodes a resolved instance's value back into (key, value).
func DecodeProposedPair(raw []byte) (ProposedPair, error) {
	var pair [2]string
	if err := json.Unmarshal(raw, &pair); err != nil {
		return ProposedPair{}, fmt.Errorf("wire: proposed pair: %w", err)
	}
	return ProposedPair{Key: pair[0], Value: pair[1]}, nil
}
