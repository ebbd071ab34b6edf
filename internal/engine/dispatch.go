package engine

import (
	"encoding/json"
)

// HandleRequest routes one inbound wire request by its header_type to
// the matching Engine operation. This is the tagged-variant dispatch
// the source's dynamic method-name lookup becomes (§9 "dynamic dispatch
// table on message-type prefix"): an exhaustive switch, with unknown
// variants dropped silently (MalformedMessage, §7) rather than raising.
//
// A nil reply with a nil error means "discard without reply".
func (e *Engine) HandleRequest(body []byte) ([]byte, error) {
	var env struct {
		HeaderType string `json:"header_type"`
	}
	if err := json.Unmarshal(body, &env); err != nil {
		return nil, nil
	}

	switch env.HeaderType {
	case headerProposeValue:
		return e.handlePropose(body)
	case headerQueryValue:
		return e.handleQuery(body)
	case headerCatchupRequest:
		return e.handleCatchupRequest(body)
	default:
		return nil, nil
	}
}

const (
	headerProposeValue   = "propose_value"
	headerQueryValue     = "query_value"
	headerCatchupRequest = "catchup_request"
)

type proposeValueRequest struct {
	Key   string `json:"key"`
	Value string `json:"value"`
}

type proposeValueResponse struct {
	Proposed bool   `json:"proposed"`
	Message  string `json:"message,omitempty"`
}

func (e *Engine) handlePropose(body []byte) ([]byte, error) {
	var req proposeValueRequest
	if err := json.Unmarshal(body, &req); err != nil {
		return nil, nil
	}
	proposed, message := e.Propose(req.Key, req.Value)
	return json.Marshal(proposeValueResponse{Proposed: proposed, Message: message})
}

type queryValueRequest struct {
	Key string `json:"key"`
}

type queryValueResponse struct {
	Value *string `json:"value,omitempty"`
	Error string  `json:"error,omitempty"`
}

func (e *Engine) handleQuery(body []byte) ([]byte, error) {
	var req queryValueRequest
	if err := json.Unmarshal(body, &req); err != nil {
		return nil, nil
	}
	value, found, err := e.Query(req.Key)
	if err == ErrAccessDenied {
		return json.Marshal(queryValueResponse{Error: "Access Denied"})
	}
	if !found {
		return json.Marshal(queryValueResponse{})
	}
	return json.Marshal(queryValueResponse{Value: &value})
}

type catchupRequestBody struct {
	LastKnownSeq int64 `json:"last_known_seq"`
}

func (e *Engine) handleCatchupRequest(body []byte) ([]byte, error) {
	var req catchupRequestBody
	if err := json.Unmarshal(body, &req); err != nil {
		return nil, nil
	}
	data := e.CatchupRequestHandler(req.LastKnownSeq)
	return json.Marshal(data)
}
