package jsonrpc

import (
	"bytes"
	"encoding/json"
	"fmt"
)

// parseRequest validates the envelope of one request. On failure it returns
// the id to echo (null when none can be extracted) and the reason.
func parseRequest(raw json.RawMessage) (*Request, json.RawMessage, error) {
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(raw, &fields); err != nil || fields == nil {
		return nil, nullID, fmt.Errorf("request is not an object")
	}

	id, hasID := fields["id"]
	echo := nullID
	if hasID {
		if !validID(id) {
			return nil, nullID, fmt.Errorf("'id' must be a string, number, or null")
		}
		echo = id
	}

	var version string
	if err := json.Unmarshal(fields["jsonrpc"], &version); err != nil || version != Version {
		return nil, echo, fmt.Errorf("'jsonrpc' must be %q", Version)
	}

	methodRaw := bytes.TrimSpace(fields["method"])
	if len(methodRaw) == 0 || methodRaw[0] != '"' {
		return nil, echo, fmt.Errorf("'method' must be a string")
	}
	var method string
	if err := json.Unmarshal(methodRaw, &method); err != nil {
		return nil, echo, fmt.Errorf("'method' must be a string")
	}

	req := &Request{
		JSONRPC: version,
		Method:  method,
		Params:  fields["params"],
	}
	if hasID && !isNull(id) {
		req.ID = id
	}
	return req, echo, nil
}
