package protocol

import (
	"encoding/json"
	"fmt"
)

// DecodeFrontCall decodes and validates front_call params.
func DecodeFrontCall(raw json.RawMessage) (*FrontCallParams, error) {
	var p FrontCallParams
	if err := decode(raw, &p); err != nil {
		return nil, err
	}
	if p.UserID == "" {
		return nil, missing("userId", MethodFrontCall)
	}
	if p.Offer == "" {
		return nil, missing("offer", MethodFrontCall)
	}
	if p.FrontDevice == "" {
		return nil, missing("frontDevice", MethodFrontCall)
	}
	return &p, nil
}

// DecodeFrontNegotiation decodes and validates front_negotiation params.
func DecodeFrontNegotiation(raw json.RawMessage) (*FrontNegotiationParams, error) {
	var p FrontNegotiationParams
	if err := decode(raw, &p); err != nil {
		return nil, err
	}
	if p.UserID == "" {
		return nil, missing("userId", MethodFrontNegotiation)
	}
	if len(p.Payload) == 0 {
		return nil, missing("payload", MethodFrontNegotiation)
	}
	return &p, nil
}

// DecodeSensorAdd decodes and validates sensor_add params.
func DecodeSensorAdd(raw json.RawMessage) (*SensorAddParams, error) {
	var p SensorAddParams
	if err := decode(raw, &p); err != nil {
		return nil, err
	}
	if p.UserID == "" {
		return nil, missing("userId", MethodSensorAdd)
	}
	if len(p.Sensor) == 0 {
		return nil, missing("sensor", MethodSensorAdd)
	}
	return &p, nil
}

// DecodeSensorNegotiation decodes and validates sensor_negotiation params.
func DecodeSensorNegotiation(raw json.RawMessage) (*SensorNegotiationParams, error) {
	var p SensorNegotiationParams
	if err := decode(raw, &p); err != nil {
		return nil, err
	}
	if p.UserID == "" {
		return nil, missing("userId", MethodSensorNegotiation)
	}
	if p.SensorID == "" {
		return nil, missing("sensorId", MethodSensorNegotiation)
	}
	return &p, nil
}

// DecodeSessionStatus decodes and validates session_status params.
func DecodeSessionStatus(raw json.RawMessage) (*SessionStatusParams, error) {
	var p SessionStatusParams
	if err := decode(raw, &p); err != nil {
		return nil, err
	}
	if p.UserID == "" {
		return nil, missing("userId", MethodSessionStatus)
	}
	return &p, nil
}

func decode(raw json.RawMessage, v any) error {
	if len(raw) == 0 {
		return fmt.Errorf("missing params")
	}
	if err := json.Unmarshal(raw, v); err != nil {
		return fmt.Errorf("invalid params: %w", err)
	}
	return nil
}

func missing(field, method string) error {
	return fmt.Errorf("missing required field '%s' in %s params", field, method)
}
