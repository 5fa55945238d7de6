package realtime

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"

	"home-sentinel/internal/device/whip"
	"home-sentinel/internal/jsonrpc"
	"home-sentinel/internal/protocol"
	"home-sentinel/internal/session"
)

// Service exposes the session registry as JSON-RPC methods and as a WHIP
// backend.
type Service struct {
	sessions *session.Registry
	logger   *slog.Logger
}

// NewService creates a service over sessions.
func NewService(sessions *session.Registry, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{sessions: sessions, logger: logger}
}

// Register adds every method to rpc.
func (s *Service) Register(rpc *jsonrpc.Server) error {
	methods := map[string]jsonrpc.Handler{
		protocol.MethodFrontCall:         s.frontCall,
		protocol.MethodOffer:             s.frontCall,
		protocol.MethodFrontNegotiation:  s.frontNegotiation,
		protocol.MethodSensorAdd:         s.sensorAdd,
		protocol.MethodSensorNegotiation: s.sensorNegotiation,
		protocol.MethodSessionStatus:     s.sessionStatus,
	}
	for name, handler := range methods {
		if err := rpc.RegisterMethod(name, handler); err != nil {
			return fmt.Errorf("register %s: %w", name, err)
		}
	}
	return nil
}

// frontCall creates the session if needed, binds the front device on first
// use and returns the SDP answer.
func (s *Service) frontCall(ctx context.Context, raw json.RawMessage) (any, error) {
	params, err := protocol.DecodeFrontCall(raw)
	if err != nil {
		return nil, jsonrpc.InvalidParams("%v", err)
	}

	sess, created, err := s.sessions.GetOrCreate(ctx, params.UserID)
	if err != nil {
		return nil, err
	}
	if created && len(params.Sensors) > 0 {
		if _, err := sess.AddSensors(ctx, params.Sensors); err != nil {
			s.logger.Warn("attach initial sensors", "session", sess.ID(), "error", err)
		}
	}

	if _, _, err := sess.AttachFront(params.FrontDevice); err != nil {
		return nil, err
	}
	return sess.HandleFrontOffer(ctx, params.Offer)
}

func (s *Service) frontNegotiation(ctx context.Context, raw json.RawMessage) (any, error) {
	params, err := protocol.DecodeFrontNegotiation(raw)
	if err != nil {
		return nil, jsonrpc.InvalidParams("%v", err)
	}
	sess, err := s.sessions.Get(params.UserID)
	if err != nil {
		return nil, err
	}
	if err := sess.HandleFrontCandidate(ctx, params.Payload); err != nil {
		return nil, err
	}
	return struct{}{}, nil
}

func (s *Service) sensorAdd(ctx context.Context, raw json.RawMessage) (any, error) {
	params, err := protocol.DecodeSensorAdd(raw)
	if err != nil {
		return nil, jsonrpc.InvalidParams("%v", err)
	}
	sess, _, err := s.sessions.GetOrCreate(ctx, params.UserID)
	if err != nil {
		return nil, err
	}
	return sess.AddSensors(ctx, params.Sensor)
}

func (s *Service) sensorNegotiation(ctx context.Context, raw json.RawMessage) (any, error) {
	params, err := protocol.DecodeSensorNegotiation(raw)
	if err != nil {
		return nil, jsonrpc.InvalidParams("%v", err)
	}
	sess, err := s.sessions.Get(params.UserID)
	if err != nil {
		return nil, err
	}
	return sess.HandleSensorNegotiation(ctx, params.SensorID, params.Payload)
}

func (s *Service) sessionStatus(ctx context.Context, raw json.RawMessage) (any, error) {
	params, err := protocol.DecodeSessionStatus(raw)
	if err != nil {
		return nil, jsonrpc.InvalidParams("%v", err)
	}
	sess, err := s.sessions.Get(params.UserID)
	if err != nil {
		return nil, err
	}
	return sess.Status(), nil
}

type offerHandler interface {
	HandleOffer(ctx context.Context, sdp string) (string, error)
}

// Publish attaches a WHIP sensor to the session of userID, or re-offers an
// already attached one.
func (s *Service) Publish(ctx context.Context, userID, sensorID, offer string) (string, error) {
	sess, _, err := s.sessions.GetOrCreate(ctx, userID)
	if err != nil {
		return "", err
	}

	if existing, err := sess.Sensor(sensorID); err == nil {
		h, ok := existing.(offerHandler)
		if !ok {
			return "", fmt.Errorf("sensor %s does not accept offers", sensorID)
		}
		return h.HandleOffer(ctx, offer)
	}

	raw, err := json.Marshal([]protocol.WHIPSensorCredential{{ID: sensorID, Offer: offer}})
	if err != nil {
		return "", err
	}
	results, err := sess.AddSensors(ctx, protocol.SensorInit{protocol.SensorWHIP: raw})
	if err != nil {
		return "", err
	}
	answer, _ := results[0].Negotiation.(string)
	return answer, nil
}

// Trickle forwards a candidate to an attached WHIP sensor.
func (s *Service) Trickle(ctx context.Context, userID, sensorID string, candidate json.RawMessage) error {
	sess, err := s.sessions.Get(userID)
	if errors.Is(err, session.ErrSessionNotFound) {
		return whip.ErrResourceNotFound
	}
	if err != nil {
		return err
	}
	_, err = sess.HandleSensorNegotiation(ctx, sensorID, candidate)
	if errors.Is(err, session.ErrSensorNotFound) {
		return whip.ErrResourceNotFound
	}
	return err
}

var _ whip.Backend = (*Service)(nil)
