package gateway

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/joinflow/joinflow/custom_errors"
	"github.com/joinflow/joinflow/types"
	"github.com/joinflow/joinflow/types/config"
	"github.com/nats-io/nats.go"
	"github.com/sirupsen/logrus"
)

// requester is the request/reply half of *nats.Conn.
type requester interface {
	RequestWithContext(ctx context.Context, subj string, data []byte) (*nats.Msg, error)
}

type joinRequest struct {
	Identity   string `json:"identity"`
	InviteCode string `json:"invite_code"`
}

type membershipRequest struct {
	Identity string `json:"identity"`
}

type membershipReply struct {
	GroupIDs []string `json:"group_ids"`
	Error    string   `json:"error,omitempty"`
}

// NATSGateway reaches the gateway over NATS request/reply.
type NATSGateway struct {
	conn              requester
	joinSubject       string
	membershipSubject string
	timeout           time.Duration
	logger            logrus.FieldLogger
}

func NewNATSGateway(conn requester, cfg config.NATSConfig, logger logrus.FieldLogger) *NATSGateway {
	return &NATSGateway{
		conn:              conn,
		joinSubject:       cfg.JoinSubject,
		membershipSubject: cfg.MembershipSubject,
		timeout:           cfg.Timeout,
		logger:            logger,
	}
}

// Connect dials the NATS server with reconnects enabled.
func Connect(cfg config.NATSConfig, logger logrus.FieldLogger) (*nats.Conn, error) {
	conn, err := nats.Connect(cfg.URL,
		nats.Name("joinflow"),
		nats.Timeout(cfg.Timeout),
		nats.ReconnectWait(5*time.Second),
		nats.MaxReconnects(-1),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			logger.WithError(err).Warn("nats disconnected")
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			logger.WithField("url", nc.ConnectedUrl()).Info("nats reconnected")
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to nats: %w", err)
	}
	return conn, nil
}

func (g *NATSGateway) request(ctx context.Context, subject string, req any, reply any) error {
	data, err := json.Marshal(req)
	if err != nil {
		return fmt.Errorf("failed to encode request: %w", err)
	}

	ctx, cancel := context.WithTimeout(ctx, g.timeout)
	defer cancel()

	msg, err := g.conn.RequestWithContext(ctx, subject, data)
	if err != nil {
		return custom_errors.NewGatewayError("transport", err)
	}
	if err := json.Unmarshal(msg.Data, reply); err != nil {
		return custom_errors.NewGatewayError("malformed reply", err)
	}
	return nil
}

func (g *NATSGateway) JoinByInvite(ctx context.Context, identity string, inviteCode string) (types.JoinResult, error) {
	var result types.JoinResult
	if err := g.request(ctx, g.joinSubject, joinRequest{Identity: identity, InviteCode: inviteCode}, &result); err != nil {
		return types.JoinResult{}, err
	}

	switch result.Outcome {
	case types.JoinSucceeded, types.JoinPendingApproval, types.JoinFailed:
	default:
		return types.JoinResult{}, custom_errors.NewGatewayError(fmt.Sprintf("unknown outcome %q", result.Outcome), nil)
	}

	g.logger.WithFields(logrus.Fields{
		"identity": identity,
		"outcome":  result.Outcome,
	}).Debug("join reply")
	return result, nil
}

func (g *NATSGateway) ListMemberships(ctx context.Context, identity string) ([]string, error) {
	var reply membershipReply
	if err := g.request(ctx, g.membershipSubject, membershipRequest{Identity: identity}, &reply); err != nil {
		return nil, err
	}
	if reply.Error != "" {
		return nil, custom_errors.NewGatewayError(reply.Error, nil)
	}
	return reply.GroupIDs, nil
}
