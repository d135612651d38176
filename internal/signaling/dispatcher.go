package signaling

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/vulcanrelay/relay/internal/identity"
	"github.com/vulcanrelay/relay/internal/ids"
	"github.com/vulcanrelay/relay/internal/metrics"
	"github.com/vulcanrelay/relay/internal/relayerr"
	"github.com/vulcanrelay/relay/internal/session"
	"github.com/vulcanrelay/relay/internal/worker"
)

// Operation names for the Signal API's request/response operations.
// Subscription operations are handled separately in subscriptions.go.
const (
	OpServerRtpCapabilities  = "server_rtp_capabilities"
	OpRtpCapabilities        = "rtp_capabilities"
	OpCreateWebRtcTransport  = "create_webrtc_transport"
	OpCreatePlainTransport   = "create_plain_transport"
	OpConnectWebRtcTransport = "connect_webrtc_transport"
	OpConsume                = "consume"
	OpConsumerResume         = "consumer_resume"
	OpProduce                = "produce"
	OpProducePlain           = "produce_plain"
	OpConsumeData            = "consume_data"
	OpProduceData            = "produce_data"
)

// isVulcastRole reports whether role may invoke a Vulcast-only operation: a
// WebClient or Host has no reason to produce a room's media or consume the
// data its clients send to the Vulcast.
func isVulcastRole(role identity.Role) bool {
	return role == identity.RoleVulcast
}

// isClientRole reports whether role may invoke a client-side operation.
// WebClient and Host are interchangeable here: both receive media from the
// Vulcast, send data to it, and are held to identical authorization rules.
func isClientRole(role identity.Role) bool {
	return role == identity.RoleWebClient || role == identity.RoleHost
}

// roleGuards names the predicate an operation's caller must satisfy, where
// the default (no entry) is "any authenticated session". Media flows from
// the Vulcast to its clients, and data flows the other way: clients
// produce_data and the Vulcast consume_data.
var roleGuards = map[string]func(identity.Role) bool{
	OpProduce:        isVulcastRole,
	OpProducePlain:   isVulcastRole,
	OpConsume:        isClientRole,
	OpConsumerResume: isClientRole,
	OpProduceData:    isClientRole,
	OpConsumeData:    isVulcastRole,
}

// quotaGuards names the resource type an operation allocates, for the
// count(type)+1 <= limit guard.
var quotaGuards = map[string]session.ResourceType{
	OpCreateWebRtcTransport: session.ResourceWebRtcTransport,
	OpCreatePlainTransport:  session.ResourcePlainTransport,
	OpProduce:               session.ResourceProducer,
	OpProducePlain:          session.ResourceProducer,
	OpConsume:               session.ResourceConsumer,
	OpProduceData:           session.ResourceDataProducer,
	OpConsumeData:           session.ResourceDataConsumer,
}

// checkGuards applies the role guard then the quota guard for op, in that
// order.
func checkGuards(sess *session.Session, op string) error {
	if allowed, ok := roleGuards[op]; ok {
		if !allowed(sess.Options().Role) {
			return relayerr.ErrUnauthorized
		}
	}
	if resourceType, ok := quotaGuards[op]; ok {
		limit := session.DefaultQuotas[resourceType]
		if sess.GetResourceCount(resourceType)+1 > limit {
			metrics.QuotaRejections.WithLabelValues(string(resourceType)).Inc()
			return &relayerr.QuotaError{Resource: string(resourceType), Limit: limit}
		}
	}
	return nil
}

type rtpCapabilitiesArgs struct {
	Capabilities json.RawMessage `json:"capabilities"`
}

type connectWebRtcTransportArgs struct {
	TransportID    ids.TransportId `json:"transportId"`
	DtlsParameters json.RawMessage `json:"dtlsParameters"`
}

type consumeArgs struct {
	TransportID ids.TransportId `json:"transportId"`
	ProducerID  ids.ProducerId  `json:"producerId"`
}

type consumerResumeArgs struct {
	ConsumerID ids.ConsumerId `json:"consumerId"`
}

type produceArgs struct {
	TransportID   ids.TransportId  `json:"transportId"`
	Kind          worker.MediaKind `json:"kind"`
	RtpParameters json.RawMessage  `json:"rtpParameters"`
}

type consumeDataArgs struct {
	TransportID    ids.TransportId    `json:"transportId"`
	DataProducerID ids.DataProducerId `json:"dataProducerId"`
}

type produceDataArgs struct {
	TransportID          ids.TransportId `json:"transportId"`
	SctpStreamParameters json.RawMessage `json:"sctpStreamParameters"`
}

type producerIDResult struct {
	ProducerID ids.ProducerId `json:"producerId"`
}

type dataProducerIDResult struct {
	DataProducerID ids.DataProducerId `json:"dataProducerId"`
}

type rtpCapabilitiesResult struct {
	Capabilities json.RawMessage `json:"capabilities"`
}

// dispatch applies op's guards then invokes the corresponding Session
// method, unmarshalling variables into the operation's argument shape.
func dispatch(ctx context.Context, sess *session.Session, op string, variables json.RawMessage) (any, error) {
	if err := checkGuards(sess, op); err != nil {
		return nil, err
	}

	switch op {
	case OpServerRtpCapabilities:
		router, err := sess.Room().Router(ctx)
		if err != nil {
			return nil, relayerr.NewWorkerError(op, err)
		}
		return rtpCapabilitiesResult{Capabilities: router.RtpCapabilities()}, nil

	case OpRtpCapabilities:
		var args rtpCapabilitiesArgs
		if err := json.Unmarshal(variables, &args); err != nil {
			return nil, &relayerr.ProtocolViolation{Reason: fmt.Sprintf("%s: %v", op, err)}
		}
		sess.SetRtpCapabilities(args.Capabilities)
		return struct{}{}, nil

	case OpCreateWebRtcTransport:
		return sess.CreateWebRtcTransport(ctx)

	case OpCreatePlainTransport:
		return sess.CreatePlainTransport(ctx)

	case OpConnectWebRtcTransport:
		var args connectWebRtcTransportArgs
		if err := json.Unmarshal(variables, &args); err != nil {
			return nil, &relayerr.ProtocolViolation{Reason: fmt.Sprintf("%s: %v", op, err)}
		}
		if err := sess.ConnectWebRtcTransport(ctx, args.TransportID, args.DtlsParameters); err != nil {
			return nil, err
		}
		return struct{}{}, nil

	case OpConsume:
		var args consumeArgs
		if err := json.Unmarshal(variables, &args); err != nil {
			return nil, &relayerr.ProtocolViolation{Reason: fmt.Sprintf("%s: %v", op, err)}
		}
		return sess.Consume(ctx, args.TransportID, args.ProducerID)

	case OpConsumerResume:
		var args consumerResumeArgs
		if err := json.Unmarshal(variables, &args); err != nil {
			return nil, &relayerr.ProtocolViolation{Reason: fmt.Sprintf("%s: %v", op, err)}
		}
		if err := sess.ConsumerResume(ctx, args.ConsumerID); err != nil {
			return nil, err
		}
		return struct{}{}, nil

	case OpProduce:
		var args produceArgs
		if err := json.Unmarshal(variables, &args); err != nil {
			return nil, &relayerr.ProtocolViolation{Reason: fmt.Sprintf("%s: %v", op, err)}
		}
		pid, err := sess.Produce(ctx, args.TransportID, args.Kind, args.RtpParameters)
		if err != nil {
			return nil, err
		}
		return producerIDResult{ProducerID: pid}, nil

	case OpProducePlain:
		var args produceArgs
		if err := json.Unmarshal(variables, &args); err != nil {
			return nil, &relayerr.ProtocolViolation{Reason: fmt.Sprintf("%s: %v", op, err)}
		}
		pid, err := sess.ProducePlain(ctx, args.TransportID, args.Kind, args.RtpParameters)
		if err != nil {
			return nil, err
		}
		return producerIDResult{ProducerID: pid}, nil

	case OpConsumeData:
		var args consumeDataArgs
		if err := json.Unmarshal(variables, &args); err != nil {
			return nil, &relayerr.ProtocolViolation{Reason: fmt.Sprintf("%s: %v", op, err)}
		}
		return sess.ConsumeData(ctx, args.TransportID, args.DataProducerID)

	case OpProduceData:
		var args produceDataArgs
		if err := json.Unmarshal(variables, &args); err != nil {
			return nil, &relayerr.ProtocolViolation{Reason: fmt.Sprintf("%s: %v", op, err)}
		}
		dpid, err := sess.ProduceData(ctx, args.TransportID, args.SctpStreamParameters)
		if err != nil {
			return nil, err
		}
		return dataProducerIDResult{DataProducerID: dpid}, nil

	default:
		return nil, fmt.Errorf("unknown operation %q", op)
	}
}
