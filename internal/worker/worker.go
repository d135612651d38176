// Package worker specifies the media worker as an external collaborator: it
// terminates RTP/DTLS/SCTP and performs SRTP forwarding, and is deliberately
// a black box here. Every media-worker structured type
// (RTP/DTLS/ICE/SCTP parameters, transport tuples) is passed through as an
// opaque JSON value, preserving field-by-field equivalence with whatever the
// worker actually serializes rather than reimplementing its wire shapes.
package worker

import (
	"context"
	"encoding/json"

	"github.com/vulcanrelay/relay/internal/ids"
)

// MediaKind distinguishes an audio stream from a video stream.
type MediaKind string

const (
	MediaKindAudio MediaKind = "audio"
	MediaKindVideo MediaKind = "video"
)

// LogTag enumerates the worker log tags accepted by --log-tags.
type LogTag string

const (
	LogTagInfo      LogTag = "info"
	LogTagIce       LogTag = "ice"
	LogTagDtls      LogTag = "dtls"
	LogTagRtp       LogTag = "rtp"
	LogTagSrtp      LogTag = "srtp"
	LogTagRtcp      LogTag = "rtcp"
	LogTagRtx       LogTag = "rtx"
	LogTagBwe       LogTag = "bwe"
	LogTagScore     LogTag = "score"
	LogTagSimulcast LogTag = "simulcast"
	LogTagSvc       LogTag = "svc"
	LogTagSctp      LogTag = "sctp"
	LogTagMessage   LogTag = "message"
)

// ValidLogTags is the complete accepted set, used by config validation.
var ValidLogTags = map[LogTag]struct{}{
	LogTagInfo: {}, LogTagIce: {}, LogTagDtls: {}, LogTagRtp: {}, LogTagSrtp: {},
	LogTagRtcp: {}, LogTagRtx: {}, LogTagBwe: {}, LogTagScore: {}, LogTagSimulcast: {},
	LogTagSvc: {}, LogTagSctp: {}, LogTagMessage: {},
}

// Settings configures a Worker process, mirroring mediasoup's WorkerSettings.
type Settings struct {
	LogLevel   string
	LogTags    []LogTag
	RTCMinPort uint16
	RTCMaxPort uint16
}

// RtpCodecCapability describes one entry of the configured codec table
// forwarded to the media worker at Router-creation time. This is
// configuration, not a worker-serialized runtime value, so it is typed
// rather than passed through as opaque JSON.
type RtpCodecCapability struct {
	Kind                 MediaKind         `json:"kind"`
	MimeType             string            `json:"mimeType"`
	ClockRate            uint32            `json:"clockRate"`
	Channels             uint8             `json:"channels,omitempty"`
	Parameters           map[string]any    `json:"parameters,omitempty"`
	RtcpFeedback         []json.RawMessage `json:"rtcpFeedback,omitempty"`
	PreferredPayloadType *uint8            `json:"preferredPayloadType,omitempty"`
}

// TransportListenIp is the RTC listen/announce address pair, set by
// --rtc-ip/--rtc-announce-ip.
type TransportListenIp struct {
	Ip          string
	AnnouncedIp string
}

// Worker is a single native media-worker process handle.
type Worker interface {
	CreateRouter(ctx context.Context, mediaCodecs []RtpCodecCapability) (Router, error)
	Close(ctx context.Context) error
}

// Router groups transports and routing policy; every transport in a Room
// shares one Router.
type Router interface {
	ID() string
	RtpCapabilities() json.RawMessage
	CreateWebRtcTransport(ctx context.Context, listenIp TransportListenIp) (WebRtcTransport, error)
	CreatePlainTransport(ctx context.Context, listenIp TransportListenIp) (PlainTransport, error)
	Close(ctx context.Context) error
}

// Transport is the shared behavior of WebRTC and plain transports.
type Transport interface {
	ID() ids.TransportId
	Closed() <-chan struct{}
	Close(ctx context.Context) error
}

// WebRtcTransport offers DTLS/ICE/SCTP negotiation.
type WebRtcTransport interface {
	Transport
	IceParameters() json.RawMessage
	IceCandidates() json.RawMessage
	DtlsParameters() json.RawMessage
	SctpParameters() json.RawMessage
	Connect(ctx context.Context, dtlsParameters json.RawMessage) error
	Produce(ctx context.Context, kind MediaKind, rtpParameters json.RawMessage) (Producer, error)
	Consume(ctx context.Context, producerID ids.ProducerId, rtpCapabilities json.RawMessage) (Consumer, error)
	ProduceData(ctx context.Context, sctpStreamParameters json.RawMessage) (DataProducer, error)
	ConsumeData(ctx context.Context, dataProducerID ids.DataProducerId) (DataConsumer, error)
}

// PlainTransport is a bare RTP/RTCP transport configured for comedia.
type PlainTransport interface {
	Transport
	Tuple() json.RawMessage
	Produce(ctx context.Context, kind MediaKind, rtpParameters json.RawMessage) (Producer, error)
}

// Producer is an inbound RTP media stream.
type Producer interface {
	ID() ids.ProducerId
	Kind() MediaKind
	Closed() <-chan struct{}
	Stats(ctx context.Context) (json.RawMessage, error)
	Close(ctx context.Context) error
}

// Consumer is an outbound RTP media stream forwarding a Producer to a peer.
// Consumers are always created paused.
type Consumer interface {
	ID() ids.ConsumerId
	ProducerID() ids.ProducerId
	Kind() MediaKind
	RtpParameters() json.RawMessage
	Resume(ctx context.Context) error
	Closed() <-chan struct{}
	Stats(ctx context.Context) (json.RawMessage, error)
	Close(ctx context.Context) error
}

// DataProducer is an inbound SCTP data stream.
type DataProducer interface {
	ID() ids.DataProducerId
	Closed() <-chan struct{}
	Stats(ctx context.Context) (json.RawMessage, error)
	Close(ctx context.Context) error
}

// DataConsumer is an outbound SCTP data stream forwarding a DataProducer.
type DataConsumer interface {
	ID() ids.DataConsumerId
	DataProducerID() ids.DataProducerId
	SctpStreamParameters() json.RawMessage
	Closed() <-chan struct{}
	Stats(ctx context.Context) (json.RawMessage, error)
	Close(ctx context.Context) error
}
