package webrtc

import (
	"context"
	"testing"

	"stagewire/internal/core/domain"
	"stagewire/internal/core/ports"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

func routerCaps() domain.RTPCapabilities {
	return domain.RTPCapabilities{Codecs: []domain.RTPCodecCapability{
		{Kind: domain.KindAudio, MimeType: "audio/opus", PreferredPayloadType: 100, ClockRate: 48000, Channels: 2},
		{Kind: domain.KindVideo, MimeType: "video/VP8", PreferredPayloadType: 101, ClockRate: 90000},
		{Kind: domain.KindVideo, MimeType: "video/AV1", PreferredPayloadType: 102, ClockRate: 90000},
	}}
}

func transportOptions(id string) domain.TransportOptions {
	return domain.TransportOptions{
		ID:            domain.TransportID(id),
		ICEParameters: domain.ICEParameters{UsernameFragment: "ufrag", Password: "password", ICELite: true},
		ICECandidates: []domain.ICECandidate{{Foundation: "udpcandidate", Priority: 1076302079, IP: "127.0.0.1", Protocol: "udp", Port: 40000, Type: "host"}},
		DTLSParameters: domain.DTLSParameters{Role: "auto", Fingerprints: []domain.DTLSFingerprint{
			{Algorithm: "sha-256", Value: "AF:12:7A:5D:6B:3E:2C:41:0D:9F:8E:77:66:55:44:33:22:11:00:FF:EE:DD:CC:BB:AA:99:88:77:66:55:44:33"},
		}},
	}
}

func TestDevice_Load(t *testing.T) {
	d := NewDevice(Config{}, zaptest.NewLogger(t).Sugar())
	assert.False(t, d.Loaded())
	assert.False(t, d.CanProduce(domain.KindAudio))

	require.NoError(t, d.Load(routerCaps()))
	assert.True(t, d.Loaded())
	assert.True(t, d.CanProduce(domain.KindAudio))
	assert.True(t, d.CanProduce(domain.KindVideo))

	caps := d.RTPCapabilities()
	require.Len(t, caps.Codecs, 2, "AV1 is not supported")
	assert.Equal(t, uint8(100), caps.Codecs[0].PreferredPayloadType, "router payload types are kept")

	assert.ErrorIs(t, d.Load(routerCaps()), domain.ErrInvalidState)
}

func TestDevice_LoadWithoutCommonCodec(t *testing.T) {
	d := NewDevice(Config{}, zaptest.NewLogger(t).Sugar())
	err := d.Load(domain.RTPCapabilities{Codecs: []domain.RTPCodecCapability{
		{Kind: domain.KindAudio, MimeType: "audio/ISAC", ClockRate: 16000},
	}})
	assert.ErrorIs(t, err, domain.ErrCapabilityMismatch)
	assert.False(t, d.Loaded())
}

func TestDevice_AudioOnlyRouter(t *testing.T) {
	d := NewDevice(Config{}, zaptest.NewLogger(t).Sugar())
	require.NoError(t, d.Load(domain.RTPCapabilities{Codecs: routerCaps().Codecs[:1]}))
	assert.True(t, d.CanProduce(domain.KindAudio))
	assert.False(t, d.CanProduce(domain.KindVideo))
}

func TestDevice_Transports(t *testing.T) {
	d := NewDevice(Config{}, zaptest.NewLogger(t).Sugar())
	_, err := d.CreateSendTransport(transportOptions("t1"))
	assert.ErrorIs(t, err, domain.ErrInvalidState, "not loaded")

	require.NoError(t, d.Load(routerCaps()))
	_, err = d.CreateSendTransport(domain.TransportOptions{})
	assert.ErrorIs(t, err, domain.ErrProtocolViolation)

	send, err := d.CreateSendTransport(transportOptions("t1"))
	require.NoError(t, err)
	defer send.Close()
	recv, err := d.CreateReceiveTransport(transportOptions("t2"))
	require.NoError(t, err)
	defer recv.Close()

	assert.Equal(t, domain.TransportID("t1"), send.ID())
	assert.Equal(t, domain.DirectionSend, send.Direction())
	assert.Equal(t, domain.DirectionReceive, recv.Direction())

	ctx := context.Background()
	_, err = recv.Produce(ctx, nil, domain.AudioProducer{})
	assert.ErrorIs(t, err, domain.ErrInvalidState)
	_, err = send.Consume(ctx, ports.ConsumeOptions{ID: "c1", Kind: domain.KindAudio})
	assert.ErrorIs(t, err, domain.ErrInvalidState)
	_, err = recv.Consume(ctx, ports.ConsumeOptions{ID: "c1", Kind: domain.KindAudio})
	assert.ErrorIs(t, err, domain.ErrProtocolViolation, "no codec or encoding")
}

func TestTransport_ConnectFailureIsReported(t *testing.T) {
	d := NewDevice(Config{}, zaptest.NewLogger(t).Sugar())
	require.NoError(t, d.Load(routerCaps()))
	recv, err := d.CreateReceiveTransport(transportOptions("t2"))
	require.NoError(t, err)
	defer recv.Close()

	connects := 0
	recv.OnConnect(func(ctx context.Context, params domain.DTLSParameters) error {
		connects++
		assert.Equal(t, "client", params.Role)
		assert.NotEmpty(t, params.Fingerprints)
		return assert.AnError
	})

	opts := ports.ConsumeOptions{
		ID:   "c1",
		Kind: domain.KindAudio,
		RTPParameters: domain.RTPParameters{
			Codecs:    []domain.RTPCodecParameters{{MimeType: "audio/opus", PayloadType: 100, ClockRate: 48000, Channels: 2}},
			Encodings: []domain.RTPEncoding{{SSRC: 1111}},
		},
	}
	_, err = recv.Consume(context.Background(), opts)
	assert.ErrorIs(t, err, assert.AnError)
	_, err = recv.Consume(context.Background(), opts)
	assert.ErrorIs(t, err, assert.AnError, "a rejected connect is retried")
	assert.Equal(t, 2, connects)

	recv.Close()
	_, err = recv.Consume(context.Background(), opts)
	assert.ErrorIs(t, err, domain.ErrNotConnected)
}
