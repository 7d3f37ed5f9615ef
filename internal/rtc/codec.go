package rtc

import (
	"github.com/pion/webrtc/v4"
	"github.com/zaf/g711"
)

// Codec converts between PCM16 and the RTP payload format negotiated with
// the remote endpoint.
type Codec interface {
	Capability() webrtc.RTPCodecCapability
	PayloadType() webrtc.PayloadType
	Encode(samples []int16) []byte
	Decode(payload []byte) []int16
}

// PCMU is G.711 mu-law at 8 kHz mono.
type PCMU struct{}

func (PCMU) Capability() webrtc.RTPCodecCapability {
	return webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypePCMU, ClockRate: 8000, Channels: 1}
}

func (PCMU) PayloadType() webrtc.PayloadType { return 0 }

func (PCMU) Encode(samples []int16) []byte {
	out := make([]byte, len(samples))
	for i, s := range samples {
		out[i] = g711.EncodeUlawFrame(s)
	}
	return out
}

func (PCMU) Decode(payload []byte) []int16 {
	out := make([]int16, len(payload))
	for i, b := range payload {
		out[i] = g711.DecodeUlawFrame(b)
	}
	return out
}
