// Package pb holds the messages exchanged between the host control server
// and in-container agents, and their protobuf wire encoding. The schema is
// described in agent.proto; encoding is done directly with protowire so the
// message types stay plain Go structs.
package pb

import "fmt"

// Kind identifies a Message variant. Values match the envelope field
// numbers in agent.proto.
type Kind int

const (
	KindStartPortForward Kind = iota + 1
	KindStopPortForward
	KindOpenURL
	KindStreamOpen
	KindStreamData
	KindStreamHalfClose
	KindStreamClose
)

func (k Kind) String() string {
	switch k {
	case KindStartPortForward:
		return "StartPortForward"
	case KindStopPortForward:
		return "StopPortForward"
	case KindOpenURL:
		return "OpenUrl"
	case KindStreamOpen:
		return "StreamOpen"
	case KindStreamData:
		return "StreamData"
	case KindStreamHalfClose:
		return "StreamHalfClose"
	case KindStreamClose:
		return "StreamClose"
	}
	return fmt.Sprintf("Kind(%d)", int(k))
}

// Message is one of the variants below.
type Message interface {
	Kind() Kind
}

// StartPortForward asks the host to forward traffic to Port.
type StartPortForward struct {
	Port uint16
}

// StopPortForward asks the host to tear down the forward for Port.
type StopPortForward struct {
	Port uint16
}

// OpenURL asks the host to open URL in its browser.
type OpenURL struct {
	URL string
}

// StreamOpen asks the agent to connect a new logical stream to
// ContainerPort.
type StreamOpen struct {
	StreamID      uint32
	ContainerPort uint16
}

// StreamData carries relayed bytes for one stream. Data returned by
// Unmarshal aliases the decoded buffer.
type StreamData struct {
	StreamID uint32
	Data     []byte
}

// Direction names the half of a stream that reached EOF.
type Direction int

const (
	// DirectionHostToContainer: the host-side client stopped sending.
	DirectionHostToContainer Direction = iota
	// DirectionContainerToHost: the container-side service stopped sending.
	DirectionContainerToHost
)

func (d Direction) String() string {
	switch d {
	case DirectionHostToContainer:
		return "host-to-container"
	case DirectionContainerToHost:
		return "container-to-host"
	}
	return fmt.Sprintf("Direction(%d)", int(d))
}

// StreamHalfClose tells the peer that the sender will write no more data
// on the stream. The peer may still send.
type StreamHalfClose struct {
	StreamID  uint32
	Direction Direction
}

// StreamClose tears down a stream in both directions.
type StreamClose struct {
	StreamID uint32
}

func (*StartPortForward) Kind() Kind { return KindStartPortForward }
func (*StopPortForward) Kind() Kind  { return KindStopPortForward }
func (*OpenURL) Kind() Kind          { return KindOpenURL }
func (*StreamOpen) Kind() Kind       { return KindStreamOpen }
func (*StreamData) Kind() Kind       { return KindStreamData }
func (*StreamHalfClose) Kind() Kind  { return KindStreamHalfClose }
func (*StreamClose) Kind() Kind      { return KindStreamClose }
