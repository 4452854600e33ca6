// Package protocol defines the closed set of messages exchanged between the
// coordinator and its peers (workers and clients), and their wire encoding.
//
// Every frame is a protobuf-wire record: {1: kind, 2: seq, 3: body}. Message
// bodies are themselves tag/length/value records, so peers skip fields and
// message kinds they do not know. A decoder meeting an unknown kind returns
// an *Unknown message instead of failing.
package protocol

import (
	"errors"
	"fmt"
)

// ErrProtocol marks malformed or unexpected messages. A connection that
// produces one is dropped.
var ErrProtocol = errors.New("protocol error")

// Version is sent in Register so the coordinator can log mismatched peers.
const Version = 1

// Kind tags a message. Values are part of the wire format and never reused.
type Kind uint32

const (
	KindUnknown Kind = iota
	KindRegister
	KindAuthChallenge
	KindAuthResponse
	KindWelcome
	KindHeartbeat
	KindSubmitJob
	KindJobAccepted
	KindRequestWork
	KindNoWork
	KindQueueChanged
	KindOfferJob
	KindAcceptJob
	KindStartJob
	KindDeclineJob
	KindStealNotice
	KindJobOutput
	KindJobResult
	KindJobStatus
	KindCancelJob
	KindListJobs
	KindJobList
	KindShowJob
	KindObserveJob
	KindRemoveJob
	KindCleanJobs
	KindListWorkers
	KindWorkerList
	KindResponse
	KindDisconnect
)

var kindNames = map[Kind]string{
	KindUnknown:       "Unknown",
	KindRegister:      "Register",
	KindAuthChallenge: "AuthChallenge",
	KindAuthResponse:  "AuthResponse",
	KindWelcome:       "Welcome",
	KindHeartbeat:     "Heartbeat",
	KindSubmitJob:     "SubmitJob",
	KindJobAccepted:   "JobAccepted",
	KindRequestWork:   "RequestWork",
	KindNoWork:        "NoWork",
	KindQueueChanged:  "QueueChanged",
	KindOfferJob:      "OfferJob",
	KindAcceptJob:     "AcceptJob",
	KindStartJob:      "StartJob",
	KindDeclineJob:    "DeclineJob",
	KindStealNotice:   "StealNotice",
	KindJobOutput:     "JobOutput",
	KindJobResult:     "JobResult",
	KindJobStatus:     "JobStatus",
	KindCancelJob:     "CancelJob",
	KindListJobs:      "ListJobs",
	KindJobList:       "JobList",
	KindShowJob:       "ShowJob",
	KindObserveJob:    "ObserveJob",
	KindRemoveJob:     "RemoveJob",
	KindCleanJobs:     "CleanJobs",
	KindListWorkers:   "ListWorkers",
	KindWorkerList:    "WorkerList",
	KindResponse:      "Response",
	KindDisconnect:    "Disconnect",
}

func (k Kind) String() string {
	if name, ok := kindNames[k]; ok {
		return name
	}
	return fmt.Sprintf("Kind(%d)", uint32(k))
}

// Message is implemented only by the types in this package.
type Message interface {
	Kind() Kind
	appendFields(e *encoder)
	readField(f field) error
}

// Frame is the unit carried by the transport. Seq correlates client
// requests with their replies; unsolicited messages carry Seq 0.
type Frame struct {
	Seq uint64
	Msg Message
}

// Role identifies what kind of peer opened a connection.
type Role string

const (
	RoleWorker Role = "worker"
	RoleClient Role = "client"
)

// Stream identifies which output stream a JobOutput chunk belongs to.
type Stream uint8

const (
	StreamStdout Stream = 1
	StreamStderr Stream = 2
)

func newMessage(k Kind) Message {
	switch k {
	case KindRegister:
		return &Register{}
	case KindAuthChallenge:
		return &AuthChallenge{}
	case KindAuthResponse:
		return &AuthResponse{}
	case KindWelcome:
		return &Welcome{}
	case KindHeartbeat:
		return &Heartbeat{}
	case KindSubmitJob:
		return &SubmitJob{}
	case KindJobAccepted:
		return &JobAccepted{}
	case KindRequestWork:
		return &RequestWork{}
	case KindNoWork:
		return &NoWork{}
	case KindQueueChanged:
		return &QueueChanged{}
	case KindOfferJob:
		return &OfferJob{}
	case KindAcceptJob:
		return &AcceptJob{}
	case KindStartJob:
		return &StartJob{}
	case KindDeclineJob:
		return &DeclineJob{}
	case KindStealNotice:
		return &StealNotice{}
	case KindJobOutput:
		return &JobOutput{}
	case KindJobResult:
		return &JobResult{}
	case KindJobStatus:
		return &JobStatus{}
	case KindCancelJob:
		return &CancelJob{}
	case KindListJobs:
		return &ListJobs{}
	case KindJobList:
		return &JobList{}
	case KindShowJob:
		return &ShowJob{}
	case KindObserveJob:
		return &ObserveJob{}
	case KindRemoveJob:
		return &RemoveJob{}
	case KindCleanJobs:
		return &CleanJobs{}
	case KindListWorkers:
		return &ListWorkers{}
	case KindWorkerList:
		return &WorkerList{}
	case KindResponse:
		return &Response{}
	case KindDisconnect:
		return &Disconnect{}
	default:
		return &Unknown{Code: k}
	}
}

// Encode serialises a frame.
func Encode(f Frame) ([]byte, error) {
	if f.Msg == nil {
		return nil, fmt.Errorf("%w: nil message", ErrProtocol)
	}
	if _, ok := f.Msg.(*Unknown); ok {
		return nil, fmt.Errorf("%w: cannot encode unknown message", ErrProtocol)
	}
	var e encoder
	e.uint(1, uint64(f.Msg.Kind()))
	e.uint(2, f.Seq)
	e.nested(3, f.Msg.appendFields)
	return e.b, nil
}

// Decode parses a frame. Unknown kinds decode to *Unknown.
func Decode(b []byte) (Frame, error) {
	var (
		kind Kind
		seq  uint64
		body []byte
	)
	err := walk(b, func(f field) error {
		switch f.num {
		case 1:
			kind = Kind(f.uint())
		case 2:
			seq = f.uint()
		case 3:
			body = f.raw
		}
		return nil
	})
	if err != nil {
		return Frame{}, err
	}
	if kind == KindUnknown {
		return Frame{}, fmt.Errorf("%w: missing message kind", ErrProtocol)
	}

	msg := newMessage(kind)
	if err := walk(body, msg.readField); err != nil {
		return Frame{}, fmt.Errorf("decode %s: %w", kind, err)
	}
	return Frame{Seq: seq, Msg: msg}, nil
}
