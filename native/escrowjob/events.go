package escrowjob

import (
	"encoding/hex"
	"strconv"
)

// Event types mirror the event surface of the deployed contract. Only the
// four contract events exist; deployment itself emits nothing.
const (
	EventTypeJobAccepted   = "escrowjob.accepted"
	EventTypeWorkSubmitted = "escrowjob.submitted"
	EventTypeWorkApproved  = "escrowjob.approved"
	EventTypeFundsRefunded = "escrowjob.refunded"
)

// Event is the canonical payload emitted by the escrow engine.
type Event struct {
	Type       string
	Attributes map[string]string
}

// Emitter receives events produced by engine transitions.
type Emitter interface {
	Emit(Event)
}

// NoopEmitter discards all events.
type NoopEmitter struct{}

// Emit implements Emitter.
func (NoopEmitter) Emit(Event) {}

// NewJobAcceptedEvent returns the payload emitted when the freelancer accepts
// the job.
func NewJobAcceptedEvent(j *Job) Event {
	return Event{Type: EventTypeJobAccepted, Attributes: map[string]string{
		"address":    hexAddr(j.Address),
		"freelancer": hexAddr(j.Freelancer),
	}}
}

// NewWorkSubmittedEvent returns the payload emitted when proof of work is
// recorded.
func NewWorkSubmittedEvent(j *Job) Event {
	return Event{Type: EventTypeWorkSubmitted, Attributes: map[string]string{
		"address": hexAddr(j.Address),
		"proof":   j.ProofOfWork,
	}}
}

// NewWorkApprovedEvent returns the payload emitted when the client approves
// the work and the payment moves to the freelancer.
func NewWorkApprovedEvent(j *Job) Event {
	return Event{Type: EventTypeWorkApproved, Attributes: map[string]string{
		"address": hexAddr(j.Address),
		"payment": paymentString(j),
	}}
}

// NewFundsRefundedEvent returns the payload emitted when the deadline refund
// returns the payment to the client.
func NewFundsRefundedEvent(j *Job) Event {
	return Event{Type: EventTypeFundsRefunded, Attributes: map[string]string{
		"address": hexAddr(j.Address),
		"client":  hexAddr(j.Client),
		"amount":  paymentString(j),
	}}
}

func hexAddr(addr [20]byte) string {
	return "0x" + hex.EncodeToString(addr[:])
}

func paymentString(j *Job) string {
	if j == nil || j.Payment == nil {
		return strconv.Itoa(0)
	}
	return j.Payment.String()
}
