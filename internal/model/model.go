// Package model defines the wire-level payload variants exchanged over the
// bus and the state vocabulary shared by the whole correlator.
//
// The inbound XML is decoded into a tagged variant (Event, Ticket,
// ComputationOrder or Other) at the ingest boundary so that every
// downstream component dispatches statically instead of sniffing XML.
package model

import "time"

// Namespaces of the three recognised payload kinds.
const (
	NSEvent            = "http://www.projet-vigilo.org/xmlns/event1"
	NSTicket           = "http://www.projet-vigilo.org/xmlns/ticket1"
	NSComputationOrder = "http://www.projet-vigilo.org/xmlns/computation-order1"
)

// Acknowledgement status of a correlated event.
const (
	AckNone   = "NONE"
	AckActive = "ACK"
	AckClosed = "CLOSED"
)

// Payload is the tagged variant carried by a bus Message.
type Payload interface {
	payloadKind() string
}

// Message is one decoded bus item. ID is the bus message id (mandatory —
// items without one are dropped at ingest).
type Message struct {
	ID      string
	Payload Payload
	Raw     []byte
}

// Event is a host/service state-change notification. Host is empty for
// high-level services (the HLS sentinel hostname is nulled at ingest).
type Event struct {
	Host        string
	Service     string
	State       string
	Timestamp   time.Time
	Message     string
	ImpactedHLS []string
	TicketID    string
	AckStatus   string
}

// Ticket is an incident-ticket mutation.
type Ticket struct {
	TicketID  string
	Host      string
	Service   string
	Timestamp time.Time
	Message   string
	AckStatus string
}

// ComputationOrder asks for the state of the listed high-level services
// to be recomputed.
type ComputationOrder struct {
	HLSNames []string
}

// Other is any recognised frame the correlator deliberately ignores.
type Other struct {
	Kind string
}

func (Event) payloadKind() string            { return "event" }
func (Ticket) payloadKind() string           { return "ticket" }
func (ComputationOrder) payloadKind() string { return "computation_order" }
func (Other) payloadKind() string            { return "other" }

// IsNominal reports whether a state name is nominal (UP for hosts, OK for
// services). Everything else is a problem state.
func IsNominal(state string) bool {
	return state == "UP" || state == "OK"
}
