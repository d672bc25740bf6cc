// Package ingest turns raw bus items into typed messages and persists the
// state change and history entry of each event before correlation runs.
package ingest

import (
	"bytes"
	"encoding/xml"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/vigilo/correlator/internal/model"
)

// ErrMissingID reports a bus item without the mandatory id attribute.
// Such items are dropped with an error log.
var ErrMissingID = errors.New("bus item has no id")

type wrapper struct {
	XMLName xml.Name  `xml:"item"`
	ID      string    `xml:"id,attr"`
	Payload payloadEl `xml:",any"`
}

type payloadEl struct {
	XMLName xml.Name
	Inner   []byte `xml:",innerxml"`
}

type eventXML struct {
	Timestamp   string   `xml:"timestamp"`
	Host        string   `xml:"host"`
	Service     string   `xml:"service"`
	State       string   `xml:"state"`
	Message     string   `xml:"message"`
	ImpactedHLS []string `xml:"impacted_HLS"`
	TicketID    string   `xml:"ticket_id"`
	Ack         string   `xml:"acknowledgement_status"`
}

type ticketXML struct {
	TicketID  string `xml:"ticket_id"`
	Host      string `xml:"host"`
	Service   string `xml:"service"`
	Timestamp string `xml:"timestamp"`
	Message   string `xml:"message"`
	Ack       string `xml:"acknowledgement_status"`
}

type computationOrderXML struct {
	HLS []string `xml:"hls"`
}

// Parse decodes one serialized bus item. hlsSentinel is the hostname that
// marks high-level-service events; when matched, the host is nulled so the
// event is treated as HLS. Frames whose root element is not <item> (e.g.
// retractions) come back as model.Other and are skipped by the caller.
func Parse(raw []byte, hlsSentinel string) (model.Message, error) {
	var root xml.Name
	dec := xml.NewDecoder(bytes.NewReader(raw))
	for {
		tok, err := dec.Token()
		if err != nil {
			return model.Message{}, fmt.Errorf("malformed bus item: %w", err)
		}
		if start, ok := tok.(xml.StartElement); ok {
			root = start.Name
			break
		}
	}
	if root.Local != "item" {
		return model.Message{Payload: model.Other{Kind: root.Local}, Raw: raw}, nil
	}

	var w wrapper
	if err := xml.Unmarshal(raw, &w); err != nil {
		return model.Message{}, fmt.Errorf("malformed bus item: %w", err)
	}
	if w.ID == "" {
		return model.Message{}, ErrMissingID
	}

	msg := model.Message{ID: w.ID, Raw: raw}
	switch {
	case w.Payload.XMLName.Space == model.NSEvent && w.Payload.XMLName.Local == "event":
		ev, err := parseEvent(w.Payload.Inner, hlsSentinel)
		if err != nil {
			return model.Message{}, err
		}
		msg.Payload = ev
	case w.Payload.XMLName.Space == model.NSTicket && w.Payload.XMLName.Local == "ticket":
		tk, err := parseTicket(w.Payload.Inner)
		if err != nil {
			return model.Message{}, err
		}
		msg.Payload = tk
	case w.Payload.XMLName.Space == model.NSComputationOrder && w.Payload.XMLName.Local == "computation_order":
		co, err := parseComputationOrder(w.Payload.Inner)
		if err != nil {
			return model.Message{}, err
		}
		msg.Payload = co
	default:
		msg.Payload = model.Other{Kind: w.Payload.XMLName.Local}
	}
	return msg, nil
}

func parseEvent(inner []byte, hlsSentinel string) (model.Event, error) {
	var raw eventXML
	if err := unmarshalInner(inner, &raw); err != nil {
		return model.Event{}, fmt.Errorf("malformed event payload: %w", err)
	}

	host := raw.Host
	if host == hlsSentinel {
		// Sentinel hostname carries high-level-service events.
		host = ""
	}
	return model.Event{
		Host:        host,
		Service:     raw.Service,
		State:       raw.State,
		Timestamp:   parseTimestamp(raw.Timestamp),
		Message:     raw.Message,
		ImpactedHLS: raw.ImpactedHLS,
		TicketID:    raw.TicketID,
		AckStatus:   raw.Ack,
	}, nil
}

func parseTicket(inner []byte) (model.Ticket, error) {
	var raw ticketXML
	if err := unmarshalInner(inner, &raw); err != nil {
		return model.Ticket{}, fmt.Errorf("malformed ticket payload: %w", err)
	}
	return model.Ticket{
		TicketID:  raw.TicketID,
		Host:      raw.Host,
		Service:   raw.Service,
		Timestamp: parseTimestamp(raw.Timestamp),
		Message:   raw.Message,
		AckStatus: raw.Ack,
	}, nil
}

func parseComputationOrder(inner []byte) (model.ComputationOrder, error) {
	var raw computationOrderXML
	if err := unmarshalInner(inner, &raw); err != nil {
		return model.ComputationOrder{}, fmt.Errorf("malformed computation order: %w", err)
	}
	// Deduplicate while preserving arrival order.
	seen := make(map[string]struct{}, len(raw.HLS))
	var names []string
	for _, name := range raw.HLS {
		if _, dup := seen[name]; dup || name == "" {
			continue
		}
		seen[name] = struct{}{}
		names = append(names, name)
	}
	return model.ComputationOrder{HLSNames: names}, nil
}

// unmarshalInner decodes the children of a payload element. The synthetic
// wrapper strips the namespace; field tags are unqualified on purpose so
// they match regardless.
func unmarshalInner(inner []byte, out interface{}) error {
	buf := make([]byte, 0, len(inner)+9)
	buf = append(buf, "<x>"...)
	buf = append(buf, inner...)
	buf = append(buf, "</x>"...)
	return xml.Unmarshal(buf, out)
}

// parseTimestamp reads a unix timestamp, falling back to the current time
// when the field is absent or unparseable.
func parseTimestamp(s string) time.Time {
	n, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return time.Now()
	}
	return time.Unix(n, 0).UTC()
}
