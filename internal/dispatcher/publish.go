package dispatcher

import (
	"encoding/xml"
	"fmt"
	"strconv"

	"github.com/google/uuid"

	"github.com/vigilo/correlator/internal/correvent"
	"github.com/vigilo/correlator/internal/model"
	"github.com/vigilo/correlator/internal/natsclient"
)

// Outbound frames mirror the inbound framing: one <item id="..."> per
// message, payload under the event namespace.

type outItem struct {
	XMLName   xml.Name      `xml:"item"`
	ID        string        `xml:"id,attr"`
	Event     *outEvent     `xml:"event,omitempty"`
	Correvent *outCorrevent `xml:"correvent,omitempty"`
}

type outEvent struct {
	XMLNS     string `xml:"xmlns,attr"`
	Timestamp string `xml:"timestamp"`
	Host      string `xml:"host,omitempty"`
	Service   string `xml:"service,omitempty"`
	State     string `xml:"state"`
	Message   string `xml:"message,omitempty"`
}

type outCorrevent struct {
	XMLNS       string  `xml:"xmlns,attr"`
	IDCorrevent int64   `xml:"idcorrevent"`
	Timestamp   string  `xml:"timestamp"`
	Host        string  `xml:"host,omitempty"`
	Service     string  `xml:"service,omitempty"`
	State       string  `xml:"state"`
	RawEvents   []int64 `xml:"events>raw_event_id"`
}

func (d *Dispatcher) publishState(msgID string, ev model.Event) error {
	frame := outItem{
		ID: msgID,
		Event: &outEvent{
			XMLNS:     model.NSEvent,
			Timestamp: strconv.FormatInt(ev.Timestamp.Unix(), 10),
			Host:      ev.Host,
			Service:   ev.Service,
			State:     ev.State,
			Message:   ev.Message,
		},
	}
	return d.publish(natsclient.SubjectState, frame)
}

// publishCorrevent emits one aggregate notification. It is a new bus
// message, not a replay of the inbound one, so it gets its own id.
func (d *Dispatcher) publishCorrevent(ev model.Event, n correvent.Notification) error {
	frame := outItem{
		ID: uuid.NewString(),
		Correvent: &outCorrevent{
			XMLNS:       model.NSEvent,
			IDCorrevent: n.CorreventID,
			Timestamp:   strconv.FormatInt(ev.Timestamp.Unix(), 10),
			Host:        ev.Host,
			Service:     ev.Service,
			State:       ev.State,
			RawEvents:   n.Members,
		},
	}
	return d.publish(natsclient.SubjectCorrevent, frame)
}

func (d *Dispatcher) publish(subject string, frame outItem) error {
	buf, err := xml.Marshal(frame)
	if err != nil {
		return fmt.Errorf("marshal outbound frame: %w", err)
	}
	if err := d.pub.Publish(subject, buf); err != nil {
		return fmt.Errorf("%w: %v", ErrBusUnavailable, err)
	}
	return nil
}
