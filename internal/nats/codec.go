package nats

import (
	"strings"
	"time"

	"github.com/nats-io/nats.go"
)

// maxDeliveriesAdvisory is the io.nats.jetstream.advisory.v1.max_deliver payload.
type maxDeliveriesAdvisory struct {
	Type       string    `json:"type"`
	ID         string    `json:"id"`
	Timestamp  time.Time `json:"timestamp"`
	Stream     string    `json:"stream"`
	Consumer   string    `json:"consumer"`
	StreamSeq  uint64    `json:"stream_seq"`
	Deliveries int       `json:"deliveries"`
}

// attributesToHeader copies message attributes into NATS headers verbatim.
func attributesToHeader(attrs map[string]string) nats.Header {
	h := make(nats.Header, len(attrs))
	for k, v := range attrs {
		h[k] = []string{v}
	}
	return h
}

// headerToAttributes returns the first value of every non-NATS header.
func headerToAttributes(h nats.Header) map[string]string {
	attrs := make(map[string]string, len(h))
	for k, vs := range h {
		if len(vs) == 0 || strings.HasPrefix(k, "Nats-") {
			continue
		}
		attrs[k] = vs[0]
	}
	return attrs
}

// forwardHeader copies h minus the server-interpreted Nats-* headers.
func forwardHeader(h nats.Header) nats.Header {
	out := make(nats.Header, len(h))
	for k, vs := range h {
		if strings.HasPrefix(k, "Nats-") {
			continue
		}
		out[k] = append([]string(nil), vs...)
	}
	return out
}
