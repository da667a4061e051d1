package cloudevents

import (
	"time"
)

// Headers returns the binary-mode CloudEvents headers for a Kafka message.
func (e *WMSCloudEvent) Headers() map[string]string {
	h := map[string]string{
		"ce-specversion": e.SpecVersion,
		"ce-type":        e.Type,
		"ce-source":      e.Source,
		"ce-id":          e.ID,
		"ce-time":        e.Time.Format(time.RFC3339Nano),
		"content-type":   e.DataContentType,
	}

	optional := map[string]string{
		"ce-subject":             e.Subject,
		"ce-" + ExtCorrelationID: e.CorrelationID,
		"ce-" + ExtSellerID:      e.SellerID,
		"ce-" + ExtShipmentID:    e.ShipmentID,
		"ce-" + ExtTraceParent:   e.TraceParent,
		"ce-" + ExtTraceState:    e.TraceState,
	}
	for k, v := range optional {
		if v != "" {
			h[k] = v
		}
	}

	return h
}

// ApplyHeaders fills envelope attributes from ce-* headers, leaving fields already set in
// the decoded body untouched.
func (e *WMSCloudEvent) ApplyHeaders(headers map[string]string) {
	set := func(dst *string, key string) {
		if *dst == "" {
			*dst = headers[key]
		}
	}

	set(&e.SpecVersion, "ce-specversion")
	set(&e.Type, "ce-type")
	set(&e.Source, "ce-source")
	set(&e.ID, "ce-id")
	set(&e.Subject, "ce-subject")
	set(&e.DataContentType, "content-type")
	set(&e.CorrelationID, "ce-"+ExtCorrelationID)
	set(&e.SellerID, "ce-"+ExtSellerID)
	set(&e.ShipmentID, "ce-"+ExtShipmentID)
	set(&e.TraceParent, "ce-"+ExtTraceParent)
	set(&e.TraceState, "ce-"+ExtTraceState)

	if e.Time.IsZero() {
		if t, err := time.Parse(time.RFC3339Nano, headers["ce-time"]); err == nil {
			e.Time = t
		}
	}
}

// Validate reports whether the required CloudEvents attributes are present.
func (e *WMSCloudEvent) Validate() bool {
	return e.SpecVersion != "" && e.Type != "" && e.Source != "" && e.ID != ""
}
