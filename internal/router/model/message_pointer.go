// Package model provides the data structures that flow through the router:
// the wire-level MessagePointer decoded from upstream queue bodies, and the
// JSON shapes exchanged with the downstream HTTP mediation target.
package model

// MediationType defines the type of mediation to perform.
type MediationType string

const (
	// MediationTypeHTTP is HTTP-based mediation to external webhooks.
	MediationTypeHTTP MediationType = "HTTP"
)

// MessagePointer is the unit of work the router owns, decoded from the
// upstream queue message body. BrokerMessageID is the one field not part of
// the wire contract: it is populated from the broker envelope, not from the
// JSON body itself.
type MessagePointer struct {
	// ID is the application message id, stable across requeues.
	ID string `json:"id"`

	// PoolCode selects which pool routes this message.
	PoolCode string `json:"poolCode"`

	// AuthToken is the bearer token presented to the downstream HTTP target.
	AuthToken string `json:"authToken"`

	// MediationType is the mediation mechanism to use. Only HTTP exists today.
	MediationType MediationType `json:"mediationType"`

	// MediationTarget is the absolute URL of the downstream HTTP target.
	MediationTarget string `json:"mediationTarget"`

	// MessageGroupID is the optional ordering key within a pool. Messages
	// sharing a group process strictly serially; empty means the message is
	// its own group (full parallelism up to pool concurrency).
	MessageGroupID string `json:"messageGroupId"`

	// BatchID is the optional fate-sharing key, scoped to MessageGroupID.
	BatchID string `json:"batchId"`

	// BrokerMessageID is the broker's physical-delivery id (SQS message id,
	// NATS sequence/Nats-Msg-Id). Not part of the upstream JSON body — it is
	// populated from the broker envelope by the consumer. Empty when the
	// broker does not expose a stable delivery id distinct from ID.
	BrokerMessageID string `json:"-"`
}

// PipelineKey is the router's identity for a delivery attempt: the broker
// message id if present, else the application id.
func (p *MessagePointer) PipelineKey() string {
	if p.BrokerMessageID != "" {
		return p.BrokerMessageID
	}
	return p.ID
}

// Validate reports the first missing required field, matching the
// external-interface contract: missing id/poolCode/authToken/mediationType/
// mediationTarget means the consumer must ack without retrying.
func (p *MessagePointer) Validate() error {
	switch {
	case p.ID == "":
		return errMissingField("id")
	case p.PoolCode == "":
		return errMissingField("poolCode")
	case p.AuthToken == "":
		return errMissingField("authToken")
	case p.MediationType == "":
		return errMissingField("mediationType")
	case p.MediationTarget == "":
		return errMissingField("mediationTarget")
	}
	return nil
}

type missingFieldError string

func (e missingFieldError) Error() string { return "message pointer missing required field: " + string(e) }

func errMissingField(field string) error { return missingFieldError(field) }

// MediationResponse is the JSON body an HTTP mediation target may return on
// a 200 response to influence ack/nack behavior.
type MediationResponse struct {
	Ack          bool   `json:"ack"`
	Message      string `json:"message,omitempty"`
	DelaySeconds *int   `json:"delaySeconds,omitempty"`
}

// MediationRequest describes the fields of the JSON body POSTed to the
// downstream HTTP target. The mediator does not encode this type: it uses its
// own request struct, which writes sqsMessageId as null when it is empty
// instead of omitting it.
type MediationRequest struct {
	MessageID       string `json:"messageId"`
	SQSMessageID    string `json:"sqsMessageId,omitempty"`
	MediationType   string `json:"mediationType"`
}
