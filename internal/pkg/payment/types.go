package payment

// Confirmation is the provider-agnostic shape of an out-of-band payment
// confirmation fed into the entitlement service.
type Confirmation struct {
	Provider       string `json:"provider"`
	EventID        string `json:"event_id"`
	TransactionRef string `json:"transaction_ref"`
	Outcome        string `json:"outcome"`
	ProofRef       string `json:"proof_ref,omitempty"`
}

// WebhookEventInput is the normalized input for webhook event persistence.
type WebhookEventInput struct {
	Provider        string
	ProviderEventID string
	EventType       string
	PayloadJSON     string
	SignatureValid  bool
}
