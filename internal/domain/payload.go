package domain

import (
	"encoding/json"
	"strings"
)

// CallPayload is the body of a call create request. ConfigurationItemID is
// always set for calls, zero included, and absent for info requests.
type CallPayload struct {
	Description         string `json:"Description"`
	DescriptionHTML     string `json:"DescriptionHtml"`
	IpkStatus           int    `json:"IpkStatus"`
	IpkStream           int    `json:"IpkStream"`
	Impact              int    `json:"Impact"`
	Urgency             int    `json:"Urgency"`
	ReceivingGroup      int    `json:"ReceivingGroup"`
	Type                int    `json:"Type"`
	CustomString1       string `json:"CustomString1,omitempty"`
	ConfigurationItemID *int   `json:"ConfigurationItemId,omitempty"`
	Location            int    `json:"Location,omitempty"`
	User                int    `json:"User"`
}

// InventoryAllocationPayload is the body of an inventory allocation create request.
type InventoryAllocationPayload struct {
	Person            int `json:"Person"`
	Purchase          int `json:"Purchase"`
	Quantity          int `json:"Quantity"`
	TransactionStatus int `json:"TransactionStatus"`
}

// CreateResponse is the answer to a create request.
type CreateResponse struct {
	Ref json.RawMessage `json:"Ref"`
}

// Reference returns Ref as a string whether the upstream sent a JSON string
// or a number.
func (r CreateResponse) Reference() string {
	raw := strings.TrimSpace(string(r.Ref))
	if raw == "" || raw == "null" {
		return ""
	}
	var s string
	if err := json.Unmarshal(r.Ref, &s); err == nil {
		return strings.TrimSpace(s)
	}
	return raw
}
