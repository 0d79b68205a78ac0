package cheddr

import "encoding/json"

// X402Version is the protocol version carried in every payment exchange.
const X402Version = 1

// SchemeChannel is the payment scheme implemented by this module: cumulative
// payment channels settled off-chain through a sequencer.
const SchemeChannel = "cpc"

// ZeroChannelID is the sentinel channel id carried by bootstrap requirements,
// issued when the payer has no open channel yet.
const ZeroChannelID = "0x0000000000000000000000000000000000000000000000000000000000000000"

// SigningDomain identifies the EIP-712 domain every channel update signature
// is bound to: one chain, one verifying contract.
type SigningDomain struct {
	Name              string `json:"name"`
	Version           string `json:"version"`
	ChainID           uint64 `json:"chainId"`
	VerifyingContract string `json:"verifyingContract"`
}

// ChannelExtra is the scheme-specific block of PaymentRequirements. For a
// bound challenge it references a live channel; for a bootstrap challenge the
// channel id is ZeroChannelID and ChannelAmount suggests an opening deposit.
type ChannelExtra struct {
	ChannelID            string        `json:"channelId"`
	NextSequenceNumber   uint64        `json:"nextSequenceNumber"`
	ChannelExpiry        uint64        `json:"channelExpiry"`
	ChannelManager       string        `json:"channelManager"`
	ChannelAmount        string        `json:"channelAmount,omitempty"`
	Domain               SigningDomain `json:"domain"`
	TimestampSkewSeconds uint64        `json:"timestampSkewSeconds,omitempty"`
	MaxRecipients        int           `json:"maxRecipients,omitempty"`
	FeeDestination       string        `json:"feeDestinationAddress,omitempty"`
}

// PaymentRequirements describes what a single request must pay.
type PaymentRequirements struct {
	Scheme            string           `json:"scheme"`
	Network           string           `json:"network"`
	MaxAmountRequired string           `json:"maxAmountRequired"`
	Resource          string           `json:"resource,omitempty"`
	Description       string           `json:"description,omitempty"`
	MimeType          string           `json:"mimeType,omitempty"`
	OutputSchema      *json.RawMessage `json:"outputSchema"`
	PayTo             string           `json:"payTo"`
	MaxTimeoutSeconds int              `json:"maxTimeoutSeconds,omitempty"`
	Asset             string           `json:"asset"`
	Extra             *ChannelExtra    `json:"extra,omitempty"`
}

// PaymentRequired is the 402 response body sent to clients.
type PaymentRequired struct {
	X402Version int                   `json:"x402Version"`
	Error       string                `json:"error,omitempty"`
	Accepts     []PaymentRequirements `json:"accepts"`
}

// FeeForPayment optionally routes part of a payment to a fee destination in
// the same channel update.
type FeeForPayment struct {
	FeeDestinationAddress string `json:"feeDestinationAddress"`
	FeeAmount             string `json:"feeAmountCurds"`
}

// PayInChannelPayload is the signed channel update a client submits: the one
// new payment plus the signature over the resulting full channel state.
type PayInChannelPayload struct {
	ChannelID      string         `json:"channelId"`
	Amount         string         `json:"amount"`
	Receiver       string         `json:"receiver"`
	SequenceNumber uint64         `json:"sequenceNumber"`
	Timestamp      uint64         `json:"timestamp"`
	UserSignature  string         `json:"userSignature"`
	Purpose        string         `json:"purpose,omitempty"`
	FeeForPayment  *FeeForPayment `json:"feeForPayment,omitempty"`
}

// PaymentPayload is the decoded X-PAYMENT header.
type PaymentPayload struct {
	X402Version int                 `json:"x402Version"`
	Scheme      string              `json:"scheme"`
	Network     string              `json:"network"`
	Payload     PayInChannelPayload `json:"payload"`
}

// VerifyResponse is returned by a facilitator's /verify endpoint.
type VerifyResponse struct {
	IsValid       bool   `json:"isValid"`
	InvalidReason string `json:"invalidReason,omitempty"`
	Payer         string `json:"payer,omitempty"`
}

// SettleResponse is returned by a facilitator's /settle endpoint and is
// relayed to the client base64-encoded in the X-PAYMENT-RESPONSE header.
type SettleResponse struct {
	Success     bool   `json:"success"`
	ErrorReason string `json:"errorReason,omitempty"`
	Payer       string `json:"payer,omitempty"`
	Transaction string `json:"transaction,omitempty"`
	Network     string `json:"network,omitempty"`
}

// RecipientView is one cumulative recipient balance in a channel view.
type RecipientView struct {
	RecipientAddress string `json:"recipientAddress"`
	Balance          string `json:"balance"`
}

// ChannelView is the sequencer's wire representation of a channel state.
type ChannelView struct {
	ChannelID          string          `json:"channelId"`
	Owner              string          `json:"owner"`
	Balance            string          `json:"balance"`
	ExpiryTimestamp    uint64          `json:"expiryTimestamp"`
	SequenceNumber     uint64          `json:"sequenceNumber"`
	UserSignature      string          `json:"userSignature"`
	SequencerSignature string          `json:"sequencerSignature"`
	SignatureTimestamp uint64          `json:"signatureTimestamp"`
	Recipients         []RecipientView `json:"recipients"`
}

// SeedChannelRequest mirrors an on-chain channel open into the sequencer.
type SeedChannelRequest struct {
	ChannelID       string `json:"channelId"`
	Owner           string `json:"owner"`
	Balance         string `json:"balance"`
	ExpiryTimestamp uint64 `json:"expiryTimestamp"`
}

// ChannelsByOwnerResponse lists a payer's channels, most recently opened last.
type ChannelsByOwnerResponse struct {
	Owner      string   `json:"owner"`
	ChannelIDs []string `json:"channelIds"`
}

// PayInChannelResponse wraps the channel state resulting from an accepted
// (or idempotently replayed) update.
type PayInChannelResponse struct {
	Channel ChannelView `json:"channel"`
}

// VerifyRequest is the body posted to facilitator /verify and /settle.
type VerifyRequest struct {
	X402Version         int                 `json:"x402Version"`
	PaymentPayload      PaymentPayload      `json:"paymentPayload"`
	PaymentRequirements PaymentRequirements `json:"paymentRequirements"`
}
