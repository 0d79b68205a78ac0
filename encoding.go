package cheddr

import (
	"encoding/base64"
	"encoding/json"
	"strings"

	"github.com/xeipuuv/gojsonschema"
)

// paymentPayloadSchema is validated against every decoded X-PAYMENT document
// before typed decoding, so malformed submissions fail with a precise
// validation error instead of a half-populated struct.
const paymentPayloadSchema = `{
  "type": "object",
  "required": ["x402Version", "scheme", "network", "payload"],
  "properties": {
    "x402Version": {"type": "integer"},
    "scheme": {"type": "string", "minLength": 1},
    "network": {"type": "string", "minLength": 1},
    "payload": {
      "type": "object",
      "required": ["channelId", "amount", "receiver", "sequenceNumber", "timestamp", "userSignature"],
      "properties": {
        "channelId": {"type": "string", "pattern": "^0x[0-9a-fA-F]{64}$"},
        "amount": {"type": "string", "pattern": "^[0-9]+$"},
        "receiver": {"type": "string", "pattern": "^0x[0-9a-fA-F]{40}$"},
        "sequenceNumber": {"type": "integer", "minimum": 0},
        "timestamp": {"type": "integer", "minimum": 0},
        "userSignature": {"type": "string", "pattern": "^0x[0-9a-fA-F]+$"},
        "purpose": {"type": "string"},
        "feeForPayment": {
          "type": "object",
          "required": ["feeDestinationAddress", "feeAmountCurds"],
          "properties": {
            "feeDestinationAddress": {"type": "string", "pattern": "^0x[0-9a-fA-F]{40}$"},
            "feeAmountCurds": {"type": "string", "pattern": "^[0-9]+$"}
          }
        }
      }
    }
  }
}`

var paymentSchema = gojsonschema.NewStringLoader(paymentPayloadSchema)

// DecodePaymentHeader decodes an X-PAYMENT header value into a normalized
// PaymentPayload. Clients may send either base64-wrapped JSON or bare JSON;
// base64 is tried first and bare JSON is the fallback, so both forms are
// accepted transparently.
func DecodePaymentHeader(value string) (*PaymentPayload, error) {
	trimmed := strings.TrimSpace(value)
	if trimmed == "" {
		return nil, Errorf(ErrCodeValidation, "empty X-PAYMENT header")
	}

	raw := []byte(trimmed)
	if decoded, err := base64.StdEncoding.DecodeString(trimmed); err == nil {
		raw = decoded
	}

	var doc any
	if err := json.Unmarshal(raw, &doc); err != nil {
		return nil, Errorf(ErrCodeValidation, "X-PAYMENT header is not valid JSON: %v", err)
	}

	result, err := gojsonschema.Validate(paymentSchema, gojsonschema.NewGoLoader(doc))
	if err != nil {
		return nil, Errorf(ErrCodeValidation, "payment schema validation failed: %v", err)
	}
	if !result.Valid() {
		first := result.Errors()[0]
		return nil, Errorf(ErrCodeValidation, "invalid payment payload: %s", first.String())
	}

	var payload PaymentPayload
	if err := json.Unmarshal(raw, &payload); err != nil {
		return nil, Errorf(ErrCodeValidation, "failed to decode payment payload: %v", err)
	}
	return &payload, nil
}

// EncodePaymentHeader encodes a payment payload for the X-PAYMENT header.
func EncodePaymentHeader(payload *PaymentPayload) (string, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return "", Errorf(ErrCodeValidation, "failed to marshal payment payload: %v", err)
	}
	return base64.StdEncoding.EncodeToString(data), nil
}

// EncodeSettleHeader encodes a settlement receipt for X-PAYMENT-RESPONSE.
func EncodeSettleHeader(settle *SettleResponse) (string, error) {
	data, err := json.Marshal(settle)
	if err != nil {
		return "", Errorf(ErrCodeValidation, "failed to marshal settle response: %v", err)
	}
	return base64.StdEncoding.EncodeToString(data), nil
}

// DecodeSettleHeader decodes an X-PAYMENT-RESPONSE header value.
func DecodeSettleHeader(value string) (*SettleResponse, error) {
	decoded, err := base64.StdEncoding.DecodeString(strings.TrimSpace(value))
	if err != nil {
		return nil, Errorf(ErrCodeValidation, "failed to decode settle header: %v", err)
	}
	var settle SettleResponse
	if err := json.Unmarshal(decoded, &settle); err != nil {
		return nil, Errorf(ErrCodeValidation, "failed to unmarshal settle response: %v", err)
	}
	return &settle, nil
}
