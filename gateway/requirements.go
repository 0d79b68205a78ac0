package gateway

import (
	"time"

	cheddr "github.com/cheddr-labs/cheddr-go"
)

// buildRequirements creates a bound challenge referencing a live channel.
// The advertised next sequence number is always current+1; the client signs
// the state that results from applying its payment on top of that.
func (g *Gateway) buildRequirements(resource, price, description string, view *cheddr.ChannelView) cheddr.PaymentRequirements {
	return cheddr.PaymentRequirements{
		Scheme:            cheddr.SchemeChannel,
		Network:           g.cfg.Network(),
		MaxAmountRequired: price,
		Resource:          resource,
		Description:       description,
		MimeType:          "application/json",
		PayTo:             g.cfg.PayTo,
		MaxTimeoutSeconds: g.cfg.MaxTimeoutSeconds,
		Asset:             g.cfg.Asset,
		Extra: &cheddr.ChannelExtra{
			ChannelID:            view.ChannelID,
			NextSequenceNumber:   view.SequenceNumber + 1,
			ChannelExpiry:        view.ExpiryTimestamp,
			ChannelManager:       g.cfg.ChannelManager,
			Domain:               g.cfg.Domain(),
			TimestampSkewSeconds: g.cfg.TimestampSkewSeconds,
			MaxRecipients:        g.cfg.MaxRecipients,
		},
	}
}

// buildBootstrapRequirements creates the challenge variant for payers without
// a channel: the sentinel all-zero channel id, sequence 1, and a suggested
// opening amount and expiry.
func (g *Gateway) buildBootstrapRequirements(resource, price, description string, now time.Time) cheddr.PaymentRequirements {
	return cheddr.PaymentRequirements{
		Scheme:            cheddr.SchemeChannel,
		Network:           g.cfg.Network(),
		MaxAmountRequired: price,
		Resource:          resource,
		Description:       description,
		MimeType:          "application/json",
		PayTo:             g.cfg.PayTo,
		MaxTimeoutSeconds: g.cfg.MaxTimeoutSeconds,
		Asset:             g.cfg.Asset,
		Extra: &cheddr.ChannelExtra{
			ChannelID:            cheddr.ZeroChannelID,
			NextSequenceNumber:   1,
			ChannelExpiry:        uint64(now.Add(g.cfg.BootstrapExpiry).Unix()),
			ChannelManager:       g.cfg.ChannelManager,
			ChannelAmount:        g.cfg.bootstrapAmount(price),
			Domain:               g.cfg.Domain(),
			TimestampSkewSeconds: g.cfg.TimestampSkewSeconds,
			MaxRecipients:        g.cfg.MaxRecipients,
		},
	}
}
