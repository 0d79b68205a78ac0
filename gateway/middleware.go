// Package gateway runs the HTTP 402 challenge/verify/settle protocol around
// every paid request. A request either carries no payment and receives a 402
// challenge built from the payer's current channel state, or carries an
// X-PAYMENT envelope that is decoded, digest-verified against the channel
// owner, verified and settled by the facilitator, and finally recorded on the
// ledger before the protected handler runs. Failures exit the pipeline
// without mutating anything past the failing step.
package gateway

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	cheddr "github.com/cheddr-labs/cheddr-go"
	"github.com/cheddr-labs/cheddr-go/channel"
	"github.com/cheddr-labs/cheddr-go/facilitator"
)

// Ledger is the sequencer surface the gateway consumes.
type Ledger interface {
	GetChannel(ctx context.Context, channelID string) (*cheddr.ChannelView, error)
	ListByOwner(ctx context.Context, owner string) (*cheddr.ChannelsByOwnerResponse, error)
	Settle(ctx context.Context, payload *cheddr.PayInChannelPayload) (*cheddr.PayInChannelResponse, error)
	Health(ctx context.Context) error
}

// Facilitator is the verify/settle surface the gateway consumes.
type Facilitator interface {
	Verify(ctx context.Context, payload *cheddr.PaymentPayload, requirements *cheddr.PaymentRequirements) (*cheddr.VerifyResponse, error)
	Settle(ctx context.Context, payload *cheddr.PaymentPayload, requirements *cheddr.PaymentRequirements) (*cheddr.SettleResponse, error)
	Health(ctx context.Context) error
}

// Gateway orchestrates the payment lifecycle for protected routes.
type Gateway struct {
	cfg         *Config
	ledger      Ledger
	facilitator Facilitator
	httpClient  *http.Client
	logger      *slog.Logger
	now         func() time.Time
}

// New creates a gateway from its collaborators.
func New(cfg *Config, ledger Ledger, fac Facilitator, logger *slog.Logger) *Gateway {
	if logger == nil {
		logger = slog.Default()
	}
	return &Gateway{
		cfg:         cfg,
		ledger:      ledger,
		facilitator: fac,
		httpClient:  &http.Client{Timeout: 30 * time.Second},
		logger:      logger.With("component", "gateway"),
		now:         time.Now,
	}
}

// RouteOptions configures payment enforcement for one route.
type RouteOptions struct {
	Price       string
	Description string
}

// RouteOption mutates RouteOptions.
type RouteOption func(*RouteOptions)

// WithPrice overrides the configured default price for a route.
func WithPrice(price string) RouteOption {
	return func(o *RouteOptions) { o.Price = price }
}

// WithDescription sets the challenge description for a route.
func WithDescription(description string) RouteOption {
	return func(o *RouteOptions) { o.Description = description }
}

// RequirePayment returns gin middleware enforcing payment on a route. On
// success the settlement receipt is attached as X-PAYMENT-RESPONSE and the
// protected handler runs; every failure aborts with a JSON error body.
func (g *Gateway) RequirePayment(opts ...RouteOption) gin.HandlerFunc {
	options := RouteOptions{
		Price:       g.cfg.Price,
		Description: "Monaco micro-geocoder (Nominatim)",
	}
	for _, opt := range opts {
		opt(&options)
	}

	return func(c *gin.Context) {
		header := c.GetHeader("X-PAYMENT")
		if header == "" {
			g.challenge(c, options)
			return
		}
		g.accept(c, options, header)
	}
}

// challenge answers a paymentless request with a 402 carrying either bound
// requirements for the caller's most recent live channel or bootstrap
// requirements when none resolves.
func (g *Gateway) challenge(c *gin.Context, options RouteOptions) {
	ctx := c.Request.Context()

	owner := c.Query("owner")
	if owner == "" {
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "Missing owner query parameter"})
		return
	}
	if err := cheddr.ValidateAddress(owner); err != nil {
		g.abortWithError(c, err)
		return
	}

	view, err := g.resolveLatestChannel(ctx, owner)
	if err != nil {
		g.abortWithError(c, err)
		return
	}

	var requirements cheddr.PaymentRequirements
	if view != nil {
		requirements = g.buildRequirements(c.Request.URL.Path, options.Price, options.Description, view)
	} else {
		requirements = g.buildBootstrapRequirements(c.Request.URL.Path, options.Price, options.Description, g.now())
	}

	c.AbortWithStatusJSON(http.StatusPaymentRequired, cheddr.PaymentRequired{
		X402Version: cheddr.X402Version,
		Error:       "X-PAYMENT header is required",
		Accepts:     []cheddr.PaymentRequirements{requirements},
	})
}

// resolveLatestChannel walks the owner's channels newest-first and returns
// the first one the ledger still resolves. Stale ids are skipped, not
// errored. A nil view with nil error means bootstrap.
func (g *Gateway) resolveLatestChannel(ctx context.Context, owner string) (*cheddr.ChannelView, error) {
	listed, err := g.ledger.ListByOwner(ctx, owner)
	if err != nil {
		return nil, err
	}
	for i := len(listed.ChannelIDs) - 1; i >= 0; i-- {
		view, err := g.ledger.GetChannel(ctx, listed.ChannelIDs[i])
		if err != nil {
			if cheddr.IsCode(err, cheddr.ErrCodeNotFound) {
				continue
			}
			return nil, err
		}
		return view, nil
	}
	return nil, nil
}

// accept runs the verify/settle pipeline for a request carrying X-PAYMENT.
func (g *Gateway) accept(c *gin.Context, options RouteOptions, header string) {
	ctx := c.Request.Context()

	payment, err := cheddr.DecodePaymentHeader(header)
	if err != nil {
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "Invalid X-PAYMENT header"})
		return
	}
	payload := &payment.Payload

	view, err := g.ledger.GetChannel(ctx, payload.ChannelID)
	if err != nil {
		g.abortWithError(c, err)
		return
	}

	requirements := g.buildRequirements(c.Request.URL.Path, options.Price, options.Description, view)

	if err := g.verifyEnvelope(view, payload); err != nil {
		g.abortWithError(c, err)
		return
	}

	verifyResp, err := g.facilitator.Verify(ctx, payment, &requirements)
	if err != nil {
		g.forwardFacilitatorError(c, err, "verify failed")
		return
	}
	if !verifyResp.IsValid {
		c.AbortWithStatusJSON(http.StatusPaymentRequired, cheddr.PaymentRequired{
			X402Version: cheddr.X402Version,
			Error:       verifyResp.InvalidReason,
			Accepts:     []cheddr.PaymentRequirements{requirements},
		})
		return
	}

	settleResp, err := g.facilitator.Settle(ctx, payment, &requirements)
	if err != nil {
		g.forwardFacilitatorError(c, err, "settle failed")
		return
	}
	if !settleResp.Success {
		c.AbortWithStatusJSON(http.StatusPaymentRequired, cheddr.PaymentRequired{
			X402Version: cheddr.X402Version,
			Error:       settleResp.ErrorReason,
			Accepts:     []cheddr.PaymentRequirements{requirements},
		})
		return
	}

	// Settle succeeded: this is the commit signal. Only now does the ledger
	// advance the channel.
	if _, err := g.ledger.Settle(ctx, payload); err != nil {
		g.logger.Error("ledger update failed after settlement",
			"channelId", payload.ChannelID,
			"sequenceNumber", payload.SequenceNumber,
			"err", err)
		g.abortWithError(c, err)
		return
	}

	if payload.Purpose != "" {
		g.logger.Info("payment accepted",
			"channelId", payload.ChannelID,
			"sequenceNumber", payload.SequenceNumber,
			"purpose", payload.Purpose)
	}

	receipt, err := cheddr.EncodeSettleHeader(settleResp)
	if err != nil {
		g.abortWithError(c, err)
		return
	}
	c.Header("X-PAYMENT-RESPONSE", receipt)
	c.Next()
}

// verifyEnvelope checks the envelope against the channel's recorded state:
// the sequence number must extend the current state by exactly one, the
// timestamp must sit inside the skew window and before expiry, the recipient
// set must stay within bounds, and the signature must recover to the channel
// owner over the exact proposed next state.
func (g *Gateway) verifyEnvelope(view *cheddr.ChannelView, payload *cheddr.PayInChannelPayload) error {
	if payload.SequenceNumber != view.SequenceNumber+1 {
		return cheddr.Errorf(cheddr.ErrCodeSequenceConflict,
			"invalid sequence number: got %d, expected %d", payload.SequenceNumber, view.SequenceNumber+1)
	}

	now := uint64(g.now().Unix())
	if payload.Timestamp > now+g.cfg.TimestampSkewSeconds {
		return cheddr.Errorf(cheddr.ErrCodeValidation, "timestamp is too far in the future")
	}
	if payload.Timestamp > view.ExpiryTimestamp {
		return cheddr.Errorf(cheddr.ErrCodeValidation, "timestamp is after channel expiry")
	}
	if now >= view.ExpiryTimestamp {
		return cheddr.Errorf(cheddr.ErrCodeExpired, "channel has expired")
	}

	update, err := channel.ProposeUpdate(view, payload)
	if err != nil {
		return err
	}
	if g.cfg.MaxRecipients > 0 && len(update.Recipients) > g.cfg.MaxRecipients {
		return cheddr.Errorf(cheddr.ErrCodeValidation, "max recipients exceeded")
	}

	owner, err := channel.ParseAddress(view.Owner)
	if err != nil {
		return err
	}
	domain, err := channel.DomainFromWire(g.cfg.Domain())
	if err != nil {
		return err
	}
	digest, err := update.Digest(domain)
	if err != nil {
		return err
	}
	recovered, err := channel.RecoverSigner(digest, payload.UserSignature)
	if err != nil {
		return err
	}
	if recovered != owner {
		return cheddr.Errorf(cheddr.ErrCodeValidation, "invalid user signature")
	}
	return nil
}

// forwardFacilitatorError relays a facilitator business decline verbatim and
// maps transport failures to 502.
func (g *Gateway) forwardFacilitatorError(c *gin.Context, err error, fallback string) {
	var remote *facilitator.RemoteError
	if errors.As(err, &remote) {
		c.Abort()
		c.Data(remote.StatusCode, "application/json", remote.Body)
		return
	}
	g.logger.Warn(fallback, "err", err)
	c.AbortWithStatusJSON(http.StatusBadGateway, gin.H{"error": "facilitator unavailable"})
}

// abortWithError maps a classified error to its HTTP status.
func (g *Gateway) abortWithError(c *gin.Context, err error) {
	code := cheddr.CodeOf(err)
	message := err.Error()
	var perr *cheddr.ProtocolError
	if errors.As(err, &perr) {
		message = perr.Message
	}
	c.AbortWithStatusJSON(cheddr.HTTPStatus(code), gin.H{"error": message, "code": code})
}
