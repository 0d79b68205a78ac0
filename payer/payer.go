// Package payer is the client side of the payment loop: it keeps a channel
// open and funded, signs cumulative channel updates, and transparently
// retries 402 responses with an attached payment.
package payer

import (
	"context"
	"crypto/ecdsa"
	"encoding/json"
	"io"
	"log/slog"
	"math/big"
	"net/http"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/crypto"

	cheddr "github.com/cheddr-labs/cheddr-go"
	"github.com/cheddr-labs/cheddr-go/channel"
	"github.com/cheddr-labs/cheddr-go/ledger/client"
	"github.com/cheddr-labs/cheddr-go/onchain"
)

// Payer signs payments from one owner key.
type Payer struct {
	key       *ecdsa.PrivateKey
	signer    *channel.Signer
	sequencer *client.Client
	manager   *onchain.ChannelManager
	token     *onchain.ERC20
	cache     *ChannelCache
	logger    *slog.Logger
	now       func() time.Time
}

// Config assembles a payer.
type Config struct {
	// PrivateKeyHex is the owner key, with or without 0x prefix. Required.
	PrivateKeyHex string

	// Sequencer reads channel state and must be set.
	Sequencer *client.Client

	// Manager and Token enable on-chain channel opening (optional; without
	// them the payer can only use channels opened elsewhere).
	Manager *onchain.ChannelManager
	Token   *onchain.ERC20

	// CachePath stores the last used channel id (optional).
	CachePath string

	Logger *slog.Logger
}

// New creates a payer.
func New(cfg Config) (*Payer, error) {
	key, err := crypto.HexToECDSA(strings.TrimPrefix(cfg.PrivateKeyHex, "0x"))
	if err != nil {
		return nil, cheddr.Errorf(cheddr.ErrCodeValidation, "invalid private key: %v", err)
	}
	signer, err := channel.NewSignerFromHex(cfg.PrivateKeyHex)
	if err != nil {
		return nil, err
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	var cache *ChannelCache
	if cfg.CachePath != "" {
		cache = NewChannelCache(cfg.CachePath)
	}
	return &Payer{
		key:       key,
		signer:    signer,
		sequencer: cfg.Sequencer,
		manager:   cfg.Manager,
		token:     cfg.Token,
		cache:     cache,
		logger:    logger.With("component", "payer"),
		now:       time.Now,
	}, nil
}

// Address returns the payer's owner address.
func (p *Payer) Address() string {
	return p.signer.Address().Hex()
}

// EnsureChannel resolves the channel a bound challenge references. For a
// bootstrap challenge it first tries to resume the channel this payer last
// used, then falls back to opening and seeding a fresh one.
func (p *Payer) EnsureChannel(ctx context.Context, extra *cheddr.ChannelExtra) (*cheddr.ChannelView, error) {
	if extra.ChannelID != cheddr.ZeroChannelID {
		return p.sequencer.GetChannel(ctx, extra.ChannelID)
	}
	if view := p.resumeCachedChannel(ctx); view != nil {
		return view, nil
	}
	return p.openChannel(ctx, extra)
}

// resumeCachedChannel looks up the last channel id this payer recorded and
// re-queries the sequencer for its live state. A cached id that no longer
// resolves, or whose channel has expired, is dropped so the bootstrap path
// opens a fresh channel.
func (p *Payer) resumeCachedChannel(ctx context.Context) *cheddr.ChannelView {
	if p.cache == nil {
		return nil
	}
	owner := p.Address()
	channelID := p.cache.Get(owner)
	if channelID == "" {
		return nil
	}
	view, err := p.sequencer.GetChannel(ctx, channelID)
	if err == nil && view.ExpiryTimestamp > uint64(p.now().Unix()) {
		return view
	}
	if err := p.cache.Invalidate(owner); err != nil {
		p.logger.Warn("channel cache invalidation failed", "err", err)
	}
	return nil
}

// openChannel funds and opens a channel per the bootstrap suggestion, then
// seeds it into the sequencer. The open transaction carries the owner's
// signature over the empty opening state (sequence 0, no recipients).
func (p *Payer) openChannel(ctx context.Context, extra *cheddr.ChannelExtra) (*cheddr.ChannelView, error) {
	if p.manager == nil || p.token == nil {
		return nil, cheddr.Errorf(cheddr.ErrCodeValidation, "no channel open and on-chain access is not configured")
	}
	amount, err := cheddr.ParseAmount(extra.ChannelAmount)
	if err != nil {
		return nil, cheddr.Errorf(cheddr.ErrCodeValidation, "invalid suggested channel amount: %v", err)
	}

	manager, err := channel.ParseAddress(extra.ChannelManager)
	if err != nil {
		return nil, err
	}
	owner := p.signer.Address()
	expiry := new(big.Int).SetUint64(extra.ChannelExpiry)

	channelID, err := p.manager.GetChannelID(ctx, owner, expiry, amount)
	if err != nil {
		return nil, err
	}

	domain, err := channel.DomainFromWire(extra.Domain)
	if err != nil {
		return nil, err
	}
	now := uint64(p.now().Unix())
	openDigest, err := channel.UpdateDigest(domain, channelID, 0, now, nil)
	if err != nil {
		return nil, err
	}
	openSignature, err := p.signer.SignDigest(openDigest)
	if err != nil {
		return nil, err
	}

	allowance, err := p.token.Allowance(ctx, owner, manager)
	if err != nil {
		return nil, err
	}
	if allowance.Cmp(amount) < 0 {
		if err := p.token.Approve(ctx, p.key, manager, amount); err != nil {
			return nil, err
		}
	}

	if err := p.manager.OpenChannel(ctx, p.key, amount, expiry, now, openSignature); err != nil {
		return nil, err
	}
	p.logger.Info("channel opened",
		"channelId", channelID.Hex(),
		"amount", amount.String(),
		"expiry", extra.ChannelExpiry)

	view, err := p.sequencer.Seed(ctx, &cheddr.SeedChannelRequest{
		ChannelID:       channelID.Hex(),
		Owner:           owner.Hex(),
		Balance:         amount.String(),
		ExpiryTimestamp: extra.ChannelExpiry,
	})
	if err != nil {
		return nil, err
	}
	if p.cache != nil {
		if err := p.cache.Put(owner.Hex(), channelID.Hex()); err != nil {
			p.logger.Warn("channel cache write failed", "err", err)
		}
	}
	return view, nil
}

// BuildPayment signs a payment satisfying the given requirements and returns
// the encoded X-PAYMENT header value.
func (p *Payer) BuildPayment(ctx context.Context, requirements *cheddr.PaymentRequirements, purpose string) (string, error) {
	if requirements.Scheme != cheddr.SchemeChannel {
		return "", cheddr.Errorf(cheddr.ErrCodeValidation, "unsupported scheme %q", requirements.Scheme)
	}
	if requirements.Extra == nil {
		return "", cheddr.Errorf(cheddr.ErrCodeValidation, "requirements carry no channel block")
	}

	view, err := p.EnsureChannel(ctx, requirements.Extra)
	if err != nil {
		return "", err
	}

	payload := cheddr.PayInChannelPayload{
		ChannelID:      view.ChannelID,
		Amount:         requirements.MaxAmountRequired,
		Receiver:       requirements.PayTo,
		SequenceNumber: view.SequenceNumber + 1,
		Timestamp:      uint64(p.now().Unix()),
		Purpose:        purpose,
	}
	if fee := requirements.Extra.FeeDestination; fee != "" {
		payload.FeeForPayment = &cheddr.FeeForPayment{
			FeeDestinationAddress: fee,
			FeeAmount:             feeAmount(requirements.MaxAmountRequired),
		}
	}

	update, err := channel.ProposeUpdate(view, &payload)
	if err != nil {
		return "", err
	}
	domain, err := channel.DomainFromWire(requirements.Extra.Domain)
	if err != nil {
		return "", err
	}
	signature, err := p.signer.SignUpdate(domain, update)
	if err != nil {
		return "", err
	}
	payload.UserSignature = signature

	if p.cache != nil {
		if err := p.cache.Put(p.Address(), view.ChannelID); err != nil {
			p.logger.Warn("channel cache write failed", "err", err)
		}
	}

	return cheddr.EncodePaymentHeader(&cheddr.PaymentPayload{
		X402Version: cheddr.X402Version,
		Scheme:      requirements.Scheme,
		Network:     requirements.Network,
		Payload:     payload,
	})
}

// feeAmount is the flat fee attached when a challenge names a fee
// destination: one percent of the price, rounded down, at least one unit.
func feeAmount(price string) string {
	value, err := cheddr.ParseAmount(price)
	if err != nil {
		return "1"
	}
	fee := new(big.Int).Div(value, big.NewInt(100))
	if fee.Sign() == 0 {
		fee = big.NewInt(1)
	}
	return fee.String()
}

// Do performs an HTTP request, paying a 402 challenge once. The first
// response is returned unchanged when it is not a 402; a 402 is answered by
// signing a payment against the first acceptable requirement and retrying
// with X-PAYMENT attached.
func (p *Payer) Do(httpClient *http.Client, req *http.Request) (*http.Response, error) {
	if httpClient == nil {
		httpClient = http.DefaultClient
	}

	// The owner query parameter lets the gateway build a bound challenge.
	q := req.URL.Query()
	if q.Get("owner") == "" {
		q.Set("owner", p.Address())
		req.URL.RawQuery = q.Encode()
	}

	resp, err := httpClient.Do(req)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode != http.StatusPaymentRequired {
		return resp, nil
	}

	body, err := io.ReadAll(resp.Body)
	resp.Body.Close()
	if err != nil {
		return nil, cheddr.Errorf(cheddr.ErrCodeUnavailable, "failed to read 402 body: %v", err)
	}
	var challenge cheddr.PaymentRequired
	if err := json.Unmarshal(body, &challenge); err != nil {
		return nil, cheddr.Errorf(cheddr.ErrCodeValidation, "invalid 402 body: %v", err)
	}

	requirements := pickRequirements(&challenge)
	if requirements == nil {
		return nil, cheddr.Errorf(cheddr.ErrCodeValidation, "no acceptable payment requirements offered")
	}

	header, err := p.BuildPayment(req.Context(), requirements, req.URL.Path)
	if err != nil {
		return nil, err
	}

	retry, err := cloneRequest(req)
	if err != nil {
		return nil, err
	}
	retry.Header.Set("X-PAYMENT", header)

	paid, err := httpClient.Do(retry)
	if err != nil {
		return nil, err
	}
	if paid.StatusCode == http.StatusPaymentRequired && p.cache != nil {
		// The channel the payment was built on is no longer accepted.
		if err := p.cache.Invalidate(p.Address()); err != nil {
			p.logger.Warn("channel cache invalidation failed", "err", err)
		}
	}
	return paid, nil
}

// pickRequirements selects the first channel-scheme requirement.
func pickRequirements(challenge *cheddr.PaymentRequired) *cheddr.PaymentRequirements {
	for i := range challenge.Accepts {
		if challenge.Accepts[i].Scheme == cheddr.SchemeChannel {
			return &challenge.Accepts[i]
		}
	}
	return nil
}

// cloneRequest copies a request for the paid retry, rewinding the body when
// the original provides GetBody.
func cloneRequest(req *http.Request) (*http.Request, error) {
	retry := req.Clone(req.Context())
	if req.Body != nil && req.GetBody != nil {
		body, err := req.GetBody()
		if err != nil {
			return nil, cheddr.Errorf(cheddr.ErrCodeValidation, "failed to rewind request body: %v", err)
		}
		retry.Body = body
	}
	return retry, nil
}
