// Package sequencer is the ledger-of-record service: it holds authoritative
// channel state, validates signed channel updates, records accepted ones, and
// countersigns every state it records.
package sequencer

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	cheddr "github.com/cheddr-labs/cheddr-go"
	"github.com/cheddr-labs/cheddr-go/channel"
	"github.com/cheddr-labs/cheddr-go/ledger"
	"github.com/cheddr-labs/cheddr-go/onchain"
)

// ChainReader is the on-chain surface used for channel discovery. Nil means
// the service only knows channels seeded through the API.
type ChainReader interface {
	Channels(ctx context.Context, channelID common.Hash) (*onchain.ChannelInfo, error)
	ListUserChannels(ctx context.Context, user common.Address) ([]common.Hash, error)
}

// Service hosts the sequencer's HTTP surface around one ledger store.
type Service struct {
	cfg    *Config
	store  *ledger.Store
	signer *channel.Signer
	domain channel.Domain
	chain  ChainReader
	logger *slog.Logger
	now    func() time.Time
}

// New assembles a sequencer service. chain may be nil.
func New(cfg *Config, store *ledger.Store, signer *channel.Signer, chain ChainReader, logger *slog.Logger) (*Service, error) {
	manager, err := channel.ParseAddress(cfg.ChannelManager)
	if err != nil {
		return nil, err
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{
		cfg:    cfg,
		store:  store,
		signer: signer,
		domain: channel.DefaultDomain(cfg.ChainID, manager),
		chain:  chain,
		logger: logger.With("component", "sequencer"),
		now:    time.Now,
	}, nil
}

// NewRouter builds the service's gin engine.
func (s *Service) NewRouter() *gin.Engine {
	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(requestID())

	router.GET("/health", s.HealthHandler)
	router.GET("/channel/:id", s.GetChannelHandler)
	router.GET("/channels/by-owner/:owner", s.ListByOwnerHandler)
	router.POST("/channel/seed", s.SeedHandler)
	router.POST("/validate", s.ValidateHandler)
	router.POST("/settle", s.SettleHandler)
	return router
}

// HealthHandler reports liveness.
func (s *Service) HealthHandler(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok", "sequencer": s.signer.Address().Hex()})
}

// GetChannelHandler returns one channel's current state.
func (s *Service) GetChannelHandler(c *gin.Context) {
	id, err := channel.ParseChannelID(c.Param("id"))
	if err != nil {
		s.abort(c, err)
		return
	}
	state, err := s.store.Get(c.Request.Context(), id)
	if err != nil {
		s.abort(c, err)
		return
	}
	c.JSON(http.StatusOK, state.View())
}

// ListByOwnerHandler lists the owner's channel ids, oldest first. When chain
// discovery is configured, channels opened on-chain but never seeded through
// the API are pulled into the ledger on the fly.
func (s *Service) ListByOwnerHandler(c *gin.Context) {
	ctx := c.Request.Context()
	owner, err := channel.ParseAddress(c.Param("owner"))
	if err != nil {
		s.abort(c, err)
		return
	}

	if s.chain != nil {
		if err := s.discoverChannels(ctx, owner); err != nil {
			s.logger.Warn("on-chain channel discovery failed", "owner", owner.Hex(), "err", err)
		}
	}

	ids := s.store.ListByOwner(ctx, owner)
	wire := make([]string, len(ids))
	for i, id := range ids {
		wire[i] = id.Hex()
	}
	c.JSON(http.StatusOK, cheddr.ChannelsByOwnerResponse{Owner: owner.Hex(), ChannelIDs: wire})
}

// discoverChannels seeds any on-chain channel the ledger has not seen yet.
// Already-known channels are left untouched; seeding is idempotent.
func (s *Service) discoverChannels(ctx context.Context, owner common.Address) error {
	ids, err := s.chain.ListUserChannels(ctx, owner)
	if err != nil {
		return err
	}
	known := make(map[common.Hash]struct{})
	for _, id := range s.store.ListByOwner(ctx, owner) {
		known[id] = struct{}{}
	}
	for _, id := range ids {
		if _, ok := known[id]; ok {
			continue
		}
		info, err := s.chain.Channels(ctx, id)
		if err != nil {
			return err
		}
		if info.Owner != owner {
			continue
		}
		if _, err := s.store.Seed(ctx, id, info.Owner, info.Balance, info.ExpiryTime.Uint64()); err != nil &&
			!cheddr.IsCode(err, cheddr.ErrCodeConflict) {
			return err
		}
	}
	return nil
}

// SeedHandler mirrors an on-chain channel open into the ledger.
func (s *Service) SeedHandler(c *gin.Context) {
	var req cheddr.SeedChannelRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body"})
		return
	}
	id, err := channel.ParseChannelID(req.ChannelID)
	if err != nil {
		s.abort(c, err)
		return
	}
	owner, err := channel.ParseAddress(req.Owner)
	if err != nil {
		s.abort(c, err)
		return
	}
	balance, err := cheddr.ParseAmount(req.Balance)
	if err != nil {
		s.abort(c, err)
		return
	}

	if s.chain != nil {
		info, err := s.chain.Channels(c.Request.Context(), id)
		if err != nil {
			s.abort(c, err)
			return
		}
		if info.Owner != owner || info.Balance.Cmp(balance) != 0 || info.ExpiryTime.Uint64() != req.ExpiryTimestamp {
			s.abort(c, cheddr.Errorf(cheddr.ErrCodeValidation, "seed request does not match on-chain channel"))
			return
		}
	}

	state, err := s.store.Seed(c.Request.Context(), id, owner, balance, req.ExpiryTimestamp)
	if err != nil {
		s.abort(c, err)
		return
	}
	s.logger.Info("channel seeded",
		"channelId", id.Hex(),
		"owner", owner.Hex(),
		"balance", balance.String(),
		"expiry", req.ExpiryTimestamp)
	c.JSON(http.StatusOK, state.View())
}

// ValidateHandler runs the full acceptance check for a signed update without
// recording anything.
func (s *Service) ValidateHandler(c *gin.Context) {
	var payload cheddr.PayInChannelPayload
	if err := c.ShouldBindJSON(&payload); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body"})
		return
	}
	view, _, err := s.checkUpdate(c.Request.Context(), &payload)
	if err != nil {
		s.abort(c, err)
		return
	}
	c.JSON(http.StatusOK, cheddr.PayInChannelResponse{Channel: *view})
}

// SettleHandler records a signed update: the single mutating entry point.
// Acceptance advances the channel by exactly one sequence number and attaches
// the sequencer's countersignature over the new state.
func (s *Service) SettleHandler(c *gin.Context) {
	ctx := c.Request.Context()
	var payload cheddr.PayInChannelPayload
	if err := c.ShouldBindJSON(&payload); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body"})
		return
	}

	_, update, err := s.checkUpdate(ctx, &payload)
	if err != nil {
		s.abort(c, err)
		return
	}

	state, err := s.store.ApplyUpdate(ctx, update.ChannelID, payload.SequenceNumber,
		update.Recipients, payload.UserSignature, payload.Timestamp)
	if err != nil {
		s.abort(c, err)
		return
	}

	// Countersign the recorded state. A replayed update already carries its
	// countersignature and skips this step.
	if state.SequencerSignature == "" {
		counterSig, err := s.countersign(state)
		if err != nil {
			s.abort(c, err)
			return
		}
		state, err = s.store.SetSequencerSignature(ctx, state.ID, state.Sequence, counterSig)
		if err != nil {
			s.abort(c, err)
			return
		}
	}

	s.logger.Info("update settled",
		"channelId", payload.ChannelID,
		"sequenceNumber", payload.SequenceNumber,
		"receiver", payload.Receiver,
		"amount", payload.Amount)
	c.JSON(http.StatusOK, cheddr.PayInChannelResponse{Channel: state.View()})
}

// checkUpdate validates a signed update against current state: sequence
// contiguity, timestamp window, recipient bounds, balance, and the owner's
// signature over the exact resulting state. Returns the current view and the
// proposed update; state is not modified.
func (s *Service) checkUpdate(ctx context.Context, payload *cheddr.PayInChannelPayload) (*cheddr.ChannelView, *channel.Update, error) {
	id, err := channel.ParseChannelID(payload.ChannelID)
	if err != nil {
		return nil, nil, err
	}
	state, err := s.store.Get(ctx, id)
	if err != nil {
		return nil, nil, err
	}
	view := state.View()

	// Replays of the recorded head are acceptable as-is; everything else must
	// extend the state by exactly one.
	if payload.SequenceNumber == view.SequenceNumber &&
		payload.UserSignature == view.UserSignature &&
		payload.Timestamp == view.SignatureTimestamp {
		update := &channel.Update{
			ChannelID:  state.ID,
			Sequence:   state.Sequence,
			Timestamp:  state.SignatureTimestamp,
			Recipients: state.Recipients,
		}
		return &view, update, nil
	}
	if payload.SequenceNumber != view.SequenceNumber+1 {
		return nil, nil, cheddr.Errorf(cheddr.ErrCodeSequenceConflict,
			"invalid sequence number: got %d, expected %d", payload.SequenceNumber, view.SequenceNumber+1)
	}

	now := uint64(s.now().Unix())
	if payload.Timestamp > now+s.cfg.TimestampSkewSeconds {
		return nil, nil, cheddr.Errorf(cheddr.ErrCodeValidation, "timestamp is too far in the future")
	}
	if payload.Timestamp > view.ExpiryTimestamp {
		return nil, nil, cheddr.Errorf(cheddr.ErrCodeValidation, "timestamp is after channel expiry")
	}
	if now >= view.ExpiryTimestamp {
		return nil, nil, cheddr.Errorf(cheddr.ErrCodeExpired, "channel has expired")
	}

	update, err := channel.ProposeUpdate(&view, payload)
	if err != nil {
		return nil, nil, err
	}
	if s.cfg.MaxRecipients > 0 && len(update.Recipients) > s.cfg.MaxRecipients {
		return nil, nil, cheddr.Errorf(cheddr.ErrCodeValidation, "max recipients exceeded")
	}
	if channel.TotalOwed(update.Recipients).Cmp(state.Balance) > 0 {
		return nil, nil, cheddr.Errorf(cheddr.ErrCodeBalanceExceeded, "exceeds channel capacity")
	}

	digest, err := update.Digest(s.domain)
	if err != nil {
		return nil, nil, err
	}
	recovered, err := channel.RecoverSigner(digest, payload.UserSignature)
	if err != nil {
		return nil, nil, err
	}
	if recovered != state.Owner {
		return nil, nil, cheddr.Errorf(cheddr.ErrCodeValidation, "invalid user signature")
	}
	return &view, update, nil
}

// countersign signs the digest of a recorded state with the sequencer key.
func (s *Service) countersign(state *channel.State) (string, error) {
	update := &channel.Update{
		ChannelID:  state.ID,
		Sequence:   state.Sequence,
		Timestamp:  state.SignatureTimestamp,
		Recipients: state.Recipients,
	}
	return s.signer.SignUpdate(s.domain, update)
}

// abort writes a classified error response.
func (s *Service) abort(c *gin.Context, err error) {
	var perr *cheddr.ProtocolError
	if errors.As(err, &perr) {
		c.AbortWithStatusJSON(cheddr.HTTPStatus(perr.Code), perr)
		return
	}
	c.AbortWithStatusJSON(http.StatusBadGateway, gin.H{"error": err.Error(), "code": cheddr.ErrCodeUnavailable})
}

// requestID tags every request with a correlation id.
func requestID() gin.HandlerFunc {
	return func(c *gin.Context) {
		id := c.GetHeader("X-Request-Id")
		if id == "" {
			id = uuid.NewString()
		}
		c.Header("X-Request-Id", id)
		c.Next()
	}
}
