package channel

import (
	"math/big"

	"github.com/ethereum/go-ethereum/common"

	cheddr "github.com/cheddr-labs/cheddr-go"
)

// Recipient is one cumulative owed balance inside a channel. Recipients keep
// their order of first appearance; that order is part of the signed state.
type Recipient struct {
	Address common.Address
	Amount  *big.Int
}

// State is the authoritative off-chain mirror of one payment channel.
// ID, Owner, Balance and Expiry are immutable after open; Sequence,
// Recipients and the signature fields advance together, one accepted
// update at a time.
type State struct {
	ID                 common.Hash
	Owner              common.Address
	Balance            *big.Int
	Expiry             uint64
	Sequence           uint64
	UserSignature      string
	SequencerSignature string
	SignatureTimestamp uint64
	Recipients         []Recipient
}

// Clone deep-copies the state so callers can build a proposed next state
// without touching the recorded one.
func (s *State) Clone() *State {
	clone := *s
	clone.Balance = new(big.Int).Set(s.Balance)
	clone.Recipients = CloneRecipients(s.Recipients)
	return &clone
}

// CloneRecipients deep-copies a recipient list.
func CloneRecipients(recipients []Recipient) []Recipient {
	out := make([]Recipient, len(recipients))
	for i, r := range recipients {
		out[i] = Recipient{Address: r.Address, Amount: new(big.Int).Set(r.Amount)}
	}
	return out
}

// TotalOwed sums all recipient balances.
func TotalOwed(recipients []Recipient) *big.Int {
	total := new(big.Int)
	for _, r := range recipients {
		total.Add(total, r.Amount)
	}
	return total
}

// AddAmount credits amount to address in the recipient list, merging into an
// existing entry or appending a new one. Zero amounts never enter the list.
func AddAmount(recipients []Recipient, address common.Address, amount *big.Int) []Recipient {
	if amount.Sign() == 0 {
		return recipients
	}
	for i := range recipients {
		if recipients[i].Address == address {
			recipients[i].Amount = new(big.Int).Add(recipients[i].Amount, amount)
			return recipients
		}
	}
	return append(recipients, Recipient{Address: address, Amount: new(big.Int).Set(amount)})
}

// View converts the state to its wire representation.
func (s *State) View() cheddr.ChannelView {
	recipients := make([]cheddr.RecipientView, len(s.Recipients))
	for i, r := range s.Recipients {
		recipients[i] = cheddr.RecipientView{
			RecipientAddress: r.Address.Hex(),
			Balance:          r.Amount.String(),
		}
	}
	return cheddr.ChannelView{
		ChannelID:          s.ID.Hex(),
		Owner:              s.Owner.Hex(),
		Balance:            s.Balance.String(),
		ExpiryTimestamp:    s.Expiry,
		SequenceNumber:     s.Sequence,
		UserSignature:      s.UserSignature,
		SequencerSignature: s.SequencerSignature,
		SignatureTimestamp: s.SignatureTimestamp,
		Recipients:         recipients,
	}
}

// StateFromView parses a wire channel view back into a State.
func StateFromView(view *cheddr.ChannelView) (*State, error) {
	id, err := ParseChannelID(view.ChannelID)
	if err != nil {
		return nil, err
	}
	owner, err := ParseAddress(view.Owner)
	if err != nil {
		return nil, err
	}
	balance, err := cheddr.ParseAmount(view.Balance)
	if err != nil {
		return nil, err
	}
	recipients, err := RecipientsFromView(view.Recipients)
	if err != nil {
		return nil, err
	}
	return &State{
		ID:                 id,
		Owner:              owner,
		Balance:            balance,
		Expiry:             view.ExpiryTimestamp,
		Sequence:           view.SequenceNumber,
		UserSignature:      view.UserSignature,
		SequencerSignature: view.SequencerSignature,
		SignatureTimestamp: view.SignatureTimestamp,
		Recipients:         recipients,
	}, nil
}

// RecipientsFromView parses wire recipient balances.
func RecipientsFromView(views []cheddr.RecipientView) ([]Recipient, error) {
	recipients := make([]Recipient, 0, len(views))
	for _, v := range views {
		addr, err := ParseAddress(v.RecipientAddress)
		if err != nil {
			return nil, err
		}
		amount, err := cheddr.ParseAmount(v.Balance)
		if err != nil {
			return nil, err
		}
		recipients = append(recipients, Recipient{Address: addr, Amount: amount})
	}
	return recipients, nil
}

// Update is a proposed next channel state: the tuple that gets hashed,
// signed, and (once verified and settled) recorded by the ledger.
type Update struct {
	ChannelID  common.Hash
	Sequence   uint64
	Timestamp  uint64
	Recipients []Recipient
}

// ProposeUpdate derives the next channel state implied by a payment payload
// on top of the given current view: the payment amount (plus any fee) is
// credited to the current recipient snapshot and the sequence advances by
// one. Zero-amount payments are rejected.
func ProposeUpdate(view *cheddr.ChannelView, payload *cheddr.PayInChannelPayload) (*Update, error) {
	id, err := ParseChannelID(payload.ChannelID)
	if err != nil {
		return nil, err
	}
	receiver, err := ParseAddress(payload.Receiver)
	if err != nil {
		return nil, err
	}
	amount, err := cheddr.ParseAmount(payload.Amount)
	if err != nil {
		return nil, err
	}
	if amount.Sign() == 0 {
		return nil, cheddr.Errorf(cheddr.ErrCodeValidation, "amount must be greater than zero")
	}

	recipients, err := RecipientsFromView(view.Recipients)
	if err != nil {
		return nil, err
	}
	recipients = AddAmount(recipients, receiver, amount)

	if fee := payload.FeeForPayment; fee != nil {
		feeAddr, err := ParseAddress(fee.FeeDestinationAddress)
		if err != nil {
			return nil, err
		}
		feeAmount, err := cheddr.ParseAmount(fee.FeeAmount)
		if err != nil {
			return nil, err
		}
		recipients = AddAmount(recipients, feeAddr, feeAmount)
	}

	return &Update{
		ChannelID:  id,
		Sequence:   view.SequenceNumber + 1,
		Timestamp:  payload.Timestamp,
		Recipients: recipients,
	}, nil
}

// Digest computes the signing digest of the update under the given domain.
func (u *Update) Digest(d Domain) (common.Hash, error) {
	return UpdateDigest(d, u.ChannelID, u.Sequence, u.Timestamp, u.Recipients)
}
