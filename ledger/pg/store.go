// Package pg persists accepted channel states to Postgres. The ledger's
// in-memory store remains the concurrency authority; this package only makes
// accepted states durable and reloads them at boot.
package pg

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	cheddr "github.com/cheddr-labs/cheddr-go"
	"github.com/cheddr-labs/cheddr-go/channel"
)

type Store struct{ DB *pgxpool.Pool }

func New(db *pgxpool.Pool) *Store { return &Store{DB: db} }

// InitSchema creates the channel tables if they do not exist.
func (s *Store) InitSchema(ctx context.Context) error {
	_, err := s.DB.Exec(ctx, `CREATE TABLE IF NOT EXISTS channels(
		channel_id TEXT PRIMARY KEY,
		owner TEXT NOT NULL,
		balance TEXT NOT NULL,
		expiry_ts BIGINT NOT NULL,
		sequence_number BIGINT NOT NULL,
		user_signature TEXT NOT NULL,
		sequencer_signature TEXT NOT NULL,
		signature_timestamp BIGINT NOT NULL,
		seed_order BIGSERIAL
	)`)
	if err != nil {
		return fmt.Errorf("create channels table: %w", err)
	}
	_, err = s.DB.Exec(ctx, `CREATE TABLE IF NOT EXISTS recipients(
		channel_id TEXT NOT NULL,
		recipient_address TEXT NOT NULL,
		balance TEXT NOT NULL,
		position INT NOT NULL,
		PRIMARY KEY (channel_id, recipient_address),
		FOREIGN KEY (channel_id) REFERENCES channels(channel_id) ON DELETE CASCADE
	)`)
	if err != nil {
		return fmt.Errorf("create recipients table: %w", err)
	}
	return nil
}

// SaveChannel upserts one channel state and its recipient snapshot in a
// single transaction. Implements ledger.Persister.
func (s *Store) SaveChannel(ctx context.Context, state *channel.State) error {
	tx, err := s.DB.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin save: %w", err)
	}
	defer tx.Rollback(ctx)

	_, err = tx.Exec(ctx, `INSERT INTO channels(channel_id,owner,balance,expiry_ts,sequence_number,user_signature,sequencer_signature,signature_timestamp)
		VALUES($1,$2,$3,$4,$5,$6,$7,$8)
		ON CONFLICT (channel_id) DO UPDATE SET
			sequence_number = EXCLUDED.sequence_number,
			user_signature = EXCLUDED.user_signature,
			sequencer_signature = EXCLUDED.sequencer_signature,
			signature_timestamp = EXCLUDED.signature_timestamp`,
		state.ID.Hex(), state.Owner.Hex(), state.Balance.String(), int64(state.Expiry),
		int64(state.Sequence), state.UserSignature, state.SequencerSignature, int64(state.SignatureTimestamp))
	if err != nil {
		return fmt.Errorf("upsert channel: %w", err)
	}

	for position, r := range state.Recipients {
		_, err = tx.Exec(ctx, `INSERT INTO recipients(channel_id,recipient_address,balance,position)
			VALUES($1,$2,$3,$4)
			ON CONFLICT (channel_id, recipient_address) DO UPDATE SET
				balance = EXCLUDED.balance,
				position = EXCLUDED.position`,
			state.ID.Hex(), r.Address.Hex(), r.Amount.String(), position)
		if err != nil {
			return fmt.Errorf("upsert recipient: %w", err)
		}
	}
	return tx.Commit(ctx)
}

// LoadAll reads every persisted channel with its ordered recipient list.
// Channels come back in seed order so a restored ledger serves by-owner
// lists with the most recently opened channel last, same as before the
// restart.
func (s *Store) LoadAll(ctx context.Context) ([]*channel.State, error) {
	rows, err := s.DB.Query(ctx, `SELECT channel_id,owner,balance,expiry_ts,sequence_number,user_signature,sequencer_signature,signature_timestamp
		FROM channels ORDER BY seed_order`)
	if err != nil {
		return nil, fmt.Errorf("query channels: %w", err)
	}
	defer rows.Close()

	var states []*channel.State
	for rows.Next() {
		var view cheddr.ChannelView
		var expiry, sequence, signedAt int64
		if err := rows.Scan(&view.ChannelID, &view.Owner, &view.Balance, &expiry,
			&sequence, &view.UserSignature, &view.SequencerSignature, &signedAt); err != nil {
			return nil, fmt.Errorf("scan channel: %w", err)
		}
		view.ExpiryTimestamp = uint64(expiry)
		view.SequenceNumber = uint64(sequence)
		view.SignatureTimestamp = uint64(signedAt)

		state, err := channel.StateFromView(&view)
		if err != nil {
			return nil, fmt.Errorf("parse channel %s: %w", view.ChannelID, err)
		}
		states = append(states, state)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	for _, state := range states {
		recipients, err := s.loadRecipients(ctx, state.ID.Hex())
		if err != nil {
			return nil, err
		}
		state.Recipients = recipients
	}
	return states, nil
}

func (s *Store) loadRecipients(ctx context.Context, channelID string) ([]channel.Recipient, error) {
	rows, err := s.DB.Query(ctx, `SELECT recipient_address,balance FROM recipients
		WHERE channel_id = $1 ORDER BY position`, channelID)
	if err != nil {
		return nil, fmt.Errorf("query recipients: %w", err)
	}
	defer rows.Close()

	var views []cheddr.RecipientView
	for rows.Next() {
		var v cheddr.RecipientView
		if err := rows.Scan(&v.RecipientAddress, &v.Balance); err != nil {
			return nil, fmt.Errorf("scan recipient: %w", err)
		}
		views = append(views, v)
	}
	if err := rows.Err(); err != nil && err != pgx.ErrNoRows {
		return nil, err
	}
	return channel.RecipientsFromView(views)
}
