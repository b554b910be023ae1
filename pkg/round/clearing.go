package round

import (
	"context"
	"crypto/rand"
	"errors"
	"fmt"
	"time"

	"github.com/uhyunpark/veil/pkg/auction"
	"github.com/uhyunpark/veil/pkg/escrow"
	"github.com/uhyunpark/veil/pkg/keyservice"
	"github.com/uhyunpark/veil/pkg/sealed"
	"github.com/uhyunpark/veil/pkg/settlement"
	"github.com/uhyunpark/veil/pkg/storage"
)

// clearingTimeout bounds the key service and executor calls of one clearing.
const clearingTimeout = 2 * time.Minute

// RunClearing closes the Active round and takes it through reveal, clearing
// and settlement. Outside Active it is a no-op returning the current state.
// Any failure reverts the round to Pending and is returned. Once started, a
// clearing ignores cancellation of ctx and only stops at clearingTimeout.
func (m *Machine) RunClearing(ctx context.Context) (string, error) {
	m.mu.Lock()
	if m.state != Active {
		msg := fmt.Sprintf("Round %d is %s; nothing to clear", m.roundID, m.state)
		m.mu.Unlock()
		return msg, nil
	}
	roundID := m.roundID
	m.transition(Revealing)
	ev := m.event(EventRevealing)
	orders, err := m.store.OrdersByRound(roundID)
	m.mu.Unlock()
	m.publish(ev)

	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), clearingTimeout)
	defer cancel()

	if err != nil {
		return m.fail(roundID, fmt.Errorf("load orders: %w", err))
	}
	if len(orders) == 0 {
		return m.fail(roundID, auction.ErrInsufficientOrders)
	}

	m.log.Infow("round_revealing", "round", roundID, "orders", len(orders))
	if err := m.reveal(ctx, roundID, orders); err != nil {
		return m.fail(roundID, err)
	}

	m.mu.Lock()
	m.transition(Clearing)
	ev = m.event(EventClearing)
	result, err := auction.Clear(roundID, orders, m.clock.Now().UTC())
	if err == nil {
		// dry run so a bad result fails before anything leaves the node
		_, err = m.ledger.PrepareSettlement(orders, result)
		if errors.Is(err, escrow.ErrInvariant) {
			m.log.Errorw("settlement_invariant", "round", roundID, "err", err)
		}
	}
	if err == nil {
		m.transition(Executing)
	}
	m.mu.Unlock()
	m.publish(ev)
	if err != nil {
		return m.fail(roundID, err)
	}
	m.publish(Event{Type: EventExecuting, RoundID: roundID, State: Executing, Timestamp: m.clock.Now()})

	if m.executor != nil {
		instr, err := settlement.NewInstruction(m.cfg.Asset, result)
		if err == nil {
			err = m.executor.Execute(ctx, instr)
		}
		if err != nil {
			return m.fail(roundID, fmt.Errorf("settlement executor: %w", err))
		}
	}

	m.mu.Lock()
	if m.executor != nil {
		if err := m.markExecuted(); err != nil {
			m.log.Errorw("executed_mark_failed", "round", roundID, "err", err)
		}
	}
	// balances may have moved through deposits while unlocked
	change, err := m.ledger.PrepareSettlement(orders, result)
	if err == nil {
		rec := storage.RoundRecord{
			RoundID:   roundID,
			Status:    storage.RoundCleared,
			Executed:  m.executor != nil,
			StartedAt: m.roundStart,
			EndedAt:   m.clock.Now(),
		}
		err = m.store.SaveResult(result, change, rec)
	}
	if err != nil {
		m.mu.Unlock()
		m.log.Errorw("settlement_failed", "round", roundID, "err", err)
		return m.fail(roundID, err)
	}
	m.ledger.Apply(change)
	m.idleSince = m.clock.Now()
	m.lastErr = ""
	m.transition(Completed)
	ev = m.event(EventRoundCleared)
	ev.ClearingPrice = result.ClearingPrice
	ev.Volume = result.TotalVolume
	m.mu.Unlock()
	m.publish(ev)

	m.log.Infow("round_cleared",
		"round", roundID,
		"price", result.ClearingPrice,
		"volume", result.TotalVolume,
		"surplus", result.TotalSurplus,
		"orders", len(orders),
	)
	return fmt.Sprintf("Round %d cleared! Price: %d, Volume: %d, Surplus: %d",
		roundID, result.ClearingPrice, result.TotalVolume, result.TotalSurplus), nil
}

// markExecuted flags the current round's record so AbandonRound can never
// refund escrow behind an instruction that already left the node. Caller
// holds mu.
func (m *Machine) markExecuted() error {
	rec, _, err := m.store.RoundRecord(m.roundID)
	if err != nil {
		return err
	}
	rec.RoundID = m.roundID
	rec.Executed = true
	if rec.StartedAt.IsZero() {
		rec.StartedAt = m.roundStart
	}
	return m.store.SaveRoundRecord(rec, nil)
}

// fail reverts roundID to Pending. Escrow is untouched; the round becomes
// eligible for AbandonRound.
func (m *Machine) fail(roundID uint64, cause error) (string, error) {
	m.mu.Lock()
	if m.roundID != roundID {
		m.mu.Unlock()
		return "", cause
	}
	m.failedRound = roundID
	m.lastErr = cause.Error()
	m.idleSince = m.clock.Now()
	m.transition(Pending)
	if err := m.recordRound(storage.RoundFailed, m.lastErr, nil); err != nil {
		m.log.Warnw("round_record_failed", "round", roundID, "err", err)
	}
	ev := m.event(EventRoundFailed)
	ev.Error = m.lastErr
	m.mu.Unlock()
	m.publish(ev)

	m.log.Warnw("round_failed", "round", roundID, "err", cause)
	return fmt.Sprintf("Round %d failed: %v", roundID, cause), cause
}

// reveal obtains the round key and checks every order against its
// commitment and public terms. One bad order aborts the batch.
func (m *Machine) reveal(ctx context.Context, roundID uint64, orders []auction.Order) error {
	identity := sealed.TimelockIdentity(roundID)
	mpk, err := m.EncryptionPublicKey(ctx)
	if err != nil {
		return err
	}

	tk, err := keyservice.GenerateTransportKey(rand.Reader)
	if err != nil {
		return err
	}
	wrapped, err := m.keys.DeriveRoundKey(ctx, identity, tk.PublicKey())
	if err != nil {
		return fmt.Errorf("%w: %v", keyservice.ErrKeyUnavailable, err)
	}
	roundKey, err := tk.Unwrap(wrapped)
	if err != nil {
		return err
	}
	if !sealed.VerifyRoundKey(mpk, identity, roundKey) {
		return fmt.Errorf("round %d: %w", roundID, sealed.ErrInvalidKey)
	}

	for _, o := range orders {
		plaintext, err := sealed.Decrypt(roundKey, identity, o.EncryptedPayload)
		if err != nil {
			return fmt.Errorf("%w: order %d: %w", ErrSecurityViolation, o.ID, err)
		}
		if err := sealed.VerifyCommitment(plaintext, o.Commitment); err != nil {
			return fmt.Errorf("%w: order %d: %w", ErrSecurityViolation, o.ID, err)
		}
		payload, err := sealed.ParsePayload(plaintext)
		if err != nil {
			return fmt.Errorf("%w: order %d: %w", ErrSecurityViolation, o.ID, err)
		}
		if err := payload.CheckOrder(o); err != nil {
			return fmt.Errorf("%w: order %d: %w", ErrSecurityViolation, o.ID, err)
		}
	}
	return nil
}

// AbandonRound refunds every order of a round that never cleared. It is
// idempotent; the current round can be abandoned only once it has failed or
// been reset.
func (m *Machine) AbandonRound(roundID uint64) (string, error) {
	m.mu.Lock()
	if roundID == 0 || roundID > m.roundID {
		m.mu.Unlock()
		return "", fmt.Errorf("%w: %d", ErrUnknownRound, roundID)
	}
	if roundID == m.roundID && m.state != Pending {
		msg := fmt.Sprintf("Round %d is %s", roundID, m.state)
		m.mu.Unlock()
		return msg, fmt.Errorf("%w: %s", ErrRoundInFlight, msg)
	}

	rec, _, err := m.store.RoundRecord(roundID)
	if err != nil {
		m.mu.Unlock()
		return "", err
	}
	if rec.Status == storage.RoundAbandoned {
		m.mu.Unlock()
		return fmt.Sprintf("Round %d already abandoned", roundID), nil
	}
	if _, cleared, err := m.store.Result(roundID); err != nil || cleared {
		m.mu.Unlock()
		if err != nil {
			return "", err
		}
		return "", fmt.Errorf("%w: %d", ErrRoundCleared, roundID)
	}
	if rec.Executed {
		if m.failedRound == roundID {
			m.failedRound = 0
			if err := m.checkpoint(); err != nil {
				m.log.Warnw("checkpoint_failed", "round", m.roundID, "err", err)
			}
		}
		m.mu.Unlock()
		m.log.Errorw("abandon_refused_executed", "round", roundID,
			"hint", "settlement instruction was handed off; reconcile escrow manually")
		return "", fmt.Errorf("%w: %d", ErrRoundExecuted, roundID)
	}

	orders, err := m.store.OrdersByRound(roundID)
	if err != nil {
		m.mu.Unlock()
		return "", err
	}
	change, err := m.ledger.PrepareRefund(orders)
	if err != nil {
		m.mu.Unlock()
		m.log.Errorw("refund_invariant", "round", roundID, "err", err)
		return "", err
	}

	rec.RoundID = roundID
	rec.Status = storage.RoundAbandoned
	rec.EndedAt = m.clock.Now()
	if err := m.store.SaveRoundRecord(rec, change); err != nil {
		m.mu.Unlock()
		return "", fmt.Errorf("persist abandonment: %w", err)
	}
	m.ledger.Apply(change)
	if m.failedRound == roundID {
		m.failedRound = 0
		if err := m.checkpoint(); err != nil {
			m.log.Warnw("checkpoint_failed", "round", m.roundID, "err", err)
		}
	}
	ev := Event{Type: EventRoundAbandoned, RoundID: roundID, State: m.state, Timestamp: m.clock.Now()}
	m.mu.Unlock()
	m.publish(ev)

	m.log.Infow("round_abandoned", "round", roundID, "refunded_orders", len(orders))
	return fmt.Sprintf("Round %d abandoned; %d orders refunded", roundID, len(orders)), nil
}
