package network

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"securebank/notes"
	"securebank/trust"
)

// maxBackoff caps the retry delay growth for queued deliveries.
const maxBackoff = time.Hour

// Propagate announces a committed local event to every trusted peer. Each peer
// gets its own goroutine on the engine's base context so a slow peer cannot
// stall the others or the request that triggered the announcement. A failed
// delivery is queued for the drain worker; Propagate itself never fails.
func (e *Engine) Propagate(ctx context.Context, action string, payload map[string]any) {
	payload["action"] = action
	encoded, err := json.Marshal(payload)
	if err != nil {
		e.logger.Error("encode sync payload", "action", action, "error", err)
		return
	}
	for _, peer := range e.trust.Peers() {
		peer := peer
		go func() {
			deliverCtx, cancel := context.WithTimeout(e.baseCtx, e.opts.Timeout)
			defer cancel()
			if err := e.deliver(deliverCtx, peer, encoded); err != nil {
				e.metrics.Delivery(peer.ID, "failed")
				e.logger.Warn("sync delivery failed, queueing",
					"peer", peer.ID, "action", action, "error", err)
				e.enqueue(peer.ID, encoded)
				return
			}
			e.metrics.Delivery(peer.ID, "ok")
		}()
	}
}

// deliver seals the plaintext payload under the key configured for the
// destination peer and posts the envelope. Sealing happens per delivery so the
// timestamp is fresh; a queued retry re-seals rather than replaying a stale
// envelope.
func (e *Engine) deliver(ctx context.Context, peer trust.PeerNode, payload []byte) error {
	var decoded map[string]any
	if err := json.Unmarshal(payload, &decoded); err != nil {
		return fmt.Errorf("decode queued payload: %w", err)
	}
	sealed, err := e.cipher.Seal(decoded, peer.KeyID)
	if err != nil {
		return fmt.Errorf("seal payload: %w", err)
	}
	mac, err := e.cipher.MAC(sealed, peer.KeyID)
	if err != nil {
		return fmt.Errorf("mac payload: %w", err)
	}
	body, err := json.Marshal(Envelope{SenderID: e.trust.SelfID(), Encrypted: sealed, MAC: mac})
	if err != nil {
		return err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, peer.Endpoint, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := e.client.Do(req)
	if err != nil {
		return fmt.Errorf("post to %s: %w", peer.ID, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("peer %s returned status %d", peer.ID, resp.StatusCode)
	}
	var result Response
	if err := json.NewDecoder(io.LimitReader(resp.Body, 1<<20)).Decode(&result); err != nil {
		return fmt.Errorf("decode peer response: %w", err)
	}
	if !result.Success {
		return fmt.Errorf("peer %s rejected delivery: %s", peer.ID, result.Message)
	}
	return nil
}

func (e *Engine) enqueue(peerID string, payload []byte) {
	now := e.nowFn().UTC()
	_, err := e.db.Exec(
		`INSERT INTO sync_queue(peer_id, payload, attempts, next_attempt, created_at) VALUES (?, ?, 0, ?, ?)`,
		peerID, string(payload), now.Add(e.opts.RetryDelay), now)
	if err != nil {
		e.logger.Error("queue sync delivery", "peer", peerID, "error", err)
		return
	}
	e.publishQueueDepth()
}

func (e *Engine) publishQueueDepth() {
	var depth int
	if err := e.db.QueryRow(`SELECT COUNT(*) FROM sync_queue`).Scan(&depth); err == nil {
		e.metrics.QueueDepth(depth)
	}
}

// RunDrain retries queued deliveries on a fixed interval until the context is
// cancelled. It is meant to run as a single background goroutine.
func (e *Engine) RunDrain(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := e.DrainDue(ctx); err != nil {
				e.logger.Error("drain sync queue", "error", err)
			}
		}
	}
}

type queuedDelivery struct {
	id       int64
	peerID   string
	payload  string
	attempts int
}

// DrainDue attempts every queued delivery whose retry time has passed. A
// successful delivery removes the entry; a failure reschedules it with doubled
// delay up to maxBackoff. When a maximum attempt count is configured, entries
// that exhaust it are dropped with a log line.
func (e *Engine) DrainDue(ctx context.Context) error {
	now := e.nowFn().UTC()
	rows, err := e.db.QueryContext(ctx,
		`SELECT id, peer_id, payload, attempts FROM sync_queue WHERE next_attempt <= ? ORDER BY id`, now)
	if err != nil {
		return fmt.Errorf("query sync queue: %w", err)
	}
	var due []queuedDelivery
	for rows.Next() {
		var entry queuedDelivery
		if err := rows.Scan(&entry.id, &entry.peerID, &entry.payload, &entry.attempts); err != nil {
			rows.Close()
			return fmt.Errorf("scan sync queue: %w", err)
		}
		due = append(due, entry)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return err
	}

	for _, entry := range due {
		e.metrics.Retry()
		peer, ok := e.trust.Peer(entry.peerID)
		if !ok {
			e.logger.Warn("dropping queued delivery for removed peer", "peer", entry.peerID)
			e.dequeue(entry.id)
			continue
		}
		deliverCtx, cancel := context.WithTimeout(ctx, e.opts.Timeout)
		err := e.deliver(deliverCtx, peer, []byte(entry.payload))
		cancel()
		if err == nil {
			e.metrics.Delivery(peer.ID, "ok")
			e.dequeue(entry.id)
			continue
		}
		e.metrics.Delivery(peer.ID, "failed")
		attempts := entry.attempts + 1
		if e.opts.MaxAttempts > 0 && attempts >= e.opts.MaxAttempts {
			e.logger.Error("abandoning sync delivery after max attempts",
				"peer", peer.ID, "attempts", attempts, "error", err)
			e.dequeue(entry.id)
			continue
		}
		delay := e.opts.RetryDelay << uint(attempts)
		if delay > maxBackoff || delay <= 0 {
			delay = maxBackoff
		}
		if _, uerr := e.db.ExecContext(ctx,
			`UPDATE sync_queue SET attempts = ?, next_attempt = ? WHERE id = ?`,
			attempts, e.nowFn().UTC().Add(delay), entry.id); uerr != nil {
			e.logger.Error("reschedule sync delivery", "peer", peer.ID, "error", uerr)
		}
		e.logger.Warn("sync delivery retry failed",
			"peer", peer.ID, "attempts", attempts, "next_in", delay.String(), "error", err)
	}
	e.publishQueueDepth()
	return nil
}

func (e *Engine) dequeue(id int64) {
	if _, err := e.db.Exec(`DELETE FROM sync_queue WHERE id = ?`, id); err != nil {
		e.logger.Error("remove sync queue entry", "id", id, "error", err)
	}
}

// VerifyWithPeers asks each trusted peer, in configuration order, whether it
// knows the note. The first positive answer wins; transport failures and
// negative answers move on to the next peer.
func (e *Engine) VerifyWithPeers(ctx context.Context, identifier string) (*notes.Note, error) {
	payload := map[string]any{"action": "verify_bank_note", "identifier": identifier}
	encoded, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	for _, peer := range e.trust.Peers() {
		note, err := e.queryPeer(ctx, peer, encoded)
		if err != nil {
			e.logger.Debug("peer verification attempt failed", "peer", peer.ID, "error", err)
			continue
		}
		if note != nil {
			e.logger.Info("note located on peer", "peer", peer.ID, "note_id", note.NoteID)
			return note, nil
		}
	}
	return nil, errors.New("note unknown to all peers")
}

func (e *Engine) queryPeer(ctx context.Context, peer trust.PeerNode, payload []byte) (*notes.Note, error) {
	queryCtx, cancel := context.WithTimeout(ctx, e.opts.Timeout)
	defer cancel()

	var decoded map[string]any
	if err := json.Unmarshal(payload, &decoded); err != nil {
		return nil, err
	}
	sealed, err := e.cipher.Seal(decoded, peer.KeyID)
	if err != nil {
		return nil, err
	}
	mac, err := e.cipher.MAC(sealed, peer.KeyID)
	if err != nil {
		return nil, err
	}
	body, err := json.Marshal(Envelope{SenderID: e.trust.SelfID(), Encrypted: sealed, MAC: mac})
	if err != nil {
		return nil, err
	}
	req, err := http.NewRequestWithContext(queryCtx, http.MethodPost, peer.Endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := e.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("peer %s returned status %d", peer.ID, resp.StatusCode)
	}
	var result Response
	if err := json.NewDecoder(io.LimitReader(resp.Body, 1<<20)).Decode(&result); err != nil {
		return nil, err
	}
	if !result.Success || result.BankNote == nil {
		return nil, nil
	}
	return result.BankNote, nil
}
