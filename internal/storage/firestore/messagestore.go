// Package firestore provides a MessageStore backed by Google Cloud Firestore,
// for deployments where the bridge runs on more than one instance.
package firestore

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"cloud.google.com/go/firestore"
	"google.golang.org/api/iterator"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/tinywideclouds/go-push-bridge/internal/storage/ledger"
	"github.com/tinywideclouds/go-push-bridge/pkg/message"
	urn "github.com/tinywideclouds/go-platform/pkg/net/v1"
)

// MessageStore keeps records at devices/{device}/messages/{id} and the
// ledger on the device document itself.
type MessageStore struct {
	client   *firestore.Client
	device   urn.URN
	capacity int
	logger   *slog.Logger
}

func NewMessageStore(client *firestore.Client, device urn.URN, capacity int, logger *slog.Logger) *MessageStore {
	if capacity <= 0 {
		capacity = ledger.DefaultCapacity
	}
	return &MessageStore{
		client:   client,
		device:   device,
		capacity: capacity,
		logger:   logger.With("component", "FirestoreMessageStore", "device", device.String()),
	}
}

// messageRecord is the internal DB representation.
type messageRecord struct {
	Payload  string    `firestore:"payload"`
	StoredAt time.Time `firestore:"stored_at"`
}

func (s *MessageStore) Put(ctx context.Context, msg message.Message) ([]string, error) {
	if err := ledger.ValidateID(msg.ID); err != nil {
		return nil, err
	}
	if strings.Contains(msg.ID, "/") {
		return nil, fmt.Errorf("%w: %q is not a valid document id", ledger.ErrInvalidID, msg.ID)
	}
	payload, err := message.EncodePayload(msg.Payload)
	if err != nil {
		return nil, err
	}

	var evicted []string
	err = s.client.RunTransaction(ctx, func(ctx context.Context, tx *firestore.Transaction) error {
		// Firestore requires every read before the first write.
		l, err := s.readLedger(tx)
		if err != nil {
			return err
		}
		evicted = l.Append(msg.ID, s.capacity)

		record := messageRecord{Payload: payload, StoredAt: time.Now()}
		if err := tx.Set(s.messageRef(msg.ID), record); err != nil {
			return err
		}
		for _, id := range evicted {
			if err := tx.Delete(s.messageRef(id)); err != nil {
				return err
			}
		}
		return s.writeLedger(tx, l)
	})
	if err != nil {
		return nil, fmt.Errorf("firestore put failed: %w", err)
	}

	if len(evicted) > 0 {
		s.logger.Debug("Evicted oldest messages", "evicted", evicted, "capacity", s.capacity)
	}
	return evicted, nil
}

func (s *MessageStore) Get(ctx context.Context, id string) (*message.Message, error) {
	if err := ledger.ValidateID(id); err != nil {
		return nil, nil
	}
	doc, err := s.messageRef(id).Get(ctx)
	if status.Code(err) == codes.NotFound {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("firestore get failed: %w", err)
	}

	var record messageRecord
	if err := doc.DataTo(&record); err != nil {
		s.logger.Warn("Ignoring unreadable message document", "id", id, "err", err)
		return nil, nil
	}
	msg, err := message.DecodeRecord(id, record.Payload)
	if err != nil {
		s.logger.Warn("Ignoring corrupt message record", "id", id, "err", err)
		return nil, nil
	}
	return &msg, nil
}

func (s *MessageStore) Remove(ctx context.Context, id string) error {
	if err := ledger.ValidateID(id); err != nil {
		return nil
	}
	err := s.client.RunTransaction(ctx, func(ctx context.Context, tx *firestore.Transaction) error {
		l, err := s.readLedger(tx)
		if err != nil {
			return err
		}
		if err := tx.Delete(s.messageRef(id)); err != nil {
			return err
		}
		if !l.Remove(id) {
			return nil
		}
		return s.writeLedger(tx, l)
	})
	if err != nil {
		return fmt.Errorf("firestore remove failed: %w", err)
	}
	return nil
}

func (s *MessageStore) Clear(ctx context.Context) error {
	iter := s.messagesCollection().Documents(ctx)
	defer iter.Stop()

	bw := s.client.BulkWriter(ctx)
	var jobs []*firestore.BulkWriterJob
	for {
		doc, err := iter.Next()
		if err == iterator.Done {
			break
		}
		if err != nil {
			bw.End()
			return fmt.Errorf("firestore iteration failed: %w", err)
		}
		job, err := bw.Delete(doc.Ref)
		if err != nil {
			bw.End()
			return fmt.Errorf("firestore delete failed: %w", err)
		}
		jobs = append(jobs, job)
	}
	job, err := bw.Delete(s.deviceRef())
	if err != nil {
		bw.End()
		return fmt.Errorf("firestore ledger delete failed: %w", err)
	}
	jobs = append(jobs, job)
	bw.End()

	failed := 0
	var lastErr error
	for _, job := range jobs {
		if _, err := job.Results(); err != nil {
			failed++
			lastErr = err
		}
	}
	if failed > 0 {
		return fmt.Errorf("firestore clear left %d of %d documents: %w", failed, len(jobs), lastErr)
	}
	return nil
}

// LedgerIDs returns the ledger in insertion order.
func (s *MessageStore) LedgerIDs(ctx context.Context) ([]string, error) {
	doc, err := s.deviceRef().Get(ctx)
	if status.Code(err) == codes.NotFound {
		return []string{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("firestore get failed: %w", err)
	}
	return ledgerFromDoc(doc).IDs(), nil
}

// --- Helpers ---

func (s *MessageStore) readLedger(tx *firestore.Transaction) (*ledger.Ledger, error) {
	doc, err := tx.Get(s.deviceRef())
	if status.Code(err) == codes.NotFound {
		return ledger.Parse(""), nil
	}
	if err != nil {
		return nil, err
	}
	return ledgerFromDoc(doc), nil
}

func (s *MessageStore) writeLedger(tx *firestore.Transaction, l *ledger.Ledger) error {
	return tx.Set(s.deviceRef(), map[string]interface{}{
		ledger.Key:   l.String(),
		"updated_at": time.Now(),
	}, firestore.MergeAll)
}

func ledgerFromDoc(doc *firestore.DocumentSnapshot) *ledger.Ledger {
	raw, _ := doc.Data()[ledger.Key].(string)
	return ledger.Parse(raw)
}

// deviceRef: devices/{deviceURN}
func (s *MessageStore) deviceRef() *firestore.DocumentRef {
	return s.client.Collection("devices").Doc(s.device.String())
}

func (s *MessageStore) messagesCollection() *firestore.CollectionRef {
	return s.deviceRef().Collection("messages")
}

func (s *MessageStore) messageRef(id string) *firestore.DocumentRef {
	return s.messagesCollection().Doc(id)
}
