package outbox

import (
	"context"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/adchat/adchat/internal/bus"
	"github.com/adchat/adchat/internal/rest"
	"github.com/adchat/adchat/internal/status"
	"github.com/adchat/adchat/internal/store"
	"go.uber.org/zap"
)

const (
	pollInterval = 500 * time.Millisecond
	maxAttempts  = 5
)

// Transport is the subset of the REST client the sender needs.
type Transport interface {
	SendMessage(ctx context.Context, chatID, body, attachmentID, clientRef string) (*rest.Message, error)
	UploadAttachment(ctx context.Context, chatID, filename string, file io.Reader) (*rest.Attachment, error)
}

// SendAck is the payload of "outbox.send_ack" bus events.
type SendAck struct {
	TempID  string
	ChatID  string
	Message rest.Message
}

// SendFailure is the payload of "outbox.send_failed" bus events.
type SendFailure struct {
	TempID string
	ChatID string
	Reason string
}

// Sender drains the journaled outbox through the REST client. It only
// attempts delivery while the realtime channel is connected, so a
// message sent offline stays queued until the next reconnect. Each
// entry has at most one send in flight (queued → sending), and transient
// failures requeue until the attempt cap.
type Sender struct {
	db       *store.DB
	client   Transport
	machine  *status.Machine
	bus      *bus.Bus
	logger   *zap.Logger
	interval time.Duration
	cancel   context.CancelFunc
}

// NewSender creates a new outbox sender.
func NewSender(db *store.DB, client Transport, machine *status.Machine, b *bus.Bus, logger *zap.Logger) *Sender {
	return &Sender{
		db:       db,
		client:   client,
		machine:  machine,
		bus:      b,
		logger:   logger,
		interval: pollInterval,
	}
}

// Start begins polling the outbox for queued messages.
func (s *Sender) Start(ctx context.Context) {
	ctx, s.cancel = context.WithCancel(ctx)
	go s.loop(ctx)
}

// Stop stops the sender loop.
func (s *Sender) Stop() {
	if s.cancel != nil {
		s.cancel()
	}
}

func (s *Sender) loop(ctx context.Context) {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			if s.machine.Current() == status.Connected {
				s.processPending(ctx)
			}
		case <-ctx.Done():
			return
		}
	}
}

func (s *Sender) processPending(ctx context.Context) {
	pending, err := s.db.PendingOutbox()
	if err != nil {
		s.logger.Error("failed to read outbox", zap.Error(err))
		return
	}

	for _, entry := range pending {
		if ctx.Err() != nil {
			return
		}
		s.deliver(ctx, entry)
	}
}

func (s *Sender) deliver(ctx context.Context, entry store.OutboxEntry) {
	if err := s.db.MarkOutboxSending(entry.TempID); err != nil {
		s.logger.Error("failed to mark sending", zap.Error(err), zap.String("temp_id", entry.TempID))
		return
	}

	attachmentID := entry.AttachmentID
	if entry.AttachmentPath != "" && attachmentID == "" {
		att, err := s.uploadAttachment(ctx, entry)
		if err != nil {
			s.handleError(entry, err)
			return
		}
		attachmentID = att.ID
		// Persist before the send call: a crash in between must not
		// upload the file twice.
		if err := s.db.SetOutboxAttachment(entry.TempID, attachmentID); err != nil {
			s.logger.Error("failed to record attachment id", zap.Error(err), zap.String("temp_id", entry.TempID))
		}
	}

	msg, err := s.client.SendMessage(ctx, entry.ChatID, entry.Body, attachmentID, entry.TempID)
	if err != nil {
		s.handleError(entry, err)
		return
	}

	if err := s.db.MarkOutboxSent(entry.TempID, msg.ID); err != nil {
		s.logger.Error("failed to mark sent", zap.Error(err), zap.String("temp_id", entry.TempID))
	}
	s.logger.Info("message sent", zap.String("temp_id", entry.TempID), zap.String("server_msg_id", msg.ID))
	s.bus.Publish(bus.NewEvent("outbox.send_ack", SendAck{
		TempID:  entry.TempID,
		ChatID:  entry.ChatID,
		Message: *msg,
	}))
}

func (s *Sender) uploadAttachment(ctx context.Context, entry store.OutboxEntry) (*rest.Attachment, error) {
	f, err := os.Open(entry.AttachmentPath)
	if err != nil {
		return nil, &rest.Error{Kind: rest.KindValidation, Op: "upload attachment", Err: err}
	}
	defer func() { _ = f.Close() }()
	return s.client.UploadAttachment(ctx, entry.ChatID, filepath.Base(entry.AttachmentPath), f)
}

// handleError requeues transient failures until the attempt cap and
// marks everything else failed. A failed entry stays journaled until the
// user retries or discards it.
func (s *Sender) handleError(entry store.OutboxEntry, err error) {
	transient := rest.IsTransient(err) && entry.Attempts+1 < maxAttempts
	s.logger.Warn("send failed",
		zap.Error(err),
		zap.String("temp_id", entry.TempID),
		zap.Bool("will_retry", transient),
	)
	if transient {
		if dbErr := s.db.RequeueOutbox(entry.TempID); dbErr != nil {
			s.logger.Error("failed to requeue", zap.Error(dbErr), zap.String("temp_id", entry.TempID))
		}
		return
	}
	if dbErr := s.db.MarkOutboxFailed(entry.TempID, err.Error()); dbErr != nil {
		s.logger.Error("failed to mark failed", zap.Error(dbErr), zap.String("temp_id", entry.TempID))
	}
	s.bus.Publish(bus.NewEvent("outbox.send_failed", SendFailure{
		TempID: entry.TempID,
		ChatID: entry.ChatID,
		Reason: err.Error(),
	}))
}
