// Package worker ties the pipeline together: mailbox polling, recognition,
// extraction, normalization and submission run as one sequential loop on a
// fixed interval. There is exactly one writer to every piece of shared state.
package worker

import (
	"context"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/AnMoreNight/OCR-scraping-kaipoke/internal/config"
	"github.com/AnMoreNight/OCR-scraping-kaipoke/internal/health"
	"github.com/AnMoreNight/OCR-scraping-kaipoke/internal/kaipoke"
	"github.com/AnMoreNight/OCR-scraping-kaipoke/internal/mailbox"
	"github.com/AnMoreNight/OCR-scraping-kaipoke/internal/record"
	"github.com/AnMoreNight/OCR-scraping-kaipoke/internal/recognize"
	"github.com/AnMoreNight/OCR-scraping-kaipoke/pkg/types"
)

// Mailbox is the supervisor surface the worker drives each cycle.
type Mailbox interface {
	EnsureHealthy(ctx context.Context) error
	Poll(ctx context.Context) ([]*types.Message, error)
}

// Recognizer extracts text from an image file.
type Recognizer interface {
	RecognizeFile(ctx context.Context, path string) (string, error)
}

// Extractor turns recognized text into raw field sets.
type Extractor interface {
	ExtractFields(ctx context.Context, text string) ([]types.RawFields, error)
}

// Submitter is the submission engine surface.
type Submitter interface {
	Login(ctx context.Context) error
	SubmitAll(ctx context.Context, records []types.AttendanceRecord) []types.Outcome
}

// SeenSet is the durable idempotency ledger.
type SeenSet interface {
	MarkSeen(messageID string) error
	RecordOutcome(messageID string, outcome types.Outcome) error
}

// Notifier emails outcome summaries. May be absent.
type Notifier interface {
	NotifyOutcomes(msg *types.Message, outcomes []types.Outcome) error
}

// Orchestrator owns the single worker loop. None of its collaborators are
// shared across goroutines; the Stats counters are the only thing outside
// readers may touch.
type Orchestrator struct {
	cfg        *config.Config
	mailbox    Mailbox
	recognizer Recognizer
	extractor  Extractor
	engine     Submitter
	seen       SeenSet
	notifier   Notifier
	stats      *health.Stats
	logger     *logrus.Logger
}

// New creates an orchestrator. notifier may be nil.
func New(cfg *config.Config, mb Mailbox, rec Recognizer, ext Extractor, engine Submitter, seen SeenSet, stats *health.Stats, logger *logrus.Logger) *Orchestrator {
	return &Orchestrator{
		cfg:        cfg,
		mailbox:    mb,
		recognizer: rec,
		extractor:  ext,
		engine:     engine,
		seen:       seen,
		stats:      stats,
		logger:     logger,
	}
}

// SetNotifier enables outcome notifications.
func (o *Orchestrator) SetNotifier(n Notifier) {
	o.notifier = n
}

// Run executes polling cycles on the configured interval until the context
// is cancelled or a fatal error (bad configuration, rejected target-site
// credentials) surfaces. Connectivity loss is recoverable and only skips
// the current cycle.
func (o *Orchestrator) Run(ctx context.Context) error {
	o.logger.WithField("interval", o.cfg.PollInterval.String()).Info("Worker loop started")

	ticker := time.NewTicker(o.cfg.PollInterval)
	defer ticker.Stop()

	for {
		if err := o.RunCycle(ctx); err != nil {
			if isFatal(err) {
				return err
			}
			o.logger.WithError(err).Error("Cycle abandoned, waiting for next interval")
		}
		o.stats.CycleFinished()

		select {
		case <-ctx.Done():
			o.logger.Info("Worker loop stopped")
			return nil
		case <-ticker.C:
		}
	}
}

func isFatal(err error) bool {
	return errors.Is(err, mailbox.ErrConfiguration) ||
		errors.Is(err, kaipoke.ErrAuthentication) ||
		errors.Is(err, context.Canceled)
}

// RunCycle performs one poll and processes every new message.
func (o *Orchestrator) RunCycle(ctx context.Context) error {
	if err := o.mailbox.EnsureHealthy(ctx); err != nil {
		return fmt.Errorf("mailbox unavailable: %w", err)
	}

	msgs, err := o.mailbox.Poll(ctx)
	if err != nil {
		return fmt.Errorf("poll failed: %w", err)
	}
	if len(msgs) == 0 {
		o.logger.Debug("No new messages")
		return nil
	}
	o.logger.WithField("count", len(msgs)).Info("New messages found")

	for _, msg := range msgs {
		// Cooperative stop between messages.
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := o.processMessage(ctx, msg); err != nil {
			if isFatal(err) {
				return err
			}
			// Not marked seen; the message is retried next cycle.
			o.logger.WithError(err).WithField("message_id", msg.ID).Error("Failed to process message")
		}
	}
	return nil
}

// processMessage runs the full pipeline for one message and marks it seen
// once there is nothing left to retry.
func (o *Orchestrator) processMessage(ctx context.Context, msg *types.Message) error {
	log := o.logger.WithFields(logrus.Fields{
		"message_id":    msg.ID,
		"subject":       msg.Subject,
		"sender":        msg.SenderEmail,
		"processing_id": uuid.NewString(),
	})
	log.Info("Processing message")

	fields, ok := o.extractFromMessage(ctx, msg, log)
	if !ok {
		// Unprocessable image after the allowed retries: nothing to gain
		// from seeing this message again.
		log.Warn("Message has no processable image, marking seen")
		o.finishMessage(msg, nil)
		return nil
	}

	records := o.normalizeAll(fields, log)
	if len(records) == 0 {
		log.Info("No extractable records, marking seen")
		o.finishMessage(msg, nil)
		return nil
	}

	if err := o.engine.Login(ctx); err != nil {
		return err
	}

	outcomes := o.engine.SubmitAll(ctx, records)
	for _, outcome := range outcomes {
		o.stats.OutcomeRecorded(outcome.Status)
		if err := o.seen.RecordOutcome(msg.ID, outcome); err != nil {
			log.WithError(err).Warn("Failed to persist outcome")
		}
	}

	// A cancelled batch is left unseen so the remaining records get another
	// chance on restart.
	if err := ctx.Err(); err != nil {
		return err
	}

	o.finishMessage(msg, outcomes)
	log.WithField("records", len(outcomes)).Info("Message processed")
	return nil
}

// extractFromMessage picks the message's image (first supported attachment,
// else the configured default), recognizes and extracts it within the
// per-image attempt budget. ok is false when no processable image remains.
func (o *Orchestrator) extractFromMessage(ctx context.Context, msg *types.Message, log *logrus.Entry) ([]types.RawFields, bool) {
	if att := msg.FirstImage(); att != nil {
		fields, err := o.processImage(ctx, att.Data)
		if err == nil {
			return fields, true
		}
		log.WithError(err).WithField("attachment", att.Filename).Warn("Attachment unprocessable")
	} else {
		log.Info("Message has no image attachment")
	}

	if o.cfg.DefaultImagePath == "" {
		return nil, false
	}

	data, err := os.ReadFile(o.cfg.DefaultImagePath)
	if err != nil {
		log.WithError(err).Error("Failed to read default image")
		return nil, false
	}
	fields, err := o.processImage(ctx, data)
	if err != nil {
		log.WithError(err).Warn("Default image unprocessable")
		return nil, false
	}
	return fields, true
}

// processImage runs recognition and extraction on one image, with one retry
// per failing stage. The image bytes live in a scoped temporary file for
// the duration of recognition; the file is removed on every exit path.
func (o *Orchestrator) processImage(ctx context.Context, data []byte) ([]types.RawFields, error) {
	tmp, err := os.CreateTemp("", "relay-*.jpg")
	if err != nil {
		return nil, fmt.Errorf("failed to create temp image: %w", err)
	}
	defer os.Remove(tmp.Name())

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return nil, fmt.Errorf("failed to write temp image: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return nil, fmt.Errorf("failed to close temp image: %w", err)
	}

	text, err := o.recognizer.RecognizeFile(ctx, tmp.Name())
	if err != nil && errors.Is(err, recognize.ErrRecognition) {
		o.logger.WithError(err).Warn("Recognition failed, retrying once")
		text, err = o.recognizer.RecognizeFile(ctx, tmp.Name())
	}
	if err != nil {
		return nil, err
	}

	fields, err := o.extractor.ExtractFields(ctx, text)
	if err != nil && errors.Is(err, recognize.ErrExtraction) {
		o.logger.WithError(err).Warn("Extraction failed, retrying once")
		fields, err = o.extractor.ExtractFields(ctx, text)
	}
	if err != nil {
		return nil, err
	}
	return fields, nil
}

// normalizeAll validates and overnight-splits every raw field set.
// Rejections are logged with their reason and skipped.
func (o *Orchestrator) normalizeAll(fields []types.RawFields, log *logrus.Entry) []types.AttendanceRecord {
	var records []types.AttendanceRecord
	for i, raw := range fields {
		rec, err := record.Normalize(raw)
		if err != nil {
			log.WithError(err).WithField("entry", i).Warn("Raw fields rejected")
			continue
		}
		records = append(records, record.Split(*rec)...)
	}
	return records
}

// finishMessage marks the message seen and sends the optional notification.
func (o *Orchestrator) finishMessage(msg *types.Message, outcomes []types.Outcome) {
	if err := o.seen.MarkSeen(msg.ID); err != nil {
		o.logger.WithError(err).WithField("message_id", msg.ID).Error("Failed to mark message seen")
	}
	o.stats.MessageProcessed()

	if o.notifier != nil {
		if err := o.notifier.NotifyOutcomes(msg, outcomes); err != nil {
			o.logger.WithError(err).Warn("Outcome notification failed")
		}
	}
}
