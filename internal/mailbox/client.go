package mailbox

import (
	"bytes"
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	"net"
	"sort"
	"time"

	"github.com/emersion/go-imap"
	"github.com/emersion/go-imap/client"
	"github.com/jhillyerd/enmime"
	"github.com/sirupsen/logrus"

	"github.com/AnMoreNight/OCR-scraping-kaipoke/internal/config"
	"github.com/AnMoreNight/OCR-scraping-kaipoke/pkg/types"
)

var (
	// ErrConnection marks recoverable connectivity or authentication faults
	// against the mail server.
	ErrConnection = errors.New("mailbox connection error")
	// ErrConfiguration marks the unrecoverable case where not even the
	// configured fallback folder can be selected.
	ErrConfiguration = errors.New("mailbox configuration error")
)

// SeenChecker answers whether a message id was already processed.
type SeenChecker interface {
	Contains(messageID string) bool
}

// Client maintains the live IMAP connection to the monitored mailbox.
// It is owned by the single worker loop and is not safe for concurrent use.
type Client struct {
	cfg       config.MailboxConfig
	logger    *logrus.Logger
	seen      SeenChecker
	conn      *client.Client
	folder    string
	connected bool

	// connect is what EnsureHealthy retries; swapped in tests.
	connect func() error
}

// NewClient creates a new mailbox client (does not connect immediately)
func NewClient(cfg config.MailboxConfig, seen SeenChecker, logger *logrus.Logger) *Client {
	c := &Client{
		cfg:    cfg,
		logger: logger,
		seen:   seen,
	}
	c.connect = c.Connect
	return c
}

// Connect establishes a TLS connection, logs in and binds the client to the
// monitored folder.
func (c *Client) Connect() error {
	if c.connected && c.conn != nil {
		return nil
	}

	addr := fmt.Sprintf("%s:%d", c.cfg.Host, c.cfg.Port)
	dialer := &net.Dialer{Timeout: c.cfg.Timeout}

	conn, err := client.DialWithDialerTLS(dialer, addr, &tls.Config{
		ServerName: c.cfg.Host,
		MinVersion: tls.VersionTLS12,
	})
	if err != nil {
		return fmt.Errorf("%w: dial %s: %v", ErrConnection, addr, err)
	}
	conn.Timeout = c.cfg.Timeout

	if err := conn.Login(c.cfg.Username, c.cfg.Password); err != nil {
		c.logger.WithError(err).Error("Failed to login to IMAP server")
		conn.Logout() //nolint:errcheck
		return fmt.Errorf("%w: login: %v", ErrConnection, err)
	}

	c.conn = conn
	c.connected = true

	if err := c.selectMonitoredFolder(); err != nil {
		c.drop()
		return err
	}

	c.logger.WithFields(logrus.Fields{
		"server": c.cfg.Host,
		"folder": c.folder,
	}).Info("Connected to IMAP server")
	return nil
}

// selectMonitoredFolder selects (creating if necessary) the dedicated
// processing folder. Any failure there falls back to the configured default
// folder; only a failure to select the fallback is an error.
func (c *Client) selectMonitoredFolder() error {
	if c.cfg.ProcessingFolder != "" {
		if err := c.ensureFolder(c.cfg.ProcessingFolder); err != nil {
			c.logger.WithError(err).WithField("folder", c.cfg.ProcessingFolder).
				Warn("Could not set up processing folder, falling back")
		} else if _, err := c.conn.Select(c.cfg.ProcessingFolder, false); err == nil {
			c.folder = c.cfg.ProcessingFolder
			return nil
		} else {
			c.logger.WithError(err).WithField("folder", c.cfg.ProcessingFolder).
				Warn("Could not select processing folder, falling back")
		}
	}

	if _, err := c.conn.Select(c.cfg.Folder, false); err != nil {
		return fmt.Errorf("%w: select fallback folder %q: %v", ErrConfiguration, c.cfg.Folder, err)
	}
	c.folder = c.cfg.Folder
	return nil
}

// ensureFolder creates the folder when it does not exist yet.
func (c *Client) ensureFolder(name string) error {
	mailboxes := make(chan *imap.MailboxInfo, 10)
	done := make(chan error, 1)

	go func() {
		done <- c.conn.List("", "*", mailboxes)
	}()

	exists := false
	for m := range mailboxes {
		if m.Name == name {
			exists = true
		}
	}
	if err := <-done; err != nil {
		return fmt.Errorf("failed to list folders: %w", err)
	}

	if !exists {
		if err := c.conn.Create(name); err != nil {
			return fmt.Errorf("failed to create folder %q: %w", name, err)
		}
		c.logger.WithField("folder", name).Info("Created processing folder")
	}
	return nil
}

// Folder returns the currently monitored folder.
func (c *Client) Folder() string {
	return c.folder
}

// CheckHealth issues a NOOP against the live connection. It never raises;
// any fault reads as unhealthy.
func (c *Client) CheckHealth() bool {
	if !c.connected || c.conn == nil {
		return false
	}
	if err := c.conn.Noop(); err != nil {
		c.logger.WithError(err).Warn("Connection health check failed")
		c.connected = false
		return false
	}
	return true
}

// EnsureHealthy reconnects when the connection is unhealthy, with a bounded
// number of attempts and a fixed backoff between them. Loss of connectivity
// is expected and recoverable; the caller abandons the cycle on error and
// waits for the next interval.
func (c *Client) EnsureHealthy(ctx context.Context) error {
	if c.CheckHealth() {
		return nil
	}
	c.drop()

	var lastErr error
	for attempt := 1; attempt <= c.cfg.ReconnectTries; attempt++ {
		if err := ctx.Err(); err != nil {
			return err
		}
		if lastErr = c.connect(); lastErr == nil {
			return nil
		}
		if errors.Is(lastErr, ErrConfiguration) {
			// Not even the fallback folder works; retrying cannot help and
			// the caller must see the configuration error as-is.
			return lastErr
		}
		c.logger.WithError(lastErr).WithField("attempt", attempt).Warn("Reconnect attempt failed")
		if attempt < c.cfg.ReconnectTries {
			select {
			case <-time.After(c.cfg.ReconnectBackoff):
			case <-ctx.Done():
				return ctx.Err()
			}
		}
	}
	return fmt.Errorf("%w: reconnect failed after %d attempts: %w", ErrConnection, c.cfg.ReconnectTries, lastErr)
}

// Poll returns the unprocessed messages in the monitored folder in arrival
// order. It does not mark anything seen; that is the caller's job after the
// message is fully handled. A transient fault triggers one reconnect and a
// single retry before the error is reported upward.
func (c *Client) Poll(ctx context.Context) ([]*types.Message, error) {
	msgs, err := c.pollOnce()
	if err == nil {
		return msgs, nil
	}

	c.logger.WithError(err).Warn("Poll failed, reconnecting for one retry")
	c.connected = false
	if herr := c.EnsureHealthy(ctx); herr != nil {
		return nil, herr
	}

	msgs, err = c.pollOnce()
	if err != nil {
		return nil, fmt.Errorf("%w: poll retry: %v", ErrConnection, err)
	}
	return msgs, nil
}

// fetchSection is the BODY[] section used for polling. Peek keeps the server
// from flagging fetched messages \Seen, so a message interrupted before it
// was fully handled is still returned by the next UNSEEN search; the durable
// ledger alone decides what was processed.
func fetchSection() *imap.BodySectionName {
	return &imap.BodySectionName{Peek: true}
}

func (c *Client) pollOnce() ([]*types.Message, error) {
	if !c.connected || c.conn == nil {
		return nil, fmt.Errorf("%w: not connected", ErrConnection)
	}

	criteria := imap.NewSearchCriteria()
	criteria.WithoutFlags = []string{imap.SeenFlag}
	uids, err := c.conn.UidSearch(criteria)
	if err != nil {
		return nil, fmt.Errorf("failed to search folder: %w", err)
	}
	if len(uids) == 0 {
		return nil, nil
	}
	sort.Slice(uids, func(i, j int) bool { return uids[i] < uids[j] })

	seqSet := new(imap.SeqSet)
	seqSet.AddNum(uids...)

	section := fetchSection()
	items := []imap.FetchItem{imap.FetchEnvelope, imap.FetchUid, section.FetchItem()}

	messages := make(chan *imap.Message, 10)
	done := make(chan error, 1)

	go func() {
		done <- c.conn.UidFetch(seqSet, items, messages)
	}()

	var result []*types.Message
	for msg := range messages {
		parsed, err := c.parseMessage(msg, section)
		if err != nil {
			c.logger.WithError(err).WithField("uid", msg.Uid).Warn("Failed to parse message, skipping")
			continue
		}
		if c.seen != nil && c.seen.Contains(parsed.ID) {
			continue
		}
		result = append(result, parsed)
	}

	if err := <-done; err != nil {
		return nil, fmt.Errorf("failed to fetch messages: %w", err)
	}

	sort.Slice(result, func(i, j int) bool { return result[i].UID < result[j].UID })
	return result, nil
}

// parseMessage converts a fetched IMAP message into our Message type,
// extracting attachments with enmime.
func (c *Client) parseMessage(msg *imap.Message, section *imap.BodySectionName) (*types.Message, error) {
	if msg.Envelope == nil {
		return nil, fmt.Errorf("message %d has no envelope", msg.Uid)
	}

	out := &types.Message{
		UID:     msg.Uid,
		Folder:  c.folder,
		Subject: msg.Envelope.Subject,
		Date:    msg.Envelope.Date,
	}

	if out.ID = msg.Envelope.MessageId; out.ID == "" {
		out.ID = types.FallbackID(c.folder, msg.Uid)
	}
	if len(msg.Envelope.From) > 0 {
		addr := msg.Envelope.From[0]
		out.SenderName = addr.PersonalName
		out.SenderEmail = addr.Address()
	}

	literal := msg.GetBody(section)
	if literal == nil {
		return nil, fmt.Errorf("message %d has no body section", msg.Uid)
	}
	body, err := readLiteral(literal)
	if err != nil {
		return nil, fmt.Errorf("failed to read body: %w", err)
	}

	out.Attachments = ParseAttachments(body)
	return out, nil
}

// ParseAttachments extracts attachment and inline parts from a raw RFC822
// message. Photographed documents often arrive inline rather than as proper
// attachments, so both kinds are kept.
func ParseAttachments(raw []byte) []types.Attachment {
	env, err := enmime.ReadEnvelope(bytes.NewReader(raw))
	if err != nil {
		return nil
	}

	var attachments []types.Attachment
	for _, part := range append(env.Attachments, env.Inlines...) {
		if part.FileName == "" && len(part.Content) == 0 {
			continue
		}
		attachments = append(attachments, types.Attachment{
			Filename:  part.FileName,
			MediaType: part.ContentType,
			Data:      part.Content,
		})
	}
	return attachments
}

// drop discards the connection state without a clean logout.
func (c *Client) drop() {
	if c.conn != nil {
		c.conn.Logout() //nolint:errcheck
	}
	c.conn = nil
	c.connected = false
	c.folder = ""
}

// Close closes the IMAP connection.
func (c *Client) Close() error {
	if c.conn != nil {
		err := c.conn.Logout()
		c.conn = nil
		c.connected = false
		return err
	}
	return nil
}

func readLiteral(literal imap.Literal) ([]byte, error) {
	body := make([]byte, 0, 8192)
	buf := make([]byte, 1024)
	for {
		n, err := literal.Read(buf)
		if n > 0 {
			body = append(body, buf[:n]...)
		}
		if err == io.EOF {
			return body, nil
		}
		if err != nil {
			return body, err
		}
	}
}
