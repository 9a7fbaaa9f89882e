package source

import (
	"context"
	"crypto/tls"
	"fmt"
	"io"
	"log/slog"
	"net"
	"strings"
	"time"

	"github.com/emersion/go-imap"
	"github.com/emersion/go-imap/client"
	"github.com/emersion/go-message/mail"

	"github.com/mailpipe/mailpipe/internal/extract"
)

// IMAPConfig configures the IMAP connector.
type IMAPConfig struct {
	Server      string // host:port
	User        string
	Password    string
	DialTimeout time.Duration
}

// IMAPSource fetches messages over IMAP. One connection per Messages call;
// the connector holds no state between runs.
type IMAPSource struct {
	config IMAPConfig
	logger *slog.Logger
}

// NewIMAPSource creates an IMAP connector.
func NewIMAPSource(cfg IMAPConfig, logger *slog.Logger) *IMAPSource {
	return &IMAPSource{
		config: cfg,
		logger: logger.With("server", cfg.Server),
	}
}

// System implements Source.
func (s *IMAPSource) System() string { return "imap" }

// Messages implements Source. Messages are fetched newest-first within the
// window; an unreadable item is logged and skipped, it never aborts the
// fetch.
func (s *IMAPSource) Messages(ctx context.Context, q Query, fn func(Message) error) error {
	timeout := s.config.DialTimeout
	if timeout == 0 {
		timeout = 30 * time.Second
	}

	s.logger.Info("connecting to IMAP server")
	dialer := &net.Dialer{Timeout: timeout}
	conn, err := tls.DialWithDialer(dialer, "tcp", s.config.Server, nil)
	if err != nil {
		return fmt.Errorf("failed to connect: %w", err)
	}

	imapClient, err := client.New(conn)
	if err != nil {
		conn.Close()
		return fmt.Errorf("failed to create IMAP client: %w", err)
	}
	defer imapClient.Logout()

	if err := imapClient.Login(s.config.User, s.config.Password); err != nil {
		return fmt.Errorf("failed to login: %w", err)
	}

	folder := q.Folder
	if folder == "" {
		folder = "INBOX"
	}
	mbox, err := imapClient.Select(folder, true)
	if err != nil {
		return fmt.Errorf("failed to select folder %s: %w", folder, err)
	}
	if mbox.Messages == 0 {
		return nil
	}

	criteria := imap.NewSearchCriteria()
	if q.Since != nil {
		criteria.Since = *q.Since
	}
	uids, err := imapClient.UidSearch(criteria)
	if err != nil {
		return fmt.Errorf("failed to search: %w", err)
	}
	if len(uids) == 0 {
		return nil
	}
	// Newest first; the limit caps the newest messages of the window.
	for i, j := 0, len(uids)-1; i < j; i, j = i+1, j-1 {
		uids[i], uids[j] = uids[j], uids[i]
	}
	if q.Limit > 0 && len(uids) > q.Limit {
		uids = uids[:q.Limit]
	}

	seqSet := new(imap.SeqSet)
	seqSet.AddNum(uids...)

	section := &imap.BodySectionName{Peek: true}
	items := []imap.FetchItem{
		imap.FetchEnvelope, imap.FetchUid, imap.FetchInternalDate, section.FetchItem(),
	}

	messages := make(chan *imap.Message, 16)
	done := make(chan error, 1)
	go func() {
		done <- imapClient.UidFetch(seqSet, items, messages)
	}()

	storeID := fmt.Sprintf("%s/%s", q.Mailbox, folder)
	for msg := range messages {
		select {
		case <-ctx.Done():
			// Drain so the fetch goroutine can finish.
			for range messages {
			}
			<-done
			return ctx.Err()
		default:
		}

		record, err := s.convert(msg, section, storeID, mbox.UidValidity)
		if err != nil {
			s.logger.Warn("failed to parse message, skipping", "uid", msg.Uid, "error", err)
			continue
		}
		if err := fn(record); err != nil {
			for range messages {
			}
			<-done
			return err
		}
	}

	if err := <-done; err != nil {
		return fmt.Errorf("failed to fetch: %w", err)
	}
	return nil
}

func (s *IMAPSource) convert(msg *imap.Message, section *imap.BodySectionName, storeID string, uidValidity uint32) (Message, error) {
	record := Message{StoreID: storeID}

	if !msg.InternalDate.IsZero() {
		received := msg.InternalDate
		record.ReceivedAt = &received
	}

	if env := msg.Envelope; env != nil {
		record.Subject = env.Subject
		record.EntryID = env.MessageId
		record.ConversationID = strings.Trim(env.InReplyTo, "<>")
		if !env.Date.IsZero() {
			sent := env.Date
			record.SentAt = &sent
		}
		if len(env.From) > 0 {
			record.SenderName = env.From[0].PersonalName
			record.SenderEmail = env.From[0].Address()
		}
		record.To = joinAddresses(env.To)
		record.Cc = joinAddresses(env.Cc)
		record.Bcc = joinAddresses(env.Bcc)
	}
	if record.EntryID == "" {
		// Message-ID is optional on the wire; fall back to the folder-stable
		// UID coordinates.
		record.EntryID = fmt.Sprintf("uid:%d:%d", uidValidity, msg.Uid)
	}

	body := msg.GetBody(section)
	if body == nil {
		return record, nil
	}
	mr, err := mail.CreateReader(body)
	if err != nil {
		return record, fmt.Errorf("failed to create mail reader: %w", err)
	}

	for {
		part, err := mr.NextPart()
		if err == io.EOF {
			break
		}
		if err != nil {
			s.logger.Warn("failed to read part", "uid", msg.Uid, "error", err)
			break
		}

		switch h := part.Header.(type) {
		case *mail.InlineHeader:
			ct, _, _ := h.ContentType()
			data, err := io.ReadAll(part.Body)
			if err != nil {
				continue
			}
			switch {
			case strings.HasPrefix(ct, "text/html"):
				record.BodyHTML = string(data)
			case strings.HasPrefix(ct, "text/plain"):
				record.BodyText = string(data)
			case strings.HasPrefix(ct, "text/calendar"):
				if s.applyMeeting(&record, data) {
					// Surface the invite to the attachment extractors too.
					record.Attachments = append(record.Attachments, Attachment{
						Filename: "invite.ics",
						MIME:     "text/calendar",
						Data:     data,
					})
				}
			}
		case *mail.AttachmentHeader:
			filename, _ := h.Filename()
			data, err := io.ReadAll(part.Body)
			if err != nil {
				continue
			}
			mimeType, _, _ := h.ContentType()
			contentID := strings.Trim(h.Get("Content-Id"), "<>")
			disposition, _, _ := h.ContentDisposition()
			record.Attachments = append(record.Attachments, Attachment{
				Filename:  filename,
				MIME:      mimeType,
				Data:      data,
				ContentID: contentID,
				IsInline:  disposition == "inline" || contentID != "",
			})
			if strings.EqualFold(extract.ExtensionOf(filename), "ics") {
				s.applyMeeting(&record, data)
			}
		}
	}

	return record, nil
}

// applyMeeting marks the record as a meeting and fills its calendar fields
// from an iCalendar body. The first calendar part wins. Returns whether the
// record was updated.
func (s *IMAPSource) applyMeeting(record *Message, data []byte) bool {
	if record.IsMeeting {
		return false
	}
	details, err := extract.ParseICS(data)
	if err != nil {
		s.logger.Warn("failed to parse calendar part", "error", err)
		return false
	}
	record.IsMeeting = true
	record.Meeting = Meeting{
		Start:      details.Start,
		End:        details.End,
		Timezone:   details.Timezone,
		Location:   details.Location,
		Organizer:  details.Organizer,
		Recipients: details.Attendees,
	}
	return true
}

func joinAddresses(addrs []*imap.Address) string {
	var parts []string
	for _, a := range addrs {
		if a.PersonalName != "" {
			parts = append(parts, fmt.Sprintf("%s <%s>", a.PersonalName, a.Address()))
		} else {
			parts = append(parts, a.Address())
		}
	}
	return strings.Join(parts, "; ")
}
