// Package gmail implements the pipeline's mail source against the Gmail API.
package gmail

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"net/mail"
	"strings"
	"time"

	"golang.org/x/oauth2"
	gmailapi "google.golang.org/api/gmail/v1"
	"google.golang.org/api/googleapi"
	"google.golang.org/api/option"

	"github.com/adolfousier/invoicepilot/internal/pipeline"
)

const user = "me"

// Source adapts the Gmail API to pipeline.MailSource for the source account.
type Source struct {
	svc *gmailapi.Service
}

// New creates a Gmail source backed by the given token source.
func New(ctx context.Context, ts oauth2.TokenSource) (*Source, error) {
	svc, err := gmailapi.NewService(ctx, option.WithHTTPClient(oauth2.NewClient(ctx, ts)))
	if err != nil {
		return nil, fmt.Errorf("create Gmail service: %w", err)
	}
	return &Source{svc: svc}, nil
}

// Search runs one query per keyword and unions the results by message id,
// then fetches sender and subject metadata for each match. A failed listing
// fails the search; a failed metadata fetch loses only that message, which
// comes back as a skip record (a message can vanish between listing and
// fetch).
func (s *Source) Search(ctx context.Context, crit pipeline.Criteria) ([]pipeline.MessageRef, []pipeline.RunError, error) {
	seen := make(map[string]bool)
	var ids []string

	for _, keyword := range crit.Keywords {
		q := buildQuery(keyword, crit.From, crit.To)
		call := s.svc.Users.Messages.List(user).Q(q).MaxResults(100)
		err := call.Pages(ctx, func(page *gmailapi.ListMessagesResponse) error {
			for _, m := range page.Messages {
				if !seen[m.Id] {
					seen[m.Id] = true
					ids = append(ids, m.Id)
				}
			}
			return nil
		})
		if err != nil {
			return nil, nil, classify("search messages", err)
		}
	}

	refs := make([]pipeline.MessageRef, 0, len(ids))
	var skipped []pipeline.RunError
	for _, id := range ids {
		meta, err := s.svc.Users.Messages.Get(user, id).
			Format("metadata").
			MetadataHeaders("From", "Subject").
			Context(ctx).Do()
		if err != nil {
			fault := classify("get message metadata", err)
			if fault.Kind == pipeline.FaultAuth {
				return nil, nil, fault
			}
			skipped = append(skipped, pipeline.RunError{
				MessageID: id,
				Kind:      fault.Kind.String(),
				Attempts:  1,
				Detail:    fault.Error(),
			})
			continue
		}
		name, addr := parseSender(header(meta, "From"))
		refs = append(refs, pipeline.MessageRef{
			ID:            id,
			SenderName:    name,
			SenderAddress: addr,
			Subject:       header(meta, "Subject"),
			Snippet:       meta.Snippet,
		})
	}
	return refs, skipped, nil
}

// FetchAttachments downloads every attachment of the message, bytes
// included.
func (s *Source) FetchAttachments(ctx context.Context, messageID string) ([]pipeline.Attachment, error) {
	msg, err := s.svc.Users.Messages.Get(user, messageID).Format("full").Context(ctx).Do()
	if err != nil {
		return nil, classify("get message", err)
	}

	var parts []attachmentPart
	if msg.Payload != nil {
		collectAttachmentParts(msg.Payload, &parts)
	}

	atts := make([]pipeline.Attachment, 0, len(parts))
	for _, p := range parts {
		body, err := s.svc.Users.Messages.Attachments.Get(user, messageID, p.attachmentID).Context(ctx).Do()
		if err != nil {
			return nil, classify("download attachment", err)
		}
		data, err := decodeAttachmentData(body.Data)
		if err != nil {
			return nil, pipeline.NewFault(pipeline.FaultRemote, "decode attachment", err)
		}
		atts = append(atts, pipeline.Attachment{
			MessageID: messageID,
			Filename:  p.filename,
			Size:      int64(len(data)),
			Data:      data,
		})
	}
	return atts, nil
}

type attachmentPart struct {
	filename     string
	attachmentID string
}

// collectAttachmentParts walks the MIME part tree; a part is an attachment
// when it carries both a filename and an attachment id.
func collectAttachmentParts(part *gmailapi.MessagePart, out *[]attachmentPart) {
	if part.Filename != "" && part.Body != nil && part.Body.AttachmentId != "" {
		*out = append(*out, attachmentPart{filename: part.Filename, attachmentID: part.Body.AttachmentId})
	}
	for _, child := range part.Parts {
		collectAttachmentParts(child, out)
	}
}

// buildQuery builds a Gmail search expression for one keyword and a date
// window. The before bound is the day after the end date so the window is
// inclusive.
func buildQuery(keyword string, from, to time.Time) string {
	after := fmt.Sprintf("%d/%d/%d", from.Year(), from.Month(), from.Day())
	end := to.AddDate(0, 0, 1)
	before := fmt.Sprintf("%d/%d/%d", end.Year(), end.Month(), end.Day())
	return fmt.Sprintf("%s has:attachment after:%s before:%s", keyword, after, before)
}

// parseSender splits a From header into display name and address, falling
// back to the address local part when no display name is present.
func parseSender(from string) (name, address string) {
	if from == "" {
		return "", ""
	}
	if addr, err := mail.ParseAddress(from); err == nil {
		name, address = addr.Name, addr.Address
	} else {
		address = strings.TrimSpace(from)
	}
	if name == "" {
		if at := strings.Index(address, "@"); at > 0 {
			name = address[:at]
		} else {
			name = address
		}
	}
	return name, address
}

func header(msg *gmailapi.Message, name string) string {
	if msg.Payload == nil {
		return ""
	}
	for _, h := range msg.Payload.Headers {
		if strings.EqualFold(h.Name, name) {
			return h.Value
		}
	}
	return ""
}

// decodeAttachmentData decodes the base64url body Gmail returns, tolerating
// the padded and standard variants some responses carry.
func decodeAttachmentData(data string) ([]byte, error) {
	if b, err := base64.RawURLEncoding.DecodeString(data); err == nil {
		return b, nil
	}
	if b, err := base64.URLEncoding.DecodeString(data); err == nil {
		return b, nil
	}
	b, err := base64.StdEncoding.DecodeString(data)
	if err != nil {
		return nil, fmt.Errorf("decode attachment body (%d bytes): %w", len(data), err)
	}
	return b, nil
}

// classify maps a Gmail API error onto the pipeline fault taxonomy.
func classify(op string, err error) *pipeline.Fault {
	var gerr *googleapi.Error
	if errors.As(err, &gerr) {
		if gerr.Code == 403 && hasRateLimitReason(gerr) {
			return pipeline.NewFault(pipeline.FaultRateLimited, op, err)
		}
		return pipeline.ClassifyStatus(op, gerr.Code, err)
	}
	// No structured API error means the call never completed.
	return pipeline.NewFault(pipeline.FaultTransient, op, err)
}

func hasRateLimitReason(gerr *googleapi.Error) bool {
	for _, item := range gerr.Errors {
		if strings.Contains(item.Reason, "ateLimitExceeded") {
			return true
		}
	}
	return false
}
