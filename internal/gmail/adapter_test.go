package gmail

import (
	"context"
	"encoding/base64"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	gmailapi "google.golang.org/api/gmail/v1"
	"google.golang.org/api/googleapi"
	"google.golang.org/api/option"

	"github.com/adolfousier/invoicepilot/internal/pipeline"
)

// newTestSource builds a Source against a local stand-in for the Gmail API.
func newTestSource(t *testing.T, handler http.Handler) *Source {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)

	svc, err := gmailapi.NewService(context.Background(),
		option.WithEndpoint(srv.URL),
		option.WithoutAuthentication())
	require.NoError(t, err)
	return &Source{svc: svc}
}

func TestBuildQuery(t *testing.T) {
	from := time.Date(2025, time.February, 1, 0, 0, 0, 0, time.UTC)
	to := time.Date(2025, time.February, 28, 0, 0, 0, 0, time.UTC)

	q := buildQuery("invoice", from, to)
	assert.Equal(t, "invoice has:attachment after:2025/2/1 before:2025/3/1", q)

	// The before bound is the day after the end date, so year rollover works.
	q = buildQuery("fatura",
		time.Date(2024, time.December, 1, 0, 0, 0, 0, time.UTC),
		time.Date(2024, time.December, 31, 0, 0, 0, 0, time.UTC))
	assert.Equal(t, "fatura has:attachment after:2024/12/1 before:2025/1/1", q)
}

func TestParseSender(t *testing.T) {
	tests := []struct {
		from     string
		wantName string
		wantAddr string
	}{
		{`"Wise" <billing@wise.com>`, "Wise", "billing@wise.com"},
		{`Deutsche Bank AG <service@db.example>`, "Deutsche Bank AG", "service@db.example"},
		{`billing@wise.com`, "billing", "billing@wise.com"},
		{`<noreply@example.com>`, "noreply", "noreply@example.com"},
		{`not-an-address`, "not-an-address", "not-an-address"},
		{``, "", ""},
	}
	for _, tt := range tests {
		name, addr := parseSender(tt.from)
		assert.Equal(t, tt.wantName, name, "from %q", tt.from)
		assert.Equal(t, tt.wantAddr, addr, "from %q", tt.from)
	}
}

func TestCollectAttachmentParts(t *testing.T) {
	payload := &gmailapi.MessagePart{
		MimeType: "multipart/mixed",
		Parts: []*gmailapi.MessagePart{
			{
				MimeType: "multipart/alternative",
				Parts: []*gmailapi.MessagePart{
					{MimeType: "text/plain", Body: &gmailapi.MessagePartBody{Data: "aGk="}},
					{MimeType: "text/html", Body: &gmailapi.MessagePartBody{Data: "aGk="}},
				},
			},
			{
				MimeType: "application/pdf",
				Filename: "invoice.pdf",
				Body:     &gmailapi.MessagePartBody{AttachmentId: "att-1"},
			},
			{
				// Inline image with a filename but no attachment id is not
				// downloadable.
				MimeType: "image/png",
				Filename: "logo.png",
				Body:     &gmailapi.MessagePartBody{Data: "aWNvbg=="},
			},
			{
				MimeType: "multipart/mixed",
				Parts: []*gmailapi.MessagePart{
					{
						MimeType: "application/pdf",
						Filename: "nested.pdf",
						Body:     &gmailapi.MessagePartBody{AttachmentId: "att-2"},
					},
				},
			},
		},
	}

	var parts []attachmentPart
	collectAttachmentParts(payload, &parts)

	require.Len(t, parts, 2)
	assert.Equal(t, "invoice.pdf", parts[0].filename)
	assert.Equal(t, "att-1", parts[0].attachmentID)
	assert.Equal(t, "nested.pdf", parts[1].filename)
	assert.Equal(t, "att-2", parts[1].attachmentID)
}

func TestDecodeAttachmentData(t *testing.T) {
	raw := []byte("%PDF-1.4 binary \xff\xfe content")

	for _, enc := range []string{
		base64.RawURLEncoding.EncodeToString(raw),
		base64.URLEncoding.EncodeToString(raw),
		base64.StdEncoding.EncodeToString(raw),
	} {
		got, err := decodeAttachmentData(enc)
		require.NoError(t, err)
		assert.Equal(t, raw, got)
	}

	_, err := decodeAttachmentData("!!not base64!!")
	assert.Error(t, err)
}

func TestSearchSkipsMessageWhoseMetadataFetchFails(t *testing.T) {
	source := newTestSource(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		switch {
		case strings.HasSuffix(r.URL.Path, "/messages"):
			fmt.Fprint(w, `{"messages":[{"id":"msg-ok"},{"id":"msg-gone"}]}`)
		case strings.HasSuffix(r.URL.Path, "/messages/msg-ok"):
			fmt.Fprint(w, `{"id":"msg-ok","snippet":"statement ready","payload":{"headers":[`+
				`{"name":"From","value":"\"Wise\" <billing@wise.com>"},`+
				`{"name":"Subject","value":"Statement"}]}}`)
		case strings.HasSuffix(r.URL.Path, "/messages/msg-gone"):
			// Deleted between listing and fetch.
			w.WriteHeader(http.StatusNotFound)
			fmt.Fprint(w, `{"error":{"code":404,"message":"Not Found"}}`)
		default:
			w.WriteHeader(http.StatusNotFound)
		}
	}))

	crit := pipeline.Criteria{
		Keywords: []string{"statement"},
		From:     time.Date(2025, time.February, 1, 0, 0, 0, 0, time.UTC),
		To:       time.Date(2025, time.February, 28, 0, 0, 0, 0, time.UTC),
	}
	refs, skipped, err := source.Search(context.Background(), crit)
	require.NoError(t, err)

	require.Len(t, refs, 1)
	assert.Equal(t, "msg-ok", refs[0].ID)
	assert.Equal(t, "Wise", refs[0].SenderName)
	assert.Equal(t, "billing@wise.com", refs[0].SenderAddress)

	require.Len(t, skipped, 1)
	assert.Equal(t, "msg-gone", skipped[0].MessageID)
	assert.Equal(t, "remote", skipped[0].Kind)
	assert.Contains(t, skipped[0].Detail, "404")
}

func TestSearchFailsOnAuthFault(t *testing.T) {
	source := newTestSource(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		if strings.HasSuffix(r.URL.Path, "/messages") {
			fmt.Fprint(w, `{"messages":[{"id":"msg-1"}]}`)
			return
		}
		w.WriteHeader(http.StatusUnauthorized)
		fmt.Fprint(w, `{"error":{"code":401,"message":"Invalid Credentials"}}`)
	}))

	crit := pipeline.Criteria{
		Keywords: []string{"invoice"},
		From:     time.Date(2025, time.February, 1, 0, 0, 0, 0, time.UTC),
		To:       time.Date(2025, time.February, 28, 0, 0, 0, 0, time.UTC),
	}
	_, _, err := source.Search(context.Background(), crit)
	require.Error(t, err)

	var f *pipeline.Fault
	require.ErrorAs(t, err, &f)
	assert.Equal(t, pipeline.FaultAuth, f.Kind)
}

func TestClassifyAPIErrors(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want pipeline.FaultKind
	}{
		{
			name: "401 is an auth fault",
			err:  &googleapi.Error{Code: 401},
			want: pipeline.FaultAuth,
		},
		{
			name: "429 is rate limited",
			err:  &googleapi.Error{Code: 429},
			want: pipeline.FaultRateLimited,
		},
		{
			name: "403 with rate limit reason is rate limited",
			err: &googleapi.Error{Code: 403, Errors: []googleapi.ErrorItem{
				{Reason: "userRateLimitExceeded"},
			}},
			want: pipeline.FaultRateLimited,
		},
		{
			name: "403 without rate limit reason is remote",
			err: &googleapi.Error{Code: 403, Errors: []googleapi.ErrorItem{
				{Reason: "insufficientPermissions"},
			}},
			want: pipeline.FaultRemote,
		},
		{
			name: "503 is transient",
			err:  &googleapi.Error{Code: 503},
			want: pipeline.FaultTransient,
		},
		{
			name: "non-API error is transient",
			err:  assert.AnError,
			want: pipeline.FaultTransient,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := classify("op", tt.err)
			var f *pipeline.Fault
			require.ErrorAs(t, got, &f)
			assert.Equal(t, tt.want, f.Kind)
		})
	}
}
