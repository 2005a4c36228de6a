package identity

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"mime"
	"mime/multipart"
	"net/http"
	"net/textproto"
	"path/filepath"
	"regexp"
	"strings"

	"github.com/ashureev/pplx/internal/apierr"
	"github.com/ashureev/pplx/internal/config"
	"github.com/ashureev/pplx/internal/protocol"
)

// imageObjectPattern rewrites signed image delivery URLs to their stable
// private form.
var imageObjectPattern = regexp.MustCompile(`/private/s--.*?--/v\d+/user_uploads/`)

// uploadTicket is the short-lived credential authorizing one file upload.
// Field names vary between protocol generations; the accessors pick
// whichever was populated.
type uploadTicket struct {
	URL         string            `json:"url"`
	S3BucketURL string            `json:"s3_bucket_url"`
	Fields      map[string]string `json:"fields"`
	ObjectURL   string            `json:"object_url"`
	S3ObjectURL string            `json:"s3_object_url"`
}

func (t *uploadTicket) bucketURL() string {
	if t.URL != "" {
		return t.URL
	}
	return t.S3BucketURL
}

func (t *uploadTicket) finalObjectURL() string {
	if t.ObjectURL != "" {
		return t.ObjectURL
	}
	return t.S3ObjectURL
}

// uploadFiles uploads every attachment and returns the final object
// references. A rejected ticket or upload fails the whole request.
func (i *Identity) uploadFiles(ctx context.Context, files []File) ([]string, error) {
	if len(files) == 0 {
		return nil, nil
	}

	refs := make([]string, 0, len(files))
	for _, f := range files {
		contentType := mime.TypeByExtension(filepath.Ext(f.Name))
		if contentType == "" {
			contentType = "application/octet-stream"
		}

		var ticket uploadTicket
		var err error
		if i.cfg.AskTransport == config.TransportChannel {
			ticket, err = i.requestTicketChannel(ctx, f, contentType)
		} else {
			ticket, err = i.requestTicketHTTP(ctx, f, contentType)
		}
		if err != nil {
			return nil, err
		}

		ref, err := i.performUpload(ctx, &ticket, f, contentType)
		if err != nil {
			return nil, err
		}
		refs = append(refs, ref)
	}
	return refs, nil
}

// requestTicketHTTP asks for a presigned upload over HTTP.
func (i *Identity) requestTicketHTTP(ctx context.Context, f File, contentType string) (uploadTicket, error) {
	payload, err := json.Marshal(map[string]any{
		"content_type": contentType,
		"file_size":    len(f.Content),
		"filename":     f.Name,
		"force_image":  false,
		"source":       "default",
	})
	if err != nil {
		return uploadTicket{}, &apierr.UploadError{Filename: f.Name, Detail: "encode ticket request", Err: err}
	}

	url := fmt.Sprintf("%s%s?version=%s&source=default", i.cfg.BaseURL, config.PathUploadURL, config.APIVersion)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(payload))
	if err != nil {
		return uploadTicket{}, &apierr.UploadError{Filename: f.Name, Detail: "build ticket request", Err: err}
	}
	i.applyHeaders(req)
	req.Header.Set("Content-Type", "application/json")

	resp, err := i.http.Do(req)
	if err != nil {
		return uploadTicket{}, &apierr.UploadError{Filename: f.Name, Detail: "ticket request", Err: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return uploadTicket{}, &apierr.UploadError{Filename: f.Name, Detail: fmt.Sprintf("ticket rejected with status %d", resp.StatusCode)}
	}

	var ticket uploadTicket
	if err := json.NewDecoder(resp.Body).Decode(&ticket); err != nil {
		return uploadTicket{}, &apierr.UploadError{Filename: f.Name, Detail: "decode ticket", Err: err}
	}
	return ticket, nil
}

// requestTicketChannel asks for a presigned upload over the persistent
// channel: one correlated round trip on the upload-ticket stream, which
// coexists with an in-flight answer stream without cross-talk.
func (i *Identity) requestTicketChannel(ctx context.Context, f File, contentType string) (uploadTicket, error) {
	sess, err := i.channel(ctx)
	if err != nil {
		return uploadTicket{}, err
	}
	if err := sess.WaitReady(ctx); err != nil {
		return uploadTicket{}, err
	}

	corr := sess.Correlator()
	release, err := corr.Expect(protocol.StreamUploadTicket)
	if err != nil {
		return uploadTicket{}, err
	}
	defer release()

	seq := corr.Next()
	err = sess.Send(ctx, seq, "get_upload_url", map[string]any{
		"content_type": contentType,
		"file_size":    len(f.Content),
		"filename":     f.Name,
		"source":       "default",
		"version":      config.APIVersion,
	})
	if err != nil {
		return uploadTicket{}, err
	}

	payload, err := corr.Await(ctx, protocol.StreamUploadTicket, i.cfg.AnswerTimeout)
	if err != nil {
		return uploadTicket{}, err
	}

	var ticket struct {
		uploadTicket
		Success *bool `json:"success"`
	}
	if err := json.Unmarshal(payload, &ticket); err != nil {
		return uploadTicket{}, &apierr.UploadError{Filename: f.Name, Detail: "decode ticket", Err: err}
	}
	if ticket.Success != nil && !*ticket.Success {
		return uploadTicket{}, &apierr.UploadError{Filename: f.Name, Detail: "ticket rejected"}
	}
	return ticket.uploadTicket, nil
}

// performUpload posts the multipart form described by the ticket and
// derives the final object reference.
func (i *Identity) performUpload(ctx context.Context, ticket *uploadTicket, f File, contentType string) (string, error) {
	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)

	for name, value := range ticket.Fields {
		if err := mw.WriteField(name, value); err != nil {
			return "", &apierr.UploadError{Filename: f.Name, Detail: "build form", Err: err}
		}
	}

	header := textproto.MIMEHeader{}
	header.Set("Content-Disposition", fmt.Sprintf(`form-data; name="file"; filename=%q`, f.Name))
	header.Set("Content-Type", contentType)
	part, err := mw.CreatePart(header)
	if err != nil {
		return "", &apierr.UploadError{Filename: f.Name, Detail: "build file part", Err: err}
	}
	if _, err := part.Write(f.Content); err != nil {
		return "", &apierr.UploadError{Filename: f.Name, Detail: "write file part", Err: err}
	}
	if err := mw.Close(); err != nil {
		return "", &apierr.UploadError{Filename: f.Name, Detail: "finalize form", Err: err}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, ticket.bucketURL(), &buf)
	if err != nil {
		return "", &apierr.UploadError{Filename: f.Name, Detail: "build upload request", Err: err}
	}
	req.Header.Set("Content-Type", mw.FormDataContentType())

	resp, err := i.http.Do(req)
	if err != nil {
		return "", &apierr.UploadError{Filename: f.Name, Detail: "upload", Err: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return "", &apierr.UploadError{Filename: f.Name, Detail: fmt.Sprintf("upload rejected with status %d", resp.StatusCode)}
	}

	// Image uploads return a signed delivery URL that must be rewritten
	// to its stable form; everything else uses the ticket's object URL.
	if strings.Contains(ticket.finalObjectURL(), "image/upload") {
		var uploaded struct {
			SecureURL string `json:"secure_url"`
		}
		if err := json.NewDecoder(resp.Body).Decode(&uploaded); err != nil {
			return "", &apierr.UploadError{Filename: f.Name, Detail: "decode upload response", Err: err}
		}
		return imageObjectPattern.ReplaceAllString(uploaded.SecureURL, "/private/user_uploads/"), nil
	}
	return ticket.finalObjectURL(), nil
}
