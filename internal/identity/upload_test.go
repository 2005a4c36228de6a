package identity

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ashureev/pplx/internal/apierr"
	"github.com/ashureev/pplx/internal/config"
	"github.com/ashureev/pplx/internal/quota"
)

func TestImageObjectRewrite(t *testing.T) {
	t.Parallel()

	signed := "https://pplx-res.cloudinary.com/image/upload/private/s--AbC123xy--/v1712345678/user_uploads/photo.png"
	got := imageObjectPattern.ReplaceAllString(signed, "/private/user_uploads/")
	assert.Equal(t, "https://pplx-res.cloudinary.com/image/upload/private/user_uploads/photo.png", got)

	// A URL without the signed segment passes through untouched.
	stable := "https://pplx-res.cloudinary.com/image/upload/private/user_uploads/photo.png"
	assert.Equal(t, stable, imageObjectPattern.ReplaceAllString(stable, "/private/user_uploads/"))
}

func TestUploadTicketAccessors(t *testing.T) {
	t.Parallel()

	ticket := uploadTicket{URL: "https://bucket-a", S3BucketURL: "https://bucket-b"}
	assert.Equal(t, "https://bucket-a", ticket.bucketURL())

	ticket = uploadTicket{S3BucketURL: "https://bucket-b"}
	assert.Equal(t, "https://bucket-b", ticket.bucketURL())

	ticket = uploadTicket{ObjectURL: "https://obj-a", S3ObjectURL: "https://obj-b"}
	assert.Equal(t, "https://obj-a", ticket.finalObjectURL())

	ticket = uploadTicket{S3ObjectURL: "https://obj-b"}
	assert.Equal(t, "https://obj-b", ticket.finalObjectURL())
}

// uploadServer fakes the ticket endpoint and the presigned bucket.
func uploadServer(t *testing.T, ticketStatus int) (*httptest.Server, *[]string) {
	t.Helper()
	var formFields []string
	var srv *httptest.Server
	srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case config.PathUploadURL:
			if ticketStatus != http.StatusOK {
				w.WriteHeader(ticketStatus)
				return
			}
			json.NewEncoder(w).Encode(map[string]any{
				"url":           srv.URL + "/bucket",
				"fields":        map[string]string{"key": "user_uploads/doc.txt"},
				"s3_object_url": srv.URL + "/files/doc.txt",
			})
		case "/bucket":
			require.NoError(t, r.ParseMultipartForm(1<<20))
			for name := range r.MultipartForm.Value {
				formFields = append(formFields, name)
			}
			require.NotNil(t, r.MultipartForm.File["file"])
			w.WriteHeader(http.StatusNoContent)
		default:
			http.NotFound(w, r)
		}
	}))
	t.Cleanup(srv.Close)
	return srv, &formFields
}

func uploadIdentity(baseURL string) *Identity {
	return &Identity{
		cfg: &config.Config{
			BaseURL:      baseURL,
			AskTransport: config.TransportSSE,
		},
		http: &http.Client{},
		gov:  quota.New(0, 10),
	}
}

func TestUploadFilesRoundTrip(t *testing.T) {
	t.Parallel()

	srv, fields := uploadServer(t, http.StatusOK)
	ident := uploadIdentity(srv.URL)

	refs, err := ident.uploadFiles(context.Background(), []File{
		{Name: "doc.txt", Content: []byte("hello")},
	})
	require.NoError(t, err)
	require.Len(t, refs, 1)
	assert.Equal(t, srv.URL+"/files/doc.txt", refs[0])

	// The presigned fields must ride along with the file part.
	assert.Contains(t, *fields, "key")
}

func TestUploadFilesTicketRejected(t *testing.T) {
	t.Parallel()

	srv, _ := uploadServer(t, http.StatusForbidden)
	ident := uploadIdentity(srv.URL)

	_, err := ident.uploadFiles(context.Background(), []File{
		{Name: "doc.txt", Content: []byte("hello")},
	})
	var uploadErr *apierr.UploadError
	require.ErrorAs(t, err, &uploadErr)
	assert.Equal(t, "doc.txt", uploadErr.Filename)
}

func TestUploadFilesNoFiles(t *testing.T) {
	t.Parallel()

	ident := uploadIdentity("http://unused")
	refs, err := ident.uploadFiles(context.Background(), nil)
	require.NoError(t, err)
	assert.Nil(t, refs)
}
