package coordinatorapi

import (
	"context"
	"encoding/json"

	"collectoragent/internal/cookiequeue"
)

// CookieEndpoint adapts one of the two independent cookie-upload
// endpoints to cookiequeue.Uploader, preserving per-account enqueue
// order within a delivered batch.
type CookieEndpoint struct {
	client *Client
	path   string
}

// NewCookieEndpoint builds a cookiequeue.Uploader bound to one
// coordinator cookie-upload path.
func NewCookieEndpoint(client *Client, path string) *CookieEndpoint {
	return &CookieEndpoint{client: client, path: path}
}

// Upload implements cookiequeue.Uploader.
func (e *CookieEndpoint) Upload(ctx context.Context, batch []cookiequeue.Envelope) error {
	for _, env := range batch {
		raw, err := json.Marshal(env.Cookies)
		if err != nil {
			return err
		}
		if err := e.client.UploadCookies(ctx, e.path, env.AccountID, string(raw)); err != nil {
			return err
		}
	}
	return nil
}
