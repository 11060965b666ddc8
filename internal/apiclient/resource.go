package apiclient

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"

	"github.com/agentworkforce/trackersync/internal/model"
)

// ListOptions narrows a List call. Empty fields are not sent.
type ListOptions struct {
	ProjectID string
	UserID    string
	PageSize  int
}

type listPage[T any] struct {
	Items      []T     `json:"items"`
	NextCursor *string `json:"nextCursor"`
}

// maxPages bounds List so a server that keeps returning cursors cannot loop
// the client forever.
const maxPages = 1000

// Resource is the CRUD surface of one collection.
type Resource[T any] struct {
	client *Client
	path   string
	kind   model.Kind
}

// List follows nextCursor until the collection is exhausted.
func (r *Resource[T]) List(ctx context.Context, opts ListOptions) ([]T, error) {
	var out []T
	cursor := ""
	for page := 0; page < maxPages; page++ {
		q := url.Values{}
		if strings.TrimSpace(opts.ProjectID) != "" {
			q.Set("projectId", strings.TrimSpace(opts.ProjectID))
		}
		if strings.TrimSpace(opts.UserID) != "" {
			q.Set("userId", strings.TrimSpace(opts.UserID))
		}
		if opts.PageSize > 0 {
			q.Set("limit", strconv.Itoa(opts.PageSize))
		}
		if cursor != "" {
			q.Set("cursor", cursor)
		}
		requestPath := r.path
		if encoded := q.Encode(); encoded != "" {
			requestPath += "?" + encoded
		}
		var resp listPage[T]
		if err := r.client.doJSON(ctx, http.MethodGet, requestPath, nil, &resp); err != nil {
			return nil, err
		}
		out = append(out, resp.Items...)
		if resp.NextCursor == nil || *resp.NextCursor == "" {
			return out, nil
		}
		cursor = *resp.NextCursor
	}
	return nil, fmt.Errorf("list %ss: exceeded %d pages", r.kind, maxPages)
}

func (r *Resource[T]) Get(ctx context.Context, id string) (T, error) {
	var out T
	err := r.client.doJSON(ctx, http.MethodGet, r.itemPath(id), nil, &out)
	return out, err
}

// Create posts a new record. input is usually the record itself or a
// FieldSet of its initial fields.
func (r *Resource[T]) Create(ctx context.Context, input any) (T, error) {
	var out T
	err := r.client.doJSON(ctx, http.MethodPost, r.path, input, &out)
	return out, err
}

// Update sends a PATCH with exactly the given fields and returns the
// authoritative record.
func (r *Resource[T]) Update(ctx context.Context, id string, fields model.FieldSet) (T, error) {
	var out T
	err := r.client.doJSON(ctx, http.MethodPatch, r.itemPath(id), fields, &out)
	return out, err
}

func (r *Resource[T]) Delete(ctx context.Context, id string) error {
	return r.client.doJSON(ctx, http.MethodDelete, r.itemPath(id), nil, nil)
}

func (r *Resource[T]) itemPath(id string) string {
	return r.path + "/" + url.PathEscape(id)
}
