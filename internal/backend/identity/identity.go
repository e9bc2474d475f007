// Package identity calls the identity service's organization API.
package identity

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"

	"meshgate.org/internal/backend/httpc"
)

// Organization is the identity record of a new organization. Record is the
// response body as received.
type Organization struct {
	ID     string
	Record json.RawMessage
}

type Client struct {
	c *httpc.Client
}

func New(addr string, opts ...httpc.ClientOptFn) (*Client, error) {
	c, err := httpc.New("identity", addr, opts...)
	if err != nil {
		return nil, err
	}
	return &Client{c: c}, nil
}

// CreateOrganization posts payload on behalf of the caller identified by
// userHeader (the value of the trusted User header).
func (c *Client) CreateOrganization(ctx context.Context, payload json.RawMessage, userHeader string) (Organization, error) {
	if len(payload) == 0 {
		payload = json.RawMessage(`{}`)
	}
	var raw json.RawMessage
	err := c.c.Do(ctx, httpc.Req{
		Method:  http.MethodPost,
		Path:    "/organizations",
		Body:    payload,
		Headers: http.Header{"User": []string{userHeader}},
	}, &raw)
	if err != nil {
		return Organization{}, err
	}
	id, err := recordID(raw)
	if err != nil {
		return Organization{}, err
	}
	return Organization{ID: id, Record: raw}, nil
}

// recordID reads "_id", falling back to "id".
func recordID(raw json.RawMessage) (string, error) {
	var rec struct {
		MongoID any `json:"_id"`
		ID      any `json:"id"`
	}
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	if err := dec.Decode(&rec); err != nil {
		return "", fmt.Errorf("identity: decode organization: %w", err)
	}
	if id := httpc.IDString(rec.MongoID); id != "" {
		return id, nil
	}
	if id := httpc.IDString(rec.ID); id != "" {
		return id, nil
	}
	return "", errors.New("identity: organization record has no id")
}
