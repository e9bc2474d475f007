// Package devmgmt calls the device-management service.
package devmgmt

import (
	"context"
	"errors"
	"net/http"

	"meshgate.org/internal/backend/httpc"
)

// Linkage ties a device-management organization to the identity record and
// the time-series resources created for it.
type Linkage struct {
	OrganizationID string `json:"organizationId"`
	InfluxOrgID    string `json:"influxOrgId"`
	BucketID       string `json:"bucketId"`
	Token          string `json:"token"`
	Username       string `json:"username"`
	Password       string `json:"password"`
}

type Client struct {
	c *httpc.Client
}

func New(addr string, opts ...httpc.ClientOptFn) (*Client, error) {
	c, err := httpc.New("devmgmt", addr, opts...)
	if err != nil {
		return nil, err
	}
	return &Client{c: c}, nil
}

// CreateOrganization registers the organization and returns its device-management id.
func (c *Client) CreateOrganization(ctx context.Context, link Linkage, userHeader string) (string, error) {
	var resp struct {
		ID any `json:"id"`
	}
	err := c.c.Do(ctx, httpc.Req{
		Method:  http.MethodPost,
		Path:    "/organizations",
		Body:    link,
		Headers: http.Header{"User": []string{userHeader}},
	}, &resp)
	if err != nil {
		return "", err
	}
	id := httpc.IDString(resp.ID)
	if id == "" {
		return "", errors.New("devmgmt: organization created without id")
	}
	return id, nil
}
