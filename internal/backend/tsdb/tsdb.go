// Package tsdb drives the InfluxDB v2 HTTP API for organization onboarding.
package tsdb

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/influxdata/influx-cli/v2/api"

	"meshgate.org/internal/errs"
)

// OrgResourceKinds are the resource kinds an organization owner is granted.
// "instance" is excluded; it is the server-wide scope.
var OrgResourceKinds = []string{
	"authorizations",
	"buckets",
	"dashboards",
	"orgs",
	"sources",
	"tasks",
	"telegrafs",
	"users",
	"variables",
	"scrapers",
	"secrets",
	"labels",
	"views",
	"documents",
	"notificationRules",
	"notificationEndpoints",
	"checks",
	"dbrp",
	"notebooks",
	"annotations",
	"remotes",
	"replications",
}

const (
	ActionRead  = "read"
	ActionWrite = "write"
)

// Permission is the InfluxDB authorization permission model.
type Permission = api.Permission

type Organization struct {
	ID   string
	Name string
}

type Bucket struct {
	ID    string
	Name  string
	OrgID string
}

type User struct {
	ID   string
	Name string
}

type Authorization struct {
	ID     string
	Token  string
	OrgID  string
	UserID string
}

// OwnerPermissions is read and write on every kind in OrgResourceKinds. The
// orgs kind is scoped to the organization itself, every other kind to
// resources belonging to it.
func OwnerPermissions(orgID string) []Permission {
	perms := make([]Permission, 0, 2*len(OrgResourceKinds))
	for _, action := range []string{ActionRead, ActionWrite} {
		for _, kind := range OrgResourceKinds {
			res := api.PermissionResource{Type: kind}
			if kind == "orgs" {
				res.SetId(orgID)
			} else {
				res.SetOrgID(orgID)
			}
			perms = append(perms, Permission{Action: action, Resource: res})
		}
	}
	return perms
}

// Option configures the underlying API client.
type Option func(*api.Configuration)

// WithTimeout bounds every request issued by the client.
func WithTimeout(d time.Duration) Option {
	return func(cfg *api.Configuration) {
		if d > 0 {
			cfg.HTTPClient.Timeout = d
		}
	}
}

// WithHTTPClient sets the raw http client.
func WithHTTPClient(hc *http.Client) Option {
	return func(cfg *api.Configuration) {
		if hc != nil {
			cfg.HTTPClient = hc
		}
	}
}

// Client talks to one InfluxDB instance with an operator token.
type Client struct {
	orgs  api.OrganizationsApi
	bkts  api.BucketsApi
	users api.UsersApi
	auths api.AuthorizationsApi
}

func New(addr, token string, opts ...Option) (*Client, error) {
	if token == "" {
		return nil, errors.New("tsdb: operator token is required")
	}
	u, err := url.Parse(strings.TrimSpace(addr))
	if err != nil {
		return nil, fmt.Errorf("tsdb: address: %w", err)
	}
	if u.Scheme == "" || u.Host == "" {
		return nil, fmt.Errorf("tsdb: address %q must be an absolute URL", addr)
	}

	cfg := api.NewConfiguration()
	cfg.Scheme = u.Scheme
	cfg.Host = u.Host
	cfg.Servers = api.ServerConfigurations{{URL: strings.TrimRight(u.Path, "/") + "/api/v2"}}
	cfg.UserAgent = "meshgate"
	cfg.HTTPClient = &http.Client{}
	cfg.AddDefaultHeader("Authorization", "Token "+token)
	for _, opt := range opts {
		opt(cfg)
	}

	client := api.NewAPIClient(cfg)
	return &Client{
		orgs:  client.OrganizationsApi,
		bkts:  client.BucketsApi,
		users: client.UsersApi,
		auths: client.AuthorizationsApi,
	}, nil
}

func (c *Client) CreateOrganization(ctx context.Context, name string) (Organization, error) {
	org, err := c.orgs.PostOrgs(ctx).PostOrganizationRequest(api.PostOrganizationRequest{Name: name}).Execute()
	if err != nil {
		return Organization{}, classify("create organization", err)
	}
	if org.GetId() == "" {
		return Organization{}, errors.New("tsdb: organization created without id")
	}
	return Organization{ID: org.GetId(), Name: org.GetName()}, nil
}

// CreateBucket creates a bucket; retention <= 0 keeps data forever.
func (c *Client) CreateBucket(ctx context.Context, orgID, name string, retention time.Duration) (Bucket, error) {
	rules := []api.RetentionRule{}
	if retention > 0 {
		rule := api.NewRetentionRuleWithDefaults()
		rule.SetEverySeconds(int64(retention / time.Second))
		rules = append(rules, *rule)
	}
	req := api.PostBucketRequest{OrgID: orgID, Name: name}
	req.SetRetentionRules(rules)

	b, err := c.bkts.PostBuckets(ctx).PostBucketRequest(req).Execute()
	if err != nil {
		return Bucket{}, classify("create bucket", err)
	}
	if b.GetId() == "" {
		return Bucket{}, errors.New("tsdb: bucket created without id")
	}
	return Bucket{ID: b.GetId(), Name: b.GetName(), OrgID: b.GetOrgID()}, nil
}

func (c *Client) CreateUser(ctx context.Context, name string) (User, error) {
	u, err := c.users.PostUsers(ctx).User(api.User{Name: name}).Execute()
	if err != nil {
		return User{}, classify("create user", err)
	}
	if u.GetId() == "" {
		return User{}, errors.New("tsdb: user created without id")
	}
	return User{ID: u.GetId(), Name: u.GetName()}, nil
}

func (c *Client) CreateAuthorization(ctx context.Context, orgID, userID, description string, perms []Permission) (Authorization, error) {
	var req api.AuthorizationPostRequest
	req.SetOrgID(orgID)
	req.SetUserID(userID)
	req.SetDescription(description)
	req.SetPermissions(perms)

	a, err := c.auths.PostAuthorizations(ctx).AuthorizationPostRequest(req).Execute()
	if err != nil {
		return Authorization{}, classify("create authorization", err)
	}
	if a.GetToken() == "" {
		return Authorization{}, errors.New("tsdb: authorization created without token")
	}
	return Authorization{ID: a.GetId(), Token: a.GetToken(), OrgID: a.GetOrgID(), UserID: a.GetUserID()}, nil
}

func (c *Client) SetPassword(ctx context.Context, userID, password string) error {
	err := c.users.PostUsersIDPassword(ctx, userID).
		PasswordResetBody(api.PasswordResetBody{Password: password}).
		Execute()
	if err != nil {
		return classify("set password", err)
	}
	return nil
}

func (c *Client) AddOwner(ctx context.Context, orgID, userID string) error {
	_, err := c.orgs.PostOrgsIDOwners(ctx, orgID).
		AddResourceMemberRequestBody(api.AddResourceMemberRequestBody{Id: userID}).
		Execute()
	if err != nil {
		return classify("add owner", err)
	}
	return nil
}

// classify marks transport failures as UpstreamUnavailable; API errors keep
// the server's message.
func classify(op string, err error) error {
	var ne net.Error
	switch {
	case errors.Is(err, context.DeadlineExceeded):
		return errs.UpstreamUnavailable("tsdb "+op, true, err)
	case errors.As(err, &ne):
		return errs.UpstreamUnavailable("tsdb "+op, ne.Timeout(), err)
	}
	return fmt.Errorf("tsdb %s: %w", op, err)
}
