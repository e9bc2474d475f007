// Package provision runs the organization onboarding saga across the
// time-series database, the identity service and device management, and
// records the resulting mapping.
package provision

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"meshgate.org/internal/audit"
	"meshgate.org/internal/auth"
	"meshgate.org/internal/backend/devmgmt"
	"meshgate.org/internal/backend/identity"
	"meshgate.org/internal/backend/tsdb"
	"meshgate.org/internal/errs"
	"meshgate.org/internal/mapping"
	"meshgate.org/internal/obs"
)

// Saga steps, in execution order.
const (
	StepTSDBCreateOrg        = "tsdb-create-org"
	StepTSDBCreateBucket     = "tsdb-create-bucket"
	StepTSDBCreateUser       = "tsdb-create-user"
	StepTSDBGrantPermissions = "tsdb-grant-permissions"
	StepTSDBSetPassword      = "tsdb-set-password"
	StepTSDBAddOwner         = "tsdb-add-owner"
	StepIdentityCreateOrg    = "identity-create-organization"
	StepDevMgmtCreateOrg     = "devmgmt-create-organization"
	StepMappingWrite         = "mapping-write"
)

const (
	defaultRetention      = 30 * 24 * time.Hour
	defaultStoreTimeout   = 2 * time.Second
	defaultPendingTTL     = 10 * time.Minute
	defaultIdempotencyTTL = 24 * time.Hour
	maxIdempotencyKeyLen  = 128
)

// TSDB is the subset of the time-series client the saga drives.
type TSDB interface {
	CreateOrganization(ctx context.Context, name string) (tsdb.Organization, error)
	CreateBucket(ctx context.Context, orgID, name string, retention time.Duration) (tsdb.Bucket, error)
	CreateUser(ctx context.Context, name string) (tsdb.User, error)
	CreateAuthorization(ctx context.Context, orgID, userID, description string, perms []tsdb.Permission) (tsdb.Authorization, error)
	SetPassword(ctx context.Context, userID, password string) error
	AddOwner(ctx context.Context, orgID, userID string) error
}

type Identity interface {
	CreateOrganization(ctx context.Context, payload json.RawMessage, userHeader string) (identity.Organization, error)
}

type DeviceMgmt interface {
	CreateOrganization(ctx context.Context, link devmgmt.Linkage, userHeader string) (string, error)
}

// Invalidator drops cached routes of an organization.
type Invalidator interface {
	Invalidate(orgID string)
}

// IdempotencyStore reserves client supplied keys and keeps completed outcomes.
type IdempotencyStore interface {
	Claim(ctx context.Context, key string, ttl time.Duration) (claimed bool, outcome []byte, err error)
	Complete(ctx context.Context, key string, outcome []byte, ttl time.Duration) error
	Release(ctx context.Context, key string) error
}

// Request starts one provisioning run.
type Request struct {
	Payload        json.RawMessage
	Name           string
	Caller         auth.VerifiedUser
	IdempotencyKey string
}

// Result is the outcome of a successful run.
type Result struct {
	OrgID    string                    `json:"org_id"`
	Record   json.RawMessage           `json:"record"`
	Backends map[mapping.Family]string `json:"backends"`
	Replayed bool                      `json:"-"`
}

// Orchestrator runs provisioning sagas. Steps run strictly in sequence and a
// failure aborts the run without compensation.
type Orchestrator struct {
	tsdb     TSDB
	identity Identity
	devmgmt  DeviceMgmt
	mappings mapping.Store
	cache    Invalidator
	idem     IdempotencyStore

	retention    time.Duration
	storeTimeout time.Duration
	pendingTTL   time.Duration
	idemTTL      time.Duration
	newRunID     func() string
	newPassword  func() (string, error)
	logger       *zap.Logger
}

// Option configures Orchestrator behavior.
type Option func(*Orchestrator)

// WithIdempotency enables Idempotency-Key handling.
func WithIdempotency(store IdempotencyStore) Option {
	return func(o *Orchestrator) { o.idem = store }
}

// WithRetention sets the retention of the organization's bucket.
func WithRetention(d time.Duration) Option {
	return func(o *Orchestrator) {
		if d > 0 {
			o.retention = d
		}
	}
}

// WithStoreTimeout bounds mapping and idempotency store calls.
func WithStoreTimeout(d time.Duration) Option {
	return func(o *Orchestrator) {
		if d > 0 {
			o.storeTimeout = d
		}
	}
}

// WithLogger sets the component logger.
func WithLogger(l *zap.Logger) Option {
	return func(o *Orchestrator) {
		if l != nil {
			o.logger = l
		}
	}
}

func New(ts TSDB, id Identity, dm DeviceMgmt, mappings mapping.Store, cache Invalidator, opts ...Option) (*Orchestrator, error) {
	if ts == nil || id == nil || dm == nil || mappings == nil {
		return nil, errors.New("provision: backends and mapping store are required")
	}
	o := &Orchestrator{
		tsdb:         ts,
		identity:     id,
		devmgmt:      dm,
		mappings:     mappings,
		cache:        cache,
		retention:    defaultRetention,
		storeTimeout: defaultStoreTimeout,
		pendingTTL:   defaultPendingTTL,
		idemTTL:      defaultIdempotencyTTL,
		newRunID:     func() string { return strings.ReplaceAll(uuid.NewString(), "-", "")[:8] },
		newPassword:  GeneratePassword,
		logger:       zap.NewNop(),
	}
	for _, opt := range opts {
		opt(o)
	}
	o.logger = o.logger.With(zap.String("component", "provision"))
	return o, nil
}

// Provision creates the organization everywhere and writes its mapping.
// The run is detached from ctx cancellation so a disconnecting client does
// not abort it between steps.
func (o *Orchestrator) Provision(ctx context.Context, req Request) (Result, error) {
	start := time.Now()
	name := strings.TrimSpace(req.Name)
	if name == "" {
		return Result{}, errs.InvalidInput("organization name is required")
	}
	ctx = context.WithoutCancel(ctx)

	var key string
	if req.IdempotencyKey != "" && o.idem != nil {
		if len(req.IdempotencyKey) > maxIdempotencyKeyLen {
			return Result{}, errs.InvalidInput("idempotency key longer than %d bytes", maxIdempotencyKeyLen)
		}
		key = req.Caller.ID + ":" + req.IdempotencyKey
		res, replay, err := o.claim(ctx, key)
		if err != nil || replay {
			return res, err
		}
	}

	res, err := o.run(ctx, req, name)

	if key != "" {
		o.settle(ctx, key, res, err)
	}
	var step string
	if e, ok := errs.As(err); ok && e.Kind == errs.KindProvisioning {
		step = e.Op
	}
	if err == nil || step != "" {
		obs.ObserveProvisioning(step, time.Since(start))
	}
	return res, err
}

func (o *Orchestrator) run(ctx context.Context, req Request, name string) (Result, error) {
	runID := o.newRunID()
	base := Slug(name) + "-" + runID
	callerHeader := req.Caller.HeaderValue()
	log := o.logger.With(zap.String("run_id", runID), zap.String("caller", req.Caller.ID))

	var created []zap.Field
	fail := func(step string, err error) (Result, error) {
		fields := append([]zap.Field{zap.String("step", step), zap.String("run_id", runID)}, created...)
		log.Error("provisioning failed", append(fields, zap.Error(err))...)
		_ = audit.LogEvent(ctx, audit.EventOrgProvisionFailed, fields...)
		return Result{}, errs.Provisioning(step, err)
	}

	org, err := o.tsdb.CreateOrganization(ctx, base)
	if err != nil {
		return fail(StepTSDBCreateOrg, err)
	}
	created = append(created, zap.String("tsdb_org_id", org.ID))

	bucket, err := o.tsdb.CreateBucket(ctx, org.ID, base, o.retention)
	if err != nil {
		return fail(StepTSDBCreateBucket, err)
	}
	created = append(created, zap.String("tsdb_bucket_id", bucket.ID))

	user, err := o.tsdb.CreateUser(ctx, base)
	if err != nil {
		return fail(StepTSDBCreateUser, err)
	}
	created = append(created, zap.String("tsdb_user_id", user.ID))
	username := user.Name
	if username == "" {
		username = base
	}

	authz, err := o.tsdb.CreateAuthorization(ctx, org.ID, user.ID, base+" owner token", tsdb.OwnerPermissions(org.ID))
	if err != nil {
		return fail(StepTSDBGrantPermissions, err)
	}
	created = append(created, zap.String("tsdb_authorization_id", authz.ID))

	password, err := o.newPassword()
	if err != nil {
		return fail(StepTSDBSetPassword, err)
	}
	if err := o.tsdb.SetPassword(ctx, user.ID, password); err != nil {
		return fail(StepTSDBSetPassword, err)
	}

	if err := o.tsdb.AddOwner(ctx, org.ID, user.ID); err != nil {
		return fail(StepTSDBAddOwner, err)
	}

	idOrg, err := o.identity.CreateOrganization(ctx, req.Payload, callerHeader)
	if err != nil {
		return fail(StepIdentityCreateOrg, err)
	}
	created = append(created, zap.String("identity_org_id", idOrg.ID))
	if !mapping.ValidOrgID(idOrg.ID) {
		return fail(StepIdentityCreateOrg, fmt.Errorf("unusable organization id %q", idOrg.ID))
	}

	dmID, err := o.devmgmt.CreateOrganization(ctx, devmgmt.Linkage{
		OrganizationID: idOrg.ID,
		InfluxOrgID:    org.ID,
		BucketID:       bucket.ID,
		Token:          authz.Token,
		Username:       username,
		Password:       password,
	}, callerHeader)
	if err != nil {
		return fail(StepDevMgmtCreateOrg, err)
	}
	created = append(created, zap.String("devmgmt_org_id", dmID))

	m := mapping.Mapping{OrgID: idOrg.ID, Backends: map[mapping.Family]string{
		mapping.FamilyDeviceMgmt: dmID,
		mapping.FamilyTSDB:       org.ID,
	}}
	sctx, cancel := context.WithTimeout(ctx, o.storeTimeout)
	err = o.mappings.PutIfAbsent(sctx, m)
	cancel()
	if err != nil {
		return fail(StepMappingWrite, err)
	}
	if o.cache != nil {
		o.cache.Invalidate(idOrg.ID)
	}

	log.Info("organization provisioned", created...)
	_ = audit.LogEvent(ctx, audit.EventOrgProvisioned, append([]zap.Field{zap.String("run_id", runID)}, created...)...)
	return Result{OrgID: idOrg.ID, Record: idOrg.Record, Backends: m.Backends}, nil
}

func (o *Orchestrator) claim(ctx context.Context, key string) (Result, bool, error) {
	sctx, cancel := context.WithTimeout(ctx, o.storeTimeout)
	defer cancel()
	claimed, outcome, err := o.idem.Claim(sctx, key, o.pendingTTL)
	if err != nil {
		return Result{}, false, errs.StoreUnavailable("idempotency claim", err)
	}
	if claimed {
		return Result{}, false, nil
	}
	if outcome == nil {
		return Result{}, false, errs.Conflict("provisioning with this idempotency key is in progress")
	}
	var res Result
	if err := json.Unmarshal(outcome, &res); err != nil {
		return Result{}, false, fmt.Errorf("decode idempotency record: %w", err)
	}
	res.Replayed = true
	return res, true, nil
}

func (o *Orchestrator) settle(ctx context.Context, key string, res Result, runErr error) {
	sctx, cancel := context.WithTimeout(ctx, o.storeTimeout)
	defer cancel()
	if runErr != nil {
		if err := o.idem.Release(sctx, key); err != nil {
			o.logger.Warn("release idempotency key failed", zap.Error(err))
		}
		return
	}
	outcome, err := json.Marshal(res)
	if err == nil {
		err = o.idem.Complete(sctx, key, outcome, o.idemTTL)
	}
	if err != nil {
		o.logger.Warn("store idempotency outcome failed", zap.String("org_id", res.OrgID), zap.Error(err))
	}
}
