// Package pool coordinates the host's membership in a shared storage and
// compute pool: ownership claim, master check, and membership propagation.
package pool

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/ccheshirecat/hostagent/internal/server/eventbus"
	"github.com/ccheshirecat/hostagent/internal/server/hostagent/events"
	"github.com/ccheshirecat/hostagent/internal/server/hostagent/hypervisor"
)

// Role is the host's position in the pool.
type Role string

const (
	RoleUnowned Role = "unowned"
	RoleMaster  Role = "master"
	RoleSlave   Role = "slave"
)

// StorageNFS is the only repository type that can back a pool.
const StorageNFS = "nfs"

// Record is the host's view of its pool. It is rebuilt from the virtual IP
// on every start and never persisted.
type Record struct {
	PoolAlias        string   `json:"pool_alias,omitempty"`
	PrimaryStorageID string   `json:"primary_storage_id,omitempty"`
	VirtualIP        string   `json:"virtual_ip,omitempty"`
	Members          []string `json:"members,omitempty"`
	Role             Role     `json:"role"`
	Master           string   `json:"master,omitempty"`
	OwnerID          string   `json:"owner_id,omitempty"`
}

// Repository locates the primary storage a pool is built on.
type Repository struct {
	PoolAlias        string `json:"pool_alias,omitempty"`
	StorageType      string `json:"storage_type"`
	Host             string `json:"host"`
	Path             string `json:"path"`
	PrimaryStorageID string `json:"primary_storage_id"`
}

func (r Repository) validate() error {
	storage := strings.ToLower(strings.TrimSpace(r.StorageType))
	if storage != StorageNFS {
		return configError(ErrUnsupportedStorage, "%q", r.StorageType)
	}
	if strings.TrimSpace(r.Host) == "" {
		return configError(ErrMissingParameter, "storage host")
	}
	if strings.TrimSpace(r.Path) == "" {
		return configError(ErrMissingParameter, "storage path")
	}
	return nil
}

// Options configures a Coordinator.
type Options struct {
	Local     hypervisor.Client
	Dialer    hypervisor.Dialer
	HostIP    string
	OwnerID   string
	VirtualIP string
	// Elector defaults to a VirtualIPElector over VirtualIP.
	Elector   Elector
	Bus       eventbus.Bus
	Logger    *slog.Logger
	NewPoolID func() string
}

// Coordinator owns the pool Record.
type Coordinator struct {
	local     hypervisor.Client
	dialer    hypervisor.Dialer
	hostIP    string
	ownerID   string
	elector   Elector
	bus       eventbus.Bus
	logger    *slog.Logger
	newPoolID func() string

	mu     sync.Mutex
	record Record
}

// New constructs a Coordinator.
func New(opts Options) (*Coordinator, error) {
	if opts.Local == nil {
		return nil, errors.New("pool: local hypervisor client required")
	}
	if strings.TrimSpace(opts.HostIP) == "" {
		return nil, configError(ErrMissingParameter, "host ip")
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	bus := opts.Bus
	if bus == nil {
		bus = eventbus.Nop{}
	}
	elector := opts.Elector
	if elector == nil {
		elector = &VirtualIPElector{VirtualIP: opts.VirtualIP, HostIP: opts.HostIP, Dialer: opts.Dialer}
	}
	newPoolID := opts.NewPoolID
	if newPoolID == nil {
		newPoolID = uuid.NewString
	}
	return &Coordinator{
		local:     opts.Local,
		dialer:    opts.Dialer,
		hostIP:    opts.HostIP,
		ownerID:   strings.TrimSpace(opts.OwnerID),
		elector:   elector,
		bus:       bus,
		logger:    logger.With("component", "pool"),
		newPoolID: newPoolID,
		record: Record{
			VirtualIP: strings.TrimSpace(opts.VirtualIP),
			Role:      RoleUnowned,
		},
	}, nil
}

// Record returns a copy of the current pool view.
func (c *Coordinator) Record() Record {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := c.record
	out.Members = slices.Clone(c.record.Members)
	return out
}

// Pooled reports whether the host is a member of a server pool reachable
// through a virtual IP.
func (c *Coordinator) Pooled() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.record.PoolAlias != "" && c.record.VirtualIP != ""
}

// PoolID returns the pool identity passed to VM RPCs.
func (c *Coordinator) PoolID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.record.PoolAlias
}

// ClaimOwnership makes sure the host belongs to the local orchestrator.
func (c *Coordinator) ClaimOwnership(ctx context.Context) error {
	if c.ownerID == "" {
		return configError(ErrMissingParameter, "owner id")
	}
	identity, err := c.local.HostIdentity(ctx)
	if err != nil {
		return fmt.Errorf("claim ownership: query host: %w", err)
	}

	switch {
	case identity.Membership != hypervisor.MembershipOwned || identity.OwnerID == "":
		if err := c.local.TakeOwnership(ctx, c.ownerID); err != nil {
			return fmt.Errorf("claim ownership: %w", err)
		}
		c.logger.Info("host ownership claimed", "owner", c.ownerID)
	case identity.OwnerID == c.ownerID:
		c.logger.Debug("host already owned", "owner", c.ownerID)
	default:
		return configError(ErrOwnedByOther, "owner %s, expected %s", identity.OwnerID, c.ownerID)
	}

	c.mu.Lock()
	c.record.OwnerID = c.ownerID
	c.mu.Unlock()
	return nil
}

// MasterCheck runs the elector and updates the role. Without a virtual IP
// the host is standalone and no network call is made.
func (c *Coordinator) MasterCheck(ctx context.Context) (bool, error) {
	election, err := c.elector.Elect(ctx)
	if err != nil {
		return false, err
	}

	c.mu.Lock()
	previousRole := c.record.Role
	previousMaster := c.record.Master
	switch {
	case election.Standalone:
		c.record.Role = RoleUnowned
		c.record.Master = ""
	case election.Master:
		c.record.Role = RoleMaster
		c.record.Master = c.hostIP
	default:
		c.record.Role = RoleSlave
		c.record.Master = election.MasterAddress
	}
	snapshot := c.record
	c.mu.Unlock()

	if election.Master && previousMaster == "" {
		c.logger.Info("became pool master", "virtual_ip", snapshot.VirtualIP)
		c.publish(ctx, events.TypePoolBecameMaster, snapshot)
	} else if snapshot.Role != previousRole {
		c.logger.Info("pool role changed", "from", previousRole, "to", snapshot.Role, "master", snapshot.Master)
		c.publish(ctx, events.TypePoolRoleChanged, snapshot)
	}
	return election.Master, nil
}

// JoinOrCreatePool creates the pool when this host is master and not yet
// pooled; otherwise it joins the existing pool and pushes the extended
// membership list to every member. A standalone host only gets the
// repository filesystem.
func (c *Coordinator) JoinOrCreatePool(ctx context.Context, repo Repository) error {
	if err := repo.validate(); err != nil {
		return err
	}
	identity, err := c.local.HostIdentity(ctx)
	if err != nil {
		return fmt.Errorf("pool setup: query host: %w", err)
	}

	c.mu.Lock()
	role := c.record.Role
	vip := c.record.VirtualIP
	c.mu.Unlock()

	switch {
	case vip == "":
		return c.createStandalone(ctx, repo, identity)
	case role == RoleMaster && identity.PoolAlias == "":
		return c.createPool(ctx, repo, vip)
	default:
		return c.joinPool(ctx, repo, vip, identity)
	}
}

func (c *Coordinator) filesystem(poolID string, repo Repository) hypervisor.PooledFilesystem {
	return hypervisor.PooledFilesystem{
		PoolID:      poolID,
		StorageType: strings.ToLower(strings.TrimSpace(repo.StorageType)),
		Host:        repo.Host,
		Path:        repo.Path,
	}
}

func (c *Coordinator) createStandalone(ctx context.Context, repo Repository, identity hypervisor.HostIdentity) error {
	poolID := identity.PoolAlias
	if poolID == "" {
		poolID = c.poolAlias(repo)
		if err := c.local.CreatePooledFilesystem(ctx, c.filesystem(poolID, repo)); err != nil {
			return fmt.Errorf("create pooled filesystem: %w", err)
		}
		c.logger.Info("standalone repository prepared", "pool_id", poolID, "storage", repo.Host+":"+repo.Path)
	}
	c.setPool(poolID, repo.PrimaryStorageID, []string{c.hostIP})
	return nil
}

func (c *Coordinator) createPool(ctx context.Context, repo Repository, vip string) error {
	poolID := c.poolAlias(repo)
	if err := c.local.CreatePooledFilesystem(ctx, c.filesystem(poolID, repo)); err != nil {
		return fmt.Errorf("create pooled filesystem: %w", err)
	}
	pool := hypervisor.ServerPool{PoolAlias: poolID, PrimaryStorageID: repo.PrimaryStorageID, VirtualIP: vip}
	if err := c.local.CreateServerPool(ctx, pool); err != nil {
		return fmt.Errorf("create server pool: %w", err)
	}
	c.setPool(poolID, repo.PrimaryStorageID, []string{c.hostIP})
	c.logger.Info("server pool created", "pool", poolID, "virtual_ip", vip)
	c.publish(ctx, events.TypePoolCreated, c.Record())
	return nil
}

func (c *Coordinator) joinPool(ctx context.Context, repo Repository, vip string, identity hypervisor.HostIdentity) error {
	master, err := c.clientFor(ctx, c.masterAddress(vip))
	if err != nil {
		return fmt.Errorf("pool setup: reach master: %w", err)
	}

	poolID := identity.PoolAlias
	if poolID == "" {
		masterIdentity, err := master.HostIdentity(ctx)
		if err != nil {
			return fmt.Errorf("pool setup: query master: %w", err)
		}
		poolID = masterIdentity.PoolAlias
		if poolID == "" {
			return ErrMasterNotPooled
		}
		if want := strings.TrimSpace(repo.PoolAlias); want != "" && want != poolID {
			return configError(ErrPoolMismatch, "configured %q, master has %q", want, poolID)
		}
		pool := hypervisor.ServerPool{PoolAlias: poolID, PrimaryStorageID: repo.PrimaryStorageID, VirtualIP: vip}
		if err := c.local.JoinServerPool(ctx, pool); err != nil {
			return fmt.Errorf("join server pool: %w", err)
		}
		c.logger.Info("joined server pool", "pool", poolID, "virtual_ip", vip)
	}

	members, err := master.PoolMembers(ctx)
	if err != nil {
		return fmt.Errorf("pool setup: fetch members: %w", err)
	}
	if !slices.Contains(members, c.hostIP) {
		members = append(members, c.hostIP)
	}

	pushErr := c.pushMembers(ctx, members)
	c.setPool(poolID, repo.PrimaryStorageID, members)
	if pushErr != nil {
		return fmt.Errorf("pool setup: push membership: %w", pushErr)
	}
	c.publish(ctx, events.TypePoolJoined, c.Record())
	return nil
}

// pushMembers instructs every member to adopt members. All members are
// attempted; failures are joined.
func (c *Coordinator) pushMembers(ctx context.Context, members []string) error {
	var errs []error
	for _, member := range members {
		client, err := c.clientFor(ctx, member)
		if err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", member, err))
			continue
		}
		if err := client.SetMembershipList(ctx, members); err != nil {
			c.logger.Warn("membership push failed", "member", member, "error", err)
			errs = append(errs, fmt.Errorf("%s: %w", member, err))
		}
	}
	return errors.Join(errs...)
}

// Setup runs the full sequence: claim, master check, join or create.
func (c *Coordinator) Setup(ctx context.Context, repo Repository) (Record, error) {
	if err := c.ClaimOwnership(ctx); err != nil {
		return c.Record(), err
	}
	if _, err := c.MasterCheck(ctx); err != nil {
		return c.Record(), err
	}
	if err := c.JoinOrCreatePool(ctx, repo); err != nil {
		return c.Record(), err
	}
	return c.Record(), nil
}

func (c *Coordinator) masterAddress(vip string) string {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.record.Master != "" {
		return c.record.Master
	}
	return vip
}

func (c *Coordinator) clientFor(ctx context.Context, address string) (hypervisor.Client, error) {
	if address == c.hostIP {
		return c.local, nil
	}
	if c.dialer == nil {
		return nil, fmt.Errorf("no dialer for %s", address)
	}
	return c.dialer.Dial(ctx, address)
}

func (c *Coordinator) poolAlias(repo Repository) string {
	if alias := strings.TrimSpace(repo.PoolAlias); alias != "" {
		return alias
	}
	return c.newPoolID()
}

func (c *Coordinator) setPool(alias, storageID string, members []string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.record.PoolAlias = alias
	c.record.PrimaryStorageID = storageID
	c.record.Members = slices.Clone(members)
}

func (c *Coordinator) publish(ctx context.Context, kind string, rec Record) {
	evt := events.PoolEvent{
		Type:      kind,
		Role:      string(rec.Role),
		PoolAlias: rec.PoolAlias,
		Master:    rec.Master,
		Members:   rec.Members,
		Timestamp: time.Now().UTC(),
	}
	if err := c.bus.Publish(ctx, events.TopicPoolEvents, evt); err != nil {
		c.logger.Debug("publish pool event", "type", kind, "error", err)
	}
}
