package pool

import (
	"context"
	"errors"
	"slices"
	"sync"
	"testing"

	"github.com/ccheshirecat/hostagent/internal/server/eventbus/memory"
	"github.com/ccheshirecat/hostagent/internal/server/hostagent/events"
	"github.com/ccheshirecat/hostagent/internal/server/hostagent/hypervisor"
	"github.com/ccheshirecat/hostagent/internal/server/hostagent/hypervisor/sim"
)

const (
	vip     = "10.0.0.100"
	ownerID = "ms-1"
)

type testDialer struct {
	mu    sync.Mutex
	hosts map[string]hypervisor.Client
	dials []string
}

func newTestDialer() *testDialer {
	return &testDialer{hosts: make(map[string]hypervisor.Client)}
}

func (d *testDialer) add(address string, client hypervisor.Client) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.hosts[address] = client
}

func (d *testDialer) Dial(ctx context.Context, address string) (hypervisor.Client, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.dials = append(d.dials, address)
	client, ok := d.hosts[address]
	if !ok {
		return nil, errors.New("connection refused")
	}
	return client, nil
}

func (d *testDialer) calls() []string {
	d.mu.Lock()
	defer d.mu.Unlock()
	return slices.Clone(d.dials)
}

func newCoordinator(t *testing.T, local hypervisor.Client, hostIP, virtualIP string, dialer hypervisor.Dialer, bus *memory.Bus) *Coordinator {
	t.Helper()
	opts := Options{
		Local:     local,
		Dialer:    dialer,
		HostIP:    hostIP,
		OwnerID:   ownerID,
		VirtualIP: virtualIP,
		NewPoolID: func() string { return "pool-1" },
	}
	if bus != nil {
		opts.Bus = bus
	}
	c, err := New(opts)
	if err != nil {
		t.Fatalf("new coordinator: %v", err)
	}
	return c
}

func TestMasterCheckStandaloneMakesNoNetworkCall(t *testing.T) {
	dialer := newTestDialer()
	c := newCoordinator(t, sim.New("h1", "10.0.0.1"), "10.0.0.1", "", dialer, nil)

	master, err := c.MasterCheck(context.Background())
	if err != nil {
		t.Fatalf("master check: %v", err)
	}
	if master {
		t.Fatalf("standalone host must not be master")
	}
	if calls := dialer.calls(); len(calls) != 0 {
		t.Fatalf("expected no dial, got %v", calls)
	}
	if c.Record().Role != RoleUnowned {
		t.Fatalf("unexpected role %s", c.Record().Role)
	}
}

func TestMasterCheckRoles(t *testing.T) {
	master := sim.New("h1", "10.0.0.1")
	dialer := newTestDialer()
	dialer.add(vip, master)

	bus := memory.New()
	poolEvents := make(chan any, 4)
	if _, err := bus.Subscribe(events.TopicPoolEvents, poolEvents); err != nil {
		t.Fatalf("subscribe: %v", err)
	}

	first := newCoordinator(t, master, "10.0.0.1", vip, dialer, bus)
	isMaster, err := first.MasterCheck(context.Background())
	if err != nil || !isMaster {
		t.Fatalf("expected master, got %v %v", isMaster, err)
	}
	evt := (<-poolEvents).(events.PoolEvent)
	if evt.Type != events.TypePoolBecameMaster {
		t.Fatalf("expected became-master event, got %+v", evt)
	}
	if _, err := first.MasterCheck(context.Background()); err != nil {
		t.Fatalf("second check: %v", err)
	}
	if len(poolEvents) != 0 {
		t.Fatalf("unchanged role must not publish again")
	}

	second := newCoordinator(t, sim.New("h2", "10.0.0.2"), "10.0.0.2", vip, dialer, nil)
	isMaster, err = second.MasterCheck(context.Background())
	if err != nil || isMaster {
		t.Fatalf("expected slave, got %v %v", isMaster, err)
	}
	rec := second.Record()
	if rec.Role != RoleSlave || rec.Master != "10.0.0.1" {
		t.Fatalf("unexpected slave record %+v", rec)
	}
}

func TestMasterCheckUnreachableVirtualIP(t *testing.T) {
	c := newCoordinator(t, sim.New("h1", "10.0.0.1"), "10.0.0.1", vip, newTestDialer(), nil)
	if _, err := c.MasterCheck(context.Background()); err == nil {
		t.Fatalf("expected error when virtual ip is unreachable")
	}
	if c.Record().Role != RoleUnowned {
		t.Fatalf("failed check must not change role")
	}
}

func TestClaimOwnership(t *testing.T) {
	ctx := context.Background()

	unowned := sim.New("h1", "10.0.0.1")
	c := newCoordinator(t, unowned, "10.0.0.1", "", nil, nil)
	if err := c.ClaimOwnership(ctx); err != nil {
		t.Fatalf("claim unowned: %v", err)
	}
	identity, _ := unowned.HostIdentity(ctx)
	if identity.Membership != hypervisor.MembershipOwned || identity.OwnerID != ownerID {
		t.Fatalf("ownership not taken: %+v", identity)
	}

	if err := c.ClaimOwnership(ctx); err != nil {
		t.Fatalf("claim already owned by self: %v", err)
	}

	other := sim.New("h2", "10.0.0.2")
	if err := other.TakeOwnership(ctx, "ms-other"); err != nil {
		t.Fatalf("seed owner: %v", err)
	}
	c2 := newCoordinator(t, other, "10.0.0.2", "", nil, nil)
	err := c2.ClaimOwnership(ctx)
	if !errors.Is(err, ErrOwnedByOther) || !IsConfigError(err) {
		t.Fatalf("expected owned-by-other config error, got %v", err)
	}
}

func TestSetupOnMasterCreatesPool(t *testing.T) {
	ctx := context.Background()
	local := sim.New("h1", "10.0.0.1")
	dialer := newTestDialer()
	dialer.add(vip, local)
	c := newCoordinator(t, local, "10.0.0.1", vip, dialer, nil)

	rec, err := c.Setup(ctx, Repository{StorageType: "NFS", Host: "nfs.example", Path: "/export/primary", PrimaryStorageID: "ps-1"})
	if err != nil {
		t.Fatalf("setup: %v", err)
	}
	if rec.Role != RoleMaster || rec.PoolAlias != "pool-1" || !slices.Equal(rec.Members, []string{"10.0.0.1"}) {
		t.Fatalf("unexpected record %+v", rec)
	}
	if !c.Pooled() || c.PoolID() != "pool-1" {
		t.Fatalf("expected pooled host")
	}
	fs := local.Filesystems()
	if len(fs) != 1 || fs[0].StorageType != StorageNFS || fs[0].PoolID != "pool-1" {
		t.Fatalf("unexpected filesystems %+v", fs)
	}
	pool, ok := local.Pool()
	if !ok || pool.VirtualIP != vip || pool.PrimaryStorageID != "ps-1" {
		t.Fatalf("unexpected server pool %+v", pool)
	}
}

func TestSetupOnSlaveJoinsAndPushesMembers(t *testing.T) {
	ctx := context.Background()
	master := sim.New("h1", "10.0.0.1")
	if err := master.CreateServerPool(ctx, hypervisor.ServerPool{PoolAlias: "pool-1", VirtualIP: vip}); err != nil {
		t.Fatalf("seed pool: %v", err)
	}
	if err := master.SetMembershipList(ctx, []string{"10.0.0.1", "10.0.0.3"}); err != nil {
		t.Fatalf("seed members: %v", err)
	}
	peer := sim.New("h3", "10.0.0.3")
	local := sim.New("h2", "10.0.0.2")

	dialer := newTestDialer()
	dialer.add(vip, master)
	dialer.add("10.0.0.1", master)
	dialer.add("10.0.0.3", peer)

	c := newCoordinator(t, local, "10.0.0.2", vip, dialer, nil)
	rec, err := c.Setup(ctx, Repository{PoolAlias: "pool-1", StorageType: "nfs", Host: "nfs", Path: "/p"})
	if err != nil {
		t.Fatalf("setup: %v", err)
	}
	want := []string{"10.0.0.1", "10.0.0.3", "10.0.0.2"}
	if rec.Role != RoleSlave || !slices.Equal(rec.Members, want) {
		t.Fatalf("unexpected record %+v", rec)
	}
	for name, hv := range map[string]*sim.Hypervisor{"master": master, "peer": peer, "local": local} {
		members, _ := hv.PoolMembers(ctx)
		if !slices.Equal(members, want) {
			t.Fatalf("%s has members %v, want %v", name, members, want)
		}
	}
	if _, ok := local.Pool(); !ok {
		t.Fatalf("local host did not join the pool")
	}
	if len(local.Filesystems()) != 0 {
		t.Fatalf("slave must not create a pooled filesystem")
	}
}

func TestSlaveAdoptsMasterPoolAlias(t *testing.T) {
	ctx := context.Background()
	master := sim.New("h1", "10.0.0.1")
	if err := master.CreateServerPool(ctx, hypervisor.ServerPool{PoolAlias: "master-pool", VirtualIP: vip}); err != nil {
		t.Fatalf("seed pool: %v", err)
	}
	local := sim.New("h2", "10.0.0.2")

	dialer := newTestDialer()
	dialer.add(vip, master)
	dialer.add("10.0.0.1", master)
	dialer.add("10.0.0.2", local)

	c := newCoordinator(t, local, "10.0.0.2", vip, dialer, nil)
	rec, err := c.Setup(ctx, Repository{StorageType: "nfs", Host: "nfs", Path: "/p"})
	if err != nil {
		t.Fatalf("setup: %v", err)
	}
	if rec.PoolAlias != "master-pool" || c.PoolID() != "master-pool" {
		t.Fatalf("slave joined pool %q, master has %q", c.PoolID(), "master-pool")
	}
	joined, ok := local.Pool()
	if !ok || joined.PoolAlias != "master-pool" {
		t.Fatalf("unexpected local pool %+v", joined)
	}
}

func TestSlaveJoinFailsWhenMasterHasNoPool(t *testing.T) {
	ctx := context.Background()
	master := sim.New("h1", "10.0.0.1")
	local := sim.New("h2", "10.0.0.2")

	dialer := newTestDialer()
	dialer.add(vip, master)
	dialer.add("10.0.0.1", master)

	c := newCoordinator(t, local, "10.0.0.2", vip, dialer, nil)
	_, err := c.Setup(ctx, Repository{StorageType: "nfs", Host: "nfs", Path: "/p"})
	if !errors.Is(err, ErrMasterNotPooled) {
		t.Fatalf("expected ErrMasterNotPooled, got %v", err)
	}
	if IsConfigError(err) {
		t.Fatalf("unpooled master is transient, got config error")
	}
	if _, ok := local.Pool(); ok || c.Pooled() {
		t.Fatalf("slave must not join a pool")
	}
}

func TestSlaveRejectsMismatchedPoolAlias(t *testing.T) {
	ctx := context.Background()
	master := sim.New("h1", "10.0.0.1")
	_ = master.CreateServerPool(ctx, hypervisor.ServerPool{PoolAlias: "master-pool", VirtualIP: vip})
	local := sim.New("h2", "10.0.0.2")

	dialer := newTestDialer()
	dialer.add(vip, master)
	dialer.add("10.0.0.1", master)

	c := newCoordinator(t, local, "10.0.0.2", vip, dialer, nil)
	_, err := c.Setup(ctx, Repository{PoolAlias: "other", StorageType: "nfs", Host: "nfs", Path: "/p"})
	if !errors.Is(err, ErrPoolMismatch) || !IsConfigError(err) {
		t.Fatalf("expected pool mismatch config error, got %v", err)
	}
	if _, ok := local.Pool(); ok {
		t.Fatalf("slave must not join a mismatched pool")
	}
}

func TestPushFailureStillUpdatesReachableMembers(t *testing.T) {
	ctx := context.Background()
	master := sim.New("h1", "10.0.0.1")
	_ = master.CreateServerPool(ctx, hypervisor.ServerPool{PoolAlias: "pool-1", VirtualIP: vip})
	_ = master.SetMembershipList(ctx, []string{"10.0.0.1", "10.0.0.9"})
	local := sim.New("h2", "10.0.0.2")

	dialer := newTestDialer()
	dialer.add(vip, master)
	dialer.add("10.0.0.1", master)

	c := newCoordinator(t, local, "10.0.0.2", vip, dialer, nil)
	_, err := c.Setup(ctx, Repository{PoolAlias: "pool-1", StorageType: "nfs", Host: "nfs", Path: "/p"})
	if err == nil {
		t.Fatalf("expected push error for unreachable member")
	}
	members, _ := master.PoolMembers(ctx)
	if !slices.Contains(members, "10.0.0.2") {
		t.Fatalf("reachable member not updated: %v", members)
	}
	if !slices.Contains(c.Record().Members, "10.0.0.2") {
		t.Fatalf("record not updated after partial push")
	}
}

func TestJoinOrCreateRejectsUnsupportedStorage(t *testing.T) {
	c := newCoordinator(t, sim.New("h1", "10.0.0.1"), "10.0.0.1", "", nil, nil)
	err := c.JoinOrCreatePool(context.Background(), Repository{StorageType: "iscsi", Host: "h", Path: "/p"})
	if !errors.Is(err, ErrUnsupportedStorage) || !IsConfigError(err) {
		t.Fatalf("expected unsupported storage config error, got %v", err)
	}
}

func TestStandaloneSetupPreparesRepositoryOnly(t *testing.T) {
	local := sim.New("h1", "10.0.0.1")
	c := newCoordinator(t, local, "10.0.0.1", "", nil, nil)
	rec, err := c.Setup(context.Background(), Repository{StorageType: "nfs", Host: "nfs", Path: "/p"})
	if err != nil {
		t.Fatalf("setup: %v", err)
	}
	if rec.Role != RoleUnowned || c.Pooled() {
		t.Fatalf("standalone host must not be pooled: %+v", rec)
	}
	if c.PoolID() != "pool-1" || len(local.Filesystems()) != 1 {
		t.Fatalf("repository not prepared")
	}
	if _, ok := local.Pool(); ok {
		t.Fatalf("standalone host must not create a server pool")
	}
}

func TestNewRequiresHostIP(t *testing.T) {
	_, err := New(Options{Local: sim.New("h", "")})
	if !IsConfigError(err) {
		t.Fatalf("expected config error, got %v", err)
	}
}
