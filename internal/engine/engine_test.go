package engine_test

import (
	"context"
	"errors"
	"math"
	"testing"
	"time"

	"karmaline/internal/config"
	"karmaline/internal/db"
	"karmaline/internal/domain"
	"karmaline/internal/engine"
	"karmaline/internal/engine/access"
	"karmaline/internal/migrate"
)

type testEnv struct {
	Engine *engine.Engine
	Ctx    context.Context
}

func newTestEnv(t *testing.T) testEnv {
	t.Helper()
	return newTestEnvWithConfig(t, config.Default("root"))
}

func newTestEnvWithConfig(t *testing.T, cfg *config.Config) testEnv {
	t.Helper()
	dir := t.TempDir()
	conn, err := db.Open(db.Config{Workspace: dir})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	if err := migrate.Migrate(conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	eng := engine.New(conn, cfg)
	eng.Now = func() time.Time { return time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC) }
	ctx := context.Background()
	if err := eng.Init(ctx); err != nil {
		t.Fatalf("init: %v", err)
	}
	return testEnv{Engine: eng, Ctx: ctx}
}

func (env testEnv) grant(t *testing.T, account, role string) {
	t.Helper()
	if err := env.Engine.GrantRole(env.Ctx, "root", account, role); err != nil {
		t.Fatalf("grant %s to %s: %v", role, account, err)
	}
}

func (env testEnv) fund(t *testing.T, account string, amount int64) {
	t.Helper()
	if err := env.Engine.Transfer(env.Ctx, env.Engine.Config.Token.Treasury, account, amount); err != nil {
		t.Fatalf("fund %s: %v", account, err)
	}
}

func (env testEnv) balance(t *testing.T, account string) int64 {
	t.Helper()
	amount, err := env.Engine.BalanceOf(env.Ctx, account)
	if err != nil {
		t.Fatalf("balance %s: %v", account, err)
	}
	return amount
}

func TestInitMintsSupplyToTreasury(t *testing.T) {
	env := newTestEnv(t)
	// the migration seeds the system_state row; init must still run on it
	if got := env.balance(t, "treasury"); got != 100000000 {
		t.Fatalf("treasury balance = %d, want 100000000", got)
	}
	supply, err := env.Engine.TotalSupply(env.Ctx)
	if err != nil || supply != 100000000 {
		t.Fatalf("supply = %d (%v), want 100000000", supply, err)
	}
	ok, err := env.Engine.Access.HasRole(env.Ctx, "root", domain.RoleSuperAdmin)
	if err != nil || !ok {
		t.Fatalf("root not bootstrapped as super admin (%v)", err)
	}
	bps, err := env.Engine.Repo.PlatformFeeBps(env.Ctx)
	if err != nil || bps != 250 {
		t.Fatalf("platform fee = %d (%v), want 250", bps, err)
	}
	// second init is a no-op
	if err := env.Engine.Init(env.Ctx); err != nil {
		t.Fatalf("re-init: %v", err)
	}
	if got := env.balance(t, "treasury"); got != 100000000 {
		t.Fatalf("treasury after re-init = %d", got)
	}
}

func TestTransferFeeScenario(t *testing.T) {
	env := newTestEnv(t)
	// treasury involved, no fee
	env.fund(t, "alice", 1000)
	if got := env.balance(t, "alice"); got != 1000 {
		t.Fatalf("alice = %d, want 1000", got)
	}
	// peer transfer pays 1% to the treasury
	if err := env.Engine.Transfer(env.Ctx, "alice", "bob", 1000); err != nil {
		t.Fatalf("transfer: %v", err)
	}
	if got := env.balance(t, "bob"); got != 990 {
		t.Fatalf("bob = %d, want 990", got)
	}
	if got := env.balance(t, "alice"); got != 0 {
		t.Fatalf("alice = %d, want 0", got)
	}
	if got := env.balance(t, "treasury"); got != 100000000-1000+10 {
		t.Fatalf("treasury = %d, want %d", got, 100000000-1000+10)
	}
	supply, _ := env.Engine.TotalSupply(env.Ctx)
	if supply != 100000000 {
		t.Fatalf("supply not conserved: %d", supply)
	}
}

func TestTransferFeeTruncation(t *testing.T) {
	env := newTestEnv(t)
	env.fund(t, "alice", 999)
	if err := env.Engine.Transfer(env.Ctx, "alice", "bob", 999); err != nil {
		t.Fatalf("transfer: %v", err)
	}
	// floor(999*100/10000) = 9
	if got := env.balance(t, "bob"); got != 990 {
		t.Fatalf("bob = %d, want 990", got)
	}
	supply, _ := env.Engine.TotalSupply(env.Ctx)
	if supply != 100000000 {
		t.Fatalf("supply not conserved: %d", supply)
	}
}

func TestTransferFeeOverflowRejected(t *testing.T) {
	cfg := config.Default("root")
	cfg.Token.InitialSupply = math.MaxInt64 - 1
	env := newTestEnvWithConfig(t, cfg)
	// treasury leg is fee-exempt, so the whole supply can move out
	huge := int64(math.MaxInt64 - 1)
	env.fund(t, "alice", huge)
	// the 1% fee multiplication on a near-MaxInt64 amount would wrap
	err := env.Engine.Transfer(env.Ctx, "alice", "bob", huge)
	var sys engine.SystemError
	if !errors.As(err, &sys) {
		t.Fatalf("expected SystemError, got %v", err)
	}
	if got := env.balance(t, "alice"); got != huge {
		t.Fatalf("alice mutated on rejected transfer: %d", got)
	}
	if got := env.balance(t, "bob"); got != 0 {
		t.Fatalf("bob = %d, want 0", got)
	}
}

func TestTransferInsufficientBalance(t *testing.T) {
	env := newTestEnv(t)
	env.fund(t, "alice", 10)
	err := env.Engine.Transfer(env.Ctx, "alice", "bob", 100)
	var funds engine.FundsError
	if !errors.As(err, &funds) {
		t.Fatalf("expected FundsError, got %v", err)
	}
	if got := env.balance(t, "alice"); got != 10 {
		t.Fatalf("alice mutated on failure: %d", got)
	}
}

func TestTransferRejectsNonPositiveAmount(t *testing.T) {
	env := newTestEnv(t)
	env.fund(t, "alice", 10)
	for _, amount := range []int64{0, -5} {
		err := env.Engine.Transfer(env.Ctx, "alice", "bob", amount)
		var v engine.ValidationError
		if !errors.As(err, &v) {
			t.Fatalf("amount %d: expected ValidationError, got %v", amount, err)
		}
	}
}

func TestApproveAndTransferFrom(t *testing.T) {
	env := newTestEnv(t)
	env.fund(t, "alice", 1000)
	if err := env.Engine.Approve(env.Ctx, "alice", "carol", 600); err != nil {
		t.Fatalf("approve: %v", err)
	}
	if err := env.Engine.TransferFrom(env.Ctx, "carol", "alice", "bob", 400); err != nil {
		t.Fatalf("transferFrom: %v", err)
	}
	left, _ := env.Engine.AllowanceOf(env.Ctx, "alice", "carol")
	if left != 200 {
		t.Fatalf("allowance = %d, want 200", left)
	}
	if got := env.balance(t, "bob"); got != 396 {
		t.Fatalf("bob = %d, want 396", got)
	}
	// second pull exceeding the remainder fails
	err := env.Engine.TransferFrom(env.Ctx, "carol", "alice", "bob", 300)
	var funds engine.FundsError
	if !errors.As(err, &funds) {
		t.Fatalf("expected FundsError, got %v", err)
	}
}

func TestPauseGatesMutations(t *testing.T) {
	env := newTestEnv(t)
	env.grant(t, "ops", domain.RoleAdmin)
	env.fund(t, "alice", 100)
	if err := env.Engine.Pause(env.Ctx, "ops"); err != nil {
		t.Fatalf("pause: %v", err)
	}
	if err := env.Engine.Transfer(env.Ctx, "alice", "bob", 10); !errors.Is(err, access.ErrSystemPaused) {
		t.Fatalf("expected ErrSystemPaused, got %v", err)
	}
	if _, err := env.Engine.RegisterProfile(env.Ctx, "alice", false, ""); !errors.Is(err, access.ErrSystemPaused) {
		t.Fatalf("expected ErrSystemPaused, got %v", err)
	}
	// reads stay available
	if got := env.balance(t, "alice"); got != 100 {
		t.Fatalf("alice = %d", got)
	}
	if err := env.Engine.Unpause(env.Ctx, "ops"); err != nil {
		t.Fatalf("unpause: %v", err)
	}
	if err := env.Engine.Transfer(env.Ctx, "alice", "bob", 10); err != nil {
		t.Fatalf("transfer after unpause: %v", err)
	}
}

func TestPauseRequiresAdmin(t *testing.T) {
	env := newTestEnv(t)
	err := env.Engine.Pause(env.Ctx, "mallory")
	var role access.ForbiddenRoleError
	if !errors.As(err, &role) {
		t.Fatalf("expected ForbiddenRoleError, got %v", err)
	}
}

func TestRoleGrantRevoke(t *testing.T) {
	env := newTestEnv(t)
	env.grant(t, "fee-ops", domain.RoleFeeManager)
	// idempotent
	env.grant(t, "fee-ops", domain.RoleFeeManager)
	roles, err := env.Engine.Access.AccountRoles(env.Ctx, "fee-ops")
	if err != nil || len(roles) != 1 || roles[0] != domain.RoleFeeManager {
		t.Fatalf("roles = %v (%v)", roles, err)
	}
	// only SUPER_ADMIN may grant
	err = env.Engine.GrantRole(env.Ctx, "fee-ops", "other", domain.RoleAdmin)
	var forbidden access.ForbiddenRoleError
	if !errors.As(err, &forbidden) {
		t.Fatalf("expected ForbiddenRoleError, got %v", err)
	}
	if err := env.Engine.RevokeRole(env.Ctx, "root", "fee-ops", domain.RoleFeeManager); err != nil {
		t.Fatalf("revoke: %v", err)
	}
	ok, _ := env.Engine.Access.HasRole(env.Ctx, "fee-ops", domain.RoleFeeManager)
	if ok {
		t.Fatalf("role not revoked")
	}
}

func TestGrantUnknownRoleRejected(t *testing.T) {
	env := newTestEnv(t)
	err := env.Engine.GrantRole(env.Ctx, "root", "alice", "OVERLORD")
	var v engine.ValidationError
	if !errors.As(err, &v) {
		t.Fatalf("expected ValidationError, got %v", err)
	}
}

func TestProfileLifecycle(t *testing.T) {
	env := newTestEnv(t)
	p, err := env.Engine.RegisterProfile(env.Ctx, "alice", false, "ipfs://alice")
	if err != nil {
		t.Fatalf("register: %v", err)
	}
	if !p.IsActive || p.Karma != 0 {
		t.Fatalf("unexpected profile: %+v", p)
	}
	_, err = env.Engine.RegisterProfile(env.Ctx, "alice", false, "")
	var conflict engine.ConflictError
	if !errors.As(err, &conflict) {
		t.Fatalf("expected ConflictError, got %v", err)
	}
	if err := env.Engine.UpdateProfile(env.Ctx, "alice", "ipfs://alice-v2"); err != nil {
		t.Fatalf("update: %v", err)
	}
	got, err := env.Engine.Repo.GetProfile(env.Ctx, "alice")
	if err != nil || got.MetadataURI != "ipfs://alice-v2" {
		t.Fatalf("metadata = %q (%v)", got.MetadataURI, err)
	}
	// deactivation is idempotent
	if err := env.Engine.DeactivateProfile(env.Ctx, "alice"); err != nil {
		t.Fatalf("deactivate: %v", err)
	}
	if err := env.Engine.DeactivateProfile(env.Ctx, "alice"); err != nil {
		t.Fatalf("second deactivate: %v", err)
	}
	got, _ = env.Engine.Repo.GetProfile(env.Ctx, "alice")
	if got.IsActive {
		t.Fatalf("still active")
	}
}

func TestProfileUpdateUnknownAccount(t *testing.T) {
	env := newTestEnv(t)
	err := env.Engine.UpdateProfile(env.Ctx, "ghost", "x")
	var nf engine.NotFoundError
	if !errors.As(err, &nf) {
		t.Fatalf("expected NotFoundError, got %v", err)
	}
}

func TestSetAndSyncKarma(t *testing.T) {
	env := newTestEnv(t)
	env.grant(t, "km", domain.RoleKarmaManager)
	if _, err := env.Engine.RegisterProfile(env.Ctx, "alice", false, ""); err != nil {
		t.Fatal(err)
	}
	// role required
	err := env.Engine.SetKarma(env.Ctx, "mallory", "alice", 5)
	var role access.ForbiddenRoleError
	if !errors.As(err, &role) {
		t.Fatalf("expected ForbiddenRoleError, got %v", err)
	}
	if err := env.Engine.SetKarma(env.Ctx, "km", "alice", 5); err != nil {
		t.Fatalf("set karma: %v", err)
	}
	p, _ := env.Engine.Repo.GetProfile(env.Ctx, "alice")
	if p.Karma != 5 {
		t.Fatalf("karma = %d, want 5", p.Karma)
	}
	// sync copies the live total (no validations yet, so zero)
	total, err := env.Engine.SyncKarma(env.Ctx, "km", "alice")
	if err != nil || total != 0 {
		t.Fatalf("sync = %d (%v), want 0", total, err)
	}
	p, _ = env.Engine.Repo.GetProfile(env.Ctx, "alice")
	if p.Karma != 0 {
		t.Fatalf("snapshot = %d, want 0", p.Karma)
	}
}

func TestUpdatePlatformFee(t *testing.T) {
	env := newTestEnv(t)
	env.grant(t, "fee-ops", domain.RoleFeeManager)
	if err := env.Engine.UpdatePlatformFee(env.Ctx, "fee-ops", 500); err != nil {
		t.Fatalf("update fee: %v", err)
	}
	bps, err := env.Engine.Repo.PlatformFeeBps(env.Ctx)
	if err != nil || bps != 500 {
		t.Fatalf("bps = %d (%v), want 500", bps, err)
	}
	// above the 10% cap
	err = env.Engine.UpdatePlatformFee(env.Ctx, "fee-ops", 1001)
	var v engine.ValidationError
	if !errors.As(err, &v) {
		t.Fatalf("expected ValidationError, got %v", err)
	}
	// role required
	err = env.Engine.UpdatePlatformFee(env.Ctx, "mallory", 100)
	var role access.ForbiddenRoleError
	if !errors.As(err, &role) {
		t.Fatalf("expected ForbiddenRoleError, got %v", err)
	}
}

func TestEventsAppendedWithMutations(t *testing.T) {
	env := newTestEnv(t)
	env.fund(t, "alice", 100)
	if _, err := env.Engine.RegisterProfile(env.Ctx, "alice", false, ""); err != nil {
		t.Fatal(err)
	}
	events, err := env.Engine.Repo.LatestEvents(env.Ctx, 10)
	if err != nil {
		t.Fatalf("events: %v", err)
	}
	// init + transfer + profile registration
	if len(events) < 3 {
		t.Fatalf("expected at least 3 events, got %d", len(events))
	}
	if events[0].Type != "profile.registered" {
		t.Fatalf("newest event = %s", events[0].Type)
	}
	// cursor paging returns oldest first
	page, err := env.Engine.Repo.EventsAfter(env.Ctx, 0, 2)
	if err != nil || len(page) != 2 {
		t.Fatalf("page: %v (%d)", err, len(page))
	}
	if page[0].Type != "system.initialized" {
		t.Fatalf("oldest event = %s", page[0].Type)
	}
}
