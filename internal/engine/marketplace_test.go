package engine_test

import (
	"errors"
	"math"
	"testing"

	"karmaline/internal/config"
	"karmaline/internal/domain"
	"karmaline/internal/engine"
	"karmaline/internal/repo"
)

// marketEnv wires a client and a provider with funded balances, a skill
// and a published service, the common fixture for order tests.
type marketEnv struct {
	testEnv
	SkillID   int64
	ServiceID int64
}

func newMarketEnv(t *testing.T) marketEnv {
	t.Helper()
	env := newTestEnv(t)
	env.grant(t, "skill-admin", domain.RoleAdmin)
	skill, err := env.Engine.CreateSkill(env.Ctx, "skill-admin", "Go", "engineering")
	if err != nil {
		t.Fatalf("create skill: %v", err)
	}
	if _, err := env.Engine.RegisterProfile(env.Ctx, "provider", false, ""); err != nil {
		t.Fatalf("register provider: %v", err)
	}
	if _, err := env.Engine.RegisterProfile(env.Ctx, "client", true, ""); err != nil {
		t.Fatalf("register client: %v", err)
	}
	svc, err := env.Engine.CreateService(env.Ctx, "provider", "Backend work", "", 100, []int64{skill.ID})
	if err != nil {
		t.Fatalf("create service: %v", err)
	}
	env.fund(t, "client", 10000)
	if err := env.Engine.Approve(env.Ctx, "client", "escrow", 10000); err != nil {
		t.Fatalf("approve escrow: %v", err)
	}
	return marketEnv{testEnv: env, SkillID: skill.ID, ServiceID: svc.ID}
}

func TestCreateSkillRequiresAdmin(t *testing.T) {
	env := newTestEnv(t)
	_, err := env.Engine.CreateSkill(env.Ctx, "mallory", "Go", "")
	if err == nil {
		t.Fatalf("expected role error")
	}
}

func TestDeclareSkillRules(t *testing.T) {
	env := newTestEnv(t)
	env.grant(t, "skill-admin", domain.RoleAdmin)
	skill, err := env.Engine.CreateSkill(env.Ctx, "skill-admin", "Rust", "")
	if err != nil {
		t.Fatal(err)
	}
	// unknown skill
	_, err = env.Engine.DeclareSkill(env.Ctx, "alice", 999, domain.LevelBeginner)
	var nf engine.NotFoundError
	if !errors.As(err, &nf) {
		t.Fatalf("expected NotFoundError, got %v", err)
	}
	// out-of-range level
	_, err = env.Engine.DeclareSkill(env.Ctx, "alice", skill.ID, domain.SkillLevel(4))
	var v engine.ValidationError
	if !errors.As(err, &v) {
		t.Fatalf("expected ValidationError, got %v", err)
	}
	// deactivated skill cannot be declared
	if err := env.Engine.SetSkillActive(env.Ctx, "skill-admin", skill.ID, false); err != nil {
		t.Fatal(err)
	}
	_, err = env.Engine.DeclareSkill(env.Ctx, "alice", skill.ID, domain.LevelBeginner)
	if !errors.As(err, &nf) {
		t.Fatalf("expected NotFoundError for inactive skill, got %v", err)
	}
	if err := env.Engine.SetSkillActive(env.Ctx, "skill-admin", skill.ID, true); err != nil {
		t.Fatal(err)
	}
	d, err := env.Engine.DeclareSkill(env.Ctx, "alice", skill.ID, domain.LevelIntermediate)
	if err != nil || d.DeclaredLevel != domain.LevelIntermediate {
		t.Fatalf("declare: %+v (%v)", d, err)
	}
}

func TestValidateSkillRequiresDeclaration(t *testing.T) {
	env := newTestEnv(t)
	env.grant(t, "skill-admin", domain.RoleAdmin)
	skill, err := env.Engine.CreateSkill(env.Ctx, "skill-admin", "Go", "")
	if err != nil {
		t.Fatal(err)
	}
	err = env.Engine.ValidateSkill(env.Ctx, "validator", "alice", skill.ID, domain.LevelAdvanced)
	var state engine.StateError
	if !errors.As(err, &state) {
		t.Fatalf("expected StateError, got %v", err)
	}
}

func TestKarmaRoundedMean(t *testing.T) {
	env := newTestEnv(t)
	env.grant(t, "skill-admin", domain.RoleAdmin)
	skill, err := env.Engine.CreateSkill(env.Ctx, "skill-admin", "Go", "")
	if err != nil {
		t.Fatal(err)
	}
	if _, err := env.Engine.DeclareSkill(env.Ctx, "alice", skill.ID, domain.LevelBeginner); err != nil {
		t.Fatal(err)
	}
	// no validations yet
	karma, err := env.Engine.KarmaFor(env.Ctx, "alice", skill.ID)
	if err != nil || karma != 0 {
		t.Fatalf("karma = %d (%v), want 0", karma, err)
	}
	if err := env.Engine.ValidateSkill(env.Ctx, "v1", "alice", skill.ID, domain.LevelIntermediate); err != nil {
		t.Fatal(err)
	}
	if err := env.Engine.ValidateSkill(env.Ctx, "v2", "alice", skill.ID, domain.LevelAdvanced); err != nil {
		t.Fatal(err)
	}
	// mean of 2 and 3 rounds up to 3
	karma, err = env.Engine.KarmaFor(env.Ctx, "alice", skill.ID)
	if err != nil || karma != 3 {
		t.Fatalf("karma = %d (%v), want 3", karma, err)
	}
	// a validator re-asserting replaces their prior level
	if err := env.Engine.ValidateSkill(env.Ctx, "v2", "alice", skill.ID, domain.LevelBeginner); err != nil {
		t.Fatal(err)
	}
	karma, _ = env.Engine.KarmaFor(env.Ctx, "alice", skill.ID)
	if karma != 2 {
		t.Fatalf("karma after re-assert = %d, want 2", karma)
	}
}

func TestTotalKarmaSumsValidatedSkills(t *testing.T) {
	env := newTestEnv(t)
	env.grant(t, "skill-admin", domain.RoleAdmin)
	var ids []int64
	for _, name := range []string{"Go", "SQL"} {
		s, err := env.Engine.CreateSkill(env.Ctx, "skill-admin", name, "")
		if err != nil {
			t.Fatal(err)
		}
		ids = append(ids, s.ID)
		if _, err := env.Engine.DeclareSkill(env.Ctx, "alice", s.ID, domain.LevelBeginner); err != nil {
			t.Fatal(err)
		}
	}
	if err := env.Engine.ValidateSkill(env.Ctx, "v1", "alice", ids[0], domain.LevelAdvanced); err != nil {
		t.Fatal(err)
	}
	if err := env.Engine.ValidateSkill(env.Ctx, "v1", "alice", ids[1], domain.LevelBeginner); err != nil {
		t.Fatal(err)
	}
	total, err := env.Engine.TotalKarma(env.Ctx, "alice")
	if err != nil || total != 4 {
		t.Fatalf("total = %d (%v), want 4", total, err)
	}
}

func TestTimeRecordValidation(t *testing.T) {
	env := newTestEnv(t)
	var v engine.ValidationError
	// a zero start time is not a timestamp
	_, err := env.Engine.RegisterTime(env.Ctx, "emp", "acme", 0, 3600, "", nil)
	if !errors.As(err, &v) {
		t.Fatalf("expected ValidationError for zero start, got %v", err)
	}
	// end must be after start
	_, err = env.Engine.RegisterTime(env.Ctx, "emp", "acme", 7200, 3600, "", nil)
	if !errors.As(err, &v) {
		t.Fatalf("expected ValidationError, got %v", err)
	}
	// referenced skills must exist
	_, err = env.Engine.RegisterTime(env.Ctx, "emp", "acme", 3600, 7200, "", []int64{42})
	var nf engine.NotFoundError
	if !errors.As(err, &nf) {
		t.Fatalf("expected NotFoundError, got %v", err)
	}
	rec, err := env.Engine.RegisterTime(env.Ctx, "emp", "acme", 3600, 7200, "sprint work", nil)
	if err != nil || rec.Status != domain.TimePending {
		t.Fatalf("register: %+v (%v)", rec, err)
	}
}

func TestTimeRecordWorkflow(t *testing.T) {
	env := newTestEnv(t)
	rec, err := env.Engine.RegisterTime(env.Ctx, "emp", "acme", 3600, 10800, "", nil)
	if err != nil {
		t.Fatal(err)
	}
	// only the company may validate
	err = env.Engine.ValidateTimeRecord(env.Ctx, "emp", rec.ID)
	var forbidden engine.ForbiddenError
	if !errors.As(err, &forbidden) {
		t.Fatalf("expected ForbiddenError, got %v", err)
	}
	if err := env.Engine.ValidateTimeRecord(env.Ctx, "acme", rec.ID); err != nil {
		t.Fatalf("validate: %v", err)
	}
	// terminal: no second transition
	err = env.Engine.DisputeTimeRecord(env.Ctx, "acme", rec.ID)
	var state engine.StateError
	if !errors.As(err, &state) {
		t.Fatalf("expected StateError, got %v", err)
	}
	hours, err := env.Engine.Repo.ValidatedHours(env.Ctx, "emp")
	if err != nil || hours != 2 {
		t.Fatalf("validated hours = %d (%v), want 2", hours, err)
	}
}

func TestTimeRecordDisputeByEmployee(t *testing.T) {
	env := newTestEnv(t)
	rec, err := env.Engine.RegisterTime(env.Ctx, "emp", "acme", 3600, 7200, "", nil)
	if err != nil {
		t.Fatal(err)
	}
	if err := env.Engine.DisputeTimeRecord(env.Ctx, "emp", rec.ID); err != nil {
		t.Fatalf("dispute: %v", err)
	}
	got, _ := env.Engine.Repo.GetTimeRecord(env.Ctx, rec.ID)
	if got.Status != domain.TimeDisputed {
		t.Fatalf("status = %s", got.Status)
	}
	// disputed hours are excluded from the validated aggregate
	hours, _ := env.Engine.Repo.ValidatedHours(env.Ctx, "emp")
	if hours != 0 {
		t.Fatalf("validated hours = %d, want 0", hours)
	}
	total, _ := env.Engine.Repo.TotalHours(env.Ctx, "emp")
	if total != 1 {
		t.Fatalf("total hours = %d, want 1", total)
	}
}

func TestServiceOwnership(t *testing.T) {
	env := newMarketEnv(t)
	err := env.Engine.UpdateService(env.Ctx, "client", env.ServiceID, "hijack", "", 1, nil)
	var forbidden engine.ForbiddenError
	if !errors.As(err, &forbidden) {
		t.Fatalf("expected ForbiddenError, got %v", err)
	}
	active, err := env.Engine.ToggleServiceStatus(env.Ctx, "provider", env.ServiceID)
	if err != nil || active {
		t.Fatalf("toggle = %v (%v), want inactive", active, err)
	}
	// inactive service cannot be ordered
	_, err = env.Engine.CreateOrder(env.Ctx, "client", env.ServiceID, 1, "")
	var state engine.StateError
	if !errors.As(err, &state) {
		t.Fatalf("expected StateError, got %v", err)
	}
}

func TestOrderLifecycle(t *testing.T) {
	env := newMarketEnv(t)
	order, err := env.Engine.CreateOrder(env.Ctx, "client", env.ServiceID, 10, "ten hours")
	if err != nil {
		t.Fatalf("create order: %v", err)
	}
	if order.TotalPrice != 1000 || order.Status != domain.OrderCreated {
		t.Fatalf("unexpected order: %+v", order)
	}
	// escrow holds the full price, the client paid exactly that
	if got := env.balance(t, "escrow"); got != 1000 {
		t.Fatalf("escrow = %d, want 1000", got)
	}
	if got := env.balance(t, "client"); got != 9000 {
		t.Fatalf("client = %d, want 9000", got)
	}
	left, _ := env.Engine.AllowanceOf(env.Ctx, "client", "escrow")
	if left != 9000 {
		t.Fatalf("allowance = %d, want 9000", left)
	}

	// only the provider may accept
	var forbidden engine.ForbiddenError
	if err := env.Engine.AcceptOrder(env.Ctx, "client", order.ID); !errors.As(err, &forbidden) {
		t.Fatalf("expected ForbiddenError, got %v", err)
	}
	if err := env.Engine.AcceptOrder(env.Ctx, "provider", order.ID); err != nil {
		t.Fatalf("accept: %v", err)
	}
	// only the client may complete
	if err := env.Engine.CompleteOrder(env.Ctx, "provider", order.ID); !errors.As(err, &forbidden) {
		t.Fatalf("expected ForbiddenError, got %v", err)
	}
	if err := env.Engine.CompleteOrder(env.Ctx, "client", order.ID); err != nil {
		t.Fatalf("complete: %v", err)
	}

	// 250 bps of 1000 to the collector, the rest to the provider
	if got := env.balance(t, "fee-collector"); got != 25 {
		t.Fatalf("fee-collector = %d, want 25", got)
	}
	if got := env.balance(t, "provider"); got != 975 {
		t.Fatalf("provider = %d, want 975", got)
	}
	if got := env.balance(t, "escrow"); got != 0 {
		t.Fatalf("escrow = %d, want 0", got)
	}

	got, err := env.Engine.Repo.GetOrder(env.Ctx, order.ID)
	if err != nil || got.Status != domain.OrderCompleted || got.CompletedAt == nil {
		t.Fatalf("order after complete: %+v (%v)", got, err)
	}
	// terminal
	var state engine.StateError
	if err := env.Engine.CancelOrder(env.Ctx, "client", order.ID); !errors.As(err, &state) {
		t.Fatalf("expected StateError, got %v", err)
	}
}

func TestOrderCancelRefundsExactly(t *testing.T) {
	env := newMarketEnv(t)
	before := env.balance(t, "client")
	order, err := env.Engine.CreateOrder(env.Ctx, "client", env.ServiceID, 5, "")
	if err != nil {
		t.Fatal(err)
	}
	if err := env.Engine.CancelOrder(env.Ctx, "client", order.ID); err != nil {
		t.Fatalf("cancel: %v", err)
	}
	if got := env.balance(t, "client"); got != before {
		t.Fatalf("client = %d, want %d", got, before)
	}
	if got := env.balance(t, "escrow"); got != 0 {
		t.Fatalf("escrow = %d, want 0", got)
	}
	got, _ := env.Engine.Repo.GetOrder(env.Ctx, order.ID)
	if got.Status != domain.OrderCancelled {
		t.Fatalf("status = %s", got.Status)
	}
}

func TestOrderCancelByProvider(t *testing.T) {
	env := newMarketEnv(t)
	order, err := env.Engine.CreateOrder(env.Ctx, "client", env.ServiceID, 2, "")
	if err != nil {
		t.Fatal(err)
	}
	if err := env.Engine.CancelOrder(env.Ctx, "provider", order.ID); err != nil {
		t.Fatalf("provider cancel: %v", err)
	}
	// an accepted order can no longer be cancelled
	order2, err := env.Engine.CreateOrder(env.Ctx, "client", env.ServiceID, 2, "")
	if err != nil {
		t.Fatal(err)
	}
	if err := env.Engine.AcceptOrder(env.Ctx, "provider", order2.ID); err != nil {
		t.Fatal(err)
	}
	var state engine.StateError
	if err := env.Engine.CancelOrder(env.Ctx, "client", order2.ID); !errors.As(err, &state) {
		t.Fatalf("expected StateError, got %v", err)
	}
}

func TestOrderCompleteRequiresAccepted(t *testing.T) {
	env := newMarketEnv(t)
	order, err := env.Engine.CreateOrder(env.Ctx, "client", env.ServiceID, 1, "")
	if err != nil {
		t.Fatal(err)
	}
	var state engine.StateError
	if err := env.Engine.CompleteOrder(env.Ctx, "client", order.ID); !errors.As(err, &state) {
		t.Fatalf("expected StateError, got %v", err)
	}
}

func TestCreateOrderWithoutAllowance(t *testing.T) {
	env := newMarketEnv(t)
	if err := env.Engine.Approve(env.Ctx, "client", "escrow", 0); err != nil {
		t.Fatal(err)
	}
	_, err := env.Engine.CreateOrder(env.Ctx, "client", env.ServiceID, 1, "")
	var funds engine.FundsError
	if !errors.As(err, &funds) {
		t.Fatalf("expected FundsError, got %v", err)
	}
	// the failed escrow pull must not leave an order behind
	orders, err := env.Engine.Repo.ListOrders(env.Ctx, repo.OrderFilter{Client: "client"})
	if err != nil || len(orders) != 0 {
		t.Fatalf("orders = %d (%v), want 0", len(orders), err)
	}
	if got := env.balance(t, "client"); got != 10000 {
		t.Fatalf("client = %d, want 10000", got)
	}
}

func TestCreateOrderPriceOverflow(t *testing.T) {
	env := newMarketEnv(t)
	svc, err := env.Engine.CreateService(env.Ctx, "provider", "Expensive", "", math.MaxInt64/2, nil)
	if err != nil {
		t.Fatal(err)
	}
	_, err = env.Engine.CreateOrder(env.Ctx, "client", svc.ID, 3, "")
	var sys engine.SystemError
	if !errors.As(err, &sys) {
		t.Fatalf("expected SystemError, got %v", err)
	}
}

func TestCompleteOrderPlatformFeeOverflowRejected(t *testing.T) {
	cfg := config.Default("root")
	cfg.Token.InitialSupply = math.MaxInt64 - 1
	env := newTestEnvWithConfig(t, cfg)
	price := int64(math.MaxInt64 / 2)
	svc, err := env.Engine.CreateService(env.Ctx, "provider", "Everything", "", price, nil)
	if err != nil {
		t.Fatal(err)
	}
	env.fund(t, "client", price)
	if err := env.Engine.Approve(env.Ctx, "client", "escrow", price); err != nil {
		t.Fatal(err)
	}
	order, err := env.Engine.CreateOrder(env.Ctx, "client", svc.ID, 1, "")
	if err != nil {
		t.Fatal(err)
	}
	if err := env.Engine.AcceptOrder(env.Ctx, "provider", order.ID); err != nil {
		t.Fatal(err)
	}
	// the 250 bps fee multiplication on the escrowed price would wrap
	err = env.Engine.CompleteOrder(env.Ctx, "client", order.ID)
	var sys engine.SystemError
	if !errors.As(err, &sys) {
		t.Fatalf("expected SystemError, got %v", err)
	}
	// nothing settled, escrow still holds the price
	if got := env.balance(t, "escrow"); got != price {
		t.Fatalf("escrow = %d, want %d", got, price)
	}
	if got := env.balance(t, "provider"); got != 0 {
		t.Fatalf("provider = %d, want 0", got)
	}
}

func TestUpdatedPlatformFeeAppliesToCompletion(t *testing.T) {
	env := newMarketEnv(t)
	env.grant(t, "fee-ops", domain.RoleFeeManager)
	if err := env.Engine.UpdatePlatformFee(env.Ctx, "fee-ops", 1000); err != nil {
		t.Fatal(err)
	}
	order, err := env.Engine.CreateOrder(env.Ctx, "client", env.ServiceID, 10, "")
	if err != nil {
		t.Fatal(err)
	}
	if err := env.Engine.AcceptOrder(env.Ctx, "provider", order.ID); err != nil {
		t.Fatal(err)
	}
	if err := env.Engine.CompleteOrder(env.Ctx, "client", order.ID); err != nil {
		t.Fatal(err)
	}
	if got := env.balance(t, "fee-collector"); got != 100 {
		t.Fatalf("fee-collector = %d, want 100", got)
	}
	if got := env.balance(t, "provider"); got != 900 {
		t.Fatalf("provider = %d, want 900", got)
	}
}
