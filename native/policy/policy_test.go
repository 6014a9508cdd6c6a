package policy

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
)

var (
	srcLeg = Subject{Maker: "maker", Resolver: "resolver", Depositor: "maker", Recipient: "resolver"}
	dstLeg = Subject{Maker: "maker", Resolver: "resolver", Depositor: "resolver", Recipient: "maker", Destination: true}
)

func TestDefaultPolicy(t *testing.T) {
	p := Default()
	if !p.Allow(OpDeposit, "maker", srcLeg) {
		t.Fatalf("maker must fund the source leg")
	}
	if !p.Allow(OpDeposit, "resolver", srcLeg) {
		t.Fatalf("resolver may fund the source leg under the default policy")
	}
	if p.Allow(OpDeposit, "stranger", srcLeg) {
		t.Fatalf("stranger must not fund the source leg")
	}
	if !p.Allow(OpClaim, "stranger", srcLeg) {
		t.Fatalf("anyone with the secret may claim by default")
	}
	if !p.Allow(OpRefund, "stranger", srcLeg) {
		t.Fatalf("anyone may refund after the timelock by default")
	}
	if p.Allow(OpReconcile, "maker", srcLeg) {
		t.Fatalf("reconcile requires an operator")
	}
}

func TestDestinationLegFundedByResolver(t *testing.T) {
	p := Default()
	if p.Allow(OpDeposit, "maker", dstLeg) {
		t.Fatalf("maker must not fund the destination leg")
	}
	if !p.Allow(OpDeposit, "resolver", dstLeg) {
		t.Fatalf("resolver must fund the destination leg")
	}
}

func TestMakerOnlyDeposit(t *testing.T) {
	p := New(Config{DepositScope: DepositMakerOnly}, nil)
	err := p.Check(OpDeposit, "resolver", srcLeg)
	if !errors.Is(err, ErrUnauthorized) {
		t.Fatalf("expected unauthorized, got %v", err)
	}
}

func TestWhitelistedResolver(t *testing.T) {
	reg := NewRegistry()
	p := New(Config{ResolverScope: ResolverWhitelisted}, reg)
	if p.Allow(OpCreate, "", srcLeg) {
		t.Fatalf("unregistered resolver must not create")
	}
	if p.Allow(OpDeposit, "resolver", dstLeg) {
		t.Fatalf("unregistered resolver must not fund")
	}
	reg.Add("resolver")
	if !p.Allow(OpCreate, "", srcLeg) || !p.Allow(OpDeposit, "resolver", dstLeg) {
		t.Fatalf("registered resolver must be allowed")
	}
	reg.Remove("resolver")
	if p.Allow(OpDeposit, "resolver", dstLeg) {
		t.Fatalf("revoked resolver must be rejected")
	}
}

func TestRegistryComparesCanonicalPrincipals(t *testing.T) {
	r := NewRegistry("0x5aaeb6053f3e94c9b9a09f33669435e7ef1beaed", " plain-resolver ")
	if !r.Contains("0x5aAeb6053F3E94C9b9A09f33669435E7Ef1BeAed") {
		t.Fatalf("checksummed address should match lowercase entry")
	}
	if !r.Contains("plain-resolver") {
		t.Fatalf("opaque entry should match trimmed")
	}
	if r.Contains("PLAIN-RESOLVER") {
		t.Fatalf("opaque entries stay case sensitive")
	}
	r.Remove("0x5AAEB6053F3E94C9B9A09F33669435E7EF1BEAED")
	if r.Contains("0x5aAeb6053F3E94C9b9A09f33669435E7Ef1BeAed") {
		t.Fatalf("remove should accept any case of the address")
	}
}

func TestRestrictedRefundAndClaim(t *testing.T) {
	p := New(Config{RefundScope: RefundDepositorOrResolverOnly, ClaimScope: ClaimRecipientOrResolver}, nil)
	if !p.Allow(OpRefund, "maker", srcLeg) || !p.Allow(OpRefund, "resolver", srcLeg) {
		t.Fatalf("depositor and resolver may refund")
	}
	if p.Allow(OpRefund, "stranger", srcLeg) {
		t.Fatalf("stranger must not refund")
	}
	if !p.Allow(OpClaim, "resolver", srcLeg) || p.Allow(OpClaim, "stranger", srcLeg) {
		t.Fatalf("claim scope not enforced")
	}
}

func TestEmptyCallerRejected(t *testing.T) {
	if Default().Allow(OpClaim, "  ", srcLeg) {
		t.Fatalf("empty caller must be rejected")
	}
}

func TestLoadFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "policy.toml")
	doc := `ResolverScope = "Whitelisted"
DepositScope = "MakerOnly"
RefundScope = "DepositorOrResolverOnly"
ClaimScope = "recipient_or_resolver"
Resolvers = ["resolver-a", "resolver-b"]
Operators = ["ops"]
`
	if err := os.WriteFile(path, []byte(doc), 0o600); err != nil {
		t.Fatalf("write: %v", err)
	}
	cfg, resolvers, err := LoadFile(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.ResolverScope != ResolverWhitelisted || cfg.DepositScope != DepositMakerOnly ||
		cfg.RefundScope != RefundDepositorOrResolverOnly || cfg.ClaimScope != ClaimRecipientOrResolver {
		t.Fatalf("unexpected config: %+v", cfg)
	}
	if len(resolvers) != 2 || len(cfg.Operators) != 1 {
		t.Fatalf("unexpected lists: %v %v", resolvers, cfg.Operators)
	}
	if _, _, err := Parse(`RefundScope = "sometimes"`); err == nil {
		t.Fatalf("expected unknown mode error")
	}
}

func TestExamplePolicyFileParses(t *testing.T) {
	cfg, resolvers, err := LoadFile("../../services/swapd/policy.example.toml")
	if err != nil {
		t.Fatalf("load example policy: %v", err)
	}
	if cfg.ResolverScope != ResolverWhitelisted || len(resolvers) != 2 {
		t.Fatalf("unexpected policy: %+v %v", cfg, resolvers)
	}
	if len(cfg.Operators) != 1 || cfg.Operators[0] != "ops" {
		t.Fatalf("unexpected operators: %v", cfg.Operators)
	}
}
