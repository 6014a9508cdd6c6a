package policy

import (
	"fmt"
	"os"
	"strings"

	"github.com/BurntSushi/toml"
)

// File is the on-disk TOML representation of a policy.
type File struct {
	ResolverScope string   `toml:"ResolverScope"`
	DepositScope  string   `toml:"DepositScope"`
	RefundScope   string   `toml:"RefundScope"`
	ClaimScope    string   `toml:"ClaimScope"`
	Resolvers     []string `toml:"Resolvers"`
	Operators     []string `toml:"Operators"`
}

// LoadFile reads a TOML policy file. A missing path yields the default policy.
func LoadFile(path string) (Config, []string, error) {
	if strings.TrimSpace(path) == "" {
		return Config{}, nil, nil
	}
	raw, err := os.ReadFile(path)
	if err != nil {
		return Config{}, nil, fmt.Errorf("policy: read %s: %w", path, err)
	}
	return Parse(string(raw))
}

// Parse decodes a TOML policy document and returns the configuration together
// with the resolver whitelist.
func Parse(doc string) (Config, []string, error) {
	var f File
	if _, err := toml.Decode(doc, &f); err != nil {
		return Config{}, nil, fmt.Errorf("policy: decode: %w", err)
	}
	return f.Config()
}

// Config converts the file representation into a Config.
func (f File) Config() (Config, []string, error) {
	var cfg Config
	var err error
	if cfg.ResolverScope, err = parseResolverScope(f.ResolverScope); err != nil {
		return Config{}, nil, err
	}
	if cfg.DepositScope, err = parseDepositScope(f.DepositScope); err != nil {
		return Config{}, nil, err
	}
	if cfg.RefundScope, err = parseRefundScope(f.RefundScope); err != nil {
		return Config{}, nil, err
	}
	if cfg.ClaimScope, err = parseClaimScope(f.ClaimScope); err != nil {
		return Config{}, nil, err
	}
	cfg.Operators = append([]string(nil), f.Operators...)
	return cfg, append([]string(nil), f.Resolvers...), nil
}

func normaliseMode(v string) string {
	return strings.ToLower(strings.NewReplacer("_", "", "-", "", " ", "").Replace(strings.TrimSpace(v)))
}

func parseResolverScope(v string) (ResolverScope, error) {
	switch normaliseMode(v) {
	case "", "open":
		return ResolverOpen, nil
	case "whitelisted", "whitelist":
		return ResolverWhitelisted, nil
	}
	return 0, fmt.Errorf("policy: unknown resolver scope %q", v)
}

func parseDepositScope(v string) (DepositScope, error) {
	switch normaliseMode(v) {
	case "", "makerorauthorizedresolver":
		return DepositMakerOrAuthorizedResolver, nil
	case "makeronly":
		return DepositMakerOnly, nil
	}
	return 0, fmt.Errorf("policy: unknown deposit scope %q", v)
}

func parseRefundScope(v string) (RefundScope, error) {
	switch normaliseMode(v) {
	case "", "anyoneaftertimelock":
		return RefundAnyoneAfterTimelock, nil
	case "depositororresolveronly":
		return RefundDepositorOrResolverOnly, nil
	}
	return 0, fmt.Errorf("policy: unknown refund scope %q", v)
}

func parseClaimScope(v string) (ClaimScope, error) {
	switch normaliseMode(v) {
	case "", "anyonewithsecret":
		return ClaimAnyoneWithSecret, nil
	case "recipientorresolver":
		return ClaimRecipientOrResolver, nil
	}
	return 0, fmt.Errorf("policy: unknown claim scope %q", v)
}
