package quota

import (
	"errors"
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/devblac/wallet-sync/internal/config"
)

// Method is how a transaction's gas gets paid.
type Method string

const (
	MethodSponsored Method = "sponsored"
	MethodTokenPay  Method = "token_pay"
	MethodNativePay Method = "native_pay"
)

// Policy is the sponsorship configuration read on every decision.
type Policy struct {
	PerUserDailyLimitUSD float64  `yaml:"per_user_daily_limit_usd" json:"per_user_daily_limit_usd"`
	GlobalDailyLimitUSD  float64  `yaml:"global_daily_limit_usd" json:"global_daily_limit_usd"`
	MaxSponsoredValueUSD float64  `yaml:"max_sponsored_value_usd" json:"max_sponsored_value_usd"`
	EligibleOperations   []string `yaml:"eligible_operations" json:"eligible_operations"`
	FallbackMethod       Method   `yaml:"fallback_method" json:"fallback_method"`
}

// PolicyFromConfig maps the sponsorship section onto a Policy.
func PolicyFromConfig(s config.SponsorshipConfig) Policy {
	return Policy{
		PerUserDailyLimitUSD: s.PerUserDailyLimitUSD,
		GlobalDailyLimitUSD:  s.GlobalDailyLimitUSD,
		MaxSponsoredValueUSD: s.MaxSponsoredValueUSD,
		EligibleOperations:   s.EligibleOperations,
		FallbackMethod:       Method(strings.ToLower(s.FallbackMethod)),
	}
}

func (p Policy) Validate() error {
	if p.PerUserDailyLimitUSD < 0 || p.GlobalDailyLimitUSD < 0 || p.MaxSponsoredValueUSD < 0 {
		return errors.New("limits must not be negative")
	}
	switch p.FallbackMethod {
	case "", MethodTokenPay, MethodNativePay:
	default:
		return fmt.Errorf("unsupported fallback_method: %s", p.FallbackMethod)
	}
	return nil
}

func (p Policy) eligible(op string) bool {
	for _, e := range p.EligibleOperations {
		if strings.EqualFold(e, op) {
			return true
		}
	}
	return false
}

func (p Policy) fallback() Method {
	if p.FallbackMethod == MethodNativePay {
		return MethodNativePay
	}
	return MethodTokenPay
}

// PolicySource supplies the current policy.
type PolicySource interface {
	Policy() Policy
}

// StaticPolicy is a PolicySource that never changes.
type StaticPolicy Policy

func (s StaticPolicy) Policy() Policy { return Policy(s) }

// LoadPolicyFile reads and validates a YAML policy file.
func LoadPolicyFile(path string) (Policy, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return Policy{}, fmt.Errorf("read policy: %w", err)
	}
	var p Policy
	if err := yaml.Unmarshal(raw, &p); err != nil {
		return Policy{}, fmt.Errorf("parse policy: %w", err)
	}
	p.FallbackMethod = Method(strings.ToLower(string(p.FallbackMethod)))
	if err := p.Validate(); err != nil {
		return Policy{}, fmt.Errorf("policy %s: %w", path, err)
	}
	return p, nil
}
