// Package pattern expands the configurable host and domain name patterns,
// e.g. "host-{ip_address}" and "{tenant_name}.cloud.example.com".
package pattern

import (
	"errors"
	"fmt"
	"net"
	"regexp"
	"strings"

	"github.com/jbweber/homelab/ddiagent/internal/domain"
)

var (
	// ErrUnknownVariable is returned for a pattern referencing an unsupported variable
	ErrUnknownVariable = errors.New("unknown pattern variable")

	// ErrMissingValue is returned when a referenced variable has no value for a request
	ErrMissingValue = errors.New("pattern variable has no value")
)

const (
	DefaultHostPattern   = "host-{ip_address}"
	DefaultDomainPattern = "{tenant_id}.cloud.global.com"
)

var variableRe = regexp.MustCompile(`\{([a-z0-9_]+)\}`)

var knownVariables = map[string]bool{
	"ip_address":        true,
	"ip_address_octet1": true,
	"ip_address_octet2": true,
	"ip_address_octet3": true,
	"ip_address_octet4": true,
	"port_id":           true,
	"instance_id":       true,
	"instance_name":     true,
	"network_id":        true,
	"network_name":      true,
	"subnet_id":         true,
	"subnet_name":       true,
	"tenant_id":         true,
	"tenant_name":       true,
	"user_id":           true,
}

var invalidLabelChars = regexp.MustCompile(`[^a-z0-9.-]+`)

// Input carries the request attributes patterns are expanded from
type Input struct {
	Identity     domain.Identity
	Network      *domain.Network
	Subnet       *domain.Subnet
	Port         *domain.Port
	InstanceName string
}

// Builder expands the host and domain patterns of one configuration
type Builder struct {
	hostPattern   string
	domainPattern string
}

// Validate checks that p only references known variables
func Validate(p string) error {
	if strings.Count(p, "{") != strings.Count(p, "}") {
		return fmt.Errorf("unbalanced braces in pattern %q", p)
	}
	for _, m := range variableRe.FindAllStringSubmatch(p, -1) {
		if !knownVariables[m[1]] {
			return fmt.Errorf("%w: {%s} in %q", ErrUnknownVariable, m[1], p)
		}
	}
	return nil
}

// NewBuilder validates both patterns. Empty patterns fall back to the defaults.
func NewBuilder(hostPattern, domainPattern string) (*Builder, error) {
	if hostPattern == "" {
		hostPattern = DefaultHostPattern
	}
	if domainPattern == "" {
		domainPattern = DefaultDomainPattern
	}
	for _, p := range []string{hostPattern, domainPattern} {
		if err := Validate(p); err != nil {
			return nil, err
		}
	}
	if strings.Contains(domainPattern, "{ip_address") {
		return nil, fmt.Errorf("domain pattern %q may not reference the ip address", domainPattern)
	}
	return &Builder{hostPattern: hostPattern, domainPattern: domainPattern}, nil
}

// Zone returns the forward zone name for a request
func (b *Builder) Zone(in Input) (string, error) {
	return expand(b.domainPattern, in, "")
}

// Hostname returns the host part of the name for ip
func (b *Builder) Hostname(in Input, ip string) (string, error) {
	return expand(b.hostPattern, in, ip)
}

// HostnameOrDefault is Hostname, falling back to DefaultHostPattern when the
// configured pattern references a value the request does not carry
func (b *Builder) HostnameOrDefault(in Input, ip string) (string, error) {
	name, err := b.Hostname(in, ip)
	if errors.Is(err, ErrMissingValue) && b.hostPattern != DefaultHostPattern {
		return expand(DefaultHostPattern, in, ip)
	}
	return name, err
}

// Expand expands a pattern that does not depend on an address, such as a
// network view name pattern
func Expand(p string, in Input) (string, error) {
	if err := Validate(p); err != nil {
		return "", err
	}
	return expand(p, in, "")
}

// FQDN joins hostname and zone
func FQDN(hostname, zone string) string {
	return strings.TrimSuffix(hostname, ".") + "." + strings.TrimSuffix(zone, ".")
}

func values(in Input, ip string) map[string]string {
	v := map[string]string{
		"tenant_id":     in.Identity.TenantID,
		"tenant_name":   in.Identity.TenantName,
		"user_id":       in.Identity.UserID,
		"instance_name": in.InstanceName,
	}
	if n := in.Network; n != nil {
		v["network_id"] = n.ID
		v["network_name"] = n.Name
	}
	if s := in.Subnet; s != nil {
		v["subnet_id"] = s.ID
		v["subnet_name"] = s.Name
	}
	if p := in.Port; p != nil {
		v["port_id"] = p.ID
		if p.IsCompute() {
			v["instance_id"] = p.DeviceID
		}
	}
	if parsed := net.ParseIP(ip); parsed != nil {
		if v4 := parsed.To4(); v4 != nil {
			v["ip_address"] = v4.String()
			for i := 0; i < 4; i++ {
				v[fmt.Sprintf("ip_address_octet%d", i+1)] = fmt.Sprintf("%d", v4[i])
			}
		} else {
			v["ip_address"] = strings.ReplaceAll(parsed.String(), ":", "-")
		}
	}
	return v
}

func expand(p string, in Input, ip string) (string, error) {
	vals := values(in, ip)
	var missing error
	out := variableRe.ReplaceAllStringFunc(p, func(token string) string {
		name := token[1 : len(token)-1]
		val := vals[name]
		if val == "" {
			if missing == nil {
				missing = fmt.Errorf("%w: {%s}", ErrMissingValue, name)
			}
			return ""
		}
		if strings.HasPrefix(name, "ip_address") {
			return val
		}
		return sanitize(val)
	})
	if missing != nil {
		return "", missing
	}
	return out, nil
}

// sanitize makes a value usable as part of a DNS label
func sanitize(s string) string {
	s = strings.ToLower(s)
	s = invalidLabelChars.ReplaceAllString(s, "-")
	return strings.Trim(s, "-")
}
