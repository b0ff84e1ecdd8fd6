package bridgeconfig

import (
	"fmt"
	"os"
	"regexp"

	"gopkg.in/yaml.v2"
)

// NamespaceEntry is one `{regex, exclusive}` pair from a registration
// namespace list (spec.md §3 "Registration").
type NamespaceEntry struct {
	Regex     string `yaml:"regex"`
	Exclusive bool   `yaml:"exclusive"`

	compiled *regexp.Regexp
}

// Namespaces holds the three registration namespace lists.
type Namespaces struct {
	Users   []NamespaceEntry `yaml:"users"`
	Aliases []NamespaceEntry `yaml:"aliases"`
	Rooms   []NamespaceEntry `yaml:"rooms"`
}

// Registration is the bit-compatible Matrix application-service registration
// document (spec.md §6).
type Registration struct {
	ID              string     `yaml:"id"`
	URL             string     `yaml:"url"`
	ASToken         string     `yaml:"as_token"`
	HSToken         string     `yaml:"hs_token"`
	SenderLocalpart string     `yaml:"sender_localpart"`
	Namespaces      Namespaces `yaml:"namespaces"`
}

// LoadRegistration reads and compiles a registration YAML file.
func LoadRegistration(path string) (*Registration, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading registration file: %w", err)
	}
	var reg Registration
	if err := yaml.Unmarshal(data, &reg); err != nil {
		return nil, fmt.Errorf("parsing registration file: %w", err)
	}
	if err := reg.compile(); err != nil {
		return nil, err
	}
	return &reg, nil
}

func (r *Registration) compile() error {
	for _, list := range [][]NamespaceEntry{r.Namespaces.Users, r.Namespaces.Aliases, r.Namespaces.Rooms} {
		for i := range list {
			re, err := regexp.Compile(list[i].Regex)
			if err != nil {
				return fmt.Errorf("invalid namespace regex %q: %w", list[i].Regex, err)
			}
			list[i].compiled = re
		}
	}
	return nil
}

// IsExclusiveUser reports whether userID matches an exclusive entry in the
// users namespace, i.e. is a virtual user (spec.md §3 "virtual user").
func (r *Registration) IsExclusiveUser(userID string) bool {
	return matchesExclusive(r.Namespaces.Users, userID)
}

// IsExclusiveAlias reports whether alias matches an exclusive entry in the
// aliases namespace.
func (r *Registration) IsExclusiveAlias(alias string) bool {
	return matchesExclusive(r.Namespaces.Aliases, alias)
}

// IsExclusiveRoom reports whether roomID matches an exclusive entry in the
// rooms namespace.
func (r *Registration) IsExclusiveRoom(roomID string) bool {
	return matchesExclusive(r.Namespaces.Rooms, roomID)
}

func matchesExclusive(entries []NamespaceEntry, value string) bool {
	for _, e := range entries {
		if e.Exclusive && e.compiled != nil && e.compiled.MatchString(value) {
			return true
		}
	}
	return false
}

// Marshal serializes the registration back to YAML, e.g. for -r/--generate-registration.
func (r *Registration) Marshal() ([]byte, error) {
	return yaml.Marshal(r)
}
