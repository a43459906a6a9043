package agent

import (
	"fmt"
	"os"
	"slices"
	"strings"
)

// Identity is what an agent exposes to destination selectors.
type Identity struct {
	Name       string
	Attributes map[string]string
}

// LocalIdentity fills in the host name when name is empty.
func LocalIdentity(name string, attrs map[string]string) Identity {
	if name == "" {
		name, _ = os.Hostname()
	}
	return Identity{Name: name, Attributes: attrs}
}

// Selector is a parsed destination of the form "<hosts>|<k>=<v>;<k>=<v>".
// Hosts is either "*" or a comma separated list of agent names.
type Selector struct {
	Hosts      []string
	Attributes map[string]string
}

func ParseSelector(s string) (Selector, error) {
	hostPart, attrPart, _ := strings.Cut(s, "|")

	var sel Selector
	hostPart = strings.TrimSpace(hostPart)
	if hostPart != "" && hostPart != "*" {
		for _, h := range strings.Split(hostPart, ",") {
			if h = strings.TrimSpace(h); h != "" {
				sel.Hosts = append(sel.Hosts, h)
			}
		}
	}

	for _, kv := range strings.Split(attrPart, ";") {
		kv = strings.TrimSpace(kv)
		if kv == "" {
			continue
		}
		k, v, ok := strings.Cut(kv, "=")
		if !ok || strings.TrimSpace(k) == "" {
			return Selector{}, fmt.Errorf("invalid selector attribute %q in %q", kv, s)
		}
		if sel.Attributes == nil {
			sel.Attributes = make(map[string]string)
		}
		sel.Attributes[strings.TrimSpace(k)] = strings.TrimSpace(v)
	}
	return sel, nil
}

// Match reports whether id is addressed by the selector. An empty host
// list matches any host.
func (s Selector) Match(id Identity) bool {
	if len(s.Hosts) > 0 && !slices.Contains(s.Hosts, id.Name) {
		return false
	}
	for k, v := range s.Attributes {
		if got, ok := id.Attributes[k]; !ok || got != v {
			return false
		}
	}
	return true
}

func (s Selector) String() string {
	hosts := "*"
	if len(s.Hosts) > 0 {
		hosts = strings.Join(s.Hosts, ",")
	}
	keys := make([]string, 0, len(s.Attributes))
	for k := range s.Attributes {
		keys = append(keys, k)
	}
	slices.Sort(keys)
	attrs := make([]string, 0, len(keys))
	for _, k := range keys {
		attrs = append(attrs, k+"="+s.Attributes[k])
	}
	if len(attrs) == 0 {
		return hosts
	}
	return hosts + "|" + strings.Join(attrs, ";")
}
