package core

import (
	"net"
	"net/netip"
	"strings"
	"sync"
)

// aclNode один узел сетевого списка
type aclNode struct {
	allow  bool
	prefix netip.Prefix
}

// ACL именованный сетевой список с политикой по умолчанию.
// Узлы проверяются по порядку, первое совпадение определяет результат.
type ACL struct {
	name         string
	defaultAllow bool
	nodes        []aclNode
}

// Name возвращает имя списка
func (a *ACL) Name() string {
	return a.name
}

// Check проверяет адрес по списку
func (a *ACL) Check(addr netip.Addr) bool {
	addr = addr.Unmap()
	for _, n := range a.nodes {
		if n.prefix.Contains(addr) {
			return n.allow
		}
	}
	return a.defaultAllow
}

// ACLSet набор сетевых списков процесса
type ACLSet struct {
	mu    sync.RWMutex
	lists map[string]*ACL
}

// NewACLSet строит набор списков из конфигурации
func NewACLSet(cfgs []ACLConfig) (*ACLSet, error) {
	set := &ACLSet{lists: make(map[string]*ACL, len(cfgs))}
	for _, c := range cfgs {
		acl, err := buildACL(c)
		if err != nil {
			return nil, err
		}
		set.lists[acl.name] = acl
	}
	return set, nil
}

// Replace атомарно подменяет набор списков
func (s *ACLSet) Replace(other *ACLSet) {
	other.mu.RLock()
	lists := other.lists
	other.mu.RUnlock()

	s.mu.Lock()
	s.lists = lists
	s.mu.Unlock()
}

// Get возвращает список по имени
func (s *ACLSet) Get(name string) (*ACL, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	acl, ok := s.lists[name]
	return acl, ok
}

// Check проверяет адрес в строковом виде по именованному списку
func (s *ACLSet) Check(list, ip string) (bool, error) {
	acl, ok := s.Get(list)
	if !ok {
		return false, Errorf(ErrorCodeNotFound, "сетевой список %q не найден", list)
	}
	addr, err := netip.ParseAddr(ip)
	if err != nil {
		return false, WrapError(ErrorCodeInvalidArgument, "", "некорректный IP адрес", err)
	}
	return acl.Check(addr), nil
}

func buildACL(c ACLConfig) (*ACL, error) {
	acl := &ACL{name: c.Name}
	switch strings.ToLower(c.Default) {
	case "", "deny":
	case "allow":
		acl.defaultAllow = true
	default:
		return nil, Errorf(ErrorCodeInvalidArgument, "неизвестная политика %q", c.Default)
	}

	for _, n := range c.Nodes {
		node := aclNode{}
		switch strings.ToLower(n.Type) {
		case "allow":
			node.allow = true
		case "deny":
		default:
			return nil, Errorf(ErrorCodeInvalidArgument, "неизвестный тип узла %q", n.Type)
		}

		prefix, err := parseNode(n)
		if err != nil {
			return nil, err
		}
		node.prefix = prefix
		acl.nodes = append(acl.nodes, node)
	}
	return acl, nil
}

func parseNode(n ACLNodeConfig) (netip.Prefix, error) {
	if n.CIDR != "" {
		p, err := netip.ParsePrefix(n.CIDR)
		if err != nil {
			return netip.Prefix{}, WrapError(ErrorCodeInvalidArgument, "", "некорректный cidr", err)
		}
		return p.Masked(), nil
	}

	// host и mask должны быть заданы вместе
	if n.Host == "" || n.Mask == "" {
		return netip.Prefix{}, Errorf(ErrorCodeInvalidArgument, "узел требует cidr или пару host+mask")
	}
	host, err := netip.ParseAddr(n.Host)
	if err != nil {
		return netip.Prefix{}, WrapError(ErrorCodeInvalidArgument, "", "некорректный host", err)
	}
	maskIP := net.ParseIP(n.Mask)
	if maskIP == nil {
		return netip.Prefix{}, Errorf(ErrorCodeInvalidArgument, "некорректная маска %q", n.Mask)
	}
	var mask net.IPMask
	if host.Is4() {
		mask = net.IPMask(maskIP.To4())
	} else {
		mask = net.IPMask(maskIP.To16())
	}
	ones, bits := mask.Size()
	if bits == 0 {
		return netip.Prefix{}, Errorf(ErrorCodeInvalidArgument, "маска %q не является непрерывной", n.Mask)
	}
	return netip.PrefixFrom(host, ones).Masked(), nil
}
