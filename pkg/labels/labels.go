// Package labels defines how devnest tags the containers, volumes and
// networks it creates so they can be found again through the runtime.
//
// The runtime is the only source of truth for which resources exist; labels
// are the foreign keys that tie a resource back to a project or service.
package labels

const (
	Prefix = "devnest."

	Managed     = Prefix + "managed"
	Type        = Prefix + "type"
	Owner       = Prefix + "owner"
	ProjectID   = Prefix + "project.id"
	ProjectName = Prefix + "project.name"
	ServiceID   = Prefix + "service.id"
	Domain      = Prefix + "domain"
	Port        = Prefix + "port"

	ManagedValue = "true"
)

// Kind is the role of a managed resource.
type Kind string

const (
	KindProject Kind = "project"
	KindService Kind = "service"
	KindHelper  Kind = "helper"
	KindTunnel  Kind = "tunnel"
	KindProxy   Kind = "proxy"
)

// Valid reports whether k is one of the known kinds.
func (k Kind) Valid() bool {
	switch k {
	case KindProject, KindService, KindHelper, KindTunnel, KindProxy:
		return true
	}
	return false
}

// OwnerKey returns the label that carries the owner id for resources of kind k.
func OwnerKey(k Kind) string {
	switch k {
	case KindProject:
		return ProjectID
	case KindService:
		return ServiceID
	default:
		return Owner
	}
}

// For returns the mandatory label set for a resource of kind k owned by owner.
func For(k Kind, owner string) map[string]string {
	set := map[string]string{
		Managed: ManagedValue,
		Type:    string(k),
		Owner:   owner,
	}
	if key := OwnerKey(k); key != Owner {
		set[key] = owner
	}
	return set
}

// Merge returns base overlaid with extra. Keys of base always win so callers
// cannot strip the managed labels.
func Merge(base, extra map[string]string) map[string]string {
	out := make(map[string]string, len(base)+len(extra))
	for k, v := range extra {
		out[k] = v
	}
	for k, v := range base {
		out[k] = v
	}
	return out
}

// IsManaged reports whether set carries devnest.managed=true.
func IsManaged(set map[string]string) bool {
	return set[Managed] == ManagedValue
}

// KindOf returns the kind recorded in set, or "" when absent.
func KindOf(set map[string]string) Kind {
	return Kind(set[Type])
}

// OwnerOf returns the owner id recorded in set.
func OwnerOf(set map[string]string) string {
	if v := set[Owner]; v != "" {
		return v
	}
	return set[OwnerKey(KindOf(set))]
}

// Matches reports whether set belongs to a managed resource carrying
// key=value and, when kind is non-empty, of that kind.
func Matches(set map[string]string, key, value string, kind Kind) bool {
	if !IsManaged(set) {
		return false
	}
	if v, ok := set[key]; !ok || v != value {
		return false
	}
	if kind != "" && KindOf(set) != kind {
		return false
	}
	return true
}

// Selector renders key=value the way the runtime's label filter expects it.
func Selector(key, value string) string {
	return key + "=" + value
}
