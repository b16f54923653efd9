// Package admission holds the sender allow-list check applied to
// primary-stream notifications before they may trigger the pipeline.
package admission

import "strings"

// AllowList reports whether mail from a sender may trigger the pipeline.
type AllowList interface {
	Allowed(sender string) bool
}

// StaticAllowList is an AllowList over a fixed set of addresses. An empty set
// allows every sender.
type StaticAllowList struct {
	senders map[string]struct{}
}

// NewStaticAllowList creates an allow-list from configured addresses.
// Comparison is case-insensitive on the full address.
func NewStaticAllowList(senders []string) *StaticAllowList {
	set := make(map[string]struct{}, len(senders))
	for _, s := range senders {
		s = strings.ToLower(strings.TrimSpace(s))
		if s != "" {
			set[s] = struct{}{}
		}
	}
	return &StaticAllowList{senders: set}
}

// Allowed implements AllowList.
func (l *StaticAllowList) Allowed(sender string) bool {
	if len(l.senders) == 0 {
		return true
	}
	_, ok := l.senders[strings.ToLower(strings.TrimSpace(sender))]
	return ok
}
