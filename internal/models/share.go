package models

import (
	"fmt"
	"net/netip"
	"strings"
	"time"
)

// ShareRecord is a capability token granting bounded download access to one
// file or directory inside the sandbox.
type ShareRecord struct {
	Token         string
	Path          string // logical path relative to the sandbox root
	IsDirectory   bool
	MaxDownloads  *int       // nil = unlimited
	DownloadCount int        // mutated only via the registry's atomic consume
	ExpireAt      *time.Time // nil = never expires
	AllowedIPs    []string   // IP literals or CIDR blocks; empty = unrestricted
	CreatedAt     time.Time
}

// IsExpired reports whether the record's expiry lies at or before now.
func (r *ShareRecord) IsExpired(now time.Time) bool {
	return r.ExpireAt != nil && !now.Before(*r.ExpireAt)
}

// IsExhausted reports whether the download cap has been reached.
func (r *ShareRecord) IsExhausted() bool {
	return r.MaxDownloads != nil && r.DownloadCount >= *r.MaxDownloads
}

// AllowsIP reports whether clientIP passes the record's allow-list. An empty
// list is unrestricted. Entries may be bare addresses or CIDR prefixes;
// entries that fail to parse never match.
func (r *ShareRecord) AllowsIP(clientIP string) bool {
	if len(r.AllowedIPs) == 0 {
		return true
	}
	addr, err := netip.ParseAddr(clientIP)
	if err != nil {
		return false
	}
	addr = addr.Unmap()
	for _, entry := range r.AllowedIPs {
		if strings.Contains(entry, "/") {
			prefix, err := netip.ParsePrefix(entry)
			if err != nil {
				continue
			}
			if prefix.Masked().Contains(addr) {
				return true
			}
			continue
		}
		allowed, err := netip.ParseAddr(entry)
		if err != nil {
			continue
		}
		if allowed.Unmap() == addr {
			return true
		}
	}
	return false
}

// DenyReason classifies why an access attempt was refused.
type DenyReason int

const (
	DenyNotFound DenyReason = iota
	DenyExpired
	DenyIPBlocked
	DenyQuotaExceeded
)

func (d DenyReason) String() string {
	switch d {
	case DenyNotFound:
		return "not found"
	case DenyExpired:
		return "expired"
	case DenyIPBlocked:
		return "ip denied"
	case DenyQuotaExceeded:
		return "quota exceeded"
	default:
		return "denied"
	}
}

// AccessDenied is the error returned by the access gate for any refused
// download attempt. The reason is preserved so callers can map denials to
// distinct HTTP statuses.
type AccessDenied struct {
	Reason DenyReason
}

func (e *AccessDenied) Error() string {
	return fmt.Sprintf("access denied: %s", e.Reason)
}

// AuthorizedDownload is the result of a successful authorization: the
// resolved absolute path plus what the delivery layer needs to stream it.
type AuthorizedDownload struct {
	Token       string
	Path        string // absolute, sandbox-resolved
	Filename    string
	IsDirectory bool
}
