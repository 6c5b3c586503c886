// Package router decides, for every intercepted path, whether the target
// lives on the remote filesystem or on local disk. Classification is purely
// lexical: it must not touch the filesystem, both because symlink resolution
// would itself require classified I/O and because the extra stats are wasted
// work on the hot path.
package router

import (
	"fmt"
	"path"
	"strings"
)

// Target is the outcome of classifying one path. A remote target carries the
// path with the mount-point prefix already stripped, which is the form the
// remote SDK expects.
type Target struct {
	Remote bool
	// Path is the mount-relative remainder, "/" for the mount point itself.
	// Empty unless Remote is set.
	Path string
}

// Router holds the immutable mount scope. Built once at startup and read by
// every intercepted call, so it carries no locks.
type Router struct {
	mountPoint string
	ignore     []string
}

// New builds a Router from the configured mount point and the ","-separated
// ignore list. The mount point must be absolute and not the root; a trailing
// separator is stripped.
func New(mountPoint, ignorePath string) (*Router, error) {
	if !strings.HasPrefix(mountPoint, "/") {
		return nil, fmt.Errorf("mount point %q is not absolute", mountPoint)
	}
	mp := Clean(mountPoint)
	if mp == "/" {
		return nil, fmt.Errorf("mount point may not be the root")
	}

	var ignore []string
	for _, entry := range strings.Split(ignorePath, ",") {
		if entry = strings.Trim(entry, "/"); entry != "" {
			ignore = append(ignore, entry)
		}
	}

	return &Router{mountPoint: mp, ignore: ignore}, nil
}

// MountPoint returns the cleaned mount point with no trailing separator.
func (r *Router) MountPoint() string {
	return r.mountPoint
}

// Clean returns the shortest lexical equivalent of p: repeated separators
// collapsed, "." elements dropped, ".." resolved against preceding elements
// (never above the root for rooted paths, kept literally when a relative
// path cannot backtrack), empty result turned into ".". The result never
// ends in a separator unless it is exactly "/".
func Clean(p string) string {
	return path.Clean(p)
}

// Resolve classifies name. Relative names are only candidates for remote
// routing while the process cwd is inside the mount scope; they are joined
// with cwd (the absolute current directory) before cleaning. A cleaned path
// is remote iff the mount point is a prefix bounded by a separator or
// end-of-string and the first segment under the mount point is not on the
// ignore list.
func (r *Router) Resolve(name, cwd string, inScope bool) Target {
	if name == "" {
		return Target{}
	}
	if name[0] != '/' {
		if !inScope {
			return Target{}
		}
		name = cwd + "/" + name
	}

	p := Clean(name)
	if !strings.HasPrefix(p, r.mountPoint) {
		return Target{}
	}
	rest := p[len(r.mountPoint):]
	if rest != "" && rest[0] != '/' {
		return Target{}
	}

	if rest != "" && len(r.ignore) > 0 {
		seg := rest[1:]
		if i := strings.IndexByte(seg, '/'); i >= 0 {
			seg = seg[:i]
		}
		for _, entry := range r.ignore {
			if seg == entry {
				return Target{}
			}
		}
	}

	if rest == "" {
		rest = "/"
	}
	return Target{Remote: true, Path: rest}
}

// Join rebuilds the host-visible absolute path for a mount-relative one, for
// getcwd and diagnostics.
func (r *Router) Join(rel string) string {
	if rel == "" || rel == "/" {
		return r.mountPoint
	}
	if rel[0] != '/' {
		return r.mountPoint + "/" + rel
	}
	return r.mountPoint + rel
}
