// Package models contains the wire types shared by services and handlers
package models

import (
	"fmt"
	"time"
)

// PathSegment is one resolved path element. EncodedID is the opaque form of
// the store id, never the raw id.
type PathSegment struct {
	Name      string `json:"name"`
	EncodedID string `json:"encodedId"`
	MimeType  string `json:"mimeType"`
}

// ResolvedPath is ordered root to leaf. An empty path is the root itself.
type ResolvedPath []PathSegment

// Leaf returns the last segment, or nil for the root.
func (p ResolvedPath) Leaf() *PathSegment {
	if len(p) == 0 {
		return nil
	}
	return &p[len(p)-1]
}

// ProtectionState describes password protection relative to one path.
// ProtectedContainerIndex is nil when no container on the path carries a
// marker, -1 for the root and the segment index otherwise.
type ProtectionState struct {
	ProtectedContainerIndex *int   `json:"protectedContainerIndex"`
	Unlocked                bool   `json:"unlocked"`
	ContainerPath           string `json:"containerPath,omitempty"`
}

// Protected reports whether any container on the path has a marker.
func (s ProtectionState) Protected() bool {
	return s.ProtectedContainerIndex != nil
}

// StreamRange is an inclusive byte window within an object of TotalSize.
type StreamRange struct {
	Start     int64 `json:"start"`
	End       int64 `json:"end"`
	TotalSize int64 `json:"totalSize"`
}

// Length is the number of bytes in the window.
func (r StreamRange) Length() int64 {
	return r.End - r.Start + 1
}

// ContentRange formats the Content-Range header value.
func (r StreamRange) ContentRange() string {
	return fmt.Sprintf("bytes %d-%d/%d", r.Start, r.End, r.TotalSize)
}

// Covers reports whether the window spans the whole object.
func (r StreamRange) Covers() bool {
	return r.Start == 0 && r.End == r.TotalSize-1
}

// ListItem is one visible child in a folder listing.
type ListItem struct {
	Name          string    `json:"name"`
	EncodedID     string    `json:"encodedId"`
	MimeType      string    `json:"mimeType"`
	IsFolder      bool      `json:"isFolder"`
	Size          int64     `json:"size"`
	FormattedSize string    `json:"formattedSize,omitempty"`
	ModifiedTime  time.Time `json:"modifiedTime,omitzero"`
}

// Breadcrumb for navigation
type Breadcrumb struct {
	Name string `json:"name"`
	Path string `json:"path"`
}

// Listing is the content of one folder.
type Listing struct {
	Path        ResolvedPath `json:"path"`
	Breadcrumbs []Breadcrumb `json:"breadcrumbs"`
	Items       []ListItem   `json:"items"`
	ReadmeID    string       `json:"readmeId,omitempty"`
	BannerID    string       `json:"bannerId,omitempty"`
}
