package services

import (
	"context"
	"sort"
	"strings"

	"github.com/damacus/drive-index/internal/models"
	"github.com/damacus/drive-index/internal/utils"
)

// ListConfig names the marker files and hidden prefixes.
type ListConfig struct {
	PasswordName   string
	ReadmeName     string
	BannerName     string
	HiddenPrefixes []string
}

// ListService lists folder contents for browsing. Marker files and hidden
// names are filtered here only; direct path resolution still reaches them.
type ListService struct {
	store  ObjectStore
	crypto *CryptoService
	cfg    ListConfig
}

func NewListService(store ObjectStore, crypto *CryptoService, cfg ListConfig) *ListService {
	if cfg.PasswordName == "" {
		cfg.PasswordName = defaultMarkerName
	}
	return &ListService{store: store, crypto: crypto, cfg: cfg}
}

// List returns the visible children of the folder res ends at.
func (s *ListService) List(ctx context.Context, res *Resolution) (*models.Listing, error) {
	if !res.LeafIsFolder() {
		return nil, newError(ErrBadRequest, "NOT_A_FOLDER", "path does not point to a folder", "")
	}

	children, err := s.store.ListChildren(ctx, ListQuery{Parent: res.LeafID()})
	if err != nil {
		return nil, classifyStoreError("list", err)
	}

	path, err := res.Public(s.crypto)
	if err != nil {
		return nil, err
	}
	listing := &models.Listing{
		Path:        path,
		Breadcrumbs: breadcrumbs(res),
		Items:       []models.ListItem{},
	}

	for _, child := range children {
		switch {
		case !child.IsFolder() && child.Name == s.cfg.ReadmeName && listing.ReadmeID == "":
			if listing.ReadmeID, err = s.crypto.Encrypt(child.ID); err != nil {
				return nil, err
			}
			continue
		case !child.IsFolder() && child.Name == s.cfg.BannerName && listing.BannerID == "":
			if listing.BannerID, err = s.crypto.Encrypt(child.ID); err != nil {
				return nil, err
			}
			continue
		case s.hidden(child.Name):
			continue
		}

		encoded, err := s.crypto.Encrypt(child.ID)
		if err != nil {
			return nil, err
		}
		item := models.ListItem{
			Name:         child.Name,
			EncodedID:    encoded,
			MimeType:     child.MimeType,
			IsFolder:     child.IsFolder(),
			ModifiedTime: child.ModifiedTime,
		}
		if !item.IsFolder {
			item.Size = child.Size
			item.FormattedSize = utils.FormatFileSize(child.Size)
		}
		listing.Items = append(listing.Items, item)
	}

	sort.SliceStable(listing.Items, func(i, j int) bool {
		a, b := listing.Items[i], listing.Items[j]
		if a.IsFolder != b.IsFolder {
			return a.IsFolder
		}
		return strings.ToLower(a.Name) < strings.ToLower(b.Name)
	})
	return listing, nil
}

func (s *ListService) hidden(name string) bool {
	if name == s.cfg.PasswordName || name == s.cfg.ReadmeName || name == s.cfg.BannerName {
		return true
	}
	for _, prefix := range s.cfg.HiddenPrefixes {
		if prefix != "" && strings.HasPrefix(name, prefix) {
			return true
		}
	}
	return false
}

func breadcrumbs(res *Resolution) []models.Breadcrumb {
	crumbs := []models.Breadcrumb{{Name: "Home", Path: "/"}}
	for i, n := range res.Nodes {
		crumbs = append(crumbs, models.Breadcrumb{Name: n.Name, Path: res.ContainerPath(i)})
	}
	return crumbs
}
